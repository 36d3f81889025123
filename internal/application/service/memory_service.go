package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/compasshq/journeyd/internal/domain/model/memory"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// MemoryService is the remember/recall surface over the decaying key-value
// store used by later steps
type MemoryService struct {
	memoryRepo repository.MemoryRepository
	logger     zerolog.Logger
}

// NewMemoryService creates a new memory service
func NewMemoryService(memoryRepo repository.MemoryRepository, logger zerolog.Logger) *MemoryService {
	return &MemoryService{memoryRepo: memoryRepo, logger: logger}
}

// Remember inserts a new entry or reinforces an existing one. A non-nil ttl
// refreshes the expiry; nil keeps the prior one.
func (s *MemoryService) Remember(ctx context.Context, key repository.MemoryKey, value map[string]interface{}, ttl *time.Duration) (*memory.Entry, error) {
	existing, err := s.memoryRepo.Find(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find memory entry: %w", err)
	}

	if existing == nil || existing.IsExpired(time.Now().UTC()) {
		entry, err := memory.New(key.MemoryType, key.ScopeType, key.ScopeID, key.Key, value, ttl)
		if err != nil {
			return nil, err
		}
		// An expired row may still be present until the reaper runs; Save
		// overwrites it.
		if err := s.memoryRepo.Save(ctx, entry); err != nil {
			return nil, fmt.Errorf("save memory entry: %w", err)
		}
		return entry, nil
	}

	existing.Reinforce(value, ttl)
	if err := s.memoryRepo.Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("update memory entry: %w", err)
	}
	return existing, nil
}

// Recall retrieves an entry; expired entries are invisible and reported as
// absent
func (s *MemoryService) Recall(ctx context.Context, key repository.MemoryKey) (*memory.Entry, error) {
	entry, err := s.memoryRepo.Find(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find memory entry: %w", err)
	}
	if entry == nil || entry.IsExpired(time.Now().UTC()) {
		return nil, nil
	}
	return entry, nil
}

// PruneExpired removes entries past their expiry
func (s *MemoryService) PruneExpired(ctx context.Context) (int, error) {
	n, err := s.memoryRepo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("pruned expired memory entries")
	}
	return n, nil
}

// ListByScope lists entries for one scope in relevance order
func (s *MemoryService) ListByScope(ctx context.Context, scopeType, scopeID string) ([]*memory.Entry, error) {
	return s.memoryRepo.ListByScope(ctx, scopeType, scopeID)
}
