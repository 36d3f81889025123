package repository

import (
	"context"
	"time"

	"github.com/compasshq/journeyd/internal/domain/model/memory"
)

// MemoryKey identifies one memory entry
type MemoryKey struct {
	MemoryType string
	ScopeType  string
	ScopeID    string
	Key        string
}

// MemoryRepository stores decaying key-value memory entries
type MemoryRepository interface {
	// Find retrieves an entry; returns (nil, nil) if absent
	Find(ctx context.Context, key MemoryKey) (*memory.Entry, error)

	// Save inserts a new entry
	Save(ctx context.Context, e *memory.Entry) error

	// Update persists a reinforced or decayed entry
	Update(ctx context.Context, e *memory.Entry) error

	// DeleteExpired removes entries whose expiry has passed, returning the count
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// ListByScope lists entries for one scope in relevance order
	ListByScope(ctx context.Context, scopeType, scopeID string) ([]*memory.Entry, error)
}
