// Package service holds the application services: lease lifecycle, the
// state machine core, memory, and metrics.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/lease"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// LeaseService manages lease lifecycle and background cleanup of expired
// leases and expired memory entries
type LeaseService interface {
	// Acquire attempts to take the lease; returns (nil, nil) when held elsewhere
	Acquire(ctx context.Context, instanceID model.InstanceID, ttl time.Duration) (*lease.Lease, error)

	// Release returns the lease, verifying the caller's token when non-empty
	Release(ctx context.Context, instanceID model.InstanceID, token string) error

	// Extend pushes a held lease's expiry further out
	Extend(ctx context.Context, instanceID model.InstanceID, token string, duration time.Duration) error

	// Find retrieves the current lease for an instance
	Find(ctx context.Context, instanceID model.InstanceID) (*lease.Lease, error)

	// List lists all active leases
	List(ctx context.Context) ([]*lease.Lease, error)

	// CleanupExpired removes expired leases immediately
	CleanupExpired(ctx context.Context) (int, error)

	// Start launches the background cleanup scheduler
	Start(ctx context.Context) error

	// Stop halts background tasks
	Stop() error
}

// LeaseServiceConfig holds configuration for the lease service
type LeaseServiceConfig struct {
	DefaultTTL      time.Duration // Lease TTL used when callers pass zero
	CleanupInterval time.Duration // How often expired leases and memory are reaped
}

// DefaultLeaseServiceConfig returns default configuration
func DefaultLeaseServiceConfig() LeaseServiceConfig {
	return LeaseServiceConfig{
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: 60 * time.Second,
	}
}

// LeaseServiceImpl implements LeaseService
type LeaseServiceImpl struct {
	leaseRepo  repository.LeaseRepository
	memoryRepo repository.MemoryRepository
	config     LeaseServiceConfig
	logger     zerolog.Logger

	mu            sync.Mutex
	cleanupCancel context.CancelFunc
	done          chan struct{}
	stopOnce      sync.Once
}

// NewLeaseService creates a new lease service
func NewLeaseService(
	leaseRepo repository.LeaseRepository,
	memoryRepo repository.MemoryRepository,
	config LeaseServiceConfig,
	logger zerolog.Logger,
) LeaseService {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultLeaseServiceConfig().DefaultTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultLeaseServiceConfig().CleanupInterval
	}
	return &LeaseServiceImpl{
		leaseRepo:  leaseRepo,
		memoryRepo: memoryRepo,
		config:     config,
		logger:     logger,
	}
}

// Acquire attempts to take the lease for an instance
func (s *LeaseServiceImpl) Acquire(ctx context.Context, instanceID model.InstanceID, ttl time.Duration) (*lease.Lease, error) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	ls, err := s.leaseRepo.Acquire(ctx, instanceID, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if ls != nil {
		s.logger.Debug().
			Str("instance_id", instanceID.String()).
			Time("expires_at", ls.ExpiresAt()).
			Msg("lease acquired")
	}
	return ls, nil
}

// Release returns the lease
func (s *LeaseServiceImpl) Release(ctx context.Context, instanceID model.InstanceID, token string) error {
	if err := s.leaseRepo.Release(ctx, instanceID, token); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	s.logger.Debug().Str("instance_id", instanceID.String()).Msg("lease released")
	return nil
}

// Extend pushes a held lease's expiry further out
func (s *LeaseServiceImpl) Extend(ctx context.Context, instanceID model.InstanceID, token string, duration time.Duration) error {
	return s.leaseRepo.Extend(ctx, instanceID, token, duration)
}

// Find retrieves the current lease for an instance
func (s *LeaseServiceImpl) Find(ctx context.Context, instanceID model.InstanceID) (*lease.Lease, error) {
	return s.leaseRepo.Find(ctx, instanceID)
}

// List lists all active leases
func (s *LeaseServiceImpl) List(ctx context.Context) ([]*lease.Lease, error) {
	return s.leaseRepo.List(ctx)
}

// CleanupExpired removes expired leases immediately
func (s *LeaseServiceImpl) CleanupExpired(ctx context.Context) (int, error) {
	return s.leaseRepo.CleanupExpired(ctx)
}

// Start launches the background cleanup scheduler
func (s *LeaseServiceImpl) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanupCancel != nil {
		return nil
	}

	cleanupCtx, cancel := context.WithCancel(ctx)
	s.cleanupCancel = cancel
	s.done = make(chan struct{})

	go s.cleanupScheduler(cleanupCtx)
	return nil
}

// Stop halts background tasks and waits for the scheduler to exit
func (s *LeaseServiceImpl) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cleanupCancel
		done := s.done
		s.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
	})
	return nil
}

// cleanupScheduler periodically reaps expired leases and memory entries
func (s *LeaseServiceImpl) cleanupScheduler(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.leaseRepo.CleanupExpired(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("lease cleanup failed")
			} else if n > 0 {
				s.logger.Info().Int("count", n).Msg("expired leases reaped")
			}

			if s.memoryRepo != nil {
				if n, err := s.memoryRepo.DeleteExpired(ctx, time.Now().UTC()); err != nil {
					s.logger.Warn().Err(err).Msg("memory reap failed")
				} else if n > 0 {
					s.logger.Info().Int("count", n).Msg("expired memory entries reaped")
				}
			}
		}
	}
}
