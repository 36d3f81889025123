package repository

import (
	"context"
	"time"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/lease"
)

// LeaseRepository implements the per-instance lease with compare-and-swap
// semantics: acquisition succeeds only if no lease is held or the held
// lease has expired.
type LeaseRepository interface {
	// Acquire attempts to take the lease for an instance.
	// Returns (nil, nil) when the lease is held by an active holder.
	Acquire(ctx context.Context, instanceID model.InstanceID, ttl time.Duration) (*lease.Lease, error)

	// Release clears the lease. A non-empty token must match the held lease;
	// an empty token releases unconditionally (operator override).
	Release(ctx context.Context, instanceID model.InstanceID, token string) error

	// Find retrieves the current lease for an instance
	Find(ctx context.Context, instanceID model.InstanceID) (*lease.Lease, error)

	// Extend pushes the expiry of a held lease further out
	Extend(ctx context.Context, instanceID model.InstanceID, token string, duration time.Duration) error

	// CleanupExpired removes expired leases, returning how many were removed
	CleanupExpired(ctx context.Context) (int, error)

	// List lists all active leases
	List(ctx context.Context) ([]*lease.Lease, error)
}
