package repository

import (
	"context"
	"time"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
)

// InstanceRepository stores journey instances. The instance row is the only
// resource requiring exclusive-write discipline, enforced through the lease
// rather than long-held transactions.
type InstanceRepository interface {
	// Save persists a newly created instance
	Save(ctx context.Context, inst *instance.Instance) error

	// Update persists the mutable fields of an existing instance
	Update(ctx context.Context, inst *instance.Instance) error

	// FindByID retrieves an instance; returns ErrInstanceNotFound if absent
	FindByID(ctx context.Context, id model.InstanceID) (*instance.Instance, error)

	// ListByStatus lists instances in a scope with the given status
	ListByStatus(ctx context.Context, scope model.Scope, status model.InstanceStatus) ([]*instance.Instance, error)

	// ClaimDue atomically claims up to limit pending instances whose
	// next_step_at has elapsed, so concurrent workers never double-process
	// the same instance. Claimed instances are returned already marked running.
	ClaimDue(ctx context.Context, scope model.Scope, limit int, now time.Time) ([]*instance.Instance, error)
}
