package repository

import (
	"context"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/record"
)

// TransitionRecordRepository is the append-only transition history.
// Records are never mutated or deleted; rollback only moves the instance's
// live state backward while the forward records remain for audit.
type TransitionRecordRepository interface {
	// Append inserts one transition record
	Append(ctx context.Context, rec *record.TransitionRecord) error

	// FindByInstance returns the full history in chronological order
	FindByInstance(ctx context.Context, instanceID model.InstanceID) ([]*record.TransitionRecord, error)

	// FindLatest returns up to n records in reverse chronological order
	FindLatest(ctx context.Context, instanceID model.InstanceID, n int) ([]*record.TransitionRecord, error)
}

// StepExecutionRepository stores step attempt records. The retry counter is
// persisted between attempts so a resumed process does not reset the budget.
type StepExecutionRepository interface {
	// Save persists a new execution record
	Save(ctx context.Context, exec *record.StepExecution) error

	// Update persists status/output/retry changes of an execution
	Update(ctx context.Context, exec *record.StepExecution) error

	// FindByInstance returns all executions for an instance in start order
	FindByInstance(ctx context.Context, instanceID model.InstanceID) ([]*record.StepExecution, error)

	// FindOpenForStep returns the most recent non-final execution for a step
	// index, or nil if every prior attempt reached a final status
	FindOpenForStep(ctx context.Context, instanceID model.InstanceID, stepIndex int) (*record.StepExecution, error)

	// FindByGroup returns the executions of one parallel fan-out group
	FindByGroup(ctx context.Context, groupID string) ([]*record.StepExecution, error)
}
