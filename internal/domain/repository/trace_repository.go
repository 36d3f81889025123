package repository

import (
	"context"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/trace"
)

// TraceRepository stores reasoning traces. Write-once: there is no update.
type TraceRepository interface {
	// Append inserts one reasoning trace
	Append(ctx context.Context, t *trace.ReasoningTrace) error

	// FindByInstance returns all traces for an instance in recording order
	FindByInstance(ctx context.Context, instanceID model.InstanceID) ([]*trace.ReasoningTrace, error)
}
