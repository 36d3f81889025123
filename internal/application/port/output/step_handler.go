// Package output defines the outbound ports of the application layer:
// external step handlers, transactions, and the snapshot archive.
package output

import (
	"context"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/trace"
)

// StepRequest is the dispatch payload handed to a step handler
type StepRequest struct {
	Scope      string
	InstanceID string
	StepSlug   string
	StepType   model.StepType
	Config     map[string]interface{}
	Context    map[string]interface{}
}

// ReasoningPayload is the optional explanation a handler attaches to its result
type ReasoningPayload struct {
	Evidence        []trace.Evidence
	ConfidenceScore float64
	PathsConsidered []trace.Path
	SelectedPath    string
	TimeFactors     trace.TimeFactors
}

// StepResult is what a handler returns for one logical attempt
type StepResult struct {
	Output       map[string]interface{}
	Success      bool
	ErrorKind    string
	ErrorMessage string
	Reasoning    *ReasoningPayload
}

// StepHandler is implemented by the external collaborators that perform
// discovery, enrichment, scoring, and outreach work. Handlers must be
// safely retryable: the dispatcher may call Execute more than once for the
// same logical attempt after a crash.
type StepHandler interface {
	Execute(ctx context.Context, req StepRequest) (*StepResult, error)
}

// StepHandlerFunc adapts a function to the StepHandler interface
type StepHandlerFunc func(ctx context.Context, req StepRequest) (*StepResult, error)

// Execute implements StepHandler
func (f StepHandlerFunc) Execute(ctx context.Context, req StepRequest) (*StepResult, error) {
	return f(ctx, req)
}
