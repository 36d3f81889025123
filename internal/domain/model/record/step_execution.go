package record

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/compasshq/journeyd/internal/domain/model"
)

// StepExecution is one step attempt dispatched to a handler.
// Fan-out children share a parallel group ID and point at their parent.
type StepExecution struct {
	id                string
	instanceID        model.InstanceID
	stepIndex         int
	stepSlug          string
	stepType          model.StepType
	status            model.StepStatus
	input             map[string]interface{}
	output            map[string]interface{}
	retriesAttempted  int
	errorKind         string
	errorMessage      string
	parentExecutionID string
	parallelGroupID   string
	startedAt         time.Time
	finishedAt        time.Time
}

// NewStepExecution creates a pending execution record
func NewStepExecution(
	instanceID model.InstanceID,
	stepIndex int,
	stepSlug string,
	stepType model.StepType,
	input map[string]interface{},
) *StepExecution {
	if input == nil {
		input = make(map[string]interface{})
	}
	return &StepExecution{
		id:         ulid.Make().String(),
		instanceID: instanceID,
		stepIndex:  stepIndex,
		stepSlug:   stepSlug,
		stepType:   stepType,
		status:     model.StepStatusPending,
		input:      input,
	}
}

// ReconstructStepExecution rebuilds an execution from persisted data
func ReconstructStepExecution(
	id string,
	instanceID model.InstanceID,
	stepIndex int,
	stepSlug string,
	stepType model.StepType,
	status model.StepStatus,
	input, output map[string]interface{},
	retriesAttempted int,
	errorKind, errorMessage string,
	parentExecutionID, parallelGroupID string,
	startedAt, finishedAt time.Time,
) *StepExecution {
	return &StepExecution{
		id:                id,
		instanceID:        instanceID,
		stepIndex:         stepIndex,
		stepSlug:          stepSlug,
		stepType:          stepType,
		status:            status,
		input:             input,
		output:            output,
		retriesAttempted:  retriesAttempted,
		errorKind:         errorKind,
		errorMessage:      errorMessage,
		parentExecutionID: parentExecutionID,
		parallelGroupID:   parallelGroupID,
		startedAt:         startedAt,
		finishedAt:        finishedAt,
	}
}

// AttachToGroup links this execution into a parallel fan-out group
func (e *StepExecution) AttachToGroup(parentExecutionID, groupID string) {
	e.parentExecutionID = parentExecutionID
	e.parallelGroupID = groupID
}

// MarkRunning records the start of an attempt
func (e *StepExecution) MarkRunning() {
	e.status = model.StepStatusRunning
	if e.startedAt.IsZero() {
		e.startedAt = time.Now().UTC()
	}
}

// MarkCompleted records a successful attempt with its output
func (e *StepExecution) MarkCompleted(output map[string]interface{}) {
	if output == nil {
		output = make(map[string]interface{})
	}
	e.status = model.StepStatusCompleted
	e.output = output
	e.errorKind = ""
	e.errorMessage = ""
	e.finishedAt = time.Now().UTC()
}

// MarkFailed records a failed attempt
func (e *StepExecution) MarkFailed(kind, message string) {
	e.status = model.StepStatusFailed
	e.errorKind = kind
	e.errorMessage = message
	e.finishedAt = time.Now().UTC()
}

// MarkSkipped records a step that was not executed
func (e *StepExecution) MarkSkipped(reason string) {
	e.status = model.StepStatusSkipped
	e.errorMessage = reason
	e.finishedAt = time.Now().UTC()
}

// MarkCancelled records an attempt abandoned due to cancellation
func (e *StepExecution) MarkCancelled() {
	e.status = model.StepStatusCancelled
	e.finishedAt = time.Now().UTC()
}

// IncrementRetries bumps the persisted retry counter and returns the new value
func (e *StepExecution) IncrementRetries() int {
	e.retriesAttempted++
	return e.retriesAttempted
}

// Getters
func (e *StepExecution) ID() string                        { return e.id }
func (e *StepExecution) InstanceID() model.InstanceID      { return e.instanceID }
func (e *StepExecution) StepIndex() int                    { return e.stepIndex }
func (e *StepExecution) StepSlug() string                  { return e.stepSlug }
func (e *StepExecution) StepType() model.StepType          { return e.stepType }
func (e *StepExecution) Status() model.StepStatus          { return e.status }
func (e *StepExecution) Input() map[string]interface{}     { return e.input }
func (e *StepExecution) Output() map[string]interface{}    { return e.output }
func (e *StepExecution) RetriesAttempted() int             { return e.retriesAttempted }
func (e *StepExecution) ErrorKind() string                 { return e.errorKind }
func (e *StepExecution) ErrorMessage() string              { return e.errorMessage }
func (e *StepExecution) ParentExecutionID() string         { return e.parentExecutionID }
func (e *StepExecution) ParallelGroupID() string           { return e.parallelGroupID }
func (e *StepExecution) StartedAt() time.Time              { return e.startedAt }
func (e *StepExecution) FinishedAt() time.Time             { return e.finishedAt }
