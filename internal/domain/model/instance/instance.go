// Package instance holds the mutable journey instance aggregate.
package instance

import (
	"errors"
	"time"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
)

// RollbackEntry is one audit entry appended each time the instance rolls back
type RollbackEntry struct {
	Steps      int       `json:"steps"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Instance is one live execution of a journey definition against an entity.
// Its transitions are serialized by a per-instance lease; the entity itself
// carries no locking state.
type Instance struct {
	id               model.InstanceID
	definitionID     model.DefinitionID
	scope            model.Scope
	entityID         string
	currentState     journey.State
	previousState    journey.State
	context          map[string]interface{}
	status           model.InstanceStatus
	currentStepIndex int
	stepsCompleted   int
	stepsTotal       int
	canRollback      bool
	rollbackStack    []RollbackEntry
	retryCount       int
	maxRetries       int
	nextStepAt       time.Time
	createdAt        time.Time
	updatedAt        time.Time
}

// New creates a new instance bound to the given definition version.
// The definition's required context keys must be present in initialContext.
func New(def *journey.Definition, entityID string, initialContext map[string]interface{}, maxRetries int) (*Instance, error) {
	if entityID == "" {
		return nil, errors.New("entity ID cannot be empty")
	}
	if initialContext == nil {
		initialContext = make(map[string]interface{})
	}
	if missing := def.MissingRequiredContext(initialContext); len(missing) > 0 {
		return nil, domerr.ErrDefinitionInvalid.WithDetails(map[string]interface{}{
			"missing_context": missing,
		})
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	now := time.Now().UTC()
	return &Instance{
		id:               model.NewInstanceID(),
		definitionID:     def.ID(),
		scope:            def.Scope(),
		entityID:         entityID,
		currentState:     def.Initial(),
		context:          copyContext(initialContext),
		status:           model.StatusPending,
		currentStepIndex: 0,
		stepsTotal:       def.StepCount(),
		canRollback:      true,
		maxRetries:       maxRetries,
		nextStepAt:       now,
		createdAt:        now,
		updatedAt:        now,
	}, nil
}

// Reconstruct rebuilds an instance from persisted data
func Reconstruct(
	id model.InstanceID,
	definitionID model.DefinitionID,
	scope model.Scope,
	entityID string,
	currentState, previousState journey.State,
	context map[string]interface{},
	status model.InstanceStatus,
	currentStepIndex, stepsCompleted, stepsTotal int,
	canRollback bool,
	rollbackStack []RollbackEntry,
	retryCount, maxRetries int,
	nextStepAt, createdAt, updatedAt time.Time,
) *Instance {
	if context == nil {
		context = make(map[string]interface{})
	}
	return &Instance{
		id:               id,
		definitionID:     definitionID,
		scope:            scope,
		entityID:         entityID,
		currentState:     currentState,
		previousState:    previousState,
		context:          context,
		status:           status,
		currentStepIndex: currentStepIndex,
		stepsCompleted:   stepsCompleted,
		stepsTotal:       stepsTotal,
		canRollback:      canRollback,
		rollbackStack:    rollbackStack,
		retryCount:       retryCount,
		maxRetries:       maxRetries,
		nextStepAt:       nextStepAt,
		createdAt:        createdAt,
		updatedAt:        updatedAt,
	}
}

// ApplyTransition moves the instance to a new state.
// The caller (state machine core) has already validated the edge and
// appended the history record.
func (i *Instance) ApplyTransition(to journey.State) {
	i.previousState = i.currentState
	i.currentState = to
	i.updatedAt = time.Now().UTC()
}

// SetStatus transitions the lifecycle status
func (i *Instance) SetStatus(next model.InstanceStatus) error {
	if !next.IsValid() {
		return errors.New("invalid status")
	}
	if i.status == next {
		return nil
	}
	if !i.status.CanTransitionTo(next) {
		return errors.New("invalid status transition from " + i.status.String() + " to " + next.String())
	}
	i.status = next
	i.updatedAt = time.Now().UTC()
	return nil
}

// MarkStepCompleted records a completed step and advances the step cursor
func (i *Instance) MarkStepCompleted(nextIndex int) {
	i.stepsCompleted++
	i.currentStepIndex = nextIndex
	i.retryCount = 0
	i.updatedAt = time.Now().UTC()
}

// MoveToStep repositions the step cursor without counting a completion,
// used when a failure edge redirects the flow
func (i *Instance) MoveToStep(index int) {
	i.currentStepIndex = index
	i.retryCount = 0
	i.updatedAt = time.Now().UTC()
}

// MergeContext overlays step output onto the instance context
func (i *Instance) MergeContext(output map[string]interface{}) {
	for k, v := range output {
		i.context[k] = v
	}
	i.updatedAt = time.Now().UTC()
}

// RestoreContext replaces the context wholesale, used by rollback
func (i *Instance) RestoreContext(snapshot map[string]interface{}) {
	i.context = copyContext(snapshot)
	i.updatedAt = time.Now().UTC()
}

// RestoreState moves the live state backward without the edge validation
// that forward transitions require. Only the rollback engine calls this.
func (i *Instance) RestoreState(state journey.State, stepIndex int) {
	i.previousState = i.currentState
	i.currentState = state
	i.currentStepIndex = stepIndex
	i.updatedAt = time.Now().UTC()
}

// PushRollback appends an audit entry for a performed rollback
func (i *Instance) PushRollback(entry RollbackEntry) {
	i.rollbackStack = append(i.rollbackStack, entry)
	i.updatedAt = time.Now().UTC()
}

// DisableRollback marks the instance as having produced irreversible side
// effects (e.g. a message already sent)
func (i *Instance) DisableRollback() {
	i.canRollback = false
	i.updatedAt = time.Now().UTC()
}

// SetRetryCount persists the in-progress retry budget for the current step
func (i *Instance) SetRetryCount(n int) {
	i.retryCount = n
	i.updatedAt = time.Now().UTC()
}

// ScheduleNext sets when the instance next becomes claimable
func (i *Instance) ScheduleNext(at time.Time) {
	i.nextStepAt = at.UTC()
	i.updatedAt = time.Now().UTC()
}

// Context returns a copy of the opaque context payload
func (i *Instance) Context() map[string]interface{} {
	return copyContext(i.context)
}

// Getters
func (i *Instance) ID() model.InstanceID           { return i.id }
func (i *Instance) DefinitionID() model.DefinitionID { return i.definitionID }
func (i *Instance) Scope() model.Scope             { return i.scope }
func (i *Instance) EntityID() string               { return i.entityID }
func (i *Instance) CurrentState() journey.State    { return i.currentState }
func (i *Instance) PreviousState() journey.State   { return i.previousState }
func (i *Instance) Status() model.InstanceStatus   { return i.status }
func (i *Instance) CurrentStepIndex() int          { return i.currentStepIndex }
func (i *Instance) StepsCompleted() int            { return i.stepsCompleted }
func (i *Instance) StepsTotal() int                { return i.stepsTotal }
func (i *Instance) CanRollback() bool              { return i.canRollback }
func (i *Instance) RollbackStack() []RollbackEntry { return i.rollbackStack }
func (i *Instance) RetryCount() int                { return i.retryCount }
func (i *Instance) MaxRetries() int                { return i.maxRetries }
func (i *Instance) NextStepAt() time.Time          { return i.nextStepAt }
func (i *Instance) CreatedAt() time.Time           { return i.createdAt }
func (i *Instance) UpdatedAt() time.Time           { return i.updatedAt }

func copyContext(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
