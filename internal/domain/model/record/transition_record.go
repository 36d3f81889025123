// Package record holds the append-only audit records: state transitions
// and step execution attempts. Records are never mutated after insert.
package record

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
)

// TransitionRecord is one applied state transition. The context snapshot
// captures the instance context before the transition; rollback restores
// from it.
type TransitionRecord struct {
	id              string
	instanceID      model.InstanceID
	fromState       journey.State
	toState         journey.State
	triggerType     model.TriggerType
	triggerData     map[string]interface{}
	stepIndex       int
	stepSlug        string
	success         bool
	contextSnapshot map[string]interface{}
	occurredAt      time.Time
}

// NewTransitionRecord creates a record for a transition about to be applied
func NewTransitionRecord(
	instanceID model.InstanceID,
	from, to journey.State,
	triggerType model.TriggerType,
	triggerData map[string]interface{},
	stepIndex int,
	stepSlug string,
	success bool,
	contextSnapshot map[string]interface{},
) *TransitionRecord {
	if triggerData == nil {
		triggerData = make(map[string]interface{})
	}
	if contextSnapshot == nil {
		contextSnapshot = make(map[string]interface{})
	}
	return &TransitionRecord{
		id:              ulid.Make().String(),
		instanceID:      instanceID,
		fromState:       from,
		toState:         to,
		triggerType:     triggerType,
		triggerData:     triggerData,
		stepIndex:       stepIndex,
		stepSlug:        stepSlug,
		success:         success,
		contextSnapshot: contextSnapshot,
		occurredAt:      time.Now().UTC(),
	}
}

// ReconstructTransitionRecord rebuilds a record from persisted data
func ReconstructTransitionRecord(
	id string,
	instanceID model.InstanceID,
	from, to journey.State,
	triggerType model.TriggerType,
	triggerData map[string]interface{},
	stepIndex int,
	stepSlug string,
	success bool,
	contextSnapshot map[string]interface{},
	occurredAt time.Time,
) *TransitionRecord {
	return &TransitionRecord{
		id:              id,
		instanceID:      instanceID,
		fromState:       from,
		toState:         to,
		triggerType:     triggerType,
		triggerData:     triggerData,
		stepIndex:       stepIndex,
		stepSlug:        stepSlug,
		success:         success,
		contextSnapshot: contextSnapshot,
		occurredAt:      occurredAt,
	}
}

// Getters
func (r *TransitionRecord) ID() string                     { return r.id }
func (r *TransitionRecord) InstanceID() model.InstanceID   { return r.instanceID }
func (r *TransitionRecord) FromState() journey.State       { return r.fromState }
func (r *TransitionRecord) ToState() journey.State         { return r.toState }
func (r *TransitionRecord) TriggerType() model.TriggerType { return r.triggerType }
func (r *TransitionRecord) TriggerData() map[string]interface{} {
	return r.triggerData
}
func (r *TransitionRecord) StepIndex() int  { return r.stepIndex }
func (r *TransitionRecord) StepSlug() string { return r.stepSlug }
func (r *TransitionRecord) Success() bool   { return r.success }
func (r *TransitionRecord) ContextSnapshot() map[string]interface{} {
	return r.contextSnapshot
}
func (r *TransitionRecord) OccurredAt() time.Time { return r.occurredAt }
