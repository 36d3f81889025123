package model

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// InstanceID represents a unique identifier for a journey instance
type InstanceID struct {
	value string
}

// NewInstanceID creates a new InstanceID
// ULIDs are used so IDs sort by creation time
func NewInstanceID() InstanceID {
	return InstanceID{value: ulid.Make().String()}
}

// NewInstanceIDFromString creates an InstanceID from an existing string
func NewInstanceIDFromString(id string) (InstanceID, error) {
	if id == "" {
		return InstanceID{}, errors.New("instance ID cannot be empty")
	}
	return InstanceID{value: id}, nil
}

// String returns the string representation
func (i InstanceID) String() string {
	return i.value
}

// Equals checks if two InstanceIDs are equal
func (i InstanceID) Equals(other InstanceID) bool {
	return i.value == other.value
}

// DefinitionID represents a unique identifier for a published journey definition version
type DefinitionID struct {
	value string
}

// NewDefinitionID creates a new DefinitionID
func NewDefinitionID() DefinitionID {
	return DefinitionID{value: ulid.Make().String()}
}

// NewDefinitionIDFromString creates a DefinitionID from an existing string
func NewDefinitionIDFromString(id string) (DefinitionID, error) {
	if id == "" {
		return DefinitionID{}, errors.New("definition ID cannot be empty")
	}
	return DefinitionID{value: id}, nil
}

// String returns the string representation
func (d DefinitionID) String() string {
	return d.value
}

// Equals checks if two DefinitionIDs are equal
func (d DefinitionID) Equals(other DefinitionID) bool {
	return d.value == other.value
}

// InstanceStatus represents the lifecycle status of a journey instance
type InstanceStatus string

const (
	StatusPending     InstanceStatus = "pending"
	StatusRunning     InstanceStatus = "running"
	StatusPaused      InstanceStatus = "paused"
	StatusCompleted   InstanceStatus = "completed"
	StatusFailed      InstanceStatus = "failed"
	StatusCancelled   InstanceStatus = "cancelled"
	StatusRollingBack InstanceStatus = "rolling_back"
)

// String returns the string representation
func (s InstanceStatus) String() string {
	return string(s)
}

// IsValid validates the status
func (s InstanceStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted,
		StatusFailed, StatusCancelled, StatusRollingBack:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further work may start for an instance in this status
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if a status transition is valid
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	validTransitions := map[InstanceStatus][]InstanceStatus{
		StatusPending:     {StatusRunning, StatusCancelled},
		StatusRunning:     {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled, StatusRollingBack},
		StatusPaused:      {StatusRunning, StatusCancelled, StatusRollingBack},
		StatusFailed:      {StatusRollingBack, StatusCancelled},
		StatusRollingBack: {StatusPaused},
		StatusCompleted:   {},
		StatusCancelled:   {},
	}

	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}

	for _, allowedStatus := range allowed {
		if allowedStatus == next {
			return true
		}
	}
	return false
}

// StepStatus represents the status of a single step execution attempt
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// String returns the string representation
func (s StepStatus) String() string {
	return string(s)
}

// IsValid validates the step status
func (s StepStatus) IsValid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted,
		StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// IsFinal reports whether the execution record will not change again
func (s StepStatus) IsFinal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// StepType identifies the executor kind a step is dispatched to
type StepType string

const (
	StepTypeDiscovery    StepType = "discovery"
	StepTypeEnrichment   StepType = "enrichment"
	StepTypeScoring      StepType = "scoring"
	StepTypeOutreach     StepType = "outreach"
	StepTypeConditional  StepType = "conditional"
	StepTypeParallel     StepType = "parallel"
	StepTypeWait         StepType = "wait"
	StepTypeValidation   StepType = "validation"
	StepTypeNotification StepType = "notification"
)

// String returns the string representation
func (t StepType) String() string {
	return string(t)
}

// IsValid validates the step type
func (t StepType) IsValid() bool {
	switch t {
	case StepTypeDiscovery, StepTypeEnrichment, StepTypeScoring, StepTypeOutreach,
		StepTypeConditional, StepTypeParallel, StepTypeWait, StepTypeValidation,
		StepTypeNotification:
		return true
	default:
		return false
	}
}

// TriggerType describes what caused a state transition
// The trigger is descriptive metadata on the history record; transition
// validity is matched on the (from, to) state pair only.
type TriggerType string

const (
	TriggerStepCompleted TriggerType = "step_completed"
	TriggerStepFailed    TriggerType = "step_failed"
	TriggerConditional   TriggerType = "conditional"
	TriggerManual        TriggerType = "manual"
	TriggerRollback      TriggerType = "rollback"
)

// String returns the string representation
func (t TriggerType) String() string {
	return string(t)
}

// Scope identifies the organization a journey belongs to.
// It is threaded explicitly through every operation; there is no default tenant.
type Scope struct {
	value string
}

// NewScope creates a new Scope
func NewScope(value string) (Scope, error) {
	if value == "" {
		return Scope{}, errors.New("scope cannot be empty")
	}
	return Scope{value: value}, nil
}

// String returns the string representation
func (s Scope) String() string {
	return s.value
}

// Equals checks if two Scopes are equal
func (s Scope) Equals(other Scope) bool {
	return s.value == other.value
}

// Version represents a definition version counter starting from 1
type Version struct {
	value int
}

// NewVersion creates a Version from an integer value
func NewVersion(value int) (Version, error) {
	if value < 1 {
		return Version{}, fmt.Errorf("version must be at least 1, got %d", value)
	}
	return Version{value: value}, nil
}

// Value returns the integer value
func (v Version) Value() int {
	return v.value
}

// Next returns the following version
func (v Version) Next() Version {
	return Version{value: v.value + 1}
}

// Equals checks if two Versions are equal
func (v Version) Equals(other Version) bool {
	return v.value == other.value
}

// String returns the string representation
func (v Version) String() string {
	return fmt.Sprintf("v%d", v.value)
}
