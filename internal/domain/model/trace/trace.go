// Package trace records the evidence chain behind a step's outcome.
// Traces are write-once and purely additive: they never affect transition
// validity, only downstream scoring and audit tooling.
package trace

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/compasshq/journeyd/internal/domain/model"
)

// Evidence is one observed fact contributing to a decision
type Evidence struct {
	Source string  `json:"source"`
	Detail string  `json:"detail"`
	Weight float64 `json:"weight"`
}

// Path is one candidate outcome considered by a handler
type Path struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// TimeFactors carry the recency/frequency weights applied to the evidence
type TimeFactors struct {
	RecencyWeight   float64 `json:"recency_weight"`
	FrequencyWeight float64 `json:"frequency_weight"`
}

// ReasoningTrace is the recorded explanation for one step decision
type ReasoningTrace struct {
	id              string
	instanceID      model.InstanceID
	stepSlug        string
	evidence        []Evidence
	confidenceScore float64
	pathsConsidered []Path
	selectedPath    string
	timeFactors     TimeFactors
	recordedAt      time.Time
}

// New creates a reasoning trace. The selected path must be one of the
// considered paths and confidence must lie in [0, 1].
func New(
	instanceID model.InstanceID,
	stepSlug string,
	evidence []Evidence,
	confidenceScore float64,
	pathsConsidered []Path,
	selectedPath string,
	timeFactors TimeFactors,
) (*ReasoningTrace, error) {
	if stepSlug == "" {
		return nil, errors.New("step slug cannot be empty")
	}
	if confidenceScore < 0 || confidenceScore > 1 {
		return nil, fmt.Errorf("confidence score %v out of range [0, 1]", confidenceScore)
	}
	if selectedPath != "" {
		found := false
		for _, p := range pathsConsidered {
			if p.Name == selectedPath {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("selected path %q was not among the considered paths", selectedPath)
		}
	}

	return &ReasoningTrace{
		id:              ulid.Make().String(),
		instanceID:      instanceID,
		stepSlug:        stepSlug,
		evidence:        evidence,
		confidenceScore: confidenceScore,
		pathsConsidered: pathsConsidered,
		selectedPath:    selectedPath,
		timeFactors:     timeFactors,
		recordedAt:      time.Now().UTC(),
	}, nil
}

// Reconstruct rebuilds a trace from persisted data
func Reconstruct(
	id string,
	instanceID model.InstanceID,
	stepSlug string,
	evidence []Evidence,
	confidenceScore float64,
	pathsConsidered []Path,
	selectedPath string,
	timeFactors TimeFactors,
	recordedAt time.Time,
) *ReasoningTrace {
	return &ReasoningTrace{
		id:              id,
		instanceID:      instanceID,
		stepSlug:        stepSlug,
		evidence:        evidence,
		confidenceScore: confidenceScore,
		pathsConsidered: pathsConsidered,
		selectedPath:    selectedPath,
		timeFactors:     timeFactors,
		recordedAt:      recordedAt,
	}
}

// Getters
func (t *ReasoningTrace) ID() string                   { return t.id }
func (t *ReasoningTrace) InstanceID() model.InstanceID { return t.instanceID }
func (t *ReasoningTrace) StepSlug() string             { return t.stepSlug }
func (t *ReasoningTrace) Evidence() []Evidence         { return t.evidence }
func (t *ReasoningTrace) ConfidenceScore() float64     { return t.confidenceScore }
func (t *ReasoningTrace) PathsConsidered() []Path      { return t.pathsConsidered }
func (t *ReasoningTrace) SelectedPath() string         { return t.selectedPath }
func (t *ReasoningTrace) TimeFactors() TimeFactors     { return t.timeFactors }
func (t *ReasoningTrace) RecordedAt() time.Time        { return t.recordedAt }
