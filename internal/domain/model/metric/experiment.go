package metric

import (
	"errors"
	"hash/fnv"
	"time"
)

// AssignVariant deterministically maps an entity to a variant for the
// lifetime of one experiment. There is no adaptive reallocation within an
// experiment run: the same entity always lands on the same variant.
func AssignVariant(experimentID, entityID string, variants []string) (string, error) {
	if len(variants) == 0 {
		return "", errors.New("at least one variant is required")
	}
	h := fnv.New64a()
	h.Write([]byte(experimentID))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	return variants[h.Sum64()%uint64(len(variants))], nil
}

// Outcome is one realized experiment result for later statistical comparison
type Outcome struct {
	experimentID string
	entityID     string
	variant      string
	success      bool
	value        float64
	recordedAt   time.Time
}

// NewOutcome records a realized outcome for an assigned variant
func NewOutcome(experimentID, entityID, variant string, success bool, value float64) (*Outcome, error) {
	if experimentID == "" || entityID == "" || variant == "" {
		return nil, errors.New("experiment, entity, and variant are required")
	}
	return &Outcome{
		experimentID: experimentID,
		entityID:     entityID,
		variant:      variant,
		success:      success,
		value:        value,
		recordedAt:   time.Now().UTC(),
	}, nil
}

// ReconstructOutcome rebuilds an outcome from persisted data
func ReconstructOutcome(experimentID, entityID, variant string, success bool, value float64, recordedAt time.Time) *Outcome {
	return &Outcome{
		experimentID: experimentID,
		entityID:     entityID,
		variant:      variant,
		success:      success,
		value:        value,
		recordedAt:   recordedAt,
	}
}

// Getters
func (o *Outcome) ExperimentID() string  { return o.experimentID }
func (o *Outcome) EntityID() string      { return o.entityID }
func (o *Outcome) Variant() string       { return o.variant }
func (o *Outcome) Success() bool         { return o.success }
func (o *Outcome) Value() float64        { return o.value }
func (o *Outcome) RecordedAt() time.Time { return o.recordedAt }
