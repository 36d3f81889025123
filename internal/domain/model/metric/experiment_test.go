package metric

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignVariantIsDeterministic(t *testing.T) {
	variants := []string{"control", "treatment"}

	first, err := AssignVariant("exp-1", "lead-42", variants)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		again, err := AssignVariant("exp-1", "lead-42", variants)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAssignVariantDependsOnExperiment(t *testing.T) {
	variants := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	// The same entity should not land on the same variant for every
	// experiment; check that at least two experiments disagree.
	seen := make(map[string]struct{})
	for i := 0; i < 32; i++ {
		v, err := AssignVariant(fmt.Sprintf("exp-%d", i), "lead-42", variants)
		require.NoError(t, err)
		seen[v] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

func TestAssignVariantCoversAllVariants(t *testing.T) {
	variants := []string{"control", "treatment"}
	seen := make(map[string]int)
	for i := 0; i < 200; i++ {
		v, err := AssignVariant("exp-1", fmt.Sprintf("lead-%d", i), variants)
		require.NoError(t, err)
		seen[v]++
	}
	assert.Len(t, seen, 2, "both variants receive traffic")
}

func TestAssignVariantRequiresVariants(t *testing.T) {
	_, err := AssignVariant("exp-1", "lead-42", nil)
	assert.Error(t, err)
}

func TestNewOutcome(t *testing.T) {
	o, err := NewOutcome("exp-1", "lead-42", "treatment", true, 99.5)
	require.NoError(t, err)

	assert.Equal(t, "exp-1", o.ExperimentID())
	assert.Equal(t, "treatment", o.Variant())
	assert.True(t, o.Success())
	assert.Equal(t, 99.5, o.Value())
	assert.False(t, o.RecordedAt().IsZero())
}

func TestNewOutcomeValidation(t *testing.T) {
	_, err := NewOutcome("", "lead-42", "v", false, 0)
	assert.Error(t, err)
	_, err = NewOutcome("exp-1", "", "v", false, 0)
	assert.Error(t, err)
	_, err = NewOutcome("exp-1", "lead-42", "", false, 0)
	assert.Error(t, err)
}
