package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
)

func testDefinition(t *testing.T) *journey.Definition {
	t.Helper()
	scope, err := model.NewScope("acme")
	require.NoError(t, err)
	version, err := model.NewVersion(1)
	require.NoError(t, err)

	def, err := journey.NewDefinition(
		scope, "lead-journey", version,
		[]journey.State{"new", "qualified", "won"},
		"new",
		[]journey.State{"won"},
		[]journey.Transition{
			{From: "new", To: "qualified", Trigger: "scored"},
			{From: "qualified", To: "won", Trigger: "closed"},
		},
		[]journey.StepSpec{
			{Slug: "score", Type: model.StepTypeScoring, Entry: "new", OnSuccess: "qualified"},
			{Slug: "close", Type: model.StepTypeOutreach, Entry: "qualified", OnSuccess: "won"},
		},
		nil, []string{"lead_id"}, nil,
	)
	require.NoError(t, err)
	return def
}

func TestNew(t *testing.T) {
	def := testDefinition(t)

	inst, err := New(def, "lead-42", map[string]interface{}{"lead_id": "L-42"}, 3)
	require.NoError(t, err)

	assert.Equal(t, def.ID(), inst.DefinitionID())
	assert.Equal(t, journey.State("new"), inst.CurrentState())
	assert.Equal(t, model.StatusPending, inst.Status())
	assert.Equal(t, 0, inst.CurrentStepIndex())
	assert.Equal(t, 2, inst.StepsTotal())
	assert.True(t, inst.CanRollback())
	assert.False(t, inst.NextStepAt().After(time.Now().UTC()))
}

func TestNewRequiresEntityAndContext(t *testing.T) {
	def := testDefinition(t)

	_, err := New(def, "", nil, 0)
	assert.Error(t, err)

	_, err = New(def, "lead-42", nil, 0)
	require.Error(t, err)
	assert.True(t, domerr.IsDefinitionInvalid(err))
}

func TestNewCopiesInitialContext(t *testing.T) {
	def := testDefinition(t)
	initial := map[string]interface{}{"lead_id": "L-42"}

	inst, err := New(def, "lead-42", initial, 0)
	require.NoError(t, err)

	initial["lead_id"] = "mutated"
	assert.Equal(t, "L-42", inst.Context()["lead_id"])
}

func TestSetStatusLifecycle(t *testing.T) {
	def := testDefinition(t)
	inst, err := New(def, "lead-42", map[string]interface{}{"lead_id": "L-42"}, 0)
	require.NoError(t, err)

	require.NoError(t, inst.SetStatus(model.StatusRunning))
	require.NoError(t, inst.SetStatus(model.StatusPaused))
	require.NoError(t, inst.SetStatus(model.StatusRunning))
	require.NoError(t, inst.SetStatus(model.StatusCompleted))

	// completed is terminal
	assert.Error(t, inst.SetStatus(model.StatusRunning))
}

func TestSetStatusRejectsInvalidJump(t *testing.T) {
	def := testDefinition(t)
	inst, err := New(def, "lead-42", map[string]interface{}{"lead_id": "L-42"}, 0)
	require.NoError(t, err)

	// pending cannot complete without running first
	assert.Error(t, inst.SetStatus(model.StatusCompleted))
	// same status is a no-op
	assert.NoError(t, inst.SetStatus(model.StatusPending))
}

func TestMarkStepCompleted(t *testing.T) {
	def := testDefinition(t)
	inst, err := New(def, "lead-42", map[string]interface{}{"lead_id": "L-42"}, 0)
	require.NoError(t, err)

	inst.SetRetryCount(2)
	inst.MarkStepCompleted(1)

	assert.Equal(t, 1, inst.StepsCompleted())
	assert.Equal(t, 1, inst.CurrentStepIndex())
	assert.Equal(t, 0, inst.RetryCount(), "retry budget resets per step")
}

func TestMoveToStep(t *testing.T) {
	def := testDefinition(t)
	inst, err := New(def, "lead-42", map[string]interface{}{"lead_id": "L-42"}, 0)
	require.NoError(t, err)

	inst.SetRetryCount(2)
	inst.MoveToStep(1)

	assert.Equal(t, 1, inst.CurrentStepIndex())
	assert.Equal(t, 0, inst.StepsCompleted(), "repositioning is not a completion")
	assert.Equal(t, 0, inst.RetryCount())
}

func TestMergeContext(t *testing.T) {
	def := testDefinition(t)
	inst, err := New(def, "lead-42", map[string]interface{}{"lead_id": "L-42"}, 0)
	require.NoError(t, err)

	inst.MergeContext(map[string]interface{}{"score": 0.9, "lead_id": "L-42b"})

	ctx := inst.Context()
	assert.Equal(t, 0.9, ctx["score"])
	assert.Equal(t, "L-42b", ctx["lead_id"], "step output overrides prior keys")
}

func TestRestoreStateAndContext(t *testing.T) {
	def := testDefinition(t)
	inst, err := New(def, "lead-42", map[string]interface{}{"lead_id": "L-42"}, 0)
	require.NoError(t, err)

	inst.ApplyTransition("qualified")
	inst.MergeContext(map[string]interface{}{"score": 0.9})

	inst.RestoreState("new", 0)
	inst.RestoreContext(map[string]interface{}{"lead_id": "L-42"})
	inst.PushRollback(RollbackEntry{Steps: 1, FromState: "qualified", ToState: "new", OccurredAt: time.Now().UTC()})

	assert.Equal(t, journey.State("new"), inst.CurrentState())
	assert.Equal(t, journey.State("qualified"), inst.PreviousState())
	assert.Equal(t, 0, inst.CurrentStepIndex())
	assert.NotContains(t, inst.Context(), "score")
	assert.Len(t, inst.RollbackStack(), 1)
}

func TestDisableRollback(t *testing.T) {
	def := testDefinition(t)
	inst, err := New(def, "lead-42", map[string]interface{}{"lead_id": "L-42"}, 0)
	require.NoError(t, err)

	inst.DisableRollback()
	assert.False(t, inst.CanRollback())
}
