package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/model/record"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

func appendRecord(t *testing.T, repo repository.TransitionRecordRepository, instanceID model.InstanceID, from, to journey.State, trigger model.TriggerType, stepIndex int) *record.TransitionRecord {
	t.Helper()
	rec := record.NewTransitionRecord(
		instanceID, from, to, trigger,
		map[string]interface{}{"note": string(from) + "->" + string(to)},
		stepIndex, "step-"+string(from), true,
		map[string]interface{}{"at": string(from)},
	)
	require.NoError(t, repo.Append(context.Background(), rec))
	return rec
}

func TestTransitionRecordAppendAndFindByInstance(t *testing.T) {
	db := testDB(t)
	repo := NewTransitionRecordRepository(db)
	id := model.NewInstanceID()

	appendRecord(t, repo, id, "new", "qualified", model.TriggerStepCompleted, 0)
	appendRecord(t, repo, id, "qualified", "contacted", model.TriggerStepCompleted, 1)
	appendRecord(t, repo, id, "contacted", "won", model.TriggerConditional, 2)

	records, err := repo.FindByInstance(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// chronological order
	assert.Equal(t, journey.State("new"), records[0].FromState())
	assert.Equal(t, journey.State("qualified"), records[1].FromState())
	assert.Equal(t, journey.State("contacted"), records[2].FromState())

	assert.Equal(t, model.TriggerConditional, records[2].TriggerType())
	assert.Equal(t, "at", keyOf(records[0].ContextSnapshot()))
	assert.Equal(t, "new", records[0].ContextSnapshot()["at"])
}

func keyOf(m map[string]interface{}) string {
	for k := range m {
		return k
	}
	return ""
}

func TestTransitionRecordFindLatest(t *testing.T) {
	db := testDB(t)
	repo := NewTransitionRecordRepository(db)
	id := model.NewInstanceID()

	appendRecord(t, repo, id, "new", "qualified", model.TriggerStepCompleted, 0)
	appendRecord(t, repo, id, "qualified", "contacted", model.TriggerStepCompleted, 1)
	appendRecord(t, repo, id, "contacted", "won", model.TriggerStepCompleted, 2)

	latest, err := repo.FindLatest(context.Background(), id, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	// reverse chronological order
	assert.Equal(t, journey.State("contacted"), latest[0].FromState())
	assert.Equal(t, journey.State("qualified"), latest[1].FromState())
}

func TestTransitionRecordIsolatedPerInstance(t *testing.T) {
	db := testDB(t)
	repo := NewTransitionRecordRepository(db)
	a := model.NewInstanceID()
	b := model.NewInstanceID()

	appendRecord(t, repo, a, "new", "qualified", model.TriggerStepCompleted, 0)
	appendRecord(t, repo, b, "new", "qualified", model.TriggerStepCompleted, 0)

	records, err := repo.FindByInstance(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, a, records[0].InstanceID())
}
