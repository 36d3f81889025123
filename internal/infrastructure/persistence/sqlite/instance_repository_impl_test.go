package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

func seedInstance(t *testing.T, defRepo repository.DefinitionRepository, instRepo repository.InstanceRepository) (*journey.Definition, *instance.Instance) {
	t.Helper()
	ctx := context.Background()
	def := testDefinition(t, 1)
	require.NoError(t, defRepo.Save(ctx, def))
	inst := testInstance(t, def)
	require.NoError(t, instRepo.Save(ctx, inst))
	return def, inst
}

func TestInstanceRepositorySaveAndFind(t *testing.T) {
	db := testDB(t)
	defRepo := NewDefinitionRepository(db)
	instRepo := NewInstanceRepository(db)
	_, inst := seedInstance(t, defRepo, instRepo)

	found, err := instRepo.FindByID(context.Background(), inst.ID())
	require.NoError(t, err)

	assert.Equal(t, inst.ID(), found.ID())
	assert.Equal(t, inst.DefinitionID(), found.DefinitionID())
	assert.Equal(t, "lead-42", found.EntityID())
	assert.Equal(t, journey.State("new"), found.CurrentState())
	assert.Equal(t, model.StatusPending, found.Status())
	assert.Equal(t, "L-42", found.Context()["lead_id"])
	assert.Equal(t, 3, found.MaxRetries())
	assert.True(t, found.CanRollback())
}

func TestInstanceRepositoryFindByIDNotFound(t *testing.T) {
	db := testDB(t)
	instRepo := NewInstanceRepository(db)

	_, err := instRepo.FindByID(context.Background(), model.NewInstanceID())
	require.Error(t, err)
	assert.True(t, domerr.IsInstanceNotFound(err))
}

func TestInstanceRepositoryUpdate(t *testing.T) {
	db := testDB(t)
	defRepo := NewDefinitionRepository(db)
	instRepo := NewInstanceRepository(db)
	_, inst := seedInstance(t, defRepo, instRepo)
	ctx := context.Background()

	require.NoError(t, inst.SetStatus(model.StatusRunning))
	inst.ApplyTransition("qualified")
	inst.MergeContext(map[string]interface{}{"score": 0.9})
	inst.MarkStepCompleted(1)
	require.NoError(t, instRepo.Update(ctx, inst))

	found, err := instRepo.FindByID(ctx, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, journey.State("qualified"), found.CurrentState())
	assert.Equal(t, journey.State("new"), found.PreviousState())
	assert.Equal(t, model.StatusRunning, found.Status())
	assert.Equal(t, 1, found.CurrentStepIndex())
	assert.Equal(t, 1, found.StepsCompleted())
	assert.Equal(t, 0.9, found.Context()["score"])
}

func TestInstanceRepositoryUpdateMissingInstance(t *testing.T) {
	db := testDB(t)
	defRepo := NewDefinitionRepository(db)
	instRepo := NewInstanceRepository(db)
	ctx := context.Background()

	def := testDefinition(t, 1)
	require.NoError(t, defRepo.Save(ctx, def))
	inst := testInstance(t, def)

	err := instRepo.Update(ctx, inst)
	require.Error(t, err)
	assert.True(t, domerr.IsInstanceNotFound(err))
}

func TestInstanceRepositoryRollbackStackRoundTrip(t *testing.T) {
	db := testDB(t)
	defRepo := NewDefinitionRepository(db)
	instRepo := NewInstanceRepository(db)
	_, inst := seedInstance(t, defRepo, instRepo)
	ctx := context.Background()

	inst.PushRollback(instance.RollbackEntry{
		Steps: 2, FromState: "contacted", ToState: "new",
		OccurredAt: time.Now().UTC().Truncate(time.Second),
	})
	require.NoError(t, instRepo.Update(ctx, inst))

	found, err := instRepo.FindByID(ctx, inst.ID())
	require.NoError(t, err)
	require.Len(t, found.RollbackStack(), 1)
	assert.Equal(t, 2, found.RollbackStack()[0].Steps)
	assert.Equal(t, "contacted", found.RollbackStack()[0].FromState)
}

func TestInstanceRepositoryListByStatus(t *testing.T) {
	db := testDB(t)
	defRepo := NewDefinitionRepository(db)
	instRepo := NewInstanceRepository(db)
	ctx := context.Background()

	def := testDefinition(t, 1)
	require.NoError(t, defRepo.Save(ctx, def))

	a := testInstance(t, def)
	b := testInstance(t, def)
	require.NoError(t, instRepo.Save(ctx, a))
	require.NoError(t, instRepo.Save(ctx, b))
	require.NoError(t, b.SetStatus(model.StatusRunning))
	require.NoError(t, instRepo.Update(ctx, b))

	pending, err := instRepo.ListByStatus(ctx, def.Scope(), model.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID(), pending[0].ID())
}

func TestInstanceRepositoryClaimDue(t *testing.T) {
	db := testDB(t)
	defRepo := NewDefinitionRepository(db)
	instRepo := NewInstanceRepository(db)
	ctx := context.Background()

	def := testDefinition(t, 1)
	require.NoError(t, defRepo.Save(ctx, def))

	due := testInstance(t, def)
	require.NoError(t, instRepo.Save(ctx, due))

	future := testInstance(t, def)
	future.ScheduleNext(time.Now().Add(time.Hour))
	require.NoError(t, instRepo.Save(ctx, future))

	claimed, err := instRepo.ClaimDue(ctx, def.Scope(), 10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID(), claimed[0].ID())
	assert.Equal(t, model.StatusRunning, claimed[0].Status(), "claimed instances come back running")

	// a second claim pass must not return the same instance
	again, err := instRepo.ClaimDue(ctx, def.Scope(), 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestInstanceRepositoryClaimDueHonorsLimit(t *testing.T) {
	db := testDB(t)
	defRepo := NewDefinitionRepository(db)
	instRepo := NewInstanceRepository(db)
	ctx := context.Background()

	def := testDefinition(t, 1)
	require.NoError(t, defRepo.Save(ctx, def))
	for i := 0; i < 5; i++ {
		require.NoError(t, instRepo.Save(ctx, testInstance(t, def)))
	}

	first, err := instRepo.ClaimDue(ctx, def.Scope(), 2, time.Now())
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := instRepo.ClaimDue(ctx, def.Scope(), 10, time.Now())
	require.NoError(t, err)
	assert.Len(t, second, 3)

	// no overlap between the two claim batches
	seen := make(map[string]struct{})
	for _, inst := range append(first, second...) {
		_, dup := seen[inst.ID().String()]
		assert.False(t, dup, "instance %s claimed twice", inst.ID())
		seen[inst.ID().String()] = struct{}{}
	}
}

func TestInstanceRepositoryClaimDueSkipsTerminalStatuses(t *testing.T) {
	db := testDB(t)
	defRepo := NewDefinitionRepository(db)
	instRepo := NewInstanceRepository(db)
	ctx := context.Background()

	def := testDefinition(t, 1)
	require.NoError(t, defRepo.Save(ctx, def))

	inst := testInstance(t, def)
	require.NoError(t, instRepo.Save(ctx, inst))
	require.NoError(t, inst.SetStatus(model.StatusCancelled))
	require.NoError(t, instRepo.Update(ctx, inst))

	claimed, err := instRepo.ClaimDue(ctx, def.Scope(), 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
