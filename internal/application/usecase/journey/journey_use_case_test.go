package journey

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/journeyd/internal/application/port/output"
	"github.com/compasshq/journeyd/internal/application/service"
	"github.com/compasshq/journeyd/internal/application/service/dispatcher"
	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/model/trace"
	"github.com/compasshq/journeyd/internal/domain/repository"
	"github.com/compasshq/journeyd/internal/infrastructure/gateway/archive"
	"github.com/compasshq/journeyd/internal/infrastructure/persistence/sqlite"
	"github.com/compasshq/journeyd/internal/infrastructure/transaction"
)

const leadJourneyYAML = `
slug: lead-journey
states: [new, qualified, contacted, won, lost]
initial: new
terminals: [won, lost]
transitions:
  - {from: new, to: qualified, trigger: scored}
  - {from: qualified, to: contacted, trigger: outreach_sent}
  - {from: qualified, to: lost, trigger: bounced}
  - {from: contacted, to: won, trigger: replied}
  - {from: contacted, to: lost, trigger: no_reply}
steps:
  - slug: score-lead
    type: scoring
    entry: new
    on_success: qualified
  - slug: send-outreach
    type: outreach
    entry: qualified
    on_success: contacted
    on_failure: lost
  - slug: route-reply
    type: conditional
    entry: contacted
    branches:
      - {key: replied, op: eq, value: true, target: won}
    default_branch: lost
required_context: [lead_id]
`

// a single step with no failure edge, so an exhausted step halts the instance
const brittleJourneyYAML = `
slug: brittle-journey
states: [new, done]
initial: new
terminals: [done]
transitions:
  - {from: new, to: done, trigger: scored}
steps:
  - slug: flaky-score
    type: scoring
    entry: new
    on_success: done
required_context: [lead_id]
`

type useCaseEnv struct {
	scope        model.Scope
	fs           afero.Fs
	registry     *dispatcher.Registry
	leaseService service.LeaseService
	metrics      *service.MetricsService
	s3           *archive.MockS3Client
	gateway      output.ArchiveGateway

	instRepo    repository.InstanceRepository
	historyRepo repository.TransitionRecordRepository
	execRepo    repository.StepExecutionRepository
	traceRepo   repository.TraceRepository

	publish    *PublishDefinitionUseCase
	deactivate *DeactivateDefinitionUseCase
	create     *CreateInstanceUseCase
	advance    *AdvanceUseCase
	rollback   *RollbackUseCase
	cancel     *CancelUseCase
	inspect    *InspectUseCase
}

func newUseCaseEnv(t *testing.T) *useCaseEnv {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.NewMigrator(db).Migrate())

	scope, err := model.NewScope("acme")
	require.NoError(t, err)

	logger := zerolog.Nop()
	defRepo := sqlite.NewDefinitionRepository(db)
	instRepo := sqlite.NewInstanceRepository(db)
	historyRepo := sqlite.NewTransitionRecordRepository(db)
	execRepo := sqlite.NewStepExecutionRepository(db)
	traceRepo := sqlite.NewTraceRepository(db)
	leaseRepo := sqlite.NewLeaseRepository(db)
	memoryRepo := sqlite.NewMemoryRepository(db)
	metricRepo := sqlite.NewMetricRepository(db)

	txManager := transaction.NewSQLiteTransactionManager(db)
	leaseService := service.NewLeaseService(leaseRepo, memoryRepo,
		service.LeaseServiceConfig{DefaultTTL: time.Minute}, logger)
	stateMachine := service.NewStateMachine(instRepo, defRepo, historyRepo, leaseRepo, logger)
	metrics := service.NewMetricsService(metricRepo, logger)

	registry := dispatcher.NewRegistry()
	dispatch := dispatcher.New(registry, execRepo, traceRepo, instRepo,
		dispatcher.Config{DefaultTimeout: 2 * time.Second, RetryDelay: time.Millisecond, MaxParallel: 4}, logger)

	s3 := archive.NewMockS3Client()
	gateway := archive.NewS3ArchiveGatewayWithClient(s3, "journeyd-archive", "")
	fs := afero.NewMemMapFs()

	return &useCaseEnv{
		scope:        scope,
		fs:           fs,
		registry:     registry,
		leaseService: leaseService,
		metrics:      metrics,
		s3:           s3,
		gateway:      gateway,
		instRepo:     instRepo,
		historyRepo:  historyRepo,
		execRepo:     execRepo,
		traceRepo:    traceRepo,
		publish:      NewPublishDefinitionUseCase(defRepo, fs, logger),
		deactivate:   NewDeactivateDefinitionUseCase(defRepo, logger),
		create:       NewCreateInstanceUseCase(defRepo, instRepo, logger),
		advance: NewAdvanceUseCase(instRepo, defRepo, historyRepo, traceRepo,
			leaseService, stateMachine, dispatch, txManager, metrics, gateway, logger),
		rollback: NewRollbackUseCase(instRepo, defRepo, historyRepo, leaseService, txManager, logger),
		cancel:   NewCancelUseCase(instRepo, leaseService, txManager, logger),
		inspect:  NewInspectUseCase(instRepo, defRepo, historyRepo, execRepo, traceRepo, leaseRepo),
	}
}

func (e *useCaseEnv) publishLeadJourney(t *testing.T) *PublishResult {
	t.Helper()
	res, err := e.publish.Execute(context.Background(), e.scope, []byte(leadJourneyYAML))
	require.NoError(t, err)
	return res
}

func (e *useCaseEnv) createLead(t *testing.T, entityID string, extra map[string]interface{}) *instance.Instance {
	t.Helper()
	initial := map[string]interface{}{"lead_id": "L-" + entityID}
	for k, v := range extra {
		initial[k] = v
	}
	inst, err := e.create.Execute(context.Background(), CreateInstanceInput{
		Scope:          e.scope,
		Slug:           "lead-journey",
		EntityID:       entityID,
		InitialContext: initial,
	})
	require.NoError(t, err)
	return inst
}

// registerHappyHandlers installs scoring and outreach handlers that succeed
func (e *useCaseEnv) registerHappyHandlers() {
	e.registry.Register(model.StepTypeScoring, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			return &output.StepResult{
				Success: true,
				Output:  map[string]interface{}{"score": 0.9},
				Reasoning: &output.ReasoningPayload{
					Evidence:        []trace.Evidence{{Source: "crm", Detail: "2 meetings", Weight: 0.7}},
					ConfidenceScore: 0.9,
					PathsConsidered: []trace.Path{{Name: "qualify", Score: 0.9}},
					SelectedPath:    "qualify",
				},
			}, nil
		}))
	e.registry.Register(model.StepTypeOutreach, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			return &output.StepResult{Success: true, Output: map[string]interface{}{"sent": true}}, nil
		}))
}

func TestPublishIncrementsVersion(t *testing.T) {
	env := newUseCaseEnv(t)

	first := env.publishLeadJourney(t)
	assert.Equal(t, "lead-journey", first.Slug)
	assert.Equal(t, 1, first.Version.Value())

	second := env.publishLeadJourney(t)
	assert.Equal(t, 2, second.Version.Value())
	assert.NotEqual(t, first.DefinitionID, second.DefinitionID)
}

func TestPublishFromFile(t *testing.T) {
	env := newUseCaseEnv(t)
	ctx := context.Background()
	require.NoError(t, afero.WriteFile(env.fs, "/journeys/lead.yaml", []byte(leadJourneyYAML), 0o644))

	res, err := env.publish.ExecuteFile(ctx, env.scope, "/journeys/lead.yaml")
	require.NoError(t, err)
	assert.Equal(t, "lead-journey", res.Slug)

	_, err = env.publish.ExecuteFile(ctx, env.scope, "/journeys/missing.yaml")
	assert.Error(t, err)
}

func TestCreateBindsVersion(t *testing.T) {
	env := newUseCaseEnv(t)
	v1 := env.publishLeadJourney(t)
	v2 := env.publishLeadJourney(t)

	latest := env.createLead(t, "lead-1", nil)
	assert.Equal(t, v2.DefinitionID, latest.DefinitionID(), "version 0 binds latest")

	pinned, err := env.create.Execute(context.Background(), CreateInstanceInput{
		Scope:          env.scope,
		Slug:           "lead-journey",
		Version:        1,
		EntityID:       "lead-2",
		InitialContext: map[string]interface{}{"lead_id": "L-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.DefinitionID, pinned.DefinitionID())
}

func TestCreateUnknownJourney(t *testing.T) {
	env := newUseCaseEnv(t)

	_, err := env.create.Execute(context.Background(), CreateInstanceInput{
		Scope:          env.scope,
		Slug:           "no-such-journey",
		EntityID:       "lead-1",
		InitialContext: map[string]interface{}{"lead_id": "L-1"},
	})
	require.Error(t, err)
	assert.True(t, domerr.IsDefinitionNotFound(err))
}

func TestCreateSkipsDeactivatedVersion(t *testing.T) {
	env := newUseCaseEnv(t)
	v1 := env.publishLeadJourney(t)
	v2 := env.publishLeadJourney(t)

	require.NoError(t, env.deactivate.Execute(context.Background(), env.scope, "lead-journey", v2.Version))

	inst := env.createLead(t, "lead-1", nil)
	assert.Equal(t, v1.DefinitionID, inst.DefinitionID(), "latest-active falls back to v1")
}

func TestCreateValidatesRequiredContext(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)

	_, err := env.create.Execute(context.Background(), CreateInstanceInput{
		Scope:    env.scope,
		Slug:     "lead-journey",
		EntityID: "lead-1",
	})
	require.Error(t, err)
	assert.True(t, domerr.IsDefinitionInvalid(err))
}

func TestAdvanceRunsJourneyToCompletion(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)
	env.registerHappyHandlers()
	ctx := context.Background()

	inst := env.createLead(t, "lead-1", map[string]interface{}{"replied": true})

	// step 1: score-lead
	res, err := env.advance.Execute(ctx, inst.ID())
	require.NoError(t, err)
	assert.False(t, res.Terminal)
	assert.Equal(t, journey.State("qualified"), res.Instance.CurrentState())
	assert.Equal(t, model.StatusPaused, res.Instance.Status())
	assert.Equal(t, 1, res.Instance.StepsCompleted())
	assert.Equal(t, 0.9, res.Instance.Context()["score"], "step output merged")

	// step 2: send-outreach
	res, err = env.advance.Execute(ctx, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, journey.State("contacted"), res.Instance.CurrentState())

	// step 3: route-reply selects the won branch
	res, err = env.advance.Execute(ctx, inst.ID())
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.Equal(t, journey.State("won"), res.Instance.CurrentState())
	assert.Equal(t, model.StatusCompleted, res.Instance.Status())
	require.NotEmpty(t, res.SnapshotKey)

	// the terminal audit bundle is retrievable from the archive
	payload, err := env.gateway.LoadSnapshot(ctx, res.SnapshotKey)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(payload), inst.ID().String()))

	view, err := env.inspect.Execute(ctx, inst.ID())
	require.NoError(t, err)
	assert.Nil(t, view.Lease, "lease released after each advance")
	require.Len(t, view.Transitions, 3)
	assert.Equal(t, journey.State("new"), view.Transitions[0].FromState())
	assert.NotContains(t, view.Transitions[0].ContextSnapshot(), "score",
		"history snapshots the pre-merge context")
	assert.NotEmpty(t, view.Executions)
	require.NotEmpty(t, view.Traces)
	assert.Equal(t, "qualify", view.Traces[0].SelectedPath())

	buckets, err := env.metrics.ListByScope(ctx, "acme")
	require.NoError(t, err)
	assert.NotEmpty(t, buckets, "step and terminal metrics recorded")
}

func TestAdvanceFollowsFailureEdge(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)
	env.registerHappyHandlers()
	env.registry.Register(model.StepTypeOutreach, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			return &output.StepResult{Success: false, ErrorKind: "bounce", ErrorMessage: "mailbox full"}, nil
		}))
	ctx := context.Background()

	inst := env.createLead(t, "lead-1", nil)

	_, err := env.advance.Execute(ctx, inst.ID())
	require.NoError(t, err)

	// send-outreach exhausts and routes down its failure edge to lost
	res, err := env.advance.Execute(ctx, inst.ID())
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.Equal(t, journey.State("lost"), res.Instance.CurrentState())
	assert.Equal(t, model.StatusCompleted, res.Instance.Status())

	records, err := env.historyRepo.FindByInstance(ctx, inst.ID())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.TriggerStepFailed, records[1].TriggerType())
}

func TestAdvanceHaltsWithoutFailureEdge(t *testing.T) {
	env := newUseCaseEnv(t)
	_, err := env.publish.Execute(context.Background(), env.scope, []byte(brittleJourneyYAML))
	require.NoError(t, err)
	env.registry.Register(model.StepTypeScoring, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			return &output.StepResult{Success: false, ErrorKind: "upstream", ErrorMessage: "scoring service down"}, nil
		}))
	ctx := context.Background()

	inst, err := env.create.Execute(ctx, CreateInstanceInput{
		Scope:          env.scope,
		Slug:           "brittle-journey",
		EntityID:       "lead-1",
		InitialContext: map[string]interface{}{"lead_id": "L-1"},
	})
	require.NoError(t, err)

	_, err = env.advance.Execute(ctx, inst.ID())
	require.Error(t, err)
	assert.True(t, domerr.IsStepExecutionFailed(err))

	stored, err := env.instRepo.FindByID(ctx, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status())
	assert.Equal(t, journey.State("new"), stored.CurrentState(), "state never moved")
}

func TestAdvanceLeaseContention(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)
	env.registerHappyHandlers()
	ctx := context.Background()

	inst := env.createLead(t, "lead-1", nil)

	ls, err := env.leaseService.Acquire(ctx, inst.ID(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, ls)

	_, err = env.advance.Execute(ctx, inst.ID())
	require.Error(t, err)
	assert.True(t, domerr.IsLeaseHeld(err))
}

func TestAdvanceRejectsTerminalInstance(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)
	ctx := context.Background()

	inst := env.createLead(t, "lead-1", nil)
	_, err := env.cancel.Execute(ctx, inst.ID(), false)
	require.NoError(t, err)

	_, err = env.advance.Execute(ctx, inst.ID())
	assert.Error(t, err)
}

func TestRollbackRestoresPriorState(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)
	env.registerHappyHandlers()
	ctx := context.Background()

	inst := env.createLead(t, "lead-1", nil)
	_, err := env.advance.Execute(ctx, inst.ID())
	require.NoError(t, err)
	_, err = env.advance.Execute(ctx, inst.ID())
	require.NoError(t, err)

	res, err := env.rollback.Execute(ctx, inst.ID(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StepsUndone)
	assert.Equal(t, "qualified", res.RestoredState)
	assert.Equal(t, model.StatusPaused, res.Instance.Status())
	assert.NotContains(t, res.Instance.Context(), "sent",
		"context restored to what the undone step saw")
	assert.Contains(t, res.Instance.Context(), "score")
	assert.Len(t, res.Instance.RollbackStack(), 1)

	records, err := env.historyRepo.FindByInstance(ctx, inst.ID())
	require.NoError(t, err)
	require.Len(t, records, 3, "forward history is preserved, rollback appended")
	assert.Equal(t, model.TriggerRollback, records[2].TriggerType())

	// the instance is advanceable again from the restored position
	again, err := env.advance.Execute(ctx, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, journey.State("contacted"), again.Instance.CurrentState())
}

func TestRepeatedRollbackSkipsRollbackRecords(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)
	env.registerHappyHandlers()
	ctx := context.Background()

	inst := env.createLead(t, "lead-1", nil)
	_, err := env.advance.Execute(ctx, inst.ID())
	require.NoError(t, err)
	_, err = env.advance.Execute(ctx, inst.ID())
	require.NoError(t, err)

	_, err = env.rollback.Execute(ctx, inst.ID(), 1)
	require.NoError(t, err)

	// the second rollback must walk past the rollback record it just wrote
	res, err := env.rollback.Execute(ctx, inst.ID(), 1)
	require.NoError(t, err)
	assert.Equal(t, "new", res.RestoredState)

	stored, err := env.instRepo.FindByID(ctx, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, journey.State("new"), stored.CurrentState())
	assert.NotContains(t, stored.Context(), "score")
}

func TestRollbackDisallowed(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)
	ctx := context.Background()

	inst := env.createLead(t, "lead-1", nil)
	inst.DisableRollback()
	require.NoError(t, env.instRepo.Update(ctx, inst))

	_, err := env.rollback.Execute(ctx, inst.ID(), 1)
	require.Error(t, err)
	assert.True(t, domerr.IsRollbackNotAllowed(err))
}

func TestRollbackWithNoHistory(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)

	inst := env.createLead(t, "lead-1", nil)

	_, err := env.rollback.Execute(context.Background(), inst.ID(), 1)
	require.Error(t, err)
	assert.True(t, domerr.IsRollbackNotAllowed(err))
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)
	ctx := context.Background()

	inst := env.createLead(t, "lead-1", nil)

	got, err := env.cancel.Execute(ctx, inst.ID(), false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status())

	again, err := env.cancel.Execute(ctx, inst.ID(), false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, again.Status())
}

func TestCancelForceBreaksLease(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)
	ctx := context.Background()

	inst := env.createLead(t, "lead-1", nil)
	ls, err := env.leaseService.Acquire(ctx, inst.ID(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, ls)

	_, err = env.cancel.Execute(ctx, inst.ID(), true)
	require.NoError(t, err)

	held, err := env.leaseService.Find(ctx, inst.ID())
	require.NoError(t, err)
	assert.Nil(t, held, "forced cancel broke the lease")
}

func TestRunOnceDrainsBacklog(t *testing.T) {
	env := newUseCaseEnv(t)
	env.publishLeadJourney(t)
	env.registerHappyHandlers()
	ctx := context.Background()

	first := env.createLead(t, "lead-1", map[string]interface{}{"replied": true})
	second := env.createLead(t, "lead-2", map[string]interface{}{"replied": true})

	run := NewRunUseCase(env.instRepo, env.advance, RunConfig{
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
		Parallel:     2,
		Once:         true,
	}, zerolog.Nop())

	advanced, err := run.Execute(ctx, env.scope)
	require.NoError(t, err)
	assert.Equal(t, 6, advanced, "three steps for each of two instances")

	for _, id := range []model.InstanceID{first.ID(), second.ID()} {
		stored, err := env.instRepo.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, stored.Status())
		assert.Equal(t, journey.State("won"), stored.CurrentState())
	}
}
