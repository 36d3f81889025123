package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/compasshq/journeyd/internal/application/port/output"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/model/record"
	"github.com/compasshq/journeyd/internal/domain/model/trace"
	"github.com/compasshq/journeyd/internal/domain/repository"
	"github.com/compasshq/journeyd/internal/infrastructure/persistence/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	dispatcher *Dispatcher
	registry   *Registry
	execRepo   repository.StepExecutionRepository
	traceRepo  repository.TraceRepository
	instRepo   repository.InstanceRepository
	inst       *instance.Instance
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.NewMigrator(db).Migrate())

	scope, err := model.NewScope("acme")
	require.NoError(t, err)
	version, err := model.NewVersion(1)
	require.NoError(t, err)

	def, err := journey.NewDefinition(
		scope, "lead-journey", version,
		[]journey.State{"new", "qualified", "won", "lost"},
		"new",
		[]journey.State{"won", "lost"},
		[]journey.Transition{
			{From: "new", To: "qualified", Trigger: "scored"},
			{From: "qualified", To: "won", Trigger: "closed"},
			{From: "qualified", To: "lost", Trigger: "dropped"},
		},
		[]journey.StepSpec{
			{Slug: "score-lead", Type: model.StepTypeScoring, Entry: "new", OnSuccess: "qualified"},
			{Slug: "close-lead", Type: model.StepTypeOutreach, Entry: "qualified", OnSuccess: "won", OnFailure: "lost"},
		},
		nil, []string{"lead_id"}, nil,
	)
	require.NoError(t, err)

	defRepo := sqlite.NewDefinitionRepository(db)
	instRepo := sqlite.NewInstanceRepository(db)
	execRepo := sqlite.NewStepExecutionRepository(db)
	traceRepo := sqlite.NewTraceRepository(db)
	require.NoError(t, defRepo.Save(context.Background(), def))

	inst, err := instance.New(def, "lead-42", map[string]interface{}{"lead_id": "L-42"}, 2)
	require.NoError(t, err)
	require.NoError(t, instRepo.Save(context.Background(), inst))

	registry := NewRegistry()
	cfg := Config{DefaultTimeout: 2 * time.Second, RetryDelay: time.Millisecond, MaxParallel: 4}
	d := New(registry, execRepo, traceRepo, instRepo, cfg, zerolog.Nop())

	return &testEnv{
		dispatcher: d,
		registry:   registry,
		execRepo:   execRepo,
		traceRepo:  traceRepo,
		instRepo:   instRepo,
		inst:       inst,
	}
}

func successHandler(out map[string]interface{}) output.StepHandler {
	return output.StepHandlerFunc(func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
		return &output.StepResult{Success: true, Output: out}, nil
	})
}

func TestDispatchSingleSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(model.StepTypeScoring, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			assert.Equal(t, "acme", req.Scope)
			assert.Equal(t, "L-42", req.Context["lead_id"])
			return &output.StepResult{
				Success: true,
				Output:  map[string]interface{}{"score": 0.87},
				Reasoning: &output.ReasoningPayload{
					Evidence:        []trace.Evidence{{Source: "crm", Detail: "3 meetings", Weight: 0.8}},
					ConfidenceScore: 0.87,
					PathsConsidered: []trace.Path{{Name: "qualify", Score: 0.87}},
					SelectedPath:    "qualify",
				},
			}, nil
		}))

	spec := journey.StepSpec{Slug: "score-lead", Type: model.StepTypeScoring}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, 0.87, out.Output["score"])
	assert.Equal(t, model.StepStatusCompleted, out.Execution.Status())

	traces, err := env.traceRepo.FindByInstance(context.Background(), env.inst.ID())
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "score-lead", traces[0].StepSlug())
	assert.Equal(t, "qualify", traces[0].SelectedPath())
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	var calls int32
	env.registry.Register(model.StepTypeScoring, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("upstream flaked")
			}
			return &output.StepResult{Success: true}, nil
		}))

	spec := journey.StepSpec{Slug: "score-lead", Type: model.StepTypeScoring, MaxRetries: 3}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, out.Execution.RetriesAttempted())
}

func TestDispatchRetryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	var calls int32
	env.registry.Register(model.StepTypeScoring, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			atomic.AddInt32(&calls, 1)
			return &output.StepResult{Success: false, ErrorKind: "upstream", ErrorMessage: "crm unavailable"}, nil
		}))

	spec := journey.StepSpec{Slug: "score-lead", Type: model.StepTypeScoring, MaxRetries: 1}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "upstream", out.ErrorKind)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "initial attempt plus one retry")

	execs, err := env.execRepo.FindByInstance(context.Background(), env.inst.ID())
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, model.StepStatusFailed, execs[0].Status())
	assert.Equal(t, 1, execs[0].RetriesAttempted())
}

func TestDispatchUsesInstanceRetryBudgetWhenSpecSilent(t *testing.T) {
	env := newTestEnv(t)
	var calls int32
	env.registry.Register(model.StepTypeScoring, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("nope")
		}))

	// instance carries maxRetries 2
	spec := journey.StepSpec{Slug: "score-lead", Type: model.StepTypeScoring}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatchResumesSpentRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// a prior process already burned one retry on this step
	prior := record.NewStepExecution(env.inst.ID(), 0, "score-lead", model.StepTypeScoring, env.inst.Context())
	prior.MarkRunning()
	prior.IncrementRetries()
	require.NoError(t, env.execRepo.Save(ctx, prior))

	var calls int32
	env.registry.Register(model.StepTypeScoring, output.StepHandlerFunc(
		func(c context.Context, req output.StepRequest) (*output.StepResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("still failing")
		}))

	spec := journey.StepSpec{Slug: "score-lead", Type: model.StepTypeScoring, MaxRetries: 1}
	out, err := env.dispatcher.Dispatch(ctx, env.inst, spec)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, prior.ID(), out.Execution.ID(), "open execution is resumed, not replaced")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "spent budget leaves a single attempt")
}

func TestDispatchHandlerMissing(t *testing.T) {
	env := newTestEnv(t)

	spec := journey.StepSpec{Slug: "score-lead", Type: model.StepTypeScoring}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "handler_missing", out.ErrorKind)
}

func TestDispatchTimeoutClassified(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(model.StepTypeScoring, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	spec := journey.StepSpec{Slug: "score-lead", Type: model.StepTypeScoring, Timeout: 20 * time.Millisecond}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "timeout", out.ErrorKind)
}

func TestDispatchCancelledInstance(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.inst.SetStatus(model.StatusCancelled))

	spec := journey.StepSpec{Slug: "score-lead", Type: model.StepTypeScoring}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.False(t, out.Success)
}

func TestConditionalBranchMatch(t *testing.T) {
	env := newTestEnv(t)
	env.inst.MergeContext(map[string]interface{}{"replied": true})

	spec := journey.StepSpec{
		Slug: "route-reply", Type: model.StepTypeConditional,
		Branches:      []journey.Branch{{Key: "replied", Op: "eq", Value: true, Target: "won"}},
		DefaultBranch: "lost",
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, journey.State("won"), out.BranchTarget)
	assert.Equal(t, "won", out.Output["selected_branch"])
}

func TestConditionalFallsToDefault(t *testing.T) {
	env := newTestEnv(t)

	spec := journey.StepSpec{
		Slug: "route-reply", Type: model.StepTypeConditional,
		Branches:      []journey.Branch{{Key: "replied", Op: "eq", Value: true, Target: "won"}},
		DefaultBranch: "lost",
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, journey.State("lost"), out.BranchTarget)
}

func TestConditionalNumericOps(t *testing.T) {
	env := newTestEnv(t)
	env.inst.MergeContext(map[string]interface{}{"score": 0.9})

	spec := journey.StepSpec{
		Slug: "route-score", Type: model.StepTypeConditional,
		Branches: []journey.Branch{
			{Key: "score", Op: "gt", Value: 0.95, Target: "lost"},
			{Key: "score", Op: "gte", Value: 0.8, Target: "won"},
		},
		DefaultBranch: "lost",
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.Equal(t, journey.State("won"), out.BranchTarget, "first matching branch wins")
}

func TestConditionalNoMatchNoDefault(t *testing.T) {
	env := newTestEnv(t)

	spec := journey.StepSpec{
		Slug: "route-reply", Type: model.StepTypeConditional,
		Branches: []journey.Branch{{Key: "replied", Op: "eq", Value: true, Target: "won"}},
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "no_branch_matched", out.ErrorKind)
}

func TestParallelFanOutMergesOutputs(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(model.StepTypeEnrichment, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			return &output.StepResult{Success: true, Output: map[string]interface{}{"from": req.StepSlug}}, nil
		}))

	spec := journey.StepSpec{
		Slug: "enrich-all", Type: model.StepTypeParallel,
		Children: []journey.StepSpec{
			{Slug: "enrich-firmo", Type: model.StepTypeEnrichment},
			{Slug: "enrich-techno", Type: model.StepTypeEnrichment},
		},
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	require.True(t, out.Success)

	firmo, ok := out.Output["enrich-firmo"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "enrich-firmo", firmo["from"])
	require.Contains(t, out.Output, "enrich-techno")

	group, err := env.execRepo.FindByGroup(context.Background(), out.Execution.ParallelGroupID())
	require.NoError(t, err)
	assert.Len(t, group, 3, "parent plus both children share the group")
}

func TestParallelFailFastCancelsSiblings(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(model.StepTypeEnrichment, output.StepHandlerFunc(
		func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
			if req.StepSlug == "enrich-bad" {
				return &output.StepResult{Success: false, ErrorKind: "upstream", ErrorMessage: "enrichment source down"}, nil
			}
			// sibling blocks until fail-fast cancellation reaches it
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	spec := journey.StepSpec{
		Slug: "enrich-all", Type: model.StepTypeParallel, FailFast: true,
		Children: []journey.StepSpec{
			{Slug: "enrich-bad", Type: model.StepTypeEnrichment},
			{Slug: "enrich-slow", Type: model.StepTypeEnrichment},
		},
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, model.StepStatusFailed, out.Execution.Status())
}

func TestWaitDelay(t *testing.T) {
	env := newTestEnv(t)

	spec := journey.StepSpec{
		Slug: "cool-off", Type: model.StepTypeWait,
		Config: map[string]interface{}{"delay": "10ms"},
	}
	start := time.Now()
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWaitPollSatisfied(t *testing.T) {
	env := newTestEnv(t)
	env.inst.MergeContext(map[string]interface{}{"replied": true})
	require.NoError(t, env.instRepo.Update(context.Background(), env.inst))

	spec := journey.StepSpec{
		Slug: "await-reply", Type: model.StepTypeWait,
		Config: map[string]interface{}{
			"poll_key":      "replied",
			"poll_equals":   true,
			"poll_interval": "10ms",
			"poll_timeout":  "1s",
		},
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, true, out.Output["replied"])
}

func TestWaitPollTimesOut(t *testing.T) {
	env := newTestEnv(t)

	spec := journey.StepSpec{
		Slug: "await-reply", Type: model.StepTypeWait,
		Config: map[string]interface{}{
			"poll_key":      "replied",
			"poll_interval": "10ms",
			"poll_timeout":  "30ms",
		},
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "wait_timeout", out.ErrorKind)
}

func TestWaitMisconfigured(t *testing.T) {
	env := newTestEnv(t)

	spec := journey.StepSpec{Slug: "bad-wait", Type: model.StepTypeWait, Config: map[string]interface{}{}}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "wait_misconfigured", out.ErrorKind)
}

func TestBuiltinValidationHandler(t *testing.T) {
	env := newTestEnv(t)

	spec := journey.StepSpec{
		Slug: "check-lead", Type: model.StepTypeValidation,
		Config: map[string]interface{}{"require": []interface{}{"lead_id", "email"}},
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "validation", out.ErrorKind)
	assert.Contains(t, out.ErrorMessage, "email")
}

func TestBuiltinValidationHandlerPasses(t *testing.T) {
	env := newTestEnv(t)
	env.inst.MergeContext(map[string]interface{}{"email": "lead@example.com"})

	spec := journey.StepSpec{
		Slug: "check-lead", Type: model.StepTypeValidation,
		Config:     map[string]interface{}{"require": []interface{}{"lead_id", "email"}},
		MaxRetries: 0,
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestBuiltinNotificationHandler(t *testing.T) {
	env := newTestEnv(t)

	spec := journey.StepSpec{
		Slug: "notify-owner", Type: model.StepTypeNotification,
		Config: map[string]interface{}{"channel": "slack", "message": "lead qualified"},
	}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, true, out.Output["notified"])
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(model.StepTypeNotification, successHandler(map[string]interface{}{"sent_via": "webhook"}))

	spec := journey.StepSpec{Slug: "notify-owner", Type: model.StepTypeNotification}
	out, err := env.dispatcher.Dispatch(context.Background(), env.inst, spec)
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, "webhook", out.Output["sent_via"])
}
