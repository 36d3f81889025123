package journey

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/compasshq/journeyd/internal/application/port/output"
	"github.com/compasshq/journeyd/internal/application/service"
	"github.com/compasshq/journeyd/internal/application/service/dispatcher"
	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/model/metric"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// AdvanceResult reports one advance attempt
type AdvanceResult struct {
	Instance    *instance.Instance
	Outcome     *dispatcher.Outcome
	Terminal    bool   // instance reached a terminal state during this call
	SnapshotKey string // set when a terminal snapshot was archived
}

// AdvanceUseCase executes exactly one step of an instance: it takes the
// lease, dispatches the current step, and applies the resulting transition
// with its history record in a single transaction. Handler work runs outside
// the transaction so slow steps never hold the write lock.
type AdvanceUseCase struct {
	instanceRepo   repository.InstanceRepository
	definitionRepo repository.DefinitionRepository
	historyRepo    repository.TransitionRecordRepository
	traceRepo      repository.TraceRepository
	leaseService   service.LeaseService
	stateMachine   *service.StateMachine
	dispatcher     *dispatcher.Dispatcher
	txManager      output.TransactionManager
	metrics        *service.MetricsService // optional
	archive        output.ArchiveGateway   // optional
	logger         zerolog.Logger
}

// NewAdvanceUseCase creates a new AdvanceUseCase
func NewAdvanceUseCase(
	instanceRepo repository.InstanceRepository,
	definitionRepo repository.DefinitionRepository,
	historyRepo repository.TransitionRecordRepository,
	traceRepo repository.TraceRepository,
	leaseService service.LeaseService,
	stateMachine *service.StateMachine,
	dispatch *dispatcher.Dispatcher,
	txManager output.TransactionManager,
	metrics *service.MetricsService,
	archive output.ArchiveGateway,
	logger zerolog.Logger,
) *AdvanceUseCase {
	return &AdvanceUseCase{
		instanceRepo:   instanceRepo,
		definitionRepo: definitionRepo,
		historyRepo:    historyRepo,
		traceRepo:      traceRepo,
		leaseService:   leaseService,
		stateMachine:   stateMachine,
		dispatcher:     dispatch,
		txManager:      txManager,
		metrics:        metrics,
		archive:        archive,
		logger:         logger,
	}
}

// Execute advances the instance by one step. Returns ErrLeaseHeld when
// another worker owns the instance, and ErrStepExecutionFailed when the
// step exhausted its retries with no declared failure edge.
func (u *AdvanceUseCase) Execute(ctx context.Context, instanceID model.InstanceID) (*AdvanceResult, error) {
	inst, err := u.instanceRepo.FindByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status().IsTerminal() {
		return nil, fmt.Errorf("instance %s is %s and cannot advance", instanceID, inst.Status())
	}

	ls, err := u.leaseService.Acquire(ctx, instanceID, 0)
	if err != nil {
		return nil, err
	}
	if ls == nil {
		return nil, domerr.ErrLeaseHeld.WithDetails(map[string]interface{}{
			"instance_id": instanceID.String(),
		})
	}
	defer func() {
		// Release must run even when ctx was cancelled mid-step.
		if rerr := u.leaseService.Release(context.WithoutCancel(ctx), instanceID, ls.Token()); rerr != nil {
			u.logger.Warn().Err(rerr).Str("instance_id", instanceID.String()).Msg("lease release failed")
		}
	}()

	if inst.Status() == model.StatusPending || inst.Status() == model.StatusPaused {
		if err := inst.SetStatus(model.StatusRunning); err != nil {
			return nil, err
		}
		if err := u.instanceRepo.Update(ctx, inst); err != nil {
			return nil, fmt.Errorf("mark instance running: %w", err)
		}
	}

	def, err := u.definitionRepo.FindByID(ctx, inst.DefinitionID())
	if err != nil {
		return nil, fmt.Errorf("load bound definition: %w", err)
	}

	// A resumed instance may already sit in a terminal state with only the
	// finalization left to do.
	if def.IsTerminal(inst.CurrentState()) || inst.CurrentStepIndex() >= def.StepCount() {
		return u.finalize(ctx, inst, def)
	}

	spec := def.Steps()[inst.CurrentStepIndex()]
	stepIndex := inst.CurrentStepIndex()

	started := time.Now()
	outcome, err := u.dispatcher.Dispatch(ctx, inst, spec)
	if err != nil {
		return nil, fmt.Errorf("dispatch step %s: %w", spec.Slug, err)
	}
	duration := time.Since(started)

	if outcome.Cancelled {
		return &AdvanceResult{Instance: inst, Outcome: outcome}, nil
	}

	if outcome.Success {
		return u.applySuccess(ctx, inst, def, spec, stepIndex, outcome, duration, ls.Token())
	}
	return u.applyFailure(ctx, inst, def, spec, stepIndex, outcome, duration, ls.Token())
}

// applySuccess merges the step output, applies the declared (or branch
// selected) transition, and finalizes if the target state is terminal
func (u *AdvanceUseCase) applySuccess(
	ctx context.Context,
	inst *instance.Instance,
	def *journey.Definition,
	spec journey.StepSpec,
	stepIndex int,
	outcome *dispatcher.Outcome,
	duration time.Duration,
	leaseToken string,
) (*AdvanceResult, error) {
	target := spec.OnSuccess
	trigger := model.TriggerStepCompleted
	if spec.Type == model.StepTypeConditional {
		target = outcome.BranchTarget
		trigger = model.TriggerConditional
	}

	var updated *instance.Instance
	err := u.txManager.InTransaction(ctx, func(txCtx context.Context) error {
		// The transition record snapshots the pre-merge context so rollback
		// restores what the step saw, not what it produced.
		var terr error
		updated, terr = u.stateMachine.Transition(txCtx, service.TransitionCommand{
			InstanceID:  inst.ID(),
			ToState:     target,
			TriggerType: trigger,
			TriggerData: map[string]interface{}{
				"execution_id": outcome.Execution.ID(),
			},
			StepIndex:  stepIndex,
			StepSlug:   spec.Slug,
			LeaseToken: leaseToken,
		})
		if terr != nil {
			return terr
		}

		updated.MergeContext(outcome.Output)

		next, ok := def.StepIndexForState(target)
		if !ok {
			next = stepIndex + 1
		}
		updated.MarkStepCompleted(next)

		if def.IsTerminal(target) {
			if serr := updated.SetStatus(model.StatusCompleted); serr != nil {
				return serr
			}
		} else {
			if serr := updated.SetStatus(model.StatusPaused); serr != nil {
				return serr
			}
			updated.ScheduleNext(time.Now())
		}
		return u.instanceRepo.Update(txCtx, updated)
	})
	if err != nil {
		return nil, err
	}

	u.recordStepMetric(ctx, updated, def, spec, duration, true)

	result := &AdvanceResult{Instance: updated, Outcome: outcome}
	if def.IsTerminal(target) {
		result.Terminal = true
		result.SnapshotKey = u.archiveTerminal(ctx, updated, def)
		u.recordTerminalMetric(ctx, updated, def)
	}
	return result, nil
}

// applyFailure routes an exhausted step down its declared failure edge, or
// halts the instance in failed status when no edge exists
func (u *AdvanceUseCase) applyFailure(
	ctx context.Context,
	inst *instance.Instance,
	def *journey.Definition,
	spec journey.StepSpec,
	stepIndex int,
	outcome *dispatcher.Outcome,
	duration time.Duration,
	leaseToken string,
) (*AdvanceResult, error) {
	u.recordStepMetric(ctx, inst, def, spec, duration, false)

	if spec.OnFailure == "" {
		err := u.txManager.InTransaction(ctx, func(txCtx context.Context) error {
			if serr := inst.SetStatus(model.StatusFailed); serr != nil {
				return serr
			}
			return u.instanceRepo.Update(txCtx, inst)
		})
		if err != nil {
			return nil, err
		}
		return nil, domerr.ErrStepExecutionFailed.WithDetails(map[string]interface{}{
			"instance_id":   inst.ID().String(),
			"step_slug":     spec.Slug,
			"error_kind":    outcome.ErrorKind,
			"error_message": outcome.ErrorMessage,
		})
	}

	target := spec.OnFailure
	var updated *instance.Instance
	err := u.txManager.InTransaction(ctx, func(txCtx context.Context) error {
		var terr error
		updated, terr = u.stateMachine.Transition(txCtx, service.TransitionCommand{
			InstanceID:  inst.ID(),
			ToState:     target,
			TriggerType: model.TriggerStepFailed,
			TriggerData: map[string]interface{}{
				"execution_id":  outcome.Execution.ID(),
				"error_kind":    outcome.ErrorKind,
				"error_message": outcome.ErrorMessage,
			},
			StepIndex:  stepIndex,
			StepSlug:   spec.Slug,
			LeaseToken: leaseToken,
		})
		if terr != nil {
			return terr
		}

		if next, ok := def.StepIndexForState(target); ok {
			updated.MoveToStep(next)
		}

		if def.IsTerminal(target) {
			if serr := updated.SetStatus(model.StatusCompleted); serr != nil {
				return serr
			}
		} else {
			if serr := updated.SetStatus(model.StatusPaused); serr != nil {
				return serr
			}
			updated.ScheduleNext(time.Now())
		}
		return u.instanceRepo.Update(txCtx, updated)
	})
	if err != nil {
		return nil, err
	}

	result := &AdvanceResult{Instance: updated, Outcome: outcome}
	if def.IsTerminal(target) {
		result.Terminal = true
		result.SnapshotKey = u.archiveTerminal(ctx, updated, def)
		u.recordTerminalMetric(ctx, updated, def)
	}
	return result, nil
}

// finalize completes an instance that has no further step to run
func (u *AdvanceUseCase) finalize(ctx context.Context, inst *instance.Instance, def *journey.Definition) (*AdvanceResult, error) {
	err := u.txManager.InTransaction(ctx, func(txCtx context.Context) error {
		if serr := inst.SetStatus(model.StatusCompleted); serr != nil {
			return serr
		}
		return u.instanceRepo.Update(txCtx, inst)
	})
	if err != nil {
		return nil, err
	}
	key := u.archiveTerminal(ctx, inst, def)
	u.recordTerminalMetric(ctx, inst, def)
	return &AdvanceResult{Instance: inst, Terminal: true, SnapshotKey: key}, nil
}

// recordStepMetric folds one step's duration into the hourly aggregates.
// Metric failures are logged, never surfaced.
func (u *AdvanceUseCase) recordStepMetric(ctx context.Context, inst *instance.Instance, def *journey.Definition, spec journey.StepSpec, duration time.Duration, success bool) {
	if u.metrics == nil {
		return
	}
	metricType := "step_duration_ms"
	if !success {
		metricType = "step_failed"
	}
	key := metric.Key{
		MetricType:   metricType,
		MetricName:   spec.Slug,
		DefinitionID: inst.DefinitionID().String(),
		TemplateID:   def.Slug(),
		ScopeSlug:    inst.Scope().String(),
	}
	value := float64(duration.Milliseconds())
	if !success {
		value = 1
	}
	if err := u.metrics.Record(ctx, key, value); err != nil {
		u.logger.Warn().Err(err).Str("step", spec.Slug).Msg("record step metric failed")
	}
}

// recordTerminalMetric counts one journey reaching a terminal state
func (u *AdvanceUseCase) recordTerminalMetric(ctx context.Context, inst *instance.Instance, def *journey.Definition) {
	if u.metrics == nil {
		return
	}
	key := metric.Key{
		MetricType:   "journey_completed",
		MetricName:   inst.CurrentState().String(),
		DefinitionID: inst.DefinitionID().String(),
		TemplateID:   def.Slug(),
		ScopeSlug:    inst.Scope().String(),
	}
	if err := u.metrics.Record(ctx, key, 1); err != nil {
		u.logger.Warn().Err(err).Msg("record terminal metric failed")
	}
}

// archiveTerminal exports the finished instance's audit bundle to object
// storage. Archival is best effort; a failure never blocks completion.
func (u *AdvanceUseCase) archiveTerminal(ctx context.Context, inst *instance.Instance, def *journey.Definition) string {
	if u.archive == nil {
		return ""
	}
	payload, err := u.buildSnapshot(ctx, inst, def)
	if err != nil {
		u.logger.Warn().Err(err).Str("instance_id", inst.ID().String()).Msg("build snapshot failed")
		return ""
	}
	meta, err := u.archive.SaveSnapshot(ctx, output.SaveSnapshotRequest{
		Scope:      inst.Scope().String(),
		InstanceID: inst.ID().String(),
		Payload:    payload,
		Metadata: map[string]string{
			"definition_slug": def.Slug(),
			"final_state":     inst.CurrentState().String(),
			"status":          inst.Status().String(),
		},
	})
	if err != nil {
		u.logger.Warn().Err(err).Str("instance_id", inst.ID().String()).Msg("archive snapshot failed")
		return ""
	}
	u.logger.Info().
		Str("instance_id", inst.ID().String()).
		Str("key", meta.Key).
		Msg("terminal snapshot archived")
	return meta.Key
}
