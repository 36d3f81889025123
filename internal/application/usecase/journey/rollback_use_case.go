package journey

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/compasshq/journeyd/internal/application/port/output"
	"github.com/compasshq/journeyd/internal/application/service"
	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/record"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// RollbackResult reports a performed rollback
type RollbackResult struct {
	Instance      *instance.Instance
	StepsUndone   int
	RestoredState string
}

// RollbackUseCase moves an instance's live state backward along its own
// history. The forward transition records are never touched; the rollback
// itself is appended as one more record, so the audit trail stays complete.
type RollbackUseCase struct {
	instanceRepo   repository.InstanceRepository
	definitionRepo repository.DefinitionRepository
	historyRepo    repository.TransitionRecordRepository
	leaseService   service.LeaseService
	txManager      output.TransactionManager
	logger         zerolog.Logger
}

// NewRollbackUseCase creates a new RollbackUseCase
func NewRollbackUseCase(
	instanceRepo repository.InstanceRepository,
	definitionRepo repository.DefinitionRepository,
	historyRepo repository.TransitionRecordRepository,
	leaseService service.LeaseService,
	txManager output.TransactionManager,
	logger zerolog.Logger,
) *RollbackUseCase {
	return &RollbackUseCase{
		instanceRepo:   instanceRepo,
		definitionRepo: definitionRepo,
		historyRepo:    historyRepo,
		leaseService:   leaseService,
		txManager:      txManager,
		logger:         logger,
	}
}

// Execute undoes the last n transitions, restoring the state and context
// captured before the oldest undone transition. The instance lands in
// paused status, ready to be advanced again.
func (u *RollbackUseCase) Execute(ctx context.Context, instanceID model.InstanceID, steps int) (*RollbackResult, error) {
	if steps < 1 {
		steps = 1
	}

	inst, err := u.instanceRepo.FindByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.CanRollback() {
		return nil, domerr.ErrRollbackNotAllowed.WithDetails(map[string]interface{}{
			"instance_id": instanceID.String(),
		})
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
		if rerr := u.leaseService.Release(context.WithoutCancel(ctx), instanceID, ls.Token()); rerr != nil {
			u.logger.Warn().Err(rerr).Str("instance_id", instanceID.String()).Msg("lease release failed")
		}
	}()

	var result *RollbackResult
	err = u.txManager.InTransaction(ctx, func(txCtx context.Context) error {
		records, rerr := u.historyRepo.FindByInstance(txCtx, instanceID)
		if rerr != nil {
			return fmt.Errorf("load transition history: %w", rerr)
		}
		forward := undoableRecords(records, steps)
		if len(forward) == 0 {
			return domerr.ErrRollbackNotAllowed.WithDetails(map[string]interface{}{
				"instance_id": instanceID.String(),
				"reason":      "no transitions to undo",
			})
		}
		undone := len(forward)

		if serr := inst.SetStatus(model.StatusRollingBack); serr != nil {
			return serr
		}

		// forward is in reverse chronological order; the last element is the
		// oldest undone transition, whose snapshot is the restore point.
		oldest := forward[len(forward)-1]
		restoredState := oldest.FromState()
		fromState := inst.CurrentState()

		def, derr := u.definitionRepo.FindByID(txCtx, inst.DefinitionID())
		if derr != nil {
			return fmt.Errorf("load bound definition: %w", derr)
		}
		restoredIndex := oldest.StepIndex()
		if idx, ok := def.StepIndexForState(restoredState); ok {
			restoredIndex = idx
		}

		// The rollback itself is recorded before the state moves, preserving
		// the same write-ahead ordering as forward transitions.
		rec := record.NewTransitionRecord(
			inst.ID(),
			fromState,
			restoredState,
			model.TriggerRollback,
			map[string]interface{}{"steps_undone": undone},
			restoredIndex,
			"",
			true,
			inst.Context(),
		)
		if aerr := u.historyRepo.Append(txCtx, rec); aerr != nil {
			return fmt.Errorf("append rollback record: %w", aerr)
		}

		inst.RestoreState(restoredState, restoredIndex)
		inst.RestoreContext(oldest.ContextSnapshot())
		inst.PushRollback(instance.RollbackEntry{
			Steps:      undone,
			FromState:  fromState.String(),
			ToState:    restoredState.String(),
			OccurredAt: time.Now().UTC(),
		})
		if serr := inst.SetStatus(model.StatusPaused); serr != nil {
			return serr
		}
		inst.ScheduleNext(time.Now())

		if uerr := u.instanceRepo.Update(txCtx, inst); uerr != nil {
			return fmt.Errorf("update instance: %w", uerr)
		}

		result = &RollbackResult{
			Instance:      inst,
			StepsUndone:   undone,
			RestoredState: restoredState.String(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	u.logger.Info().
		Str("instance_id", instanceID.String()).
		Int("steps_undone", result.StepsUndone).
		Str("restored_state", result.RestoredState).
		Msg("rollback applied")

	return result, nil
}

// undoableRecords walks the chronological history backward and collects up
// to limit forward transitions that are still live. A rollback record is not
// itself undoable, and it marks the forward transitions it already undid as
// consumed, so repeated rollbacks keep moving further back.
func undoableRecords(records []*record.TransitionRecord, limit int) []*record.TransitionRecord {
	forward := make([]*record.TransitionRecord, 0, limit)
	consumed := 0
	for i := len(records) - 1; i >= 0 && len(forward) < limit; i-- {
		rec := records[i]
		if rec.TriggerType() == model.TriggerRollback {
			consumed += stepsUndoneOf(rec)
			continue
		}
		if consumed > 0 {
			consumed--
			continue
		}
		forward = append(forward, rec)
	}
	return forward
}

// stepsUndoneOf reads the steps_undone count off a rollback record. The
// value round-trips through JSON, so it may come back as a float.
func stepsUndoneOf(rec *record.TransitionRecord) int {
	switch n := rec.TriggerData()["steps_undone"].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 1
	}
}
