package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/model/record"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// TransitionCommand describes one requested state transition
type TransitionCommand struct {
	InstanceID  model.InstanceID
	ToState     journey.State
	TriggerType model.TriggerType
	TriggerData map[string]interface{}
	StepIndex   int
	StepSlug    string
	LeaseToken  string
}

// StateMachine is the transition core: it validates a requested transition
// against the instance's bound definition, appends the history record, and
// applies the state change. A transition is applied in full or not at all;
// callers run Transition inside one transaction so the history write is
// durable before the state mutation is visible.
type StateMachine struct {
	instanceRepo   repository.InstanceRepository
	definitionRepo repository.DefinitionRepository
	historyRepo    repository.TransitionRecordRepository
	leaseRepo      repository.LeaseRepository
	logger         zerolog.Logger
}

// NewStateMachine creates the transition core
func NewStateMachine(
	instanceRepo repository.InstanceRepository,
	definitionRepo repository.DefinitionRepository,
	historyRepo repository.TransitionRecordRepository,
	leaseRepo repository.LeaseRepository,
	logger zerolog.Logger,
) *StateMachine {
	return &StateMachine{
		instanceRepo:   instanceRepo,
		definitionRepo: definitionRepo,
		historyRepo:    historyRepo,
		leaseRepo:      leaseRepo,
		logger:         logger,
	}
}

// Transition validates and applies one transition, returning the updated
// instance. On InvalidTransition the instance is left completely unchanged.
func (m *StateMachine) Transition(ctx context.Context, cmd TransitionCommand) (*instance.Instance, error) {
	inst, err := m.instanceRepo.FindByID(ctx, cmd.InstanceID)
	if err != nil {
		return nil, err
	}

	if err := m.requireLease(ctx, cmd.InstanceID, cmd.LeaseToken); err != nil {
		return nil, err
	}

	def, err := m.definitionRepo.FindByID(ctx, inst.DefinitionID())
	if err != nil {
		return nil, fmt.Errorf("load bound definition: %w", err)
	}

	// Edges are matched on the (from, to) pair only; the trigger name is
	// recorded as metadata on the history row.
	if _, ok := def.FindTransition(inst.CurrentState(), cmd.ToState); !ok {
		return nil, domerr.ErrInvalidTransition.WithDetails(map[string]interface{}{
			"instance_id": cmd.InstanceID.String(),
			"from":        inst.CurrentState().String(),
			"to":          cmd.ToState.String(),
		})
	}

	// History first: the snapshot captures the pre-transition context, which
	// is what rollback restores to.
	rec := record.NewTransitionRecord(
		inst.ID(),
		inst.CurrentState(),
		cmd.ToState,
		cmd.TriggerType,
		cmd.TriggerData,
		cmd.StepIndex,
		cmd.StepSlug,
		true,
		inst.Context(),
	)
	if err := m.historyRepo.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("append transition record: %w", err)
	}

	inst.ApplyTransition(cmd.ToState)
	if err := m.instanceRepo.Update(ctx, inst); err != nil {
		return nil, fmt.Errorf("update instance state: %w", err)
	}

	m.logger.Info().
		Str("instance_id", inst.ID().String()).
		Str("from", inst.PreviousState().String()).
		Str("to", inst.CurrentState().String()).
		Str("trigger", cmd.TriggerType.String()).
		Msg("transition applied")

	return inst, nil
}

// requireLease verifies a currently-held, non-expired lease matching the
// caller's token
func (m *StateMachine) requireLease(ctx context.Context, instanceID model.InstanceID, token string) error {
	held, err := m.leaseRepo.Find(ctx, instanceID)
	if err != nil || held == nil {
		return domerr.ErrLockNotHeld.WithDetails(map[string]interface{}{
			"instance_id": instanceID.String(),
		})
	}
	if held.IsExpired() || !held.Matches(token) {
		return domerr.ErrLockNotHeld.WithDetails(map[string]interface{}{
			"instance_id": instanceID.String(),
			"expired":     held.IsExpired(),
		})
	}
	return nil
}
