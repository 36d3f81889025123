package journey

import (
	"context"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/model/lease"
	"github.com/compasshq/journeyd/internal/domain/model/record"
	"github.com/compasshq/journeyd/internal/domain/model/trace"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// InspectView is the full read-side picture of one instance
type InspectView struct {
	Instance    *instance.Instance
	Definition  *journey.Definition
	Lease       *lease.Lease // nil when no lease is held
	Transitions []*record.TransitionRecord
	Executions  []*record.StepExecution
	Traces      []*trace.ReasoningTrace
}

// InspectUseCase assembles the read-side view of an instance for status
// and audit tooling. It takes no lease; inspection never blocks workers.
type InspectUseCase struct {
	instanceRepo   repository.InstanceRepository
	definitionRepo repository.DefinitionRepository
	historyRepo    repository.TransitionRecordRepository
	execRepo       repository.StepExecutionRepository
	traceRepo      repository.TraceRepository
	leaseRepo      repository.LeaseRepository
}

// NewInspectUseCase creates a new InspectUseCase
func NewInspectUseCase(
	instanceRepo repository.InstanceRepository,
	definitionRepo repository.DefinitionRepository,
	historyRepo repository.TransitionRecordRepository,
	execRepo repository.StepExecutionRepository,
	traceRepo repository.TraceRepository,
	leaseRepo repository.LeaseRepository,
) *InspectUseCase {
	return &InspectUseCase{
		instanceRepo:   instanceRepo,
		definitionRepo: definitionRepo,
		historyRepo:    historyRepo,
		execRepo:       execRepo,
		traceRepo:      traceRepo,
		leaseRepo:      leaseRepo,
	}
}

// Execute loads the instance together with its definition, lease, history,
// executions, and traces
func (u *InspectUseCase) Execute(ctx context.Context, instanceID model.InstanceID) (*InspectView, error) {
	inst, err := u.instanceRepo.FindByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	def, err := u.definitionRepo.FindByID(ctx, inst.DefinitionID())
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, domerr.ErrDefinitionNotFound.WithDetails(map[string]interface{}{
			"definition_id": inst.DefinitionID().String(),
		})
	}

	ls, err := u.leaseRepo.Find(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	transitions, err := u.historyRepo.FindByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	executions, err := u.execRepo.FindByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	traces, err := u.traceRepo.FindByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	return &InspectView{
		Instance:    inst,
		Definition:  def,
		Lease:       ls,
		Transitions: transitions,
		Executions:  executions,
		Traces:      traces,
	}, nil
}
