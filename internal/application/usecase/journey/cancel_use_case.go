package journey

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/compasshq/journeyd/internal/application/port/output"
	"github.com/compasshq/journeyd/internal/application/service"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// CancelUseCase permanently stops an instance. Cancellation is terminal:
// a cancelled instance never starts new work and cannot be resumed.
type CancelUseCase struct {
	instanceRepo repository.InstanceRepository
	leaseService service.LeaseService
	txManager    output.TransactionManager
	logger       zerolog.Logger
}

// NewCancelUseCase creates a new CancelUseCase
func NewCancelUseCase(
	instanceRepo repository.InstanceRepository,
	leaseService service.LeaseService,
	txManager output.TransactionManager,
	logger zerolog.Logger,
) *CancelUseCase {
	return &CancelUseCase{
		instanceRepo: instanceRepo,
		leaseService: leaseService,
		txManager:    txManager,
		logger:       logger,
	}
}

// Execute cancels the instance. With force set, a held lease is broken;
// the in-flight step is not interrupted but its outcome will not start
// further work.
func (u *CancelUseCase) Execute(ctx context.Context, instanceID model.InstanceID, force bool) (*instance.Instance, error) {
	inst, err := u.instanceRepo.FindByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status() == model.StatusCancelled {
		return inst, nil
	}

	if force {
		// Operator override: break whatever lease is held.
		if rerr := u.leaseService.Release(ctx, instanceID, ""); rerr != nil {
			return nil, fmt.Errorf("break lease: %w", rerr)
		}
	}

	err = u.txManager.InTransaction(ctx, func(txCtx context.Context) error {
		if serr := inst.SetStatus(model.StatusCancelled); serr != nil {
			return serr
		}
		return u.instanceRepo.Update(txCtx, inst)
	})
	if err != nil {
		return nil, err
	}

	u.logger.Info().Str("instance_id", instanceID.String()).Msg("instance cancelled")
	return inst, nil
}
