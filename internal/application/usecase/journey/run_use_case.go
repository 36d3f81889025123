package journey

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// RunConfig tunes the claim loop
type RunConfig struct {
	BatchSize    int           // instances claimed per poll
	PollInterval time.Duration // idle wait between polls
	Parallel     int           // concurrent advances
	Once         bool          // drain the currently due instances and stop
}

// DefaultRunConfig returns default run loop configuration
func DefaultRunConfig() RunConfig {
	return RunConfig{
		BatchSize:    10,
		PollInterval: 5 * time.Second,
		Parallel:     4,
	}
}

// RunUseCase is the worker loop: it claims due instances in batches and
// advances each by one step. Claims are atomic, so any number of workers
// may run the loop against the same database.
type RunUseCase struct {
	instanceRepo repository.InstanceRepository
	advance      *AdvanceUseCase
	config       RunConfig
	logger       zerolog.Logger
}

// NewRunUseCase creates a new RunUseCase
func NewRunUseCase(
	instanceRepo repository.InstanceRepository,
	advance *AdvanceUseCase,
	config RunConfig,
	logger zerolog.Logger,
) *RunUseCase {
	def := DefaultRunConfig()
	if config.BatchSize < 1 {
		config.BatchSize = def.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Parallel < 1 {
		config.Parallel = 1
	}
	return &RunUseCase{
		instanceRepo: instanceRepo,
		advance:      advance,
		config:       config,
		logger:       logger,
	}
}

// Execute runs the claim loop until the context is cancelled, or until the
// due backlog drains when configured for a single pass. Returns the number
// of advances performed.
func (u *RunUseCase) Execute(ctx context.Context, scope model.Scope) (int, error) {
	advanced := 0
	for {
		if err := ctx.Err(); err != nil {
			return advanced, nil
		}

		claimed, err := u.instanceRepo.ClaimDue(ctx, scope, u.config.BatchSize, time.Now())
		if err != nil {
			return advanced, err
		}

		if len(claimed) == 0 {
			if u.config.Once {
				return advanced, nil
			}
			select {
			case <-ctx.Done():
				return advanced, nil
			case <-time.After(u.config.PollInterval):
			}
			continue
		}

		advanced += u.advanceBatch(ctx, claimed)
	}
}

// advanceBatch fans the claimed instances out to the worker pool
func (u *RunUseCase) advanceBatch(ctx context.Context, claimed []*instance.Instance) int {
	sem := make(chan struct{}, u.config.Parallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	advanced := 0

	for _, ref := range claimed {
		wg.Add(1)
		go func(id model.InstanceID) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := u.advance.Execute(ctx, id)
			switch {
			case err == nil:
				mu.Lock()
				advanced++
				mu.Unlock()
				if result.Terminal {
					u.logger.Info().Str("instance_id", id.String()).Msg("journey reached terminal state")
				}
			case domerr.IsLeaseHeld(err):
				// Another worker got there first; the claim loop will see the
				// instance again once it becomes due.
				u.logger.Debug().Str("instance_id", id.String()).Msg("skipped: lease held elsewhere")
			case domerr.IsStepExecutionFailed(err):
				u.logger.Error().Err(err).Str("instance_id", id.String()).Msg("instance halted in failed status")
			default:
				u.logger.Error().Err(err).Str("instance_id", id.String()).Msg("advance failed")
			}
		}(ref.ID())
	}

	wg.Wait()
	return advanced
}
