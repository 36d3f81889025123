package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	journeyusecase "github.com/compasshq/journeyd/internal/application/usecase/journey"
	"github.com/compasshq/journeyd/internal/infrastructure/di"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		batchSize int
		interval  time.Duration
		parallel  int
		once      bool
		leaseTTL  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim due instances in a loop and advance them",
		Long:  "run is the worker loop. It claims due instances in batches and\nadvances each by one step. Claims are atomic, so any number of\nworkers may point at the same database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, err := requireScope(flags)
			if err != nil {
				return err
			}

			container, err := newContainer(flags, func(cfg *di.Config) {
				cfg.LeaseTTL = leaseTTL
			})
			if err != nil {
				return err
			}
			defer container.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := container.Start(ctx); err != nil {
				return fmt.Errorf("start background services: %w", err)
			}

			runner := container.NewRunUseCase(journeyusecase.RunConfig{
				BatchSize:    batchSize,
				PollInterval: interval,
				Parallel:     parallel,
				Once:         once,
			})

			advanced, err := runner.Execute(ctx, scope)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "advanced %d step(s)\n", advanced)
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch", 10, "instances claimed per poll")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "idle wait between polls")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "concurrent advances")
	cmd.Flags().BoolVar(&once, "once", false, "drain the currently due instances and exit")
	cmd.Flags().DurationVar(&leaseTTL, "lease-ttl", 0, "lease TTL per advance (0 = default)")
	return cmd
}
