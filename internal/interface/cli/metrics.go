package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newMetricsCmd groups the metrics and experimentation commands
func newMetricsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Read aggregated metrics and run experiments",
	}
	cmd.AddCommand(newMetricsListCmd(flags))
	cmd.AddCommand(newMetricsAssignCmd(flags))
	cmd.AddCommand(newMetricsOutcomeCmd(flags))
	cmd.AddCommand(newMetricsOutcomesCmd(flags))
	return cmd
}

func newMetricsListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List hourly metric buckets for the scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, err := requireScope(flags)
			if err != nil {
				return err
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			buckets, err := container.MetricsService().ListByScope(cmd.Context(), scope.String())
			if err != nil {
				return err
			}
			if len(buckets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no metrics recorded")
				return nil
			}
			for _, b := range buckets {
				key := b.Key()
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s/%s  count=%d sum=%.1f min=%.1f max=%.1f avg=%.2f\n",
					key.HourBucket.Format("2006-01-02T15Z"), key.MetricType, key.MetricName,
					b.Count(), b.Sum(), b.Min(), b.Max(), b.Avg())
			}
			return nil
		},
	}
}

func newMetricsAssignCmd(flags *rootFlags) *cobra.Command {
	var variants []string

	cmd := &cobra.Command{
		Use:   "assign <experiment-id> <entity-id>",
		Short: "Show the deterministic variant assignment for an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(variants) == 0 {
				return fmt.Errorf("at least one --variant is required")
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			variant, err := container.MetricsService().AssignVariant(args[0], args[1], variants)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), variant)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&variants, "variant", nil, "experiment variant (repeatable)")
	return cmd
}

func newMetricsOutcomeCmd(flags *rootFlags) *cobra.Command {
	var (
		success bool
		value   float64
	)

	cmd := &cobra.Command{
		Use:   "outcome <experiment-id> <entity-id> <variant>",
		Short: "Record a realized experiment outcome",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			if err := container.MetricsService().RecordOutcome(
				cmd.Context(), args[0], args[1], args[2], success, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded outcome for %s/%s on %s\n",
				args[0], args[1], args[2])
			return nil
		},
	}

	cmd.Flags().BoolVar(&success, "success", false, "whether the outcome was a success")
	cmd.Flags().Float64Var(&value, "value", 0, "outcome value (e.g. revenue)")
	return cmd
}

func newMetricsOutcomesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "outcomes <experiment-id>",
		Short: "Show per-variant summary of an experiment's outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			outcomes, err := container.MetricsService().FindOutcomes(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(outcomes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no outcomes recorded")
				return nil
			}

			type summary struct {
				total     int
				successes int
				sum       float64
			}
			byVariant := make(map[string]*summary)
			var order []string
			for _, o := range outcomes {
				s, ok := byVariant[o.Variant()]
				if !ok {
					s = &summary{}
					byVariant[o.Variant()] = s
					order = append(order, o.Variant())
				}
				s.total++
				if o.Success() {
					s.successes++
				}
				s.sum += o.Value()
			}

			for _, variant := range order {
				s := byVariant[variant]
				rate := float64(s.successes) / float64(s.total)
				fmt.Fprintf(cmd.OutOrStdout(), "%s  n=%d success_rate=%.1f%% total_value=%.2f\n",
					variant, s.total, rate*100, s.sum)
			}

			latest := outcomes[len(outcomes)-1]
			fmt.Fprintf(cmd.OutOrStdout(), "latest outcome recorded %s\n",
				latest.RecordedAt().Format(time.RFC3339))
			return nil
		},
	}
}
