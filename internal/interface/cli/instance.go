package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	journeyusecase "github.com/compasshq/journeyd/internal/application/usecase/journey"
	"github.com/compasshq/journeyd/internal/domain/model/lease"
)

func newCreateCmd(flags *rootFlags) *cobra.Command {
	var (
		version    int
		entityID   string
		ctxPairs   []string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "create <slug>",
		Short: "Start a journey instance against an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := requireScope(flags)
			if err != nil {
				return err
			}
			if entityID == "" {
				return fmt.Errorf("--entity is required")
			}
			initialContext, err := parseKeyValues(ctxPairs)
			if err != nil {
				return err
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			inst, err := container.CreateUseCase().Execute(cmd.Context(), journeyusecase.CreateInstanceInput{
				Scope:          scope,
				Slug:           args[0],
				Version:        version,
				EntityID:       entityID,
				InitialContext: initialContext,
				MaxRetries:     maxRetries,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created instance %s in state %s\n",
				inst.ID(), inst.CurrentState())
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "definition version to bind (0 = latest active)")
	cmd.Flags().StringVar(&entityID, "entity", "", "entity the journey runs against (required)")
	cmd.Flags().StringArrayVar(&ctxPairs, "context", nil, "initial context as key=value (repeatable)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "retry budget per step")
	return cmd
}

func newAdvanceCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <instance-id>",
		Short: "Execute exactly one step of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			result, err := container.AdvanceUseCase().Execute(cmd.Context(), id)
			if err != nil {
				return err
			}

			inst := result.Instance
			fmt.Fprintf(cmd.OutOrStdout(), "instance %s now in state %s (%s, step %d/%d)\n",
				inst.ID(), inst.CurrentState(), inst.Status(),
				inst.StepsCompleted(), inst.StepsTotal())
			if result.Terminal {
				fmt.Fprintln(cmd.OutOrStdout(), "journey reached a terminal state")
				if result.SnapshotKey != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "snapshot archived at %s\n", result.SnapshotKey)
				}
			}
			return nil
		},
	}
}

func newRollbackCmd(flags *rootFlags) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "rollback <instance-id>",
		Short: "Undo the last transitions, restoring state and context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			result, err := container.RollbackUseCase().Execute(cmd.Context(), id, steps)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d step(s); instance %s restored to state %s\n",
				result.StepsUndone, id, result.RestoredState)
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "number of transitions to undo")
	return cmd
}

func newCancelCmd(flags *rootFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Permanently stop an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			inst, err := container.CancelUseCase().Execute(cmd.Context(), id, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "instance %s cancelled in state %s\n",
				inst.ID(), inst.CurrentState())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "break a held lease before cancelling")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show an instance with its history, executions, and traces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			view, err := container.InspectUseCase().Execute(cmd.Context(), id)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), statusViewJSON(view))
			}
			printStatusText(cmd, view)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of text")
	return cmd
}

func printStatusText(cmd *cobra.Command, view *journeyusecase.InspectView) {
	out := cmd.OutOrStdout()
	inst := view.Instance

	fmt.Fprintf(out, "Instance:   %s\n", inst.ID())
	fmt.Fprintf(out, "Journey:    %s v%s (%s)\n", view.Definition.Slug(), view.Definition.Version(), inst.Scope())
	fmt.Fprintf(out, "Entity:     %s\n", inst.EntityID())
	fmt.Fprintf(out, "State:      %s\n", inst.CurrentState())
	fmt.Fprintf(out, "Status:     %s\n", inst.Status())
	fmt.Fprintf(out, "Progress:   %d/%d steps (cursor at %d)\n",
		inst.StepsCompleted(), inst.StepsTotal(), inst.CurrentStepIndex())
	fmt.Fprintf(out, "Rollback:   allowed=%v performed=%d\n", inst.CanRollback(), len(inst.RollbackStack()))
	fmt.Fprintf(out, "Next step:  %s\n", inst.NextStepAt().Format(time.RFC3339))

	if view.Lease != nil {
		fmt.Fprintf(out, "Lease:      held by %s pid %d, expires %s\n",
			view.Lease.Hostname(), view.Lease.PID(), view.Lease.ExpiresAt().Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "Lease:      none")
	}

	if len(view.Transitions) > 0 {
		fmt.Fprintf(out, "\nTransitions (%d):\n", len(view.Transitions))
		for _, rec := range view.Transitions {
			fmt.Fprintf(out, "  %s  %s -> %s  [%s]\n",
				rec.OccurredAt().Format(time.RFC3339), rec.FromState(), rec.ToState(), rec.TriggerType())
		}
	}
	if len(view.Executions) > 0 {
		fmt.Fprintf(out, "\nStep executions (%d):\n", len(view.Executions))
		for _, exec := range view.Executions {
			fmt.Fprintf(out, "  #%d %s  %s  retries=%d\n",
				exec.StepIndex(), exec.StepSlug(), exec.Status(), exec.RetriesAttempted())
		}
	}
	if len(view.Traces) > 0 {
		fmt.Fprintf(out, "\nReasoning traces (%d):\n", len(view.Traces))
		for _, tr := range view.Traces {
			fmt.Fprintf(out, "  %s  confidence=%.2f selected=%s\n",
				tr.StepSlug(), tr.ConfidenceScore(), tr.SelectedPath())
		}
	}
}

// statusViewJSON flattens the inspect view into plain serializable structs
func statusViewJSON(view *journeyusecase.InspectView) map[string]interface{} {
	inst := view.Instance
	out := map[string]interface{}{
		"instance": map[string]interface{}{
			"id":             inst.ID().String(),
			"definition_id":  inst.DefinitionID().String(),
			"scope":          inst.Scope().String(),
			"entity_id":      inst.EntityID(),
			"current_state":  inst.CurrentState().String(),
			"previous_state": inst.PreviousState().String(),
			"status":         inst.Status().String(),
			"step_index":     inst.CurrentStepIndex(),
			"steps_done":     inst.StepsCompleted(),
			"steps_total":    inst.StepsTotal(),
			"can_rollback":   inst.CanRollback(),
			"rollbacks":      inst.RollbackStack(),
			"context":        inst.Context(),
			"next_step_at":   inst.NextStepAt(),
			"created_at":     inst.CreatedAt(),
			"updated_at":     inst.UpdatedAt(),
		},
		"definition": map[string]interface{}{
			"slug":    view.Definition.Slug(),
			"version": view.Definition.Version().Value(),
		},
		"lease": leaseJSON(view.Lease),
	}

	transitions := make([]map[string]interface{}, 0, len(view.Transitions))
	for _, rec := range view.Transitions {
		transitions = append(transitions, map[string]interface{}{
			"id":          rec.ID(),
			"from":        rec.FromState().String(),
			"to":          rec.ToState().String(),
			"trigger":     rec.TriggerType().String(),
			"step_index":  rec.StepIndex(),
			"step_slug":   rec.StepSlug(),
			"success":     rec.Success(),
			"occurred_at": rec.OccurredAt(),
		})
	}
	out["transitions"] = transitions

	executions := make([]map[string]interface{}, 0, len(view.Executions))
	for _, exec := range view.Executions {
		executions = append(executions, map[string]interface{}{
			"id":         exec.ID(),
			"step_index": exec.StepIndex(),
			"step_slug":  exec.StepSlug(),
			"status":     exec.Status().String(),
			"retries":    exec.RetriesAttempted(),
			"error_kind": exec.ErrorKind(),
		})
	}
	out["executions"] = executions

	traces := make([]map[string]interface{}, 0, len(view.Traces))
	for _, tr := range view.Traces {
		traces = append(traces, map[string]interface{}{
			"id":          tr.ID(),
			"step_slug":   tr.StepSlug(),
			"confidence":  tr.ConfidenceScore(),
			"selected":    tr.SelectedPath(),
			"evidence":    tr.Evidence(),
			"paths":       tr.PathsConsidered(),
			"recorded_at": tr.RecordedAt(),
		})
	}
	out["traces"] = traces
	return out
}

func leaseJSON(ls *lease.Lease) interface{} {
	if ls == nil {
		return nil
	}
	return map[string]interface{}{
		"hostname":    ls.Hostname(),
		"pid":         ls.PID(),
		"acquired_at": ls.AcquiredAt(),
		"expires_at":  ls.ExpiresAt(),
	}
}
