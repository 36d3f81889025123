package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/compasshq/journeyd/internal/domain/model"
)

// newDefinitionCmd groups the definition lifecycle commands
func newDefinitionCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definition",
		Short: "Manage journey definitions",
	}
	cmd.AddCommand(newDefinitionPublishCmd(flags))
	cmd.AddCommand(newDefinitionDeactivateCmd(flags))
	return cmd
}

func newDefinitionPublishCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <file>",
		Short: "Validate a YAML definition and publish it as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := requireScope(flags)
			if err != nil {
				return err
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			result, err := container.PublishUseCase().ExecuteFile(cmd.Context(), scope, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s version %s (%s)\n",
				result.Slug, result.Version, result.DefinitionID)
			return nil
		},
	}
}

func newDefinitionDeactivateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <slug> <version>",
		Short: "Retire a published version so new instances stop binding to it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := requireScope(flags)
			if err != nil {
				return err
			}
			v, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[1], err)
			}
			version, err := model.NewVersion(v)
			if err != nil {
				return err
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			if err := container.DeactivateUseCase().Execute(cmd.Context(), scope, args[0], version); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deactivated %s version %d\n", args[0], v)
			return nil
		},
	}
}
