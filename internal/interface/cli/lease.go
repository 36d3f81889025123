package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newLeaseCmd groups the lease maintenance commands
func newLeaseCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect and maintain instance leases",
	}
	cmd.AddCommand(newLeaseListCmd(flags))
	cmd.AddCommand(newLeaseReleaseCmd(flags))
	cmd.AddCommand(newLeaseCleanupCmd(flags))
	return cmd
}

func newLeaseListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all active leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			leases, err := container.LeaseService().List(cmd.Context())
			if err != nil {
				return err
			}
			if len(leases) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no active leases")
				return nil
			}
			for _, ls := range leases {
				marker := ""
				if ls.IsExpired() {
					marker = "  (expired)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s pid %d  expires %s%s\n",
					ls.InstanceID(), ls.Hostname(), ls.PID(),
					ls.ExpiresAt().Format(time.RFC3339), marker)
			}
			return nil
		},
	}
}

func newLeaseReleaseCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "release <instance-id>",
		Short: "Force-release the lease on an instance",
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

			// Empty token is the operator override: release unconditionally.
			if err := container.LeaseService().Release(cmd.Context(), id, ""); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released lease on %s\n", id)
			return nil
		},
	}
}

func newLeaseCleanupCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired leases now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			n, err := container.LeaseService().CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired lease(s)\n", n)
			return nil
		},
	}
}
