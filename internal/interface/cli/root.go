// Package cli implements the journeyd command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/compasshq/journeyd/internal/infrastructure/di"
)

// Version is stamped at build time
var Version = "dev"

// rootFlags are the persistent flags shared by every command
type rootFlags struct {
	home     string
	dbPath   string
	scope    string
	logLevel string
	jsonLogs bool
}

// NewRoot builds the journeyd command tree
func NewRoot() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "journeyd",
		Short:         "Journey orchestrator for sales intelligence workflows",
		Long:          "journeyd runs versioned journey definitions against entities:\npublishing definitions, advancing instances step by step under lease\nlocks, and keeping a complete audit history.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(c *cobra.Command, _ []string) error { return c.Help() },
	}

	cmd.PersistentFlags().StringVar(&flags.home, "home", os.Getenv("JOURNEYD_HOME"), "state directory (default ~/.journeyd, env JOURNEYD_HOME)")
	cmd.PersistentFlags().StringVar(&flags.dbPath, "db", os.Getenv("JOURNEYD_DB"), "SQLite database path (default <home>/journeyd.db, env JOURNEYD_DB)")
	cmd.PersistentFlags().StringVar(&flags.scope, "scope", os.Getenv("JOURNEYD_SCOPE"), "organization scope (env JOURNEYD_SCOPE)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.jsonLogs, "json-logs", false, "emit JSON log lines instead of console output")

	cmd.AddCommand(newDefinitionCmd(flags))
	cmd.AddCommand(newCreateCmd(flags))
	cmd.AddCommand(newAdvanceCmd(flags))
	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newRollbackCmd(flags))
	cmd.AddCommand(newCancelCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newLeaseCmd(flags))
	cmd.AddCommand(newMemoryCmd(flags))
	cmd.AddCommand(newMetricsCmd(flags))
	return cmd
}

// newContainer builds the wired container from the persistent flags
func newContainer(flags *rootFlags, extra func(*di.Config)) (*di.Container, error) {
	level, err := zerolog.ParseLevel(flags.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", flags.logLevel, err)
	}

	cfg := di.Config{
		Home:        flags.home,
		DBPath:      flags.dbPath,
		LogWriter:   os.Stderr,
		LogLevel:    level,
		JSONLogs:    flags.jsonLogs,
		ArchiveType: os.Getenv("JOURNEYD_ARCHIVE"),
		S3Bucket:    os.Getenv("JOURNEYD_S3_BUCKET"),
		S3Prefix:    os.Getenv("JOURNEYD_S3_PREFIX"),
		S3Region:    os.Getenv("JOURNEYD_S3_REGION"),
	}
	if extra != nil {
		extra(&cfg)
	}
	return di.NewContainer(cfg)
}
