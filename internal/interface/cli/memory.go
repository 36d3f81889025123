package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/compasshq/journeyd/internal/domain/model/memory"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// newMemoryCmd groups the memory store commands
func newMemoryCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Work with the decaying memory store",
	}
	cmd.AddCommand(newMemorySetCmd(flags))
	cmd.AddCommand(newMemoryGetCmd(flags))
	cmd.AddCommand(newMemoryListCmd(flags))
	cmd.AddCommand(newMemoryPruneCmd(flags))
	return cmd
}

// memoryKeyFlags are the four key components shared by set and get
type memoryKeyFlags struct {
	memoryType string
	scopeType  string
	scopeID    string
}

func (f *memoryKeyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.memoryType, "type", "learning", "memory type")
	cmd.Flags().StringVar(&f.scopeType, "scope-type", "org", "scope type (org, entity, journey)")
	cmd.Flags().StringVar(&f.scopeID, "scope-id", "", "scope identifier (required)")
}

func (f *memoryKeyFlags) key(key string) (repository.MemoryKey, error) {
	if f.scopeID == "" {
		return repository.MemoryKey{}, fmt.Errorf("--scope-id is required")
	}
	return repository.MemoryKey{
		MemoryType: f.memoryType,
		ScopeType:  f.scopeType,
		ScopeID:    f.scopeID,
		Key:        key,
	}, nil
}

func newMemorySetCmd(flags *rootFlags) *cobra.Command {
	keyFlags := &memoryKeyFlags{}
	var (
		valuePairs []string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Remember a value, reinforcing an existing entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyFlags.key(args[0])
			if err != nil {
				return err
			}
			value, err := parseKeyValues(valuePairs)
			if err != nil {
				return err
			}
			var ttlPtr *time.Duration
			if ttl > 0 {
				ttlPtr = &ttl
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			entry, err := container.MemoryService().Remember(cmd.Context(), key, value, ttlPtr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remembered %s (relevance %.2f, accessed %d times)\n",
				entry.Key(), entry.RelevanceScore(), entry.AccessCount())
			return nil
		},
	}

	keyFlags.register(cmd)
	cmd.Flags().StringArrayVar(&valuePairs, "value", nil, "value fields as key=value (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time to live (0 = never expires)")
	return cmd
}

func newMemoryGetCmd(flags *rootFlags) *cobra.Command {
	keyFlags := &memoryKeyFlags{}

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Recall a remembered value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyFlags.key(args[0])
			if err != nil {
				return err
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			entry, err := container.MemoryService().Recall(cmd.Context(), key)
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("no entry for key %q", args[0])
			}
			return printJSON(cmd.OutOrStdout(), entryJSON(entry))
		},
	}

	keyFlags.register(cmd)
	return cmd
}

func newMemoryListCmd(flags *rootFlags) *cobra.Command {
	var scopeType, scopeID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries for one scope in relevance order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if scopeID == "" {
				return fmt.Errorf("--scope-id is required")
			}

			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			entries, err := container.MemoryService().ListByScope(cmd.Context(), scopeType, scopeID)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no entries")
				return nil
			}
			for _, entry := range entries {
				expiry := "never"
				if entry.ExpiresAt() != nil {
					expiry = entry.ExpiresAt().Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s  relevance=%.2f accessed=%d expires=%s\n",
					entry.MemoryType(), entry.Key(), entry.RelevanceScore(), entry.AccessCount(), expiry)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scopeType, "scope-type", "org", "scope type (org, entity, journey)")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "scope identifier (required)")
	return cmd
}

func newMemoryPruneCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired entries now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, err := newContainer(flags, nil)
			if err != nil {
				return err
			}
			defer container.Close()

			n, err := container.MemoryService().PruneExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d expired entr(ies)\n", n)
			return nil
		},
	}
}

func entryJSON(entry *memory.Entry) map[string]interface{} {
	return map[string]interface{}{
		"memory_type":  entry.MemoryType(),
		"scope_type":   entry.ScopeType(),
		"scope_id":     entry.ScopeID(),
		"key":          entry.Key(),
		"value":        entry.Value(),
		"relevance":    entry.RelevanceScore(),
		"access_count": entry.AccessCount(),
		"expires_at":   entry.ExpiresAt(),
		"created_at":   entry.CreatedAt(),
		"updated_at":   entry.UpdatedAt(),
	}
}
