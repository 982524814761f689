package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/pluginhost/pkg/stores"
	"github.com/spf13/cobra"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit database",
		Long: `Inspect cli_run invocations and plugin lifecycle events recorded in the
audit database given with --audit-db.`,
	}

	cmd.AddCommand(newAuditInvocationsCommand())
	cmd.AddCommand(newAuditEventsCommand())
	cmd.AddCommand(newAuditPruneCommand())

	return cmd
}

func openAuditStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if auditDB == "" {
		return nil, fmt.Errorf("--audit-db is required")
	}
	return stores.Open(ctx, auditDB)
}

func newAuditInvocationsCommand() *cobra.Command {
	var (
		plugin  string
		outcome string
		since   time.Duration
		limit   int
		offset  int
	)

	cmd := &cobra.Command{
		Use:     "invocations",
		Aliases: []string{"list"},
		Short:   "List recorded cli_run invocations",
		Example: `  # Last 20 invocations
  plughost audit invocations --audit-db audit.db

  # Denied commands of the apps plugin in the last hour
  plughost audit invocations --audit-db audit.db --plugin apps --outcome denied --since 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAuditStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			filter := stores.InvocationFilter{Plugin: plugin, Outcome: outcome}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			invocations, err := store.ListInvocations(cmd.Context(), filter, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				if invocations == nil {
					invocations = []*stores.Invocation{}
				}
				return writeJSON(cmd.OutOrStdout(), invocations)
			}

			rows := make([][]string, len(invocations))
			for i, inv := range invocations {
				errText := ""
				if inv.Error != nil {
					errText = *inv.Error
				}
				rows[i] = []string{
					inv.Timestamp.Local().Format(time.RFC3339),
					inv.Plugin,
					inv.Outcome,
					inv.Resolved,
					fmt.Sprintf("%q", inv.Args),
					inv.Duration.String(),
					errText,
				}
			}
			return writeTable(cmd.OutOrStdout(),
				[]string{"TIME", "PLUGIN", "OUTCOME", "COMMAND", "ARGS", "DURATION", "ERROR"}, rows)
		},
	}

	cmd.Flags().StringVar(&plugin, "plugin", "", "only invocations by this plugin")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only invocations with this outcome (success, denied, policy_error, error)")
	cmd.Flags().DurationVar(&since, "since", 0, "only invocations newer than this duration")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of invocations")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of invocations to skip")

	return cmd
}

func newAuditEventsCommand() *cobra.Command {
	var (
		plugin string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded plugin lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAuditStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.ListEvents(cmd.Context(), plugin, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				if events == nil {
					events = []*stores.PluginEvent{}
				}
				return writeJSON(cmd.OutOrStdout(), events)
			}

			rows := make([][]string, len(events))
			for i, ev := range events {
				rows[i] = []string{
					ev.Timestamp.Local().Format(time.RFC3339),
					ev.Plugin,
					ev.Type,
					ev.Level,
					ev.Message,
				}
			}
			return writeTable(cmd.OutOrStdout(), []string{"TIME", "PLUGIN", "TYPE", "LEVEL", "MESSAGE"}, rows)
		},
	}

	cmd.Flags().StringVar(&plugin, "plugin", "", "only events of this plugin")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")

	return cmd
}

func newAuditPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old invocation records",
		Example: `  # Keep a week of invocations
  plughost audit prune --audit-db audit.db --older-than 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			store, err := openAuditStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.PruneInvocations(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d invocation(s)\n", removed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete invocations older than this duration")

	return cmd
}
