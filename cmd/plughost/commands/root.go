package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath     string
	verbose        bool
	jsonOutput     bool
	auditDB        string
	policyPaths    []string
	enablePolicies []string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plughost",
		Short: "plughost - sandboxed WASM plugin host",
		Long: `plughost runs WebAssembly plugins that provide searchable item lists.

Each plugin is declared in a plugins file and runs in its own sandbox with:
  - a private data directory mounted at /data
  - an explicit filesystem and network allow-list
  - an optional cli_run bridge for executing host commands, checked by
    Rego policies and recorded in an audit database`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "plugins.yaml", "plugins file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&auditDB, "audit-db", "", "sqlite database recording cli_run invocations and plugin events")
	rootCmd.PersistentFlags().StringSliceVar(&policyPaths, "policy", nil, "Rego or JSON policy file or directory (repeatable)")
	rootCmd.PersistentFlags().StringSliceVar(&enablePolicies, "enable-policy", nil, "enable a built-in command policy (repeatable)")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newItemsCommand())
	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newSelectCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
