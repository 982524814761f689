package commands

import (
	"github.com/openfroyo/pluginhost/pkg/config"
	"github.com/openfroyo/pluginhost/pkg/policy"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep every plugin live and follow plugins file changes",
		Long: `Initialize every declared plugin and keep them live until interrupted.

When the plugins file changes, plugins that were removed or whose declaration
changed are unloaded and the new declarations are initialised. Policy paths
given with --policy are watched too and reloaded on change.`,
		Example: `  # Watch plugins.yaml and expose metrics
  plughost watch --metrics-addr 127.0.0.1:9464

  # Watch with command policies and an audit trail
  plughost watch --policy ./policies --audit-db audit.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			return withRuntime(ctx, runtimeOptions{metricsAddr: metricsAddr}, func(rt *runtime) error {
				rt.telemetry.StartMetricsServer()

				live := rt.initializeAll(ctx)
				rt.logger.
					WithField("declared", len(rt.file.Plugins)).
					WithField("live", live).
					Info("plugins initialized")

				if len(policyPaths) > 0 {
					loader := policy.NewLoader(rt.telemetry.Logger.Zerolog())
					err := loader.Watch(ctx, policyPaths, func(policies []policy.Policy) error {
						return rt.engine.ReplaceLoaded(ctx, policies)
					})
					if err != nil {
						return err
					}
					defer loader.Close()
				}

				return rt.parser.Watch(ctx, configPath, func(next *config.File, err error) {
					if err != nil {
						rt.logger.WithError(err).Error("plugins file reload failed, keeping current plugins")
						return
					}
					rt.logger.Info("plugins file changed")
					rt.reconcile(ctx, next)
				})
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}
