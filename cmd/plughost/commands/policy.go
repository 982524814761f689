package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/pluginhost/pkg/config"
	"github.com/openfroyo/pluginhost/pkg/plugins/host"
	"github.com/openfroyo/pluginhost/pkg/policy"
	"github.com/openfroyo/pluginhost/pkg/telemetry"
	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test cli_run command policies",
		Long: `Inspect the command policies applied to cli_run and test commands against
them. Built-in policies are disabled unless named with --enable-policy;
policies loaded with --policy are enabled.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newPolicyEngine(cmd.Context(), telemetry.Global())
			if err != nil {
				return err
			}

			policies := engine.ListPolicies()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), policies)
			}

			rows := make([][]string, len(policies))
			for i, p := range policies {
				rows[i] = []string{
					p.Name,
					string(p.Severity),
					strconv.FormatBool(p.Enabled),
					strconv.FormatBool(p.Builtin),
					p.Description,
				}
			}
			return writeTable(cmd.OutOrStdout(), []string{"NAME", "SEVERITY", "ENABLED", "BUILTIN", "DESCRIPTION"}, rows)
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <plugin> <command> [args...]",
		Short: "Evaluate a command as if the plugin had run it through cli_run",
		Example: `  # Would the apps plugin be allowed to run "sh -c ls"?
  plughost policy check --enable-policy inline-shell -- apps sh -c ls`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, err := config.NewParser()
			if err != nil {
				return err
			}
			file, err := parser.Load(configPath)
			if err != nil {
				return err
			}
			p, ok := file.Plugin(args[0])
			if !ok {
				return fmt.Errorf("plugin %q is not declared in %s", args[0], configPath)
			}

			bridge := host.NewCommandBridge(host.CliConfig{
				Enabled:    p.CLI,
				PluginName: p.Name,
				DataDir:    file.DataDir(p.Name),
			}, host.BridgeDeps{Logger: telemetry.Nop()})

			resolved, dataCommand, err := bridge.ResolveCommand(args[1])
			if err != nil {
				return err
			}

			engine, err := newPolicyEngine(cmd.Context(), telemetry.Global())
			if err != nil {
				return err
			}

			decision, err := engine.Check(cmd.Context(), policy.CommandInput{
				Plugin:      p.Name,
				Command:     args[1],
				Resolved:    resolved,
				Args:        args[2:],
				DataCommand: dataCommand,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), decision)
			}

			out := cmd.OutOrStdout()
			if !p.CLI {
				fmt.Fprintf(out, "note: cli_run is disabled for %s\n", p.Name)
			}
			verdict := "allowed"
			if !decision.Allowed {
				verdict = "denied"
			}
			fmt.Fprintf(out, "%s %s: %s (%d policies evaluated)\n",
				resolved, strings.Join(args[2:], " "), verdict, len(decision.EvaluatedPolicies))
			for _, v := range decision.Violations {
				fmt.Fprintf(out, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
			}
			for _, w := range decision.Warnings {
				fmt.Fprintf(out, "  [%s] %s: %s\n", w.Severity, w.Policy, w.Message)
			}
			return nil
		},
	}

	return cmd
}
