package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newItemsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items <plugin>",
		Short: "Initialize a plugin and list its items",
		Long: `Instantiate the named plugin, run its init entry point and print the
items it returns.`,
		Example: `  # List the items of the apps plugin
  plughost items apps

  # Same, as JSON
  plughost items apps --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions{}, func(rt *runtime) error {
				p, err := rt.plugin(args[0])
				if err != nil {
					return err
				}

				items, err := rt.initialize(cmd.Context(), p)
				if err != nil {
					return err
				}

				return writeItems(cmd.OutOrStdout(), items)
			})
		},
	}

	return cmd
}

func newQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <plugin> <text>",
		Short: "Filter a plugin's items",
		Long: `Initialize the named plugin and filter its items by text.

Plugins that export a filter entry point decide the result themselves. For
the others, or when filter returns nothing, items whose name or description
contain the text (case-insensitively) are returned.`,
		Example: `  # Find entries matching "fire"
  plughost query apps fire`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions{}, func(rt *runtime) error {
				p, err := rt.plugin(args[0])
				if err != nil {
					return err
				}

				if _, err := rt.initialize(cmd.Context(), p); err != nil {
					return err
				}

				items, err := rt.registry.Query(cmd.Context(), p.Name, p.Pairs(), args[1])
				if err != nil {
					return err
				}

				return writeItems(cmd.OutOrStdout(), items)
			})
		},
	}

	return cmd
}

func newSelectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select <plugin> <element>",
		Short: "Hand a selected item back to its plugin",
		Long: `Initialize the named plugin and call its on_select entry point with the
element. Plugins without on_select ignore the selection.`,
		Example: `  # Launch the firefox entry
  plughost select apps firefox.desktop`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions{}, func(rt *runtime) error {
				p, err := rt.plugin(args[0])
				if err != nil {
					return err
				}

				if _, err := rt.initialize(cmd.Context(), p); err != nil {
					return err
				}

				if err := rt.registry.Select(cmd.Context(), p.Name, p.Pairs(), args[1]); err != nil {
					return err
				}

				log.Debug().
					Str("plugin", p.Name).
					Str("element", args[1]).
					Msg("Selection delivered")
				return nil
			})
		},
	}

	return cmd
}
