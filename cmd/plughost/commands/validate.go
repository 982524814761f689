package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/pluginhost/pkg/config"
	"github.com/openfroyo/pluginhost/pkg/plugins/host"
	"github.com/spf13/cobra"
)

type pluginReport struct {
	Name      string        `json:"name"`
	Identity  string        `json:"identity"`
	DataDir   string        `json:"data_dir"`
	Manifest  host.Manifest `json:"manifest"`
	WasmError string        `json:"wasm_error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var checkWasm bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the plugins file",
		Long: `Parse and validate the plugins file and print the sandbox manifest each
plugin would be instantiated with.

With --check-wasm every module is also read and its checksum verified.`,
		Example: `  # Validate the default plugins file
  plughost validate

  # Validate a CUE plugins file and verify module checksums
  plughost validate -c plugins.cue --check-wasm`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, err := config.NewParser()
			if err != nil {
				return err
			}

			file, err := parser.Load(configPath)
			if err != nil {
				return err
			}

			reports := make([]pluginReport, 0, len(file.Plugins))
			failed := 0
			for _, p := range file.Plugins {
				settings := file.Settings(p)
				report := pluginReport{
					Name:     p.Name,
					Identity: p.Identity().String(),
					DataDir:  file.DataDir(p.Name),
					Manifest: host.BuildManifest(settings, p.Name, file.DataDir(p.Name)),
				}
				if checkWasm {
					if _, err := host.LoadWasm(report.Manifest.Wasm); err != nil {
						report.WasmError = err.Error()
						failed++
					}
				}
				reports = append(reports, report)
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), reports); err != nil {
					return err
				}
			} else if err := printReports(cmd, reports); err != nil {
				return err
			}

			if failed > 0 {
				return fmt.Errorf("%d plugin module(s) failed verification", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkWasm, "check-wasm", false, "read every module and verify its checksum")

	return cmd
}

func printReports(cmd *cobra.Command, reports []pluginReport) error {
	out := cmd.OutOrStdout()
	for _, r := range reports {
		fmt.Fprintf(out, "%s\n", r.Identity)
		fmt.Fprintf(out, "  wasm:     %s\n", r.Manifest.Wasm.Path)
		fmt.Fprintf(out, "  data dir: %s\n", r.DataDir)
		fmt.Fprintf(out, "  wasi:     %v\n", r.Manifest.EnableWASI)

		hosts := make([]string, 0, len(r.Manifest.AllowedPaths))
		for hostPath := range r.Manifest.AllowedPaths {
			hosts = append(hosts, hostPath)
		}
		sort.Strings(hosts)
		for _, hostPath := range hosts {
			fmt.Fprintf(out, "  mount:    %s -> %s\n", hostPath, r.Manifest.AllowedPaths[hostPath])
		}
		if len(r.Manifest.AllowedHosts) > 0 {
			fmt.Fprintf(out, "  hosts:    %s\n", strings.Join(r.Manifest.AllowedHosts, ", "))
		}
		if r.WasmError != "" {
			fmt.Fprintf(out, "  error:    %s\n", r.WasmError)
		}
	}

	fmt.Fprintf(out, "%d plugin(s) declared in %s\n", len(reports), configPath)
	return nil
}
