// Package policy decides whether a plugin may run an external command.
//
// Policies are Rego modules whose deny set lists violations for one
// command. The input document is
//
//	{
//	    "plugin":       "apps",
//	    "command":      "/data/open",
//	    "resolved":     "/var/lib/pluginhost/apps/open",
//	    "args":         ["firefox"],
//	    "data_command": true
//	}
//
// A deny member is either a message string or an object with "message" and
// "severity" keys. Violations of severity error or critical deny the
// command; info and warning violations are reported only.
//
// The engine ships built-in policies that are compiled but disabled:
//
//   - inline-shell: shells asked to run an inline script such as sh -c
//   - privilege-escalation: sudo, doas, su, pkexec and runas
//   - data-commands-only: anything outside the plugin data directory
//
// With nothing enabled every command is allowed.
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	_ = eng.EnablePolicy(policy.PolicyInlineShell)
//	if err := eng.LoadPolicies(ctx, []string{"/etc/pluginhost/policies"}); err != nil {
//	    return err
//	}
//	registry := host.NewRegistry(sandbox, host.WithCommandPolicy(eng))
//
// Policy files are either .rego files, named after the file and enabled on
// load, or .json files holding a serialized Policy. Comments above the
// first rule of a .rego file may carry directives:
//
//	# severity: warning
//	# tags: net, exec
//	# plugins: apps, files
//
// A policy with a plugins directive only sees commands from those plugins.
// Loader.Watch reloads the files on change.
package policy
