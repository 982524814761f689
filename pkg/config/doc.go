// Package config loads the plugins file that declares which WASM plugins the
// host runs and how each one is sandboxed.
//
// # Formats
//
// Plugins files are written in YAML (or JSON) or CUE; the extension selects
// the parser. CUE files are unified with a built-in #PluginsFile definition
// before decoding, and both formats are then checked with struct validation
// so they reject the same input:
//
//	data_root: $HOME/.local/share/pluginhost
//	plugins:
//	  - name: apps
//	    wasm: ./apps.wasm
//	    allowed_paths: ["$HOME/.local/share/applications"]
//	    wasi: true
//	    cli: false
//	    config: {terminal: kitty}
//
// # Usage
//
//	parser, err := config.NewParser()
//	if err != nil {
//	    return err
//	}
//
//	file, err := parser.Load("plugins.yaml")
//	if err != nil {
//	    return err
//	}
//
//	for _, p := range file.Plugins {
//	    items, err := registry.Initialize(ctx, p.Name, file.Settings(p), file.DataDir(p.Name))
//	    ...
//	}
//
// Watch re-loads the file on change so a long-running host can re-initialise
// plugins whose declaration changed.
package config
