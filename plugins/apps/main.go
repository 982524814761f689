//go:build wasip1

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/extism/go-pdk"
)

// DefaultDirs are searched when the "dirs" config key is unset. They match
// the mount names the host gives `$HOME/.local/share/applications` and the
// plugin data directory.
const DefaultDirs = "HOME/.local/share/applications:data/applications"

// DefaultLauncher starts a desktop entry by its file id.
const DefaultLauncher = "gtk-launch"

var catalog *Catalog

//go:wasmimport extism:host/user cli_run
func hostCliRun(command, args uint64) uint64

// cliRun executes command on the host through the cli_run bridge.
func cliRun(command string, args []string) (string, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	cmdMem := pdk.AllocateString(command)
	defer cmdMem.Free()
	argsMem := pdk.AllocateBytes(argsJSON)
	defer argsMem.Free()

	out := pdk.FindMemory(hostCliRun(cmdMem.Offset(), argsMem.Offset()))
	return string(out.ReadBytes()), nil
}

func configValue(key, fallback string) string {
	if v, ok := pdk.GetConfig(key); ok && v != "" {
		return v
	}
	return fallback
}

func output(items []Item) int32 {
	if items == nil {
		items = []Item{}
	}
	if err := pdk.OutputJSON(items); err != nil {
		pdk.SetError(err)
		return 1
	}
	return 0
}

//go:wasmexport init
func initialize() int32 {
	dirs := splitDirs(configValue("dirs", DefaultDirs))
	catalog = NewCatalog(LoadEntries(os.DirFS("/"), dirs))

	platform, _ := pdk.GetConfig("platform")
	pdk.Log(pdk.LogInfo, fmt.Sprintf("loaded %d applications on %s", len(catalog.entries), platform))

	return output(catalog.Items())
}

//go:wasmexport filter
func filter() int32 {
	if catalog == nil {
		return output(nil)
	}
	return output(catalog.Filter(pdk.InputString()))
}

//go:wasmexport on_select
func onSelect() int32 {
	if catalog == nil {
		pdk.SetError(errors.New("plugin not initialised"))
		return 1
	}

	name := pdk.InputString()
	entry, ok := catalog.Lookup(name)
	if !ok {
		pdk.SetError(fmt.Errorf("unknown application %q", name))
		return 1
	}

	launcher := configValue("launcher", DefaultLauncher)
	out, err := cliRun(launcher, []string{entry.ID})
	if err != nil {
		pdk.SetError(err)
		return 1
	}
	if out != "" {
		pdk.Log(pdk.LogDebug, out)
	}
	return 0
}
