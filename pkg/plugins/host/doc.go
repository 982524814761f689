// Package host loads sandboxed WASM plugins and dispatches calls into them.
//
// A Registry owns one live instance per plugin Identity (the plugin name plus
// its key-sorted configuration) together with the last item list that the
// plugin's init entry point declared. Queries go to the plugin's filter entry
// point; when the plugin returns nothing useful the registry answers from the
// cached items with a case-insensitive substring match.
//
// Plugins get exactly one host capability, the cli_run host function, which
// runs an external program on their behalf. It is gated per plugin by
// Settings.CLI, confines "/data/..." commands to the plugin's private data
// directory, and may additionally be checked by a CommandPolicy.
//
// The WASM engine itself sits behind the Sandbox interface. ExtismSandbox is
// the production implementation on top of extism and wazero.
package host
