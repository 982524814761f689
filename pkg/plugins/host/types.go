package host

import (
	"time"
)

// Entry points every plugin module may export.
const (
	EntryInit     = "init"
	EntryFilter   = "filter"
	EntryOnSelect = "on_select"
)

// HostFunctionCLIRun is the name of the command execution host function.
const HostFunctionCLIRun = "cli_run"

// DataMount is the module-visible name of the plugin's private data directory.
const DataMount = "data"

// DataPrefix is the command prefix that cli_run resolves against the data directory.
const DataPrefix = "/data/"

// Item is a unit of content exposed by a plugin.
type Item struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// ConfigPair is one key/value entry of a plugin configuration.
type ConfigPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Settings is the declarative configuration for instantiating one plugin.
type Settings struct {
	// WasmPath is the location of the module binary.
	WasmPath string

	// Checksum is the optional hex-encoded sha256 of the module binary.
	Checksum string

	// AllowedPaths are filesystem allow-list entries; `$VAR` references are expanded.
	AllowedPaths []string

	// AllowedHosts are the network hosts the module may reach.
	AllowedHosts []string

	// EnableWASI enables WASI for the module.
	EnableWASI bool

	// CLI enables the cli_run host function for this plugin.
	CLI bool

	// Config is handed to the module as its configuration. It also forms the
	// plugin's identity.
	Config []ConfigPair

	// MemoryMaxPages caps module memory in 64KiB pages. Zero leaves it to the sandbox.
	MemoryMaxPages uint32

	// TimeoutMS bounds a single entry point call. Zero means no limit.
	TimeoutMS uint64
}

// CliConfig is the per-instance state handed to the command bridge. It is
// immutable once the plugin is registered.
type CliConfig struct {
	Enabled    bool
	PluginName string
	DataDir    string
}

// CommandRequest describes one cli_run invocation for policy evaluation.
type CommandRequest struct {
	Plugin      string   `json:"plugin"`
	Command     string   `json:"command"`
	Resolved    string   `json:"resolved"`
	Args        []string `json:"args"`
	DataCommand bool     `json:"data_command"`
}

// CommandDecision is the outcome of a policy evaluation.
type CommandDecision struct {
	Allowed bool
	Reasons []string
}

// Invocation is the audit record of one cli_run call.
type Invocation struct {
	ID        string
	Timestamp time.Time
	Plugin    string
	Command   string
	Resolved  string
	Args      []string
	Outcome   string
	Error     string
	Duration  time.Duration
}
