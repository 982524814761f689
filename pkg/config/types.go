package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/pluginhost/pkg/envpath"
	"github.com/openfroyo/pluginhost/pkg/plugins/host"
)

// DefaultDataRoot is used when a plugins file leaves data_root empty.
const DefaultDataRoot = "$HOME/.local/share/pluginhost"

// File is a parsed plugins file.
type File struct {
	// DataRoot is the parent of every plugin's private data directory.
	// `$VAR` references are expanded.
	DataRoot string `yaml:"data_root" json:"data_root,omitempty"`

	// Plugins lists the plugins to host, in file order.
	Plugins []Plugin `yaml:"plugins" json:"plugins" validate:"unique=Name,dive"`

	// Source is the path the file was loaded from. Empty for inline content.
	Source string `yaml:"-" json:"-"`
}

// Plugin is the declaration of one hosted plugin.
type Plugin struct {
	// Name identifies the plugin. It also names its data directory.
	Name string `yaml:"name" json:"name" validate:"required,pluginname"`

	// Wasm is the module path. Relative paths resolve against the plugins file.
	Wasm string `yaml:"wasm" json:"wasm" validate:"required"`

	// Checksum is the optional hex-encoded sha256 of the module.
	Checksum string `yaml:"checksum" json:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// AllowedPaths are filesystem allow-list entries.
	AllowedPaths []string `yaml:"allowed_paths" json:"allowed_paths,omitempty" validate:"dive,required"`

	// AllowedHosts are the network hosts the module may reach.
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts,omitempty" validate:"dive,required"`

	// WASI enables WASI for the module.
	WASI bool `yaml:"wasi" json:"wasi,omitempty"`

	// CLI enables the cli_run host function.
	CLI bool `yaml:"cli" json:"cli,omitempty"`

	// Config is handed to the module and forms the plugin's identity.
	Config map[string]string `yaml:"config" json:"config,omitempty"`

	// MemoryMaxPages caps module memory in 64KiB pages.
	MemoryMaxPages uint32 `yaml:"memory_max_pages" json:"memory_max_pages,omitempty" validate:"lte=65536"`

	// TimeoutMS bounds a single entry point call.
	TimeoutMS uint64 `yaml:"timeout_ms" json:"timeout_ms,omitempty"`
}

// ValidationError describes one problem found in a plugins file.
type ValidationError struct {
	File    string
	Line    int
	Column  int
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a plugins file fails to parse or validate.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	switch len(v) {
	case 0:
		return "invalid plugins file"
	case 1:
		return v[0].Error()
	}

	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d problems: %s", len(v), strings.Join(msgs, "; "))
}

// Plugin returns the declaration named name.
func (f *File) Plugin(name string) (Plugin, bool) {
	for _, p := range f.Plugins {
		if p.Name == name {
			return p, true
		}
	}
	return Plugin{}, false
}

// Names returns the declared plugin names in file order.
func (f *File) Names() []string {
	names := make([]string, len(f.Plugins))
	for i, p := range f.Plugins {
		names[i] = p.Name
	}
	return names
}

// DataDir returns the private data directory of the named plugin.
func (f *File) DataDir(name string) string {
	root := f.DataRoot
	if root == "" {
		root = DefaultDataRoot
	}
	resolved, _ := envpath.Expand(root)
	return filepath.Join(resolved, name)
}

// WasmPath resolves the module path of p against the directory of the
// plugins file.
func (f *File) WasmPath(p Plugin) string {
	resolved, _ := envpath.Expand(p.Wasm)
	if filepath.IsAbs(resolved) || f.Source == "" {
		return resolved
	}
	return filepath.Join(filepath.Dir(f.Source), resolved)
}

// Settings converts p into host settings. Config pairs are ordered by key.
func (f *File) Settings(p Plugin) host.Settings {
	return host.Settings{
		WasmPath:       f.WasmPath(p),
		Checksum:       p.Checksum,
		AllowedPaths:   append([]string(nil), p.AllowedPaths...),
		AllowedHosts:   append([]string(nil), p.AllowedHosts...),
		EnableWASI:     p.WASI,
		CLI:            p.CLI,
		Config:         p.Pairs(),
		MemoryMaxPages: p.MemoryMaxPages,
		TimeoutMS:      p.TimeoutMS,
	}
}

// Pairs returns the plugin config as key-ordered pairs.
func (p Plugin) Pairs() []host.ConfigPair {
	if len(p.Config) == 0 {
		return nil
	}

	keys := make([]string, 0, len(p.Config))
	for k := range p.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]host.ConfigPair, len(keys))
	for i, k := range keys {
		pairs[i] = host.ConfigPair{Key: k, Value: p.Config[k]}
	}
	return pairs
}

// Identity returns the registry identity of p.
func (p Plugin) Identity() host.Identity {
	return host.ResolveIdentity(p.Name, p.Pairs())
}
