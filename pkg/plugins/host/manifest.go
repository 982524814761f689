package host

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/openfroyo/pluginhost/pkg/envpath"
)

// PlatformKey is the configuration key every module receives with the host OS name.
const PlatformKey = "platform"

// WasmSource locates a module binary.
type WasmSource struct {
	// Path is the file path of the module.
	Path string `json:"path"`

	// Checksum is the hex-encoded sha256 the module must match. Empty skips verification.
	Checksum string `json:"checksum,omitempty"`
}

// Manifest is the permission set and configuration a module is instantiated under.
type Manifest struct {
	// Wasm is the module binary.
	Wasm WasmSource `json:"wasm"`

	// AllowedPaths maps host paths to the paths visible inside the module.
	AllowedPaths map[string]string `json:"allowed_paths"`

	// AllowedHosts are the network hosts the module may reach.
	AllowedHosts []string `json:"allowed_hosts,omitempty"`

	// Config is the key/value configuration readable by the module.
	Config map[string]string `json:"config"`

	// EnableWASI enables WASI for the module.
	EnableWASI bool `json:"wasi"`

	// MemoryMaxPages caps module memory in 64KiB pages.
	MemoryMaxPages uint32 `json:"memory_max_pages,omitempty"`

	// TimeoutMS bounds a single call.
	TimeoutMS uint64 `json:"timeout_ms,omitempty"`
}

// BuildManifest derives the manifest for a plugin from its settings. Allowed
// path patterns are expanded against the environment and the plugin data
// directory is always mounted as "data".
func BuildManifest(settings Settings, pluginName, dataDir string) Manifest {
	paths := make(map[string]string, len(settings.AllowedPaths)+1)
	for _, pattern := range settings.AllowedPaths {
		resolved, sanitized := envpath.Expand(pattern)
		paths[resolved] = sanitized
	}
	paths[dataDir] = DataMount

	config := configMap(settings.Config)
	config[PlatformKey] = Platform()

	hosts := make([]string, len(settings.AllowedHosts))
	copy(hosts, settings.AllowedHosts)

	return Manifest{
		Wasm: WasmSource{
			Path:     settings.WasmPath,
			Checksum: strings.ToLower(settings.Checksum),
		},
		AllowedPaths:   paths,
		AllowedHosts:   hosts,
		Config:         config,
		EnableWASI:     settings.EnableWASI,
		MemoryMaxPages: settings.MemoryMaxPages,
		TimeoutMS:      settings.TimeoutMS,
	}
}

// Platform returns the host OS name handed to modules.
func Platform() string {
	return platformName(runtime.GOOS)
}

func platformName(goos string) string {
	switch goos {
	case "linux":
		return "linux"
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	default:
		return goos
	}
}

// LoadWasm reads the module binary and verifies its checksum when one is set.
func LoadWasm(src WasmSource) ([]byte, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}

	if err := VerifyChecksum(data, src.Checksum); err != nil {
		return nil, err
	}

	return data, nil
}

// VerifyChecksum compares the sha256 of data with expected. An empty expected
// value always passes.
func VerifyChecksum(data []byte, expected string) error {
	if expected == "" {
		return nil
	}

	hash := sha256.Sum256(data)
	computed := hex.EncodeToString(hash[:])
	if computed != strings.ToLower(expected) {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", expected, computed)
	}

	return nil
}

// Checksum returns the hex-encoded sha256 of data.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
