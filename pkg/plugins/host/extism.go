package host

import (
	"context"
	"crypto/rand"
	"fmt"

	extism "github.com/extism/go-sdk"
	"github.com/tetratelabs/wazero"
)

// HostNamespace is the import namespace host functions are linked under.
const HostNamespace = "extism:host/user"

// DefaultMemoryLimitPages is the runtime memory cap used when a manifest sets none (16MiB).
const DefaultMemoryLimitPages = 256

// ExtismSandbox instantiates modules with the extism runtime on top of wazero.
type ExtismSandbox struct {
	// cache is shared by every runtime so repeated loads skip compilation.
	cache wazero.CompilationCache
}

// NewExtismSandbox creates a sandbox with an in-memory compilation cache.
func NewExtismSandbox() *ExtismSandbox {
	return &ExtismSandbox{cache: wazero.NewCompilationCache()}
}

// Instantiate loads the manifest's module and links functions into the
// extism:host/user namespace.
func (s *ExtismSandbox) Instantiate(ctx context.Context, manifest Manifest, functions []HostFunction) (Instance, error) {
	wasm, err := LoadWasm(manifest.Wasm)
	if err != nil {
		return nil, err
	}

	em := toExtismManifest(manifest, wasm)

	pages := manifest.MemoryMaxPages
	if pages == 0 {
		pages = DefaultMemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	if s.cache != nil {
		runtimeConfig = runtimeConfig.WithCompilationCache(s.cache)
	}

	cfg := extism.PluginConfig{
		EnableWasi:    manifest.EnableWASI,
		RuntimeConfig: runtimeConfig,
		ModuleConfig: wazero.NewModuleConfig().
			WithSysWalltime().
			WithSysNanotime().
			WithRandSource(rand.Reader),
	}

	plugin, err := extism.NewPlugin(ctx, em, cfg, toExtismFunctions(functions))
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin: %w", err)
	}

	return &extismInstance{plugin: plugin}, nil
}

// Close releases the compilation cache.
func (s *ExtismSandbox) Close(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Close(ctx)
}

func toExtismManifest(m Manifest, wasm []byte) extism.Manifest {
	em := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: wasm, Name: "main"},
		},
		AllowedPaths: m.AllowedPaths,
		AllowedHosts: m.AllowedHosts,
		Config:       m.Config,
	}

	if m.MemoryMaxPages > 0 {
		em.Memory = &extism.ManifestMemory{MaxPages: m.MemoryMaxPages}
	}

	if m.TimeoutMS > 0 {
		em.Timeout = m.TimeoutMS
	}

	return em
}

func toExtismFunctions(functions []HostFunction) []extism.HostFunction {
	out := make([]extism.HostFunction, 0, len(functions))
	for _, fn := range functions {
		out = append(out, newExtismFunction(fn))
	}
	return out
}

// newExtismFunction adapts a string host function to extism's stack calling
// convention. Every parameter is a memory offset holding a string, and the
// result is written back to memory. An error from fn fails the guest call.
func newExtismFunction(fn HostFunction) extism.HostFunction {
	params := make([]extism.ValueType, fn.Params)
	for i := range params {
		params[i] = extism.ValueTypePTR
	}

	callback := func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
		args := make([]string, fn.Params)
		for i := range args {
			s, err := p.ReadString(stack[i])
			if err != nil {
				panic(fmt.Errorf("%s: failed to read argument %d: %w", fn.Name, i, err))
			}
			args[i] = s
		}

		result, err := fn.Fn(ctx, args...)
		if err != nil {
			panic(err)
		}

		offset, err := p.WriteString(result)
		if err != nil {
			panic(fmt.Errorf("%s: failed to write result: %w", fn.Name, err))
		}
		stack[0] = offset
	}

	hf := extism.NewHostFunctionWithStack(fn.Name, callback, params, []extism.ValueType{extism.ValueTypePTR})
	hf.SetNamespace(HostNamespace)
	return hf
}

type extismInstance struct {
	plugin *extism.Plugin
}

func (i *extismInstance) Call(ctx context.Context, fn string, input []byte) ([]byte, error) {
	rc, out, err := i.plugin.CallWithContext(ctx, fn, input)
	if err != nil {
		return nil, err
	}
	if rc != 0 {
		return nil, fmt.Errorf("%s returned exit code %d", fn, rc)
	}

	// extism reuses the output buffer between calls.
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

func (i *extismInstance) Exports(fn string) bool {
	return i.plugin.FunctionExists(fn)
}

func (i *extismInstance) Close(ctx context.Context) error {
	return i.plugin.Close(ctx)
}
