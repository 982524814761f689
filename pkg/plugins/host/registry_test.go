package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/pluginhost/pkg/telemetry"
)

const itemsJSON = `[{"name":"Alpha","description":"first letter","icon":"a.png"},{"name":"Beta","description":"second","icon":""}]`

func newTestRegistry(sb Sandbox, opts ...Option) *Registry {
	opts = append([]Option{WithLogger(telemetry.Nop())}, opts...)
	return NewRegistry(sb, opts...)
}

func TestRegistryInitialize(t *testing.T) {
	t.Run("CachesItems", func(t *testing.T) {
		sb := newFakeSandbox()
		sb.add("apps.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
			EntryInit: returns(itemsJSON),
		}})
		r := newTestRegistry(sb)
		dataDir := filepath.Join(t.TempDir(), "apps")

		items, err := r.Initialize(context.Background(), "apps", Settings{WasmPath: "apps.wasm"}, dataDir)
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if len(items) != 2 || items[0].Name != "Alpha" || items[0].Icon != "a.png" {
			t.Fatalf("Unexpected items %+v", items)
		}

		if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
			t.Errorf("Expected data directory to be created: %v", err)
		}

		cached, ok := r.Cached("apps", nil)
		if !ok || len(cached) != 2 {
			t.Errorf("Expected 2 cached items, got %v", cached)
		}

		m, ok := r.Manifest("apps", nil)
		if !ok || m.AllowedPaths[dataDir] != DataMount {
			t.Errorf("Expected data dir mounted in manifest, got %v", m.AllowedPaths)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		sb := newFakeSandbox()
		sb.add("apps.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
			EntryInit: returns(itemsJSON),
		}})
		r := newTestRegistry(sb)
		settings := Settings{WasmPath: "apps.wasm", Config: []ConfigPair{{"a", "1"}, {"b", "2"}}}
		permuted := Settings{WasmPath: "apps.wasm", Config: []ConfigPair{{"b", "2"}, {"a", "1"}}}
		dataDir := t.TempDir()

		first, err := r.Initialize(context.Background(), "apps", settings, dataDir)
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		second, err := r.Initialize(context.Background(), "apps", permuted, dataDir)
		if err != nil {
			t.Fatalf("Second initialize failed: %v", err)
		}

		if sb.instantiations != 1 {
			t.Errorf("Expected 1 instantiation, got %d", sb.instantiations)
		}
		if n := sb.instances[0].callCount(EntryInit); n != 1 {
			t.Errorf("Expected init to run once, ran %d times", n)
		}
		if len(first) != len(second) || second[0] != first[0] {
			t.Errorf("Expected cached items on re-initialize, got %v", second)
		}
		if len(r.Identities()) != 1 {
			t.Errorf("Expected 1 live identity, got %v", r.Identities())
		}
	})

	t.Run("EmptyInit", func(t *testing.T) {
		sb := newFakeSandbox()
		sb.add("empty.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
			EntryInit: returns(""),
		}})
		r := newTestRegistry(sb)

		items, err := r.Initialize(context.Background(), "empty", Settings{WasmPath: "empty.wasm"}, t.TempDir())
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if len(items) != 0 {
			t.Errorf("Expected no items, got %v", items)
		}
		if _, ok := r.Cached("empty", nil); ok {
			t.Error("Expected no cache entry for empty init output")
		}
		if !r.Live("empty", nil) {
			t.Error("Expected plugin to be live")
		}

		again, err := r.Initialize(context.Background(), "empty", Settings{WasmPath: "empty.wasm"}, t.TempDir())
		if err != nil || again == nil || len(again) != 0 {
			t.Errorf("Expected empty non-nil list on re-initialize, got %v (%v)", again, err)
		}
	})

	t.Run("MalformedItems", func(t *testing.T) {
		sb := newFakeSandbox()
		sb.add("bad.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
			EntryInit: returns(`{"name": "not a list"`),
		}})
		r := newTestRegistry(sb)

		_, err := r.Initialize(context.Background(), "bad", Settings{WasmPath: "bad.wasm"}, t.TempDir())
		if !errors.Is(err, ErrMalformedItems) {
			t.Fatalf("Expected ErrMalformedItems, got %v", err)
		}
		if r.Live("bad", nil) {
			t.Error("Expected nothing registered after malformed init")
		}
		if _, ok := r.Cached("bad", nil); ok {
			t.Error("Expected no cache after malformed init")
		}
		if !sb.instances[0].closed {
			t.Error("Expected instance to be closed")
		}
	})

	t.Run("InstantiationFailed", func(t *testing.T) {
		sb := newFakeSandbox()
		sb.err = errors.New("invalid module")
		r := newTestRegistry(sb)

		_, err := r.Initialize(context.Background(), "broken", Settings{WasmPath: "broken.wasm"}, t.TempDir())
		if !errors.Is(err, ErrInstantiationFailed) {
			t.Fatalf("Expected ErrInstantiationFailed, got %v", err)
		}
		if r.Live("broken", nil) {
			t.Error("Expected nothing registered")
		}
	})

	t.Run("InitCallFailed", func(t *testing.T) {
		sb := newFakeSandbox()
		sb.add("trap.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
			EntryInit: fails(errors.New("unreachable")),
		}})
		r := newTestRegistry(sb)

		_, err := r.Initialize(context.Background(), "trap", Settings{WasmPath: "trap.wasm"}, t.TempDir())
		if !errors.Is(err, ErrCallFailed) {
			t.Fatalf("Expected ErrCallFailed, got %v", err)
		}
		if r.Live("trap", nil) || !sb.instances[0].closed {
			t.Error("Expected instance closed and not registered")
		}
	})

	t.Run("DistinctIdentities", func(t *testing.T) {
		sb := newFakeSandbox()
		sb.add("apps.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
			EntryInit: returns(itemsJSON),
		}})
		r := newTestRegistry(sb)

		for _, term := range []string{"kitty", "foot"} {
			s := Settings{WasmPath: "apps.wasm", Config: []ConfigPair{{"terminal", term}}}
			if _, err := r.Initialize(context.Background(), "apps", s, t.TempDir()); err != nil {
				t.Fatalf("Initialize failed: %v", err)
			}
		}

		if sb.instantiations != 2 || len(r.Identities()) != 2 {
			t.Errorf("Expected 2 instances, got %d", sb.instantiations)
		}
	})
}

func TestRegistryQuery(t *testing.T) {
	tests := []struct {
		name   string
		filter func(context.Context, []byte, map[string]HostFunction) ([]byte, error)
		query  string
		want   []string
	}{
		{
			name:   "Authoritative filter result",
			filter: returns(`[{"name":"Gamma","description":"","icon":""}]`),
			query:  "al",
			want:   []string{"Gamma"},
		},
		{
			name:   "Empty output falls back",
			filter: returns(""),
			query:  "al",
			want:   []string{"Alpha"},
		},
		{
			name:   "Empty list falls back",
			filter: returns("[]"),
			query:  "AL",
			want:   []string{"Alpha"},
		},
		{
			name:   "Null falls back",
			filter: returns("null"),
			query:  "second",
			want:   []string{"Beta"},
		},
		{
			name:   "Malformed falls back",
			filter: returns("{oops"),
			query:  "e",
			want:   []string{"Alpha", "Beta"},
		},
		{
			name:  "Missing filter falls back",
			query: "zzz",
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exports := map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
				EntryInit: returns(itemsJSON),
			}
			if tt.filter != nil {
				exports[EntryFilter] = tt.filter
			}

			sb := newFakeSandbox()
			sb.add("apps.wasm", &fakeModule{exports: exports})
			r := newTestRegistry(sb)

			if _, err := r.Initialize(context.Background(), "apps", Settings{WasmPath: "apps.wasm"}, t.TempDir()); err != nil {
				t.Fatalf("Initialize failed: %v", err)
			}

			items, err := r.Query(context.Background(), "apps", nil, tt.query)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if items == nil {
				t.Fatal("Expected non-nil result")
			}

			if len(items) != len(tt.want) {
				t.Fatalf("Expected %v, got %+v", tt.want, items)
			}
			for i, name := range tt.want {
				if items[i].Name != name {
					t.Errorf("Expected item %d to be %s, got %s", i, name, items[i].Name)
				}
			}

			cached, _ := r.Cached("apps", nil)
			if len(cached) != 2 {
				t.Errorf("Expected cache untouched by query, got %v", cached)
			}
		})
	}
}

func TestRegistryQueryWithoutCache(t *testing.T) {
	sb := newFakeSandbox()
	sb.add("empty.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
		EntryInit:   returns(""),
		EntryFilter: returns(""),
	}})
	r := newTestRegistry(sb)

	if _, err := r.Initialize(context.Background(), "empty", Settings{WasmPath: "empty.wasm"}, t.TempDir()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	items, err := r.Query(context.Background(), "empty", nil, "x")
	if err != nil || len(items) != 0 {
		t.Errorf("Expected empty result, got %v (%v)", items, err)
	}
}

func TestRegistryQueryPassesText(t *testing.T) {
	var got string
	sb := newFakeSandbox()
	sb.add("apps.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
		EntryInit: returns(""),
		EntryFilter: func(_ context.Context, input []byte, _ map[string]HostFunction) ([]byte, error) {
			got = string(input)
			return nil, nil
		},
	}})
	r := newTestRegistry(sb)

	if _, err := r.Initialize(context.Background(), "apps", Settings{WasmPath: "apps.wasm"}, t.TempDir()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := r.Query(context.Background(), "apps", nil, "fire"); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if got != "fire" {
		t.Errorf("Expected filter input 'fire', got '%s'", got)
	}
}

func TestRegistryFilterCallFailed(t *testing.T) {
	sb := newFakeSandbox()
	sb.add("apps.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
		EntryInit:   returns(itemsJSON),
		EntryFilter: fails(errors.New("trap")),
	}})
	r := newTestRegistry(sb)

	if _, err := r.Initialize(context.Background(), "apps", Settings{WasmPath: "apps.wasm"}, t.TempDir()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := r.Query(context.Background(), "apps", nil, "al"); !errors.Is(err, ErrCallFailed) {
		t.Errorf("Expected ErrCallFailed, got %v", err)
	}
}

func TestRegistryNotFound(t *testing.T) {
	r := newTestRegistry(newFakeSandbox())

	if _, err := r.Query(context.Background(), "ghost", nil, "x"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Expected ErrPluginNotFound from Query, got %v", err)
	}
	if err := r.Select(context.Background(), "ghost", nil, "x"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Expected ErrPluginNotFound from Select, got %v", err)
	}
	if err := r.Unload(context.Background(), "ghost", nil); !IsNotFound(err) {
		t.Errorf("Expected ErrPluginNotFound from Unload, got %v", err)
	}
}

func TestRegistrySelect(t *testing.T) {
	t.Run("CallsOnSelect", func(t *testing.T) {
		var selected string
		sb := newFakeSandbox()
		sb.add("apps.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
			EntryInit: returns(itemsJSON),
			EntryOnSelect: func(_ context.Context, input []byte, _ map[string]HostFunction) ([]byte, error) {
				selected = string(input)
				return nil, nil
			},
		}})
		r := newTestRegistry(sb)

		if _, err := r.Initialize(context.Background(), "apps", Settings{WasmPath: "apps.wasm"}, t.TempDir()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if err := r.Select(context.Background(), "apps", nil, "Alpha"); err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if selected != "Alpha" {
			t.Errorf("Expected 'Alpha' selected, got '%s'", selected)
		}
	})

	t.Run("MissingExport", func(t *testing.T) {
		sb := newFakeSandbox()
		sb.add("apps.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
			EntryInit: returns(""),
		}})
		r := newTestRegistry(sb)

		if _, err := r.Initialize(context.Background(), "apps", Settings{WasmPath: "apps.wasm"}, t.TempDir()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if err := r.Select(context.Background(), "apps", nil, "x"); err != nil {
			t.Errorf("Expected no-op, got %v", err)
		}
	})

	t.Run("CallFailed", func(t *testing.T) {
		sb := newFakeSandbox()
		sb.add("apps.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
			EntryInit:     returns(""),
			EntryOnSelect: fails(errors.New("trap")),
		}})
		r := newTestRegistry(sb)

		if _, err := r.Initialize(context.Background(), "apps", Settings{WasmPath: "apps.wasm"}, t.TempDir()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if err := r.Select(context.Background(), "apps", nil, "x"); !errors.Is(err, ErrCallFailed) {
			t.Errorf("Expected ErrCallFailed, got %v", err)
		}
	})
}

func TestRegistryUnloadAndClose(t *testing.T) {
	sb := newFakeSandbox()
	sb.add("apps.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
		EntryInit: returns(itemsJSON),
	}})
	r := newTestRegistry(sb)
	ctx := context.Background()

	if _, err := r.Initialize(ctx, "apps", Settings{WasmPath: "apps.wasm"}, t.TempDir()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := r.Unload(ctx, "apps", nil); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if r.Live("apps", nil) || !sb.instances[0].closed {
		t.Error("Expected instance to be closed and removed")
	}
	if _, ok := r.Cached("apps", nil); ok {
		t.Error("Expected cache to be dropped")
	}

	if _, err := r.Initialize(ctx, "apps", Settings{WasmPath: "apps.wasm"}, t.TempDir()); err != nil {
		t.Fatalf("Re-initialize failed: %v", err)
	}
	if sb.instantiations != 2 {
		t.Errorf("Expected a fresh instance after unload, got %d instantiations", sb.instantiations)
	}

	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(r.Identities()) != 0 || !sb.instances[1].closed {
		t.Error("Expected every instance closed")
	}
}

func TestRegistryBridgeWiring(t *testing.T) {
	var out string
	var callErr error

	sb := newFakeSandbox()
	sb.add("cli.wasm", &fakeModule{exports: map[string]func(context.Context, []byte, map[string]HostFunction) ([]byte, error){
		EntryInit: returns(""),
		EntryOnSelect: func(ctx context.Context, input []byte, fns map[string]HostFunction) ([]byte, error) {
			out, callErr = fns[HostFunctionCLIRun].Fn(ctx, "/data/open", `["`+string(input)+`"]`)
			return nil, callErr
		},
	}})

	t.Run("Enabled", func(t *testing.T) {
		runner := &fakeRunner{result: &CommandResult{Stdout: []byte("opened")}}
		audit := &fakeAudit{}
		r := newTestRegistry(sb, WithCommandRunner(runner), WithAuditSink(audit))
		dataDir := t.TempDir()

		if _, err := r.Initialize(context.Background(), "cli", Settings{WasmPath: "cli.wasm", CLI: true}, dataDir); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if err := r.Select(context.Background(), "cli", nil, "Alpha"); err != nil {
			t.Fatalf("Select failed: %v", err)
		}

		if out != "opened" {
			t.Errorf("Expected 'opened', got '%s'", out)
		}
		if len(runner.calls) != 1 || runner.calls[0].name != filepath.Join(dataDir, "open") {
			t.Errorf("Unexpected runner calls %+v", runner.calls)
		}
		if len(audit.records) != 1 {
			t.Errorf("Expected 1 audit record, got %d", len(audit.records))
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		runner := &fakeRunner{}
		r := newTestRegistry(sb, WithCommandRunner(runner))

		if _, err := r.Initialize(context.Background(), "cli", Settings{WasmPath: "cli.wasm"}, t.TempDir()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if err := r.Select(context.Background(), "cli", nil, "Alpha"); err != nil {
			t.Fatalf("Select failed: %v", err)
		}

		if out != DisabledMessage("cli") {
			t.Errorf("Expected disabled message, got '%s'", out)
		}
		if len(runner.calls) != 0 {
			t.Error("Expected no command to run")
		}
	})

	t.Run("BridgeFailureFailsCall", func(t *testing.T) {
		runner := &fakeRunner{result: &CommandResult{ExitCode: 1, Stderr: []byte("nope")}}
		r := newTestRegistry(sb, WithCommandRunner(runner))

		if _, err := r.Initialize(context.Background(), "cli", Settings{WasmPath: "cli.wasm", CLI: true}, t.TempDir()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		err := r.Select(context.Background(), "cli", nil, "Alpha")
		if !errors.Is(err, ErrCallFailed) {
			t.Fatalf("Expected ErrCallFailed, got %v", err)
		}
		if !errors.Is(err, ErrCommandFailed) {
			t.Errorf("Expected the bridge failure to be wrapped, got %v", err)
		}
	})
}
