package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "no-network.rego")

	regoContent := `package custom.network

# Keeps plugins off the network
# severity: critical

import rego.v1

deny contains "network tools are not allowed" if {
	input.command in {"curl", "wget"}
}`

	if err := os.WriteFile(policyFile, []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-network" {
		t.Errorf("Expected name 'no-network', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected severity critical, got %s", policy.Severity)
	}
	if policy.Description != "Keeps plugins off the network" {
		t.Errorf("Unexpected description '%s'", policy.Description)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "json-policy.json")

	data, err := json.Marshal(Policy{
		Name:    "json-policy",
		Rego:    "package p\n\nimport rego.v1\n\ndeny contains \"no\" if { false }",
		Enabled: true,
		Builtin: true,
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	if err := os.WriteFile(policyFile, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", policy.Severity)
	}
	if policy.Builtin {
		t.Error("Expected loaded policy not to be built-in")
	}
	if policy.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tests := []struct {
		name    string
		content string
	}{
		{"Malformed", "{not json"},
		{"Missing name", `{"rego": "package p"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.json")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write test file: %v", err)
			}
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "nested")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	files := map[string]string{
		filepath.Join(tmpDir, "a.rego"): "package a",
		filepath.Join(nested, "b.rego"): "package b",
		filepath.Join(tmpDir, "c.txt"):  "ignored",
		filepath.Join(tmpDir, "d.json"): "{broken",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policies"}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoadBundle(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	bundleFile := filepath.Join(t.TempDir(), "bundle.json")
	bundle := PolicyBundle{
		Name:    "desktop",
		Version: "1.0.0",
		Policies: []Policy{
			{Name: "p1", Rego: "package p1", Enabled: true},
			{Name: "p2", Rego: "package p2", Severity: SeverityWarning},
		},
		CreatedAt: time.Now(),
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	if err := os.WriteFile(bundleFile, data, 0644); err != nil {
		t.Fatalf("Failed to write bundle file: %v", err)
	}

	loaded, err := loader.LoadBundle(context.Background(), bundleFile)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if loaded.Name != "desktop" || len(loaded.Policies) != 2 {
		t.Errorf("Unexpected bundle %+v", loaded)
	}
	if loaded.Policies[0].Severity != SeverityError || loaded.Policies[1].Severity != SeverityWarning {
		t.Error("Expected default severity only where none was set")
	}
}

func TestLoaderCacheTracksContent(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	path := filepath.Join(t.TempDir(), "p.rego")
	if err := os.WriteFile(path, []byte("package one"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	first, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	again, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if again != first {
		t.Error("Expected unchanged file to be served from cache")
	}

	if err := os.WriteFile(path, []byte("package two"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	fresh, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if fresh.Rego != "package two" {
		t.Errorf("Expected edited content, got '%s'", fresh.Rego)
	}
	if fresh.Metadata["package"] != "data.two" {
		t.Errorf("Expected package data.two, got %v", fresh.Metadata["package"])
	}
}

func TestLoadFromFile_RejectsBrokenRego(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tests := []struct {
		name    string
		content string
	}{
		{"Syntax error", "package p\n\ndeny[msg {"},
		{"Unknown severity", "# severity: fatal\npackage p"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.rego")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write test file: %v", err)
			}
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestWatchReloads(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 1)
	err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		select {
		case reloaded <- p:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	if err := os.WriteFile(filepath.Join(dir, "new.rego"), []byte("package fresh"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	select {
	case p := <-reloaded:
		if len(p) != 1 || p[0].Name != "new" {
			t.Errorf("Expected reloaded 'new' policy, got %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package p\n\ndeny[msg {"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	select {
	case p := <-reloaded:
		if len(p) != 1 || p[0].Name != "new" {
			t.Errorf("Expected broken file to be skipped, got %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}

func TestWatchCloseStopsLoop(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	dir := t.TempDir()
	if err := loader.Watch(context.Background(), []string{dir}, func([]Policy) error { return nil }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := loader.Watch(context.Background(), []string{dir}, func([]Policy) error { return nil }); err == nil {
		t.Error("Expected second Watch to fail")
	}

	if err := loader.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := loader.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		want     string
		severity Severity
		tags     []string
		plugins  []string
	}{
		{"Multi-line", "# First line\n# Second line\npackage x", "First line Second line", SeverityError, nil, nil},
		{"None", "package x\n", "", SeverityError, nil, nil},
		{"Skips severity", "# severity: warning\n# Real text\npackage x", "Real text", SeverityWarning, nil, nil},
		{"After package", "package x\n\n# Below the clause\nimport rego.v1\n\ndeny contains 1 if { false }", "Below the clause", SeverityError, nil, nil},
		{"Stops at first rule", "package x\n# Header\ndeny contains 1 if { false }\n# Trailing", "Header", SeverityError, nil, nil},
		{"Directives", "# plugins: apps, files\n# tags: net ,exec\n# Note: prose keeps colons\npackage x", "Note: prose keeps colons", SeverityError, []string{"net", "exec"}, []string{"apps", "files"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := parseHeader(tt.content)
			if err != nil {
				t.Fatalf("parseHeader failed: %v", err)
			}
			if h.description != tt.want {
				t.Errorf("Expected '%s', got '%s'", tt.want, h.description)
			}
			if h.severity != tt.severity {
				t.Errorf("Expected severity %s, got %s", tt.severity, h.severity)
			}
			if !slices.Equal(h.tags, tt.tags) {
				t.Errorf("Expected tags %v, got %v", tt.tags, h.tags)
			}
			if !slices.Equal(h.plugins, tt.plugins) {
				t.Errorf("Expected plugins %v, got %v", tt.plugins, h.plugins)
			}
		})
	}
}
