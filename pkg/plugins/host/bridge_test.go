package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/pluginhost/pkg/telemetry"
)

func newTestBridge(cfg CliConfig, runner CommandRunner, policy CommandPolicy, audit AuditSink) *CommandBridge {
	return NewCommandBridge(cfg, BridgeDeps{
		Runner: runner,
		Policy: policy,
		Audit:  audit,
		Logger: telemetry.Nop(),
	})
}

func TestBridgeDisabled(t *testing.T) {
	runner := &fakeRunner{}
	b := newTestBridge(CliConfig{Enabled: false, PluginName: "apps", DataDir: "/d"}, runner, nil, nil)

	for _, args := range []string{`["-l"]`, `not json`, `null`} {
		out, err := b.Run(context.Background(), "ls", args)
		if err != nil {
			t.Fatalf("Expected no error from disabled bridge, got %v", err)
		}
		if out != "CLI capability is disabled for plugin apps" {
			t.Errorf("Unexpected disabled message '%s'", out)
		}
	}

	if len(runner.calls) != 0 {
		t.Errorf("Expected no commands to run, got %v", runner.calls)
	}
}

func TestBridgeInvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"Not JSON", `ls -l`},
		{"Null", `null`},
		{"Object", `{"a": "b"}`},
		{"Numbers", `[1, 2]`},
		{"String", `"-l"`},
		{"Empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: "/d"}, runner, nil, nil)

			_, err := b.Run(context.Background(), "ls", tt.args)
			if !errors.Is(err, ErrInvalidArguments) {
				t.Fatalf("Expected ErrInvalidArguments, got %v", err)
			}
			if len(runner.calls) != 0 {
				t.Error("Expected no command to run")
			}
		})
	}
}

func TestBridgeResolveCommand(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "apps")
	b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: dataDir}, &fakeRunner{}, nil, nil)

	tests := []struct {
		name    string
		command string
		want    string
		data    bool
		wantErr bool
	}{
		{"Data command", "/data/bin/tool", filepath.Join(dataDir, "bin", "tool"), true, false},
		{"PATH command", "ls", "ls", false, false},
		{"Absolute path", "/usr/bin/ls", "/usr/bin/ls", false, false},
		{"Escape", "/data/../../etc/passwd", "", true, true},
		{"Data dir itself", "/data/", "", true, true},
		{"Parent", "/data/..", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, data, err := b.ResolveCommand(tt.command)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArguments) {
					t.Fatalf("Expected ErrInvalidArguments, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want || data != tt.data {
				t.Errorf("Expected (%s, %v), got (%s, %v)", tt.want, tt.data, got, data)
			}
		})
	}
}

func TestBridgeAuditLogLine(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "info", Format: "json"}, &buf)

	b := NewCommandBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: "/d"}, BridgeDeps{
		Runner: &fakeRunner{result: &CommandResult{Stdout: []byte("ok")}},
		Logger: logger,
	})

	if _, err := b.Run(context.Background(), "ls", `["-l"]`); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	type logLine struct {
		Message   string   `json:"message"`
		Command   string   `json:"command"`
		Args      []string `json:"args"`
		Plugin    string   `json:"plugin"`
		Component string   `json:"component"`
	}

	var line logLine
	found := false
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry logLine
		if err := json.Unmarshal(raw, &entry); err != nil {
			t.Fatalf("failed to decode log line %q: %v", raw, err)
		}
		if entry.Message == "executing command" {
			line = entry
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("Expected an executing command log line, got %s", buf.String())
	}
	if line.Command != "ls" || len(line.Args) != 1 || line.Args[0] != "-l" {
		t.Errorf("Unexpected command fields %+v", line)
	}
	if line.Plugin != "apps" || line.Component != "cli_run" {
		t.Errorf("Expected plugin apps and component cli_run, got %+v", line)
	}
}

func TestBridgeResolveCommandRelativeDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	tests := []struct {
		name    string
		dataDir string
		want    string
	}{
		{"Dot", ".", filepath.Join(cwd, "echo")},
		{"Relative", "plugins/apps", filepath.Join(cwd, "plugins", "apps", "echo")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: tt.dataDir}, &fakeRunner{}, nil, nil)

			got, data, err := b.ResolveCommand("/data/echo")
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !data || got != tt.want {
				t.Errorf("Expected (%s, true), got (%s, %v)", tt.want, got, data)
			}
			if !filepath.IsAbs(got) {
				t.Errorf("Expected absolute path, got %s", got)
			}
		})
	}

	t.Run("Empty", func(t *testing.T) {
		b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps"}, &fakeRunner{}, nil, nil)

		if _, _, err := b.ResolveCommand("/data/echo"); !errors.Is(err, ErrInvalidArguments) {
			t.Fatalf("Expected ErrInvalidArguments, got %v", err)
		}
	})

	t.Run("Never falls back to PATH", func(t *testing.T) {
		if _, err := exec.LookPath("echo"); err != nil {
			t.Skip("echo not available")
		}

		b := NewCommandBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: "."}, BridgeDeps{Logger: telemetry.Nop()})

		out, err := b.Run(context.Background(), "/data/echo", `["escaped"]`)
		if !errors.Is(err, ErrCommandFailed) {
			t.Fatalf("Expected ErrCommandFailed for missing data command, got out=%q err=%v", out, err)
		}
		if out != "" {
			t.Errorf("Expected no output, got %q", out)
		}
	})
}

func TestBridgeRun(t *testing.T) {
	dataDir := "/var/lib/apps"

	t.Run("Success", func(t *testing.T) {
		runner := &fakeRunner{result: &CommandResult{Stdout: []byte("hello\n")}}
		audit := &fakeAudit{}
		b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: dataDir}, runner, nil, audit)

		out, err := b.Run(context.Background(), "/data/hello", `["a", "b"]`)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if out != "hello\n" {
			t.Errorf("Expected stdout 'hello\\n', got '%s'", out)
		}

		if len(runner.calls) != 1 {
			t.Fatalf("Expected 1 command, got %d", len(runner.calls))
		}
		call := runner.calls[0]
		if call.name != filepath.Join(dataDir, "hello") {
			t.Errorf("Expected command under data dir, got %s", call.name)
		}
		if strings.Join(call.args, ",") != "a,b" {
			t.Errorf("Expected args [a b], got %v", call.args)
		}

		if len(audit.records) != 1 {
			t.Fatalf("Expected 1 audit record, got %d", len(audit.records))
		}
		rec := audit.records[0]
		if rec.ID == "" || rec.Plugin != "apps" || rec.Outcome != telemetry.OutcomeSuccess || rec.Resolved != call.name {
			t.Errorf("Unexpected audit record %+v", rec)
		}
	})

	t.Run("EmptyArgs", func(t *testing.T) {
		runner := &fakeRunner{}
		b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: dataDir}, runner, nil, nil)

		if _, err := b.Run(context.Background(), "true", `[]`); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if runner.calls[0].args == nil || len(runner.calls[0].args) != 0 {
			t.Errorf("Expected empty args, got %v", runner.calls[0].args)
		}
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		runner := &fakeRunner{result: &CommandResult{Stderr: []byte("boom"), ExitCode: 2}}
		audit := &fakeAudit{}
		b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: dataDir}, runner, nil, audit)

		_, err := b.Run(context.Background(), "false", `[]`)
		if !errors.Is(err, ErrCommandFailed) {
			t.Fatalf("Expected ErrCommandFailed, got %v", err)
		}

		var hostErr *Error
		if !errors.As(err, &hostErr) || hostErr.Stderr != "boom" {
			t.Errorf("Expected stderr 'boom' on error, got %v", err)
		}
		if len(audit.records) != 1 || audit.records[0].Outcome != telemetry.OutcomeError {
			t.Errorf("Expected failed invocation to be audited, got %+v", audit.records)
		}
	})

	t.Run("StartFailure", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("executable file not found")}
		b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: dataDir}, runner, nil, nil)

		if _, err := b.Run(context.Background(), "missing", `[]`); !errors.Is(err, ErrCommandFailed) {
			t.Errorf("Expected ErrCommandFailed, got %v", err)
		}
	})

	t.Run("InvalidUTF8", func(t *testing.T) {
		runner := &fakeRunner{result: &CommandResult{Stdout: []byte{0xff, 0xfe}}}
		b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: dataDir}, runner, nil, nil)

		if _, err := b.Run(context.Background(), "cat", `[]`); !errors.Is(err, ErrInvalidOutputEncoding) {
			t.Errorf("Expected ErrInvalidOutputEncoding, got %v", err)
		}
	})
}

func TestBridgePolicy(t *testing.T) {
	t.Run("Denied", func(t *testing.T) {
		runner := &fakeRunner{}
		policy := &fakePolicy{decision: CommandDecision{Allowed: false, Reasons: []string{"no shells"}}}
		audit := &fakeAudit{}
		b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: "/d"}, runner, policy, audit)

		_, err := b.Run(context.Background(), "sh", `["-c", "id"]`)
		if !errors.Is(err, ErrCommandDenied) {
			t.Fatalf("Expected ErrCommandDenied, got %v", err)
		}
		if !strings.Contains(err.Error(), "no shells") {
			t.Errorf("Expected denial reason in error, got %v", err)
		}
		if len(runner.calls) != 0 {
			t.Error("Expected denied command not to run")
		}
		if len(audit.records) != 1 || audit.records[0].Outcome != telemetry.OutcomeDenied {
			t.Errorf("Expected denied invocation to be audited, got %+v", audit.records)
		}
	})

	t.Run("Evaluation error", func(t *testing.T) {
		runner := &fakeRunner{}
		policy := &fakePolicy{err: errors.New("rego: undefined function")}
		audit := &fakeAudit{}
		b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: "/d"}, runner, policy, audit)

		_, err := b.Run(context.Background(), "ls", `[]`)
		if !errors.Is(err, ErrCommandDenied) {
			t.Fatalf("Expected ErrCommandDenied, got %v", err)
		}
		if !strings.Contains(err.Error(), "policy evaluation failed") {
			t.Errorf("Expected evaluation failure in error, got %v", err)
		}
		if len(runner.calls) != 0 {
			t.Error("Expected command not to run when the policy fails")
		}
		if len(audit.records) != 1 || audit.records[0].Outcome != telemetry.OutcomePolicyError {
			t.Errorf("Expected policy error outcome to be audited, got %+v", audit.records)
		}
	})

	t.Run("Allowed", func(t *testing.T) {
		runner := &fakeRunner{}
		policy := &fakePolicy{decision: CommandDecision{Allowed: true}}
		b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: "/d"}, runner, policy, nil)

		if _, err := b.Run(context.Background(), "/data/x", `["1"]`); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		req := policy.requests[0]
		if req.Plugin != "apps" || req.Command != "/data/x" || req.Resolved != filepath.Join("/d", "x") || !req.DataCommand {
			t.Errorf("Unexpected policy request %+v", req)
		}
	})
}

func TestBridgeHostFunction(t *testing.T) {
	runner := &fakeRunner{result: &CommandResult{Stdout: []byte("ok")}}
	b := newTestBridge(CliConfig{Enabled: true, PluginName: "apps", DataDir: "/d"}, runner, nil, nil)

	fn := b.HostFunction()
	if fn.Name != HostFunctionCLIRun || fn.Params != 2 {
		t.Fatalf("Unexpected host function %s/%d", fn.Name, fn.Params)
	}

	out, err := fn.Fn(context.Background(), "echo", `["ok"]`)
	if err != nil || out != "ok" {
		t.Errorf("Expected 'ok', got '%s' (%v)", out, err)
	}

	if _, err := fn.Fn(context.Background(), "echo"); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Expected ErrInvalidArguments for missing argument, got %v", err)
	}
}

func TestExecRunner(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	r := ExecRunner{}

	t.Run("Stdout", func(t *testing.T) {
		res, err := r.Run(context.Background(), sh, []string{"-c", "printf hello"})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if string(res.Stdout) != "hello" || res.ExitCode != 0 {
			t.Errorf("Unexpected result %+v", res)
		}
	})

	t.Run("ExitCode", func(t *testing.T) {
		res, err := r.Run(context.Background(), sh, []string{"-c", "printf err >&2; exit 3"})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if res.ExitCode != 3 || string(res.Stderr) != "err" {
			t.Errorf("Unexpected result %+v", res)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := r.Run(context.Background(), "definitely-not-a-real-binary-xyz", nil); err == nil {
			t.Error("Expected start failure")
		}
	})
}
