package host

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/openfroyo/pluginhost/pkg/telemetry"
)

// CommandPolicy decides whether a cli_run invocation may execute.
type CommandPolicy interface {
	AllowCommand(ctx context.Context, req CommandRequest) (CommandDecision, error)
}

// AuditSink records completed cli_run invocations.
type AuditSink interface {
	RecordInvocation(ctx context.Context, inv Invocation) error
}

// BridgeDeps carries the collaborators of a CommandBridge. Only Runner is
// required; a nil Runner uses ExecRunner.
type BridgeDeps struct {
	Runner  CommandRunner
	Policy  CommandPolicy
	Audit   AuditSink
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// CommandBridge executes external programs on behalf of one plugin.
type CommandBridge struct {
	cfg CliConfig

	runner  CommandRunner
	policy  CommandPolicy
	audit   AuditSink
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// NewCommandBridge creates a bridge bound to cfg. cfg is copied.
func NewCommandBridge(cfg CliConfig, deps BridgeDeps) *CommandBridge {
	runner := deps.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	logger := deps.Logger
	if logger == nil {
		logger = telemetry.Global()
	}

	return &CommandBridge{
		cfg:     cfg,
		runner:  runner,
		policy:  deps.Policy,
		audit:   deps.Audit,
		logger:  logger.NewComponentLogger("cli_run").WithPlugin(cfg.PluginName),
		metrics: deps.Metrics,
		events:  deps.Events,
	}
}

// Config returns the bridge's configuration.
func (b *CommandBridge) Config() CliConfig {
	return b.cfg
}

// DisabledMessage is the text returned to a plugin whose CLI capability is off.
func DisabledMessage(plugin string) string {
	return fmt.Sprintf("CLI capability is disabled for plugin %s", plugin)
}

// HostFunction exposes the bridge as the cli_run host function.
func (b *CommandBridge) HostFunction() HostFunction {
	return HostFunction{
		Name:   HostFunctionCLIRun,
		Params: 2,
		Fn: func(ctx context.Context, args ...string) (string, error) {
			if len(args) != 2 {
				return "", &Error{
					Kind:    KindInvalidArguments,
					Op:      HostFunctionCLIRun,
					Plugin:  b.cfg.PluginName,
					Message: fmt.Sprintf("expected 2 arguments, got %d", len(args)),
				}
			}
			return b.Run(ctx, args[0], args[1])
		},
	}
}

// Run executes command with the JSON array of string arguments in argsJSON
// and returns its standard output. A disabled bridge returns the disabled
// message without running anything.
func (b *CommandBridge) Run(ctx context.Context, command, argsJSON string) (string, error) {
	if !b.cfg.Enabled {
		b.metrics.RecordBridgeInvocation(b.cfg.PluginName, telemetry.OutcomeDisabled, 0)
		return DisabledMessage(b.cfg.PluginName), nil
	}

	args, err := parseArgs(argsJSON)
	if err != nil {
		b.metrics.RecordBridgeInvocation(b.cfg.PluginName, telemetry.OutcomeError, 0)
		return "", b.fail(KindInvalidArguments, "invalid arguments", err)
	}

	resolved, dataCommand, err := b.ResolveCommand(command)
	if err != nil {
		b.metrics.RecordBridgeInvocation(b.cfg.PluginName, telemetry.OutcomeError, 0)
		return "", err
	}

	inv := Invocation{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Plugin:    b.cfg.PluginName,
		Command:   command,
		Resolved:  resolved,
		Args:      args,
	}

	zl := b.logger.Zerolog()
	zl.Info().
		Time("timestamp", inv.Timestamp).
		Str("command", command).
		Strs("args", args).
		Msg("executing command")

	if b.policy != nil {
		decision, err := b.policy.AllowCommand(ctx, CommandRequest{
			Plugin:      b.cfg.PluginName,
			Command:     command,
			Resolved:    resolved,
			Args:        args,
			DataCommand: dataCommand,
		})
		if err != nil {
			return "", b.finish(ctx, inv, telemetry.OutcomePolicyError, b.fail(KindCommandDenied, "policy evaluation failed", err))
		}
		if !decision.Allowed {
			msg := "command denied by policy"
			if len(decision.Reasons) > 0 {
				msg = msg + ": " + strings.Join(decision.Reasons, "; ")
			}
			return "", b.finish(ctx, inv, telemetry.OutcomeDenied, b.fail(KindCommandDenied, msg, nil))
		}
	}

	start := time.Now()
	result, err := b.runner.Run(ctx, resolved, args)
	inv.Duration = time.Since(start)
	if err != nil {
		return "", b.finish(ctx, inv, telemetry.OutcomeError, b.fail(KindCommandFailed, fmt.Sprintf("failed to start %s", command), err))
	}

	if result.ExitCode != 0 {
		e := b.fail(KindCommandFailed, fmt.Sprintf("%s exited with status %d", command, result.ExitCode), nil)
		e.Stderr = string(result.Stderr)
		return "", b.finish(ctx, inv, telemetry.OutcomeError, e)
	}

	if !utf8.Valid(result.Stdout) {
		return "", b.finish(ctx, inv, telemetry.OutcomeError, b.fail(KindInvalidOutputEncoding, fmt.Sprintf("%s wrote non UTF-8 output", command), nil))
	}

	b.finish(ctx, inv, telemetry.OutcomeSuccess, nil)
	return string(result.Stdout), nil
}

// ResolveCommand maps command to the program to run. Commands under /data/
// resolve to an absolute path inside the plugin data directory and may not
// leave it; anything else is returned unchanged for PATH lookup.
func (b *CommandBridge) ResolveCommand(command string) (resolved string, dataCommand bool, err error) {
	rest, ok := strings.CutPrefix(command, DataPrefix)
	if !ok {
		return command, false, nil
	}

	if b.cfg.DataDir == "" {
		return "", true, b.fail(KindInvalidArguments, fmt.Sprintf("command %s needs a data directory", command), nil)
	}

	// A relative result would be looked up on PATH by the runner.
	base, absErr := filepath.Abs(b.cfg.DataDir)
	if absErr != nil {
		return "", true, b.fail(KindInvalidArguments, "failed to resolve the data directory", absErr)
	}
	resolved = filepath.Join(base, rest)

	rel, relErr := filepath.Rel(base, resolved)
	if relErr != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", true, b.fail(KindInvalidArguments, fmt.Sprintf("command %s escapes the data directory", command), relErr)
	}

	return resolved, true, nil
}

// parseArgs decodes a JSON array of strings. null and non-array values are rejected.
func parseArgs(argsJSON string) ([]string, error) {
	trimmed := strings.TrimSpace(argsJSON)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, fmt.Errorf("arguments must be a JSON array of strings")
	}

	var args []string
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON array of strings: %w", err)
	}
	if args == nil {
		args = []string{}
	}

	return args, nil
}

func (b *CommandBridge) fail(kind ErrorKind, message string, err error) *Error {
	return newError(kind, HostFunctionCLIRun, b.cfg.PluginName, message, err)
}

// finish records the outcome of an executed or rejected invocation and
// returns cause unchanged.
func (b *CommandBridge) finish(ctx context.Context, inv Invocation, outcome string, cause *Error) error {
	inv.Outcome = outcome
	if cause != nil {
		inv.Error = cause.Error()
	}

	b.metrics.RecordBridgeInvocation(inv.Plugin, outcome, inv.Duration)
	_ = b.events.PublishCommandExecuted(inv.Plugin, inv.Command, outcome)

	if b.audit != nil {
		if err := b.audit.RecordInvocation(ctx, inv); err != nil {
			b.logger.WithError(err).Warn("failed to record cli_run invocation")
		}
	}

	if cause == nil {
		return nil
	}
	return cause
}
