package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pluginhost/pkg/plugins/host"
)

// defaultPackage is queried when a module has no package clause.
const defaultPackage = "pluginhost.policies"

// Engine evaluates command policies written in Rego.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	builtinPolicies []Policy
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies compiled
// and disabled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           inmem.New(),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Check evaluates every enabled policy against a command.
func (e *Engine) Check(ctx context.Context, input CommandInput) (*Decision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if input.Args == nil {
		input.Args = []string{}
	}

	decision := &Decision{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled || !cp.policy.AppliesTo(input.Plugin) {
			continue
		}

		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("plugin", input.Plugin).
				Msg("Policy evaluation failed")
			decision.Errors = append(decision.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Allowed = len(decision.Violations) == 0
	decision.EvaluatedAt = time.Now()
	decision.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("plugin", input.Plugin).
		Str("command", input.Command).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Command policy evaluation completed")

	return decision, nil
}

// AllowCommand adapts Check to the command bridge.
func (e *Engine) AllowCommand(ctx context.Context, req host.CommandRequest) (host.CommandDecision, error) {
	decision, err := e.Check(ctx, CommandInput{
		Plugin:      req.Plugin,
		Command:     req.Command,
		Resolved:    req.Resolved,
		Args:        req.Args,
		DataCommand: req.DataCommand,
	})
	if err != nil {
		return host.CommandDecision{}, err
	}

	return host.CommandDecision{
		Allowed: decision.Allowed,
		Reasons: decision.Messages(),
	}, nil
}

// LoadPolicies loads and compiles policy files or directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	return e.AddPolicies(ctx, policies)
}

// LoadBundle loads and compiles every policy in a bundle file.
func (e *Engine) LoadBundle(ctx context.Context, path string) error {
	loader := NewLoader(e.logger)
	bundle, err := loader.LoadBundle(ctx, path)
	if err != nil {
		return err
	}

	return e.AddPolicies(ctx, bundle.Policies)
}

// AddPolicies compiles and stores policies, replacing any with the same name.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplaceLoaded drops every non built-in policy and compiles policies in
// their place. Built-in policies keep their enabled state.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledPolicy, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Builtin {
			next[name] = cp
		}
	}

	previous := e.policies
	e.policies = next

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies replaced")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input CommandInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, e.createViolation(cp.policy, d, input))
			}
		}
	}

	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(rego string) string {
	lines := strings.Split(rego, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return defaultPackage
}

// createViolation creates a Violation from a deny set member.
func (e *Engine) createViolation(policy *Policy, result interface{}, input CommandInput) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Plugin:     input.Plugin,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold e.mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.compileAndStorePolicy(ctx, &e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = true
	e.logger.Info().Str("policy", name).Msg("Policy enabled")

	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}
