package policy

import (
	"slices"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for violations that are reported but do not block the command.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the command.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block the command and should be investigated.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a command.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Plugins limits the policy to commands from the named plugins. Empty
	// means every plugin.
	Plugins []string `json:"plugins,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// AppliesTo reports whether the policy covers commands from plugin.
func (p *Policy) AppliesTo(plugin string) bool {
	return len(p.Plugins) == 0 || slices.Contains(p.Plugins, plugin)
}

// CommandInput is the document policies evaluate as input.
type CommandInput struct {
	// Plugin is the name of the plugin requesting the command.
	Plugin string `json:"plugin"`

	// Command is the command as requested by the plugin.
	Command string `json:"command"`

	// Resolved is the program that would run.
	Resolved string `json:"resolved"`

	// Args are the program arguments.
	Args []string `json:"args"`

	// DataCommand is true when the command lives in the plugin data directory.
	DataCommand bool `json:"data_command"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Plugin is the plugin whose command violated the policy.
	Plugin string `json:"plugin,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Decision is the result of evaluating every enabled policy against one command.
type Decision struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block the command.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Messages returns the messages of the blocking violations.
func (d *Decision) Messages() []string {
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.Message)
	}
	return out
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
