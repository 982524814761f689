package policy

import (
	"time"
)

// Names of the built-in policies. Every built-in policy ships disabled and
// is switched on with Engine.EnablePolicy.
const (
	PolicyInlineShell         = "inline-shell"
	PolicyPrivilegeEscalation = "privilege-escalation"
	PolicyDataCommandsOnly    = "data-commands-only"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		inlineShellPolicy(),
		privilegeEscalationPolicy(),
		dataCommandsOnlyPolicy(),
	}
}

// inlineShellPolicy blocks shells asked to run a script passed on the command line.
func inlineShellPolicy() Policy {
	return Policy{
		Name:        PolicyInlineShell,
		Description: "Blocks shells invoked with an inline script (sh -c, bash -lc, cmd /c, pwsh -Command)",
		Severity:    SeverityError,
		Builtin:     true,
		Tags:        []string{"shell", "exec"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package pluginhost.policies.shell

import rego.v1

shells := {"sh", "bash", "zsh", "dash", "ksh", "ash", "fish", "cmd", "cmd.exe", "powershell", "powershell.exe", "pwsh", "pwsh.exe"}

windows_flags := {"/c", "/C", "/k", "/K", "-Command", "-command", "-c", "-EncodedCommand", "-encodedcommand"}

program := base if {
	parts := regex.split("[/\\\\]", input.resolved)
	base := lower(parts[count(parts) - 1])
}

inline_flag(arg) if {
	windows_flags[arg]
}

# Combined short flags such as -lc or -ec
inline_flag(arg) if {
	regex.match("^-[A-Za-z]*c[A-Za-z]*$", arg)
}

deny contains violation if {
	shells[program]
	some arg in input.args
	inline_flag(arg)
	violation := {
		"message": sprintf("plugin %s may not run inline %s scripts", [input.plugin, program]),
		"severity": "error",
	}
}`,
	}
}

// privilegeEscalationPolicy blocks programs that change the effective user.
func privilegeEscalationPolicy() Policy {
	return Policy{
		Name:        PolicyPrivilegeEscalation,
		Description: "Blocks sudo, doas, su, pkexec and runas",
		Severity:    SeverityCritical,
		Builtin:     true,
		Tags:        []string{"privilege", "exec"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package pluginhost.policies.privilege

import rego.v1

escalators := {"sudo", "doas", "su", "pkexec", "runas", "runas.exe"}

deny contains violation if {
	parts := regex.split("[/\\\\]", input.resolved)
	program := lower(parts[count(parts) - 1])
	escalators[program]
	violation := {
		"message": sprintf("plugin %s may not run %s", [input.plugin, program]),
		"severity": "critical",
	}
}`,
	}
}

// dataCommandsOnlyPolicy confines plugins to programs in their data directory.
func dataCommandsOnlyPolicy() Policy {
	return Policy{
		Name:        PolicyDataCommandsOnly,
		Description: "Only allows commands under /data/",
		Severity:    SeverityError,
		Builtin:     true,
		Tags:        []string{"confinement", "exec"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package pluginhost.policies.confinement

import rego.v1

deny contains violation if {
	not input.data_command
	violation := {
		"message": sprintf("plugin %s may only run commands from its data directory, got %s", [input.plugin, input.command]),
		"severity": "error",
	}
}`,
	}
}
