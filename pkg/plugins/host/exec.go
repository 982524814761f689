package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// CommandResult is the captured outcome of an external program.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// CommandRunner runs external programs for the command bridge. A non-nil
// error means the program could not be started; a program that ran and
// exited non-zero reports it through ExitCode.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string) (*CommandResult, error)
}

// ExecRunner runs programs with os/exec. The program's standard input is
// empty and its environment is inherited from the host process.
type ExecRunner struct {
	// Dir is the working directory. Empty uses the host's.
	Dir string
}

// Run executes name with args and captures both output streams.
func (r ExecRunner) Run(ctx context.Context, name string, args []string) (*CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	return result, nil
}
