// Package actions wraps the external tools a build shells out to. Each action
// either succeeds, leaving its outputs where the request said, or fails with
// a *ProcessError carrying the tool's combined output.
package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"rbpack-tools/go/pkg/logbowl"
)

// Command is one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the current environment.
	Env []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// ProcessError is a failed invocation.
type ProcessError struct {
	Command  string
	ExitCode int
	Output   []byte
	Err      error
}

func (e *ProcessError) Error() string {
	tail := strings.TrimSpace(lastLines(e.Output, 20))
	if tail == "" {
		return fmt.Sprintf("%s: exit status %d: %v", e.Command, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s: exit status %d\n%s", e.Command, e.ExitCode, tail)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

func lastLines(out []byte, n int) string {
	lines := bytes.Split(bytes.TrimRight(out, "\n"), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n")))
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	Log logbowl.Logger
}

// Run executes cmd and returns its combined output.
func (r ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	r.Log.Debug("exec", "run", "progress", "Running command", "cmd", cmd.String(), "dir", cmd.Dir)

	out, err := c.CombinedOutput()
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		r.Log.Error("exec", "run", "failure", "Command failed", "cmd", cmd.String(), "exit_code", code)
		return out, &ProcessError{Command: cmd.String(), ExitCode: code, Output: out, Err: err}
	}
	return out, nil
}
