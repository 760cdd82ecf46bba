// Package runner executes external commands for the maintenance cycle.
//
// Every stage that shells out (tests, lint, deploy, git, patch application)
// goes through a Runner so the orchestrator can be exercised with a fake in
// tests. A timeout is not an error: it is reported as exit code 124, the same
// way coreutils timeout(1) does, and callers treat it like any other failure.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	// ExitTimeout is reported when a command exceeds its timeout.
	ExitTimeout = 124
	// ExitNotStarted is reported when the binary could not be started.
	ExitNotStarted = 127

	// DefaultValidationTimeout bounds test and lint commands.
	DefaultValidationTimeout = time.Hour
	// DefaultDeployTimeout bounds the deploy command.
	DefaultDeployTimeout = 30 * time.Minute
	// DefaultGitTimeout bounds version control primitives.
	DefaultGitTimeout = 5 * time.Minute
)

// Command describes a single process invocation.
type Command struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Result is the outcome of running a Command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Success reports whether the command exited with status zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Tail returns the last n lines of stderr, falling back to stdout.
func (r *Result) Tail(n int) string {
	out := strings.TrimSpace(r.Stderr)
	if out == "" {
		out = strings.TrimSpace(r.Stdout)
	}
	lines := strings.Split(out, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Runner runs commands and captures their output.
type Runner interface {
	Run(ctx context.Context, cmd Command) *Result
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	// Env, when non-nil, replaces the child environment.
	Env []string
}

// NewExecRunner creates a runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes cmd and always returns a Result.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) *Result {
	if len(cmd.Argv) == 0 {
		return &Result{ExitCode: ExitNotStarted, Stderr: "empty command"}
	}

	execCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(execCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if r.Env != nil {
		c.Env = r.Env
	}
	startGroup(c)
	// Make sure a killed child does not keep the pipes open forever.
	c.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = ExitTimeout
		res.TimedOut = true
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// killed by a signal
			res.ExitCode = 1
		}
	default:
		res.ExitCode = ExitNotStarted
		res.Stderr = fmt.Sprintf("%s%v", res.Stderr, err)
	}

	return res
}
