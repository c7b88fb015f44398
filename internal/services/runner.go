// Package services starts, stops and inspects host services.
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// nsenterPrefix runs a command inside the namespaces of the host's PID 1.
//
//nolint:gochecknoglobals // fixed argv prefix
var nsenterPrefix = []string{"nsenter", "-t", "1", "-m", "-p", "-i", "-u", "-n", "--"}

// Result is the outcome of a finished command. A non-zero exit code is not an
// error; Run only fails when the command could not be run at all.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Message returns the most useful output for an error report.
func (r Result) Message() string {
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		return msg
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner runs host commands.
type Runner interface {
	Run(ctx context.Context, argv ...string) (Result, error)
}

// HostRunner runs commands with os/exec, optionally through nsenter so that a
// containerized process can reach the host's service managers.
type HostRunner struct {
	nsenter bool
	logger  zerolog.Logger
}

// RunnerOption is a functional option for configuring a HostRunner.
type RunnerOption func(*HostRunner)

// WithNsenter prefixes every command with nsenter into PID 1's namespaces.
func WithNsenter(enabled bool) RunnerOption {
	return func(r *HostRunner) {
		r.nsenter = enabled
	}
}

// WithRunnerLogger sets the logger for the runner.
func WithRunnerLogger(logger zerolog.Logger) RunnerOption {
	return func(r *HostRunner) {
		r.logger = logger
	}
}

// NewHostRunner creates a HostRunner.
func NewHostRunner(opts ...RunnerOption) *HostRunner {
	r := &HostRunner{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Argv returns the full command line that Run would execute.
func (r *HostRunner) Argv(argv ...string) []string {
	if !r.nsenter {
		return argv
	}
	full := make([]string, 0, len(nsenterPrefix)+len(argv))
	full = append(full, nsenterPrefix...)
	return append(full, argv...)
}

// Run implements Runner.
func (r *HostRunner) Run(ctx context.Context, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}

	full := r.Argv(argv...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, full[0], full[1:]...) //nolint:gosec // argv comes from validated config
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("run %s: %w", full[0], err)
	}

	r.logger.Debug().
		Strs("argv", full).
		Int("exit_code", res.ExitCode).
		Msg("host command finished")

	return res, nil
}
