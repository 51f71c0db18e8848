// Package cliagent shells out to external agent binaries and recovers
// clean responses from their semi-structured output.
package cliagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

const stderrExcerptLimit = 500

// ErrorKind classifies how an invocation failed.
type ErrorKind string

const (
	// KindTimeout: the process exceeded its wall-clock budget and was
	// killed. The session handle is preserved for a later retry.
	KindTimeout ErrorKind = "timeout"
	// KindProcess: the process exited nonzero.
	KindProcess ErrorKind = "process_error"
)

// InvocationError is the terminal failure of one invocation.
type InvocationError struct {
	Kind   ErrorKind
	Stderr string
	Err    error
}

func (e *InvocationError) Error() string {
	if e.Kind == KindTimeout {
		return fmt.Sprintf("invocation timed out: %v", e.Err)
	}
	if e.Stderr != "" {
		return fmt.Sprintf("invocation failed: %s", e.Stderr)
	}
	return fmt.Sprintf("invocation failed: %v", e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Result is a successfully parsed invocation.
type Result struct {
	Text    string
	CostUSD float64
}

// Invoker runs one external binary with a hard wall-clock timeout.
type Invoker struct {
	bin     string
	timeout time.Duration
	env     []string
	logger  *slog.Logger
}

func NewInvoker(bin string, timeout time.Duration, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{bin: bin, timeout: timeout, logger: logger}
}

// WithEnv appends environment variables (KEY=VALUE) to the subprocess
// environment.
func (v *Invoker) WithEnv(env ...string) *Invoker {
	v.env = append(v.env, env...)
	return v
}

// AssistantArgs builds the argument list for the generic assistant CLI:
// JSON output against a named conversation handle, either resuming or
// sending a literal message.
func AssistantArgs(handle, message string, resume bool) []string {
	args := []string{"-p", "--output-format", "json", "--session-id", handle}
	if resume {
		args = append(args, "--resume")
	} else {
		args = append(args, message)
	}
	return args
}

// AgentArgs builds the argument list for a named-agent CLI call.
func AgentArgs(agent, message, sessionID string) []string {
	return []string{
		"agent",
		"--agent", agent,
		"--message", message,
		"--session-id", sessionID,
		"--json",
	}
}

// Invoke runs the binary with args. States are terminal and explicit:
// timeout and nonzero exit return an *InvocationError; anything else
// yields a parsed Result. Arguments are passed as a list, never a shell
// string.
func (v *Invoker) Invoke(ctx context.Context, args []string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, v.bin, args...)
	cmd.Env = append(os.Environ(), v.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		v.logger.Error("cli invocation timed out",
			slog.String("bin", v.bin),
			slog.Duration("timeout", v.timeout))
		return nil, &InvocationError{Kind: KindTimeout, Err: ctx.Err()}
	}

	if err != nil {
		excerpt := truncate(stderr.String(), stderrExcerptLimit)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			v.logger.Error("cli invocation failed",
				slog.String("bin", v.bin),
				slog.Int("exit_code", exitErr.ExitCode()),
				slog.String("stderr", excerpt))
		}
		return nil, &InvocationError{Kind: KindProcess, Stderr: excerpt, Err: err}
	}

	text, cost := Extract(stdout.String())
	v.logger.Info("cli invocation complete",
		slog.String("bin", v.bin),
		slog.Duration("duration", time.Since(start)),
		slog.Float64("cost_usd", cost))

	return &Result{Text: text, CostUSD: cost}, nil
}

// Available probes the binary with --version under a short timeout.
// Used by the health endpoint.
func (v *Invoker) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, v.bin, "--version").Run() == nil
}

func truncate(s string, n int) string {
	s = string(bytes.TrimSpace([]byte(s)))
	if len(s) <= n {
		return s
	}
	return s[:n]
}
