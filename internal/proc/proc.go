// Package proc runs external tools (npm, npx, cds, codeql) with a bounded
// lifetime, a pinned working directory and an explicit environment.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"
)

// Cmd describes one subprocess invocation.
type Cmd struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the current process directory.
	Dir string
	// Env replaces the inherited environment when non-nil.
	Env []string
	// Timeout bounds the call. Zero leaves only the parent context in charge.
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Cmd) String() string {
	parts := append([]string{c.Name}, c.Args...)
	return strings.Join(parts, " ")
}

// Result is the outcome of a finished (or failed to start) subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Err      error
}

// OK reports whether the process started and exited with status 0.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0 && !r.TimedOut
}

// Error renders a failure for logs and diagnostics; empty when OK.
func (r Result) Error() string {
	switch {
	case r.OK():
		return ""
	case r.TimedOut:
		return "timed out"
	case r.Err != nil && r.ExitCode == -1:
		return r.Err.Error()
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("exit status %d: %s", r.ExitCode, msg)
}

// Runner executes subprocesses. Tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Cmd) Result

func (f RunnerFunc) Run(ctx context.Context, cmd Cmd) Result { return f(ctx, cmd) }

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Cmd) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		res.Err = fmt.Errorf("proc: %s: %w", c.Name, ctx.Err())
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res
		}
		res.ExitCode = -1
		res.Err = fmt.Errorf("proc: %s: %w", c.Name, err)
	}
	return res
}

// Environ returns a copy of the process environment with overrides applied.
// Keys present in overrides replace inherited values.
func Environ(overrides map[string]string) []string {
	base := os.Environ()
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

// IsExecutable reports whether path names a regular file with an execute bit.
func IsExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// Without drops the named keys from env.
func Without(env []string, keys ...string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if slices.Contains(keys, k) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
