package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"cdsextractor/internal/proc"
)

// DevKitPackage is the npm package npx fetches when no local cds exists.
const DevKitPackage = "@sap/cds-dk"

// CommandKind distinguishes a local executable from an npx invocation.
type CommandKind int

const (
	Local CommandKind = iota + 1
	OnDemand
)

// Command is how the cds compiler is invoked: either a local executable
// or an npx fetch of a package that provides it.
type Command struct {
	Kind CommandKind
	// Path is the executable for Local commands.
	Path string
	// Package is the npm package spec for OnDemand commands.
	Package string
	// NPX is the npx executable for OnDemand commands; defaults to "npx".
	NPX string
}

func LocalCommand(path string) Command { return Command{Kind: Local, Path: path} }

func OnDemandCommand(pkg string) Command { return Command{Kind: OnDemand, Package: pkg} }

func (c Command) IsZero() bool { return c.Kind == 0 }

// Argv returns the executable and arguments that run cds with args.
func (c Command) Argv(args ...string) (string, []string) {
	switch c.Kind {
	case OnDemand:
		npx := c.NPX
		if npx == "" {
			npx = "npx"
		}
		return npx, append([]string{"-y", "--package", c.Package, "cds"}, args...)
	default:
		return c.Path, append([]string(nil), args...)
	}
}

func (c Command) String() string {
	switch c.Kind {
	case Local:
		return c.Path
	case OnDemand:
		name, argv := c.Argv()
		return strings.Join(append([]string{name}, argv...), " ")
	}
	return "<none>"
}

// EnvironmentError means no usable cds command could be found.
type EnvironmentError struct {
	Tried []string
	Err   error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("compiler: no working cds command (tried %s): %v", strings.Join(e.Tried, ", "), e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

var semverPattern = regexp.MustCompile(`(\d+\.\d+\.\d+)`)

// probeEnv drops host variables that change how cds behaves when it
// detects it is running under the analysis runner.
func probeEnv() []string {
	return proc.Without(os.Environ(), "CODEQL_EXTRACTOR_CDS_WIP_DATABASE", "CODEQL_RUNNER")
}

func (o *Orchestrator) probe(ctx context.Context, c Command, cwd string) (string, error) {
	name, args := c.Argv("--version")
	res := o.runner.Run(ctx, proc.Cmd{Name: name, Args: args, Dir: cwd, Env: probeEnv(), Timeout: o.probeTimeout})
	if !res.OK() {
		return "", errors.New(res.Error())
	}
	return semverPattern.FindString(res.Stdout), nil
}

// DetermineCommand picks the cds command for this run: the explicit path
// when it is executable, else `cds` on PATH, else npx with @sap/cds-dk.
// The first answer, including failure, is memoized.
func (o *Orchestrator) DetermineCommand(ctx context.Context, explicitPath, cwd string) (Command, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.determined {
		return o.command, o.commandErr
	}
	o.command, o.commandErr = o.determine(ctx, explicitPath, cwd)
	o.determined = true
	return o.command, o.commandErr
}

func (o *Orchestrator) determine(ctx context.Context, explicitPath, cwd string) (Command, error) {
	var tried []string
	if explicitPath != "" {
		if proc.IsExecutable(explicitPath) {
			o.log.Info("using explicit cds command", "path", explicitPath)
			return LocalCommand(explicitPath), nil
		}
		o.log.Warn("explicit cds command is not executable, probing defaults", "path", explicitPath)
		tried = append(tried, explicitPath)
	}

	var lastErr error
	candidates := []Command{LocalCommand(o.cdsName), {Kind: OnDemand, Package: DevKitPackage, NPX: o.npx}}
	for _, c := range candidates {
		tried = append(tried, c.String())
		version, err := o.probe(ctx, c, cwd)
		if err != nil {
			o.log.Debug("cds command probe failed", "command", c.String(), "error", err)
			lastErr = err
			continue
		}
		o.log.Info("found working cds command", "command", c.String(), "version", version)
		return c, nil
	}
	return Command{}, &EnvironmentError{Tried: tried, Err: lastErr}
}

// CommandForCache prefers the cds binary installed in cacheDir and falls
// back to the run-wide command otherwise.
func CommandForCache(cacheDir string, fallback Command) Command {
	if cacheDir == "" {
		return fallback
	}
	bin := filepath.Join(cacheDir, "node_modules", ".bin", "cds")
	if proc.IsExecutable(bin) {
		return LocalCommand(bin)
	}
	return fallback
}

// Reset forgets the memoized command and versions.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.determined = false
	o.command, o.commandErr = Command{}, nil
	o.versions = map[string]string{}
}
