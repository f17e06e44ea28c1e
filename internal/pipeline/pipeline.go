// Package pipeline drives a CDS extraction run: discovery, dependency
// installation, compilation with bounded retries and a final status report.
// A run never fails its caller; problems surface as diagnostics and in the
// report.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"cdsextractor/internal/compiler"
	"cdsextractor/internal/diagnostics"
	"cdsextractor/internal/installer"
	"cdsextractor/internal/logging"
	"cdsextractor/internal/parser"
	"cdsextractor/internal/proc"
	"cdsextractor/internal/versions"
)

type Mode string

const (
	ModeAutobuild   Mode = "autobuild"
	ModeIndexFiles  Mode = "index-files"
	ModeDebugParser Mode = "debug-parser"
)

type Config struct {
	SourceRoot string
	Mode       Mode
	// CdsCommand is an optional explicit cds executable.
	CdsCommand string
	// ResponseFile lists expected CDS files; only read in index-files mode.
	ResponseFile string
	MaxAttempts  int
	SkipInstall  bool
	NPM          string

	InstallTimeout time.Duration
	CompileTimeout time.Duration
	ProbeTimeout   time.Duration

	// SettingsProblems are settings the loader had to ignore. The run
	// reports them and goes ahead with the values in effect.
	SettingsProblems []error
}

// Deps are the collaborators of a run. Nil fields get working defaults.
type Deps struct {
	Runner   proc.Runner
	Registry versions.Registry
	Recorder diagnostics.Recorder
	Log      *slog.Logger
	// Report receives the status report; nil discards it.
	Report io.Writer
	// Debug receives the graph dump in debug-parser mode.
	Debug io.Writer
	Now   func() time.Time
}

// Controller owns the per-run caches and hands them to the components.
type Controller struct {
	cfg       Config
	log       *slog.Logger
	recorder  diagnostics.Recorder
	report    io.Writer
	debug     io.Writer
	now       func() time.Time
	resolver  *versions.Resolver
	installer *installer.Installer
	compiler  *compiler.Orchestrator
}

func New(cfg Config, deps Deps) *Controller {
	if cfg.Mode == "" {
		cfg.Mode = ModeAutobuild
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = compiler.DefaultMaxAttempts
	}
	log := logging.OrDiscard(deps.Log)
	if deps.Runner == nil {
		deps.Runner = proc.ExecRunner{}
	}
	if deps.Recorder == nil {
		deps.Recorder = diagnostics.Log{Logger: log}
	}
	if deps.Report == nil {
		deps.Report = io.Discard
	}
	if deps.Debug == nil {
		deps.Debug = io.Discard
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	resolver := versions.NewResolver(deps.Registry, log)
	return &Controller{
		cfg:      cfg,
		log:      log.With("component", "pipeline"),
		recorder: deps.Recorder,
		report:   deps.Report,
		debug:    deps.Debug,
		now:      deps.Now,
		resolver: resolver,
		installer: installer.New(installer.Options{
			Resolver: resolver,
			Runner:   deps.Runner,
			Recorder: deps.Recorder,
			Log:      log,
			NPM:      cfg.NPM,
			Timeout:  cfg.InstallTimeout,
		}),
		compiler: compiler.New(compiler.Options{
			Runner:         deps.Runner,
			Log:            log,
			ProbeTimeout:   cfg.ProbeTimeout,
			CompileTimeout: cfg.CompileTimeout,
		}),
	}
}

// Run executes every phase. It always returns a summary and never panics;
// Summary.OK is for bookkeeping only.
func (c *Controller) Run(ctx context.Context) (sum *Summary) {
	start := c.now()
	sum = newSummary(c.cfg.Mode, c.cfg.SourceRoot)
	c.log.Info("starting CDS extractor run", "mode", c.cfg.Mode, "sourceRoot", c.cfg.SourceRoot)

	defer func() {
		if r := recover(); r != nil {
			sum.critical("unexpected failure during %s phase: %v", sum.Phase, r)
			c.record(ctx, diagnostics.EnvironmentSetupFailure, diagnostics.SeverityError,
				fmt.Sprintf("CDS extractor stopped early during the %s phase: %v", sum.Phase, r), "")
		}
		c.finish(sum, start)
	}()

	for _, p := range c.cfg.SettingsProblems {
		c.log.Warn("ignoring unusable setting", "error", p)
		sum.warn("ignored setting: %v", p)
		c.record(ctx, diagnostics.EnvironmentSetupFailure, diagnostics.SeverityWarning,
			fmt.Sprintf("A CDS extractor setting could not be used and was ignored: %v", p), "")
	}

	g := c.discover(ctx, sum)
	if g == nil || sum.Status == StatusNoProjects || c.cfg.Mode == ModeDebugParser {
		return sum
	}

	mapping := c.install(ctx, sum, g)
	c.compile(ctx, sum, g, mapping)
	return sum
}

// phase runs fn and accounts its wall time to p.
func (c *Controller) phase(sum *Summary, p Phase, fn func()) {
	sum.Phase = p
	started := c.now()
	defer func() { sum.Durations[p] += c.now().Sub(started) }()
	fn()
}

func (c *Controller) discover(ctx context.Context, sum *Summary) (g *parser.Graph) {
	c.phase(sum, PhaseDiscovery, func() {
		p, graph, err := parser.BuildGraph(c.cfg.SourceRoot, c.log)
		if err != nil {
			sum.critical("failed to build CDS project dependency graph: %v", err)
			c.record(ctx, diagnostics.DependencyGraphFailure, diagnostics.SeverityError,
				fmt.Sprintf("Failed to build the CDS project dependency graph: %v", err), "")
			return
		}
		for _, pe := range graph.Problems {
			sum.warn("%v", pe)
		}
		sum.Projects = len(graph.Projects)
		sum.CdsFiles = len(graph.AllFiles())
		c.log.Info("discovered CDS projects", "projects", sum.Projects, "files", sum.CdsFiles)

		if c.cfg.Mode == ModeIndexFiles && c.cfg.ResponseFile != "" {
			c.crossCheck(p, graph, sum)
		}
		if c.cfg.Mode == ModeDebugParser {
			c.dumpGraph(graph, sum)
		}
		if graph.Empty() {
			sum.Status = StatusNoProjects
			c.log.Info("no CDS projects found, nothing to compile")
			c.record(ctx, diagnostics.NoProjectsFound, diagnostics.SeverityNote,
				fmt.Sprintf("No CDS projects were detected under %s.", c.cfg.SourceRoot), "")
		}
		g = graph
	})
	return g
}

func (c *Controller) crossCheck(p *parser.Parser, g *parser.Graph, sum *Summary) {
	warnings, err := p.CrossCheckResponseFile(c.cfg.ResponseFile, g)
	if err != nil {
		sum.warn("response file cross-check skipped: %v", err)
		return
	}
	sum.ResponseFileIssues = len(warnings)
	for _, w := range warnings {
		c.log.Warn(w)
		sum.warn("%s", w)
	}
}

func (c *Controller) dumpGraph(g *parser.Graph, sum *Summary) {
	data, err := g.DebugJSON()
	if err == nil {
		_, err = c.debug.Write(append(data, '\n'))
	}
	if err != nil {
		sum.warn("failed to write parser debug output: %v", err)
	}
}

func (c *Controller) install(ctx context.Context, sum *Summary, g *parser.Graph) map[string]string {
	mapping := map[string]string{}
	c.phase(sum, PhaseInstallation, func() {
		if c.cfg.SkipInstall {
			c.log.Info("dependency installation disabled, using system-installed tools")
		} else {
			mapping = c.installer.InstallDependencies(ctx, g, c.cfg.SourceRoot)
			sum.Combinations = c.installer.CacheEntries()
			for _, e := range sum.Combinations {
				if e.Err != nil {
					sum.warn("%v", e.Err)
				}
			}
		}
		sum.VersionCache = c.resolver.Stats()
		sum.ProjectsWithCache = len(mapping)
		for _, dir := range g.Dirs {
			if _, ok := mapping[dir]; !ok {
				sum.ProjectsOnSystem = append(sum.ProjectsOnSystem, dir)
			}
		}
		if n := len(sum.ProjectsOnSystem); n > 0 {
			c.log.Info("projects falling back to system-installed tools", "count", n)
		}
	})
	return mapping
}

func (c *Controller) compile(ctx context.Context, sum *Summary, g *parser.Graph, mapping map[string]string) {
	c.phase(sum, PhaseCompilation, func() {
		global, err := c.compiler.DetermineCommand(ctx, c.cfg.CdsCommand, c.cfg.SourceRoot)
		if err != nil {
			sum.critical("%v", err)
			c.record(ctx, diagnostics.EnvironmentSetupFailure, diagnostics.SeverityError,
				fmt.Sprintf("No usable cds compiler command was found: %v", err), "")
		} else {
			sum.Command = global.String()
		}

		queue := newQueue()
		for _, dir := range g.ProjectOrder() {
			proj := g.Projects[dir]
			proj.SetStatus(parser.StatusCompiling)
			for _, f := range proj.Files {
				task := compiler.NewTask(f, dir, c.cfg.MaxAttempts)
				sum.Tasks = append(sum.Tasks, task)
				queue.push(task)
			}
		}

		c.log.Info("compiling CDS files", "tasks", queue.len(), "maxAttempts", c.cfg.MaxAttempts)
		retryDirs := map[string]string{}
		for task := range queue.drain() {
			cacheDir := mapping[task.ProjectDir]
			cmd := compiler.CommandForCache(cacheDir, global)
			if dir, ok := retryDirs[task.ProjectDir]; ok && task.Attempts > 0 && dir != cacheDir {
				cacheDir = dir
				cmd = compiler.CommandForCache(dir, cmd)
			}
			if cmd.IsZero() {
				sum.Skipped++
				continue
			}
			if err := task.Start(); err != nil {
				sum.warn("%v", err)
				continue
			}
			res := c.compiler.CompileFile(ctx, compiler.Request{
				File:       task.File,
				SourceRoot: c.cfg.SourceRoot,
				Command:    cmd,
				CacheDir:   cacheDir,
				Graph:      g,
				ProjectDir: task.ProjectDir,
				Attempt:    task.Attempts,
			})
			_ = task.Finish(res)
			if task.CanRetry() {
				if _, done := retryDirs[task.ProjectDir]; !done {
					retryDirs[task.ProjectDir] = c.prepareRetry(ctx, sum, g.Projects[task.ProjectDir], cacheDir)
				}
				c.log.Info("retrying failed compilation", "file", task.File, "attempt", task.Attempts+1, "of", task.MaxAttempts, "error", task.LastError)
				if err := task.Requeue(); err == nil {
					sum.RetryAttempts++
					queue.push(task)
				}
			}
		}
		c.tally(ctx, sum, g)
	})
}

// prepareRetry installs the full declared dependencies of a project whose
// compile failed, once per run, and returns the cache dir its retries use.
// The retry goes ahead even when the install fails.
func (c *Controller) prepareRetry(ctx context.Context, sum *Summary, proj *parser.Project, cacheDir string) string {
	if proj == nil || proj.Manifest == nil || c.cfg.SkipInstall {
		return cacheDir
	}
	dir, err := c.installer.InstallProject(ctx, c.cfg.SourceRoot, proj)
	if err != nil {
		sum.RetryInstallsFailed = append(sum.RetryInstallsFailed, proj.Dir)
		sum.warn("dependency installation failed but retry compilation will still be attempted: %v", err)
		return cacheDir
	}
	sum.RetryInstalls = append(sum.RetryInstalls, proj.Dir)
	return dir
}

func (c *Controller) tally(ctx context.Context, sum *Summary, g *parser.Graph) {
	projectFailed := map[string]bool{}
	projectRan := map[string]bool{}
	for _, task := range sum.Tasks {
		if task.Attempts == 0 {
			continue
		}
		projectRan[task.ProjectDir] = true
		if task.Retried() {
			sum.TasksRetried++
		}
		switch task.State {
		case compiler.StateSuccess:
			sum.Successful++
			if task.Retried() {
				sum.RetriedOK++
			}
			if task.Result.Invoked {
				sum.JSONFiles++
			} else {
				sum.CompiledAsProject++
			}
		case compiler.StateFailed:
			sum.Failed++
			projectFailed[task.ProjectDir] = true
			c.log.Error("compilation failed", "file", task.File, "attempts", task.Attempts, "error", task.LastError)
			c.record(ctx, diagnostics.CompilationFailure, diagnostics.SeverityError, task.LastError,
				filepath.Join(c.cfg.SourceRoot, filepath.FromSlash(task.File)))
		}
	}
	sum.ProjectStatus = map[string]parser.Status{}
	for _, dir := range g.Dirs {
		proj := g.Projects[dir]
		switch {
		case projectFailed[dir]:
			proj.SetStatus(parser.StatusFailed)
		case projectRan[dir]:
			proj.SetStatus(parser.StatusCompiled)
		}
		sum.ProjectStatus[dir] = proj.Status
	}
	if sum.Failed > 0 {
		sum.Status = StatusFailed
	}
	if sum.Skipped > 0 {
		sum.warn("%d CDS file(s) skipped because no cds command was available", sum.Skipped)
	}
}

func (c *Controller) record(ctx context.Context, src diagnostics.Source, sev diagnostics.Severity, msg, file string) {
	err := c.recorder.Record(ctx, diagnostics.Diagnostic{Source: src, Severity: sev, Message: msg, FilePath: file})
	if err != nil {
		c.log.Error("failed to record diagnostic", "source", src.ID, "error", err)
	}
}

// finish writes the report; the completion message is always the last
// thing a run logs.
func (c *Controller) finish(sum *Summary, start time.Time) {
	sum.Phase = PhaseSummary
	sum.VersionCache = c.resolver.Stats()
	sum.Total = c.now().Sub(start)
	sum.Phase = PhaseCompleted
	if _, err := io.WriteString(c.report, Report(sum)); err != nil {
		c.log.Error("failed to write status report", "error", err)
	}
	c.log.Info("completed run of CDS extractor", "mode", c.cfg.Mode, "status", sum.Status)
}
