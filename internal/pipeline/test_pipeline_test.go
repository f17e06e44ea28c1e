package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdsextractor/internal/diagnostics"
	"cdsextractor/internal/installer"
	"cdsextractor/internal/parser"
	"cdsextractor/internal/proc"
	"cdsextractor/internal/versions"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

var registry = versions.StaticRegistry{
	versions.PackageCds:   {"7.0.0", "7.1.0", "7.1.2"},
	versions.PackageCdsDk: {"7.0.0", "7.0.3"},
}

// toolchain fakes npm and cds. compileFails decides per compile call
// whether it fails; nil means every compile succeeds.
func toolchain(compileFails func(file string, call int) bool) *proc.Fake {
	var compiles atomic.Int32
	return &proc.Fake{Handler: func(cmd proc.Cmd) proc.Result {
		switch {
		case cmd.Name == "npm" && slices.Contains(cmd.Args, "install"):
			for _, pkg := range []string{"@sap/cds", "@sap/cds-dk"} {
				_ = os.MkdirAll(filepath.Join(cmd.Dir, "node_modules", pkg), 0o755)
			}
			return proc.Result{}
		case slices.Contains(cmd.Args, "compile"):
			n := int(compiles.Add(1))
			i := slices.Index(cmd.Args, "compile")
			file := cmd.Args[i+1]
			if compileFails != nil && compileFails(file, n) {
				return proc.Result{ExitCode: 1, Stderr: "[ERROR] " + file + ": syntax error"}
			}
			dest := cmd.Args[slices.Index(cmd.Args, "--dest")+1]
			_ = os.WriteFile(filepath.Join(cmd.Dir, dest), []byte(`{"definitions":{}}`), 0o644)
			return proc.Result{}
		default:
			return proc.Result{Stdout: "@sap/cds: 7.1.2\n"}
		}
	}}
}

func compileCalls(f *proc.Fake) []proc.Cmd {
	var out []proc.Cmd
	for _, c := range f.Calls() {
		if slices.Contains(c.Args, "compile") {
			out = append(out, c)
		}
	}
	return out
}

func bookshop(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write(t, root, "package.json", `{"name":"bookshop","dependencies":{"@sap/cds":"^7.1.0"},"devDependencies":{"@sap/cds-dk":"^7.0.0"}}`)
	write(t, root, "db/schema.cds", "namespace my.bookshop;\nentity Books { key ID : Integer; }\n")
	write(t, root, "srv/service.cds", "using my.bookshop as my from '../db/schema';\nservice CatalogService { entity Books as projection on my.Books; }\n")
	return root
}

func run(t *testing.T, cfg Config, runner proc.Runner, mem *diagnostics.Memory) (*Summary, string) {
	t.Helper()
	var report bytes.Buffer
	c := New(cfg, Deps{Runner: runner, Registry: registry, Recorder: mem, Report: &report})
	sum := c.Run(context.Background())
	require.NotNil(t, sum)
	return sum, report.String()
}

func TestRun_SingleProject(t *testing.T) {
	root := bookshop(t)
	fake := toolchain(nil)
	mem := &diagnostics.Memory{}

	sum, report := run(t, Config{SourceRoot: root}, fake, mem)

	assert.Equal(t, StatusSuccess, sum.Status)
	assert.True(t, sum.OK())
	assert.Equal(t, PhaseCompleted, sum.Phase)
	assert.Equal(t, 1, sum.Projects)
	assert.Equal(t, 2, sum.CdsFiles)
	assert.Len(t, sum.Tasks, 2)
	assert.Equal(t, 2, sum.Successful)
	assert.Equal(t, 1, sum.JSONFiles)
	assert.Equal(t, 1, sum.CompiledAsProject)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, "cds", sum.Command)

	calls := compileCalls(fake)
	require.Len(t, calls, 1)
	assert.Equal(t, "srv/service.cds", calls[0].Args[1])
	assert.Equal(t, root, calls[0].Dir)
	assert.FileExists(t, filepath.Join(root, "srv", "service.cds.json"))

	require.Len(t, sum.Combinations, 1)
	assert.True(t, sum.Combinations[0].Installed)
	assert.Equal(t, 1, sum.ProjectsWithCache)
	assert.Empty(t, sum.ProjectsOnSystem)
	assert.Contains(t, calls[0].Env, "npm_config_prefix="+sum.Combinations[0].Dir)

	assert.Empty(t, mem.All())
	assert.Contains(t, report, "CDS EXTRACTOR STATUS REPORT")
	assert.Contains(t, report, "Status: SUCCESS")
	assert.Contains(t, report, "JSON Files Generated: 1")
}

func TestRun_NoProjects(t *testing.T) {
	root := t.TempDir()
	write(t, root, "README.md", "nothing here")
	fake := toolchain(nil)
	mem := &diagnostics.Memory{}

	sum, report := run(t, Config{SourceRoot: root}, fake, mem)

	assert.Equal(t, StatusNoProjects, sum.Status)
	assert.True(t, sum.OK())
	assert.Empty(t, sum.CriticalErrors)
	assert.Empty(t, fake.Calls())
	notes := mem.BySource(diagnostics.NoProjectsFound.ID)
	require.Len(t, notes, 1)
	assert.Equal(t, diagnostics.SeverityNote, notes[0].Severity)
	assert.Contains(t, report, "Status: NO PROJECTS")
}

func TestRun_MissingSourceRoot(t *testing.T) {
	mem := &diagnostics.Memory{}
	sum, report := run(t, Config{SourceRoot: filepath.Join(t.TempDir(), "gone")}, toolchain(nil), mem)

	assert.Equal(t, StatusFailed, sum.Status)
	require.Len(t, sum.CriticalErrors, 1)
	assert.Len(t, mem.BySource(diagnostics.DependencyGraphFailure.ID), 1)
	assert.Contains(t, report, "CRITICAL ERRORS:")
}

func TestRun_RetrySucceeds(t *testing.T) {
	root := bookshop(t)
	fake := toolchain(func(_ string, call int) bool { return call == 1 })
	mem := &diagnostics.Memory{}

	sum, report := run(t, Config{SourceRoot: root}, fake, mem)

	assert.Equal(t, StatusSuccess, sum.Status)
	assert.Equal(t, 1, sum.RetryAttempts)
	assert.Equal(t, 1, sum.TasksRetried)
	assert.Equal(t, 1, sum.RetriedOK)
	assert.Len(t, compileCalls(fake), 2)
	assert.Empty(t, mem.BySource(diagnostics.CompilationFailure.ID))
	assert.Contains(t, report, "RETRY SUMMARY:")
	assert.Equal(t, []string{"."}, sum.RetryInstalls)
}

func projectInstalls(f *proc.Fake, root string) []proc.Cmd {
	var out []proc.Cmd
	for _, c := range f.CallsTo("npm") {
		if c.Dir == root {
			out = append(out, c)
		}
	}
	return out
}

func TestRun_RetryUsesFullProjectDependencies(t *testing.T) {
	root := bookshop(t)
	base := toolchain(nil)
	fake := &proc.Fake{Handler: func(cmd proc.Cmd) proc.Result {
		if slices.Contains(cmd.Args, "compile") {
			if _, err := os.Stat(filepath.Join(root, "node_modules")); err != nil {
				return proc.Result{ExitCode: 1, Stderr: "[ERROR] Cannot find module '@cap-js/hana'"}
			}
		}
		return base.Run(context.Background(), cmd)
	}}

	sum, report := run(t, Config{SourceRoot: root}, fake, &diagnostics.Memory{})

	assert.Equal(t, StatusSuccess, sum.Status)
	assert.Equal(t, 1, sum.RetriedOK)
	assert.Equal(t, []string{"."}, sum.RetryInstalls)
	assert.Empty(t, sum.RetryInstallsFailed)

	installs := projectInstalls(fake, root)
	require.Len(t, installs, 1)
	assert.Equal(t, []string{"install", "--quiet", "--no-audit", "--no-fund"}, installs[0].Args)
	assert.Equal(t, installer.DefaultProjectTimeout, installs[0].Timeout)

	calls := compileCalls(fake)
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Env, "npm_config_prefix="+root)
	assert.Contains(t, calls[1].Env, "npm_config_prefix="+root)
	assert.Contains(t, report, "Projects With Full Dependencies: 1")
}

func TestRun_RetryAfterFailedProjectInstall(t *testing.T) {
	root := bookshop(t)
	base := toolchain(nil)
	fake := &proc.Fake{Handler: func(cmd proc.Cmd) proc.Result {
		switch {
		case cmd.Name == "npm" && cmd.Dir == root:
			return proc.Result{ExitCode: 1, Stderr: "ERESOLVE could not resolve"}
		case slices.Contains(cmd.Args, "compile"):
			return proc.Result{ExitCode: 1, Stderr: "[ERROR] srv/service.cds: syntax error"}
		}
		return base.Run(context.Background(), cmd)
	}}

	sum, report := run(t, Config{SourceRoot: root}, fake, &diagnostics.Memory{})

	assert.Equal(t, StatusFailed, sum.Status)
	assert.Equal(t, []string{"."}, sum.RetryInstallsFailed)
	assert.Len(t, projectInstalls(fake, root), 1)
	assert.Len(t, compileCalls(fake), 2)
	assert.Contains(t, report, "Full Dependency Installs Failed: 1")
}

func TestRun_PermanentFailure(t *testing.T) {
	root := bookshop(t)
	fake := toolchain(func(string, int) bool { return true })
	mem := &diagnostics.Memory{}

	sum, _ := run(t, Config{SourceRoot: root, MaxAttempts: 3}, fake, mem)

	assert.Equal(t, StatusFailed, sum.Status)
	assert.False(t, sum.OK())
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.RetryAttempts)
	assert.Len(t, compileCalls(fake), 3)

	diags := mem.BySource(diagnostics.CompilationFailure.ID)
	require.Len(t, diags, 1)
	assert.Equal(t, filepath.Join(root, "srv", "service.cds"), diags[0].FilePath)
	assert.Contains(t, diags[0].Message, "syntax error")
}

func TestRun_NoCompilerCommand(t *testing.T) {
	root := bookshop(t)
	fake := &proc.Fake{Handler: func(proc.Cmd) proc.Result {
		return proc.Result{ExitCode: 127, Stderr: "command not found"}
	}}
	mem := &diagnostics.Memory{}

	sum, _ := run(t, Config{SourceRoot: root, SkipInstall: true}, fake, mem)

	assert.Equal(t, StatusFailed, sum.Status)
	assert.Equal(t, 2, sum.Skipped)
	assert.Zero(t, sum.Successful)
	assert.Equal(t, []string{"."}, sum.ProjectsOnSystem)
	assert.Len(t, mem.BySource(diagnostics.EnvironmentSetupFailure.ID), 1)
}

func TestRun_InstallFailureFallsBackToSystemTools(t *testing.T) {
	root := bookshop(t)
	base := toolchain(nil)
	fake := &proc.Fake{Handler: func(cmd proc.Cmd) proc.Result {
		if cmd.Name == "npm" {
			return proc.Result{ExitCode: 1, Stderr: "network unreachable"}
		}
		return base.Run(context.Background(), cmd)
	}}

	sum, _ := run(t, Config{SourceRoot: root}, fake, &diagnostics.Memory{})

	assert.Equal(t, StatusSuccess, sum.Status)
	assert.Equal(t, []string{"."}, sum.ProjectsOnSystem)
	assert.NotEmpty(t, sum.Warnings)
	calls := compileCalls(fake)
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Env)
}

func TestRun_RecoversFromPanic(t *testing.T) {
	root := bookshop(t)
	fake := &proc.Fake{Handler: func(cmd proc.Cmd) proc.Result {
		if slices.Contains(cmd.Args, "compile") {
			panic("compiler exploded")
		}
		return toolchain(nil).Run(context.Background(), cmd)
	}}
	mem := &diagnostics.Memory{}

	var sum *Summary
	require.NotPanics(t, func() {
		sum, _ = run(t, Config{SourceRoot: root}, fake, mem)
	})
	assert.Equal(t, StatusFailed, sum.Status)
	require.Len(t, sum.CriticalErrors, 1)
	assert.Contains(t, sum.CriticalErrors[0], "compilation phase")
	assert.Len(t, mem.BySource(diagnostics.EnvironmentSetupFailure.ID), 1)
}

func TestRun_DebugParser(t *testing.T) {
	root := bookshop(t)
	fake := toolchain(nil)
	var debug bytes.Buffer
	c := New(Config{SourceRoot: root, Mode: ModeDebugParser}, Deps{Runner: fake, Registry: registry, Debug: &debug})

	sum := c.Run(context.Background())
	assert.Equal(t, StatusSuccess, sum.Status)
	assert.Empty(t, fake.Calls())
	assert.Contains(t, debug.String(), `"projectDir": "."`)
	assert.Contains(t, debug.String(), `"srv/service.cds"`)
}

func TestRun_IndexFilesCrossCheck(t *testing.T) {
	root := bookshop(t)
	resp := filepath.Join(t.TempDir(), "files.txt")
	require.NoError(t, os.WriteFile(resp, []byte(filepath.Join(root, "srv", "service.cds")+"\n"), 0o644))

	sum, _ := run(t, Config{SourceRoot: root, Mode: ModeIndexFiles, ResponseFile: resp}, toolchain(nil), &diagnostics.Memory{})

	assert.Equal(t, 1, sum.ResponseFileIssues)
	found := false
	for _, w := range sum.Warnings {
		found = found || strings.Contains(w, "db/schema.cds")
	}
	assert.True(t, found, sum.Warnings)
	assert.Equal(t, 2, sum.Successful)
}

func TestRun_ProjectStatuses(t *testing.T) {
	root := t.TempDir()
	write(t, root, "good/package.json", `{"dependencies":{"@sap/cds":"7.1.2"}}`)
	write(t, root, "good/srv/a.cds", "service A {}")
	write(t, root, "bad/package.json", `{"dependencies":{"@sap/cds":"7.1.2"}}`)
	write(t, root, "bad/srv/b.cds", "service B {")

	fake := toolchain(func(file string, _ int) bool { return strings.HasPrefix(file, "bad/") })

	sum, _ := run(t, Config{SourceRoot: root}, fake, &diagnostics.Memory{})
	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, map[string]parser.Status{"good": parser.StatusCompiled, "bad": parser.StatusFailed}, sum.ProjectStatus)
	// Both projects share one combination.
	require.Len(t, sum.Combinations, 1)
	assert.Equal(t, 2, sum.Combinations[0].Projects)
}

func TestRun_ReportsIgnoredSettings(t *testing.T) {
	root := bookshop(t)
	mem := &diagnostics.Memory{}
	cfg := Config{SourceRoot: root, SettingsProblems: []error{errors.New("config: parse .cds-extractor.toml: unclosed table key")}}

	sum, report := run(t, cfg, toolchain(nil), mem)

	assert.Equal(t, StatusSuccess, sum.Status)
	assert.Equal(t, 2, sum.Successful)
	diags := mem.BySource(diagnostics.EnvironmentSetupFailure.ID)
	require.Len(t, diags, 1)
	assert.Equal(t, diagnostics.SeverityWarning, diags[0].Severity)
	assert.Contains(t, diags[0].Message, "unclosed table key")
	assert.Contains(t, report, "ignored setting: config: parse .cds-extractor.toml")
}
