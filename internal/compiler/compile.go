// Package compiler locates the cds compiler and turns CDS sources into
// JSON artifacts next to them.
package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"cdsextractor/internal/logging"
	"cdsextractor/internal/parser"
	"cdsextractor/internal/proc"
)

const (
	defaultProbeTimeout = 5 * time.Second
	outputSuffix        = ".cds.json"
	// projectModel is the output of a project whose compile-set holds more
	// than one file, written into the project directory.
	projectModel = "model.cds.json"
)

type Options struct {
	Runner proc.Runner
	Log    *slog.Logger
	// ProbeTimeout bounds `--version` probes; defaults to 5s.
	ProbeTimeout time.Duration
	// CompileTimeout bounds each compile. Zero means no ceiling.
	CompileTimeout time.Duration
	// CdsName is the default local command probed; defaults to "cds".
	CdsName string
	// NPX is the npx executable for on-demand commands; defaults to "npx".
	NPX string
}

// Orchestrator owns the memoized command and per-cache version lookups
// for one run.
type Orchestrator struct {
	runner         proc.Runner
	log            *slog.Logger
	probeTimeout   time.Duration
	compileTimeout time.Duration
	cdsName        string
	npx            string

	mu         sync.Mutex
	determined bool
	command    Command
	commandErr error
	versions   map[string]string
	projects   map[string]Result
}

func New(opts Options) *Orchestrator {
	if opts.Runner == nil {
		opts.Runner = proc.ExecRunner{}
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.CdsName == "" {
		opts.CdsName = "cds"
	}
	if opts.NPX == "" {
		opts.NPX = "npx"
	}
	return &Orchestrator{
		runner:         opts.Runner,
		log:            logging.OrDiscard(opts.Log).With("component", "compiler"),
		probeTimeout:   opts.ProbeTimeout,
		compileTimeout: opts.CompileTimeout,
		cdsName:        opts.CdsName,
		npx:            opts.NPX,
		versions:       map[string]string{},
		projects:       map[string]Result{},
	}
}

// Request describes one file to compile.
type Request struct {
	// File is absolute or relative to SourceRoot.
	File       string
	SourceRoot string
	Command    Command
	// CacheDir, when set, puts the installed packages ahead of system ones.
	CacheDir   string
	Graph      *parser.Graph
	ProjectDir string
	// Attempt numbers the try of this file. Files of one compile-set share a
	// project compile per attempt.
	Attempt int
}

type Result struct {
	Success bool `json:"success"`
	// OutputPath is the absolute `<file>.json` path (file or directory).
	OutputPath string `json:"outputPath,omitempty"`
	// CompiledAsProject is set when the file is covered by its project's
	// compile-set rather than compiled alone.
	CompiledAsProject bool `json:"compiledAsProject"`
	// Invoked reports whether the compiler actually ran.
	Invoked bool   `json:"invoked"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

// CompileError is a failed compiler run or an unusable output.
type CompileError struct {
	File string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiler: %s: %v", e.File, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

func failed(file string, err error) Result {
	ce := &CompileError{File: file, Err: err}
	return Result{Message: ce.Error(), Err: ce}
}

// CompileFile compiles one CDS file. A file in its project's compile-set
// triggers one compiler run over the whole compile-set, shared by the other
// files of the set; files only reached through imports succeed without
// running the compiler; files outside any project compile alone.
func (o *Orchestrator) CompileFile(ctx context.Context, req Request) Result {
	abs := req.File
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(req.SourceRoot, abs)
	}
	if info, err := os.Stat(abs); err != nil || !info.Mode().IsRegular() {
		return failed(req.File, fmt.Errorf("expected CDS file %q does not exist", abs))
	}
	if req.Command.IsZero() {
		return failed(req.File, errors.New("no cds command available"))
	}
	rel, err := filepath.Rel(req.SourceRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return failed(req.File, fmt.Errorf("file is outside source root %q", req.SourceRoot))
	}
	rel = filepath.ToSlash(rel)

	if proj := projectFor(req.Graph, req.ProjectDir); proj != nil && proj.Owns(rel) {
		if !proj.InCompileSet(rel) {
			o.log.Debug("file is imported by other files, compiled as part of its project", "file", rel, "project", proj.Dir)
			return Result{
				Success:           true,
				OutputPath:        filepath.Join(req.SourceRoot, filepath.FromSlash(projectDest(proj))),
				CompiledAsProject: true,
				Message:           "file was compiled as part of a project-based compilation",
			}
		}
		return o.compileProject(ctx, req, proj)
	}

	version := o.Version(ctx, req.Command, req.CacheDir)
	o.log.Info("compiling individual CDS file", "file", rel, "cds", version)
	return o.invoke(ctx, req, req.File, []string{rel}, rel+".json")
}

// compileProject runs the compiler once per project and attempt over the
// project's compile-set. Paths are source-root relative with the source root
// as working directory, which is how the compiler resolves relative imports.
func (o *Orchestrator) compileProject(ctx context.Context, req Request, proj *parser.Project) Result {
	key := fmt.Sprintf("%s\x00%d\x00%s", proj.Dir, req.Attempt, req.CacheDir)
	o.mu.Lock()
	shared, ok := o.projects[key]
	o.mu.Unlock()
	if ok {
		shared.Invoked = false
		if shared.Success {
			shared.Message = "file was compiled as part of a project-based compilation"
		}
		return shared
	}

	dest := projectDest(proj)
	version := o.Version(ctx, req.Command, req.CacheDir)
	o.log.Info("compiling CDS project", "project", proj.Dir, "files", len(proj.CompileSet), "dest", dest, "cds", version)

	res := o.invoke(ctx, req, req.File, proj.CompileSet, dest)
	res.CompiledAsProject = true
	o.mu.Lock()
	o.projects[key] = res
	o.mu.Unlock()
	return res
}

// projectDest is where a project compile writes, relative to the source
// root: next to a lone compile-set file, else the project's model file.
func projectDest(proj *parser.Project) string {
	if len(proj.CompileSet) == 1 {
		return proj.CompileSet[0] + ".json"
	}
	return path.Join(proj.Dir, projectModel)
}

// invoke runs `compile <sources> --to json --dest <dest>` from the source
// root and checks what it wrote.
func (o *Orchestrator) invoke(ctx context.Context, req Request, file string, sources []string, dest string) Result {
	args := append([]string{"compile"}, sources...)
	args = append(args, "--to", "json", "--dest", dest, "--locations", "--log-level", "warn")
	name, argv := req.Command.Argv(args...)
	res := o.runner.Run(ctx, proc.Cmd{
		Name:    name,
		Args:    argv,
		Dir:     req.SourceRoot,
		Env:     cacheEnv(req.CacheDir),
		Timeout: o.compileTimeout,
	})
	if !res.OK() {
		return invokedFailure(file, fmt.Errorf("could not compile: %s", res.Error()))
	}

	out := filepath.Join(req.SourceRoot, filepath.FromSlash(dest))
	info, err := os.Stat(out)
	if err != nil {
		return invokedFailure(file, errors.New("cds compile produced no JSON output"))
	}
	if info.IsDir() {
		if err := renameJSONOutputs(out); err != nil {
			return invokedFailure(file, err)
		}
		o.log.Debug("compiler wrote output directory", "dest", out)
	}
	if err := ValidateOutput(out); err != nil {
		return invokedFailure(file, err)
	}
	return Result{Success: true, OutputPath: out, Invoked: true}
}

func invokedFailure(file string, err error) Result {
	r := failed(file, err)
	r.Invoked = true
	return r
}

func projectFor(g *parser.Graph, dir string) *parser.Project {
	if g == nil || dir == "" {
		return nil
	}
	return g.Projects[dir]
}

// cacheEnv makes the cache's node_modules win over global installs. It
// returns nil (inherit) without a cache dir.
func cacheEnv(cacheDir string) []string {
	if cacheDir == "" {
		return nil
	}
	nodeModules := filepath.Join(cacheDir, "node_modules")
	sep := string(os.PathListSeparator)
	return proc.Environ(map[string]string{
		"NODE_PATH":         nodeModules + sep + os.Getenv("NODE_PATH"),
		"PATH":              filepath.Join(nodeModules, ".bin") + sep + os.Getenv("PATH"),
		"npm_config_prefix": cacheDir,
	})
}

// renameJSONOutputs gives every .json file under dir the .cds.json suffix.
func renameJSONOutputs(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, outputSuffix) {
			return nil
		}
		target := strings.TrimSuffix(p, ".json") + outputSuffix
		if err := os.Rename(p, target); err != nil {
			return fmt.Errorf("rename %s: %w", p, err)
		}
		return nil
	})
}

// ValidateOutput checks that path holds a non-empty JSON object, or for a
// directory, that at least one .cds.json file inside does.
func ValidateOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output %s does not exist", path)
	}
	if !info.IsDir() {
		return validateJSONFile(path)
	}
	var valid int
	var firstErr error
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), outputSuffix) {
			return err
		}
		if verr := validateJSONFile(p); verr != nil {
			if firstErr == nil {
				firstErr = verr
			}
			return nil
		}
		valid++
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan output %s: %w", path, err)
	}
	if valid == 0 {
		if firstErr != nil {
			return firstErr
		}
		return fmt.Errorf("output directory %s contains no %s files", path, outputSuffix)
	}
	return nil
}

func validateJSONFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read output %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fmt.Errorf("output %s is empty", path)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return fmt.Errorf("output %s does not contain a JSON object", path)
	}
	return nil
}

var cdsVersionPattern = regexp.MustCompile(`@sap/cds[^0-9]*([0-9]+\.[0-9]+\.[0-9]+)`)

// Version asks the command for its version once per cache dir. Empty when
// the command cannot tell.
func (o *Orchestrator) Version(ctx context.Context, c Command, cacheDir string) string {
	key := cacheDir + "\x00" + c.String()
	o.mu.Lock()
	v, ok := o.versions[key]
	o.mu.Unlock()
	if ok {
		return v
	}

	name, args := c.Argv("--version")
	res := o.runner.Run(ctx, proc.Cmd{Name: name, Args: args, Env: cacheEnv(cacheDir), Timeout: o.probeTimeout})
	if res.OK() {
		out := strings.TrimSpace(res.Stdout)
		if m := cdsVersionPattern.FindStringSubmatch(out); m != nil {
			v = m[1]
		} else {
			v = out
		}
		o.log.Info("cds compiler version", "command", c.String(), "cache", filepath.Base(cacheDir), "version", v)
	}

	o.mu.Lock()
	o.versions[key] = v
	o.mu.Unlock()
	return v
}
