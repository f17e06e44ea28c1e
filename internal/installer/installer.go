// Package installer installs the resolved @sap/cds and @sap/cds-dk versions
// of every project into content-addressed cache directories.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"cdsextractor/internal/diagnostics"
	"cdsextractor/internal/logging"
	"cdsextractor/internal/parser"
	"cdsextractor/internal/proc"
	"cdsextractor/internal/versions"
)

// DefaultProjectTimeout bounds a full install in a project directory.
const DefaultProjectTimeout = 2 * time.Minute

var (
	errPackagesMissing = errors.New("installed packages not found after npm install")
	errNoManifest      = errors.New("project has no package.json")
)

type Options struct {
	Resolver *versions.Resolver
	Runner   proc.Runner
	// Recorder receives fallback warnings. Nil disables them.
	Recorder diagnostics.Recorder
	Log      *slog.Logger
	// NPM is the npm executable; defaults to "npm".
	NPM string
	// Timeout bounds each npm install. Zero means no ceiling.
	Timeout time.Duration
	// ProjectTimeout bounds InstallProject; defaults to two minutes.
	ProjectTimeout time.Duration
}

type Installer struct {
	resolver *versions.Resolver
	runner   proc.Runner
	recorder diagnostics.Recorder
	log      *slog.Logger
	npm      string
	timeout  time.Duration

	projectTimeout time.Duration

	entries []CacheEntry
}

func New(opts Options) *Installer {
	if opts.NPM == "" {
		opts.NPM = "npm"
	}
	if opts.Runner == nil {
		opts.Runner = proc.ExecRunner{}
	}
	if opts.ProjectTimeout <= 0 {
		opts.ProjectTimeout = DefaultProjectTimeout
	}
	if opts.Resolver == nil {
		opts.Resolver = versions.NewResolver(nil, opts.Log)
	}
	return &Installer{
		resolver: opts.Resolver,
		runner:   opts.Runner,
		recorder: opts.Recorder,
		log:      logging.OrDiscard(opts.Log).With("component", "installer"),
		npm:      opts.NPM,
		timeout:  opts.Timeout,

		projectTimeout: opts.ProjectTimeout,
	}
}

// Requested returns the raw version specs a manifest asks for. A missing
// @sap/cds means latest; a missing @sap/cds-dk follows @sap/cds.
func Requested(m *parser.PackageJSON) (cds, dk string) {
	cds = m.CdsVersion()
	if cds == "" {
		cds = versions.Latest
	}
	dk = m.CdsDkVersion()
	if dk == "" {
		dk = cds
	}
	return cds, dk
}

// Hash is the content address of a resolved pair.
func Hash(cds, dk string) string {
	sum := sha256.Sum256([]byte(cds + "|" + dk))
	return hex.EncodeToString(sum[:])
}

// ExtractUniqueCombinations resolves every project manifest and groups
// projects by resolved pair, in project order.
func (i *Installer) ExtractUniqueCombinations(ctx context.Context, g *parser.Graph) []Combination {
	if g.Empty() {
		return nil
	}
	var out []Combination
	byHash := map[string]int{}
	for _, dir := range g.Dirs {
		proj := g.Projects[dir]
		if proj == nil || proj.Manifest == nil {
			continue
		}
		cds, dk := Requested(proj.Manifest)
		i.log.Info("resolving dependency versions", "project", dir, "cds", cds, "cdsDk", dk)
		res := i.resolver.ResolveVersions(ctx, cds, dk)
		switch {
		case res.CdsExact && res.DkExact:
			i.log.Info("resolved to exact versions", "cds", res.Cds, "cdsDk", res.Dk)
		case !res.IsFallback:
			i.log.Info("resolved to compatible versions", "cds", res.Cds, "cdsDk", res.Dk)
		default:
			i.log.Warn("resolved to fallback versions", "cds", res.Cds, "cdsDk", res.Dk, "warning", res.Warning)
		}

		hash := Hash(res.Cds, res.Dk)
		if idx, ok := byHash[hash]; ok {
			out[idx].Projects = append(out[idx].Projects, dir)
			continue
		}
		manifest := proj.ManifestPath
		if manifest == "" {
			manifest = path.Join(dir, "package.json")
		}
		byHash[hash] = len(out)
		out = append(out, Combination{
			Hash:         hash,
			Resolution:   res,
			Projects:     []string{dir},
			ManifestPath: manifest,
		})
	}
	return out
}

// InstallDependencies installs every unique combination and returns the
// project dir -> cache dir mapping. Projects without a manifest, or whose
// combination failed, are absent from the map and fall back to system tools.
func (i *Installer) InstallDependencies(ctx context.Context, g *parser.Graph, sourceRoot string) map[string]string {
	i.entries = nil
	mapping := map[string]string{}
	if g.Empty() {
		i.log.Info("no CDS projects found for dependency installation")
		return mapping
	}

	combos := i.ExtractUniqueCombinations(ctx, g)
	if len(combos) == 0 {
		i.log.Error("no CDS dependencies found in any project; compilation will use system-installed tools")
		return mapping
	}
	i.log.Info("unique dependency combinations", "count", len(combos))
	for _, c := range combos {
		i.log.Info("dependency combination", "hash", c.ShortHash(), "cds", c.Resolution.Cds, "cdsDk", c.Resolution.Dk, "fallback", c.Resolution.IsFallback)
	}

	root := filepath.Join(sourceRoot, CacheDirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		i.log.Warn("failed to create cache directory, skipping dependency installation", "dir", root, "error", err)
		return mapping
	}

	installed := 0
	for _, c := range combos {
		entry := i.installOne(ctx, root, sourceRoot, c)
		i.entries = append(i.entries, entry)
		if entry.Err != nil {
			i.log.Warn("skipping failed dependency combination", "hash", c.ShortHash(), "error", entry.Err)
			continue
		}
		installed++
		for _, dir := range c.Projects {
			mapping[dir] = entry.Dir
		}
	}

	switch {
	case installed == 0:
		i.log.Error("all dependency combinations failed to install", "combinations", len(combos))
	case installed < len(combos):
		i.log.Warn("some dependency combinations failed to install", "installed", installed, "combinations", len(combos))
	default:
		i.log.Info("all dependency combinations installed")
	}
	for dir, cache := range mapping {
		i.log.Debug("project cache mapping", "project", dir, "cache", filepath.Base(cache))
	}
	return mapping
}

// CacheEntries reports the outcome per combination of the last install.
func (i *Installer) CacheEntries() []CacheEntry {
	return append([]CacheEntry(nil), i.entries...)
}

// InstallProject installs every dependency the project declares into its
// own node_modules and returns the absolute project directory. Compiles
// that failed against the cached @sap/cds pair alone retry against it.
func (i *Installer) InstallProject(ctx context.Context, sourceRoot string, proj *parser.Project) (string, error) {
	dir := filepath.Join(sourceRoot, filepath.FromSlash(proj.Dir))
	if proj.Manifest == nil {
		return dir, &ProjectInstallError{Project: proj.Dir, Err: errNoManifest}
	}
	i.log.Info("installing full dependencies for project", "project", proj.Dir)
	out := i.runner.Run(ctx, proc.Cmd{
		Name:    i.npm,
		Args:    []string{"install", "--quiet", "--no-audit", "--no-fund"},
		Dir:     dir,
		Timeout: i.projectTimeout,
	})
	if !out.OK() {
		return dir, &ProjectInstallError{Project: proj.Dir, Err: errors.New(out.Error())}
	}
	i.log.Info("installed full dependencies for project", "project", proj.Dir)
	return dir, nil
}

type cacheManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Private      bool              `json:"private"`
	Dependencies map[string]string `json:"dependencies"`
}

func (i *Installer) installOne(ctx context.Context, root, sourceRoot string, c Combination) CacheEntry {
	res := c.Resolution
	dir := filepath.Join(root, c.DirName())
	entry := CacheEntry{
		Hash:     c.Hash,
		Dir:      dir,
		Cds:      res.Cds,
		Dk:       res.Dk,
		Fallback: res.IsFallback,
		Projects: len(c.Projects),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		entry.Err = &InstallError{Hash: c.Hash, Op: "create cache directory", Err: err}
		return entry
	}
	if err := writeManifest(dir, c); err != nil {
		entry.Err = &InstallError{Hash: c.Hash, Op: "write package.json", Err: err}
		return entry
	}

	if packagesPresent(dir) {
		i.log.Info("using cached dependencies", "cds", res.Cds, "cdsDk", res.Dk, "cache", c.DirName())
		entry.Reused = true
	} else {
		if res.IsFallback && res.Warning != "" {
			i.log.Warn(res.Warning)
		}
		i.log.Info("installing dependencies", "cds", res.Cds, "cdsDk", res.Dk, "cache", c.DirName())
		out := i.runner.Run(ctx, proc.Cmd{
			Name:    i.npm,
			Args:    []string{"install", "--quiet", "--no-audit", "--no-fund"},
			Dir:     dir,
			Timeout: i.timeout,
		})
		if !out.OK() {
			entry.Err = &InstallError{Hash: c.Hash, Op: "npm install", Err: errors.New(out.Error())}
			return entry
		}
		if !packagesPresent(dir) {
			entry.Err = &InstallError{Hash: c.Hash, Op: "verify install", Err: errPackagesMissing}
			return entry
		}
	}
	entry.Installed = true

	if res.IsFallback && res.Warning != "" && i.recorder != nil {
		err := i.recorder.Record(ctx, diagnostics.Diagnostic{
			Source:   diagnostics.DependencyVersionFallback,
			Severity: diagnostics.SeverityWarning,
			Message:  res.Warning,
			FilePath: filepath.Join(sourceRoot, filepath.FromSlash(c.ManifestPath)),
		})
		if err != nil {
			i.log.Error("failed to record fallback diagnostic", "manifest", c.ManifestPath, "error", err)
		} else {
			entry.WarningEmitted = true
		}
	}
	return entry
}

// writeManifest keeps an existing package.json; the directory name already
// pins its content.
func writeManifest(dir string, c Combination) error {
	p := filepath.Join(dir, "package.json")
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	m := cacheManifest{
		Name:    "cds-extractor-cache-" + c.Hash,
		Version: "1.0.0",
		Private: true,
		Dependencies: map[string]string{
			versions.PackageCds:   c.Resolution.Cds,
			versions.PackageCdsDk: c.Resolution.Dk,
		},
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return os.WriteFile(p, append(data, '\n'), 0o644)
}

func packagesPresent(dir string) bool {
	for _, pkg := range []string{versions.PackageCds, versions.PackageCdsDk} {
		info, err := os.Stat(filepath.Join(dir, "node_modules", filepath.FromSlash(pkg)))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}
