// Package parser finds CDS projects under a source root, reads their import
// declarations and derives which files must be handed to the compiler.
package parser

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"cdsextractor/internal/logging"
	"cdsextractor/internal/safeio"
	"cdsextractor/internal/scan"
)

var standardDirs = []string{"db", "srv", "app"}

// Parser is bound to one source root. All paths it accepts and returns are
// source-root relative with forward slashes; the root itself is ".".
type Parser struct {
	fs   *safeio.SafeFS
	opts scan.Options
	log  *slog.Logger

	manifests *lru.Cache[string, *PackageJSON]

	indexOnce sync.Once
	indexErr  error
	cdsFiles  []string
}

func New(sourceRoot string, log *slog.Logger) (*Parser, error) {
	if strings.TrimSpace(sourceRoot) == "" {
		return nil, ErrSourceRootMissing
	}
	sfs, err := safeio.NewSafeFS(sourceRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceRootMissing, sourceRoot)
		}
		return nil, fmt.Errorf("parser: %w", err)
	}
	manifests, _ := lru.New[string, *PackageJSON](1024)
	return &Parser{
		fs:        sfs,
		opts:      scan.DefaultOptions(),
		log:       logging.OrDiscard(log).With("component", "parser"),
		manifests: manifests,
	}, nil
}

// Root is the absolute, symlink-free source root.
func (p *Parser) Root() string { return p.fs.Root() }

func (p *Parser) index() ([]string, error) {
	p.indexOnce.Do(func() {
		p.cdsFiles, p.indexErr = scan.FilesWithExtensions(p.fs.Root(), []string{".cds"}, p.opts)
	})
	return p.cdsFiles, p.indexErr
}

// ReadPackageJSON loads dir/package.json. Missing or malformed manifests
// yield nil; malformed ones are logged.
func (p *Parser) ReadPackageJSON(dir string) *PackageJSON {
	rel := path.Join(dir, "package.json")
	if m, ok := p.manifests.Get(rel); ok {
		return m
	}
	var m *PackageJSON
	if p.fs.IsFile(rel) {
		var pkg PackageJSON
		if err := p.fs.ReadJSON(rel, &pkg); err != nil {
			p.log.Warn("error parsing package.json", "path", rel, "error", err)
		} else {
			m = &pkg
		}
	}
	p.manifests.Add(rel, m)
	return m
}

func within(dir, file string) bool {
	return dir == "." || strings.HasPrefix(file, dir+"/")
}

func (p *Parser) hasDirectCdsContent(dir string) bool {
	files, _ := p.index()
	for _, f := range files {
		if path.Dir(f) == dir {
			return true
		}
	}
	return false
}

func (p *Parser) hasStandardCdsContent(dir string) bool {
	files, _ := p.index()
	for _, sub := range standardDirs {
		prefix := path.Join(dir, sub)
		for _, f := range files {
			if strings.HasPrefix(f, prefix+"/") {
				return true
			}
		}
	}
	return false
}

func (p *Parser) hasAnyCdsContent(dir string) bool {
	files, _ := p.index()
	for _, f := range files {
		if within(dir, f) {
			return true
		}
	}
	return false
}

func (p *Parser) hasLayoutDirs(dir string) bool {
	db := p.fs.IsDir(path.Join(dir, "db"))
	srv := p.fs.IsDir(path.Join(dir, "srv"))
	app := p.fs.IsDir(path.Join(dir, "app"))
	return (db && srv) || (srv && app)
}

// IsLikelyProject classifies dir as a CDS project when it holds .cds files
// directly or under db/, srv/ or app/, or when its manifest depends on
// @sap/cds or @sap/cds-dk and any .cds file lives below it. A manifest with
// no CDS sources leaves nothing to compile and does not qualify.
func (p *Parser) IsLikelyProject(dir string) bool {
	if p.opts.Excluded(dir) {
		return false
	}
	if p.hasStandardCdsContent(dir) || p.hasDirectCdsContent(dir) {
		return true
	}
	if m := p.ReadPackageJSON(dir); m.HasCapDependency() {
		return p.hasAnyCdsContent(dir)
	}
	return false
}

// FindProjectRoot walks upward from fileDir and returns the first ancestor
// that qualifies as a project root. db/, srv/ and app/ defer to their parent
// when it qualifies too, and a directory with db+srv or srv+app subdirectories
// is a root by layout alone. Falls back to fileDir itself.
func (p *Parser) FindProjectRoot(fileDir string) string {
	fileDir = path.Clean(fileDir)
	if p.opts.Excluded(fileDir) {
		return fileDir
	}
	for cur := fileDir; ; cur = path.Dir(cur) {
		if p.IsLikelyProject(cur) {
			if cur == "." {
				return cur
			}
			parent := path.Dir(cur)
			if isStandardDir(path.Base(cur)) && !p.opts.Excluded(parent) && p.IsLikelyProject(parent) {
				return parent
			}
			if !p.opts.Excluded(parent) && p.hasLayoutDirs(parent) {
				return parent
			}
			return cur
		}
		if p.hasLayoutDirs(cur) {
			return cur
		}
		if cur == "." {
			break
		}
	}
	return fileDir
}

func isStandardDir(base string) bool {
	for _, d := range standardDirs {
		if base == d {
			return true
		}
	}
	return false
}

// DiscoverProjects returns the sorted project directories under the root.
// The nearest enclosing project claims nested candidates, except that a
// monorepo root (npm workspaces) with its own CDS content coexists with the
// projects inside it.
func (p *Parser) DiscoverProjects() ([]string, error) {
	if _, err := os.Stat(p.fs.Root()); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceRootMissing, p.fs.Root())
	}
	cdsFiles, err := p.index()
	if err != nil {
		return nil, fmt.Errorf("parser: scan cds files: %w", err)
	}
	manifests, err := scan.FilesNamed(p.fs.Root(), "package.json", p.opts)
	if err != nil {
		return nil, fmt.Errorf("parser: scan manifests: %w", err)
	}

	candidates := map[string]struct{}{}
	for _, m := range manifests {
		candidates[path.Dir(m)] = struct{}{}
	}
	for _, f := range cdsFiles {
		candidates[p.FindProjectRoot(path.Dir(f))] = struct{}{}
	}
	ordered := make([]string, 0, len(candidates))
	for dir := range candidates {
		ordered = append(ordered, dir)
	}
	// Parents sort before their children, so nested candidates meet their
	// enclosing project first.
	sort.Strings(ordered)

	found := map[string]struct{}{}
	for _, dir := range ordered {
		if !p.IsLikelyProject(dir) {
			continue
		}
		add := true
		for existing := range found {
			switch {
			case existing != dir && within(existing, dir):
				add = p.isMonorepoWithContent(existing)
			case existing != dir && within(dir, existing):
				if !p.ReadPackageJSON(dir).IsMonorepo() {
					delete(found, existing)
				}
			}
			if !add {
				break
			}
		}
		if add {
			found[dir] = struct{}{}
		}
	}

	out := make([]string, 0, len(found))
	for dir := range found {
		out = append(out, dir)
	}
	sort.Strings(out)
	p.log.Info("discovered CDS projects", "count", len(out))
	return out, nil
}

func (p *Parser) isMonorepoWithContent(dir string) bool {
	return p.ReadPackageJSON(dir).IsMonorepo() && (p.hasStandardCdsContent(dir) || p.hasDirectCdsContent(dir))
}

// FilesForProject lists the project's .cds files, leaving out files that
// belong to another discovered project nested inside it.
func (p *Parser) FilesForProject(dir string, projectDirs []string) []string {
	files, _ := p.index()
	var nested []string
	for _, other := range projectDirs {
		if other != dir && within(dir, other) {
			nested = append(nested, other)
		}
	}
	var out []string
	for _, f := range files {
		if !within(dir, f) {
			continue
		}
		claimed := false
		for _, n := range nested {
			if within(n, f) {
				claimed = true
				break
			}
		}
		if !claimed {
			out = append(out, f)
		}
	}
	return out
}

// BuildGraph discovers projects under sourceRoot and builds their graph.
func BuildGraph(sourceRoot string, log *slog.Logger) (*Parser, *Graph, error) {
	p, err := New(sourceRoot, log)
	if err != nil {
		return nil, nil, err
	}
	dirs, err := p.DiscoverProjects()
	if err != nil {
		return p, nil, err
	}
	g, err := p.BuildDependencyGraph(dirs)
	return p, g, err
}
