package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/dominikbraun/graph"
)

// Graph maps project directories to projects and keeps file-level and
// project-level import edges (importer -> imported).
type Graph struct {
	SourceRoot string              `json:"sourceRoot"`
	Projects   map[string]*Project `json:"projects"`
	Dirs       []string            `json:"projectDirs"`
	Problems   []*ParseError       `json:"-"`

	owner    map[string]string
	files    graph.Graph[string, string]
	projects graph.Graph[string, string]
}

func newGraph(root string) *Graph {
	return &Graph{
		SourceRoot: root,
		Projects:   map[string]*Project{},
		owner:      map[string]string{},
		files:      graph.New(graph.StringHash, graph.Directed()),
		projects:   graph.New(graph.StringHash, graph.Directed()),
	}
}

// Empty reports a graph without projects.
func (g *Graph) Empty() bool { return g == nil || len(g.Projects) == 0 }

// ProjectOf returns the project owning file.
func (g *Graph) ProjectOf(file string) (*Project, bool) {
	if g == nil {
		return nil, false
	}
	dir, ok := g.owner[file]
	if !ok {
		return nil, false
	}
	return g.Projects[dir], true
}

// AllFiles lists every file owned by a project, sorted.
func (g *Graph) AllFiles() []string {
	out := make([]string, 0, len(g.owner))
	for f := range g.owner {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ImportersOf lists files importing file, sorted.
func (g *Graph) ImportersOf(file string) []string {
	pred, err := g.files.PredecessorMap()
	if err != nil {
		return nil
	}
	var out []string
	for src := range pred[file] {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// ProjectOrder lists project directories so that every project comes after
// the projects it imports from. Cyclic project imports fall back to lexical
// order.
func (g *Graph) ProjectOrder() []string {
	order, err := graph.StableTopologicalSort(g.projects, func(a, b string) bool { return a < b })
	if err != nil || len(order) != len(g.Dirs) {
		return append([]string(nil), g.Dirs...)
	}
	// Edges point from importer to imported; dependencies go first.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// DebugJSON renders the graph for the debug-parser run mode.
func (g *Graph) DebugJSON() ([]byte, error) {
	return json.MarshalIndent(g, "", "  ")
}

// BuildDependencyGraph assembles projects for the given directories: their
// files, manifests, resolved imports, cross-project dependencies and compile
// sets. Unreadable files are recorded as parse errors and skipped.
func (p *Parser) BuildDependencyGraph(projectDirs []string) (*Graph, error) {
	g := newGraph(p.fs.Root())
	dirs := append([]string(nil), projectDirs...)
	sort.Strings(dirs)
	g.Dirs = dirs

	for _, dir := range dirs {
		proj := &Project{
			Dir:          dir,
			Files:        p.FilesForProject(dir, dirs),
			Imports:      map[string][]Import{},
			Dependencies: []string{},
			Status:       StatusDiscovered,
		}
		if m := p.ReadPackageJSON(dir); m != nil {
			proj.Manifest = m
			proj.ManifestPath = path.Join(dir, "package.json")
		}
		g.Projects[dir] = proj
		if err := g.projects.AddVertex(dir); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, fmt.Errorf("parser: add project %s: %w", dir, err)
		}
		for _, f := range proj.Files {
			g.owner[f] = dir
			if err := g.files.AddVertex(f); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
				return nil, fmt.Errorf("parser: add file %s: %w", f, err)
			}
		}
	}

	for _, dir := range dirs {
		proj := g.Projects[dir]
		proj.SetStatus(StatusParsing)
		for _, f := range proj.Files {
			imports, err := p.ExtractImports(f)
			if err != nil {
				var pe *ParseError
				if errors.As(err, &pe) {
					g.addProblem(proj, pe)
				}
				p.log.Warn("failed to parse CDS file", "file", f, "error", err)
				continue
			}
			proj.Imports[f] = imports
			for _, imp := range imports {
				if imp.IsModule && proj.Manifest != nil && proj.Manifest.dependency(moduleName(imp.Path)) == "" {
					p.log.Debug("module import not declared in package.json", "file", f, "module", moduleName(imp.Path))
				}
				if err := g.link(proj, imp); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, dir := range dirs {
		proj := g.Projects[dir]
		cs, err := g.compileSet(proj)
		if err != nil {
			p.log.Warn("could not determine compile set; compiling every file", "project", dir, "error", err)
			cs = append([]string(nil), proj.Files...)
		}
		proj.CompileSet = cs
		sort.Strings(proj.Dependencies)
		proj.SetStatus(StatusReady)
		p.log.Debug("project ready", "project", dir, "files", len(proj.Files), "compile", len(cs))
	}
	return g, nil
}

func (g *Graph) addProblem(proj *Project, pe *ParseError) {
	g.Problems = append(g.Problems, pe)
	if proj.ParseErrors == nil {
		proj.ParseErrors = map[string]string{}
	}
	proj.ParseErrors[pe.Path] = pe.Error()
}

// link records the edge for one import. Relative and root-absolute imports
// must land on a file inside the graph; a "./x" import also matches
// "./x/index.cds".
func (g *Graph) link(proj *Project, imp Import) error {
	if imp.IsModule {
		return nil
	}
	target := imp.ResolvedPath
	if _, ok := g.owner[target]; !ok {
		alt := path.Join(trimCdsExt(target), "index.cds")
		if _, ok := g.owner[alt]; !ok {
			g.addProblem(proj, &ParseError{Path: imp.Source, Import: imp.Path, Err: errors.New("resolves to no CDS file in the source tree")})
			return nil
		}
		target = alt
	}
	if target == imp.Source {
		return nil
	}
	if err := g.files.AddEdge(imp.Source, target); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
		return fmt.Errorf("parser: link %s -> %s: %w", imp.Source, target, err)
	}
	dep := g.owner[target]
	if dep == proj.Dir {
		return nil
	}
	if err := g.projects.AddEdge(proj.Dir, dep); err != nil {
		if errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return nil
		}
		return fmt.Errorf("parser: link project %s -> %s: %w", proj.Dir, dep, err)
	}
	proj.Dependencies = append(proj.Dependencies, dep)
	return nil
}

func trimCdsExt(p string) string {
	if ext := path.Ext(p); ext == ".cds" {
		return p[:len(p)-len(ext)]
	}
	return p
}

// compileSet keeps the project's files that no other file imports. Any
// importer counts: a file in the same project, or a file in a project that
// thereby depends on this one. When an import cycle leaves a group of files
// with importers only inside the group, its lexically first member is kept.
func (g *Graph) compileSet(proj *Project) ([]string, error) {
	pred, err := g.files.PredecessorMap()
	if err != nil {
		return nil, err
	}
	imported := map[string]bool{}
	for _, f := range proj.Files {
		imported[f] = len(pred[f]) > 0
	}

	sccs, err := graph.StronglyConnectedComponents(g.files)
	if err != nil {
		return nil, err
	}
	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		members := map[string]bool{}
		for _, f := range scc {
			members[f] = true
		}
		closed := true
		for _, f := range scc {
			for src := range pred[f] {
				if !members[src] {
					closed = false
				}
			}
		}
		if !closed {
			continue
		}
		sort.Strings(scc)
		if _, ok := imported[scc[0]]; ok {
			imported[scc[0]] = false
		}
	}

	var out []string
	for _, f := range proj.Files {
		if !imported[f] {
			out = append(out, f)
		}
	}
	return out, nil
}
