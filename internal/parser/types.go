package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrSourceRootMissing is returned when the source root does not exist.
var ErrSourceRootMissing = errors.New("parser: source root does not exist")

// Status tracks a project through the run. It only moves forward.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusParsing    Status = "parsing"
	StatusReady      Status = "ready"
	StatusCompiling  Status = "compiling"
	StatusCompiled   Status = "compiled"
	StatusFailed     Status = "failed"
)

// Import is one `using ... from '<path>'` declaration.
type Import struct {
	Source    string `json:"source"`
	Statement string `json:"statement"`
	Path      string `json:"path"`
	// ResolvedPath is source-root relative for relative and root-absolute
	// imports; empty for module imports.
	ResolvedPath string `json:"resolvedPath,omitempty"`
	IsRelative   bool   `json:"isRelative"`
	IsModule     bool   `json:"isModule"`
}

// ParseError marks a file that could not be read, or an internal import that
// resolves to no file in the graph.
type ParseError struct {
	Path   string
	Import string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Import != "" {
		return fmt.Sprintf("parser: %s: import %q: %v", e.Path, e.Import, e.Err)
	}
	return fmt.Sprintf("parser: %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PackageJSON is the subset of an npm manifest the extractor reads.
type PackageJSON struct {
	Name            string            `json:"name,omitempty"`
	Version         string            `json:"version,omitempty"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	DevDependencies map[string]string `json:"devDependencies,omitempty"`
	Workspaces      json.RawMessage   `json:"workspaces,omitempty"`
}

func (p *PackageJSON) dependency(name string) string {
	if p == nil {
		return ""
	}
	if v := p.Dependencies[name]; v != "" {
		return v
	}
	return p.DevDependencies[name]
}

// CdsVersion is the requested @sap/cds spec, empty when undeclared.
func (p *PackageJSON) CdsVersion() string { return p.dependency("@sap/cds") }

// CdsDkVersion is the requested @sap/cds-dk spec, empty when undeclared.
func (p *PackageJSON) CdsDkVersion() string { return p.dependency("@sap/cds-dk") }

// HasCapDependency reports a declared dependency on @sap/cds or @sap/cds-dk.
func (p *PackageJSON) HasCapDependency() bool {
	return p.CdsVersion() != "" || p.CdsDkVersion() != ""
}

// IsMonorepo reports non-empty npm workspaces, in either the array form or
// the {"packages": [...]} form.
func (p *PackageJSON) IsMonorepo() bool {
	if p == nil || len(p.Workspaces) == 0 {
		return false
	}
	var list []string
	if err := json.Unmarshal(p.Workspaces, &list); err == nil {
		return len(list) > 0
	}
	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(p.Workspaces, &obj); err == nil {
		return len(obj.Packages) > 0
	}
	return false
}

// Project is one compilation unit.
type Project struct {
	Dir          string              `json:"projectDir"`
	Files        []string            `json:"cdsFiles"`
	CompileSet   []string            `json:"cdsFilesToCompile"`
	Manifest     *PackageJSON        `json:"packageJson,omitempty"`
	ManifestPath string              `json:"packageJsonPath,omitempty"`
	Imports      map[string][]Import `json:"imports"`
	Dependencies []string            `json:"dependencies"`
	Status       Status              `json:"status"`
	ParseErrors  map[string]string   `json:"parseErrors,omitempty"`
}

func (p *Project) Owns(file string) bool {
	_, ok := slices.BinarySearch(p.Files, file)
	return ok
}

func (p *Project) InCompileSet(file string) bool {
	_, ok := slices.BinarySearch(p.CompileSet, file)
	return ok
}

// SetStatus advances the project status; regressions are ignored.
func (p *Project) SetStatus(s Status) {
	if statusRank[s] > statusRank[p.Status] || s == StatusFailed {
		p.Status = s
	}
}

var statusRank = map[Status]int{
	StatusDiscovered: 0,
	StatusParsing:    1,
	StatusReady:      2,
	StatusCompiling:  3,
	StatusCompiled:   4,
	StatusFailed:     4,
}
