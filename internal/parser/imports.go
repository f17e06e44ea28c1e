package parser

import (
	"path"
	"regexp"
	"strings"
)

// usingPattern matches `using X from '...'`, `using { X, Y } from '...'`,
// `using X as Y from '...'` and the bare `using from '...'`.
var usingPattern = regexp.MustCompile("using\\s+(?:(?:{[^}]+}|[\\w.]+(?:\\s+as\\s+[\\w.]+)?)\\s+)?from\\s+['\"`]([^'\"`]+)['\"`]\\s*;")

// ExtractImports returns the file's import declarations in source order,
// duplicates included. An unreadable file yields a *ParseError.
func (p *Parser) ExtractImports(file string) ([]Import, error) {
	raw, err := p.fs.ReadFile(file)
	if err != nil {
		return nil, &ParseError{Path: file, Err: err}
	}
	return parseImports(file, string(raw)), nil
}

func parseImports(file, content string) []Import {
	var out []Import
	for _, m := range usingPattern.FindAllStringSubmatch(content, -1) {
		target := m[1]
		relative := strings.HasPrefix(target, "./") || strings.HasPrefix(target, "../")
		imp := Import{
			Source:     file,
			Statement:  m[0],
			Path:       target,
			IsRelative: relative,
			IsModule:   !relative && !strings.HasPrefix(target, "/"),
		}
		switch {
		case relative:
			imp.ResolvedPath = withCdsExt(path.Join(path.Dir(file), target))
		case !imp.IsModule:
			imp.ResolvedPath = withCdsExt(path.Clean(strings.TrimPrefix(target, "/")))
		}
		out = append(out, imp)
	}
	return out
}

func withCdsExt(p string) string {
	if strings.HasSuffix(p, ".cds") {
		return p
	}
	return p + ".cds"
}

// moduleName reduces a module import to its package name
// ("@sap/cds/common" -> "@sap/cds", "lodash/fp" -> "lodash").
func moduleName(importPath string) string {
	parts := strings.Split(importPath, "/")
	if strings.HasPrefix(importPath, "@") && len(parts) > 1 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}
