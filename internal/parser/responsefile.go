package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadResponseFile reads the legacy newline-separated list of CDS files.
// Blank lines are ignored; entries are returned as given.
func ReadResponseFile(name string) ([]string, error) {
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("parser: read response file: %w", err)
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// CrossCheckResponseFile compares a response file against the discovered
// graph. Differences come back as warnings; only an unreadable response file
// is an error.
func (p *Parser) CrossCheckResponseFile(name string, g *Graph) ([]string, error) {
	entries, err := ReadResponseFile(name)
	if err != nil {
		return nil, err
	}
	listed := map[string]bool{}
	var warnings []string
	for _, e := range entries {
		rel, err := p.fs.Rel(filepath.FromSlash(e))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("response file entry %s is outside the source root", e))
			continue
		}
		listed[rel] = true
	}

	discovered := map[string]bool{}
	for _, f := range g.AllFiles() {
		discovered[f] = true
		if !listed[f] {
			warnings = append(warnings, fmt.Sprintf("discovered CDS file %s is missing from the response file", f))
		}
	}
	var extra []string
	for f := range listed {
		if !discovered[f] {
			extra = append(extra, f)
		}
	}
	sort.Strings(extra)
	for _, f := range extra {
		warnings = append(warnings, fmt.Sprintf("response file lists %s, which discovery did not find", f))
	}
	return warnings, nil
}
