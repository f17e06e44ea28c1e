package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func write(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func newParser(t *testing.T, root string) *Parser {
	t.Helper()
	p, err := New(root, nil)
	require.NoError(t, err)
	return p
}

func buildGraph(t *testing.T, root string) (*Parser, *Graph) {
	t.Helper()
	p, g, err := BuildGraph(root, nil)
	require.NoError(t, err)
	return p, g
}

const capManifest = `{"name":"demo","dependencies":{"@sap/cds":"^6.1.0"},"devDependencies":{"@sap/cds-dk":"^6.0.0"}}`
