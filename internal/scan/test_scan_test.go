package scan

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestFilesWithExtensions_SkipsDependencyAndFixtureDirs(t *testing.T) {
	root := t.TempDir()
	write(t, root, "db/schema.cds", "entity A {}")
	write(t, root, "srv/service.CDS", "service S {}")
	write(t, root, "node_modules/@sap/cds/common.cds", "")
	write(t, root, "sample.testproj/x.cds", "")
	write(t, root, ".cds-extractor-cache/cds-abc/y.cds", "")
	write(t, root, "README.md", "docs")

	got, err := FilesWithExtensions(root, []string{"cds"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"db/schema.cds", "srv/service.CDS"}, got)
}

func TestFilesWithExtensions_EmptyExtensions(t *testing.T) {
	got, err := FilesWithExtensions(t.TempDir(), []string{" ", ""}, DefaultOptions())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFilesNamed(t *testing.T) {
	root := t.TempDir()
	write(t, root, "package.json", "{}")
	write(t, root, "apps/a/package.json", "{}")
	write(t, root, "apps/a/node_modules/x/package.json", "{}")

	got, err := FilesNamed(root, "package.json", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"apps/a/package.json", "package.json"}, got)
}

func TestWalk_MaxDepth(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.cds", "")
	write(t, root, "d/b.cds", "")
	write(t, root, "d/e/c.cds", "")

	var files, dirs []string
	err := Walk(root, Options{MaxDepth: 1}, func(fv FileVisit) {
		if fv.IsDir {
			dirs = append(dirs, fv.Path)
			return
		}
		files = append(files, fv.Path)
	})
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{"a.cds"}, files)
	assert.Equal(t, []string{"d"}, dirs)
}

func TestWalk_MissingRoot(t *testing.T) {
	err := Walk(filepath.Join(t.TempDir(), "missing"), DefaultOptions(), nil)
	assert.Error(t, err)
}

func TestOptions_Excluded(t *testing.T) {
	opts := DefaultOptions()
	assert.True(t, opts.Excluded("node_modules/@sap/cds"))
	assert.True(t, opts.Excluded("apps/demo.testproj/db"))
	assert.False(t, opts.Excluded("apps/demo/db"))
	assert.False(t, opts.Excluded("."))
}
