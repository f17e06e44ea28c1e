package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionCommand(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "cds-extractor dev\n", out)
}

func TestUsageErrors(t *testing.T) {
	code, _, _ := run(t, "autobuild")
	assert.Equal(t, 2, code)

	code, _, _ = run(t, "index-files", t.TempDir())
	assert.Equal(t, 2, code)
}

func TestAutobuild_AlwaysSucceeds(t *testing.T) {
	root := t.TempDir()
	code, _, stderr := run(t, "autobuild", "--offline", root)
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "CDS EXTRACTOR STATUS REPORT")
	assert.Contains(t, stderr, "Status: NO PROJECTS")

	code, _, stderr = run(t, "autobuild", "--offline", filepath.Join(root, "missing"))
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "Status: FAILED")
}

func TestDebugParser(t *testing.T) {
	root := t.TempDir()
	code, _, _ := run(t, "debug-parser", root)
	assert.Equal(t, 1, code)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "srv"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "srv", "service.cds"), []byte("service S {}"), 0o644))
	code, out, _ := run(t, "debug-parser", "--log-level", "error", root)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, `"srv/service.cds"`)
}

func TestAutobuild_MissingRootIsNotCreated(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist")
	code, _, stderr := run(t, "autobuild", "--skip-install", root)
	assert.Equal(t, 0, code)
	assert.NoDirExists(t, root)
	assert.Contains(t, stderr, "Status: FAILED")
	assert.Contains(t, stderr, "CRITICAL ERRORS:")
	assert.Contains(t, stderr, "source root")
}

func TestAutobuild_UnusableSettingsStillRun(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".cds-extractor.toml"), []byte("[compiler\nbroken"), 0o644))
	t.Setenv("CDS_EXTRACTOR_MAX_ATTEMPTS", "zero")

	code, _, stderr := run(t, "autobuild", "--offline", root)
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "CDS EXTRACTOR STATUS REPORT")
	assert.Contains(t, stderr, "Status: NO PROJECTS")
	assert.Contains(t, stderr, "ignored setting: config: parse")
	assert.Contains(t, stderr, "CDS_EXTRACTOR_MAX_ATTEMPTS")
}
