package versions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdsextractor/internal/cache/disk"
	"cdsextractor/internal/proc"
)

type countingRegistry struct {
	listings map[string][]string
	err      error
	calls    map[string]int
}

func (c *countingRegistry) AvailableVersions(_ context.Context, pkg string) ([]string, error) {
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[pkg]++
	if c.err != nil {
		return nil, c.err
	}
	return c.listings[pkg], nil
}

func sampleRegistry() StaticRegistry {
	return StaticRegistry{
		PackageCds:   {"5.9.8", "6.0.0", "6.1.0", "6.1.3", "7.0.0-beta.1"},
		PackageCdsDk: {"5.9.0", "6.0.0"},
	}
}

func TestResolveVersions_SatisfiedRanges(t *testing.T) {
	r := NewResolver(sampleRegistry(), nil)
	res := r.ResolveVersions(context.Background(), "^6.1.0", "^6.0.0")

	assert.Equal(t, "6.1.3", res.Cds)
	assert.Equal(t, "6.0.0", res.Dk)
	assert.False(t, res.IsFallback)
	assert.False(t, res.CdsExact)
	assert.False(t, res.DkExact)
	// range use surfaces the minor drift between the pair
	assert.Contains(t, res.Warning, "Minor version difference")
}

func TestResolveVersions_MemoizedAndCounted(t *testing.T) {
	reg := &countingRegistry{listings: sampleRegistry()}
	r := NewResolver(reg, nil)
	ctx := context.Background()

	first := r.ResolveVersions(ctx, "^6.1.0", "^6.0.0")
	second := r.ResolveVersions(ctx, "^6.1.0", "^6.0.0")

	assert.Equal(t, first, second)
	stats := r.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
	assert.Equal(t, "50.0", stats.HitRate())
	assert.Equal(t, []string{PackageCds, PackageCdsDk}, stats.CachedPackages)
	assert.Equal(t, 1, reg.calls[PackageCds])

	r.ResolveVersions(ctx, "6.1.0", "6.0.0")
	assert.Equal(t, 1, reg.calls[PackageCds], "listings are fetched once per resolver")

	r.Clear()
	stats = r.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.Entries)
	r.ResolveVersions(ctx, "^6.1.0", "^6.0.0")
	assert.Equal(t, 2, reg.calls[PackageCds])
}

func TestResolveVersions_UnsatisfiableFallsBack(t *testing.T) {
	r := NewResolver(sampleRegistry(), nil)
	res := r.ResolveVersions(context.Background(), "^99.0.0", "^99.0.0")

	assert.True(t, res.IsFallback)
	assert.Equal(t, "7.0.0-beta.1", res.Cds)
	assert.Equal(t, "6.0.0", res.Dk)
	assert.Contains(t, res.Warning, "No available version of @sap/cds satisfies '^99.0.0'")
	assert.Contains(t, res.Warning, "Major version mismatch")
}

func TestResolveVersions_ExactMatch(t *testing.T) {
	r := NewResolver(sampleRegistry(), nil)
	res := r.ResolveVersions(context.Background(), "6.0.0", "6.0.0")
	assert.True(t, res.CdsExact)
	assert.True(t, res.DkExact)
	assert.False(t, res.IsFallback)
	assert.Empty(t, res.Warning)
}

func TestResolveVersions_RegistryFailure(t *testing.T) {
	r := NewResolver(&countingRegistry{err: errors.New("offline")}, nil)
	ctx := context.Background()

	res := r.ResolveVersions(ctx, "^6.1.0", "latest")
	assert.True(t, res.IsFallback)
	assert.Equal(t, "^6.1.0", res.Cds)
	assert.Equal(t, "latest", res.Dk)
	assert.Contains(t, res.Warning, "could be listed")

	latest := r.ResolveVersions(ctx, "latest", "latest")
	assert.False(t, latest.IsFallback)
	assert.Equal(t, "latest", latest.Cds)
}

func TestNPMRegistry_ParsesAndPersists(t *testing.T) {
	store, err := disk.NewStore(disk.Config{Root: t.TempDir(), TTL: time.Hour})
	require.NoError(t, err)
	fake := &proc.Fake{Handler: func(cmd proc.Cmd) proc.Result {
		if cmd.Args[1] == PackageCds {
			return proc.Result{Stdout: `["6.0.0","6.1.3"]`}
		}
		return proc.Result{Stdout: `"6.0.0"`}
	}}
	reg := &NPMRegistry{Runner: fake, Store: store}
	ctx := context.Background()

	got, err := reg.AvailableVersions(ctx, PackageCds)
	require.NoError(t, err)
	assert.Equal(t, []string{"6.0.0", "6.1.3"}, got)

	got, err = reg.AvailableVersions(ctx, PackageCdsDk)
	require.NoError(t, err)
	assert.Equal(t, []string{"6.0.0"}, got)

	// second lookup comes from the disk store
	_, err = reg.AvailableVersions(ctx, PackageCds)
	require.NoError(t, err)
	calls := fake.CallsTo("npm")
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"view", PackageCds, "versions", "--json"}, calls[0].Args)
	assert.Equal(t, 30*time.Second, calls[0].Timeout)
}

func TestNPMRegistry_Failure(t *testing.T) {
	fake := &proc.Fake{Handler: func(proc.Cmd) proc.Result {
		return proc.Result{ExitCode: 1, Stderr: "E404"}
	}}
	reg := &NPMRegistry{Runner: fake}
	_, err := reg.AvailableVersions(context.Background(), PackageCds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E404")
}

func TestNPMRegistry_OpensCacheOnFirstLookup(t *testing.T) {
	root := filepath.Join(t.TempDir(), "registry")
	fake := &proc.Fake{Handler: func(proc.Cmd) proc.Result {
		return proc.Result{Stdout: `["7.0.0"]`}
	}}
	reg := &NPMRegistry{Runner: fake, CacheRoot: root, CacheTTL: time.Hour}
	assert.NoDirExists(t, root)

	_, err := reg.AvailableVersions(context.Background(), PackageCds)
	require.NoError(t, err)
	assert.DirExists(t, root)
	require.NotNil(t, reg.Store)
	assert.Equal(t, 1, reg.Store.Len())
}
