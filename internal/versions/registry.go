package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cdsextractor/internal/cache/disk"
	"cdsextractor/internal/logging"
	"cdsextractor/internal/proc"
)

const (
	PackageCds   = "@sap/cds"
	PackageCdsDk = "@sap/cds-dk"

	registryTimeout = 30 * time.Second
)

// Registry lists the published versions of an npm package.
type Registry interface {
	AvailableVersions(ctx context.Context, pkg string) ([]string, error)
}

// StaticRegistry serves fixed listings. Unknown packages have no versions.
type StaticRegistry map[string][]string

func (r StaticRegistry) AvailableVersions(_ context.Context, pkg string) ([]string, error) {
	return append([]string(nil), r[pkg]...), nil
}

// NPMRegistry asks `npm view <pkg> versions --json`. Listings are persisted
// in Store so repeated runs over the same tree stay offline. Without a Store
// one is opened under CacheRoot on the first lookup; without either nothing
// is persisted.
type NPMRegistry struct {
	Runner    proc.Runner
	Store     *disk.Store
	CacheRoot string
	CacheTTL  time.Duration
	NPM       string
	Timeout   time.Duration
	Log       *slog.Logger

	once sync.Once
}

func (r *NPMRegistry) store() *disk.Store {
	r.once.Do(func() {
		if r.Store != nil || r.CacheRoot == "" {
			return
		}
		s, err := disk.NewStore(disk.Config{Root: r.CacheRoot, TTL: r.CacheTTL})
		if err != nil {
			logging.OrDiscard(r.Log).Warn("registry cache unavailable, listings will not persist", "error", err)
			return
		}
		r.Store = s
	})
	return r.Store
}

func (r *NPMRegistry) AvailableVersions(ctx context.Context, pkg string) ([]string, error) {
	log := logging.OrDiscard(r.Log)
	key := "npm-versions:" + pkg
	store := r.store()
	if store != nil {
		var cached []string
		if ok, err := store.GetJSON(ctx, key, &cached); err == nil && ok {
			log.Debug("registry listing served from disk cache", "package", pkg, "versions", len(cached))
			return cached, nil
		}
	}

	npm := r.NPM
	if npm == "" {
		npm = "npm"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = registryTimeout
	}
	res := r.Runner.Run(ctx, proc.Cmd{
		Name:    npm,
		Args:    []string{"view", pkg, "versions", "--json"},
		Timeout: timeout,
	})
	if !res.OK() {
		return nil, fmt.Errorf("versions: npm view %s: %s", pkg, res.Error())
	}
	list, err := decodeListing(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("versions: npm view %s: %w", pkg, err)
	}
	if store != nil && len(list) > 0 {
		if err := store.SetJSON(ctx, key, list); err != nil {
			log.Warn("could not persist registry listing", "package", pkg, "error", err)
		}
	}
	return list, nil
}

// decodeListing accepts npm's JSON output: an array of versions, or a bare
// string when a package has a single release.
func decodeListing(out string) ([]string, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	var raw any
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, err
	}
	switch v := raw.(type) {
	case []any:
		list := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				list = append(list, s)
			}
		}
		return list, nil
	case string:
		return []string{v}, nil
	default:
		return nil, fmt.Errorf("unexpected listing type %T", raw)
	}
}
