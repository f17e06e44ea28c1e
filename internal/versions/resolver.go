package versions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"cdsextractor/internal/logging"
)

const memoSize = 512

// Resolution is the concrete version pair chosen for a requested pair.
type Resolution struct {
	RequestedCds string `json:"requestedCds"`
	RequestedDk  string `json:"requestedDk"`
	Cds          string `json:"resolvedCds"`
	Dk           string `json:"resolvedDk"`
	CdsExact     bool   `json:"cdsExactMatch"`
	DkExact      bool   `json:"cdsDkExactMatch"`
	IsFallback   bool   `json:"isFallback"`
	Warning      string `json:"warning,omitempty"`
}

// CacheStats reports memoization effectiveness for the status log.
type CacheStats struct {
	Hits           int
	Misses         int
	Entries        int
	CachedPackages []string
}

// HitRate formats the hit percentage with one decimal.
func (s CacheStats) HitRate() string {
	total := s.Hits + s.Misses
	if total == 0 {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", float64(s.Hits)*100/float64(total))
}

// Resolver resolves requested (cds, cds-dk) specs against registry listings.
// It is owned by the pipeline run and shared by reference with the installer.
type Resolver struct {
	registry Registry
	log      *slog.Logger

	mu        sync.Mutex
	memo      *lru.Cache[string, Resolution]
	available map[string][]string
	hits      int
	misses    int
}

func NewResolver(registry Registry, log *slog.Logger) *Resolver {
	memo, _ := lru.New[string, Resolution](memoSize)
	return &Resolver{
		registry:  registry,
		log:       logging.OrDiscard(log).With("component", "versions"),
		memo:      memo,
		available: map[string][]string{},
	}
}

// ResolveVersions picks the newest published versions satisfying the
// requested specs. Results are memoized by the literal inputs. When a spec
// cannot be satisfied the newest published version is substituted (or the
// spec itself when nothing is published) and IsFallback is set with a warning.
func (r *Resolver) ResolveVersions(ctx context.Context, cds, dk string) Resolution {
	key := cds + "\x00" + dk
	r.mu.Lock()
	if res, ok := r.memo.Get(key); ok {
		r.hits++
		r.mu.Unlock()
		return res
	}
	r.misses++
	r.mu.Unlock()

	res := Resolution{RequestedCds: cds, RequestedDk: dk}
	var warnings []string
	var cdsOK, dkOK bool
	var warn string
	res.Cds, res.CdsExact, cdsOK, warn = r.resolveOne(ctx, PackageCds, cds)
	if warn != "" {
		warnings = append(warnings, warn)
	}
	res.Dk, res.DkExact, dkOK, warn = r.resolveOne(ctx, PackageCdsDk, dk)
	if warn != "" {
		warnings = append(warnings, warn)
	}
	res.IsFallback = !cdsOK || !dkOK

	compat := CheckCompatibility(res.Cds, res.Dk)
	show := res.IsFallback || !res.CdsExact || !res.DkExact || !compat.Compatible
	if compat.Warning != "" && show {
		warnings = append(warnings, compat.Warning)
	}
	res.Warning = strings.Join(warnings, "; ")

	if res.IsFallback {
		r.log.Warn("version resolution fell back", "cds", cds, "cdsDk", dk, "resolvedCds", res.Cds, "resolvedCdsDk", res.Dk)
	} else {
		r.log.Debug("versions resolved", "cds", cds, "cdsDk", dk, "resolvedCds", res.Cds, "resolvedCdsDk", res.Dk)
	}

	r.mu.Lock()
	r.memo.Add(key, res)
	r.mu.Unlock()
	return res
}

func (r *Resolver) resolveOne(ctx context.Context, pkg, requested string) (resolved string, exact, ok bool, warning string) {
	best, _ := FindBestAvailable(r.AvailableVersions(ctx, pkg), requested)
	if best == "" {
		if requested == Latest {
			return Latest, true, true, ""
		}
		return requested, false, false,
			fmt.Sprintf("No published versions of %s could be listed; using requested '%s' as-is", pkg, requested)
	}
	exact = best == requested || requested == Latest
	if ok = satisfies(best, requested); !ok {
		warning = fmt.Sprintf("No available version of %s satisfies '%s'; falling back to %s", pkg, requested, best)
	}
	return best, exact, ok, warning
}

// AvailableVersions returns the listing for pkg, asking the registry once per
// resolver lifetime. Failures are logged and cached as an empty listing.
func (r *Resolver) AvailableVersions(ctx context.Context, pkg string) []string {
	r.mu.Lock()
	list, ok := r.available[pkg]
	r.mu.Unlock()
	if ok {
		return list
	}
	var err error
	if r.registry != nil {
		list, err = r.registry.AvailableVersions(ctx, pkg)
	}
	if err != nil {
		r.log.Warn("failed to fetch available versions", "package", pkg, "error", err)
		list = nil
	}
	r.mu.Lock()
	r.available[pkg] = list
	r.mu.Unlock()
	return list
}

func (r *Resolver) Stats() CacheStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	pkgs := make([]string, 0, len(r.available))
	for p := range r.available {
		pkgs = append(pkgs, p)
	}
	sort.Strings(pkgs)
	return CacheStats{Hits: r.hits, Misses: r.misses, Entries: r.memo.Len(), CachedPackages: pkgs}
}

// Clear drops memoized resolutions, listings and counters.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo.Purge()
	r.available = map[string][]string{}
	r.hits, r.misses = 0, 0
}
