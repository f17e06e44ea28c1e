// Package versions parses npm-style semantic versions and range specs and
// resolves the (@sap/cds, @sap/cds-dk) pair installed for each project.
package versions

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

const Latest = "latest"

var (
	rePrefix = regexp.MustCompile(`^[\^~>=<]+`)
	reSemver = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([a-zA-Z0-9.-]+))?(?:\+([a-zA-Z0-9.-]+))?$`)
)

// Version is a parsed semantic version. Original keeps the input text,
// including any range operator prefix.
type Version struct {
	Major, Minor, Patch int
	Prerelease          string
	Build               string
	Original            string
}

// Parse accepts MAJOR.MINOR.PATCH with optional prerelease and build parts,
// after stripping a leading range operator. "latest" parses as 999.999.999 so
// that it sorts above every published version.
func Parse(text string) (Version, bool) {
	if text == Latest {
		return Version{Major: 999, Minor: 999, Patch: 999, Original: text}, true
	}
	clean := rePrefix.ReplaceAllString(strings.TrimSpace(text), "")
	m := reSemver.FindStringSubmatch(clean)
	if m == nil {
		return Version{}, false
	}
	major, err1 := strconv.Atoi(m[1])
	minor, err2 := strconv.Atoi(m[2])
	patch, err3 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return Version{}, false
	}
	return Version{
		Major:      major,
		Minor:      minor,
		Patch:      patch,
		Prerelease: m[4],
		Build:      m[5],
		Original:   text,
	}, true
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

// canonical renders the golang.org/x/mod/semver form ("v1.2.3-pre"). Build
// metadata never takes part in ordering.
func (v Version) canonical() string {
	return "v" + v.String()
}

// Compare orders a and b, returning -1, 0 or 1. A prerelease sorts before the
// release it precedes.
func Compare(a, b Version) int {
	ca, cb := a.canonical(), b.canonical()
	if semver.IsValid(ca) && semver.IsValid(cb) {
		return semver.Compare(ca, cb)
	}
	// Prerelease identifiers semver rejects (empty dot segments) still order
	// by numeric core first.
	for _, d := range [][2]int{{a.Major, b.Major}, {a.Minor, b.Minor}, {a.Patch, b.Patch}} {
		if d[0] != d[1] {
			if d[0] < d[1] {
				return -1
			}
			return 1
		}
	}
	switch {
	case a.Prerelease == b.Prerelease:
		return 0
	case a.Prerelease == "":
		return 1
	case b.Prerelease == "":
		return -1
	}
	return strings.Compare(a.Prerelease, b.Prerelease)
}

// SatisfiesRange checks v against a single range spec: "latest", "*", caret,
// tilde, >=, >, <=, < or an exact version.
func SatisfiesRange(v Version, spec string) bool {
	spec = strings.TrimSpace(spec)
	if spec == Latest || spec == "*" {
		return true
	}
	rv, ok := Parse(spec)
	if !ok {
		return false
	}
	cmp := Compare(v, rv)
	switch {
	case strings.HasPrefix(spec, "^"):
		return v.Major == rv.Major && cmp >= 0
	case strings.HasPrefix(spec, "~"):
		return v.Major == rv.Major && v.Minor == rv.Minor && cmp >= 0
	case strings.HasPrefix(spec, ">="):
		return cmp >= 0
	case strings.HasPrefix(spec, ">"):
		return cmp > 0
	case strings.HasPrefix(spec, "<="):
		return cmp <= 0
	case strings.HasPrefix(spec, "<"):
		return cmp < 0
	default:
		return cmp == 0
	}
}

// FindBestAvailable returns the newest version in available that satisfies
// spec. When none does it returns the newest version overall and false. An
// empty result means no entry of available could be parsed.
func FindBestAvailable(available []string, spec string) (string, bool) {
	var parsed []Version
	for _, raw := range available {
		if v, ok := Parse(raw); ok {
			parsed = append(parsed, v)
		}
	}
	if len(parsed) == 0 {
		return "", false
	}
	sort.SliceStable(parsed, func(i, j int) bool { return Compare(parsed[i], parsed[j]) > 0 })
	for _, v := range parsed {
		if SatisfiesRange(v, spec) {
			return v.Original, true
		}
	}
	return parsed[0].Original, false
}

// Compatibility is the outcome of comparing a resolved cds/cds-dk pair.
type Compatibility struct {
	Compatible bool
	Warning    string
}

// CheckCompatibility expects @sap/cds and @sap/cds-dk to share a major
// version, and warns when their minor versions drift apart.
func CheckCompatibility(cds, dk string) Compatibility {
	if cds == Latest || dk == Latest {
		return Compatibility{Compatible: true}
	}
	pc, ok1 := Parse(cds)
	pd, ok2 := Parse(dk)
	if !ok1 || !ok2 {
		return Compatibility{Warning: "Unable to parse version numbers for compatibility check"}
	}
	if pc.Major != pd.Major {
		return Compatibility{
			Warning: fmt.Sprintf("Major version mismatch: @sap/cds %s and @sap/cds-dk %s may not be compatible", cds, dk),
		}
	}
	if pc.Minor != pd.Minor {
		return Compatibility{
			Compatible: true,
			Warning:    fmt.Sprintf("Minor version difference: @sap/cds %s and @sap/cds-dk %s - consider aligning versions for best compatibility", cds, dk),
		}
	}
	return Compatibility{Compatible: true}
}

// satisfies reports whether a resolved version string meets the requested spec.
func satisfies(resolved, requested string) bool {
	if resolved == "" {
		return false
	}
	if resolved == requested || requested == Latest {
		return true
	}
	v, ok := Parse(resolved)
	return ok && SatisfiesRange(v, requested)
}
