package installer

import (
	"fmt"

	"cdsextractor/internal/versions"
)

// CacheDirName is the cache root created under the source root.
const CacheDirName = ".cds-extractor-cache"

// Combination is one unique resolved (@sap/cds, @sap/cds-dk) pair.
type Combination struct {
	Hash       string              `json:"hash"`
	Resolution versions.Resolution `json:"resolution"`
	// Projects lists the project dirs whose manifests resolve to this pair.
	Projects []string `json:"projects"`
	// ManifestPath is the source-root relative package.json of the first
	// project, used as the anchor for fallback diagnostics.
	ManifestPath string `json:"manifestPath"`
}

// ShortHash is the 8 character prefix used in logs.
func (c Combination) ShortHash() string {
	if len(c.Hash) > 8 {
		return c.Hash[:8]
	}
	return c.Hash
}

// DirName is the cache subdirectory for the combination.
func (c Combination) DirName() string { return "cds-" + c.Hash }

// CacheEntry records what happened to one combination during installation.
type CacheEntry struct {
	Hash           string `json:"hash"`
	Dir            string `json:"dir"`
	Cds            string `json:"cds"`
	Dk             string `json:"cdsDk"`
	Installed      bool   `json:"installed"`
	Reused         bool   `json:"reused"`
	Fallback       bool   `json:"fallback"`
	WarningEmitted bool   `json:"warningEmitted"`
	Projects       int    `json:"projects"`
	Err            error  `json:"-"`
}

// InstallError describes a combination that could not be installed.
type InstallError struct {
	Hash string
	Op   string
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("installer: %s (combination %.8s): %v", e.Op, e.Hash, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// ProjectInstallError describes a failed full install in a project directory.
type ProjectInstallError struct {
	Project string
	Err     error
}

func (e *ProjectInstallError) Error() string {
	return fmt.Sprintf("installer: full install for project %s: %v", e.Project, e.Err)
}

func (e *ProjectInstallError) Unwrap() error { return e.Err }
