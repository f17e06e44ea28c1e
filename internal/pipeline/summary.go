package pipeline

import (
	"fmt"
	"strings"
	"time"

	"cdsextractor/internal/compiler"
	"cdsextractor/internal/installer"
	"cdsextractor/internal/parser"
	"cdsextractor/internal/versions"
)

type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseDiscovery    Phase = "discovery"
	PhaseInstallation Phase = "installation"
	PhaseCompilation  Phase = "compilation"
	PhaseSummary      Phase = "summary"
	PhaseCompleted    Phase = "completed"
)

// timedPhases are the phases reported with a duration breakdown.
var timedPhases = []Phase{PhaseDiscovery, PhaseInstallation, PhaseCompilation}

type Status string

const (
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusNoProjects Status = "no-projects"
)

// Summary is the outcome of one run. Counters only grow during a run.
type Summary struct {
	Mode       Mode   `json:"mode"`
	SourceRoot string `json:"sourceRoot"`
	Status     Status `json:"status"`
	Phase      Phase  `json:"phase"`

	Projects  int `json:"projects"`
	CdsFiles  int `json:"cdsFiles"`
	JSONFiles int `json:"jsonFiles"`

	Combinations       []installer.CacheEntry   `json:"combinations,omitempty"`
	ProjectsWithCache  int                      `json:"projectsWithCache"`
	ProjectsOnSystem   []string                 `json:"projectsOnSystemTools,omitempty"`
	Command            string                   `json:"command,omitempty"`
	VersionCache       versions.CacheStats      `json:"versionCache"`
	ResponseFileIssues int                      `json:"responseFileIssues"`
	ProjectStatus      map[string]parser.Status `json:"projectStatus,omitempty"`

	Tasks             []*compiler.Task `json:"tasks,omitempty"`
	Successful        int              `json:"successful"`
	CompiledAsProject int              `json:"compiledAsProject"`
	Failed            int              `json:"failed"`
	Skipped           int              `json:"skipped"`
	TasksRetried      int              `json:"tasksRetried"`
	RetriedOK         int              `json:"tasksSuccessfullyRetried"`
	RetryAttempts     int              `json:"retryAttempts"`

	// RetryInstalls lists projects whose full dependencies were installed
	// before their retries; RetryInstallsFailed those whose install failed.
	RetryInstalls       []string `json:"projectsWithFullDependencies,omitempty"`
	RetryInstallsFailed []string `json:"projectsWithFailedFullInstall,omitempty"`

	Durations map[Phase]time.Duration `json:"durations"`
	Total     time.Duration           `json:"total"`

	CriticalErrors []string `json:"criticalErrors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

func newSummary(mode Mode, root string) *Summary {
	return &Summary{
		Mode:       mode,
		SourceRoot: root,
		Status:     StatusSuccess,
		Phase:      PhaseInitializing,
		Durations:  map[Phase]time.Duration{},
	}
}

// OK is the internal success indicator. It never drives the exit code.
func (s *Summary) OK() bool {
	return s.Status != StatusFailed
}

func (s *Summary) critical(format string, args ...any) {
	s.CriticalErrors = append(s.CriticalErrors, fmt.Sprintf(format, args...))
	s.Status = StatusFailed
}

func (s *Summary) warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

func (s *Summary) failedCombinations() int {
	n := 0
	for _, c := range s.Combinations {
		if c.Err != nil {
			n++
		}
	}
	return n
}

const rule = "================================================================================"

func ms(d time.Duration) int64 { return d.Milliseconds() }

// Report renders the status report written at the end of every run.
func Report(s *Summary) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	status := "SUCCESS"
	switch s.Status {
	case StatusFailed:
		status = "FAILED"
	case StatusNoProjects:
		status = "NO PROJECTS"
	}

	line(rule)
	line("CDS EXTRACTOR STATUS REPORT")
	line(rule)
	line("")
	line("OVERALL SUMMARY:")
	line("  Status: %s", status)
	line("  Run Mode: %s", strings.ToUpper(string(s.Mode)))
	line("  Current Phase: %s", strings.ToUpper(string(s.Phase)))
	line("  Projects: %d", s.Projects)
	line("  CDS Files: %d", s.CdsFiles)
	line("  JSON Files Generated: %d", s.JSONFiles)
	line("")

	if len(s.Combinations) > 0 || s.VersionCache.Hits+s.VersionCache.Misses > 0 {
		line("DEPENDENCY SUMMARY:")
		line("  Combinations: %d (failed: %d)", len(s.Combinations), s.failedCombinations())
		line("  Projects Using Cache: %d", s.ProjectsWithCache)
		line("  Projects Using System Tools: %d", len(s.ProjectsOnSystem))
		line("  Version Cache: %d hits, %d misses (%s%% hit rate)", s.VersionCache.Hits, s.VersionCache.Misses, s.VersionCache.HitRate())
		if s.Command != "" {
			line("  CDS Command: %s", s.Command)
		}
		line("")
	}

	line("COMPILATION SUMMARY:")
	line("  Total Tasks: %d", len(s.Tasks))
	line("  Successful: %d", s.Successful)
	line("  Compiled As Project: %d", s.CompiledAsProject)
	line("  Retried: %d", s.TasksRetried)
	line("  Failed: %d", s.Failed)
	line("  Skipped: %d", s.Skipped)
	line("")

	if s.RetryAttempts > 0 {
		line("RETRY SUMMARY:")
		line("  Tasks Requiring Retry: %d", s.TasksRetried)
		line("  Tasks Successfully Retried: %d", s.RetriedOK)
		line("  Total Retry Attempts: %d", s.RetryAttempts)
		line("  Projects With Full Dependencies: %d", len(s.RetryInstalls))
		line("  Full Dependency Installs Failed: %d", len(s.RetryInstallsFailed))
		line("")
	}

	line("PERFORMANCE:")
	line("  Total Duration: %dms", ms(s.Total))
	for _, p := range timedPhases {
		line("  %s: %dms", title(p), ms(s.Durations[p]))
	}
	if s.Total > 0 {
		line("  Breakdown:")
		for _, p := range timedPhases {
			pct := float64(s.Durations[p]) * 100 / float64(s.Total)
			line("    %s: %.0f%%", title(p), pct)
		}
	}
	line("")

	if len(s.CriticalErrors) > 0 {
		line("CRITICAL ERRORS:")
		for _, e := range s.CriticalErrors {
			line("  - %s", e)
		}
		line("")
	}
	if len(s.Warnings) > 0 {
		line("WARNINGS:")
		for _, w := range s.Warnings {
			line("  - %s", w)
		}
		line("")
	}
	line(rule)
	return b.String()
}

func title(p Phase) string {
	s := string(p)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
