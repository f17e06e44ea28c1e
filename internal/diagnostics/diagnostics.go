// Package diagnostics records structured, severity-tagged findings in the
// host's diagnostic store instead of failing the process.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"cdsextractor/internal/logging"
	"cdsextractor/internal/proc"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityNote    Severity = "note"
)

// Source identifies a diagnostic category on the host status page.
type Source struct {
	ID   string
	Name string
}

var (
	CompilationFailure        = Source{"cds/compilation-failure", "Failure to compile one or more SAP CAP CDS files"}
	DependencyVersionFallback = Source{"cds/dependency-version-fallback", "Using fallback versions for SAP CAP CDS dependencies"}
	DependencyGraphFailure    = Source{"cds/dependency-graph-failure", "Failure to build the SAP CAP CDS project dependency graph"}
	EnvironmentSetupFailure   = Source{"cds/environment-setup-failure", "Failure to set up the SAP CAP CDS extractor environment"}
	NoProjectsFound           = Source{"cds/no-cds-projects", "No SAP CAP CDS projects were detected"}
)

type Diagnostic struct {
	Source   Source
	Severity Severity
	Message  string
	// FilePath is optional; relative paths are made absolute before recording.
	FilePath string
}

// Recorder appends diagnostics. Implementations must not panic; a failed
// record is returned as an error for the caller to log.
type Recorder interface {
	Record(ctx context.Context, d Diagnostic) error
}

const recordTimeout = 30 * time.Second

// CodeQLRecorder shells out to `codeql database add-diagnostic`.
type CodeQLRecorder struct {
	Runner   proc.Runner
	CodeQL   string
	Database string
	Log      *slog.Logger
}

func (r *CodeQLRecorder) Record(ctx context.Context, d Diagnostic) error {
	log := logging.OrDiscard(r.Log)
	if r.CodeQL == "" {
		return fmt.Errorf("diagnostics: no codeql executable configured for %s", d.Source.ID)
	}
	args := []string{
		"database", "add-diagnostic",
		"--extractor-name=cds",
		"--ready-for-status-page",
		"--source-id=" + d.Source.ID,
		"--source-name=" + d.Source.Name,
		"--severity=" + string(d.Severity),
		"--markdown-message=" + d.Message,
	}
	if d.FilePath != "" {
		p := d.FilePath
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		args = append(args, "--file-path="+p)
	}
	args = append(args, "--", r.Database)

	res := r.Runner.Run(ctx, proc.Cmd{Name: r.CodeQL, Args: args, Timeout: recordTimeout})
	if !res.OK() {
		return fmt.Errorf("diagnostics: add %s diagnostic for %s: %s", d.Severity, d.Source.ID, res.Error())
	}
	log.Info("added diagnostic", "severity", d.Severity, "source", d.Source.ID, "file", d.FilePath)
	return nil
}

// Memory keeps diagnostics in process. Used for tests and for runs without a
// CodeQL database.
type Memory struct {
	mu    sync.Mutex
	items []Diagnostic
}

func (m *Memory) Record(_ context.Context, d Diagnostic) error {
	m.mu.Lock()
	m.items = append(m.items, d)
	m.mu.Unlock()
	return nil
}

func (m *Memory) All() []Diagnostic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Diagnostic(nil), m.items...)
}

// BySource filters recorded diagnostics by source id.
func (m *Memory) BySource(id string) []Diagnostic {
	var out []Diagnostic
	for _, d := range m.All() {
		if d.Source.ID == id {
			out = append(out, d)
		}
	}
	return out
}

// Log writes diagnostics to the logger only.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Record(_ context.Context, d Diagnostic) error {
	log := logging.OrDiscard(l.Logger)
	level := slog.LevelInfo
	switch d.Severity {
	case SeverityError:
		level = slog.LevelError
	case SeverityWarning:
		level = slog.LevelWarn
	}
	log.Log(context.Background(), level, d.Message, "source", d.Source.ID, "file", d.FilePath)
	return nil
}

// Tee records to every recorder and returns the first error.
type Tee []Recorder

func (t Tee) Record(ctx context.Context, d Diagnostic) error {
	var first error
	for _, r := range t {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, d); err != nil && first == nil {
			first = err
		}
	}
	return first
}
