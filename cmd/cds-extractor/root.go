package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"cdsextractor/internal/config"
	"cdsextractor/internal/diagnostics"
	"cdsextractor/internal/logging"
	"cdsextractor/internal/pipeline"
	"cdsextractor/internal/proc"
	"cdsextractor/internal/versions"
)

var version = "dev"

// errDebugFailed marks a debug-parser run that found nothing to show.
var errDebugFailed = errors.New("debug-parser: no CDS projects found")

type rootOptions struct {
	settings    string
	logLevel    string
	logFormat   string
	cdsCommand  string
	maxAttempts int
	skipInstall bool
	offline     bool
}

func (o *rootOptions) overrides(mode, responseFile string) config.Overrides {
	return config.Overrides{
		Mode:         mode,
		CdsCommand:   o.cdsCommand,
		ResponseFile: responseFile,
		LogLevel:     o.logLevel,
		LogFormat:    o.logFormat,
		MaxAttempts:  o.maxAttempts,
		SkipInstall:  o.skipInstall,
		Offline:      o.offline,
	}
}

// execute runs the CLI and maps the outcome to an exit code. Extraction
// runs always exit 0, unusable settings included; only usage errors do not.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errDebugFailed):
		return 1
	default:
		return 2
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "cds-extractor",
		Short:         "Prepare SAP CAP CDS sources for analysis",
		Long:          "Discovers CDS projects, installs the @sap/cds versions they ask for and compiles every CDS file to a .cds.json model.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.PersistentFlags()
	f.StringVar(&opts.settings, "config", "", "settings file (default <source-root>/"+config.FileName+")")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	f.StringVar(&opts.cdsCommand, "cds-command", "", "path to a cds executable to use instead of probing")
	f.IntVar(&opts.maxAttempts, "max-attempts", 0, "compile attempts per file")
	f.BoolVar(&opts.skipInstall, "skip-install", false, "use system-installed cds tools only")
	f.BoolVar(&opts.offline, "offline", false, "do not query the npm registry for versions")

	cmd.AddCommand(
		newAutobuildCommand(opts, stdout, stderr),
		newIndexFilesCommand(opts, stdout, stderr),
		newDebugParserCommand(opts, stdout, stderr),
		newVersionCommand(stdout),
	)
	return cmd
}

func newAutobuildCommand(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "autobuild <source-root>",
		Short: "Discover, install and compile every CDS project under the source root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0], opts.settings, opts.overrides(string(pipeline.ModeAutobuild), ""))
			if err != nil {
				return err
			}
			newController(cfg, stdout, stderr).Run(cmd.Context())
			return nil
		},
	}
}

func newIndexFilesCommand(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	var responseFile string
	cmd := &cobra.Command{
		Use:   "index-files <source-root>",
		Short: "Run autobuild and cross-check discovery against a response file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0], opts.settings, opts.overrides(string(pipeline.ModeIndexFiles), responseFile))
			if err != nil {
				return err
			}
			newController(cfg, stdout, stderr).Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().StringVar(&responseFile, "response-file", "", "newline-separated list of expected CDS files")
	_ = cmd.MarkFlagRequired("response-file")
	return cmd
}

func newDebugParserCommand(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "debug-parser <source-root>",
		Short: "Print the discovered project graph as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0], opts.settings, opts.overrides(string(pipeline.ModeDebugParser), ""))
			if err != nil {
				return err
			}
			sum := newController(cfg, stdout, stderr).Run(cmd.Context())
			if sum.Projects == 0 {
				return errDebugFailed
			}
			return nil
		},
	}
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the extractor version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "cds-extractor %s\n", version)
		},
	}
}

// newController wires the production collaborators for cfg.
func newController(cfg *config.Config, stdout, stderr io.Writer) *pipeline.Controller {
	log := logging.New(cfg.LogLevel, cfg.LogFormat, stderr)
	runner := proc.ExecRunner{}

	return pipeline.New(pipeline.Config{
		SourceRoot:     cfg.SourceRoot,
		Mode:           pipeline.Mode(cfg.Mode),
		CdsCommand:     cfg.CdsCommand,
		ResponseFile:   cfg.ResponseFile,
		MaxAttempts:    cfg.MaxAttempts,
		SkipInstall:    cfg.SkipInstall,
		NPM:            cfg.NPM,
		InstallTimeout: cfg.InstallTimeout,
		CompileTimeout: cfg.CompileTimeout,
		ProbeTimeout:   cfg.ProbeTimeout,

		SettingsProblems: cfg.Problems,
	}, pipeline.Deps{
		Runner:   runner,
		Registry: newRegistry(cfg, runner, log),
		Recorder: newRecorder(cfg, runner, log),
		Log:      log,
		Report:   stderr,
		Debug:    stdout,
	})
}

func newRegistry(cfg *config.Config, runner proc.Runner, log *slog.Logger) versions.Registry {
	if cfg.Offline || cfg.Mode == string(pipeline.ModeDebugParser) {
		return versions.StaticRegistry{}
	}
	return &versions.NPMRegistry{
		Runner:    runner,
		CacheRoot: cfg.CacheRoot(),
		CacheTTL:  cfg.RegistryCacheTTL,
		NPM:       cfg.NPM,
		Log:       log,
	}
}

func newRecorder(cfg *config.Config, runner proc.Runner, log *slog.Logger) diagnostics.Recorder {
	logged := diagnostics.Log{Logger: log}
	codeql := cfg.CodeQLPath()
	if codeql == "" || cfg.WIPDatabase == "" {
		log.Debug("no CodeQL database configured, diagnostics go to the log only")
		return logged
	}
	return diagnostics.Tee{
		&diagnostics.CodeQLRecorder{Runner: runner, CodeQL: codeql, Database: cfg.WIPDatabase, Log: log},
		logged,
	}
}
