// Package config assembles run settings from .env, the environment, an
// optional TOML settings file and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"
)

// FileName is the settings file looked up in the source root.
const FileName = ".cds-extractor.toml"

type Config struct {
	SourceRoot   string
	Mode         string
	CdsCommand   string
	ResponseFile string

	CodeQLDist  string
	WIPDatabase string

	LogLevel  string
	LogFormat string

	MaxAttempts int
	SkipInstall bool
	Offline     bool
	NPM         string

	InstallTimeout   time.Duration
	CompileTimeout   time.Duration
	ProbeTimeout     time.Duration
	RegistryCacheTTL time.Duration

	// Problems are settings that could not be used. Their keys keep the
	// lower-precedence value, so a run can go ahead and report them.
	Problems []error
}

// fileSettings mirrors the TOML settings file.
type fileSettings struct {
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Compiler struct {
		Command     string `toml:"command"`
		MaxAttempts int    `toml:"max-attempts"`
		Timeout     string `toml:"timeout"`
		Probe       string `toml:"probe-timeout"`
	} `toml:"compiler"`
	Install struct {
		Skip     bool   `toml:"skip"`
		Offline  bool   `toml:"offline"`
		NPM      string `toml:"npm"`
		Timeout  string `toml:"timeout"`
		CacheTTL string `toml:"registry-cache-ttl"`
	} `toml:"install"`
}

// Overrides are command-line values. Empty or zero fields leave the loaded
// value alone.
type Overrides struct {
	Mode         string
	CdsCommand   string
	ResponseFile string
	LogLevel     string
	LogFormat    string
	MaxAttempts  int
	SkipInstall  bool
	Offline      bool
}

func defaults() Config {
	return Config{
		Mode:             "autobuild",
		LogLevel:         "info",
		LogFormat:        "text",
		MaxAttempts:      2,
		NPM:              "npm",
		ProbeTimeout:     5 * time.Second,
		RegistryCacheTTL: 24 * time.Hour,
	}
}

// Load resolves settings for sourceRoot. Precedence, lowest first:
// defaults, settings file, environment (including .env), overrides.
// settingsFile may be empty to use <sourceRoot>/.cds-extractor.toml when
// present; an explicit settingsFile must exist. A malformed settings file or
// environment value lands in Config.Problems instead of failing the load.
func Load(sourceRoot, settingsFile string, o Overrides) (*Config, error) {
	_ = godotenv.Load()

	root := strings.TrimSpace(sourceRoot)
	if root == "" {
		return nil, errors.New("config: source root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("config: resolve source root: %w", err)
	}

	cfg := defaults()
	cfg.SourceRoot = abs

	explicit := settingsFile != ""
	if !explicit {
		settingsFile = filepath.Join(abs, FileName)
	} else if _, err := os.Stat(settingsFile); err != nil {
		return nil, fmt.Errorf("config: settings file: %w", err)
	}
	cfg.applyFile(settingsFile)
	cfg.applyEnv()
	cfg.apply(o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) problem(format string, args ...any) {
	c.Problems = append(c.Problems, fmt.Errorf(format, args...))
}

func (c *Config) applyFile(name string) {
	data, err := os.ReadFile(name)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.problem("config: read %s: %w", name, err)
		}
		return
	}
	var fs fileSettings
	if err := toml.Unmarshal(data, &fs); err != nil {
		c.problem("config: parse %s: %w", name, err)
		return
	}

	c.LogLevel = firstNonEmpty(fs.Log.Level, c.LogLevel)
	c.LogFormat = firstNonEmpty(fs.Log.Format, c.LogFormat)
	c.CdsCommand = firstNonEmpty(fs.Compiler.Command, c.CdsCommand)
	if fs.Compiler.MaxAttempts > 0 {
		c.MaxAttempts = fs.Compiler.MaxAttempts
	}
	c.SkipInstall = c.SkipInstall || fs.Install.Skip
	c.Offline = c.Offline || fs.Install.Offline
	c.NPM = firstNonEmpty(fs.Install.NPM, c.NPM)

	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{fs.Compiler.Timeout, &c.CompileTimeout, "compiler.timeout"},
		{fs.Compiler.Probe, &c.ProbeTimeout, "compiler.probe-timeout"},
		{fs.Install.Timeout, &c.InstallTimeout, "install.timeout"},
		{fs.Install.CacheTTL, &c.RegistryCacheTTL, "install.registry-cache-ttl"},
	} {
		if err := setDuration(d.dst, d.raw); err != nil {
			c.problem("config: %s: %s: %w", name, d.key, err)
		}
	}
}

func (c *Config) applyEnv() {
	env := func(key string) string { return strings.TrimSpace(os.Getenv(key)) }

	c.CodeQLDist = firstNonEmpty(env("CODEQL_DIST"), c.CodeQLDist)
	c.WIPDatabase = firstNonEmpty(env("CODEQL_EXTRACTOR_CDS_WIP_DATABASE"), c.WIPDatabase)
	c.LogLevel = firstNonEmpty(env("CDS_EXTRACTOR_LOG_LEVEL"), c.LogLevel)
	c.LogFormat = firstNonEmpty(env("CDS_EXTRACTOR_LOG_FORMAT"), c.LogFormat)
	c.CdsCommand = firstNonEmpty(env("CDS_EXTRACTOR_CDS_COMMAND"), c.CdsCommand)
	c.NPM = firstNonEmpty(env("CDS_EXTRACTOR_NPM"), c.NPM)

	if raw := env("CDS_EXTRACTOR_MAX_ATTEMPTS"); raw != "" {
		if n, err := strconv.Atoi(raw); err != nil || n <= 0 {
			c.problem("config: CDS_EXTRACTOR_MAX_ATTEMPTS must be a positive integer, got %q", raw)
		} else {
			c.MaxAttempts = n
		}
	}
	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"CDS_EXTRACTOR_SKIP_INSTALL", &c.SkipInstall},
		{"CDS_EXTRACTOR_OFFLINE", &c.Offline},
	} {
		if raw := env(b.key); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				c.problem("config: %s: %w", b.key, err)
				continue
			}
			*b.dst = v
		}
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"CDS_EXTRACTOR_INSTALL_TIMEOUT", &c.InstallTimeout},
		{"CDS_EXTRACTOR_COMPILE_TIMEOUT", &c.CompileTimeout},
		{"CDS_EXTRACTOR_PROBE_TIMEOUT", &c.ProbeTimeout},
		{"CDS_EXTRACTOR_REGISTRY_CACHE_TTL", &c.RegistryCacheTTL},
	} {
		if err := setDuration(d.dst, env(d.key)); err != nil {
			c.problem("config: %s: %w", d.key, err)
		}
	}
}

func (c *Config) apply(o Overrides) {
	c.Mode = firstNonEmpty(o.Mode, c.Mode)
	c.CdsCommand = firstNonEmpty(o.CdsCommand, c.CdsCommand)
	c.ResponseFile = firstNonEmpty(o.ResponseFile, c.ResponseFile)
	c.LogLevel = firstNonEmpty(o.LogLevel, c.LogLevel)
	c.LogFormat = firstNonEmpty(o.LogFormat, c.LogFormat)
	if o.MaxAttempts > 0 {
		c.MaxAttempts = o.MaxAttempts
	}
	c.SkipInstall = c.SkipInstall || o.SkipInstall
	c.Offline = c.Offline || o.Offline
}

func (c *Config) Validate() error {
	switch c.Mode {
	case "autobuild", "index-files", "debug-parser":
	default:
		return fmt.Errorf("config: unknown run mode %q", c.Mode)
	}
	if c.Mode == "index-files" && c.ResponseFile == "" {
		return errors.New("config: index-files mode needs a response file")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: max attempts must be positive, got %d", c.MaxAttempts)
	}
	return nil
}

// CodeQLPath is the codeql executable inside CODEQL_DIST, empty when unset.
func (c *Config) CodeQLPath() string {
	if c.CodeQLDist == "" {
		return ""
	}
	name := "codeql"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(c.CodeQLDist, name)
}

// CacheRoot is where registry listings are persisted between runs.
func (c *Config) CacheRoot() string {
	return filepath.Join(c.SourceRoot, ".cds-extractor-cache", "registry")
}

func setDuration(dst *time.Duration, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("negative duration %s", raw)
	}
	*dst = d
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
