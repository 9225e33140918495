// Package config loads the optional harness configuration file. The
// file supplies defaults for everything the CLI can also say with
// flags; flags win, and a handful of RHO_AGENT_* environment variables
// win over the file. ${VAR} references in the file are expanded before
// parsing, so API keys can stay out of the file itself.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rho-agent/rho/internal/logging"
	"github.com/rho-agent/rho/internal/runstore"
	"github.com/rho-agent/rho/internal/sessions"
	"github.com/rho-agent/rho/internal/signals"
	"github.com/rho-agent/rho/internal/telemetry"
)

// Environment variables that override file settings.
const (
	EnvPreviewLines   = "RHO_AGENT_PREVIEW_LINES"
	EnvOutputMaxChars = "RHO_AGENT_OUTPUT_MAX_CHARS"
)

// Provider names accepted under the providers map.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config is the harness configuration.
type Config struct {
	Defaults  DefaultsConfig            `yaml:"defaults"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Sessions  SessionsConfig            `yaml:"sessions"`
	Signals   SignalsConfig             `yaml:"signals"`
	RunStore  RunStoreConfig            `yaml:"runstore"`
	Database  DatabaseConfig            `yaml:"database"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Output    OutputConfig              `yaml:"output"`
	Logging   logging.Config            `yaml:"logging"`
}

// DefaultsConfig seeds the run command's flags.
type DefaultsConfig struct {
	Model        string `yaml:"model"`
	Profile      string `yaml:"profile"`
	SystemPrompt string `yaml:"system_prompt"`

	// ContextWindow in tokens; zero disables auto-compaction.
	ContextWindow int `yaml:"context_window"`

	// MaxTurns caps model calls per run; zero means unlimited.
	MaxTurns int `yaml:"max_turns"`

	// AutoCompact defaults to on; nil means unset.
	AutoCompact *bool `yaml:"auto_compact"`

	// CompactThreshold is the fraction of the context window that
	// triggers compaction.
	CompactThreshold float64 `yaml:"compact_threshold"`

	// Nudge enables the completion nudge used for unattended runs.
	Nudge bool `yaml:"nudge"`
}

// AutoCompactEnabled resolves the tri-state toggle.
func (d DefaultsConfig) AutoCompactEnabled() bool {
	return d.AutoCompact == nil || *d.AutoCompact
}

// ProviderConfig holds per-provider credentials and overrides.
type ProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// SessionsConfig locates the per-session directories.
type SessionsConfig struct {
	Dir string `yaml:"dir"`
}

// SignalsConfig locates the signal directory and, optionally, a
// Postgres control plane shared across nodes.
type SignalsConfig struct {
	Dir         string `yaml:"dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RunStoreConfig locates the interrupted-run database.
type RunStoreConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig points the db_query tool at a SQLite file. Sessions
// run without the tool when no path is set.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig selects the telemetry backend.
type TelemetryConfig struct {
	// Backend is one of sqlite, postgres, otlp, none.
	Backend      string `yaml:"backend"`
	SQLitePath   string `yaml:"sqlite_path"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS toward the collector.
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// QueueSize bounds the exporter write queue.
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig enables the Prometheus listener when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// OutputConfig controls tool-output handling.
type OutputConfig struct {
	// MaxChars is the inline budget before head+tail truncation.
	MaxChars int `yaml:"max_chars"`

	// PreviewLines hints how many lines renderers echo per tool result.
	PreviewLines int `yaml:"preview_lines"`
}

// DefaultPath returns the conventional config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rho-agent", "config.yaml")
	}
	return filepath.Join(home, ".config", "rho-agent", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads DefaultPath when it exists, otherwise Default().
func LoadDefault() (*Config, error) {
	path := DefaultPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	return Load(path)
}

// Parse decodes raw YAML into a validated Config. Unknown fields are
// rejected so typos fail loudly instead of being ignored. Environment
// references like ${ANTHROPIC_API_KEY} are expanded first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ProviderFor returns the settings for a provider name, falling back
// to the conventional environment variable when the file carries no
// api_key.
func (c *Config) ProviderFor(name string) ProviderConfig {
	p := c.Providers[name]
	if p.APIKey == "" {
		p.APIKey = os.Getenv(apiKeyEnv(name))
	}
	return p
}

func apiKeyEnv(name string) string {
	switch name {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	}
	return strings.ToUpper(name) + "_API_KEY"
}

func applyDefaults(cfg *Config) {
	if cfg.Defaults.Model == "" {
		cfg.Defaults.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Defaults.Profile == "" {
		cfg.Defaults.Profile = "developer"
	}
	if cfg.Defaults.CompactThreshold == 0 {
		cfg.Defaults.CompactThreshold = 0.7
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = sessions.Root()
	}
	if cfg.Signals.Dir == "" {
		cfg.Signals.Dir = signals.DefaultDir()
	}
	if cfg.RunStore.Path == "" {
		cfg.RunStore.Path = runstore.DefaultPath()
	}
	if cfg.Telemetry.Backend == "" {
		cfg.Telemetry.Backend = "sqlite"
	}
	if cfg.Telemetry.SQLitePath == "" {
		cfg.Telemetry.SQLitePath = telemetry.DefaultSQLitePath()
	}
	if cfg.Telemetry.QueueSize == 0 {
		cfg.Telemetry.QueueSize = 256
	}
	if cfg.Output.MaxChars == 0 {
		cfg.Output.MaxChars = 20000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv(signals.EnvSignalDir); dir != "" {
		cfg.Signals.Dir = dir
	}
	if n, ok := envInt(EnvOutputMaxChars); ok {
		cfg.Output.MaxChars = n
	}
	if n, ok := envInt(EnvPreviewLines); ok {
		cfg.Output.PreviewLines = n
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (c *Config) validate() error {
	for name := range c.Providers {
		switch name {
		case ProviderAnthropic, ProviderOpenAI:
		default:
			return fmt.Errorf("config: unknown provider %q (want %s or %s)", name, ProviderAnthropic, ProviderOpenAI)
		}
	}

	switch c.Telemetry.Backend {
	case "sqlite", "postgres", "otlp", "none":
	default:
		return fmt.Errorf("config: unknown telemetry backend %q", c.Telemetry.Backend)
	}
	if c.Telemetry.Backend == "postgres" && c.Telemetry.PostgresDSN == "" {
		return errors.New("config: telemetry backend postgres requires telemetry.postgres_dsn")
	}
	if c.Telemetry.Backend == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		return errors.New("config: telemetry backend otlp requires telemetry.otlp_endpoint")
	}
	if c.Telemetry.QueueSize < 0 {
		return errors.New("config: telemetry.queue_size must not be negative")
	}

	if t := c.Defaults.CompactThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("config: defaults.compact_threshold %v outside (0, 1]", t)
	}
	if c.Defaults.MaxTurns < 0 {
		return errors.New("config: defaults.max_turns must not be negative")
	}
	if c.Defaults.ContextWindow < 0 {
		return errors.New("config: defaults.context_window must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown logging format %q", c.Logging.Format)
	}
	for _, pattern := range c.Logging.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("config: logging.redact_patterns %q: %w", pattern, err)
		}
	}

	if c.Output.MaxChars < 0 || c.Output.PreviewLines < 0 {
		return errors.New("config: output limits must not be negative")
	}
	return nil
}
