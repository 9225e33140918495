package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
defaults:
  model: gpt-4o
  modle: oops
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidatesTelemetryBackend(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  backend: warehouse
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "telemetry backend") {
		t.Fatalf("expected telemetry backend error, got %v", err)
	}
}

func TestLoadRequiresDSNForPostgresTelemetry(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  backend: postgres
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "postgres_dsn") {
		t.Fatalf("expected postgres_dsn error, got %v", err)
	}
}

func TestLoadValidatesProviderNames(t *testing.T) {
	path := writeConfig(t, `
providers:
  mistral:
    api_key: x
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestLoadValidatesCompactThreshold(t *testing.T) {
	path := writeConfig(t, `
defaults:
  compact_threshold: 1.5
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "compact_threshold") {
		t.Fatalf("expected threshold error, got %v", err)
	}
}

func TestLoadValidatesRedactPatterns(t *testing.T) {
	path := writeConfig(t, `
logging:
  redact_patterns:
    - "([unclosed"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "redact_patterns") {
		t.Fatalf("expected pattern error, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
defaults:
  model: gpt-4o
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Defaults.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.Defaults.Model)
	}
	if cfg.Defaults.Profile != "developer" {
		t.Errorf("profile default = %q", cfg.Defaults.Profile)
	}
	if cfg.Defaults.CompactThreshold != 0.7 {
		t.Errorf("threshold default = %v", cfg.Defaults.CompactThreshold)
	}
	if !cfg.Defaults.AutoCompactEnabled() {
		t.Error("auto compact should default on")
	}
	if cfg.Telemetry.Backend != "sqlite" || cfg.Telemetry.SQLitePath == "" {
		t.Errorf("telemetry defaults = %+v", cfg.Telemetry)
	}
	if cfg.Sessions.Dir == "" || cfg.Signals.Dir == "" || cfg.RunStore.Path == "" {
		t.Errorf("path defaults missing: %+v %+v %+v", cfg.Sessions, cfg.Signals, cfg.RunStore)
	}
	if cfg.Output.MaxChars != 20000 {
		t.Errorf("output max chars default = %d", cfg.Output.MaxChars)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
defaults:
  model: claude-sonnet-4-20250514
  profile: eval
  system_prompt: "Be brief."
  context_window: 200000
  max_turns: 40
  auto_compact: false
  nudge: true
providers:
  anthropic:
    api_key: key-a
  openai:
    api_key: key-o
    base_url: http://localhost:11434/v1
    max_tokens: 4096
database:
  path: /var/lib/rho/tools.db
telemetry:
  backend: otlp
  otlp_endpoint: localhost:4317
metrics:
  addr: ":9464"
output:
  max_chars: 5000
  preview_lines: 8
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Defaults.AutoCompactEnabled() {
		t.Error("auto_compact: false should disable")
	}
	if !cfg.Defaults.Nudge || cfg.Defaults.MaxTurns != 40 {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
	if cfg.Providers["openai"].BaseURL != "http://localhost:11434/v1" {
		t.Errorf("openai = %+v", cfg.Providers["openai"])
	}
	if cfg.Database.Path != "/var/lib/rho/tools.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Metrics.Addr != ":9464" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("TEST_RHO_KEY", "expanded-secret")
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: ${TEST_RHO_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Providers["anthropic"].APIKey; got != "expanded-secret" {
		t.Errorf("api_key = %q", got)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("RHO_AGENT_SIGNAL_DIR", "/tmp/override-signals")
	t.Setenv(EnvOutputMaxChars, "1234")
	t.Setenv(EnvPreviewLines, "3")
	path := writeConfig(t, `
signals:
  dir: /etc/rho/signals
output:
  max_chars: 99999
  preview_lines: 50
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Signals.Dir != "/tmp/override-signals" {
		t.Errorf("signal dir = %q", cfg.Signals.Dir)
	}
	if cfg.Output.MaxChars != 1234 || cfg.Output.PreviewLines != 3 {
		t.Errorf("output = %+v", cfg.Output)
	}
}

func TestProviderForFallsBackToEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	cfg := Default()
	if got := cfg.ProviderFor(ProviderOpenAI).APIKey; got != "env-key" {
		t.Errorf("api key = %q", got)
	}

	cfg.Providers = map[string]ProviderConfig{
		ProviderOpenAI: {APIKey: "file-key"},
	}
	if got := cfg.ProviderFor(ProviderOpenAI).APIKey; got != "file-key" {
		t.Errorf("file key should win, got %q", got)
	}
}

func TestLoadDefaultWithoutFile(t *testing.T) {
	cfg := Default()
	if cfg.Defaults.Model == "" || cfg.Telemetry.Backend != "sqlite" {
		t.Errorf("default config = %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	raw, err := JSONSchema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, want := range []string{"compact_threshold", "telemetry", "redact_patterns"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}
