package sessions

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rho-agent/rho/internal/profile"
)

// Config is the serializable portion of an agent configuration: what a
// later process needs to rebuild the same agent for resume. Runtime
// wiring (client factory, tool dependencies) is reconstructed by the
// caller.
type Config struct {
	Model           string                    `yaml:"model"`
	SystemPrompt    string                    `yaml:"system_prompt,omitempty"`
	WorkingDir      string                    `yaml:"working_dir,omitempty"`
	BaseURL         string                    `yaml:"base_url,omitempty"`
	ServiceTier     string                    `yaml:"service_tier,omitempty"`
	ReasoningEffort string                    `yaml:"reasoning_effort,omitempty"`
	ResponseFormat  string                    `yaml:"response_format,omitempty"`
	ContextWindow   int                       `yaml:"context_window,omitempty"`
	Profile         profile.CapabilityProfile `yaml:"profile"`
}

// SaveConfig writes config.yaml.
func (d *Dir) SaveConfig(cfg Config) error {
	if cfg.Model == "" {
		return fmt.Errorf("sessions: config for %s has no model", d.id)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("sessions: marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.path, configFile), raw, 0o644); err != nil {
		return fmt.Errorf("sessions: write config: %w", err)
	}
	return nil
}

// LoadConfig reads config.yaml. ErrNotFound when the session was never
// configured.
func (d *Dir) LoadConfig() (Config, error) {
	raw, err := os.ReadFile(filepath.Join(d.path, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("sessions: config for %s: %w", d.id, ErrNotFound)
		}
		return Config{}, fmt.Errorf("sessions: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("sessions: parse config: %w", err)
	}
	if err := cfg.Profile.Validate(); err != nil {
		return Config{}, fmt.Errorf("sessions: %w", err)
	}
	return cfg, nil
}
