// Package agent implements the harness core: agents, sessions, and the
// turn loop that drives a model against a tool registry. A Session owns
// mutable conversation state; the Agent it runs is an immutable bundle
// of model settings and capabilities, swapped wholesale on reconfigure.
package agent

import (
	"errors"
	"fmt"
	"os"

	"github.com/rho-agent/rho/internal/profile"
	"github.com/rho-agent/rho/internal/tools"
)

// ClientFactory builds a ModelClient for an agent's model settings.
// The binary wires provider constructors in through this, keeping the
// loop free of provider imports.
type ClientFactory func(a *Agent) (ModelClient, error)

// Config carries everything needed to construct an Agent.
type Config struct {
	SystemPrompt string
	Model        string
	Profile      profile.CapabilityProfile
	WorkingDir   string

	// Provider knobs, passed through to the client factory.
	BaseURL         string
	ServiceTier     string
	ReasoningEffort string
	ResponseFormat  string

	// ContextWindow is the model context size in tokens; auto-compaction
	// is disabled when zero.
	ContextWindow int

	ClientFactory ClientFactory
	Deps          profile.FactoryDeps
}

// Agent is an immutable configuration: model settings, system prompt,
// capability profile, and the tool registry built from that profile.
// Mutation happens by constructing a replacement (see Reconfigure), so
// concurrent readers never observe a half-updated agent.
type Agent struct {
	SystemPrompt    string
	Model           string
	Profile         profile.CapabilityProfile
	Registry        *tools.Registry
	WorkingDir      string
	BaseURL         string
	ServiceTier     string
	ReasoningEffort string
	ResponseFormat  string
	ContextWindow   int

	clientFactory ClientFactory
	deps          profile.FactoryDeps
}

// New validates cfg, builds the tool registry for its profile, and
// returns the agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Model == "" {
		return nil, errors.New("agent: model is required")
	}
	if cfg.ClientFactory == nil {
		return nil, errors.New("agent: client factory is required")
	}
	if err := cfg.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	workdir := cfg.WorkingDir
	if workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("agent: resolve working dir: %w", err)
		}
		workdir = wd
	}
	registry, err := profile.BuildRegistry(cfg.Profile, workdir, cfg.Deps)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	return &Agent{
		SystemPrompt:    cfg.SystemPrompt,
		Model:           cfg.Model,
		Profile:         cfg.Profile,
		Registry:        registry,
		WorkingDir:      workdir,
		BaseURL:         cfg.BaseURL,
		ServiceTier:     cfg.ServiceTier,
		ReasoningEffort: cfg.ReasoningEffort,
		ResponseFormat:  cfg.ResponseFormat,
		ContextWindow:   cfg.ContextWindow,
		clientFactory:   cfg.ClientFactory,
		deps:            cfg.Deps,
	}, nil
}

// NewClient builds a guarded model client for this agent.
func (a *Agent) NewClient() (ModelClient, error) {
	client, err := a.clientFactory(a)
	if err != nil {
		return nil, err
	}
	return Guard(client, DefaultInitialChunkTimeout, DefaultChunkTimeout), nil
}

// Reconfigure returns a copy of the agent running under a different
// capability profile, with the registry rebuilt to match. The receiver
// is untouched; callers swap their pointer to adopt the new profile.
func (a *Agent) Reconfigure(p profile.CapabilityProfile) (*Agent, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	registry, err := profile.BuildRegistry(p, a.WorkingDir, a.deps)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	next := *a
	next.Profile = p
	next.Registry = registry
	return &next, nil
}
