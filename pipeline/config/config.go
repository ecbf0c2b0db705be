// Package config loads RecipeFlow-Go deployment configuration from
// YAML: which checkpoint store to use, engine limits, metrics
// exposure, and LLM provider credentials.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// Config is the root configuration document.
type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Engine    EngineConfig     `yaml:"engine"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
	Providers []ProviderConfig `yaml:"providers"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", or "mysql".
	Backend string `yaml:"backend"`

	// DSN is the database path for sqlite or the connection string
	// for mysql. Unused by the memory backend.
	DSN string `yaml:"dsn"`
}

// EngineConfig carries execution limits.
type EngineConfig struct {
	// MaxSteps caps dispatches per run. Zero keeps the engine default.
	MaxSteps int `yaml:"max_steps"`

	// AgentTimeoutSeconds bounds each agent invocation. Zero disables
	// the per-call timeout.
	AgentTimeoutSeconds int `yaml:"agent_timeout_seconds"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig controls the event log emitter.
type LoggingConfig struct {
	// JSON switches the event log from text lines to JSONL.
	JSON bool `yaml:"json"`
}

// ProviderConfig describes one LLM provider. APIKey values may
// reference environment variables as ${VAR}, which Load expands, so
// credentials stay out of config files.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Enabled bool   `yaml:"enabled"`
}

// Default returns the configuration used when a field is absent from
// the file: in-memory checkpoints, metrics on :9090 but disabled, text
// logging.
func Default() *Config {
	return &Config{
		Store:   StoreConfig{Backend: "memory"},
		Metrics: MetricsConfig{Listen: ":9090"},
	}
}

// Load reads, expands, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = os.ExpandEnv(cfg.Providers[i].APIKey)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store backend %s requires a dsn", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Engine.MaxSteps < 0 {
		return fmt.Errorf("max_steps must not be negative, got %d", c.Engine.MaxSteps)
	}
	if c.Engine.AgentTimeoutSeconds < 0 {
		return fmt.Errorf("agent_timeout_seconds must not be negative, got %d", c.Engine.AgentTimeoutSeconds)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	for _, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		switch p.Name {
		case "openai", "anthropic", "google":
		default:
			return fmt.Errorf("unknown provider %q", p.Name)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider %s is enabled without an api_key", p.Name)
		}
	}
	return nil
}

// AgentTimeout returns the per-invocation timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Engine.AgentTimeoutSeconds) * time.Second
}

// Provider returns the first enabled provider with the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Enabled && p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
