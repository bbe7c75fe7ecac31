// Package config loads and validates the gateway configuration. The file is
// read once at startup and treated as immutable for the process lifetime;
// changing the provider list requires a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Catalog   CatalogConfig    `yaml:"catalog"`
	Fallback  FallbackConfig   `yaml:"fallback"`
	Tools     ToolsConfig      `yaml:"tools"`
	Auth      AuthConfig       `yaml:"auth"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// StreamStallTimeout aborts a request whose client stops draining the
	// event stream for this long.
	StreamStallTimeout time.Duration `yaml:"stream_stall_timeout"`
}

// ProviderConfig defines one provider credential instance. Several instances
// may share a type; the pool round-robins among them.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"` // openai, anthropic, gemini
	APIKey  string        `yaml:"api_key"`
	Tier    string        `yaml:"tier"` // free, paid
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ModelConfig is one catalog entry.
type ModelConfig struct {
	Provider        string `yaml:"provider"` // provider type
	Model           string `yaml:"model"`
	Capability      string `yaml:"capability"` // high, low
	MinTier         string `yaml:"min_tier"`   // lowest entitlement allowed
	TokensPerMinute int    `yaml:"tokens_per_minute"`
}

// CatalogConfig describes the model catalog and selection thresholds.
type CatalogConfig struct {
	Models []ModelConfig `yaml:"models"`
	// ComplexTokenThreshold marks a request complex once its estimated
	// token count exceeds this value.
	ComplexTokenThreshold int `yaml:"complex_token_threshold"`
}

// FallbackConfig tunes the orchestrator.
type FallbackConfig struct {
	CooldownPeriod time.Duration `yaml:"cooldown_period"`
	MaxToolRounds  int           `yaml:"max_tool_rounds"`
}

// ToolsConfig configures the MCP tool servers, if any.
type ToolsConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig is one MCP server endpoint.
type MCPServerConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// APIKeyConfig is one caller credential.
type APIKeyConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	Tier string `yaml:"tier"` // entitlement: free, paid

	// Disabled keeps the key in the config for audit but rejects callers
	// presenting it.
	Disabled bool `yaml:"disabled"`
}

// AuthConfig holds the caller key list.
type AuthConfig struct {
	Keys []APIKeyConfig `yaml:"keys"`
}

// LedgerConfig configures usage record sinks.
type LedgerConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	S3         S3Config `yaml:"s3"`
}

// S3Config configures the optional S3 archive sink.
type S3Config struct {
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	AccessKeyID string `yaml:"access_key_id"`
	SecretKey   string `yaml:"secret_key"`
	PathPrefix  string `yaml:"path_prefix"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       300 * time.Second,
			IdleTimeout:        60 * time.Second,
			StreamStallTimeout: 30 * time.Second,
		},
		Catalog: CatalogConfig{
			ComplexTokenThreshold: 2000,
		},
		Fallback: FallbackConfig{
			CooldownPeriod: 60 * time.Second,
			MaxToolRounds:  6,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads and parses a YAML configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	types := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("providers[%d] %q: type is required", i, p.Name)
		}
		if p.APIKey == "" {
			return fmt.Errorf("providers[%d] %q: api_key is required", i, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("providers[%d] %q: timeout cannot be negative", i, p.Name)
		}
		types[p.Type] = true
	}

	if len(c.Catalog.Models) == 0 {
		return fmt.Errorf("catalog: at least one model must be configured")
	}
	for i, m := range c.Catalog.Models {
		if m.Provider == "" || m.Model == "" {
			return fmt.Errorf("catalog.models[%d]: provider and model are required", i)
		}
		if !types[m.Provider] {
			return fmt.Errorf("catalog.models[%d]: no provider of type %q configured", i, m.Provider)
		}
	}

	if c.Fallback.CooldownPeriod < 0 {
		return fmt.Errorf("fallback.cooldown_period cannot be negative")
	}
	if c.Fallback.MaxToolRounds < 1 || c.Fallback.MaxToolRounds > 9 {
		return fmt.Errorf("fallback.max_tool_rounds must be between 1 and 9")
	}

	if len(c.Auth.Keys) == 0 {
		return fmt.Errorf("auth: at least one api key must be configured")
	}
	for i, k := range c.Auth.Keys {
		if k.Key == "" {
			return fmt.Errorf("auth.keys[%d]: key is required", i)
		}
	}

	return nil
}
