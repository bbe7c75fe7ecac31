package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  port: 9090
providers:
  - name: openai-main
    type: openai
    api_key: sk-test
    tier: paid
  - name: anthropic-main
    type: anthropic
    api_key: ak-test
    tier: paid
catalog:
  models:
    - provider: openai
      model: gpt-4o
      capability: high
      min_tier: paid
    - provider: openai
      model: gpt-4o-mini
      capability: low
      min_tier: free
    - provider: anthropic
      model: claude-3-5-haiku
      capability: low
      min_tier: free
auth:
  keys:
    - name: tester
      key: rk_testkey
      tier: paid
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Len(t, cfg.Providers, 2)
	assert.Len(t, cfg.Catalog.Models, 3)
	// Defaults survive partial files.
	assert.Equal(t, 6, cfg.Fallback.MaxToolRounds)
	assert.Equal(t, 2000, cfg.Catalog.ComplexTokenThreshold)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "sk-from-env")

	yaml := `
providers:
  - name: openai-main
    type: openai
    api_key: ${TEST_PROVIDER_KEY}
catalog:
  models:
    - provider: openai
      model: gpt-4o-mini
auth:
  keys:
    - key: rk_x
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Providers[0].APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"missing api key", func(c *Config) { c.Providers[0].APIKey = "" }, "api_key is required"},
		{"no models", func(c *Config) { c.Catalog.Models = nil }, "at least one model"},
		{"model for unknown provider", func(c *Config) { c.Catalog.Models[0].Provider = "cohere" }, "no provider of type"},
		{"no auth keys", func(c *Config) { c.Auth.Keys = nil }, "at least one api key"},
		{"tool rounds out of range", func(c *Config) { c.Fallback.MaxToolRounds = 50 }, "max_tool_rounds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}
