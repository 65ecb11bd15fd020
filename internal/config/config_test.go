package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "autodevd", cfg.Observability.ServiceName)
	assert.Equal(t, "anthropic/claude-2", cfg.Models.Roles["coder"].Primary)
	assert.Equal(t, "openai/gpt-4", cfg.Models.Roles["coder"].Fallback)
	assert.Equal(t, 4000, cfg.Models.MaxTokens)
	assert.InDelta(t, 0.7, cfg.Models.Temperature, 0.001)
	assert.Equal(t, 5, cfg.Router.WindowSize)
	assert.InDelta(t, 0.40, cfg.Router.ErrorRateThreshold, 0.001)
	assert.InDelta(t, 0.70, cfg.Router.CostShareThreshold, 0.001)
	assert.Equal(t, 3, cfg.Governor.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Governor.CallTimeout)
	assert.Equal(t, 3, cfg.Pipeline.MaxRevisions)
	assert.Equal(t, 2, cfg.Pipeline.MaxConsecutiveStepFailures)
	assert.Equal(t, 8192, cfg.Compaction.CapBytes)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"bad provider", func(c *Config) { c.Models.Provider = "acme" }, "unknown model provider"},
		{"bad temperature", func(c *Config) { c.Models.Temperature = 3.0 }, "temperature out of range"},
		{"bad error rate", func(c *Config) { c.Router.ErrorRateThreshold = 1.5 }, "error_rate_threshold out of range"},
		{"zero attempts", func(c *Config) { c.Governor.MaxAttempts = 0 }, "max_attempts"},
		{"sqlite without path", func(c *Config) { c.Store.Backend = "sqlite"; c.Store.Path = "" }, "store.path required"},
		{"unknown store", func(c *Config) { c.Store.Backend = "etcd" }, "unknown store backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadWithFile_YAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("server:\n  http_port: 9100\nmodels:\n  provider: anthropic\n")
	require.NoError(t, os.WriteFile(path, content, 0600))

	t.Setenv("AUTODEVD_BUDGET_MAX_COST", "2.5")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.Models.Provider)
	assert.InDelta(t, 2.5, cfg.Budget.MaxCost, 0.001)
	// Defaults still applied for untouched sections.
	assert.Equal(t, 3, cfg.Governor.MaxAttempts)
}

func TestLoadWithFile_RejectsWorldReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9100\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureConfigDir())

	info, err := os.Stat(filepath.Join(home, ".config", "autodevd"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestTransformEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_port", transformEnvKey("AUTODEVD_SERVER_HTTP_PORT"))
	assert.Equal(t, "models.api_key", transformEnvKey("AUTODEVD_MODELS_API_KEY"))
	assert.Equal(t, "budget.max_wall_clock", transformEnvKey("AUTODEVD_BUDGET_MAX_WALL_CLOCK"))
}
