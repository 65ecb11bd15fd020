// Package config provides configuration loading for autodevd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides and sensible defaults. See LoadWithFile for precedence rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete autodevd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Models        ModelsConfig        `koanf:"models"`
	Router        RouterConfig        `koanf:"router"`
	Governor      GovernorConfig      `koanf:"governor"`
	Budget        BudgetConfig        `koanf:"budget"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Compaction    CompactionConfig    `koanf:"compaction"`
	Events        EventsConfig        `koanf:"events"`
	Store         StoreConfig         `koanf:"store"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure        bool   `koanf:"insecure"`
}

// ModelsConfig holds model provider configuration.
//
// Provider selects the completion backend: "anthropic", "openai", or
// "langchain" (openai-compatible endpoints, including OpenRouter).
type ModelsConfig struct {
	Provider    string                `koanf:"provider"`
	APIKey      string                `koanf:"api_key"`
	BaseURL     string                `koanf:"base_url"`
	MaxTokens   int                   `koanf:"max_tokens"`
	Temperature float64               `koanf:"temperature"`
	Roles       map[string]RoleModels `koanf:"roles"`
}

// RoleModels binds an agent role to its primary and fallback model ids.
type RoleModels struct {
	Primary  string `koanf:"primary"`
	Fallback string `koanf:"fallback"`
}

// RouterConfig tunes primary/fallback selection.
type RouterConfig struct {
	WindowSize         int           `koanf:"window_size"`
	ErrorRateThreshold float64       `koanf:"error_rate_threshold"`
	LatencyCeiling     time.Duration `koanf:"latency_ceiling"`
	CostShareThreshold float64       `koanf:"cost_share_threshold"`
	Cooldown           time.Duration `koanf:"cooldown"`
}

// GovernorConfig tunes the retry wrapper around agent calls.
type GovernorConfig struct {
	CallTimeout time.Duration `koanf:"call_timeout"`
	MaxAttempts int           `koanf:"max_attempts"`
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
}

// BudgetConfig holds per-run spend ceilings.
type BudgetConfig struct {
	MaxCost      float64       `koanf:"max_cost"`
	MaxWallClock time.Duration `koanf:"max_wall_clock"`
	MaxCalls     int           `koanf:"max_calls"`
}

// PipelineConfig tunes the controller's step cycle. The disable flags
// drop a role from the cycle: without the critic steps are accepted as
// written, without the tester runs skip the test rounds, and without
// the summarizer no summary artifact is produced.
type PipelineConfig struct {
	MaxRevisions               int  `koanf:"max_revisions"`
	MaxConsecutiveStepFailures int  `koanf:"max_consecutive_step_failures"`
	ContinueOnStepFailure      bool `koanf:"continue_on_step_failure"`
	HistoryLimit               int  `koanf:"history_limit"`
	DisableCritic              bool `koanf:"disable_critic"`
	DisableTester              bool `koanf:"disable_tester"`
	DisableSummarizer          bool `koanf:"disable_summarizer"`
}

// CompactionConfig tunes the summary artifact.
type CompactionConfig struct {
	CapBytes int `koanf:"cap_bytes"`
}

// EventsConfig holds status stream configuration.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `koanf:"backend"` // "memory" or "sqlite"
	Path    string `koanf:"path"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	switch c.Models.Provider {
	case "anthropic", "openai", "langchain":
	default:
		return fmt.Errorf("unknown model provider: %q", c.Models.Provider)
	}
	if c.Models.MaxTokens <= 0 {
		return errors.New("models.max_tokens must be positive")
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 2 {
		return fmt.Errorf("models.temperature out of range: %v", c.Models.Temperature)
	}
	if c.Router.ErrorRateThreshold <= 0 || c.Router.ErrorRateThreshold > 1 {
		return fmt.Errorf("router.error_rate_threshold out of range: %v", c.Router.ErrorRateThreshold)
	}
	if c.Router.CostShareThreshold <= 0 || c.Router.CostShareThreshold > 1 {
		return fmt.Errorf("router.cost_share_threshold out of range: %v", c.Router.CostShareThreshold)
	}
	if c.Governor.MaxAttempts < 1 {
		return errors.New("governor.max_attempts must be at least 1")
	}
	if c.Pipeline.MaxRevisions < 0 {
		return errors.New("pipeline.max_revisions must be >= 0")
	}
	if c.Compaction.CapBytes <= 0 {
		return errors.New("compaction.cap_bytes must be positive")
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
//
// Model defaults mirror the reference deployment: OpenRouter-style model
// ids with anthropic/claude-2 primary and openai/gpt-4 fallback for every
// role, 4000 max tokens, temperature 0.7.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "autodevd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}

	if cfg.Models.Provider == "" {
		cfg.Models.Provider = "openai"
	}
	if cfg.Models.BaseURL == "" {
		cfg.Models.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Models.MaxTokens == 0 {
		cfg.Models.MaxTokens = 4000
	}
	if cfg.Models.Temperature == 0 {
		cfg.Models.Temperature = 0.7
	}
	if cfg.Models.Roles == nil {
		cfg.Models.Roles = map[string]RoleModels{}
	}
	for _, role := range []string{"planner", "coder", "critic", "tester", "summarizer"} {
		if _, ok := cfg.Models.Roles[role]; !ok {
			cfg.Models.Roles[role] = RoleModels{
				Primary:  "anthropic/claude-2",
				Fallback: "openai/gpt-4",
			}
		}
	}

	if cfg.Router.WindowSize == 0 {
		cfg.Router.WindowSize = 5
	}
	if cfg.Router.ErrorRateThreshold == 0 {
		cfg.Router.ErrorRateThreshold = 0.40
	}
	if cfg.Router.LatencyCeiling == 0 {
		cfg.Router.LatencyCeiling = 30 * time.Second
	}
	if cfg.Router.CostShareThreshold == 0 {
		cfg.Router.CostShareThreshold = 0.70
	}
	if cfg.Router.Cooldown == 0 {
		cfg.Router.Cooldown = 2 * time.Minute
	}

	if cfg.Governor.CallTimeout == 0 {
		cfg.Governor.CallTimeout = 60 * time.Second
	}
	if cfg.Governor.MaxAttempts == 0 {
		cfg.Governor.MaxAttempts = 3
	}
	if cfg.Governor.BackoffBase == 0 {
		cfg.Governor.BackoffBase = 500 * time.Millisecond
	}
	if cfg.Governor.BackoffCap == 0 {
		cfg.Governor.BackoffCap = 8 * time.Second
	}

	if cfg.Budget.MaxCost == 0 {
		cfg.Budget.MaxCost = 5.0
	}
	if cfg.Budget.MaxWallClock == 0 {
		cfg.Budget.MaxWallClock = 30 * time.Minute
	}
	if cfg.Budget.MaxCalls == 0 {
		cfg.Budget.MaxCalls = 100
	}

	if cfg.Pipeline.MaxRevisions == 0 {
		cfg.Pipeline.MaxRevisions = 3
	}
	if cfg.Pipeline.MaxConsecutiveStepFailures == 0 {
		cfg.Pipeline.MaxConsecutiveStepFailures = 2
	}
	if cfg.Pipeline.HistoryLimit == 0 {
		cfg.Pipeline.HistoryLimit = 50
	}

	if cfg.Compaction.CapBytes == 0 {
		cfg.Compaction.CapBytes = 8192
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "autodevd.runs"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
}
