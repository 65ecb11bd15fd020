package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be")
}

func TestNewLogger_InvalidRedactionPattern(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Redaction.Patterns = []string{"("}

	_, err := NewLogger(cfg)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"console format", func(c *Config) { c.Format = "console" }, false},
		{"negative caller skip", func(c *Config) { c.Caller.Skip = -1 }, true},
		{"empty field key", func(c *Config) { c.Fields[""] = "x" }, true},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRunID(ctx, "run_a1b2c3d4")
	ctx = WithStepID(ctx, "step_e5f6a7b8")

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "run.id", fields[0].Key)
	assert.Equal(t, "step.id", fields[1].Key)
}

func TestRunIDFromContext(t *testing.T) {
	assert.Equal(t, "", RunIDFromContext(context.Background()))

	ctx := WithRunID(context.Background(), "run_x")
	assert.Equal(t, "run_x", RunIDFromContext(ctx))
}

func TestLoggerNamed(t *testing.T) {
	logger := NewNop()
	child := logger.Named("pipeline")
	require.NotNil(t, child)
	assert.NotSame(t, logger, child)
}
