package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newTestEncoder(t *testing.T, cfg RedactionConfig) *RedactingEncoder {
	t.Helper()
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, cfg)
	require.NoError(t, err)
	return enc
}

func TestRedactingEncoder_FieldName(t *testing.T) {
	enc := newTestEncoder(t, RedactionConfig{
		Enabled: true,
		Fields:  []string{"api_key", "password"},
	})

	entry := zapcore.Entry{Message: "test"}
	buf, err := enc.EncodeEntry(entry, []zapcore.Field{
		zap.String("api_key", "sk-super-secret"),
		zap.String("goal", "add endpoint"),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "sk-super-secret")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "add endpoint")
}

func TestRedactingEncoder_ValuePattern(t *testing.T) {
	enc := newTestEncoder(t, RedactionConfig{
		Enabled:  true,
		Patterns: []string{`(?i)bearer\s+\S+`},
	})

	entry := zapcore.Entry{Message: "test"}
	buf, err := enc.EncodeEntry(entry, []zapcore.Field{
		zap.String("header", "Bearer abc123"),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, "[REDACTED:pattern]")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc := newTestEncoder(t, RedactionConfig{Enabled: false})

	entry := zapcore.Entry{Message: "test"}
	buf, err := enc.EncodeEntry(entry, []zapcore.Field{
		zap.String("api_key", "visible"),
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "visible")
}

func TestRedactedString(t *testing.T) {
	f := RedactedString("token", "abcdef")
	assert.Equal(t, "[REDACTED:6]", f.String)
}
