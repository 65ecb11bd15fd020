package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodevd/internal/config"
	"github.com/fyrsmithlabs/autodevd/internal/store"
)

func TestNewStore_DefaultsToMemory(t *testing.T) {
	cfg := &config.Config{}
	st, err := newStore(cfg)
	require.NoError(t, err)
	defer st.Close()

	_, ok := st.(*store.MemoryStore)
	assert.True(t, ok)
}

func TestNewStore_SQLite(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.Backend = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "runs.db")

	st, err := newStore(cfg)
	require.NoError(t, err)
	defer st.Close()

	_, ok := st.(*store.SQLiteStore)
	assert.True(t, ok)
}

func TestTelemetryConfig_Mapping(t *testing.T) {
	cfg := &config.Config{}
	cfg.Observability.EnableTelemetry = true
	cfg.Observability.ServiceName = "autodevd-test"
	cfg.Observability.Endpoint = "collector:4318"
	cfg.Observability.Protocol = "http/protobuf"
	cfg.Observability.Insecure = true

	tc := telemetryConfig(cfg)
	assert.True(t, tc.Enabled)
	assert.Equal(t, "autodevd-test", tc.ServiceName)
	assert.Equal(t, "collector:4318", tc.Endpoint)
	assert.Equal(t, "http/protobuf", tc.Protocol)
	assert.True(t, tc.Insecure)
	require.NoError(t, tc.Validate())
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd()
	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["run"])
	assert.True(t, names["version"])
}
