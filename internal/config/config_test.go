package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/storage"
)

func writeConfig(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: leveldb
  path: /var/lib/strata
orchestrator:
  instance: node-a
log:
  level: debug
  format: json
metrics:
  addr: ":9090"
schemas: ./schemas
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, storage.BackendLevelDB, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/strata", cfg.Storage.Path)
	assert.Equal(t, "node-a", cfg.Orchestrator.Instance)
	assert.Equal(t, 10000, cfg.Orchestrator.ProcessedRetention)
	assert.True(t, cfg.Orchestrator.AutoDrain)
	assert.Equal(t, 1000, cfg.Bus.Buffer)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "./schemas", cfg.Schemas)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "storage:\n  backnd: sqlite\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"missing path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"zero buffer", func(c *Config) { c.Bus.Buffer = 0 }, "bus.buffer"},
		{"empty instance", func(c *Config) { c.Orchestrator.Instance = "" }, "orchestrator.instance"},
		{"negative retention", func(c *Config) { c.Orchestrator.ProcessedRetention = -1 }, "processed_retention"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestMemoryBackendNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.Storage = Storage{Backend: storage.BackendMemory}
	assert.NoError(t, cfg.Validate())
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	level, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
