// Package config loads node configuration from YAML.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/orchestrator"
	"github.com/roach88/strata/internal/storage"
)

// Config is the full node configuration.
type Config struct {
	Storage      Storage      `yaml:"storage"`
	Bus          Bus          `yaml:"bus"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Log          Log          `yaml:"log"`
	Metrics      Metrics      `yaml:"metrics"`

	// Schemas is a directory of CUE schema files loaded at startup.
	Schemas string `yaml:"schemas,omitempty"`
}

type Storage struct {
	Backend storage.Backend `yaml:"backend"`
	Path    string          `yaml:"path"`
}

type Bus struct {
	Buffer int `yaml:"buffer"`
}

type Orchestrator struct {
	Instance           string `yaml:"instance"`
	ProcessedRetention int    `yaml:"processed_retention"`
	AutoDrain          bool   `yaml:"auto_drain"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type Metrics struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: Storage{Backend: storage.BackendSQLite, Path: "./strata.db"},
		Bus:     Bus{Buffer: eventbus.DefaultBuffer},
		Orchestrator: Orchestrator{
			Instance:           orchestrator.DefaultInstance,
			ProcessedRetention: orchestrator.DefaultProcessedRetention,
			AutoDrain:          true,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case storage.BackendSQLite, storage.BackendLevelDB:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for backend %s", c.Storage.Backend)
		}
	case storage.BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q must be sqlite, leveldb or memory", c.Storage.Backend)
	}

	if c.Bus.Buffer <= 0 {
		return fmt.Errorf("bus.buffer must be positive, got %d", c.Bus.Buffer)
	}
	if c.Orchestrator.Instance == "" {
		return fmt.Errorf("orchestrator.instance is required")
	}
	if c.Orchestrator.ProcessedRetention <= 0 {
		return fmt.Errorf("orchestrator.processed_retention must be positive, got %d", c.Orchestrator.ProcessedRetention)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
	}
	return level, nil
}
