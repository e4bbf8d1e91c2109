// Package config loads tessera settings from YAML with environment
// overrides: defaults first, then the file, then TESSERA_* variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sbl8/tessera/store"
	"github.com/sbl8/tessera/tile"
)

var validate = validator.New()

// Config is the full tessera configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects and tunes the tile store.
type StoreConfig struct {
	Backend        string        `yaml:"backend" validate:"oneof=memory badger"`
	Path           string        `yaml:"path" validate:"required_if=Backend badger InMemory false"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gt=0,lt=1"`
}

// RuntimeConfig tunes the engine.
type RuntimeConfig struct {
	Workers    int    `yaml:"workers" validate:"gte=0"`
	TileHint   []int  `yaml:"tile_hint" validate:"omitempty,dive,gt=0"`
	ReadPolicy string `yaml:"read_policy" validate:"oneof=relaxed strict"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TelemetryConfig selects otel exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	MetricsAddr    string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Default returns the built-in configuration: an in-process memory store,
// one worker per CPU, relaxed reads and text logs at info.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:        "memory",
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Runtime: RuntimeConfig{
			ReadPolicy: "relaxed",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "none",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path or a missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TESSERA_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("TESSERA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TESSERA_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.Workers = i
		}
	}
	if v := os.Getenv("TESSERA_READ_POLICY"); v != "" {
		cfg.Runtime.ReadPolicy = strings.ToLower(v)
	}
	if v := os.Getenv("TESSERA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ReadPolicy returns the configured tile read policy.
func (c Config) ReadPolicy() tile.ReadPolicy {
	p, err := tile.ParseReadPolicy(c.Runtime.ReadPolicy)
	if err != nil {
		return tile.ReadRelaxed
	}
	return p
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Logger builds a logger writing to stderr in the configured format.
func (c Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// BadgerConfig translates the store section for store.OpenBadgerStore.
func (c Config) BadgerConfig(logger *slog.Logger) store.BadgerConfig {
	return store.BadgerConfig{
		Path:           c.Store.Path,
		InMemory:       c.Store.InMemory,
		SyncWrites:     c.Store.SyncWrites,
		Logger:         logger,
		GCInterval:     c.Store.GCInterval,
		GCDiscardRatio: c.Store.GCDiscardRatio,
	}
}

// OpenStore opens the configured store backend.
func (c Config) OpenStore(logger *slog.Logger) (store.Store, error) {
	opts := store.Options{Logger: logger, ReadPolicy: c.ReadPolicy()}
	switch c.Store.Backend {
	case "badger":
		return store.OpenBadgerStore(c.BadgerConfig(logger), opts)
	default:
		return store.NewMemStore(opts), nil
	}
}
