package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/tessera/store"
	"github.com/sbl8/tessera/tile"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tessera.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, tile.ReadRelaxed, cfg.ReadPolicy())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: badger
  path: /var/lib/tessera
  gc_interval: 1m
runtime:
  workers: 3
  tile_hint: [2, 2]
  read_policy: strict
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/tessera", cfg.Store.Path)
	assert.Equal(t, time.Minute, cfg.Store.GCInterval)
	// untouched keys keep their defaults
	assert.Equal(t, 0.5, cfg.Store.GCDiscardRatio)
	assert.Equal(t, 3, cfg.Runtime.Workers)
	assert.Equal(t, []int{2, 2}, cfg.Runtime.TileHint)
	assert.Equal(t, tile.ReadStrict, cfg.ReadPolicy())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "none", cfg.Telemetry.TraceExporter)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "store:\n  backend: redis\n"},
		{"badger without path", "store:\n  backend: badger\n"},
		{"discard ratio", "store:\n  gc_discard_ratio: 1.5\n"},
		{"negative workers", "runtime:\n  workers: -1\n"},
		{"zero tile dim", "runtime:\n  tile_hint: [2, 0]\n"},
		{"read policy", "runtime:\n  read_policy: eager\n"},
		{"log level", "log:\n  level: loud\n"},
		{"metric exporter", "telemetry:\n  metric_exporter: statsd\n"},
		{"metrics addr", "telemetry:\n  metrics_addr: not an address\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "store: [unclosed"))
	assert.ErrorContains(t, err, "parse config")
}

func TestBadgerInMemoryNeedsNoPath(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  backend: badger\n  in_memory: true\n"))
	assert.NoError(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TESSERA_STORE_BACKEND", "badger")
	t.Setenv("TESSERA_STORE_PATH", t.TempDir())
	t.Setenv("TESSERA_WORKERS", "7")
	t.Setenv("TESSERA_READ_POLICY", "STRICT")
	t.Setenv("TESSERA_LOG_LEVEL", "Warn")

	cfg, err := Load(writeConfig(t, "runtime:\n  workers: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, 7, cfg.Runtime.Workers)
	assert.Equal(t, tile.ReadStrict, cfg.ReadPolicy())
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Runtime.TileHint = []int{4, 8}
	cfg.Telemetry.MetricExporter = "prometheus"
	cfg.Telemetry.MetricsAddr = "localhost:9464"

	data, err := cfg.Marshal()
	require.NoError(t, err)
	got, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestBadgerConfig(t *testing.T) {
	cfg := Default()
	cfg.Store.Path = "/data"
	bc := cfg.BadgerConfig(slog.New(slog.DiscardHandler))
	assert.Equal(t, "/data", bc.Path)
	assert.Equal(t, cfg.Store.GCInterval, bc.GCInterval)
	assert.Equal(t, cfg.Store.GCDiscardRatio, bc.GCDiscardRatio)
	assert.True(t, bc.SyncWrites)
}

func TestOpenStore(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	cfg := Default()
	st, err := cfg.OpenStore(logger)
	require.NoError(t, err)
	assert.IsType(t, &store.MemStore{}, st)
	require.NoError(t, st.Close())

	cfg.Store.Backend = "badger"
	cfg.Store.InMemory = true
	st, err = cfg.OpenStore(logger)
	require.NoError(t, err)
	assert.IsType(t, &store.BadgerStore{}, st)
	require.NoError(t, st.Close())
}

func TestLoggerFormat(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "json"
	_, ok := cfg.Logger().Handler().(*slog.JSONHandler)
	assert.True(t, ok)

	cfg.Log.Format = "text"
	_, ok = cfg.Logger().Handler().(*slog.TextHandler)
	assert.True(t, ok)
}
