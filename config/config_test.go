package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Unmarshal(New())
	require.NoError(t, err)

	assert.Equal(t, DriverMongo, cfg.Store.Driver)
	assert.Equal(t, DriverRedis, cfg.Notify.Driver)
	assert.Equal(t, 5*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 12, cfg.Poller.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Poller.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Metrics.Interval)
	assert.Equal(t, time.Hour, cfg.Tokens.TTL)
	assert.Equal(t, 4096, cfg.Locks.Capacity)
	assert.Equal(t, uint32(5), cfg.Relay.Breaker.MaxFailures)
	assert.Equal(t, "0s", cfg.Server.WriteTimeout)
	assert.True(t, cfg.Server.Features.RequestID.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWAPCRON_STORE_DRIVER", "postgres")
	t.Setenv("SWAPCRON_POLLER_MAX_ATTEMPTS", "20")
	t.Setenv("SWAPCRON_RELAY_BASE_URL", "http://relay.test")
	t.Setenv("SWAPCRON_SCHEDULER_TIMEZONE", "Europe/Istanbul")

	cfg, err := Unmarshal(New())
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 20, cfg.Poller.MaxAttempts)
	assert.Equal(t, "http://relay.test", cfg.Relay.BaseURL)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Istanbul", loc.String())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swapcron.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: memory
notify:
  driver: memory
poller:
  interval: 2s
locks:
  capacity: 16
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, DriverMemory, cfg.Notify.Driver)
	assert.Equal(t, 2*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 16, cfg.Locks.Capacity)
	assert.Equal(t, 12, cfg.Poller.MaxAttempts)
}

func TestValidate(t *testing.T) {
	t.Setenv("SWAPCRON_STORE_DRIVER", "sqlite")
	_, err := Unmarshal(New())
	assert.ErrorContains(t, err, "store driver")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(AppConfig{Name: "swapcron", LogLevel: "warn", LogFormat: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "job_id", "j1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "swapcron", line["service"])
	assert.Equal(t, "j1", line["job_id"])
}
