package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.Equal(t, 5025, cfg.Server.Port)
	assert.Equal(t, "linux", cfg.GPIB.Backend)
	assert.Equal(t, "gpib0", cfg.GPIB.RootName)
	assert.Len(t, cfg.GPIB.Units, 31)
	assert.Equal(t, 0, cfg.GPIB.Units[0])
	assert.Equal(t, 30, cfg.GPIB.Units[30])
	assert.Equal(t, 14, cfg.GPIB.TimeoutCode)
	assert.Equal(t, 0x40a, cfg.GPIB.EOS)
	assert.Equal(t, 1000, cfg.GPIB.ReadChunk)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 32, cfg.Redis.BatchSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigDerivesRootName(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "board1.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gpib:\n  board: 1\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "gpib1", cfg.GPIB.RootName)
	assert.NoError(t, cfg.Validate())

	path = filepath.Join(dir, "mismatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gpib:\n  board: 1\n  root_name: gpib0\n"), 0o644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "root_name")
}

func TestLoadConfigOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 6000
  read_timeout: 90s
gpib:
  backend: sim
  units: [1, 5]
  sim:
    instruments:
      - unit: 5
        idn: "ACME,DMM,1,1.0"
redis:
  enabled: true
  encoding: cbor
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "sim", cfg.GPIB.Backend)
	assert.Equal(t, []int{1, 5}, cfg.GPIB.Units)
	require.Len(t, cfg.GPIB.Sim.Instruments, 1)
	assert.Equal(t, "ACME,DMM,1,1.0", cfg.GPIB.Sim.Instruments[0].IDN)
	assert.Equal(t, "cbor", cfg.Redis.Encoding)
	assert.Equal(t, "gpib_activity", cfg.Redis.Channel)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("VXIGPIB_LOG_LEVEL", "warn")
	t.Setenv("VXIGPIB_PORT", "7000")
	t.Setenv("VXIGPIB_BACKEND", "sim")
	t.Setenv("VXIGPIB_REDIS_ADDR", "redis:6379")

	cfg := GetDefaultConfig()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "sim", cfg.GPIB.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
}

func TestApplyEnvOverridesBadPort(t *testing.T) {
	t.Setenv("VXIGPIB_PORT", "not-a-port")

	cfg := GetDefaultConfig()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, 5025, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"connections", func(c *Config) { c.Server.MaxConnections = 0 }},
		{"payload", func(c *Config) { c.Server.MaxPayload = 0 }},
		{"backend", func(c *Config) { c.GPIB.Backend = "usb" }},
		{"board", func(c *Config) { c.GPIB.Board = -1 }},
		{"root", func(c *Config) { c.GPIB.RootName = "" }},
		{"root board", func(c *Config) { c.GPIB.Board = 1 }},
		{"unit", func(c *Config) { c.GPIB.Units = []int{31} }},
		{"timeout", func(c *Config) { c.GPIB.TimeoutCode = 18 }},
		{"chunk", func(c *Config) { c.GPIB.ReadChunk = 0 }},
		{"encoding", func(c *Config) { c.Redis.Enabled = true; c.Redis.Encoding = "xml" }},
		{"channel", func(c *Config) { c.Redis.Enabled = true; c.Redis.Channel = "" }},
		{"metrics port", func(c *Config) { c.Monitor.MetricsPort = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
