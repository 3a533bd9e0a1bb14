package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tacmap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "tacmap.db", cfg.Database)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 50, cfg.Session.MaxParticipants)
	assert.Equal(t, 100*time.Millisecond, cfg.Session.CoalesceInterval)
	assert.Equal(t, 100, cfg.Session.QueueHardCap)
	assert.Equal(t, 50, cfg.Session.QueueTrimTo)
	assert.Equal(t, 2*time.Minute, cfg.Session.GhostTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleRetention)
	assert.Equal(t, 30*time.Second, cfg.Session.SweepInterval)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
database: ""
log_level: debug
session:
  max_participants: 8
  ghost_timeout: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Empty(t, cfg.Database)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Session.MaxParticipants)
	assert.Equal(t, 30*time.Second, cfg.Session.GhostTimeout)

	// Unset keys keep their defaults.
	assert.Equal(t, 100, cfg.Session.QueueHardCap)
	assert.Equal(t, 100*time.Millisecond, cfg.Session.CoalesceInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "listen: [:::")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TACMAP_LISTEN", ":7777")
	t.Setenv("TACMAP_LOG_LEVEL", "warn")
	t.Setenv("TACMAP_MAX_PARTICIPANTS", "12")
	t.Setenv("TACMAP_GHOST_TIMEOUT", "90s")
	t.Setenv("TACMAP_IDLE_RETENTION", "10m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Listen)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 12, cfg.Session.MaxParticipants)
	assert.Equal(t, 90*time.Second, cfg.Session.GhostTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleRetention)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "listen: \":9090\"\n")
	t.Setenv("TACMAP_LISTEN", ":6060")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Listen)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero participants", func(c *Config) { c.Session.MaxParticipants = 0 }},
		{"trim above cap", func(c *Config) { c.Session.QueueTrimTo = c.Session.QueueHardCap + 1 }},
		{"zero hard cap", func(c *Config) { c.Session.QueueHardCap = 0 }},
		{"zero coalesce interval", func(c *Config) { c.Session.CoalesceInterval = 0 }},
		{"negative ghost timeout", func(c *Config) { c.Session.GhostTimeout = -time.Second }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
