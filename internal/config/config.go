// Package config loads server configuration from an optional YAML file with
// environment variable overrides. A .env file in the working directory is
// honored for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Listen is the HTTP bind address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// Database is the SQLite path for the feature store. Empty disables
	// durable persistence (updates are broadcast-only).
	Database string `yaml:"database"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Session SessionConfig `yaml:"session"`
}

// SessionConfig tunes the engine's timing and capacity parameters.
type SessionConfig struct {
	MaxParticipants  int           `yaml:"max_participants"`
	CoalesceInterval time.Duration `yaml:"coalesce_interval"`
	QueueHardCap     int           `yaml:"queue_hard_cap"`
	QueueTrimTo      int           `yaml:"queue_trim_to"`
	GhostTimeout     time.Duration `yaml:"ghost_timeout"`
	IdleRetention    time.Duration `yaml:"idle_retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		Listen:   ":8080",
		Database: "tacmap.db",
		LogLevel: "info",
		Session: SessionConfig{
			MaxParticipants:  50,
			CoalesceInterval: 100 * time.Millisecond,
			QueueHardCap:     100,
			QueueTrimTo:      50,
			GhostTimeout:     2 * time.Minute,
			IdleRetention:    5 * time.Minute,
			SweepInterval:    30 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables. A missing file at an explicit path is
// an error; path == "" skips the file layer.
func Load(path string) (Config, error) {
	// Side effect only: hoists KEY=VALUE pairs from ./.env into the
	// process environment. Absence is fine.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides configuration from TACMAP_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TACMAP_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("TACMAP_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("TACMAP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TACMAP_MAX_PARTICIPANTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.MaxParticipants = n
		}
	}
	if v := os.Getenv("TACMAP_GHOST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.GhostTimeout = d
		}
	}
	if v := os.Getenv("TACMAP_IDLE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.IdleRetention = d
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	s := c.Session
	if s.MaxParticipants < 1 {
		return fmt.Errorf("session.max_participants must be at least 1")
	}
	if s.QueueHardCap < 1 || s.QueueTrimTo < 1 || s.QueueTrimTo > s.QueueHardCap {
		return fmt.Errorf("queue bounds invalid: hard_cap=%d trim_to=%d", s.QueueHardCap, s.QueueTrimTo)
	}
	if s.CoalesceInterval <= 0 || s.GhostTimeout <= 0 || s.IdleRetention <= 0 || s.SweepInterval <= 0 {
		return fmt.Errorf("session intervals must be positive")
	}
	return nil
}
