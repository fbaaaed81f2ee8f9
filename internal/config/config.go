// Package config loads the server configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperr "polyrun/internal/errors"
	"polyrun/internal/logger"
	"polyrun/internal/process"
	"polyrun/internal/session"
	"polyrun/internal/store"
)

const (
	DefaultPort           = 8420
	DefaultHistoryBackend = "memory"
	DefaultHistorySize    = 1000
	DefaultWatchDebounce  = 500 * time.Millisecond
	DefaultShutdownWait   = 15 * time.Second
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sessions  session.Config  `yaml:"sessions"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Process   process.Config  `yaml:"process"`
	Languages LanguagesConfig `yaml:"languages"`
	Log       logger.Config   `yaml:"log"`
	History   HistoryConfig   `yaml:"history"`
}

type ServerConfig struct {
	Port          int           `yaml:"port"`
	StaticDir     string        `yaml:"staticDir"`
	WatchDebounce time.Duration `yaml:"watchDebounce"`
	ShutdownWait  time.Duration `yaml:"shutdownWait"`
}

type WorkspaceConfig struct {
	// Root holds one directory per session. Defaults to
	// $TMPDIR/polyrun-workspaces.
	Root string `yaml:"root"`
}

type LanguagesConfig struct {
	// File replaces the embedded language table when set.
	File string `yaml:"file"`
}

// HistoryConfig selects where records of ended sessions are kept.
type HistoryConfig struct {
	Backend string            `yaml:"backend"` // memory | redis
	Size    int               `yaml:"size"`
	Redis   store.RedisConfig `yaml:"redis"`
}

// Load reads path (when non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, apperr.Wrapf(err, apperr.ConfigError, "read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, apperr.Wrapf(err, apperr.ConfigError, "parse config file")
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperr.Newf(apperr.ConfigError, "PORT: %q is not a number", v)
		}
		cfg.Server.Port = n
	}
	if v := getenv("MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperr.Newf(apperr.ConfigError, "MAX_SESSIONS: %q is not a number", v)
		}
		cfg.Sessions.MaxSessions = n
	}
	if v := getenv("STATIC_DIR"); v != "" {
		cfg.Server.StaticDir = v
	}
	if v := getenv("WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("LANGUAGES_FILE"); v != "" {
		cfg.Languages.File = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.History.Backend = "redis"
		cfg.History.Redis.Addr = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.WatchDebounce == 0 {
		cfg.Server.WatchDebounce = DefaultWatchDebounce
	}
	if cfg.Server.ShutdownWait == 0 {
		cfg.Server.ShutdownWait = DefaultShutdownWait
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = filepath.Join(os.TempDir(), "polyrun-workspaces")
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = DefaultHistoryBackend
	}
	if cfg.History.Size == 0 {
		cfg.History.Size = DefaultHistorySize
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks values that defaults cannot repair.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return apperr.Newf(apperr.ConfigError, "server.port %d out of range", c.Server.Port)
	}
	if c.Sessions.MaxSessions < 0 {
		return apperr.Newf(apperr.ConfigError, "sessions.maxSessions must not be negative")
	}
	switch c.History.Backend {
	case "memory":
	case "redis":
		if c.History.Redis.Addr == "" {
			return apperr.Newf(apperr.ConfigError, "history.redis.addr is required for the redis backend")
		}
	default:
		return apperr.Newf(apperr.ConfigError, "history.backend %q is not memory or redis", c.History.Backend)
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
