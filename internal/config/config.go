// Package config loads crucible settings from crucible.yaml and CRUCIBLE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override:
// engine.max_iterations is read from CRUCIBLE_ENGINE_MAX_ITERATIONS.
const EnvPrefix = "CRUCIBLE"

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config is the full settings tree.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Engine  EngineConfig  `mapstructure:"engine"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
	Workers FileRef       `mapstructure:"workers"`
	Rules   FileRef       `mapstructure:"rules"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Backend       string      `mapstructure:"backend"`
	Dir           string      `mapstructure:"dir"`
	Redis         RedisConfig `mapstructure:"redis"`
	EncryptionKey string      `mapstructure:"encryption_key"`
	FallbackKeys  []string    `mapstructure:"fallback_keys"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type EngineConfig struct {
	MaxIterations       int           `mapstructure:"max_iterations"`
	HistoryWindow       int           `mapstructure:"history_window"`
	MaxConcurrent       int64         `mapstructure:"max_concurrent"`
	StepLimit           int           `mapstructure:"step_limit"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	AskAfterEveryWorker bool          `mapstructure:"ask_after_every_worker"`
	AnalysisWorker      string        `mapstructure:"analysis_worker"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// MetricsConfig places /metrics on its own listener when Addr is set;
// otherwise it is served next to the API.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type ReaperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	MaxIdle  time.Duration `mapstructure:"max_idle"`
}

// FileRef points at an optional definition file.
type FileRef struct {
	File string `mapstructure:"file"`
}

type RelayConfig struct {
	Buffer       int      `mapstructure:"buffer"`
	RedactFields []string `mapstructure:"redact_fields"`
}

// SetDefaults registers every key with its default. Keys must be known to
// viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.dir", ".crucible/tasks")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "crucible:")
	v.SetDefault("store.redis.ttl", time.Duration(0))
	v.SetDefault("store.encryption_key", "")
	v.SetDefault("store.fallback_keys", []string{})

	v.SetDefault("engine.max_iterations", 5)
	v.SetDefault("engine.history_window", 20)
	v.SetDefault("engine.max_concurrent", 32)
	v.SetDefault("engine.step_limit", 64)
	v.SetDefault("engine.lock_ttl", 30*time.Second)
	v.SetDefault("engine.ask_after_every_worker", false)
	v.SetDefault("engine.analysis_worker", "analyst")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.addr", "")

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.schedule", "@every 10m")
	v.SetDefault("reaper.max_idle", 72*time.Hour)

	v.SetDefault("workers.file", "workers.yaml")
	v.SetDefault("rules.file", "rules.yaml")

	v.SetDefault("relay.buffer", 64)
	v.SetDefault("relay.redact_fields", []string{})
}

// Load reads path (or crucible.yaml in the working directory when path is
// empty), applies environment overrides and validates the result.
// A missing default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crucible")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendFile, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Engine.MaxIterations < 1 {
		errs = append(errs, errors.New("engine.max_iterations must be at least 1"))
	}
	if c.Engine.MaxConcurrent < 1 {
		errs = append(errs, errors.New("engine.max_concurrent must be at least 1"))
	}
	if c.Engine.StepLimit < 1 {
		errs = append(errs, errors.New("engine.step_limit must be at least 1"))
	}
	if c.Engine.HistoryWindow < 1 {
		errs = append(errs, errors.New("engine.history_window must be at least 1"))
	}
	if c.Store.Backend == BackendFile && c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir is required for the file backend"))
	}
	return errors.Join(errs...)
}
