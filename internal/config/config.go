// Package config loads steward's configuration from config.yaml under the
// steward home directory, with env overrides on top.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MonitorConfig tunes the error-rate auto-disable monitor.
type MonitorConfig struct {
	WindowSize int `yaml:"window_size"`
	MinEvents  int `yaml:"min_events"`
}

// RetryConfig tunes task failure backoff.
type RetryConfig struct {
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
	MaxDelaySeconds  int `yaml:"max_delay_seconds"`
}

// WorkerConfig tunes the execution pool.
type WorkerConfig struct {
	Count          int `yaml:"count"`
	BatchSize      int `yaml:"batch_size"`
	IdleMaxSeconds int `yaml:"idle_max_seconds"`
}

// OTelConfig controls the OpenTelemetry exporters.
type OTelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"` // OTLP HTTP endpoint; empty uses stdout
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath    string `yaml:"db_path"`
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json", "text", or "" for auto

	// SweepCron is the maintenance cadence (5-field cron expression).
	SweepCron string `yaml:"sweep_cron"`

	Monitor MonitorConfig `yaml:"monitor"`
	Retry   RetryConfig   `yaml:"retry"`
	Worker  WorkerConfig  `yaml:"worker"`
	OTel    OTelConfig    `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:  "127.0.0.1:18920",
		LogLevel:  "info",
		SweepCron: "* * * * *",
		Monitor: MonitorConfig{
			WindowSize: 10,
			MinEvents:  5,
		},
		Retry: RetryConfig{
			BaseDelaySeconds: 30,
			MaxDelaySeconds:  int(time.Hour.Seconds()),
		},
		Worker: WorkerConfig{
			Count:          2,
			BatchSize:      5,
			IdleMaxSeconds: 30,
		},
		OTel: OTelConfig{
			ServiceName: "steward",
		},
	}
}

// HomeDir returns the steward home directory, honoring STEWARD_HOME.
func HomeDir() string {
	if override := os.Getenv("STEWARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".steward")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (missing file is fine, defaults apply), layers env
// overrides on top, and normalizes the result.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create steward home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "steward.db")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18920"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SweepCron == "" {
		cfg.SweepCron = "* * * * *"
	}
	if cfg.Monitor.WindowSize <= 0 {
		cfg.Monitor.WindowSize = 10
	}
	if cfg.Monitor.MinEvents <= 0 {
		cfg.Monitor.MinEvents = 5
	}
	if cfg.Retry.BaseDelaySeconds <= 0 {
		cfg.Retry.BaseDelaySeconds = 30
	}
	if cfg.Retry.MaxDelaySeconds <= 0 {
		cfg.Retry.MaxDelaySeconds = int(time.Hour.Seconds())
	}
	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = 2
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 5
	}
	if cfg.Worker.IdleMaxSeconds <= 0 {
		cfg.Worker.IdleMaxSeconds = 30
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "steward"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STEWARD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("STEWARD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STEWARD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("STEWARD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STEWARD_LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}
	if raw := os.Getenv("STEWARD_SWEEP_CRON"); raw != "" {
		cfg.SweepCron = raw
	}
	if raw := os.Getenv("STEWARD_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.Count = v
		}
	}
	if raw := os.Getenv("STEWARD_WORKER_BATCH_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.BatchSize = v
		}
	}
	if raw := os.Getenv("STEWARD_MONITOR_WINDOW"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Monitor.WindowSize = v
		}
	}
	if raw := os.Getenv("STEWARD_MONITOR_MIN_EVENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Monitor.MinEvents = v
		}
	}
	if raw := os.Getenv("STEWARD_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
		cfg.OTel.Enabled = true
	}
}

// RetryBase returns the retry base delay as a duration.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Retry.BaseDelaySeconds) * time.Second
}

// RetryMax returns the retry delay ceiling as a duration.
func (c Config) RetryMax() time.Duration {
	return time.Duration(c.Retry.MaxDelaySeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, logged at startup
// and after each reload so operators can tell which settings are live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|bind=%s|log=%s|sweep=%s|workers=%d|batch=%d|window=%d|min=%d",
		c.DBPath, c.BindAddr, c.LogLevel, c.SweepCron,
		c.Worker.Count, c.Worker.BatchSize, c.Monitor.WindowSize, c.Monitor.MinEvents)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
