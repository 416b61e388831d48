// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `dispatchd:` root key in YAML.
type GlobalConfig struct {
	Server      ServerConfig      `mapstructure:"server"`
	Control     ControlConfig     `mapstructure:"control"`
	DataDir     string            `mapstructure:"data_dir"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Sweep       SweepConfig       `mapstructure:"sweep"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
}

// ─── API Server ───

// ServerConfig contains the coordinator HTTP API settings.
type ServerConfig struct {
	Listen       string `mapstructure:"listen"`
	MaxConns     int    `mapstructure:"max_conns"` // concurrent connection cap, 0 = unlimited
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// ─── Control ───

// ControlConfig contains local process control settings.
type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Persistence ───

// PersistenceConfig controls round snapshot persistence.
type PersistenceConfig struct {
	Enabled bool `mapstructure:"enabled"` // false = in-memory only (dev/test)
}

// ─── Dispatch ───

// DispatchConfig contains task allocation settings.
type DispatchConfig struct {
	DefaultBatchSize     int `mapstructure:"default_batch_size"`
	MaxBatchSize         int `mapstructure:"max_batch_size"`
	TaskFailureThreshold int `mapstructure:"task_failure_threshold"` // recognized legacy knob
}

// ─── Sweep ───

// SweepConfig contains the periodic timeout sweep settings.
type SweepConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Interval  string `mapstructure:"interval"`   // e.g. "1m"
	TimeoutMs int64  `mapstructure:"timeout_ms"` // processing age threshold
}

// ─── Webhook ───

// WebhookConfig contains Feishu notification settings.
type WebhookConfig struct {
	FeishuURL             string `mapstructure:"feishu_url"`
	ReportIntervalMinutes int    `mapstructure:"report_interval_minutes"`
	Timeout               string `mapstructure:"timeout"` // per-request timeout, e.g. "10s"
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `dispatchd: ...`.
type configRoot struct {
	Dispatchd GlobalConfig `mapstructure:"dispatchd"`
}

// Load loads configuration from file.
// The YAML file uses `dispatchd:` as root key; env vars override via the key
// replacer (e.g. key "dispatchd.log.level" → env "DISPATCHD_LOG_LEVEL").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Dispatchd

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() (*GlobalConfig, error) {
	v := viper.New()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to build default config: %w", err)
	}
	cfg := root.Dispatchd
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "dispatchd." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("dispatchd.server.listen", ":8080")
	v.SetDefault("dispatchd.server.max_conns", 256)
	v.SetDefault("dispatchd.server.read_timeout", "30s")
	v.SetDefault("dispatchd.server.write_timeout", "60s")

	// Control defaults
	v.SetDefault("dispatchd.control.pid_file", "/var/run/dispatchd.pid")

	// Persistence defaults
	v.SetDefault("dispatchd.data_dir", "/var/lib/dispatchd")
	v.SetDefault("dispatchd.persistence.enabled", true)

	// Dispatch defaults
	v.SetDefault("dispatchd.dispatch.default_batch_size", 8)
	v.SetDefault("dispatchd.dispatch.max_batch_size", 1000)

	// Sweep defaults
	v.SetDefault("dispatchd.sweep.enabled", true)
	v.SetDefault("dispatchd.sweep.interval", "1m")
	v.SetDefault("dispatchd.sweep.timeout_ms", 30*60*1000)

	// Webhook defaults
	v.SetDefault("dispatchd.webhook.report_interval_minutes", 240)
	v.SetDefault("dispatchd.webhook.timeout", "10s")

	// Metrics defaults
	v.SetDefault("dispatchd.metrics.enabled", true)
	v.SetDefault("dispatchd.metrics.listen", ":9091")
	v.SetDefault("dispatchd.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("dispatchd.log.level", "info")
	v.SetDefault("dispatchd.log.format", "json")
	v.SetDefault("dispatchd.log.outputs.file.enabled", false)
	v.SetDefault("dispatchd.log.outputs.file.path", "/var/log/dispatchd/dispatchd.log")
	v.SetDefault("dispatchd.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("dispatchd.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("dispatchd.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("dispatchd.log.outputs.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Server validation ──
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.MaxConns < 0 {
		return fmt.Errorf("server.max_conns must not be negative")
	}
	if _, err := time.ParseDuration(cfg.Server.ReadTimeout); err != nil {
		return fmt.Errorf("invalid server.read_timeout: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Server.WriteTimeout); err != nil {
		return fmt.Errorf("invalid server.write_timeout: %w", err)
	}

	// ── Dispatch validation ──
	if cfg.Dispatch.DefaultBatchSize < 1 {
		return fmt.Errorf("dispatch.default_batch_size must be at least 1")
	}
	if cfg.Dispatch.MaxBatchSize < cfg.Dispatch.DefaultBatchSize {
		return fmt.Errorf("dispatch.max_batch_size must be >= default_batch_size")
	}

	// ── Sweep validation ──
	if cfg.Sweep.Enabled {
		d, err := time.ParseDuration(cfg.Sweep.Interval)
		if err != nil {
			return fmt.Errorf("invalid sweep.interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("sweep.interval must be positive")
		}
		if cfg.Sweep.TimeoutMs <= 0 {
			return fmt.Errorf("sweep.timeout_ms must be positive when sweep is enabled")
		}
	}

	// ── Webhook validation ──
	if cfg.Webhook.FeishuURL != "" && !strings.HasPrefix(cfg.Webhook.FeishuURL, "https://") {
		return fmt.Errorf("webhook.feishu_url must start with https://")
	}
	if cfg.Webhook.ReportIntervalMinutes < 0 {
		return fmt.Errorf("webhook.report_interval_minutes must not be negative")
	}
	if _, err := time.ParseDuration(cfg.Webhook.Timeout); err != nil {
		return fmt.Errorf("invalid webhook.timeout: %w", err)
	}

	// ── Persistence validation ──
	if cfg.Persistence.Enabled && cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required when persistence is enabled")
	}

	return nil
}

// SweepInterval returns the parsed sweep interval.
// Call only after ValidateAndApplyDefaults.
func (cfg *GlobalConfig) SweepInterval() time.Duration {
	d, _ := time.ParseDuration(cfg.Sweep.Interval)
	return d
}

// WebhookTimeout returns the parsed webhook request timeout.
func (cfg *GlobalConfig) WebhookTimeout() time.Duration {
	d, _ := time.ParseDuration(cfg.Webhook.Timeout)
	return d
}
