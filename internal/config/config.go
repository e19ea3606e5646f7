// Package config loads the fabric's runtime configuration from a YAML
// file with environment-variable overrides, and watches it for changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the Telegram notification channel
// (internal/channels).
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	ChatID     int64   `yaml:"chat_id"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// GatewayConfig configures the websocket work-submission endpoint
// (internal/gateway).
type GatewayConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Addr         string   `yaml:"addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// CronEntry is one named, cron-expression-driven recurring work task
// (internal/cron).
type CronEntry struct {
	Name     string         `yaml:"name"`
	CronExpr string         `yaml:"cron_expr"`
	TaskType string         `yaml:"task_type"`
	Payload  map[string]any `yaml:"payload"`
}

// Config is the fabric's full runtime configuration.
type Config struct {
	DBPath string `yaml:"db_path"`

	WorkerCount              int `yaml:"worker_count"`
	PollIntervalMS           int `yaml:"poll_interval_ms"`
	ClaimTTLSeconds          int `yaml:"claim_ttl_seconds"`
	MainRunnerTimeoutSeconds int `yaml:"main_runner_timeout_seconds"`
	WorkerTimeoutSeconds     int `yaml:"worker_timeout_seconds"`
	WorkQueueTimeoutSeconds  int `yaml:"work_queue_timeout_seconds"`
	WorkQueueCapacity        int `yaml:"work_queue_capacity"`

	Telegram TelegramConfig `yaml:"telegram"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Cron     []CronEntry    `yaml:"cron"`

	Otel OtelConfig `yaml:"otel"`
}

// OtelConfig mirrors the shape internal/otel.Config expects; config
// doesn't import otel to avoid a cycle, so cmd/fabricd copies these
// fields across at wiring time.
type OtelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// HomeDir is where the fabric keeps its config, database, and logs,
// overridable with FABRIC_HOME.
func HomeDir() string {
	if v := os.Getenv("FABRIC_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fabric")
}

func defaults() Config {
	return Config{
		DBPath:                   filepath.Join(HomeDir(), "fabric.db"),
		WorkerCount:              2,
		PollIntervalMS:           500,
		ClaimTTLSeconds:          30,
		MainRunnerTimeoutSeconds: 600,
		WorkerTimeoutSeconds:     600,
		WorkQueueTimeoutSeconds:  1800,
		WorkQueueCapacity:        16,
		Otel: OtelConfig{
			Exporter:       "none",
			ServiceName:    "fabric",
			SampleRate:     1.0,
			MetricsEnabled: true,
		},
	}
}

// Load reads path (falling back to HomeDir()/config.yaml), applies
// FABRIC_-prefixed environment overrides, and normalizes the result.
// A missing config file is not an error: Load returns defaults() with
// the environment overrides applied.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		path = filepath.Join(HomeDir(), "config.yaml")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnvOverrides(cfg), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return applyEnvOverrides(cfg).normalize(), nil
}

func (c Config) normalize() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 500
	}
	if c.ClaimTTLSeconds <= 0 {
		c.ClaimTTLSeconds = 30
	}
	return c
}

// PollInterval is PollIntervalMS as a time.Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func applyEnvOverrides(c Config) Config {
	if v := os.Getenv("FABRIC_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("FABRIC_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = n
		}
	}
	if v := os.Getenv("FABRIC_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
		c.Telegram.Enabled = true
	}
	if v := os.Getenv("FABRIC_GATEWAY_ADDR"); v != "" {
		c.Gateway.Addr = v
		c.Gateway.Enabled = true
	}
	if v := os.Getenv("FABRIC_GATEWAY_AUTH_TOKEN"); v != "" {
		c.Gateway.AuthToken = v
	}
	return c
}
