package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Source     SourceConfig     `yaml:"source"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
}

// WorkerPoolConfig holds the configuration for the alert worker pool.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

// PushConfig holds the VAPID keys for web push alerts.
type PushConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RequestIPHeader string  `yaml:"request_ip_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// SourceConfig points at the upstream makerspace server.
type SourceConfig struct {
	SnapshotURL           string            `yaml:"snapshot_url"`
	EventsURL             string            `yaml:"events_url"`
	ResetURL              string            `yaml:"reset_url"`
	Headers               map[string]string `yaml:"headers"`
	HTTPProxy             string            `yaml:"http_proxy"`
	TimeoutSeconds        int               `yaml:"timeout_seconds"`
	Timeout               time.Duration     `yaml:"-"`
	ReconnectDelaySeconds int               `yaml:"reconnect_delay_seconds"`
	ReconnectDelay        time.Duration     `yaml:"-"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DashboardConfig holds presentation settings.
type DashboardConfig struct {
	Timezone string         `yaml:"timezone"`
	Location *time.Location `yaml:"-"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 10
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.Source.SnapshotURL == "" {
		return fmt.Errorf("source.snapshot_url is required")
	}
	if cfg.Source.EventsURL == "" {
		return fmt.Errorf("source.events_url is required")
	}
	if cfg.Source.TimeoutSeconds <= 0 {
		cfg.Source.TimeoutSeconds = 30
	}
	cfg.Source.Timeout = time.Duration(cfg.Source.TimeoutSeconds) * time.Second
	if cfg.Source.ReconnectDelaySeconds <= 0 {
		cfg.Source.ReconnectDelaySeconds = 5
	}
	cfg.Source.ReconnectDelay = time.Duration(cfg.Source.ReconnectDelaySeconds) * time.Second

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 100
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Dashboard.Timezone == "" {
		cfg.Dashboard.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.Dashboard.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load timezone %q: %w", cfg.Dashboard.Timezone, err)
	}
	cfg.Dashboard.Location = loc

	return nil
}
