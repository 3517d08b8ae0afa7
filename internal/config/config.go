package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type AppConfig struct {
	RemoteBaseURL string `yaml:"remote_base_url"`
	FeedWSURL     string `yaml:"feed_ws_url"`

	StoreBackend string `yaml:"store_backend"`
	SQLitePath   string `yaml:"sqlite_path"`
	RedisURL     string `yaml:"redis_url"`
	DatabaseURL  string `yaml:"database_url"`

	HTTPAddr string   `yaml:"http_addr"`
	DeviceID string   `yaml:"device_id"`
	MatchIDs []string `yaml:"match_ids"`
	ReadOnly bool     `yaml:"read_only"`

	MaxRetries       int `yaml:"max_retries"`
	DispatchDelayMS  int `yaml:"dispatch_delay_ms"`
	RetryBackoffMS   int `yaml:"retry_backoff_ms"`
	ProbeIntervalSec int `yaml:"probe_interval_sec"`
	RemoteTimeoutSec int `yaml:"remote_timeout_sec"`
	// SessionIdleMin releases matches untouched for this long. Zero keeps them open.
	SessionIdleMin   int `yaml:"session_idle_min"`
}

func defaults() *AppConfig {
	host, _ := os.Hostname()
	return &AppConfig{
		StoreBackend:     BackendSQLite,
		SQLitePath:       "statsync.db",
		HTTPAddr:         ":8080",
		DeviceID:         host,
		MaxRetries:       10,
		DispatchDelayMS:  150,
		RetryBackoffMS:   0,
		ProbeIntervalSec: 5,
		RemoteTimeoutSec: 15,
		SessionIdleMin:   30,
	}
}

// Load builds the configuration from defaults, then the optional YAML file named by
// STATSYNC_CONFIG, then the environment. Environment values win.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("STATSYNC_CONFIG")); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	setString(&cfg.RemoteBaseURL, "REMOTE_BASE_URL")
	setString(&cfg.FeedWSURL, "FEED_WS_URL")
	setString(&cfg.StoreBackend, "STORE_BACKEND")
	setString(&cfg.SQLitePath, "SQLITE_PATH")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.DeviceID, "DEVICE_ID")

	if v := strings.TrimSpace(os.Getenv("MATCH_IDS")); v != "" {
		cfg.MatchIDs = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("READ_ONLY")); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			cfg.ReadOnly = b
		}
	}

	setInt(&cfg.MaxRetries, "MAX_RETRIES", 0)
	setInt(&cfg.DispatchDelayMS, "DISPATCH_DELAY_MS", 0)
	setInt(&cfg.RetryBackoffMS, "RETRY_BACKOFF_MS", 0)
	setInt(&cfg.ProbeIntervalSec, "PROBE_INTERVAL_SEC", 1)
	setInt(&cfg.RemoteTimeoutSec, "REMOTE_TIMEOUT_SEC", 1)
	setInt(&cfg.SessionIdleMin, "SESSION_IDLE_MIN", 0)

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.MatchIDs = splitList(strings.Join(cfg.MatchIDs, ","))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return errors.New("REMOTE_BASE_URL is required")
	}
	switch c.StoreBackend {
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.ReadOnly && strings.TrimSpace(c.FeedWSURL) == "" {
		return errors.New("FEED_WS_URL is required in read-only mode")
	}
	if c.MaxRetries < 0 || c.DispatchDelayMS < 0 || c.RetryBackoffMS < 0 || c.SessionIdleMin < 0 {
		return errors.New("retry and delay settings must not be negative")
	}
	return nil
}

func (c *AppConfig) DispatchDelay() time.Duration {
	return time.Duration(c.DispatchDelayMS) * time.Millisecond
}

func (c *AppConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

func (c *AppConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSec) * time.Second
}

func (c *AppConfig) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSec) * time.Second
}

func (c *AppConfig) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleMin) * time.Minute
}

func loadFile(path string, cfg *AppConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string, floor int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= floor {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range strings.Split(v, ",") {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
