// Package config loads agentflow settings from a JSON5 file with
// AGENTFLOW_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Seed      SeedConfig      `json:"seed"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Log       LogConfig       `json:"log"`
}

type ServerConfig struct {
	Addr           string  `json:"addr"`
	RateLimitRPS   float64 `json:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Driver string `json:"driver"` // sqlite, postgres or memory
	DSN    string `json:"dsn"`
}

type PipelineConfig struct {
	PollIntervalMs    int `json:"poll_interval_ms"`
	ErrorBackoffMs    int `json:"error_backoff_ms"`
	QueueCapacity     int `json:"queue_capacity"`
	FanoutConcurrency int `json:"fanout_concurrency"`
	SendTimeoutMs     int `json:"send_timeout_ms"`
	HistoryPerAgent   int `json:"history_per_agent"`
	ActivityLimit     int `json:"activity_limit"`
}

func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

func (p PipelineConfig) ErrorBackoff() time.Duration {
	return time.Duration(p.ErrorBackoffMs) * time.Millisecond
}

func (p PipelineConfig) SendTimeout() time.Duration {
	return time.Duration(p.SendTimeoutMs) * time.Millisecond
}

type SeedConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Insecure    bool   `json:"insecure"`
	ServiceName string `json:"service_name"`
}

type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "./data/agentflow.db",
		},
		Pipeline: PipelineConfig{
			PollIntervalMs:    100,
			ErrorBackoffMs:    1000,
			QueueCapacity:     10000,
			FanoutConcurrency: 4,
			SendTimeoutMs:     10000,
			HistoryPerAgent:   20,
			ActivityLimit:     100,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "agentflow",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	// PORT and DB_PATH are kept for deployments that predate the
	// AGENTFLOW_ prefix.
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		c.Database.Driver = "sqlite"
		c.Database.DSN = dbPath
	}

	envStr("AGENTFLOW_ADDR", &c.Server.Addr)
	if v := os.Getenv("AGENTFLOW_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Server.RateLimitRPS = f
		}
	}
	envInt("AGENTFLOW_RATE_LIMIT_BURST", &c.Server.RateLimitBurst)

	envStr("AGENTFLOW_DATABASE_DRIVER", &c.Database.Driver)
	envStr("AGENTFLOW_DATABASE_DSN", &c.Database.DSN)

	envInt("AGENTFLOW_POLL_INTERVAL_MS", &c.Pipeline.PollIntervalMs)
	envInt("AGENTFLOW_ERROR_BACKOFF_MS", &c.Pipeline.ErrorBackoffMs)
	envInt("AGENTFLOW_QUEUE_CAPACITY", &c.Pipeline.QueueCapacity)
	envInt("AGENTFLOW_FANOUT_CONCURRENCY", &c.Pipeline.FanoutConcurrency)
	envInt("AGENTFLOW_SEND_TIMEOUT_MS", &c.Pipeline.SendTimeoutMs)
	envInt("AGENTFLOW_HISTORY_PER_AGENT", &c.Pipeline.HistoryPerAgent)
	envInt("AGENTFLOW_ACTIVITY_LIMIT", &c.Pipeline.ActivityLimit)

	envStr("AGENTFLOW_SEED_PATH", &c.Seed.Path)
	envBool("AGENTFLOW_SEED_WATCH", &c.Seed.Watch)

	envBool("AGENTFLOW_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("AGENTFLOW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)

	envStr("AGENTFLOW_LOG_LEVEL", &c.Log.Level)
	envStr("AGENTFLOW_LOG_FORMAT", &c.Log.Format)
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("database.driver %q: want sqlite, postgres or memory", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}
	if c.Pipeline.PollIntervalMs <= 0 {
		return fmt.Errorf("pipeline.poll_interval_ms must be positive")
	}
	if c.Pipeline.QueueCapacity <= 0 {
		return fmt.Errorf("pipeline.queue_capacity must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}
