// Microtrack - Microsite Ad Attribution Tracking
// Copyright 2026 Adlens
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/microtrack

// Package config provides centralized configuration for all Microtrack
// components: HTTP server, storage backends, status probes, the background
// scheduler, rate limiting, and logging.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: built-in sensible defaults for all settings
//  2. Config File: optional YAML config file (config.yaml)
//  3. Environment Variables: override any setting
//
// Config is immutable after Load() and safe for concurrent read access.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Probe     ProbeConfig     `koanf:"probe"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Security  SecurityConfig  `koanf:"security"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
//
// Environment Variables:
//   - HTTP_PORT: Listen port (default: 3900)
//   - HTTP_HOST: Bind address (default: 0.0.0.0)
//   - HTTP_TIMEOUT: Read/write timeout (default: 30s)
type ServerConfig struct {
	Port    int           `koanf:"port"`
	Host    string        `koanf:"host"`
	Timeout time.Duration `koanf:"timeout"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects and tunes the storage backend.
//
// Mode "ephemeral" keeps everything in memory with per-event TTL expiry,
// suited to demos and tests. Mode "durable" persists to a DuckDB file.
//
// Environment Variables:
//   - STORAGE_MODE: "ephemeral" or "durable" (default: ephemeral)
//   - DUCKDB_PATH: DuckDB database file path (durable mode)
//   - DUCKDB_MAX_MEMORY: DuckDB memory limit (default: 1GB)
//   - EPHEMERAL_TTL: Event lifetime in ephemeral mode (default: 60s)
type StorageConfig struct {
	Mode         string        `koanf:"mode"`
	Path         string        `koanf:"path"`
	MaxMemory    string        `koanf:"max_memory"`
	Threads      int           `koanf:"threads"`
	EphemeralTTL time.Duration `koanf:"ephemeral_ttl"`
}

// ProbeConfig tunes the website and form status probes.
//
// Environment Variables:
//   - PROBE_TIMEOUT: Per-request timeout (default: 10s)
//   - PROBE_RATE_LIMIT: Max probes per second (default: 5)
//   - PROBE_SSL_WARN_DAYS: Days before expiry to warn (default: 7)
type ProbeConfig struct {
	Timeout     time.Duration `koanf:"timeout"`
	RateLimit   float64       `koanf:"rate_limit"`
	SSLWarnDays int           `koanf:"ssl_warn_days"`
	UserAgent   string        `koanf:"user_agent"`
}

// SchedulerConfig tunes the background maintenance loops.
//
// Environment Variables:
//   - SCHEDULER_EVICTION_INTERVAL: TTL sweep cadence, ephemeral mode (default: 60s)
//   - SCHEDULER_STATUS_INTERVAL: Status refresh cadence (default: 30m)
//   - SCHEDULER_STATUS_BATCH: Concurrent probes per refresh batch (default: 5)
//   - SCHEDULER_ALERT_INTERVAL: Alert sweep cadence (default: 1h)
type SchedulerConfig struct {
	EvictionInterval time.Duration `koanf:"eviction_interval"`
	StatusInterval   time.Duration `koanf:"status_interval"`
	StatusBatch      int           `koanf:"status_batch"`
	AlertInterval    time.Duration `koanf:"alert_interval"`
}

// SecurityConfig holds rate limiting and CORS settings.
//
// Tracking endpoints accept cross-origin requests from any microsite, so
// they always run with an open CORS policy. CORSOrigins restricts the
// dashboard API only.
//
// Environment Variables:
//   - RATE_LIMIT_REQUESTS: Requests per window per IP (default: 300)
//   - RATE_LIMIT_WINDOW: Rate limit window (default: 1m)
//   - DISABLE_RATE_LIMIT: Disable rate limiting entirely
//   - CORS_ORIGINS: Comma-separated dashboard origins (default: *)
type SecurityConfig struct {
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// LoggingConfig holds log output settings.
//
// Environment Variables:
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json or console (default: json)
//   - LOG_CALLER: Include caller file:line
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for malformed or contradictory values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server timeout must be positive, got %s", c.Server.Timeout)
	}

	switch c.Storage.Mode {
	case "ephemeral", "durable":
	default:
		return fmt.Errorf("storage mode must be %q or %q, got %q", "ephemeral", "durable", c.Storage.Mode)
	}
	if c.Storage.Mode == "durable" && c.Storage.Path == "" {
		return fmt.Errorf("storage path is required in durable mode (set DUCKDB_PATH)")
	}
	if c.Storage.EphemeralTTL <= 0 {
		return fmt.Errorf("ephemeral TTL must be positive, got %s", c.Storage.EphemeralTTL)
	}
	if c.Storage.Threads < 0 {
		return fmt.Errorf("storage threads must be >= 0, got %d", c.Storage.Threads)
	}

	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.Probe.Timeout)
	}
	if c.Probe.RateLimit <= 0 {
		return fmt.Errorf("probe rate limit must be positive, got %f", c.Probe.RateLimit)
	}
	if c.Probe.SSLWarnDays < 0 {
		return fmt.Errorf("probe SSL warn days must be >= 0, got %d", c.Probe.SSLWarnDays)
	}

	if c.Scheduler.EvictionInterval <= 0 {
		return fmt.Errorf("scheduler eviction interval must be positive, got %s", c.Scheduler.EvictionInterval)
	}
	if c.Scheduler.StatusInterval <= 0 {
		return fmt.Errorf("scheduler status interval must be positive, got %s", c.Scheduler.StatusInterval)
	}
	if c.Scheduler.StatusBatch < 1 {
		return fmt.Errorf("scheduler status batch must be >= 1, got %d", c.Scheduler.StatusBatch)
	}
	if c.Scheduler.AlertInterval <= 0 {
		return fmt.Errorf("scheduler alert interval must be positive, got %s", c.Scheduler.AlertInterval)
	}

	if !c.Security.RateLimitDisabled {
		if c.Security.RateLimitReqs < 1 {
			return fmt.Errorf("rate limit requests must be >= 1, got %d", c.Security.RateLimitReqs)
		}
		if c.Security.RateLimitWindow <= 0 {
			return fmt.Errorf("rate limit window must be positive, got %s", c.Security.RateLimitWindow)
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be %q or %q, got %q", "json", "console", c.Logging.Format)
	}

	return nil
}

// IsEphemeral reports whether the ephemeral storage backend is selected.
func (c *Config) IsEphemeral() bool {
	return c.Storage.Mode == "ephemeral"
}
