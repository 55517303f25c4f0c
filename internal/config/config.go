// Copyright 2025 Galad Dirie
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration from YAML with
// environment-variable overrides.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/galaddirie/flowline/pkg/errors"
)

// Config is the complete flowlined configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Session       SessionConfig       `yaml:"session"`
	Engine        EngineConfig        `yaml:"engine"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: FLOWLINE_ADDR
	// Default: ":8520"
	Addr string `yaml:"addr,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful
	// shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// WebhookRate limits inbound webhook deliveries per second, per
	// endpoint. Default: 10
	WebhookRate float64 `yaml:"webhook_rate,omitempty"`

	// WebhookBurst is the webhook rate limiter burst. Default: 20
	WebhookBurst int `yaml:"webhook_burst,omitempty"`
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	// Backend selects the store: "sqlite" or "memory".
	// Environment: FLOWLINE_STORAGE
	// Default: "sqlite"
	Backend string `yaml:"backend,omitempty"`

	// Path is the SQLite database path.
	// Environment: FLOWLINE_DB_PATH
	// Default: "flowline.db"
	Path string `yaml:"path,omitempty"`

	// WAL enables SQLite write-ahead logging. Default: true
	WAL *bool `yaml:"wal,omitempty"`
}

// SessionConfig tunes the edit-session authorities.
type SessionConfig struct {
	// FlushInterval is the persistence cadence. Default: 2s
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`

	// IdleTimeout shuts a session down after this long with no clients
	// and no pending work. Default: 5m
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`

	// LockTTL is how long a step lock survives without a refresh.
	// Default: 30s
	LockTTL time.Duration `yaml:"lock_ttl,omitempty"`

	// RingSize is the incremental-sync retention window in operations.
	// Default: 1024
	RingSize int `yaml:"ring_size,omitempty"`
}

// EngineConfig tunes workflow execution.
type EngineConfig struct {
	// ExecutionTimeout bounds one workflow run. Default: 10m
	ExecutionTimeout time.Duration `yaml:"execution_timeout,omitempty"`

	// StepTimeout bounds one step invocation. Default: 30s
	StepTimeout time.Duration `yaml:"step_timeout,omitempty"`
}

// LogConfig configures logging. Environment variables handled by the log
// package (FLOWLINE_LOG_LEVEL, LOG_FORMAT) take precedence.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error. Default: "info"
	Level string `yaml:"level,omitempty"`

	// Format is "text" or "json". Default: "text"
	Format string `yaml:"format,omitempty"`

	// Source includes file:line in records. Default: false
	Source bool `yaml:"source,omitempty"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// Metrics exposes /metrics when true. Default: true
	Metrics *bool `yaml:"metrics,omitempty"`

	// TraceExporter is "stdout" or "none". Default: "none"
	TraceExporter string `yaml:"trace_exporter,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	walOn := true
	metricsOn := true
	return Config{
		Server: ServerConfig{
			Addr:            ":8520",
			ShutdownTimeout: 15 * time.Second,
			WebhookRate:     10,
			WebhookBurst:    20,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "flowline.db",
			WAL:     &walOn,
		},
		Session: SessionConfig{
			FlushInterval: 2 * time.Second,
			IdleTimeout:   5 * time.Minute,
			LockTTL:       30 * time.Second,
			RingSize:      1024,
		},
		Engine: EngineConfig{
			ExecutionTimeout: 10 * time.Minute,
			StepTimeout:      30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:       &metricsOn,
			TraceExporter: "none",
		},
	}
}

// Load reads a YAML config file, fills unset fields with defaults,
// applies environment overrides, and validates. An empty path loads
// defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &errors.ConfigError{Key: "config", Reason: "cannot read config file", Cause: err}
		}
		if err := decodeStrict(raw, &cfg); err != nil {
			return Config{}, &errors.ConfigError{Key: "config", Reason: "cannot parse config file", Cause: err}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeStrict rejects unknown keys so typos fail loudly.
func decodeStrict(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLOWLINE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FLOWLINE_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("FLOWLINE_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("FLOWLINE_SESSION_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.IdleTimeout = d
		}
	}
	if v := os.Getenv("FLOWLINE_EXECUTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.ExecutionTimeout = d
		}
	}
	if v := os.Getenv("FLOWLINE_METRICS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Observability.Metrics = &b
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return &errors.ConfigError{Key: "storage.backend", Reason: "must be \"sqlite\" or \"memory\""}
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		return &errors.ConfigError{Key: "storage.path", Reason: "required for the sqlite backend"}
	}
	if c.Session.RingSize < 0 {
		return &errors.ConfigError{Key: "session.ring_size", Reason: "must not be negative"}
	}
	if c.Server.WebhookRate < 0 {
		return &errors.ConfigError{Key: "server.webhook_rate", Reason: "must not be negative"}
	}
	switch c.Observability.TraceExporter {
	case "", "none", "stdout":
	default:
		return &errors.ConfigError{Key: "observability.trace_exporter", Reason: "must be \"stdout\" or \"none\""}
	}
	return nil
}

// MetricsEnabled reports whether /metrics should be served.
func (c *Config) MetricsEnabled() bool {
	return c.Observability.Metrics == nil || *c.Observability.Metrics
}

// WALEnabled reports whether SQLite WAL mode is on.
func (c *Config) WALEnabled() bool {
	return c.Storage.WAL == nil || *c.Storage.WAL
}
