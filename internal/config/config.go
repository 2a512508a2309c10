// Copyright 2025 Tom Barlow
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

// Package config loads the foundryd daemon configuration from a YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/foundry/pkg/errors"
)

// Config is the complete foundryd configuration.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Store        StoreConfig        `yaml:"store"`
	Queue        QueueConfig        `yaml:"queue"`
	Triggers     TriggersConfig     `yaml:"triggers"`
	Materializer MaterializerConfig `yaml:"materializer"`
	Leader       LeaderConfig       `yaml:"leader"`
	Scaling      ScalingConfig      `yaml:"scaling"`
	Secrets      SecretsConfig      `yaml:"secrets"`

	// Services maps service names used by workflow service steps to
	// their base URLs.
	Services map[string]string `yaml:"services,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	// Environment: FOUNDRY_SHUTDOWN_TIMEOUT
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format,omitempty"`

	// AddSource includes source locations in log records.
	AddSource bool `yaml:"add_source,omitempty"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	// Backend selects the store implementation: sqlite or memory.
	// Default: sqlite
	Backend string `yaml:"backend,omitempty"`

	// Path is the SQLite database file path.
	// Environment: FOUNDRY_DB_PATH
	// Default: ~/.foundry/foundry.db
	Path string `yaml:"path,omitempty"`
}

// QueueConfig configures the queue manager.
type QueueConfig struct {
	// Mode selects dispatch: inline or redis.
	// Environment: FOUNDRY_QUEUE_MODE
	// Default: inline
	Mode string `yaml:"mode,omitempty"`

	// Redis configures the distributed mode connection.
	Redis RedisConfig `yaml:"redis,omitempty"`

	// DefaultConcurrency is the per-queue worker count in redis mode.
	// Default: 2
	DefaultConcurrency int `yaml:"default_concurrency,omitempty"`

	// Concurrency overrides the worker count for named queues.
	Concurrency map[string]int `yaml:"concurrency,omitempty"`
}

// RedisConfig configures the redis connection for distributed queues.
type RedisConfig struct {
	// Addr is the host:port of the redis server.
	// Environment: FOUNDRY_REDIS_ADDR
	Addr string `yaml:"addr,omitempty"`

	// Password authenticates the connection when set.
	// Environment: FOUNDRY_REDIS_PASSWORD
	Password string `yaml:"password,omitempty"`

	// DB selects the redis logical database.
	DB int `yaml:"db,omitempty"`

	// KeyPrefix namespaces queue keys. Default: foundry:queue:
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// TriggersConfig tunes the event-trigger scheduler.
type TriggersConfig struct {
	// SourceRateLimit bounds admitted events per source per second.
	// Zero disables the limit.
	SourceRateLimit float64 `yaml:"source_rate_limit,omitempty"`

	// SourceBurst is the admission burst size. Default: 10
	SourceBurst int `yaml:"source_burst,omitempty"`

	// MaxFailures within FailureWindow pauses a trigger. Default: 5
	MaxFailures int `yaml:"max_failures,omitempty"`

	// FailureWindow is the sliding failure window. Default: 10m
	FailureWindow time.Duration `yaml:"failure_window,omitempty"`
}

// MaterializerConfig tunes the asset auto-materializer.
type MaterializerConfig struct {
	// Enabled starts the materializer loop. Default: true
	Enabled *bool `yaml:"enabled,omitempty"`

	// RefreshInterval re-reads workflow definitions. Default: 1m
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`

	// SweepInterval drives the freshness sweep. Default: 30s
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`

	// BaseBackoff and MaxBackoff bound the per-workflow failure
	// backoff. Defaults: 30s / 10m
	BaseBackoff time.Duration `yaml:"base_backoff,omitempty"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty"`
}

// LeaderConfig tunes leader election and schedule materialization.
type LeaderConfig struct {
	// Enabled starts the elector and schedule loop. Default: true
	Enabled *bool `yaml:"enabled,omitempty"`

	// NodeID identifies this node in the leader lock. Defaults to a
	// generated id.
	// Environment: FOUNDRY_NODE_ID
	NodeID string `yaml:"node_id,omitempty"`

	// LockTTL is the leader lease duration. Default: 30s
	LockTTL time.Duration `yaml:"lock_ttl,omitempty"`

	// RetryInterval paces campaign and renewal attempts.
	// Default: LockTTL / 6
	RetryInterval time.Duration `yaml:"retry_interval,omitempty"`

	// ScanInterval drives the due-schedule poll. Default: 15s
	ScanInterval time.Duration `yaml:"scan_interval,omitempty"`
}

// ScalingConfig configures the runtime scaling agent.
type ScalingConfig struct {
	// PollInterval re-reads persisted scaling rows. Default: 30s
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// Targets bind scaling keys to queues.
	Targets []ScalingTarget `yaml:"targets,omitempty"`
}

// ScalingTarget is one queue under scaling control.
type ScalingTarget struct {
	Key     string `yaml:"key"`
	Queue   string `yaml:"queue"`
	Default int    `yaml:"default,omitempty"`
	Min     int    `yaml:"min,omitempty"`
	Max     int    `yaml:"max,omitempty"`

	// RateLimit debounces snapshot bursts for this target.
	RateLimit time.Duration `yaml:"rate_limit,omitempty"`
}

// SecretsConfig configures secret reference resolution.
type SecretsConfig struct {
	// EnvPrefix prefixes environment variables holding secret values.
	// Default: FOUNDRY_SECRET_
	EnvPrefix string `yaml:"env_prefix,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    defaultDBPath(),
		},
		Queue: QueueConfig{
			Mode:               "inline",
			DefaultConcurrency: 2,
		},
		Triggers: TriggersConfig{
			SourceBurst:   10,
			MaxFailures:   5,
			FailureWindow: 10 * time.Minute,
		},
		Materializer: MaterializerConfig{
			RefreshInterval: time.Minute,
			SweepInterval:   30 * time.Second,
			BaseBackoff:     30 * time.Second,
			MaxBackoff:      10 * time.Minute,
		},
		Leader: LeaderConfig{
			LockTTL:      30 * time.Second,
			ScanInterval: 15 * time.Second,
		},
		Scaling: ScalingConfig{
			PollInterval: 30 * time.Second,
		},
		Secrets: SecretsConfig{
			EnvPrefix: "FOUNDRY_SECRET_",
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "foundry.db"
	}
	return filepath.Join(home, ".foundry", "foundry.db")
}

// Load reads the configuration from an optional YAML file, fills in
// defaults, applies environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, errors.IO(fmt.Sprintf("load config %s", configPath), err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values left by a minimal config file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if c.Queue.Mode == "" {
		c.Queue.Mode = defaults.Queue.Mode
	}
	if c.Queue.DefaultConcurrency <= 0 {
		c.Queue.DefaultConcurrency = defaults.Queue.DefaultConcurrency
	}
	if c.Triggers.SourceBurst <= 0 {
		c.Triggers.SourceBurst = defaults.Triggers.SourceBurst
	}
	if c.Triggers.MaxFailures <= 0 {
		c.Triggers.MaxFailures = defaults.Triggers.MaxFailures
	}
	if c.Triggers.FailureWindow <= 0 {
		c.Triggers.FailureWindow = defaults.Triggers.FailureWindow
	}
	if c.Materializer.RefreshInterval <= 0 {
		c.Materializer.RefreshInterval = defaults.Materializer.RefreshInterval
	}
	if c.Materializer.SweepInterval <= 0 {
		c.Materializer.SweepInterval = defaults.Materializer.SweepInterval
	}
	if c.Materializer.BaseBackoff <= 0 {
		c.Materializer.BaseBackoff = defaults.Materializer.BaseBackoff
	}
	if c.Materializer.MaxBackoff <= 0 {
		c.Materializer.MaxBackoff = defaults.Materializer.MaxBackoff
	}
	if c.Leader.LockTTL <= 0 {
		c.Leader.LockTTL = defaults.Leader.LockTTL
	}
	if c.Leader.ScanInterval <= 0 {
		c.Leader.ScanInterval = defaults.Leader.ScanInterval
	}
	if c.Scaling.PollInterval <= 0 {
		c.Scaling.PollInterval = defaults.Scaling.PollInterval
	}
	if c.Secrets.EnvPrefix == "" {
		c.Secrets.EnvPrefix = defaults.Secrets.EnvPrefix
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
}

// loadFromEnv applies environment-variable overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("FOUNDRY_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("FOUNDRY_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("FOUNDRY_DB_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("FOUNDRY_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("FOUNDRY_QUEUE_MODE"); val != "" {
		c.Queue.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("FOUNDRY_REDIS_ADDR"); val != "" {
		c.Queue.Redis.Addr = val
	}
	if val := os.Getenv("FOUNDRY_REDIS_PASSWORD"); val != "" {
		c.Queue.Redis.Password = val
	}
	if val := os.Getenv("FOUNDRY_REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			c.Queue.Redis.DB = db
		}
	}
	if val := os.Getenv("FOUNDRY_QUEUE_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Queue.DefaultConcurrency = n
		}
	}
	if val := os.Getenv("FOUNDRY_NODE_ID"); val != "" {
		c.Leader.NodeID = val
	}
	if val := os.Getenv("FOUNDRY_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("FOUNDRY_SECRET_PREFIX"); val != "" {
		c.Secrets.EnvPrefix = val
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return &errors.ValidationError{
			Field:      "store.backend",
			Message:    fmt.Sprintf("unknown backend %q", c.Store.Backend),
			Suggestion: "use sqlite or memory",
		}
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return &errors.ValidationError{
			Field:   "store.path",
			Message: "sqlite backend requires a database path",
		}
	}

	switch c.Queue.Mode {
	case "inline", "redis":
	default:
		return &errors.ValidationError{
			Field:      "queue.mode",
			Message:    fmt.Sprintf("unknown mode %q", c.Queue.Mode),
			Suggestion: "use inline or redis",
		}
	}
	if c.Queue.Mode == "redis" && c.Queue.Redis.Addr == "" {
		return &errors.ValidationError{
			Field:   "queue.redis.addr",
			Message: "redis mode requires an address",
		}
	}
	for queue, n := range c.Queue.Concurrency {
		if n < 0 {
			return &errors.ValidationError{
				Field:   "queue.concurrency." + queue,
				Message: "concurrency cannot be negative",
			}
		}
	}

	if c.Leader.RetryInterval >= c.Leader.LockTTL && c.Leader.RetryInterval > 0 {
		return &errors.ValidationError{
			Field:      "leader.retry_interval",
			Message:    "retry interval must be shorter than the lock TTL",
			Suggestion: "leave it unset to derive lock_ttl/6",
		}
	}

	seen := make(map[string]bool, len(c.Scaling.Targets))
	for i, target := range c.Scaling.Targets {
		field := fmt.Sprintf("scaling.targets[%d]", i)
		if target.Key == "" {
			return &errors.ValidationError{Field: field + ".key", Message: "key is required"}
		}
		if target.Queue == "" {
			return &errors.ValidationError{Field: field + ".queue", Message: "queue is required"}
		}
		if seen[target.Key] {
			return &errors.ValidationError{
				Field:   field + ".key",
				Message: fmt.Sprintf("duplicate scaling target %q", target.Key),
			}
		}
		seen[target.Key] = true
		if target.Max > 0 && target.Min > target.Max {
			return &errors.ValidationError{
				Field:   field + ".min",
				Message: "min exceeds max",
			}
		}
	}
	return nil
}

// MaterializerEnabled reports whether the materializer loop should run.
func (c *Config) MaterializerEnabled() bool {
	return c.Materializer.Enabled == nil || *c.Materializer.Enabled
}

// LeaderEnabled reports whether election and schedule scanning run.
func (c *Config) LeaderEnabled() bool {
	return c.Leader.Enabled == nil || *c.Leader.Enabled
}
