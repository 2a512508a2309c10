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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foundry/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foundry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "inline", cfg.Queue.Mode)
	assert.Equal(t, 2, cfg.Queue.DefaultConcurrency)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "FOUNDRY_SECRET_", cfg.Secrets.EnvPrefix)
	assert.True(t, cfg.MaterializerEnabled())
	assert.True(t, cfg.LeaderEnabled())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: memory
queue:
  mode: redis
  redis:
    addr: localhost:6379
  default_concurrency: 8
  concurrency:
    build: 4
scaling:
  targets:
    - key: build-workers
      queue: build
      default: 4
      min: 1
      max: 8
      rate_limit: 5s
services:
  metrics: http://localhost:9090
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "redis", cfg.Queue.Mode)
	assert.Equal(t, "localhost:6379", cfg.Queue.Redis.Addr)
	assert.Equal(t, 8, cfg.Queue.DefaultConcurrency)
	assert.Equal(t, 4, cfg.Queue.Concurrency["build"])
	require.Len(t, cfg.Scaling.Targets, 1)
	assert.Equal(t, 5*time.Second, cfg.Scaling.Targets[0].RateLimit)
	assert.Equal(t, "http://localhost:9090", cfg.Services["metrics"])

	// Untouched sections still carry defaults.
	assert.Equal(t, 10*time.Minute, cfg.Triggers.FailureWindow)
	assert.Equal(t, 30*time.Second, cfg.Leader.LockTTL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	var ioErr *errors.IOError
	assert.ErrorAs(t, err, &ioErr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FOUNDRY_QUEUE_MODE", "redis")
	t.Setenv("FOUNDRY_REDIS_ADDR", "redis:6379")
	t.Setenv("FOUNDRY_DB_PATH", "/var/lib/foundry/foundry.db")
	t.Setenv("FOUNDRY_SHUTDOWN_TIMEOUT", "90s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Queue.Mode)
	assert.Equal(t, "redis:6379", cfg.Queue.Redis.Addr)
	assert.Equal(t, "/var/lib/foundry/foundry.db", cfg.Store.Path)
	assert.Equal(t, 90*time.Second, cfg.ShutdownTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "postgres" },
			wantErr: "store.backend",
		},
		{
			name: "redis mode without addr",
			mutate: func(c *Config) {
				c.Queue.Mode = "redis"
				c.Queue.Redis.Addr = ""
			},
			wantErr: "queue.redis.addr",
		},
		{
			name:    "unknown queue mode",
			mutate:  func(c *Config) { c.Queue.Mode = "kafka" },
			wantErr: "queue.mode",
		},
		{
			name: "retry interval at least TTL",
			mutate: func(c *Config) {
				c.Leader.LockTTL = 10 * time.Second
				c.Leader.RetryInterval = 10 * time.Second
			},
			wantErr: "leader.retry_interval",
		},
		{
			name: "scaling target missing queue",
			mutate: func(c *Config) {
				c.Scaling.Targets = []ScalingTarget{{Key: "x"}}
			},
			wantErr: "scaling.targets[0].queue",
		},
		{
			name: "duplicate scaling key",
			mutate: func(c *Config) {
				c.Scaling.Targets = []ScalingTarget{
					{Key: "x", Queue: "build"},
					{Key: "x", Queue: "ingest"},
				}
			},
			wantErr: "scaling.targets[1].key",
		},
		{
			name: "min above max",
			mutate: func(c *Config) {
				c.Scaling.Targets = []ScalingTarget{{Key: "x", Queue: "build", Min: 5, Max: 2}}
			},
			wantErr: "scaling.targets[0].min",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var vErr *errors.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.wantErr, vErr.Field)
		})
	}
}

func TestMaterializerCanBeDisabled(t *testing.T) {
	path := writeConfig(t, `
materializer:
  enabled: false
leader:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.MaterializerEnabled())
	assert.False(t, cfg.LeaderEnabled())
}
