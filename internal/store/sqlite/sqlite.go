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

// Package sqlite provides the durable store backend for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/foundry/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.JobStore      = (*Store)(nil)
	_ store.LaunchStore   = (*Store)(nil)
	_ store.WorkflowStore = (*Store)(nil)
	_ store.EventStore    = (*Store)(nil)
	_ store.ScheduleStore = (*Store)(nil)
	_ store.AssetStore    = (*Store)(nil)
	_ store.LockStore     = (*Store)(nil)
	_ store.AuditStore    = (*Store)(nil)
	_ store.ScalingStore  = (*Store)(nil)
	_ store.Store         = (*Store)(nil)
)

// Store is a SQLite-backed store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. ":memory:" works for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database, applies pragmas, and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS job_definitions (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL,
			version INTEGER NOT NULL,
			spec TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (slug, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_definitions_slug ON job_definitions(slug)`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			job_definition_id TEXT NOT NULL,
			slug TEXT NOT NULL,
			status TEXT NOT NULL,
			parameters TEXT,
			result TEXT,
			error TEXT,
			metrics TEXT,
			context TEXT,
			attempt INTEGER DEFAULT 0,
			max_attempts INTEGER DEFAULT 1,
			timeout_ms INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			scheduled_at TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_status ON job_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_slug ON job_runs(slug)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_created_at ON job_runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS launch_states (
			launch_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			job_run_id TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL,
			version INTEGER NOT NULL,
			spec TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (slug, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_definitions_slug ON workflow_definitions(slug)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			slug TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			parameters TEXT,
			context TEXT,
			current_step_id TEXT,
			current_step_index INTEGER DEFAULT 0,
			metrics TEXT,
			triggered_by TEXT NOT NULL,
			trigger_id TEXT,
			trigger_payload TEXT,
			error TEXT,
			cancel_requested INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_slug ON workflow_runs(slug)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_trigger ON workflow_runs(trigger_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_run_steps (
			id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER DEFAULT 0,
			job_run_id TEXT,
			input TEXT,
			output TEXT,
			error TEXT,
			metrics TEXT,
			parent_step_id TEXT,
			fanout_index INTEGER,
			template_step_id TEXT,
			produced_assets TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (workflow_run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_run_steps_run ON workflow_run_steps(workflow_run_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_run_step_assets (
			id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			workflow_run_step_id TEXT NOT NULL,
			workflow_slug TEXT NOT NULL,
			step_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			asset_key TEXT NOT NULL,
			partition_key TEXT NOT NULL DEFAULT '',
			payload TEXT,
			freshness TEXT,
			produced_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_assets_key ON workflow_run_step_assets(asset_key, partition_key, produced_at)`,
		`CREATE INDEX IF NOT EXISTS idx_step_assets_workflow ON workflow_run_step_assets(workflow_slug)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			payload TEXT,
			correlation_id TEXT,
			occurred_at TEXT NOT NULL,
			ingested_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_order ON workflow_events(ingested_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_type ON workflow_events(type)`,
		`CREATE TABLE IF NOT EXISTS workflow_event_triggers (
			id TEXT PRIMARY KEY,
			workflow_slug TEXT NOT NULL,
			event_type TEXT NOT NULL,
			spec TEXT NOT NULL,
			paused INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_triggers_type ON workflow_event_triggers(event_type)`,
		`CREATE TABLE IF NOT EXISTS workflow_event_trigger_deliveries (
			id TEXT PRIMARY KEY,
			trigger_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			status TEXT NOT NULL,
			run_id TEXT,
			dedupe_key TEXT,
			throttle_key TEXT,
			reason TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_trigger ON workflow_event_trigger_deliveries(trigger_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_dedupe ON workflow_event_trigger_deliveries(trigger_id, dedupe_key, status)`,
		`CREATE TABLE IF NOT EXISTS workflow_schedules (
			id TEXT PRIMARY KEY,
			workflow_slug TEXT NOT NULL,
			name TEXT,
			cron TEXT NOT NULL,
			timezone TEXT,
			parameters TEXT,
			enabled INTEGER DEFAULT 1,
			next_run_at TEXT,
			catchup_cursor TEXT,
			last_window_start TEXT,
			last_window_end TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON workflow_schedules(enabled, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS lifecycle_audit_events (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entity ON lifecycle_audit_events(entity, entity_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS advisory_locks (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runtime_scaling (
			queue TEXT PRIMARY KEY,
			desired_concurrency INTEGER NOT NULL,
			paused INTEGER DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// --- shared helpers ---

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeValue(s sql.NullString) time.Time {
	if t := parseTime(s); t != nil {
		return *t
	}
	return time.Time{}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
