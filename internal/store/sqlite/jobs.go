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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/jobs"
)

// CreateJobDefinition publishes a definition with the next version under
// its slug. The version assignment and insert run in one transaction.
func (s *Store) CreateJobDefinition(ctx context.Context, def *jobs.Definition) error {
	if def.Slug == "" {
		return &errors.ValidationError{Field: "slug", Message: "job slug is required"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var max sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM job_definitions WHERE slug = ?`, def.Slug).Scan(&max)
	if err != nil {
		return fmt.Errorf("failed to resolve version: %w", err)
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.Version = int(max.Int64) + 1
	now := nowUTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	spec, err := marshalJSON(def)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_definitions (id, slug, version, spec, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		def.ID, def.Slug, def.Version, spec,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to create job definition: %w", err)
	}

	return tx.Commit()
}

func (s *Store) GetJobDefinition(ctx context.Context, id string) (*jobs.Definition, error) {
	return s.scanJobDefinition(ctx,
		`SELECT spec FROM job_definitions WHERE id = ?`, id)
}

func (s *Store) LatestJobDefinition(ctx context.Context, slug string) (*jobs.Definition, error) {
	return s.scanJobDefinition(ctx,
		`SELECT spec FROM job_definitions WHERE slug = ? ORDER BY version DESC LIMIT 1`, slug)
}

func (s *Store) GetJobDefinitionVersion(ctx context.Context, slug string, version int) (*jobs.Definition, error) {
	return s.scanJobDefinition(ctx,
		`SELECT spec FROM job_definitions WHERE slug = ? AND version = ?`, slug, version)
}

func (s *Store) scanJobDefinition(ctx context.Context, query string, args ...any) (*jobs.Definition, error) {
	var spec string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&spec)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "job definition", ID: fmt.Sprint(args[0])}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job definition: %w", err)
	}

	var def jobs.Definition
	if err := unmarshalJSON(sql.NullString{String: spec, Valid: true}, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job definition: %w", err)
	}
	return &def, nil
}

func (s *Store) ListJobDefinitions(ctx context.Context, slug string) ([]*jobs.Definition, error) {
	query := `SELECT spec FROM job_definitions`
	args := []any{}
	if slug != "" {
		query += ` WHERE slug = ?`
		args = append(args, slug)
	}
	query += ` ORDER BY slug, version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job definitions: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Definition
	for rows.Next() {
		var spec string
		if err := rows.Scan(&spec); err != nil {
			return nil, fmt.Errorf("failed to scan job definition: %w", err)
		}
		var def jobs.Definition
		if err := unmarshalJSON(sql.NullString{String: spec, Valid: true}, &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job definition: %w", err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

// --- job runs ---

const jobRunColumns = `id, job_definition_id, slug, status, parameters, result, error,
	metrics, context, attempt, max_attempts, timeout_ms, duration_ms,
	scheduled_at, started_at, completed_at, created_at, updated_at`

func (s *Store) CreateJobRun(ctx context.Context, run *jobs.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = jobs.RunPending
	}
	now := nowUTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	paramsJSON, err := marshalJSON(run.Parameters)
	if err != nil {
		return err
	}
	resultJSON, err := marshalJSON(run.Result)
	if err != nil {
		return err
	}
	metricsJSON, err := marshalJSON(run.Metrics)
	if err != nil {
		return err
	}
	contextJSON, err := marshalJSON(run.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_runs (`+jobRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobDefinitionID, run.Slug, run.Status,
		nullString(paramsJSON), nullString(resultJSON), nullString(run.ErrorMessage),
		nullString(metricsJSON), nullString(contextJSON),
		run.Attempt, run.MaxAttempts, run.Timeout.Milliseconds(), run.DurationMs,
		formatTime(run.ScheduledAt), formatTime(run.StartedAt), formatTime(run.CompletedAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to create job run: %w", err)
	}
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, id string) (*jobs.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobRunColumns+` FROM job_runs WHERE id = ?`, id)
	run, err := scanJobRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "job run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}
	return run, nil
}

func (s *Store) ListJobRuns(ctx context.Context, filter store.JobRunFilter) ([]*jobs.Run, error) {
	query := `SELECT ` + jobRunColumns + ` FROM job_runs WHERE 1=1`
	args := []any{}

	if filter.Slug != "" {
		query += ` AND slug = ?`
		args = append(args, filter.Slug)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Run
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClaimJobRun transitions pending -> running and increments the attempt
// counter. The WHERE clause makes the transition atomic under concurrent
// claims.
func (s *Store) ClaimJobRun(ctx context.Context, id string, startedAt time.Time) (*jobs.Run, bool, error) {
	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, attempt = attempt + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		jobs.RunRunning, startedAt.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), id, jobs.RunPending)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim job run: %w", err)
	}

	return s.conditionalResult(ctx, id, result)
}

func (s *Store) CompleteJobRun(ctx context.Context, id string, res store.JobRunResult) (*jobs.Run, bool, error) {
	if !res.Status.IsTerminal() {
		return nil, false, &errors.ValidationError{
			Field:   "status",
			Message: "complete requires a terminal status",
		}
	}

	resultJSON, err := marshalJSON(res.Result)
	if err != nil {
		return nil, false, err
	}
	metricsJSON, err := marshalJSON(res.Metrics)
	if err != nil {
		return nil, false, err
	}

	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, result = ?, error = ?,
			metrics = CASE WHEN ? != '' THEN ? ELSE metrics END,
			completed_at = ?, duration_ms = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		res.Status, nullString(resultJSON), nullString(res.ErrorMessage),
		metricsJSON, nullString(metricsJSON),
		res.CompletedAt.UTC().Format(time.RFC3339Nano), res.DurationMs,
		now.Format(time.RFC3339Nano), id, jobs.RunRunning)
	if err != nil {
		return nil, false, fmt.Errorf("failed to complete job run: %w", err)
	}

	return s.conditionalResult(ctx, id, result)
}

func (s *Store) RetryJobRun(ctx context.Context, id string, scheduledAt time.Time, errMsg string) (*jobs.Run, bool, error) {
	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, scheduled_at = ?, started_at = NULL, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		jobs.RunPending, scheduledAt.UTC().Format(time.RFC3339Nano),
		nullString(errMsg), now.Format(time.RFC3339Nano), id, jobs.RunRunning)
	if err != nil {
		return nil, false, fmt.Errorf("failed to retry job run: %w", err)
	}

	return s.conditionalResult(ctx, id, result)
}

func (s *Store) CancelJobRun(ctx context.Context, id string) (*jobs.Run, bool, error) {
	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		jobs.RunCanceled, now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), id, jobs.RunPending)
	if err != nil {
		return nil, false, fmt.Errorf("failed to cancel job run: %w", err)
	}

	return s.conditionalResult(ctx, id, result)
}

// PatchJobRun merges metrics and context under a transaction so two
// concurrent patches cannot drop each other's keys.
func (s *Store) PatchJobRun(ctx context.Context, id string, patch jobs.RunPatch) (*jobs.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobRunColumns+` FROM job_runs WHERE id = ?`, id)
	run, err := scanJobRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "job run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}
	if run.Status.IsTerminal() {
		return nil, &errors.PreconditionError{
			Resource: "job run",
			ID:       id,
			Status:   string(run.Status),
			Want:     "non-terminal",
		}
	}

	if patch.Metrics != nil {
		if run.Metrics == nil {
			run.Metrics = make(map[string]any, len(patch.Metrics))
		}
		for k, v := range patch.Metrics {
			run.Metrics[k] = v
		}
	}
	if patch.Context != nil {
		if run.Context == nil {
			run.Context = make(map[string]any, len(patch.Context))
		}
		for k, v := range patch.Context {
			run.Context[k] = v
		}
	}

	metricsJSON, err := marshalJSON(run.Metrics)
	if err != nil {
		return nil, err
	}
	contextJSON, err := marshalJSON(run.Context)
	if err != nil {
		return nil, err
	}

	now := nowUTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE job_runs SET metrics = ?, context = ?, updated_at = ? WHERE id = ?`,
		nullString(metricsJSON), nullString(contextJSON),
		now.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("failed to patch job run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	run.UpdatedAt = now
	return run, nil
}

// conditionalResult rereads the row after a conditional update and
// reports whether the update applied.
func (s *Store) conditionalResult(ctx context.Context, id string, result sql.Result) (*jobs.Run, bool, error) {
	affected, _ := result.RowsAffected()
	run, err := s.GetJobRun(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return run, affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRun(row rowScanner) (*jobs.Run, error) {
	var run jobs.Run
	var params, result, errMsg, metrics, runCtx sql.NullString
	var scheduledAt, startedAt, completedAt, createdAt, updatedAt sql.NullString
	var timeoutMs int64

	err := row.Scan(
		&run.ID, &run.JobDefinitionID, &run.Slug, &run.Status,
		&params, &result, &errMsg, &metrics, &runCtx,
		&run.Attempt, &run.MaxAttempts, &timeoutMs, &run.DurationMs,
		&scheduledAt, &startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if errMsg.Valid {
		run.ErrorMessage = errMsg.String
	}
	if err := unmarshalJSON(params, &run.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	if err := unmarshalJSON(result, &run.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	if err := unmarshalJSON(metrics, &run.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if err := unmarshalJSON(runCtx, &run.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	run.ScheduledAt = parseTime(scheduledAt)
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	run.CreatedAt = parseTimeValue(createdAt)
	run.UpdatedAt = parseTimeValue(updatedAt)
	return &run, nil
}
