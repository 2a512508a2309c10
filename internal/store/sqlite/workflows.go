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
	"github.com/tombee/foundry/pkg/workflow"
)

func (s *Store) CreateWorkflowDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var max sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM workflow_definitions WHERE slug = ?`, def.Slug).Scan(&max)
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
		`INSERT INTO workflow_definitions (id, slug, version, spec, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		def.ID, def.Slug, def.Version, spec,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to create workflow definition: %w", err)
	}

	return tx.Commit()
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	return s.scanWorkflowDefinition(ctx,
		`SELECT spec FROM workflow_definitions WHERE id = ?`, id)
}

func (s *Store) LatestWorkflowDefinition(ctx context.Context, slug string) (*workflow.Definition, error) {
	return s.scanWorkflowDefinition(ctx,
		`SELECT spec FROM workflow_definitions WHERE slug = ? ORDER BY version DESC LIMIT 1`, slug)
}

func (s *Store) GetWorkflowDefinitionVersion(ctx context.Context, slug string, version int) (*workflow.Definition, error) {
	return s.scanWorkflowDefinition(ctx,
		`SELECT spec FROM workflow_definitions WHERE slug = ? AND version = ?`, slug, version)
}

func (s *Store) scanWorkflowDefinition(ctx context.Context, query string, args ...any) (*workflow.Definition, error) {
	var spec string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&spec)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow definition", ID: fmt.Sprint(args[0])}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow definition: %w", err)
	}

	var def workflow.Definition
	if err := unmarshalJSON(sql.NullString{String: spec, Valid: true}, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	return &def, nil
}

func (s *Store) ListWorkflowDefinitions(ctx context.Context, slug string) ([]*workflow.Definition, error) {
	query := `SELECT spec FROM workflow_definitions`
	args := []any{}
	if slug != "" {
		query += ` WHERE slug = ?`
		args = append(args, slug)
	}
	query += ` ORDER BY slug, version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow definitions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Definition
	for rows.Next() {
		var spec string
		if err := rows.Scan(&spec); err != nil {
			return nil, fmt.Errorf("failed to scan workflow definition: %w", err)
		}
		var def workflow.Definition
		if err := unmarshalJSON(sql.NullString{String: spec, Valid: true}, &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

// --- workflow runs ---

const workflowRunColumns = `id, workflow_definition_id, slug, version, status, parameters,
	context, current_step_id, current_step_index, metrics, triggered_by,
	trigger_id, trigger_payload, error, cancel_requested, duration_ms,
	started_at, completed_at, created_at, updated_at`

func (s *Store) CreateWorkflowRun(ctx context.Context, run *workflow.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = workflow.RunPending
	}
	if run.Context == nil {
		run.Context = workflow.NewRunContext()
	}
	now := nowUTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	paramsJSON, err := marshalJSON(run.Parameters)
	if err != nil {
		return err
	}
	contextJSON, err := marshalJSON(run.Context)
	if err != nil {
		return err
	}
	metricsJSON, err := marshalJSON(run.Metrics)
	if err != nil {
		return err
	}
	triggerJSON, err := marshalJSON(run.Trigger)
	if err != nil {
		return err
	}

	triggerID := ""
	if run.Trigger != nil {
		triggerID, _ = run.Trigger["triggerId"].(string)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (`+workflowRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowDefinitionID, run.Slug, run.Version, run.Status,
		nullString(paramsJSON), nullString(contextJSON),
		nullString(run.CurrentStepID), run.CurrentStepIndex,
		nullString(metricsJSON), run.TriggeredBy,
		nullString(triggerID), nullString(triggerJSON),
		nullString(run.ErrorMessage), boolInt(run.CancelRequested), run.DurationMs,
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to create workflow run: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowRun(ctx context.Context, id string) (*workflow.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowRunColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return run, nil
}

func (s *Store) ListWorkflowRuns(ctx context.Context, filter store.WorkflowRunFilter) ([]*workflow.Run, error) {
	query := `SELECT ` + workflowRunColumns + ` FROM workflow_runs WHERE 1=1`
	args := []any{}

	if filter.Slug != "" {
		query += ` AND slug = ?`
		args = append(args, filter.Slug)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.TriggeredBy != "" {
		query += ` AND triggered_by = ?`
		args = append(args, filter.TriggeredBy)
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
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Run
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) ClaimWorkflowRun(ctx context.Context, id string, startedAt time.Time) (*workflow.Run, bool, error) {
	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		workflow.RunRunning, startedAt.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), id, workflow.RunPending)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim workflow run: %w", err)
	}
	return s.workflowConditional(ctx, id, result)
}

func (s *Store) CompleteWorkflowRun(ctx context.Context, id string, status workflow.RunStatus, errMsg string, completedAt time.Time) (*workflow.Run, bool, error) {
	if !status.IsTerminal() {
		return nil, false, &errors.ValidationError{
			Field:   "status",
			Message: "complete requires a terminal status",
		}
	}

	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, error = ?, completed_at = ?,
			duration_ms = CASE WHEN started_at IS NOT NULL
				THEN CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
				ELSE duration_ms END,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		status, nullString(errMsg), completedAt.UTC().Format(time.RFC3339Nano),
		completedAt.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), id, workflow.RunRunning)
	if err != nil {
		return nil, false, fmt.Errorf("failed to complete workflow run: %w", err)
	}
	return s.workflowConditional(ctx, id, result)
}

func (s *Store) RequestWorkflowRunCancel(ctx context.Context, id string) (*workflow.Run, bool, error) {
	now := nowUTC()

	// Pending runs cancel immediately; running runs get the flag and the
	// orchestrator observes it between steps.
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET cancel_requested = 1,
			status = CASE WHEN status = ? THEN ? ELSE status END,
			completed_at = CASE WHEN status = ? THEN ? ELSE completed_at END,
			updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		workflow.RunPending, workflow.RunCanceled,
		workflow.RunPending, now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), id,
		workflow.RunSucceeded, workflow.RunFailed, workflow.RunCanceled)
	if err != nil {
		return nil, false, fmt.Errorf("failed to request cancel: %w", err)
	}
	return s.workflowConditional(ctx, id, result)
}

func (s *Store) UpdateWorkflowRunContext(ctx context.Context, id string, rc *workflow.RunContext, currentStepID string, currentStepIndex int) error {
	contextJSON, err := marshalJSON(rc)
	if err != nil {
		return err
	}

	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET context = ?, current_step_id = ?, current_step_index = ?, updated_at = ?
		WHERE id = ?`,
		nullString(contextJSON), nullString(currentStepID), currentStepIndex,
		now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to update workflow run context: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return &errors.NotFoundError{Resource: "workflow run", ID: id}
	}
	return nil
}

func (s *Store) ListRunningWorkflowRuns(ctx context.Context, updatedBefore time.Time) ([]*workflow.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowRunColumns+` FROM workflow_runs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at`,
		workflow.RunRunning, updatedBefore.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to list running workflow runs: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Run
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) CountActiveRunsForTrigger(ctx context.Context, triggerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workflow_runs
		WHERE trigger_id = ? AND status IN (?, ?)`,
		triggerID, workflow.RunPending, workflow.RunRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs for trigger: %w", err)
	}
	return count, nil
}

func (s *Store) workflowConditional(ctx context.Context, id string, result sql.Result) (*workflow.Run, bool, error) {
	affected, _ := result.RowsAffected()
	run, err := s.GetWorkflowRun(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return run, affected > 0, nil
}

func scanWorkflowRun(row rowScanner) (*workflow.Run, error) {
	var run workflow.Run
	var params, runCtx, currentStepID, metrics sql.NullString
	var triggerID, triggerPayload, errMsg sql.NullString
	var cancelRequested int
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&run.ID, &run.WorkflowDefinitionID, &run.Slug, &run.Version, &run.Status,
		&params, &runCtx, &currentStepID, &run.CurrentStepIndex,
		&metrics, &run.TriggeredBy, &triggerID, &triggerPayload,
		&errMsg, &cancelRequested, &run.DurationMs,
		&startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.CancelRequested = cancelRequested != 0
	if currentStepID.Valid {
		run.CurrentStepID = currentStepID.String
	}
	if errMsg.Valid {
		run.ErrorMessage = errMsg.String
	}
	if err := unmarshalJSON(params, &run.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	if err := unmarshalJSON(runCtx, &run.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	if err := unmarshalJSON(metrics, &run.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if err := unmarshalJSON(triggerPayload, &run.Trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	run.CreatedAt = parseTimeValue(createdAt)
	run.UpdatedAt = parseTimeValue(updatedAt)
	return &run, nil
}

// --- run steps ---

const runStepColumns = `id, workflow_run_id, step_id, status, attempt, job_run_id,
	input, output, error, metrics, parent_step_id, fanout_index,
	template_step_id, produced_assets, started_at, completed_at,
	created_at, updated_at`

func (s *Store) CreateRunStep(ctx context.Context, step *workflow.RunStep) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = workflow.StepPending
	}
	now := nowUTC()
	step.CreatedAt = now
	step.UpdatedAt = now

	inputJSON, err := marshalJSON(step.Input)
	if err != nil {
		return err
	}
	outputJSON, err := marshalJSON(step.Output)
	if err != nil {
		return err
	}
	metricsJSON, err := marshalJSON(step.Metrics)
	if err != nil {
		return err
	}
	assetsJSON, err := marshalJSON(step.ProducedAssets)
	if err != nil {
		return err
	}

	var fanoutIndex any
	if step.FanOutIndex != nil {
		fanoutIndex = *step.FanOutIndex
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_run_steps (`+runStepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowRunID, step.StepID, step.Status, step.Attempt,
		nullString(step.JobRunID), nullString(inputJSON), nullString(outputJSON),
		nullString(step.ErrorMessage), nullString(metricsJSON),
		nullString(step.ParentStepID), fanoutIndex, nullString(step.TemplateStepID),
		nullString(assetsJSON), formatTime(step.StartedAt), formatTime(step.CompletedAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to create run step: %w", err)
	}
	return nil
}

func (s *Store) GetRunStep(ctx context.Context, id string) (*workflow.RunStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runStepColumns+` FROM workflow_run_steps WHERE id = ?`, id)
	step, err := scanRunStep(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow run step", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run step: %w", err)
	}
	return step, nil
}

func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]*workflow.RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runStepColumns+` FROM workflow_run_steps
		WHERE workflow_run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	defer rows.Close()

	var out []*workflow.RunStep
	for rows.Next() {
		step, err := scanRunStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run step: %w", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *Store) StartRunStep(ctx context.Context, id string, startedAt time.Time) (*workflow.RunStep, bool, error) {
	now := nowUTC()

	// pending -> running sets the attempt; reissuing a running step after
	// a crash is a no-op success.
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_run_steps
		SET status = ?, started_at = ?,
			attempt = CASE WHEN attempt = 0 THEN 1 ELSE attempt END,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		workflow.StepRunning, startedAt.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), id, workflow.StepPending)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start run step: %w", err)
	}

	affected, _ := result.RowsAffected()
	step, err := s.GetRunStep(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if affected == 0 && step.Status == workflow.StepRunning {
		return step, true, nil
	}
	return step, affected > 0, nil
}

func (s *Store) CompleteRunStep(ctx context.Context, id string, res store.StepResult) (*workflow.RunStep, bool, error) {
	if !res.Status.IsTerminal() {
		return nil, false, &errors.ValidationError{
			Field:   "status",
			Message: "complete requires a terminal status",
		}
	}

	outputJSON, err := marshalJSON(res.Output)
	if err != nil {
		return nil, false, err
	}
	metricsJSON, err := marshalJSON(res.Metrics)
	if err != nil {
		return nil, false, err
	}
	assetsJSON, err := marshalJSON(res.ProducedAssets)
	if err != nil {
		return nil, false, err
	}

	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_run_steps
		SET status = ?, output = ?, error = ?,
			metrics = CASE WHEN ? != '' THEN ? ELSE metrics END,
			produced_assets = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		res.Status, nullString(outputJSON), nullString(res.ErrorMessage),
		metricsJSON, nullString(metricsJSON),
		nullString(assetsJSON), res.CompletedAt.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), id, workflow.StepRunning)
	if err != nil {
		return nil, false, fmt.Errorf("failed to complete run step: %w", err)
	}

	affected, _ := result.RowsAffected()
	step, err := s.GetRunStep(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return step, affected > 0, nil
}

func (s *Store) SkipRunStep(ctx context.Context, id string, reason string) (*workflow.RunStep, bool, error) {
	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_run_steps
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		workflow.StepSkipped, nullString(reason),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		id, workflow.StepPending)
	if err != nil {
		return nil, false, fmt.Errorf("failed to skip run step: %w", err)
	}

	affected, _ := result.RowsAffected()
	step, err := s.GetRunStep(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return step, affected > 0, nil
}

func scanRunStep(row rowScanner) (*workflow.RunStep, error) {
	var step workflow.RunStep
	var jobRunID, input, output, errMsg, metrics sql.NullString
	var parentStepID, templateStepID, assets sql.NullString
	var fanoutIndex sql.NullInt64
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&step.ID, &step.WorkflowRunID, &step.StepID, &step.Status, &step.Attempt,
		&jobRunID, &input, &output, &errMsg, &metrics,
		&parentStepID, &fanoutIndex, &templateStepID, &assets,
		&startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if jobRunID.Valid {
		step.JobRunID = jobRunID.String
	}
	if errMsg.Valid {
		step.ErrorMessage = errMsg.String
	}
	if parentStepID.Valid {
		step.ParentStepID = parentStepID.String
	}
	if templateStepID.Valid {
		step.TemplateStepID = templateStepID.String
	}
	if fanoutIndex.Valid {
		idx := int(fanoutIndex.Int64)
		step.FanOutIndex = &idx
	}
	if err := unmarshalJSON(input, &step.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if err := unmarshalJSON(output, &step.Output); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	if err := unmarshalJSON(metrics, &step.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if err := unmarshalJSON(assets, &step.ProducedAssets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal produced assets: %w", err)
	}
	step.StartedAt = parseTime(startedAt)
	step.CompletedAt = parseTime(completedAt)
	step.CreatedAt = parseTimeValue(createdAt)
	step.UpdatedAt = parseTimeValue(updatedAt)
	return &step, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
