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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/workflow"
)

func (s *Store) InsertEvent(ctx context.Context, e *events.Envelope) error {
	if e.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "event id is required"}
	}

	payloadJSON, err := marshalJSON(e.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (id, type, source, payload, correlation_id, occurred_at, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Source, nullString(payloadJSON), nullString(e.CorrelationID),
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.IngestedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &errors.ConflictError{Resource: "event", ID: e.ID}
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*events.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, source, payload, correlation_id, occurred_at, ingested_at
		FROM workflow_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "event", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, filter store.EventFilter) ([]*events.Envelope, *events.Cursor, error) {
	query := `
		SELECT id, type, source, payload, correlation_id, occurred_at, ingested_at
		FROM workflow_events WHERE 1=1`
	args := []any{}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.After != nil {
		query += ` AND (occurred_at > ? OR (occurred_at = ? AND id > ?))`
		ts := filter.After.OccurredAt.UTC().Format(time.RFC3339Nano)
		args = append(args, ts, ts, filter.After.ID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	// Fetch one extra row to learn whether a next page exists.
	query += ` ORDER BY occurred_at, id LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*events.Envelope
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *events.Cursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &events.Cursor{OccurredAt: last.OccurredAt, ID: last.ID}
	}
	return out, next, nil
}

func scanEvent(row rowScanner) (*events.Envelope, error) {
	var e events.Envelope
	var payload, correlationID sql.NullString
	var occurredAt, ingestedAt sql.NullString

	err := row.Scan(&e.ID, &e.Type, &e.Source, &payload, &correlationID, &occurredAt, &ingestedAt)
	if err != nil {
		return nil, err
	}

	if correlationID.Valid {
		e.CorrelationID = correlationID.String
	}
	if err := unmarshalJSON(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	e.OccurredAt = parseTimeValue(occurredAt)
	e.IngestedAt = parseTimeValue(ingestedAt)
	return &e, nil
}

// --- event triggers ---

func (s *Store) UpsertEventTrigger(ctx context.Context, rec *store.EventTriggerRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := nowUTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	spec, err := marshalJSON(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_event_triggers (id, workflow_slug, event_type, spec, paused, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workflow_slug = excluded.workflow_slug,
			event_type = excluded.event_type,
			spec = excluded.spec,
			paused = excluded.paused,
			updated_at = excluded.updated_at`,
		rec.ID, rec.WorkflowSlug, rec.EventType, spec, boolInt(rec.Paused),
		rec.CreatedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert event trigger: %w", err)
	}
	return nil
}

func (s *Store) GetEventTrigger(ctx context.Context, id string) (*store.EventTriggerRecord, error) {
	var spec string
	err := s.db.QueryRowContext(ctx,
		`SELECT spec FROM workflow_event_triggers WHERE id = ?`, id).Scan(&spec)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "event trigger", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event trigger: %w", err)
	}

	var rec store.EventTriggerRecord
	if err := unmarshalJSON(sql.NullString{String: spec, Valid: true}, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event trigger: %w", err)
	}
	return &rec, nil
}

func (s *Store) DeleteEventTrigger(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_event_triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event trigger: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return &errors.NotFoundError{Resource: "event trigger", ID: id}
	}
	return nil
}

func (s *Store) ListEventTriggers(ctx context.Context, eventType string) ([]*store.EventTriggerRecord, error) {
	query := `SELECT spec FROM workflow_event_triggers`
	args := []any{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list event triggers: %w", err)
	}
	defer rows.Close()

	var out []*store.EventTriggerRecord
	for rows.Next() {
		var spec string
		if err := rows.Scan(&spec); err != nil {
			return nil, fmt.Errorf("failed to scan event trigger: %w", err)
		}
		var rec store.EventTriggerRecord
		if err := unmarshalJSON(sql.NullString{String: spec, Valid: true}, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event trigger: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- deliveries ---

const deliveryColumns = `id, trigger_id, event_id, status, run_id, dedupe_key, throttle_key, reason, created_at`

func (s *Store) InsertDelivery(ctx context.Context, d *store.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = nowUTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_event_trigger_deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TriggerID, d.EventID, d.Status,
		nullString(d.RunID), nullString(d.DedupeKey), nullString(d.ThrottleKey),
		nullString(d.Reason), d.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, triggerID string, limit int) ([]*store.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM workflow_event_trigger_deliveries WHERE 1=1`
	args := []any{}
	if triggerID != "" {
		query += ` AND trigger_id = ?`
		args = append(args, triggerID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*store.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) FindDeliveryByDedupeKey(ctx context.Context, triggerID, dedupeKey string) (*store.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+` FROM workflow_event_trigger_deliveries
		WHERE trigger_id = ? AND dedupe_key = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		triggerID, dedupeKey, store.DeliveryLaunched)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find delivery by dedupe key: %w", err)
	}
	return d, nil
}

func (s *Store) LastLaunchForThrottleKey(ctx context.Context, triggerID, throttleKey string, since time.Time) (*store.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+` FROM workflow_event_trigger_deliveries
		WHERE trigger_id = ? AND throttle_key = ? AND status = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		triggerID, throttleKey, store.DeliveryLaunched,
		since.UTC().Format(time.RFC3339Nano))
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find throttled delivery: %w", err)
	}
	return d, nil
}

func scanDelivery(row rowScanner) (*store.Delivery, error) {
	var d store.Delivery
	var runID, dedupeKey, throttleKey, reason sql.NullString
	var createdAt sql.NullString

	err := row.Scan(&d.ID, &d.TriggerID, &d.EventID, &d.Status,
		&runID, &dedupeKey, &throttleKey, &reason, &createdAt)
	if err != nil {
		return nil, err
	}

	if runID.Valid {
		d.RunID = runID.String
	}
	if dedupeKey.Valid {
		d.DedupeKey = dedupeKey.String
	}
	if throttleKey.Valid {
		d.ThrottleKey = throttleKey.String
	}
	if reason.Valid {
		d.Reason = reason.String
	}
	d.CreatedAt = parseTimeValue(createdAt)
	return &d, nil
}

// --- schedules ---

const scheduleColumns = `id, workflow_slug, name, cron, timezone, parameters, enabled,
	next_run_at, catchup_cursor, last_window_start, last_window_end, created_at, updated_at`

func (s *Store) CreateSchedule(ctx context.Context, sched *workflow.Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := nowUTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	paramsJSON, err := marshalJSON(sched.Parameters)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowSlug, nullString(sched.Name), sched.Cron,
		nullString(sched.Timezone), nullString(paramsJSON), boolInt(sched.Enabled),
		formatTime(sched.NextRunAt), formatTime(sched.CatchupCursor),
		formatTime(sched.LastWindowStart), formatTime(sched.LastWindowEnd),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *workflow.Schedule) error {
	paramsJSON, err := marshalJSON(sched.Parameters)
	if err != nil {
		return err
	}

	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_schedules SET
			workflow_slug = ?, name = ?, cron = ?, timezone = ?, parameters = ?,
			enabled = ?, next_run_at = ?, catchup_cursor = ?,
			last_window_start = ?, last_window_end = ?, updated_at = ?
		WHERE id = ?`,
		sched.WorkflowSlug, nullString(sched.Name), sched.Cron,
		nullString(sched.Timezone), nullString(paramsJSON), boolInt(sched.Enabled),
		formatTime(sched.NextRunAt), formatTime(sched.CatchupCursor),
		formatTime(sched.LastWindowStart), formatTime(sched.LastWindowEnd),
		now.Format(time.RFC3339Nano), sched.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return &errors.NotFoundError{Resource: "schedule", ID: sched.ID}
	}
	sched.UpdatedAt = now
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*workflow.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM workflow_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return sched, nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*workflow.Schedule, error) {
	return s.listSchedules(ctx,
		`SELECT `+scheduleColumns+` FROM workflow_schedules ORDER BY id`)
}

func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*workflow.Schedule, error) {
	return s.listSchedules(ctx, `
		SELECT `+scheduleColumns+` FROM workflow_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY id`,
		now.UTC().Format(time.RFC3339Nano))
}

func (s *Store) listSchedules(ctx context.Context, query string, args ...any) ([]*workflow.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *Store) AdvanceSchedule(ctx context.Context, id string, cursor *time.Time, windowStart, windowEnd time.Time, nextRunAt *time.Time) error {
	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_schedules SET
			catchup_cursor = ?, last_window_start = ?, last_window_end = ?,
			next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(cursor),
		windowStart.UTC().Format(time.RFC3339Nano),
		windowEnd.UTC().Format(time.RFC3339Nano),
		formatTime(nextRunAt), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

func scanSchedule(row rowScanner) (*workflow.Schedule, error) {
	var sched workflow.Schedule
	var name, timezone, params sql.NullString
	var enabled int
	var nextRunAt, catchupCursor, windowStart, windowEnd sql.NullString
	var createdAt, updatedAt sql.NullString

	err := row.Scan(&sched.ID, &sched.WorkflowSlug, &name, &sched.Cron,
		&timezone, &params, &enabled,
		&nextRunAt, &catchupCursor, &windowStart, &windowEnd,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if name.Valid {
		sched.Name = name.String
	}
	if timezone.Valid {
		sched.Timezone = timezone.String
	}
	if err := unmarshalJSON(params, &sched.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	sched.Enabled = enabled != 0
	sched.NextRunAt = parseTime(nextRunAt)
	sched.CatchupCursor = parseTime(catchupCursor)
	sched.LastWindowStart = parseTime(windowStart)
	sched.LastWindowEnd = parseTime(windowEnd)
	sched.CreatedAt = parseTimeValue(createdAt)
	sched.UpdatedAt = parseTimeValue(updatedAt)
	return &sched, nil
}
