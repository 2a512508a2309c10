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

// --- assets ---

const assetColumns = `id, workflow_run_id, workflow_run_step_id, workflow_slug, step_id,
	asset_id, asset_key, partition_key, payload, freshness, produced_at`

func (s *Store) InsertStepAsset(ctx context.Context, a *workflow.StepAsset) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.AssetID = workflow.CanonicalAssetID(a.AssetID)
	a.PartitionKey = workflow.NormalizePartition(a.PartitionKey)
	if a.ProducedAt.IsZero() {
		a.ProducedAt = nowUTC()
	}

	payloadJSON, err := marshalJSON(a.Payload)
	if err != nil {
		return err
	}
	freshnessJSON, err := marshalJSON(a.Freshness)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_run_step_assets (`+assetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkflowRunID, a.WorkflowRunStep, a.WorkflowSlug, a.StepID,
		a.AssetID, workflow.NormalizeAssetID(a.AssetID), a.PartitionKey,
		nullString(payloadJSON), nullString(freshnessJSON),
		a.ProducedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert step asset: %w", err)
	}
	return nil
}

func (s *Store) LatestAsset(ctx context.Context, assetID, partition string) (*workflow.StepAsset, error) {
	key := workflow.KeyFor(assetID, partition)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assetColumns+` FROM workflow_run_step_assets
		WHERE asset_key = ? AND partition_key = ?
		ORDER BY produced_at DESC LIMIT 1`,
		key.AssetID, key.Partition)
	a, err := scanStepAsset(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "asset", ID: key.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest asset: %w", err)
	}
	return a, nil
}

func (s *Store) ListAssetsByWorkflow(ctx context.Context, slug string) ([]*workflow.StepAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM workflow_run_step_assets
		WHERE workflow_slug = ? ORDER BY produced_at`, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

func (s *Store) ListLatestAssets(ctx context.Context) ([]*workflow.StepAsset, error) {
	// Correlated subquery keeps only the newest production per key.
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM workflow_run_step_assets a
		WHERE produced_at = (
			SELECT MAX(produced_at) FROM workflow_run_step_assets b
			WHERE b.asset_key = a.asset_key AND b.partition_key = a.partition_key
		)
		ORDER BY asset_key, partition_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest assets: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

func (s *Store) DeleteExpiredAssets(ctx context.Context, now time.Time) (int, error) {
	// TTL expiry is computed in Go since the interval lives inside the
	// freshness JSON; sweep candidates first, then delete by id.
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM workflow_run_step_assets
		WHERE freshness IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep assets: %w", err)
	}
	assets, err := collectAssets(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	var expired []string
	for _, a := range assets {
		if a.Freshness == nil || a.Freshness.TTL <= 0 {
			continue
		}
		if staleAt, ok := a.Freshness.StaleAt(a.ProducedAt); ok && staleAt.Before(now) {
			expired = append(expired, a.ID)
		}
	}

	removed := 0
	for _, id := range expired {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM workflow_run_step_assets WHERE id = ?`, id)
		if err != nil {
			return removed, fmt.Errorf("failed to delete expired asset: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected > 0 {
			removed++
		}
	}
	return removed, nil
}

func collectAssets(rows *sql.Rows) ([]*workflow.StepAsset, error) {
	var out []*workflow.StepAsset
	for rows.Next() {
		a, err := scanStepAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanStepAsset(row rowScanner) (*workflow.StepAsset, error) {
	var a workflow.StepAsset
	var assetKey string
	var payload, freshness sql.NullString
	var producedAt sql.NullString

	err := row.Scan(&a.ID, &a.WorkflowRunID, &a.WorkflowRunStep, &a.WorkflowSlug,
		&a.StepID, &a.AssetID, &assetKey, &a.PartitionKey,
		&payload, &freshness, &producedAt)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(payload, &a.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if err := unmarshalJSON(freshness, &a.Freshness); err != nil {
		return nil, fmt.Errorf("failed to unmarshal freshness: %w", err)
	}
	a.ProducedAt = parseTimeValue(producedAt)
	return &a, nil
}

// --- advisory locks ---

func (s *Store) TryAcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := nowUTC()
	expires := now.Add(ttl).Format(time.RFC3339Nano)

	// Take the lock when the row is absent, expired, or already ours.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO advisory_locks (name, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE advisory_locks.owner = excluded.owner OR advisory_locks.expires_at <= ?`,
		name, owner, expires, now.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *Store) RenewLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE advisory_locks SET expires_at = ?
		WHERE name = ? AND owner = ? AND expires_at > ?`,
		now.Add(ttl).Format(time.RFC3339Nano), name, owner,
		now.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to renew lock: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM advisory_locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

const lockPollInterval = 25 * time.Millisecond

func (s *Store) WithLock(ctx context.Context, name, owner string, ttl time.Duration, fn func(ctx context.Context) error) error {
	for {
		held, err := s.TryAcquireLock(ctx, name, owner, ttl)
		if err != nil {
			return err
		}
		if held {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	err := fn(ctx)
	if rerr := s.ReleaseLock(context.WithoutCancel(ctx), name, owner); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// --- audit journal ---

func (s *Store) AppendAudit(ctx context.Context, e *store.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = nowUTC()

	detailJSON, err := marshalJSON(e.Detail)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_audit_events (id, entity, entity_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Entity, e.EntityID, e.Action, nullString(detailJSON),
		e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, entity, entityID string, limit int) ([]*store.AuditEvent, error) {
	query := `SELECT id, entity, entity_id, action, detail, created_at
		FROM lifecycle_audit_events WHERE 1=1`
	args := []any{}
	if entity != "" {
		query += ` AND entity = ?`
		args = append(args, entity)
	}
	if entityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []*store.AuditEvent
	for rows.Next() {
		var e store.AuditEvent
		var detail, createdAt sql.NullString
		if err := rows.Scan(&e.ID, &e.Entity, &e.EntityID, &e.Action, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if err := unmarshalJSON(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal detail: %w", err)
		}
		e.CreatedAt = parseTimeValue(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- runtime scaling ---

func (s *Store) GetScaling(ctx context.Context, queue string) (*store.ScalingState, error) {
	var st store.ScalingState
	var paused int
	var updatedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT queue, desired_concurrency, paused, updated_at
		FROM runtime_scaling WHERE queue = ?`, queue).
		Scan(&st.Queue, &st.DesiredConcurrency, &paused, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "scaling state", ID: queue}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scaling state: %w", err)
	}

	st.Paused = paused != 0
	st.UpdatedAt = parseTimeValue(updatedAt)
	return &st, nil
}

func (s *Store) PutScaling(ctx context.Context, st *store.ScalingState) error {
	if st.Queue == "" {
		return &errors.ValidationError{Field: "queue", Message: "queue name is required"}
	}
	st.UpdatedAt = nowUTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_scaling (queue, desired_concurrency, paused, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (queue) DO UPDATE SET
			desired_concurrency = excluded.desired_concurrency,
			paused = excluded.paused,
			updated_at = excluded.updated_at`,
		st.Queue, st.DesiredConcurrency, boolInt(st.Paused),
		st.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put scaling state: %w", err)
	}
	return nil
}

func (s *Store) ListScaling(ctx context.Context) ([]*store.ScalingState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue, desired_concurrency, paused, updated_at
		FROM runtime_scaling ORDER BY queue`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scaling states: %w", err)
	}
	defer rows.Close()

	var out []*store.ScalingState
	for rows.Next() {
		var st store.ScalingState
		var paused int
		var updatedAt sql.NullString
		if err := rows.Scan(&st.Queue, &st.DesiredConcurrency, &paused, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scaling state: %w", err)
		}
		st.Paused = paused != 0
		st.UpdatedAt = parseTimeValue(updatedAt)
		out = append(out, &st)
	}
	return out, rows.Err()
}
