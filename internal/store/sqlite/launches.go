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

	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
)

func (s *Store) GetLaunch(ctx context.Context, launchID string) (*store.LaunchState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT launch_id, status, job_run_id, updated_at
		FROM launch_states WHERE launch_id = ?`, launchID)
	state, err := scanLaunch(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "launch", ID: launchID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get launch: %w", err)
	}
	return state, nil
}

func (s *Store) RequestLaunchStart(ctx context.Context, launchID, jobRunID string) (*store.LaunchState, bool, error) {
	now := nowUTC()

	// Insert when absent, take over only when stopped.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO launch_states (launch_id, status, job_run_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (launch_id) DO UPDATE SET
			status = excluded.status, job_run_id = excluded.job_run_id,
			updated_at = excluded.updated_at
		WHERE launch_states.status = ?`,
		launchID, store.LaunchStarting, jobRunID, now.Format(time.RFC3339Nano),
		store.LaunchStopped)
	if err != nil {
		return nil, false, fmt.Errorf("failed to request launch start: %w", err)
	}
	return s.launchConditional(ctx, launchID, result)
}

func (s *Store) RequestLaunchStop(ctx context.Context, launchID, jobRunID string) (*store.LaunchState, bool, error) {
	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE launch_states SET status = ?, job_run_id = ?, updated_at = ?
		WHERE launch_id = ? AND status = ?`,
		store.LaunchStopping, jobRunID, now.Format(time.RFC3339Nano),
		launchID, store.LaunchRunning)
	if err != nil {
		return nil, false, fmt.Errorf("failed to request launch stop: %w", err)
	}
	return s.launchConditional(ctx, launchID, result)
}

func (s *Store) CompleteLaunchTransition(ctx context.Context, launchID string) (*store.LaunchState, bool, error) {
	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE launch_states SET
			status = CASE status WHEN ? THEN ? ELSE ? END,
			updated_at = ?
		WHERE launch_id = ? AND status IN (?, ?)`,
		store.LaunchStarting, store.LaunchRunning, store.LaunchStopped,
		now.Format(time.RFC3339Nano),
		launchID, store.LaunchStarting, store.LaunchStopping)
	if err != nil {
		return nil, false, fmt.Errorf("failed to complete launch transition: %w", err)
	}
	return s.launchConditional(ctx, launchID, result)
}

func (s *Store) AbortLaunchTransition(ctx context.Context, launchID, jobRunID string) (*store.LaunchState, bool, error) {
	now := nowUTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE launch_states SET
			status = CASE status WHEN ? THEN ? ELSE ? END,
			updated_at = ?
		WHERE launch_id = ? AND job_run_id = ? AND status IN (?, ?)`,
		store.LaunchStarting, store.LaunchStopped, store.LaunchRunning,
		now.Format(time.RFC3339Nano),
		launchID, jobRunID, store.LaunchStarting, store.LaunchStopping)
	if err != nil {
		return nil, false, fmt.Errorf("failed to abort launch transition: %w", err)
	}
	return s.launchConditional(ctx, launchID, result)
}

// launchConditional resolves a conditional update into the convention's
// (record, ok) pair by re-reading the row.
func (s *Store) launchConditional(ctx context.Context, launchID string, result sql.Result) (*store.LaunchState, bool, error) {
	affected, _ := result.RowsAffected()
	state, err := s.GetLaunch(ctx, launchID)
	if err != nil {
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return state, affected > 0, nil
}

func scanLaunch(row rowScanner) (*store.LaunchState, error) {
	var state store.LaunchState
	var jobRunID sql.NullString
	var updatedAt sql.NullString

	if err := row.Scan(&state.LaunchID, &state.Status, &jobRunID, &updatedAt); err != nil {
		return nil, err
	}
	if jobRunID.Valid {
		state.JobRunID = jobRunID.String
	}
	state.UpdatedAt = parseTimeValue(updatedAt)
	return &state, nil
}
