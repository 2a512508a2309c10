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

package memory

import (
	"context"

	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
)

func (s *Store) GetLaunch(ctx context.Context, launchID string) (*store.LaunchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.launches[launchID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "launch", ID: launchID}
	}
	cp := *state
	return &cp, nil
}

func (s *Store) RequestLaunchStart(ctx context.Context, launchID, jobRunID string) (*store.LaunchState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.launches[launchID]; ok && state.Status != store.LaunchStopped {
		cp := *state
		return &cp, false, nil
	}

	state := &store.LaunchState{
		LaunchID:  launchID,
		Status:    store.LaunchStarting,
		JobRunID:  jobRunID,
		UpdatedAt: s.now().UTC(),
	}
	s.launches[launchID] = state
	cp := *state
	return &cp, true, nil
}

func (s *Store) RequestLaunchStop(ctx context.Context, launchID, jobRunID string) (*store.LaunchState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.launches[launchID]
	if !ok {
		return nil, false, nil
	}
	if state.Status != store.LaunchRunning {
		cp := *state
		return &cp, false, nil
	}

	state.Status = store.LaunchStopping
	state.JobRunID = jobRunID
	state.UpdatedAt = s.now().UTC()
	cp := *state
	return &cp, true, nil
}

func (s *Store) CompleteLaunchTransition(ctx context.Context, launchID string) (*store.LaunchState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.launches[launchID]
	if !ok {
		return nil, false, nil
	}

	switch state.Status {
	case store.LaunchStarting:
		state.Status = store.LaunchRunning
	case store.LaunchStopping:
		state.Status = store.LaunchStopped
	default:
		cp := *state
		return &cp, false, nil
	}
	state.UpdatedAt = s.now().UTC()
	cp := *state
	return &cp, true, nil
}

func (s *Store) AbortLaunchTransition(ctx context.Context, launchID, jobRunID string) (*store.LaunchState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.launches[launchID]
	if !ok {
		return nil, false, nil
	}
	if state.JobRunID != jobRunID {
		cp := *state
		return &cp, false, nil
	}

	switch state.Status {
	case store.LaunchStarting:
		state.Status = store.LaunchStopped
	case store.LaunchStopping:
		state.Status = store.LaunchRunning
	default:
		cp := *state
		return &cp, false, nil
	}
	state.UpdatedAt = s.now().UTC()
	cp := *state
	return &cp, true, nil
}
