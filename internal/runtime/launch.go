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

package runtime

import (
	"context"

	"github.com/google/uuid"

	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/queue"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/jobs"
)

// StartLaunch reserves the start transition for a launch and submits its
// start job on the launch queue. Only an unknown or stopped launch can
// start; anything else is a precondition failure with no state change.
func (e *Engine) StartLaunch(ctx context.Context, launchID string, opts SubmitOptions) (*jobs.Run, error) {
	return e.launchTransition(ctx, launchID, "start", opts,
		e.store.RequestLaunchStart, store.LaunchStopped)
}

// StopLaunch reserves the stop transition for a running launch and
// submits its stop job on the launch queue.
func (e *Engine) StopLaunch(ctx context.Context, launchID string, opts SubmitOptions) (*jobs.Run, error) {
	return e.launchTransition(ctx, launchID, "stop", opts,
		e.store.RequestLaunchStop, store.LaunchRunning)
}

// CompleteLaunchTransition records that the worker finished the in-flight
// transition: starting launches become running, stopping become stopped.
func (e *Engine) CompleteLaunchTransition(ctx context.Context, launchID string) (*store.LaunchState, error) {
	state, ok, err := e.store.CompleteLaunchTransition(ctx, launchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, launchPrecondition(launchID, state, "starting or stopping")
	}
	return state, nil
}

func (e *Engine) launchTransition(
	ctx context.Context, launchID, action string, opts SubmitOptions,
	request func(ctx context.Context, launchID, jobRunID string) (*store.LaunchState, bool, error),
	want string,
) (*jobs.Run, error) {
	if launchID == "" {
		return nil, &errors.ValidationError{
			Field:   "launchId",
			Message: "launch id is required",
		}
	}

	// The run id is minted up front so the transition binds it before
	// the run exists; in inline mode the worker executes during Submit.
	runID := uuid.NewString()
	state, ok, err := request(ctx, launchID, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, launchPrecondition(launchID, state, want)
	}

	opts.RunID = runID
	opts.Queue = queue.QueueLaunch
	params := make(map[string]any, len(opts.Parameters)+2)
	for k, v := range opts.Parameters {
		params[k] = v
	}
	params["launchId"] = launchID
	params["action"] = action
	opts.Parameters = params

	run, err := e.Submit(ctx, opts)
	if err != nil {
		if _, _, aerr := e.store.AbortLaunchTransition(ctx, launchID, runID); aerr != nil {
			e.logger.Warn("launch transition rollback failed", log.Error(aerr))
		}
		return nil, err
	}

	e.audit(ctx, run.ID, "launch_"+action+"_enqueued", map[string]any{"launchId": launchID})
	return run, nil
}

func launchPrecondition(launchID string, state *store.LaunchState, want string) error {
	status := "absent"
	if state != nil {
		status = state.Status
	}
	return &errors.PreconditionError{
		Resource: "launch",
		ID:       launchID,
		Status:   status,
		Want:     want,
	}
}
