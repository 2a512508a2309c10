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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/foundry/internal/runtime"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/jobs"
)

// registerBuiltinJobs installs the placeholder lifecycle handlers so a
// fresh daemon executes end to end in inline mode. Real deployments
// register their own handlers alongside these.
func registerBuiltinJobs(registry *jobs.Registry, engine *runtime.Engine) error {
	if err := registry.Register("repository-ingest", ingestRepository); err != nil {
		return err
	}
	if err := registry.Register("build", buildExample); err != nil {
		return err
	}
	return registry.Register("launch", launchContainer(engine))
}

// ingestRepository records the requested repository in the run context.
// The actual git clone and catalog scan live in an external worker; this
// handler keeps the ingest queue exercisable without one.
func ingestRepository(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
	repo, _ := rc.Parameters["repository"].(string)
	if repo == "" {
		return nil, &errors.ValidationError{
			Field:   "repository",
			Message: "repository parameter is required",
		}
	}

	rc.Logger.Info("ingesting repository", "repository", repo)
	if err := rc.Update(ctx, jobs.RunPatch{
		Context: map[string]any{"repository": repo},
	}); err != nil {
		return nil, err
	}

	return &jobs.Result{
		Result: map[string]any{
			"repository": repo,
			"ingestedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// launchContainer stands in for the Docker start/stop worker: it settles
// the lifecycle transition the enqueue reserved.
func launchContainer(engine *runtime.Engine) jobs.Handler {
	return func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		launchID, _ := rc.Parameters["launchId"].(string)
		action, _ := rc.Parameters["action"].(string)
		if launchID == "" {
			return nil, &errors.ValidationError{
				Field:   "launchId",
				Message: "launchId parameter is required",
			}
		}

		rc.Logger.Info("launch transition", "launch", launchID, "action", action)
		state, err := engine.CompleteLaunchTransition(ctx, launchID)
		if err != nil {
			return nil, err
		}
		return &jobs.Result{
			Result: map[string]any{"launchId": launchID, "status": state.Status},
		}, nil
	}
}

// buildExample simulates a build for the named example.
func buildExample(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
	name, _ := rc.Parameters["example"].(string)
	if name == "" {
		return nil, &errors.ValidationError{
			Field:   "example",
			Message: "example parameter is required",
		}
	}

	rc.Logger.Info("building example", "example", name)
	return &jobs.Result{
		Result: map[string]any{
			"example": name,
			"image":   fmt.Sprintf("foundry/%s:latest", name),
		},
		Metrics: map[string]any{"attempt": rc.Attempt},
	}, nil
}
