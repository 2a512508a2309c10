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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foundry/internal/queue"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/internal/store/memory"
	"github.com/tombee/foundry/internal/telemetry"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/jobs"
)

// harness wires an inline queue to the engine so Submit runs the job
// synchronously before returning.
type harness struct {
	store    *memory.Store
	registry *jobs.Registry
	queues   *queue.Manager
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := memory.New()
	registry := jobs.NewRegistry()
	queues := queue.NewManager(queue.Config{Mode: queue.ModeInline}, telemetry.New(), nil, nil)
	engine := NewEngine(st, registry, queues, nil, nil)

	jobRun := func(ctx context.Context, msg *queue.Message) error {
		return engine.ExecuteJobRun(ctx, msg.Queue, msg.PayloadString(queue.PayloadJobRunID))
	}
	require.NoError(t, queues.RegisterHandler(queue.QueueBuild, jobRun))
	require.NoError(t, queues.RegisterHandler(queue.QueueLaunch, jobRun))
	require.NoError(t, queues.Start(context.Background()))
	t.Cleanup(queues.Stop)

	return &harness{store: st, registry: registry, queues: queues, engine: engine}
}

func (h *harness) publish(t *testing.T, def *jobs.Definition) *jobs.Definition {
	t.Helper()
	require.NoError(t, h.store.CreateJobDefinition(context.Background(), def))
	return def
}

func TestSubmitAndExecuteSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.publish(t, &jobs.Definition{
		Slug: "repo.ingest", Type: jobs.TypeBatch,
		DefaultParameters: map[string]any{"depth": 1, "branch": "main"},
	})
	require.NoError(t, h.registry.Register("repo.ingest", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		assert.Equal(t, "main", rc.Parameters["branch"])
		assert.Equal(t, 5, rc.Parameters["depth"], "run parameters override defaults")
		return &jobs.Result{
			Result:  map[string]any{"commits": 42},
			Metrics: map[string]any{"fetchedBytes": 1024},
		}, nil
	}))

	run, err := h.engine.Submit(ctx, SubmitOptions{
		Slug:       "repo.ingest",
		Parameters: map[string]any{"depth": 5},
	})
	require.NoError(t, err)

	final, err := h.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunSucceeded, final.Status)
	assert.Equal(t, 1, final.Attempt)
	assert.Equal(t, map[string]any{"commits": 42}, final.Result)
	assert.Equal(t, map[string]any{"fetchedBytes": 1024}, final.Metrics)
	require.NotNil(t, final.CompletedAt)
}

func TestRetriableErrorReschedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.publish(t, &jobs.Definition{
		Slug: "flaky.fetch", Type: jobs.TypeBatch,
		Retry: jobs.RetryPolicy{
			MaxAttempts: 3,
			Strategy:    jobs.RetryFixed,
			// Zero delay keeps the inline requeue synchronous.
			InitialDelay: 0,
		},
	})

	attempts := 0
	require.NoError(t, h.registry.Register("flaky.fetch", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.IO("fetch", errors.New("connection reset"))
		}
		return &jobs.Result{Result: "ok"}, nil
	}))

	run, err := h.engine.Submit(ctx, SubmitOptions{Slug: "flaky.fetch"})
	require.NoError(t, err)

	final, err := h.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunSucceeded, final.Status)
	assert.Equal(t, 3, final.Attempt)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustionFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.publish(t, &jobs.Definition{
		Slug: "always.down", Type: jobs.TypeBatch,
		Retry: jobs.RetryPolicy{MaxAttempts: 2, Strategy: jobs.RetryFixed},
	})
	require.NoError(t, h.registry.Register("always.down", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return nil, errors.IO("dial", errors.New("refused"))
	}))

	run, err := h.engine.Submit(ctx, SubmitOptions{Slug: "always.down"})
	require.NoError(t, err)

	final, err := h.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunFailed, final.Status)
	assert.Equal(t, 2, final.Attempt)
	assert.Contains(t, final.ErrorMessage, "refused")
}

func TestRetryStrategyNoneIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// maxAttempts leaves budget, but strategy none forbids spending it.
	h.publish(t, &jobs.Definition{
		Slug: "one.shot", Type: jobs.TypeBatch,
		Retry: jobs.RetryPolicy{MaxAttempts: 3, Strategy: jobs.RetryNone},
	})

	attempts := 0
	require.NoError(t, h.registry.Register("one.shot", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		attempts++
		return nil, errors.IO("dial", errors.New("refused"))
	}))

	run, err := h.engine.Submit(ctx, SubmitOptions{Slug: "one.shot"})
	require.NoError(t, err)

	final, err := h.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunFailed, final.Status)
	assert.Equal(t, 1, attempts, "retriable error fails immediately under strategy none")
	assert.Equal(t, 1, final.Attempt)
}

func TestValidationErrorNeverRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.publish(t, &jobs.Definition{
		Slug: "strict.parse", Type: jobs.TypeBatch,
		Retry: jobs.RetryPolicy{MaxAttempts: 5, Strategy: jobs.RetryExponential, InitialDelay: time.Millisecond},
	})

	attempts := 0
	require.NoError(t, h.registry.Register("strict.parse", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		attempts++
		return nil, &errors.ValidationError{Field: "input", Message: "malformed manifest"}
	}))

	run, err := h.engine.Submit(ctx, SubmitOptions{Slug: "strict.parse"})
	require.NoError(t, err)

	final, err := h.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunFailed, final.Status)
	assert.Equal(t, 1, attempts, "validation failures are terminal on first occurrence")
}

func TestTimeoutExpiresRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.publish(t, &jobs.Definition{
		Slug: "slow.scan", Type: jobs.TypeBatch, Timeout: 20 * time.Millisecond,
	})
	require.NoError(t, h.registry.Register("slow.scan", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &jobs.Result{}, nil
		}
	}))

	run, err := h.engine.Submit(ctx, SubmitOptions{Slug: "slow.scan"})
	require.NoError(t, err)

	final, err := h.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunExpired, final.Status)
	assert.Contains(t, final.ErrorMessage, "timed out")
}

func TestSoftFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.publish(t, &jobs.Definition{
		Slug: "lint.bundle", Type: jobs.TypeBatch,
		Retry: jobs.RetryPolicy{MaxAttempts: 3, Strategy: jobs.RetryFixed},
	})

	attempts := 0
	require.NoError(t, h.registry.Register("lint.bundle", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		attempts++
		return &jobs.Result{
			Status:       jobs.RunFailed,
			ErrorMessage: "3 lint violations",
			Result:       map[string]any{"violations": 3},
		}, nil
	}))

	run, err := h.engine.Submit(ctx, SubmitOptions{Slug: "lint.bundle"})
	require.NoError(t, err)

	final, err := h.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunFailed, final.Status)
	assert.Equal(t, "3 lint violations", final.ErrorMessage)
	assert.Equal(t, 1, attempts, "soft failures do not consume the retry budget")
}

func TestLaunchLifecycleTypedOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.publish(t, &jobs.Definition{Slug: "launch.container", Type: jobs.TypeBatch})
	require.NoError(t, h.registry.Register("launch.container", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		// The worker reports back once the container actually moved.
		launchID := rc.Parameters["launchId"].(string)
		state, err := h.engine.CompleteLaunchTransition(ctx, launchID)
		if err != nil {
			return nil, err
		}
		return &jobs.Result{Result: state.Status}, nil
	}))

	run, err := h.engine.StartLaunch(ctx, "lnch-1", SubmitOptions{Slug: "launch.container"})
	require.NoError(t, err)

	state, err := h.store.GetLaunch(ctx, "lnch-1")
	require.NoError(t, err)
	assert.Equal(t, store.LaunchRunning, state.Status)
	assert.Equal(t, run.ID, state.JobRunID, "transition binds the run that performs it")

	final, err := h.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunSucceeded, final.Status)
	assert.Equal(t, "lnch-1", final.Parameters["launchId"])
	assert.Equal(t, "start", final.Parameters["action"])

	// Starting an active launch is a precondition failure.
	_, err = h.engine.StartLaunch(ctx, "lnch-1", SubmitOptions{Slug: "launch.container"})
	var pre *errors.PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, store.LaunchRunning, pre.Status)

	// Stop flows running -> stopping -> stopped.
	stopRun, err := h.engine.StopLaunch(ctx, "lnch-1", SubmitOptions{Slug: "launch.container"})
	require.NoError(t, err)
	state, err = h.store.GetLaunch(ctx, "lnch-1")
	require.NoError(t, err)
	assert.Equal(t, store.LaunchStopped, state.Status)
	assert.Equal(t, stopRun.ID, state.JobRunID)

	// A second stop has nothing running to stop.
	_, err = h.engine.StopLaunch(ctx, "lnch-1", SubmitOptions{Slug: "launch.container"})
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, store.LaunchStopped, pre.Status)

	// Stopped launches restart.
	_, err = h.engine.StartLaunch(ctx, "lnch-1", SubmitOptions{Slug: "launch.container"})
	require.NoError(t, err)
}

func TestStopLaunchUnknownLaunch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.publish(t, &jobs.Definition{Slug: "launch.container", Type: jobs.TypeBatch})

	_, err := h.engine.StopLaunch(ctx, "ghost", SubmitOptions{Slug: "launch.container"})
	var pre *errors.PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, "absent", pre.Status)
}

func TestExecuteSkipsTerminalRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.publish(t, &jobs.Definition{Slug: "one.shot", Type: jobs.TypeBatch})
	run := &jobs.Run{Slug: "one.shot", JobDefinitionID: "jd", MaxAttempts: 1}
	require.NoError(t, h.store.CreateJobRun(ctx, run))
	_, ok, err := h.store.CancelJobRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.engine.ExecuteJobRun(ctx, queue.QueueBuild, run.ID))

	final, err := h.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunCanceled, final.Status)
	assert.Zero(t, final.Attempt)
}

func TestHandlerPatchPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.publish(t, &jobs.Definition{Slug: "progress.report", Type: jobs.TypeBatch})
	require.NoError(t, h.registry.Register("progress.report", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		err := rc.Update(ctx, jobs.RunPatch{
			Metrics: map[string]any{"processed": 10},
			Context: map[string]any{"cursor": "page-2"},
		})
		return &jobs.Result{}, err
	}))

	run, err := h.engine.Submit(ctx, SubmitOptions{Slug: "progress.report"})
	require.NoError(t, err)

	final, err := h.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunSucceeded, final.Status)
	assert.Equal(t, map[string]any{"processed": 10}, final.Metrics)
	assert.Equal(t, map[string]any{"cursor": "page-2"}, final.Context)
}

func TestPinnedVersionSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v1 := h.publish(t, &jobs.Definition{Slug: "bundle.build", Type: jobs.TypeBatch})
	h.publish(t, &jobs.Definition{Slug: "bundle.build", Type: jobs.TypeBatch})

	require.NoError(t, h.registry.Register("bundle.build", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{}, nil
	}))

	run, err := h.engine.Submit(ctx, SubmitOptions{Slug: "bundle.build", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, run.JobDefinitionID)

	_, err = h.engine.Submit(ctx, SubmitOptions{Slug: "bundle.build", Version: 9})
	var nfe *errors.NotFoundError
	assert.ErrorAs(t, err, &nfe)
}
