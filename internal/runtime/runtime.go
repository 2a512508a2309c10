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

// Package runtime executes job runs: claim, handler invocation with
// timeout enforcement, retry scheduling, and terminal completion.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/queue"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/jobs"
)

// maxErrorMessage bounds persisted failure messages.
const maxErrorMessage = 4096

// Engine drives job runs through their lifecycle. It is safe for
// concurrent use by queue workers.
type Engine struct {
	store    store.Store
	registry *jobs.Registry
	queues   *queue.Manager
	bus      *events.Bus
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

// NewEngine wires the execution engine.
func NewEngine(st store.Store, registry *jobs.Registry, queues *queue.Manager, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: registry,
		queues:   queues,
		bus:      bus,
		logger:   log.WithComponent(logger, "runtime"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine clock, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SubmitOptions describes a run to create and enqueue.
type SubmitOptions struct {
	Slug string

	// RunID pre-assigns the run id so callers can bind it to other
	// records before the run exists. Empty lets the store assign one.
	RunID string

	// Version pins a definition version. Zero resolves the latest.
	Version int

	Parameters map[string]any

	// Timeout overrides the definition timeout when non-zero.
	Timeout time.Duration

	// Retry overrides the definition policy when non-nil.
	Retry *jobs.RetryPolicy

	// Queue names the work queue; defaults to the build queue.
	Queue string
}

// Submit creates a pending run from a definition and enqueues it.
// Parameters merge over the definition defaults.
func (e *Engine) Submit(ctx context.Context, opts SubmitOptions) (*jobs.Run, error) {
	var def *jobs.Definition
	var err error
	if opts.Version > 0 {
		def, err = e.store.GetJobDefinitionVersion(ctx, opts.Slug, opts.Version)
	} else {
		def, err = e.store.LatestJobDefinition(ctx, opts.Slug)
	}
	if err != nil {
		return nil, err
	}

	policy := def.Retry
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	timeout := def.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	params := make(map[string]any, len(def.DefaultParameters)+len(opts.Parameters))
	for k, v := range def.DefaultParameters {
		params[k] = v
	}
	for k, v := range opts.Parameters {
		params[k] = v
	}

	run := &jobs.Run{
		ID:              opts.RunID,
		JobDefinitionID: def.ID,
		Slug:            def.Slug,
		Parameters:      params,
		MaxAttempts:     policy.Attempts(),
		Timeout:         timeout,
	}
	if err := e.store.CreateJobRun(ctx, run); err != nil {
		return nil, err
	}

	queueName := opts.Queue
	if queueName == "" {
		queueName = queue.QueueBuild
	}
	if err := e.queues.EnqueueJobRun(ctx, queueName, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// ExecuteJobRun processes one dispatch of a job run. It is idempotent:
// terminal runs and runs claimed by another worker are no-ops.
func (e *Engine) ExecuteJobRun(ctx context.Context, queueName, jobRunID string) error {
	run, err := e.store.GetJobRun(ctx, jobRunID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		e.logger.Debug("skipping terminal run",
			log.JobRunIDKey, run.ID, slog.String("status", string(run.Status)))
		return nil
	}

	run, ok, err := e.store.ClaimJobRun(ctx, jobRunID, e.now())
	if err != nil {
		return err
	}
	if !ok {
		// Lost the claim race; the owner will finish it.
		return nil
	}

	logger := e.logger.With(
		log.JobRunIDKey, run.ID,
		log.JobKey, run.Slug,
		log.AttemptKey, run.Attempt)
	logger.Info("job run started")
	e.audit(ctx, run.ID, "started", map[string]any{"attempt": run.Attempt})
	e.publish("job_run.started", run, nil)

	handler, err := e.registry.Resolve(run.Slug)
	if err != nil {
		return e.finish(ctx, logger, run, store.JobRunResult{
			Status:       jobs.RunFailed,
			ErrorMessage: errors.Truncate(err.Error(), maxErrorMessage),
		})
	}

	started := e.now()
	result, handlerErr, expired := e.invoke(ctx, run, handler, logger)
	elapsed := e.now().Sub(started)

	switch {
	case expired:
		return e.finish(ctx, logger, run, store.JobRunResult{
			Status:       jobs.RunExpired,
			ErrorMessage: fmt.Sprintf("attempt %d timed out after %s", run.Attempt, e.effectiveTimeout(ctx, run)),
			DurationMs:   elapsed.Milliseconds(),
		})

	case handlerErr != nil:
		return e.handleError(ctx, logger, queueName, run, handlerErr, elapsed)

	case result != nil && result.Status == jobs.RunFailed:
		msg := result.ErrorMessage
		if msg == "" {
			msg = "handler reported failure"
		}
		return e.finish(ctx, logger, run, store.JobRunResult{
			Status:       jobs.RunFailed,
			Result:       result.Result,
			Metrics:      result.Metrics,
			ErrorMessage: errors.Truncate(msg, maxErrorMessage),
			DurationMs:   elapsed.Milliseconds(),
		})

	default:
		res := store.JobRunResult{
			Status:     jobs.RunSucceeded,
			DurationMs: elapsed.Milliseconds(),
		}
		if result != nil {
			res.Result = result.Result
			res.Metrics = result.Metrics
		}
		return e.finish(ctx, logger, run, res)
	}
}

// invoke runs the handler under the attempt timeout. A handler that
// ignores cancellation is abandoned; its goroutine exits when it returns.
func (e *Engine) invoke(ctx context.Context, run *jobs.Run, handler jobs.Handler, logger *slog.Logger) (result *jobs.Result, err error, expired bool) {
	timeout := e.effectiveTimeout(ctx, run)

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rc := &jobs.RunContext{
		Parameters: run.Parameters,
		Attempt:    run.Attempt,
		Logger:     logger,
		Update: func(ctx context.Context, patch jobs.RunPatch) error {
			_, err := e.store.PatchJobRun(ctx, run.ID, patch)
			return err
		},
	}

	type outcome struct {
		result *jobs.Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := handler(execCtx, rc)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		if errors.KindOf(out.err) == errors.KindTimeout {
			return nil, nil, true
		}
		return out.result, out.err, false
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Process shutdown, not an attempt timeout: leave the run
			// running for the recovery sweep.
			return nil, ctx.Err(), false
		}
		return nil, nil, true
	}
}

// effectiveTimeout resolves the attempt timeout: the run override wins,
// then the definition default.
func (e *Engine) effectiveTimeout(ctx context.Context, run *jobs.Run) time.Duration {
	if run.Timeout > 0 {
		return run.Timeout
	}
	def, err := e.store.GetJobDefinition(ctx, run.JobDefinitionID)
	if err != nil {
		return 0
	}
	return def.Timeout
}

// handleError routes a handler error through the taxonomy: retriable
// kinds reschedule within the attempt budget, everything else is
// terminal.
func (e *Engine) handleError(ctx context.Context, logger *slog.Logger, queueName string, run *jobs.Run, handlerErr error, elapsed time.Duration) error {
	kind := errors.KindOf(handlerErr)
	msg := errors.Truncate(handlerErr.Error(), maxErrorMessage)

	if ctx.Err() != nil {
		// Shutdown mid-attempt: the run stays running and the recovery
		// sweep re-dispatches it.
		logger.Warn("attempt interrupted by shutdown", log.Error(handlerErr))
		return nil
	}

	// A retry needs a retriable error, remaining attempt budget, and a
	// policy that actually retries: strategy "none" is terminal even
	// when maxAttempts allows more.
	policy := e.retryPolicy(ctx, run)
	if kind == errors.KindRetriable && run.Attempt < run.MaxAttempts && policy.ShouldRetry(run.Attempt) {
		e.rngMu.Lock()
		delay := policy.Delay(run.Attempt, e.rng)
		e.rngMu.Unlock()

		scheduledAt := e.now().Add(delay)
		_, ok, err := e.store.RetryJobRun(ctx, run.ID, scheduledAt, msg)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		logger.Warn("job run rescheduled",
			slog.Duration("delay", delay), log.Error(handlerErr))
		e.audit(ctx, run.ID, "retried", map[string]any{
			"attempt": run.Attempt,
			"delayMs": delay.Milliseconds(),
		})
		e.publish("job_run.retried", run, map[string]any{"delayMs": delay.Milliseconds()})
		e.queues.EnqueueJobRunAfter(context.WithoutCancel(ctx), queueName, run.ID, delay)
		return nil
	}

	status := jobs.RunFailed
	if kind == errors.KindTimeout {
		status = jobs.RunExpired
	}
	return e.finish(ctx, logger, run, store.JobRunResult{
		Status:       status,
		ErrorMessage: msg,
		DurationMs:   elapsed.Milliseconds(),
	})
}

// retryPolicy resolves the backoff policy from the definition. The
// attempt budget was already frozen onto the run at creation.
func (e *Engine) retryPolicy(ctx context.Context, run *jobs.Run) jobs.RetryPolicy {
	def, err := e.store.GetJobDefinition(ctx, run.JobDefinitionID)
	if err != nil {
		return jobs.DefaultRetryPolicy
	}
	return def.Retry
}

// finish writes the terminal record. A lost completion race means
// another actor (cancel, concurrent worker) already finished the run.
func (e *Engine) finish(ctx context.Context, logger *slog.Logger, run *jobs.Run, result store.JobRunResult) error {
	result.CompletedAt = e.now()
	done, ok, err := e.store.CompleteJobRun(ctx, run.ID, result)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug("completion lost to concurrent transition")
		return nil
	}

	switch done.Status {
	case jobs.RunSucceeded:
		logger.Info("job run succeeded", log.DurationKey, result.DurationMs)
	default:
		logger.Warn("job run finished",
			slog.String("status", string(done.Status)),
			slog.String("error", done.ErrorMessage))
	}
	e.audit(ctx, run.ID, string(done.Status), map[string]any{"attempt": done.Attempt})
	e.publish("job_run."+string(done.Status), done, nil)
	return nil
}

func (e *Engine) audit(ctx context.Context, runID, action string, detail map[string]any) {
	err := e.store.AppendAudit(ctx, &store.AuditEvent{
		Entity:   "job_run",
		EntityID: runID,
		Action:   action,
		Detail:   detail,
	})
	if err != nil {
		e.logger.Warn("audit append failed", log.Error(err))
	}
}

func (e *Engine) publish(eventType string, run *jobs.Run, extra map[string]any) {
	if e.bus == nil {
		return
	}
	fields := map[string]any{
		"jobRunId": run.ID,
		"slug":     run.Slug,
		"attempt":  run.Attempt,
	}
	for k, v := range extra {
		fields[k] = v
	}
	e.bus.Publish(events.LifecycleEvent{Type: eventType, Fields: fields})
}
