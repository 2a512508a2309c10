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

// Package orchestrator drives workflow runs through their DAG: ready-set
// scheduling, step dispatch by variant, failure cascades, cooperative
// cancellation, and crash recovery.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/queue"
	"github.com/tombee/foundry/internal/runtime"
	"github.com/tombee/foundry/internal/secrets"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/workflow"
)

// Orchestrator executes workflow runs. One orchestration call owns a run
// exclusively from claim to terminal status; concurrent calls for the
// same run resolve through the conditional claim.
type Orchestrator struct {
	store   store.Store
	engine  *runtime.Engine
	queues  *queue.Manager
	service ServiceClient
	secrets secrets.Provider
	bus     *events.Bus
	logger  *slog.Logger

	// pollInterval paces job-run completion polling in redis mode.
	pollInterval time.Duration

	now func() time.Time
}

// Options carries the orchestrator collaborators.
type Options struct {
	Store    store.Store
	Engine   *runtime.Engine
	Queues   *queue.Manager
	Services ServiceClient
	Secrets  secrets.Provider
	Bus      *events.Bus
	Logger   *slog.Logger
}

// New wires an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:        opts.Store,
		engine:       opts.Engine,
		queues:       opts.Queues,
		service:      opts.Services,
		secrets:      opts.Secrets,
		bus:          opts.Bus,
		logger:       log.WithComponent(logger, "orchestrator"),
		pollInterval: 250 * time.Millisecond,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock, for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SubmitOptions describes a workflow run to create and enqueue.
type SubmitOptions struct {
	Slug string

	// Version pins a definition version; zero resolves the latest.
	Version int

	Parameters  map[string]any
	TriggeredBy workflow.TriggeredBy

	// Trigger is the launch payload: event envelope, schedule window, or
	// asset cause.
	Trigger map[string]any
}

// Submit creates a pending workflow run against a definition and hands
// it to the workflow queue.
func (o *Orchestrator) Submit(ctx context.Context, opts SubmitOptions) (*workflow.Run, error) {
	var def *workflow.Definition
	var err error
	if opts.Version > 0 {
		def, err = o.store.GetWorkflowDefinitionVersion(ctx, opts.Slug, opts.Version)
	} else {
		def, err = o.store.LatestWorkflowDefinition(ctx, opts.Slug)
	}
	if err != nil {
		return nil, err
	}

	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = workflow.TriggeredManual
	}

	params := make(map[string]any, len(def.DefaultParameters)+len(opts.Parameters))
	for k, v := range def.DefaultParameters {
		params[k] = v
	}
	for k, v := range opts.Parameters {
		params[k] = v
	}

	run := &workflow.Run{
		WorkflowDefinitionID: def.ID,
		Slug:                 def.Slug,
		Version:              def.Version,
		Parameters:           params,
		Context:              workflow.NewRunContext(),
		TriggeredBy:          triggeredBy,
		Trigger:              opts.Trigger,
	}
	if err := o.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, err
	}
	if err := o.queues.EnqueueWorkflowRun(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// Cancel requests cooperative cancellation. Pending runs cancel
// immediately; running runs are flagged and observed between steps.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (*workflow.Run, bool, error) {
	run, ok, err := o.store.RequestWorkflowRunCancel(ctx, runID)
	if err != nil || !ok {
		return run, ok, err
	}
	if run.Status == workflow.RunCanceled {
		o.publishRun("workflow.run.canceled", run)
	}
	return run, true, nil
}

// RunWorkflowOrchestration executes the run state machine to a terminal
// status. It is idempotent for terminal runs and resumes runs left
// running by a crashed worker.
func (o *Orchestrator) RunWorkflowOrchestration(ctx context.Context, runID string) error {
	run, err := o.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	if run.Status == workflow.RunPending {
		claimed, ok, err := o.store.ClaimWorkflowRun(ctx, runID, o.now())
		if err != nil {
			return err
		}
		if !ok {
			if claimed == nil || claimed.Status != workflow.RunRunning {
				return nil
			}
			// Raced with cancel-before-start or another worker; a
			// running row means we resume it below.
		}
		run = claimed
		o.publishRun("workflow.run.started", run)
		o.audit(ctx, run.ID, "started", map[string]any{"workflow": run.Slug})
	}
	if run == nil || run.Status != workflow.RunRunning {
		return nil
	}

	def, err := o.store.GetWorkflowDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return o.completeRun(ctx, run, workflow.RunFailed, err.Error())
	}
	manifest, err := workflow.BuildManifest(def.Steps)
	if err != nil {
		return o.completeRun(ctx, run, workflow.RunFailed, err.Error())
	}
	if run.Context == nil {
		run.Context = workflow.NewRunContext()
	}

	state, err := o.loadState(ctx, run, def)
	if err != nil {
		return err
	}

	logger := log.WithRunContext(o.logger, run.ID, run.Slug)
	logger.Info("orchestration started", log.EventKey, "workflow.run")

	for {
		// Cancellation is cooperative: observed between steps.
		fresh, err := o.store.GetWorkflowRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if fresh.CancelRequested || fresh.Status == workflow.RunCanceled {
			return o.cancelRemaining(ctx, run, state)
		}

		idx, ok := o.nextStep(manifest, state)
		if !ok {
			break
		}
		stepDef := manifest.Step(idx)
		run.CurrentStepID = stepDef.ID
		run.CurrentStepIndex = idx

		result := o.executeStep(ctx, run, def, stepDef, state)
		state.statuses[stepDef.ID] = result.status

		if result.status == workflow.StepFailed {
			o.cascadeSkip(ctx, run, manifest, idx, state)
		}

		if err := o.store.UpdateWorkflowRunContext(ctx, run.ID, run.Context, run.CurrentStepID, run.CurrentStepIndex); err != nil {
			logger.Warn("persisting run context failed", log.Error(err))
		}
	}

	status := workflow.RunSucceeded
	var errMsg string
	for id, st := range state.statuses {
		if st == workflow.StepFailed {
			status = workflow.RunFailed
			if rec := state.steps[id]; rec != nil && rec.ErrorMessage != "" {
				errMsg = "step " + id + ": " + rec.ErrorMessage
			} else {
				errMsg = "step " + id + " failed"
			}
			break
		}
	}
	return o.completeRun(ctx, run, status, errMsg)
}

// runState tracks the persisted step rows and their statuses for one
// orchestration.
type runState struct {
	// steps maps definition step id to its persisted row. Fan-out
	// children live under their parent and are not tracked here.
	steps map[string]*workflow.RunStep

	statuses map[string]workflow.StepStatus
}

func (o *Orchestrator) loadState(ctx context.Context, run *workflow.Run, def *workflow.Definition) (*runState, error) {
	rows, err := o.store.ListRunSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	state := &runState{
		steps:    make(map[string]*workflow.RunStep, len(def.Steps)),
		statuses: make(map[string]workflow.StepStatus, len(def.Steps)),
	}
	for _, row := range rows {
		if row.ParentStepID != "" {
			continue
		}
		state.steps[row.StepID] = row
		state.statuses[row.StepID] = row.Status
	}
	for _, step := range def.Steps {
		if _, ok := state.statuses[step.ID]; !ok {
			state.statuses[step.ID] = workflow.StepPending
		}
	}
	return state, nil
}

// nextStep picks the next runnable step: ready, not terminal, smallest
// step id among candidates. Steps left running by a crashed worker are
// runnable again.
func (o *Orchestrator) nextStep(manifest *workflow.Manifest, state *runState) (int, bool) {
	best := -1
	var bestID string
	for _, idx := range manifest.TopoOrder() {
		step := manifest.Step(idx)
		status := state.statuses[step.ID]
		if status.IsTerminal() {
			continue
		}
		if !manifest.Ready(idx, state.statuses) {
			continue
		}
		if best == -1 || step.ID < bestID {
			best = idx
			bestID = step.ID
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// cascadeSkip marks every not-yet-started transitive dependent of the
// failed step as skipped.
func (o *Orchestrator) cascadeSkip(ctx context.Context, run *workflow.Run, manifest *workflow.Manifest, failedIdx int, state *runState) {
	dependents := manifest.TransitiveDependents(failedIdx)
	sort.Ints(dependents)
	reason := "upstream step " + manifest.Step(failedIdx).ID + " failed"

	for _, idx := range dependents {
		step := manifest.Step(idx)
		if state.statuses[step.ID].IsTerminal() {
			continue
		}
		row := state.steps[step.ID]
		if row == nil {
			row = &workflow.RunStep{WorkflowRunID: run.ID, StepID: step.ID}
			if err := o.store.CreateRunStep(ctx, row); err != nil {
				o.logger.Warn("creating skip row failed", log.Error(err))
				continue
			}
			state.steps[step.ID] = row
		}
		skipped, ok, err := o.store.SkipRunStep(ctx, row.ID, reason)
		if err != nil {
			o.logger.Warn("skipping step failed", log.StepIDKey, step.ID, log.Error(err))
			continue
		}
		if ok {
			state.steps[step.ID] = skipped
			state.statuses[step.ID] = workflow.StepSkipped
		}
	}
}

// cancelRemaining skips every non-terminal step and finishes the run as
// canceled.
func (o *Orchestrator) cancelRemaining(ctx context.Context, run *workflow.Run, state *runState) error {
	for id, status := range state.statuses {
		if status.IsTerminal() {
			continue
		}
		row := state.steps[id]
		if row == nil {
			row = &workflow.RunStep{WorkflowRunID: run.ID, StepID: id}
			if err := o.store.CreateRunStep(ctx, row); err != nil {
				continue
			}
			state.steps[id] = row
		}
		if skipped, ok, err := o.store.SkipRunStep(ctx, row.ID, "run canceled"); err == nil && ok {
			state.steps[id] = skipped
			state.statuses[id] = workflow.StepSkipped
		}
	}
	return o.completeRun(ctx, run, workflow.RunCanceled, "cancel requested")
}

func (o *Orchestrator) completeRun(ctx context.Context, run *workflow.Run, status workflow.RunStatus, errMsg string) error {
	done, ok, err := o.store.CompleteWorkflowRun(ctx, run.ID, status, errMsg, o.now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	logger := log.WithRunContext(o.logger, run.ID, run.Slug)
	switch status {
	case workflow.RunSucceeded:
		logger.Info("workflow run succeeded", log.DurationKey, done.DurationMs)
	default:
		logger.Warn("workflow run finished",
			slog.String("status", string(status)),
			slog.String("error", errMsg))
	}
	o.audit(ctx, run.ID, string(status), map[string]any{"workflow": run.Slug})
	o.publishRun("workflow.run."+string(status), done)
	return nil
}

// RecoverStalled re-dispatches runs that were left running with no live
// owner, identified by a stale updatedAt.
func (o *Orchestrator) RecoverStalled(ctx context.Context, updatedBefore time.Time) (int, error) {
	runs, err := o.store.ListRunningWorkflowRuns(ctx, updatedBefore)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, run := range runs {
		if err := o.queues.EnqueueWorkflowRun(ctx, run.ID); err != nil {
			o.logger.Warn("recovery enqueue failed", log.RunIDKey, run.ID, log.Error(err))
			continue
		}
		o.logger.Info("re-dispatched stalled run", log.RunIDKey, run.ID, log.WorkflowKey, run.Slug)
		recovered++
	}
	return recovered, nil
}

func (o *Orchestrator) audit(ctx context.Context, runID, action string, detail map[string]any) {
	err := o.store.AppendAudit(ctx, &store.AuditEvent{
		Entity:   "workflow_run",
		EntityID: runID,
		Action:   action,
		Detail:   detail,
	})
	if err != nil {
		o.logger.Warn("audit append failed", log.Error(err))
	}
}

func (o *Orchestrator) publishRun(eventType string, run *workflow.Run) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.LifecycleEvent{
		Type: eventType,
		Fields: map[string]any{
			"runId":       run.ID,
			"workflow":    run.Slug,
			"triggeredBy": string(run.TriggeredBy),
		},
	})
}
