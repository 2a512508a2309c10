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

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/queue"
	"github.com/tombee/foundry/internal/runtime"
	"github.com/tombee/foundry/internal/secrets"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/jobs"
	"github.com/tombee/foundry/pkg/workflow"
)

// maxStepError bounds persisted step failure messages.
const maxStepError = 4096

// stepOutcome is the in-memory result of one step execution.
type stepOutcome struct {
	status   workflow.StepStatus
	output   any
	response *workflow.ServiceResponse
	metrics  map[string]any
	errMsg   string
}

func failure(err error) stepOutcome {
	return stepOutcome{
		status: workflow.StepFailed,
		errMsg: errors.Truncate(err.Error(), maxStepError),
	}
}

// executeStep runs one top-level step to a terminal status and records
// the outcome in both the step table and the run context.
func (o *Orchestrator) executeStep(ctx context.Context, run *workflow.Run, def *workflow.Definition, stepDef *workflow.StepDefinition, state *runState) stepOutcome {
	logger := log.WithStepContext(o.logger, run.ID, stepDef.ID)

	row := state.steps[stepDef.ID]
	if row == nil {
		row = &workflow.RunStep{WorkflowRunID: run.ID, StepID: stepDef.ID}
		if err := o.store.CreateRunStep(ctx, row); err != nil {
			return o.finishStep(ctx, run, stepDef, row, failure(err))
		}
		state.steps[stepDef.ID] = row
	}

	started, ok, err := o.store.StartRunStep(ctx, row.ID, o.now())
	if err != nil {
		return o.finishStep(ctx, run, stepDef, row, failure(err))
	}
	if !ok {
		// The row is already terminal; trust it.
		if started != nil {
			state.steps[stepDef.ID] = started
			return stepOutcome{status: started.Status, output: started.Output}
		}
		return stepOutcome{status: workflow.StepFailed, errMsg: "step row in unexpected state"}
	}
	row = started
	state.steps[stepDef.ID] = row
	logger.Info("step started", slog.String("type", string(stepDef.Type)))

	env, err := o.stepEnv(ctx, run, stepDef)
	if err != nil {
		return o.finishStep(ctx, run, stepDef, row, failure(err))
	}

	var outcome stepOutcome
	switch stepDef.Type {
	case workflow.StepTypeJob:
		outcome = o.executeJobStep(ctx, run, stepDef.Job, env, row)
	case workflow.StepTypeService:
		outcome = o.executeServiceStep(ctx, stepDef.Service, env)
	case workflow.StepTypeFanOut:
		outcome = o.executeFanOut(ctx, run, stepDef, env, row)
	default:
		outcome = failure(&errors.FatalError{
			Message: fmt.Sprintf("step %s has unknown type %q", stepDef.ID, stepDef.Type),
		})
	}

	return o.finishStep(ctx, run, stepDef, row, outcome)
}

// stepEnv builds the template environment, hydrating consumed assets.
func (o *Orchestrator) stepEnv(ctx context.Context, run *workflow.Run, stepDef *workflow.StepDefinition) (*workflow.TemplateEnv, error) {
	var assets map[string]any
	if len(stepDef.Consumes) > 0 {
		assets = make(map[string]any, len(stepDef.Consumes))
		for _, ref := range stepDef.Consumes {
			asset, err := o.store.LatestAsset(ctx, ref.ID, workflow.NormalizePartition(ref.Partition))
			if err != nil {
				var nfe *errors.NotFoundError
				if errors.As(err, &nfe) {
					return nil, &errors.ValidationError{
						Field:   "consumes",
						Message: fmt.Sprintf("step %s consumes asset %q which has never been produced", stepDef.ID, ref.ID),
					}
				}
				return nil, err
			}
			assets[workflow.CanonicalAssetID(ref.ID)] = asset.Payload
		}
	}
	return workflow.EnvForRun(run, assets), nil
}

// executeJobStep submits a job run and waits for its terminal status.
// Retries happen inside the job runtime under the step's policy.
func (o *Orchestrator) executeJobStep(ctx context.Context, run *workflow.Run, spec *workflow.JobStepSpec, env *workflow.TemplateEnv, row *workflow.RunStep) stepOutcome {
	params, err := env.ResolveParameters(spec.Parameters)
	if err != nil {
		return failure(err)
	}

	version := 0
	if spec.Bundle != nil && spec.Bundle.Strategy == workflow.BundlePinned {
		version = spec.Bundle.Version
	}

	jobRun, err := o.engine.Submit(ctx, runtime.SubmitOptions{
		Slug:       spec.Slug,
		Version:    version,
		Parameters: params,
		Timeout:    spec.Timeout,
		Retry:      spec.Retry,
		Queue:      queue.QueueBuild,
	})
	if err != nil {
		return failure(err)
	}
	row.JobRunID = jobRun.ID

	final, err := o.awaitJobRun(ctx, jobRun.ID)
	if err != nil {
		return failure(err)
	}

	metrics := map[string]any{"jobRunId": jobRun.ID}
	if def, err := o.store.GetJobDefinition(ctx, jobRun.JobDefinitionID); err == nil {
		// Latest-bundle resolution is frozen here for reproducibility.
		metrics["resolvedVersion"] = def.Version
	}
	for k, v := range final.Metrics {
		metrics[k] = v
	}

	switch final.Status {
	case jobs.RunSucceeded:
		return stepOutcome{
			status:  workflow.StepSucceeded,
			output:  final.Result,
			metrics: metrics,
		}
	default:
		msg := final.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("job run finished %s", final.Status)
		}
		return stepOutcome{
			status:  workflow.StepFailed,
			metrics: metrics,
			errMsg:  errors.Truncate(msg, maxStepError),
		}
	}
}

// awaitJobRun polls until the job run is terminal. Inline mode completes
// the run before Submit returns, so the first read resolves immediately.
func (o *Orchestrator) awaitJobRun(ctx context.Context, jobRunID string) (*jobs.Run, error) {
	for {
		run, err := o.store.GetJobRun(ctx, jobRunID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
}

// executeServiceStep issues one HTTP call through the service
// collaborator with health gating and secret header expansion.
func (o *Orchestrator) executeServiceStep(ctx context.Context, spec *workflow.ServiceStepSpec, env *workflow.TemplateEnv) stepOutcome {
	if o.service == nil {
		return failure(&errors.ValidationError{
			Field:   "service",
			Message: "no service client configured",
		})
	}

	if spec.RequireHealthy {
		health, err := o.service.Health(ctx, spec.Service)
		if err != nil {
			return failure(errors.IO("service health check", err))
		}
		switch health {
		case HealthHealthy:
		case HealthDegraded:
			if !spec.AllowDegraded {
				return failure(&errors.PreconditionError{
					Resource: "service",
					ID:       spec.Service,
					Status:   string(HealthDegraded),
					Want:     string(HealthHealthy),
				})
			}
		default:
			return failure(&errors.PreconditionError{
				Resource: "service",
				ID:       spec.Service,
				Status:   string(health),
				Want:     string(HealthHealthy),
			})
		}
	}

	headers, err := secrets.Expand(ctx, o.secrets, spec.Headers)
	if err != nil {
		return failure(err)
	}

	pathValue, err := env.ResolveString(spec.Path)
	if err != nil {
		return failure(err)
	}
	body, err := env.ResolveValue(spec.Body)
	if err != nil {
		return failure(err)
	}

	callCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	resp, err := o.service.Do(callCtx, ServiceRequest{
		Service: spec.Service,
		Method:  spec.Method,
		Path:    fmt.Sprintf("%v", pathValue),
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return failure(&errors.TimeoutError{
				Operation: "service step " + spec.Service,
				Duration:  spec.Timeout,
				Cause:     err,
			})
		}
		return failure(errors.IO("service call", err))
	}

	out := stepOutcome{status: workflow.StepSucceeded}
	if spec.CaptureResponse {
		out.response = resp
		out.output = resp.Body
	}

	if resp.StatusCode >= 400 {
		out.status = workflow.StepFailed
		out.errMsg = fmt.Sprintf("service %s returned status %d", spec.Service, resp.StatusCode)
	}
	return out
}

func headersToAny(h map[string]string) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// finishStep persists the outcome, records the run context entry, and
// writes produced-asset rows on success.
func (o *Orchestrator) finishStep(ctx context.Context, run *workflow.Run, stepDef *workflow.StepDefinition, row *workflow.RunStep, outcome stepOutcome) stepOutcome {
	logger := log.WithStepContext(o.logger, run.ID, stepDef.ID)

	var producedIDs []string
	if outcome.status == workflow.StepSucceeded && len(stepDef.Produces) > 0 {
		producedIDs = o.produceAssets(ctx, run, stepDef, row, outcome)
	}

	result := store.StepResult{
		Status:         outcome.status,
		Output:         outcome.output,
		ErrorMessage:   outcome.errMsg,
		Metrics:        outcome.metrics,
		ProducedAssets: producedIDs,
		CompletedAt:    o.now(),
	}
	done, ok, err := o.store.CompleteRunStep(ctx, row.ID, result)
	if err != nil {
		logger.Warn("persisting step result failed", log.Error(err))
	} else if ok {
		*row = *done
	}

	run.Context.Steps[stepDef.ID] = workflow.StepOutput{
		Output:   outcome.output,
		Response: outcome.response,
		Error:    outcome.errMsg,
	}
	o.syncShared(run, stepDef, outcome)

	switch outcome.status {
	case workflow.StepSucceeded:
		logger.Info("step succeeded")
	case workflow.StepFailed:
		logger.Warn("step failed", slog.String("error", outcome.errMsg))
	}
	o.publishStep(run, stepDef.ID, outcome.status)
	return outcome
}

// syncShared mirrors the store*As bindings into the run's shared
// namespace. These bindings are the only write path into shared.
func (o *Orchestrator) syncShared(run *workflow.Run, stepDef *workflow.StepDefinition, outcome stepOutcome) {
	if outcome.status != workflow.StepSucceeded {
		return
	}
	switch {
	case stepDef.Job != nil && stepDef.Job.StoreResultAs != "":
		run.Context.Shared[stepDef.Job.StoreResultAs] = outcome.output
	case stepDef.Service != nil && stepDef.Service.StoreResponseAs != "" && outcome.response != nil:
		run.Context.Shared[stepDef.Service.StoreResponseAs] = map[string]any{
			"statusCode": outcome.response.StatusCode,
			"headers":    headersToAny(outcome.response.Headers),
			"body":       outcome.response.Body,
		}
	case stepDef.FanOut != nil && stepDef.FanOut.StoreResultsAs != "":
		run.Context.Shared[stepDef.FanOut.StoreResultsAs] = outcome.output
	}
}

// produceAssets writes one asset row per declaration, snapshotting the
// step output as the payload.
func (o *Orchestrator) produceAssets(ctx context.Context, run *workflow.Run, stepDef *workflow.StepDefinition, row *workflow.RunStep, outcome stepOutcome) []string {
	logger := log.WithStepContext(o.logger, run.ID, stepDef.ID)
	producedAt := o.now()

	// Partition templates may reference the step's own output.
	env := workflow.EnvForRun(run, nil)
	env.Steps[stepDef.ID] = workflow.StepOutput{Output: outcome.output, Response: outcome.response}

	var ids []string
	for _, decl := range stepDef.Produces {
		partition := ""
		if decl.PartitionTemplate != "" {
			resolved, err := env.ResolveString(decl.PartitionTemplate)
			if err != nil {
				logger.Warn("partition template failed", log.AssetKey, decl.ID, log.Error(err))
				continue
			}
			partition = workflow.NormalizePartition(fmt.Sprintf("%v", resolved))
		}

		asset := &workflow.StepAsset{
			WorkflowRunID:   run.ID,
			WorkflowRunStep: row.ID,
			WorkflowSlug:    run.Slug,
			StepID:          stepDef.ID,
			AssetID:         workflow.CanonicalAssetID(decl.ID),
			PartitionKey:    partition,
			Payload:         outcome.output,
			Freshness:       decl.Freshness,
			ProducedAt:      producedAt,
		}
		if err := o.store.InsertStepAsset(ctx, asset); err != nil {
			logger.Warn("asset row insert failed", log.AssetKey, decl.ID, log.Error(err))
			continue
		}
		ids = append(ids, asset.AssetID)

		if o.bus != nil {
			o.bus.Publish(events.LifecycleEvent{
				Type: "asset.produced",
				Fields: map[string]any{
					"workflow":     run.Slug,
					"runId":        run.ID,
					"assetId":      asset.AssetID,
					"partitionKey": asset.PartitionKey,
					"producedAt":   producedAt,
				},
			})
		}
	}
	return ids
}

func (o *Orchestrator) publishStep(run *workflow.Run, stepID string, status workflow.StepStatus) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.LifecycleEvent{
		Type: "workflow.step." + string(status),
		Fields: map[string]any{
			"runId":    run.ID,
			"workflow": run.Slug,
			"stepId":   stepID,
		},
	})
}
