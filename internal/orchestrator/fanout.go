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
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/workflow"
)

// defaultMaxFanOutItems caps expansion when the declaration does not.
const defaultMaxFanOutItems = 100

// executeFanOut expands the collection, runs one templated child per
// item under the concurrency bound, and aggregates ordered results.
// Failed children leave null slots and fail the declaration.
func (o *Orchestrator) executeFanOut(ctx context.Context, run *workflow.Run, stepDef *workflow.StepDefinition, env *workflow.TemplateEnv, parent *workflow.RunStep) stepOutcome {
	spec := stepDef.FanOut
	logger := log.WithStepContext(o.logger, run.ID, stepDef.ID)

	items, err := o.expandCollection(env, spec)
	if err != nil {
		return failure(err)
	}

	maxItems := spec.MaxItems
	if maxItems <= 0 {
		maxItems = defaultMaxFanOutItems
	}
	if len(items) > maxItems {
		logger.Warn("fan-out collection clamped",
			"collected", len(items), "maxItems", maxItems)
		items = items[:maxItems]
	}
	if len(items) == 0 {
		return stepOutcome{status: workflow.StepSucceeded, output: []any{}}
	}

	results := make([]any, len(items))
	failedMsgs := make([]string, len(items))

	g, gctx := errgroup.WithContext(ctx)
	if spec.MaxConcurrency > 0 {
		g.SetLimit(spec.MaxConcurrency)
	}
	var mu sync.Mutex

	for idx, item := range items {
		g.Go(func() error {
			outcome := o.runChild(gctx, run, stepDef, spec, env, parent, item, idx)
			mu.Lock()
			defer mu.Unlock()
			if outcome.status == workflow.StepSucceeded {
				results[idx] = outcome.output
			} else {
				failedMsgs[idx] = outcome.errMsg
			}
			// Child failures do not cancel siblings; the aggregate
			// carries the partial results.
			return nil
		})
	}
	g.Wait()

	failed := 0
	firstMsg := ""
	for _, msg := range failedMsgs {
		if msg != "" {
			failed++
			if firstMsg == "" {
				firstMsg = msg
			}
		}
	}

	if failed > 0 {
		return stepOutcome{
			status: workflow.StepFailed,
			output: results,
			errMsg: errors.Truncate(
				fmt.Sprintf("%d of %d fan-out items failed: %s", failed, len(items), firstMsg),
				maxStepError),
			metrics: map[string]any{"items": len(items), "failed": failed},
		}
	}
	return stepOutcome{
		status:  workflow.StepSucceeded,
		output:  results,
		metrics: map[string]any{"items": len(items)},
	}
}

// expandCollection resolves the collection to an array: literal arrays
// expand as written, strings resolve through the template environment.
func (o *Orchestrator) expandCollection(env *workflow.TemplateEnv, spec *workflow.FanOutSpec) ([]any, error) {
	switch c := spec.Collection.(type) {
	case []any:
		return append([]any(nil), c...), nil
	case string:
		resolved, err := env.ResolveString(c)
		if err != nil {
			return nil, err
		}
		items, ok := resolved.([]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:      "collection",
				Message:    fmt.Sprintf("fan-out collection resolved to %T, expected an array", resolved),
				Suggestion: "point the collection template at an array-valued step output or shared value",
			}
		}
		return items, nil
	default:
		return nil, &errors.ValidationError{
			Field:   "collection",
			Message: fmt.Sprintf("fan-out collection is %T, expected an array or template expression", c),
		}
	}
}

// runChild persists and executes one fan-out child step.
func (o *Orchestrator) runChild(ctx context.Context, run *workflow.Run, stepDef *workflow.StepDefinition, spec *workflow.FanOutSpec, env *workflow.TemplateEnv, parent *workflow.RunStep, item any, idx int) stepOutcome {
	childIdx := idx
	child := &workflow.RunStep{
		WorkflowRunID:  run.ID,
		StepID:         fmt.Sprintf("%s[%d]", spec.Template.ID, idx),
		ParentStepID:   parent.ID,
		FanOutIndex:    &childIdx,
		TemplateStepID: stepDef.ID,
	}
	if err := o.store.CreateRunStep(ctx, child); err != nil {
		return failure(err)
	}
	if _, ok, err := o.store.StartRunStep(ctx, child.ID, o.now()); err != nil || !ok {
		if err == nil {
			err = errors.New("fan-out child could not start")
		}
		return failure(err)
	}

	scoped := env.WithItem(item, idx)

	var outcome stepOutcome
	switch spec.Template.Type {
	case workflow.StepTypeJob:
		outcome = o.executeJobStep(ctx, run, spec.Template.Job, scoped, child)
	case workflow.StepTypeService:
		outcome = o.executeServiceStep(ctx, spec.Template.Service, scoped)
	default:
		outcome = failure(&errors.FatalError{
			Message: fmt.Sprintf("fan-out template has unknown type %q", spec.Template.Type),
		})
	}

	_, _, err := o.store.CompleteRunStep(ctx, child.ID, store.StepResult{
		Status:       outcome.status,
		Output:       outcome.output,
		ErrorMessage: outcome.errMsg,
		Metrics:      outcome.metrics,
		CompletedAt:  o.now(),
	})
	if err != nil {
		o.logger.Warn("persisting fan-out child failed",
			log.StepIDKey, child.StepID, log.Error(err))
	}
	return outcome
}
