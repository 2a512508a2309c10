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

package workflow

import (
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunPending means the run is created but not yet owned by a worker.
	RunPending RunStatus = "pending"

	// RunRunning means the orchestrator owns the run.
	RunRunning RunStatus = "running"

	// RunSucceeded is terminal: every step succeeded or was skipped.
	RunSucceeded RunStatus = "succeeded"

	// RunFailed is terminal: at least one step failed after retries.
	RunFailed RunStatus = "failed"

	// RunCanceled is terminal: a cancel request was observed first.
	RunCanceled RunStatus = "canceled"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single run step.
type StepStatus string

const (
	// StepPending means the step record exists but has not started.
	StepPending StepStatus = "pending"

	// StepRunning means the step is executing.
	StepRunning StepStatus = "running"

	// StepSucceeded is terminal success.
	StepSucceeded StepStatus = "succeeded"

	// StepFailed is terminal failure after retry exhaustion.
	StepFailed StepStatus = "failed"

	// StepSkipped is terminal: the step never ran because an ancestor
	// failed or the run was canceled.
	StepSkipped StepStatus = "skipped"
)

// IsTerminal reports whether the step status is final.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// TriggeredBy records what created a workflow run.
type TriggeredBy string

const (
	// TriggeredManual runs were requested by an operator or API caller.
	TriggeredManual TriggeredBy = "manual"

	// TriggeredSchedule runs were materialized by the schedule leader.
	TriggeredSchedule TriggeredBy = "schedule"

	// TriggeredEvent runs were launched by an event trigger.
	TriggeredEvent TriggeredBy = "event"

	// TriggeredAsset runs were launched by the auto-materializer.
	TriggeredAsset TriggeredBy = "asset"
)

// RunContext carries data flowing between steps of a run.
// The Steps mapping only grows: step outputs are recorded once, on step
// completion, and never removed.
type RunContext struct {
	// Steps maps step id to that step's recorded output.
	Steps map[string]StepOutput `json:"steps,omitempty"`

	// Shared is the cross-step namespace written through storeResultAs,
	// storeResponseAs, and storeResultsAs.
	Shared map[string]any `json:"shared,omitempty"`
}

// NewRunContext returns an empty run context with initialized maps.
func NewRunContext() *RunContext {
	return &RunContext{
		Steps:  make(map[string]StepOutput),
		Shared: make(map[string]any),
	}
}

// Clone deep-copies the map structure (values are shared).
func (c *RunContext) Clone() *RunContext {
	if c == nil {
		return NewRunContext()
	}
	out := NewRunContext()
	for k, v := range c.Steps {
		out.Steps[k] = v
	}
	for k, v := range c.Shared {
		out.Shared[k] = v
	}
	return out
}

// StepOutput is the recorded result of a completed step.
type StepOutput struct {
	// Output is the job result or fan-out aggregate.
	Output any `json:"output,omitempty"`

	// Response is the captured service response, if any.
	Response *ServiceResponse `json:"response,omitempty"`

	// Error is the step's terminal error message, if it failed.
	Error string `json:"error,omitempty"`
}

// ServiceResponse captures a service step's HTTP outcome.
type ServiceResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`
}

// Run is a single execution of a workflow definition.
type Run struct {
	ID                   string `json:"id"`
	WorkflowDefinitionID string `json:"workflowDefinitionId"`

	// Slug and Version snapshot the definition identity so the run always
	// executes the version it was created against.
	Slug    string `json:"slug"`
	Version int    `json:"version"`

	Status RunStatus `json:"status"`

	// Parameters are snapshotted at creation.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Context accumulates step outputs and the shared namespace.
	Context *RunContext `json:"context,omitempty"`

	// CurrentStepID tracks the most recently dispatched step.
	CurrentStepID    string `json:"currentStepId,omitempty"`
	CurrentStepIndex int    `json:"currentStepIndex,omitempty"`

	Metrics map[string]any `json:"metrics,omitempty"`

	TriggeredBy TriggeredBy `json:"triggeredBy"`

	// Trigger is the payload of whatever launched the run: the event
	// envelope, the schedule window, or the asset cause.
	Trigger map[string]any `json:"trigger,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	// CancelRequested is set by cancellation; the orchestrator observes it
	// between steps.
	CancelRequested bool `json:"cancelRequested,omitempty"`

	DurationMs int64 `json:"durationMs,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// RunStep is the persisted record of one step execution within a run.
// A run exclusively owns its steps.
type RunStep struct {
	ID            string `json:"id"`
	WorkflowRunID string `json:"workflowRunId"`

	// StepID is the definition step id; fan-out children get synthesized
	// ids derived from the template step.
	StepID string `json:"stepId"`

	Status StepStatus `json:"status"`

	Attempt int `json:"attempt"`

	// JobRunID links to the job run when the step is a job step.
	JobRunID string `json:"jobRunId,omitempty"`

	Input  map[string]any `json:"input,omitempty"`
	Output any            `json:"output,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	Metrics map[string]any `json:"metrics,omitempty"`

	// ParentStepID and FanOutIndex are set on fan-out children.
	ParentStepID string `json:"parentStepId,omitempty"`
	FanOutIndex  *int   `json:"fanoutIndex,omitempty"`

	// TemplateStepID refers back to the fan-out declaration so dependents
	// wait on the declaration's completion rather than any child.
	TemplateStepID string `json:"templateStepId,omitempty"`

	// ProducedAssets are the asset ids recorded on success.
	ProducedAssets []string `json:"producedAssets,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// StepAsset is a produced-asset row written when a step succeeds.
type StepAsset struct {
	ID              string `json:"id"`
	WorkflowRunID   string `json:"workflowRunId"`
	WorkflowRunStep string `json:"workflowRunStepId"`
	WorkflowSlug    string `json:"workflowSlug"`
	StepID          string `json:"stepId"`

	// AssetID is the canonical asset identifier.
	AssetID string `json:"assetId"`

	// PartitionKey is empty for unpartitioned assets.
	PartitionKey string `json:"partitionKey,omitempty"`

	// Payload snapshots the produced value.
	Payload any `json:"payload,omitempty"`

	// Freshness carries the declaration's TTL settings at production time.
	Freshness *AssetFreshness `json:"freshness,omitempty"`

	ProducedAt time.Time `json:"producedAt"`
}
