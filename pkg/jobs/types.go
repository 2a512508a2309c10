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

// Package jobs defines job definitions, job runs, and handler registration
// for the execution engine.
package jobs

import (
	"time"
)

// Type classifies how a job definition is invoked.
type Type string

const (
	// TypeBatch jobs run to completion when enqueued.
	TypeBatch Type = "batch"

	// TypeServiceTriggered jobs are launched by service collaborators.
	TypeServiceTriggered Type = "service-triggered"

	// TypeManual jobs are launched by operators.
	TypeManual Type = "manual"
)

// Definition describes a published job: the unit of code a run executes.
// Definitions are immutable; publishing changes creates a new version with
// a monotonically increasing version number under the same slug.
type Definition struct {
	// ID is the definition's storage identifier.
	ID string `json:"id"`

	// Slug uniquely names the job across versions.
	Slug string `json:"slug"`

	// Version increases monotonically per slug.
	Version int `json:"version"`

	// Type classifies the invocation style.
	Type Type `json:"type"`

	// Runtime describes the execution environment (e.g., "node18", "python3.11").
	Runtime string `json:"runtime"`

	// EntryPoint references the handler to invoke.
	EntryPoint string `json:"entryPoint"`

	// ParametersSchema is an optional JSON schema for run parameters.
	ParametersSchema map[string]any `json:"parametersSchema,omitempty"`

	// DefaultParameters are merged under run parameters.
	DefaultParameters map[string]any `json:"defaultParameters,omitempty"`

	// Timeout bounds a single attempt. Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Retry controls re-execution after retriable failures.
	Retry RetryPolicy `json:"retry"`

	// Metadata carries free-form annotations.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RunStatus is the lifecycle state of a job run.
type RunStatus string

const (
	// RunPending means the run is created but not yet picked up.
	RunPending RunStatus = "pending"

	// RunRunning means a worker owns the run.
	RunRunning RunStatus = "running"

	// RunSucceeded is terminal success.
	RunSucceeded RunStatus = "succeeded"

	// RunFailed is terminal failure after retry exhaustion.
	RunFailed RunStatus = "failed"

	// RunCanceled is terminal operator cancellation.
	RunCanceled RunStatus = "canceled"

	// RunExpired is terminal timeout.
	RunExpired RunStatus = "expired"
)

// IsTerminal reports whether the status is final. Once terminal, all run
// fields other than updatedAt are frozen.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunExpired:
		return true
	}
	return false
}

// Run is a single execution of a job definition.
type Run struct {
	ID              string `json:"id"`
	JobDefinitionID string `json:"jobDefinitionId"`

	// Slug snapshots the definition slug for handler resolution.
	Slug string `json:"slug"`

	Status RunStatus `json:"status"`

	// Parameters are snapshotted at creation; handlers see exactly these.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Result is the handler's output, if any.
	Result any `json:"result,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	// Metrics are handler-reported measurements.
	Metrics map[string]any `json:"metrics,omitempty"`

	// Context is handler scratch state that survives across attempts.
	Context map[string]any `json:"context,omitempty"`

	// Attempt starts at 1 and never exceeds MaxAttempts.
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`

	// Timeout overrides the definition timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`

	DurationMs int64 `json:"durationMs,omitempty"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
