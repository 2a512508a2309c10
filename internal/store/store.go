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

// Package store defines the persistence interfaces for the control plane.
// Two backends implement them: sqlite for durable single-node deployments
// and memory for tests and ephemeral runs.
package store

import (
	"context"
	"time"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/pkg/jobs"
	"github.com/tombee/foundry/pkg/workflow"
)

// Store is the full persistence surface.
type Store interface {
	JobStore
	LaunchStore
	WorkflowStore
	EventStore
	ScheduleStore
	AssetStore
	LockStore
	AuditStore
	ScalingStore

	Ping(ctx context.Context) error
	Close() error
}

// JobRunFilter narrows ListJobRuns.
type JobRunFilter struct {
	Slug   string
	Status jobs.RunStatus
	Limit  int
	Offset int
}

// JobStore persists job definitions and job runs.
//
// Conditional transitions return (record, ok): ok is false when the row
// was not in the expected prior state, in which case the returned record
// reflects what the row actually holds. Callers treat ok=false as a lost
// race, never as an error.
type JobStore interface {
	// CreateJobDefinition publishes a definition. The version is assigned
	// by the store: one greater than the newest version under the slug.
	CreateJobDefinition(ctx context.Context, def *jobs.Definition) error
	GetJobDefinition(ctx context.Context, id string) (*jobs.Definition, error)
	LatestJobDefinition(ctx context.Context, slug string) (*jobs.Definition, error)
	GetJobDefinitionVersion(ctx context.Context, slug string, version int) (*jobs.Definition, error)
	ListJobDefinitions(ctx context.Context, slug string) ([]*jobs.Definition, error)

	CreateJobRun(ctx context.Context, run *jobs.Run) error
	GetJobRun(ctx context.Context, id string) (*jobs.Run, error)
	ListJobRuns(ctx context.Context, filter JobRunFilter) ([]*jobs.Run, error)

	// ClaimJobRun transitions pending -> running and increments the
	// attempt counter.
	ClaimJobRun(ctx context.Context, id string, startedAt time.Time) (*jobs.Run, bool, error)

	// CompleteJobRun transitions running -> the given terminal status.
	CompleteJobRun(ctx context.Context, id string, result JobRunResult) (*jobs.Run, bool, error)

	// RetryJobRun transitions running -> pending with a future
	// scheduledAt, preserving context for the next attempt.
	RetryJobRun(ctx context.Context, id string, scheduledAt time.Time, errMsg string) (*jobs.Run, bool, error)

	// CancelJobRun transitions pending -> canceled.
	CancelJobRun(ctx context.Context, id string) (*jobs.Run, bool, error)

	// PatchJobRun merges a metrics/context patch into a non-terminal run.
	PatchJobRun(ctx context.Context, id string, patch jobs.RunPatch) (*jobs.Run, error)
}

// JobRunResult carries the terminal fields written by CompleteJobRun.
type JobRunResult struct {
	Status       jobs.RunStatus
	Result       any
	ErrorMessage string
	Metrics      map[string]any
	CompletedAt  time.Time
	DurationMs   int64
}

// Launch lifecycle statuses.
const (
	LaunchStarting = "starting"
	LaunchRunning  = "running"
	LaunchStopping = "stopping"
	LaunchStopped  = "stopped"
)

// LaunchState tracks the container lifecycle for one launch. JobRunID
// names the job run performing the current (or latest) transition.
type LaunchState struct {
	LaunchID  string    `json:"launchId"`
	Status    string    `json:"status"`
	JobRunID  string    `json:"jobRunId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LaunchStore persists launch lifecycle state. Transitions follow the
// JobStore conditional-update convention: ok=false means the launch was
// not in the required prior state, and the returned record (nil when the
// launch does not exist) shows what it actually holds.
type LaunchStore interface {
	GetLaunch(ctx context.Context, launchID string) (*LaunchState, error)

	// RequestLaunchStart moves an absent or stopped launch to starting,
	// binding the job run that performs the start.
	RequestLaunchStart(ctx context.Context, launchID, jobRunID string) (*LaunchState, bool, error)

	// RequestLaunchStop moves a running launch to stopping.
	RequestLaunchStop(ctx context.Context, launchID, jobRunID string) (*LaunchState, bool, error)

	// CompleteLaunchTransition settles an in-flight transition: starting
	// becomes running, stopping becomes stopped.
	CompleteLaunchTransition(ctx context.Context, launchID string) (*LaunchState, bool, error)

	// AbortLaunchTransition rolls an in-flight transition back to its
	// prior state, provided jobRunID still owns it: starting reverts to
	// stopped, stopping to running.
	AbortLaunchTransition(ctx context.Context, launchID, jobRunID string) (*LaunchState, bool, error)
}

// WorkflowRunFilter narrows ListWorkflowRuns.
type WorkflowRunFilter struct {
	Slug        string
	Status      workflow.RunStatus
	TriggeredBy workflow.TriggeredBy
	Limit       int
	Offset      int
}

// WorkflowStore persists workflow definitions, runs, and run steps.
type WorkflowStore interface {
	CreateWorkflowDefinition(ctx context.Context, def *workflow.Definition) error
	GetWorkflowDefinition(ctx context.Context, id string) (*workflow.Definition, error)
	LatestWorkflowDefinition(ctx context.Context, slug string) (*workflow.Definition, error)
	GetWorkflowDefinitionVersion(ctx context.Context, slug string, version int) (*workflow.Definition, error)
	ListWorkflowDefinitions(ctx context.Context, slug string) ([]*workflow.Definition, error)

	CreateWorkflowRun(ctx context.Context, run *workflow.Run) error
	GetWorkflowRun(ctx context.Context, id string) (*workflow.Run, error)
	ListWorkflowRuns(ctx context.Context, filter WorkflowRunFilter) ([]*workflow.Run, error)

	// ClaimWorkflowRun transitions pending -> running.
	ClaimWorkflowRun(ctx context.Context, id string, startedAt time.Time) (*workflow.Run, bool, error)

	// CompleteWorkflowRun transitions running -> the given terminal
	// status.
	CompleteWorkflowRun(ctx context.Context, id string, status workflow.RunStatus, errMsg string, completedAt time.Time) (*workflow.Run, bool, error)

	// RequestWorkflowRunCancel flags a non-terminal run for cooperative
	// cancellation.
	RequestWorkflowRunCancel(ctx context.Context, id string) (*workflow.Run, bool, error)

	// UpdateWorkflowRunContext persists the run's accumulated context and
	// current step bookkeeping.
	UpdateWorkflowRunContext(ctx context.Context, id string, rc *workflow.RunContext, currentStepID string, currentStepIndex int) error

	// ListRunningWorkflowRuns returns running runs last updated before
	// the cutoff, for crash recovery sweeps.
	ListRunningWorkflowRuns(ctx context.Context, updatedBefore time.Time) ([]*workflow.Run, error)

	// CountActiveRunsForTrigger counts pending and running runs launched
	// by the given trigger, for concurrency caps.
	CountActiveRunsForTrigger(ctx context.Context, triggerID string) (int, error)

	CreateRunStep(ctx context.Context, step *workflow.RunStep) error
	GetRunStep(ctx context.Context, id string) (*workflow.RunStep, error)
	ListRunSteps(ctx context.Context, runID string) ([]*workflow.RunStep, error)

	// StartRunStep transitions pending -> running. Reissuing an already
	// running step succeeds without touching the attempt counter.
	StartRunStep(ctx context.Context, id string, startedAt time.Time) (*workflow.RunStep, bool, error)

	// CompleteRunStep transitions running -> terminal.
	CompleteRunStep(ctx context.Context, id string, result StepResult) (*workflow.RunStep, bool, error)

	// SkipRunStep transitions pending -> skipped.
	SkipRunStep(ctx context.Context, id string, reason string) (*workflow.RunStep, bool, error)
}

// StepResult carries the terminal fields written by CompleteRunStep.
type StepResult struct {
	Status         workflow.StepStatus
	Output         any
	ErrorMessage   string
	Metrics        map[string]any
	ProducedAssets []string
	CompletedAt    time.Time
}

// EventFilter narrows ListEvents. Results are ordered by (ingestedAt, id)
// ascending; After resumes past a cursor position.
type EventFilter struct {
	Type   string
	Source string
	After  *events.Cursor
	Limit  int
}

// EventTriggerRecord binds a trigger declaration to its workflow.
type EventTriggerRecord struct {
	workflow.EventTrigger

	WorkflowSlug string `json:"workflowSlug"`
}

// DeliveryStatus records the outcome of evaluating one trigger against
// one event.
type DeliveryStatus string

const (
	DeliveryFiltered  DeliveryStatus = "filtered"
	DeliveryMatched   DeliveryStatus = "matched"
	DeliveryLaunched  DeliveryStatus = "launched"
	DeliveryThrottled DeliveryStatus = "throttled"
	DeliverySkipped   DeliveryStatus = "skipped"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryPaused    DeliveryStatus = "paused"
)

// Delivery is one trigger-evaluation journal row.
type Delivery struct {
	ID        string         `json:"id"`
	TriggerID string         `json:"triggerId"`
	EventID   string         `json:"eventId"`
	Status    DeliveryStatus `json:"status"`

	// RunID is set when the delivery launched a run.
	RunID string `json:"runId,omitempty"`

	DedupeKey   string `json:"dedupeKey,omitempty"`
	ThrottleKey string `json:"throttleKey,omitempty"`

	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// EventStore persists the event log, trigger declarations, and the
// delivery journal.
type EventStore interface {
	InsertEvent(ctx context.Context, e *events.Envelope) error
	GetEvent(ctx context.Context, id string) (*events.Envelope, error)

	// ListEvents pages the log; the second return is the cursor for the
	// next page, nil when the page was short.
	ListEvents(ctx context.Context, filter EventFilter) ([]*events.Envelope, *events.Cursor, error)

	UpsertEventTrigger(ctx context.Context, rec *EventTriggerRecord) error
	GetEventTrigger(ctx context.Context, id string) (*EventTriggerRecord, error)
	DeleteEventTrigger(ctx context.Context, id string) error
	ListEventTriggers(ctx context.Context, eventType string) ([]*EventTriggerRecord, error)

	InsertDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, triggerID string, limit int) ([]*Delivery, error)

	// FindDeliveryByDedupeKey returns the most recent launched delivery
	// with the key, or nil.
	FindDeliveryByDedupeKey(ctx context.Context, triggerID, dedupeKey string) (*Delivery, error)

	// LastLaunchForThrottleKey returns the most recent launched delivery
	// sharing the throttle key since the cutoff, or nil.
	LastLaunchForThrottleKey(ctx context.Context, triggerID, throttleKey string, since time.Time) (*Delivery, error)
}

// ScheduleStore persists cron schedules and their materialization
// bookkeeping.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *workflow.Schedule) error
	UpdateSchedule(ctx context.Context, s *workflow.Schedule) error
	GetSchedule(ctx context.Context, id string) (*workflow.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]*workflow.Schedule, error)

	// ListDueSchedules returns enabled schedules whose nextRunAt is at or
	// before now.
	ListDueSchedules(ctx context.Context, now time.Time) ([]*workflow.Schedule, error)

	// AdvanceSchedule records a materialization pass. A nil cursor
	// clears the catch-up position (the schedule is fully caught up); a
	// value marks where a partial pass resumes.
	AdvanceSchedule(ctx context.Context, id string, cursor *time.Time, windowStart, windowEnd time.Time, nextRunAt *time.Time) error
}

// AssetStore persists produced assets.
type AssetStore interface {
	InsertStepAsset(ctx context.Context, a *workflow.StepAsset) error

	// LatestAsset returns the newest production for the normalized
	// (assetID, partition) key.
	LatestAsset(ctx context.Context, assetID, partition string) (*workflow.StepAsset, error)

	ListAssetsByWorkflow(ctx context.Context, slug string) ([]*workflow.StepAsset, error)

	// ListLatestAssets returns the newest production per asset key.
	ListLatestAssets(ctx context.Context) ([]*workflow.StepAsset, error)

	// DeleteExpiredAssets removes productions whose TTL elapsed before
	// now and returns the number removed.
	DeleteExpiredAssets(ctx context.Context, now time.Time) (int, error)
}

// LockStore provides named advisory locks with TTL-based expiry so a
// crashed holder cannot wedge the system.
type LockStore interface {
	// TryAcquireLock takes the lock when it is free or expired.
	TryAcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// RenewLock extends a held lock; false when the caller no longer
	// holds it.
	RenewLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock drops the lock if held by owner.
	ReleaseLock(ctx context.Context, name, owner string) error

	// WithLock blocks until the lock is acquired or ctx ends, runs fn,
	// and releases the lock when fn returns.
	WithLock(ctx context.Context, name, owner string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// AuditEvent is one lifecycle journal row.
type AuditEvent struct {
	ID string `json:"id"`

	// Entity is the record kind, e.g. "job_run" or "workflow_run".
	Entity   string `json:"entity"`
	EntityID string `json:"entityId"`

	// Action names the transition, e.g. "claimed" or "completed".
	Action string `json:"action"`

	Detail map[string]any `json:"detail,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// AuditStore persists the lifecycle audit journal.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEvent) error
	ListAudit(ctx context.Context, entity, entityID string, limit int) ([]*AuditEvent, error)
}

// ScalingState is the persisted desired state for one queue.
type ScalingState struct {
	Queue string `json:"queue"`

	// DesiredConcurrency is the target worker count; zero pauses the
	// queue.
	DesiredConcurrency int `json:"desiredConcurrency"`

	// Paused records an explicit pause regardless of concurrency.
	Paused bool `json:"paused"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// ScalingStore persists per-queue scaling decisions.
type ScalingStore interface {
	GetScaling(ctx context.Context, queue string) (*ScalingState, error)
	PutScaling(ctx context.Context, s *ScalingState) error
	ListScaling(ctx context.Context) ([]*ScalingState, error)
}
