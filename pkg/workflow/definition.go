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

// Package workflow defines workflow definitions, the step DAG, run records,
// and the parameter template language.
package workflow

import (
	"fmt"
	"time"

	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/jobs"
)

// StepType discriminates the step variants.
type StepType string

const (
	// StepTypeJob enqueues a job run and waits for its terminal status.
	StepTypeJob StepType = "job"

	// StepTypeService performs an HTTP request against a registered service.
	StepTypeService StepType = "service"

	// StepTypeFanOut expands a collection into child steps at runtime.
	StepTypeFanOut StepType = "fanout"
)

// Definition is a published workflow: a DAG of steps plus trigger,
// schedule, and parameter metadata. Definitions are immutable; publishing
// changes creates a new version under the same slug.
type Definition struct {
	ID string `json:"id"`

	// Slug names the workflow across versions.
	Slug string `json:"slug"`

	// Version increases monotonically per slug.
	Version int `json:"version"`

	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// Steps is the DAG in declaration order.
	Steps []StepDefinition `json:"steps"`

	// EventTriggers declare event-driven launches for this workflow.
	EventTriggers []EventTrigger `json:"eventTriggers,omitempty"`

	// AutoMaterialize opts this workflow into asset-driven re-runs.
	AutoMaterialize *AutoMaterializePolicy `json:"autoMaterialize,omitempty"`

	// ParametersSchema optionally constrains run parameters.
	ParametersSchema map[string]any `json:"parametersSchema,omitempty"`

	// DefaultParameters are merged under run parameters.
	DefaultParameters map[string]any `json:"defaultParameters,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StepDefinition is one node of the workflow DAG. Type selects which of
// the variant specs is populated; exactly one must be set.
type StepDefinition struct {
	// ID uniquely names the step within the definition.
	ID string `json:"id"`

	Name string `json:"name,omitempty"`

	Type StepType `json:"type"`

	// DependsOn lists the step ids that must reach a terminal status
	// before this step becomes ready.
	DependsOn []string `json:"dependsOn,omitempty"`

	// Job is set when Type is StepTypeJob.
	Job *JobStepSpec `json:"job,omitempty"`

	// Service is set when Type is StepTypeService.
	Service *ServiceStepSpec `json:"service,omitempty"`

	// FanOut is set when Type is StepTypeFanOut.
	FanOut *FanOutSpec `json:"fanout,omitempty"`

	// Produces declares the assets this step materializes on success.
	Produces []AssetDeclaration `json:"produces,omitempty"`

	// Consumes declares upstream asset dependencies used by the
	// auto-materializer to build the asset graph.
	Consumes []AssetRef `json:"consumes,omitempty"`
}

// JobStepSpec configures a job step.
type JobStepSpec struct {
	// Slug selects the job definition to run.
	Slug string `json:"slug"`

	// Bundle optionally pins the job version; empty strategy means latest.
	Bundle *BundleRef `json:"bundle,omitempty"`

	// Parameters may contain template expressions resolved against the
	// run environment before enqueue.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Timeout overrides the job definition timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Retry overrides the job definition retry policy when set.
	Retry *jobs.RetryPolicy `json:"retry,omitempty"`

	// StoreResultAs writes the job result into the run's shared
	// namespace under the given key.
	StoreResultAs string `json:"storeResultAs,omitempty"`
}

// BundleStrategy selects how a bundle reference resolves.
type BundleStrategy string

const (
	// BundleLatest resolves to the newest published version at launch.
	BundleLatest BundleStrategy = "latest"

	// BundlePinned resolves to the exact version recorded in the ref.
	BundlePinned BundleStrategy = "pinned"
)

// BundleRef pins or floats a job version for a step.
type BundleRef struct {
	Strategy BundleStrategy `json:"strategy"`

	// Version is required when Strategy is BundlePinned.
	Version int `json:"version,omitempty"`
}

// Validate checks the bundle reference.
func (b *BundleRef) Validate() error {
	switch b.Strategy {
	case BundleLatest, "":
		if b.Version != 0 {
			return &errors.ValidationError{
				Field:   "bundle.version",
				Message: "version must not be set with the latest strategy",
			}
		}
	case BundlePinned:
		if b.Version < 1 {
			return &errors.ValidationError{
				Field:      "bundle.version",
				Message:    "pinned bundle requires a version of at least 1",
				Suggestion: "set bundle.version to the published version to pin",
			}
		}
	default:
		return &errors.ValidationError{
			Field:   "bundle.strategy",
			Message: fmt.Sprintf("unknown bundle strategy %q", b.Strategy),
		}
	}
	return nil
}

// ServiceStepSpec configures a service step: a single HTTP call against a
// registered service collaborator.
type ServiceStepSpec struct {
	// Service is the registered service slug.
	Service string `json:"service"`

	Method string `json:"method,omitempty"`
	Path   string `json:"path"`

	// Headers may reference secrets via {{ secret.NAME }} values; secret
	// values never appear in persisted step records.
	Headers map[string]string `json:"headers,omitempty"`

	// Body may contain template expressions.
	Body any `json:"body,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`

	// RequireHealthy refuses to dispatch when the service reports
	// unhealthy; AllowDegraded loosens that to accept degraded.
	RequireHealthy bool `json:"requireHealthy,omitempty"`
	AllowDegraded  bool `json:"allowDegraded,omitempty"`

	// CaptureResponse records status, headers, and parsed body into the
	// step output.
	CaptureResponse bool `json:"captureResponse,omitempty"`

	// StoreResponseAs writes the captured response into the run's shared
	// namespace under the given key.
	StoreResponseAs string `json:"storeResponseAs,omitempty"`
}

// FanOutSpec configures a fan-out step: a collection expression expanded
// into per-item child steps at runtime.
type FanOutSpec struct {
	// Collection is either a literal array or a template expression that
	// resolves to one at runtime.
	Collection any `json:"collection"`

	// Template is the step executed once per item. Its DependsOn must be
	// empty; children depend implicitly on the declaration.
	Template FanOutTemplate `json:"template"`

	// MaxItems caps the expanded collection size. Zero means the engine
	// default.
	MaxItems int `json:"maxItems,omitempty"`

	// MaxConcurrency bounds concurrent children. Zero means unbounded.
	MaxConcurrency int `json:"maxConcurrency,omitempty"`

	// StoreResultsAs writes the ordered array of child results into the
	// run's shared namespace.
	StoreResultsAs string `json:"storeResultsAs,omitempty"`
}

// FanOutTemplate is the per-item step template. Within its parameters the
// expressions {{ item }} and {{ item.<path> }} refer to the current
// collection element and {{ index }} to its position.
type FanOutTemplate struct {
	// ID seeds the synthesized child step ids.
	ID string `json:"id"`

	Type StepType `json:"type"`

	Job     *JobStepSpec     `json:"job,omitempty"`
	Service *ServiceStepSpec `json:"service,omitempty"`
}

// EventTrigger declares an event-driven launch rule on a workflow.
type EventTrigger struct {
	ID string `json:"id"`

	// EventType selects the events this trigger evaluates.
	EventType string `json:"eventType"`

	// Predicate is an optional boolean expression over the event
	// envelope. Empty matches every event of the type.
	Predicate string `json:"predicate,omitempty"`

	// Parameters template maps event fields into run parameters.
	Parameters map[string]any `json:"parameters,omitempty"`

	// DedupeKey and ThrottleKey are jq-style path expressions over the
	// envelope payload.
	DedupeKey   string `json:"dedupeKey,omitempty"`
	ThrottleKey string `json:"throttleKey,omitempty"`

	// ThrottleWindow suppresses launches sharing a throttle key within
	// the window.
	ThrottleWindow time.Duration `json:"throttleWindow,omitempty"`

	// MaxConcurrency caps concurrently running runs launched by this
	// trigger. Zero means unlimited.
	MaxConcurrency int `json:"maxConcurrency,omitempty"`

	// Paused triggers record deliveries but never launch.
	Paused bool `json:"paused,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Schedule is a cron-driven launch rule for a workflow.
type Schedule struct {
	ID           string `json:"id"`
	WorkflowSlug string `json:"workflowSlug"`

	Name string `json:"name,omitempty"`

	// Cron is a five-field cron expression.
	Cron string `json:"cron"`

	// Timezone is an IANA zone name; empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	// Parameters are passed to materialized runs.
	Parameters map[string]any `json:"parameters,omitempty"`

	Enabled bool `json:"enabled"`

	// CatchUp materializes every missed occurrence when the leader
	// resumes; false collapses the backlog to the most recent fire time.
	CatchUp bool `json:"catchUp,omitempty"`

	// StartWindow and EndWindow bound materializable fire times.
	StartWindow *time.Time `json:"startWindow,omitempty"`
	EndWindow   *time.Time `json:"endWindow,omitempty"`

	// NextRunAt is the precomputed next occurrence.
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`

	// CatchupCursor marks the end of the last materialized window so a
	// restarted leader can replay missed occurrences.
	CatchupCursor *time.Time `json:"catchupCursor,omitempty"`

	// LastWindow records the [start, end) bounds of the most recent
	// materialization pass.
	LastWindowStart *time.Time `json:"lastWindowStart,omitempty"`
	LastWindowEnd   *time.Time `json:"lastWindowEnd,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks structural validity of the definition: step ids unique
// and non-empty, exactly one variant spec per step, dependsOn references
// resolvable, and the dependency graph acyclic.
func (d *Definition) Validate() error {
	if d.Slug == "" {
		return &errors.ValidationError{
			Field:   "slug",
			Message: "workflow slug is required",
		}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow must declare at least one step",
			Suggestion: "add a job, service, or fanout step",
		}
	}

	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].id", i),
				Message: "step id is required",
			}
		}
		if seen[step.ID] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].id", i),
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		seen[step.ID] = true

		if err := step.validate(i); err != nil {
			return err
		}
	}

	for i := range d.Steps {
		for _, dep := range d.Steps[i].DependsOn {
			if !seen[dep] {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].dependsOn", i),
					Message: fmt.Sprintf("step %q depends on unknown step %q", d.Steps[i].ID, dep),
				}
			}
			if dep == d.Steps[i].ID {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].dependsOn", i),
					Message: fmt.Sprintf("step %q cannot depend on itself", dep),
				}
			}
		}
	}

	if _, err := BuildManifest(d.Steps); err != nil {
		return err
	}

	for i := range d.EventTriggers {
		if d.EventTriggers[i].EventType == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("eventTriggers[%d].eventType", i),
				Message: "trigger event type is required",
			}
		}
	}

	return nil
}

// validate checks a single step's variant spec.
func (s *StepDefinition) validate(i int) error {
	specs := 0
	if s.Job != nil {
		specs++
	}
	if s.Service != nil {
		specs++
	}
	if s.FanOut != nil {
		specs++
	}
	if specs != 1 {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("steps[%d]", i),
			Message:    fmt.Sprintf("step %q must set exactly one of job, service, or fanout", s.ID),
			Suggestion: "set the spec matching the step type and clear the others",
		}
	}

	switch s.Type {
	case StepTypeJob:
		if s.Job == nil {
			return stepSpecMismatch(i, s.ID, "job")
		}
		if s.Job.Slug == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].job.slug", i),
				Message: "job step requires a job slug",
			}
		}
		if s.Job.Bundle != nil {
			if err := s.Job.Bundle.Validate(); err != nil {
				return err
			}
		}
		if s.Job.Retry != nil {
			if err := s.Job.Retry.Validate(); err != nil {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].job.retry", i),
					Message: err.Error(),
				}
			}
		}
	case StepTypeService:
		if s.Service == nil {
			return stepSpecMismatch(i, s.ID, "service")
		}
		if s.Service.Service == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].service.service", i),
				Message: "service step requires a service slug",
			}
		}
		if s.Service.Path == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].service.path", i),
				Message: "service step requires a request path",
			}
		}
		if s.Service.StoreResponseAs != "" && !s.Service.CaptureResponse {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].service.storeResponseAs", i),
				Message:    "storeResponseAs requires captureResponse",
				Suggestion: "set captureResponse: true on the service step",
			}
		}
	case StepTypeFanOut:
		if s.FanOut == nil {
			return stepSpecMismatch(i, s.ID, "fanout")
		}
		switch c := s.FanOut.Collection.(type) {
		case nil:
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].fanout.collection", i),
				Message: "fanout step requires a collection",
			}
		case string:
			if c == "" {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].fanout.collection", i),
					Message: "fanout step requires a collection expression",
				}
			}
		case []any:
			// Literal arrays expand as-is.
		default:
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].fanout.collection", i),
				Message: "collection must be a template expression or a literal array",
			}
		}
		if err := s.FanOut.Template.validate(i); err != nil {
			return err
		}
		if s.FanOut.MaxItems < 0 || s.FanOut.MaxConcurrency < 0 {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].fanout", i),
				Message: "maxItems and maxConcurrency must not be negative",
			}
		}
	default:
		return &errors.ValidationError{
			Field:   fmt.Sprintf("steps[%d].type", i),
			Message: fmt.Sprintf("unknown step type %q", s.Type),
		}
	}

	for j := range s.Produces {
		if err := s.Produces[j].Validate(); err != nil {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].produces[%d]", i, j),
				Message: err.Error(),
			}
		}
	}

	return nil
}

// validate checks the fan-out template: nested fan-outs are rejected.
func (t *FanOutTemplate) validate(i int) error {
	if t.ID == "" {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("steps[%d].fanout.template.id", i),
			Message: "fanout template requires an id",
		}
	}
	switch t.Type {
	case StepTypeJob:
		if t.Job == nil || t.Job.Slug == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].fanout.template.job", i),
				Message: "fanout job template requires a job slug",
			}
		}
	case StepTypeService:
		if t.Service == nil || t.Service.Service == "" || t.Service.Path == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].fanout.template.service", i),
				Message: "fanout service template requires a service slug and path",
			}
		}
	case StepTypeFanOut:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("steps[%d].fanout.template.type", i),
			Message:    "fanout templates cannot nest another fanout",
			Suggestion: "flatten the collection before fanning out",
		}
	default:
		return &errors.ValidationError{
			Field:   fmt.Sprintf("steps[%d].fanout.template.type", i),
			Message: fmt.Sprintf("unknown fanout template type %q", t.Type),
		}
	}
	return nil
}

func stepSpecMismatch(i int, id, want string) error {
	return &errors.ValidationError{
		Field:   fmt.Sprintf("steps[%d]", i),
		Message: fmt.Sprintf("step %q has type %s but no %s spec", id, want, want),
	}
}

// Step returns the step definition with the given id, or nil.
func (d *Definition) Step(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}
