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

// Package memory provides an in-memory store backend for tests and
// ephemeral single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/jobs"
	"github.com/tombee/foundry/pkg/workflow"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store keeps every record in process memory behind one mutex. Copies go
// in and out so callers never share row memory with the store.
type Store struct {
	mu sync.RWMutex

	jobDefs  map[string]*jobs.Definition
	jobRuns  map[string]*jobs.Run
	launches map[string]*store.LaunchState
	wfDefs   map[string]*workflow.Definition
	wfRuns   map[string]*workflow.Run
	runSteps map[string]*workflow.RunStep

	events     map[string]*eventRow
	eventOrder []string
	triggers   map[string]*store.EventTriggerRecord
	deliveries []*store.Delivery

	schedules map[string]*workflow.Schedule
	assets    []*workflow.StepAsset

	locks   map[string]lockRow
	audit   []*store.AuditEvent
	scaling map[string]*store.ScalingState

	now func() time.Time
}

type lockRow struct {
	owner     string
	expiresAt time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobDefs:   make(map[string]*jobs.Definition),
		jobRuns:   make(map[string]*jobs.Run),
		launches:  make(map[string]*store.LaunchState),
		wfDefs:    make(map[string]*workflow.Definition),
		wfRuns:    make(map[string]*workflow.Run),
		runSteps:  make(map[string]*workflow.RunStep),
		events:    make(map[string]*eventRow),
		triggers:  make(map[string]*store.EventTriggerRecord),
		schedules: make(map[string]*workflow.Schedule),
		locks:     make(map[string]lockRow),
		scaling:   make(map[string]*store.ScalingState),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// --- job definitions ---

func (s *Store) CreateJobDefinition(ctx context.Context, def *jobs.Definition) error {
	if def.Slug == "" {
		return &errors.ValidationError{Field: "slug", Message: "job slug is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	max := 0
	for _, d := range s.jobDefs {
		if d.Slug == def.Slug && d.Version > max {
			max = d.Version
		}
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.Version = max + 1
	now := s.now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	cp := *def
	s.jobDefs[def.ID] = &cp
	return nil
}

func (s *Store) GetJobDefinition(ctx context.Context, id string) (*jobs.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.jobDefs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job definition", ID: id}
	}
	cp := *d
	return &cp, nil
}

func (s *Store) LatestJobDefinition(ctx context.Context, slug string) (*jobs.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *jobs.Definition
	for _, d := range s.jobDefs {
		if d.Slug != slug {
			continue
		}
		if latest == nil || d.Version > latest.Version {
			latest = d
		}
	}
	if latest == nil {
		return nil, &errors.NotFoundError{Resource: "job definition", ID: slug}
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) GetJobDefinitionVersion(ctx context.Context, slug string, version int) (*jobs.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.jobDefs {
		if d.Slug == slug && d.Version == version {
			cp := *d
			return &cp, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "job definition", ID: slug}
}

func (s *Store) ListJobDefinitions(ctx context.Context, slug string) ([]*jobs.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*jobs.Definition
	for _, d := range s.jobDefs {
		if slug != "" && d.Slug != slug {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slug != out[j].Slug {
			return out[i].Slug < out[j].Slug
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// --- job runs ---

func (s *Store) CreateJobRun(ctx context.Context, run *jobs.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = jobs.RunPending
	}
	now := s.now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	cp := *run
	s.jobRuns[run.ID] = &cp
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, id string) (*jobs.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.jobRuns[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job run", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListJobRuns(ctx context.Context, filter store.JobRunFilter) ([]*jobs.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*jobs.Run
	for _, r := range s.jobRuns {
		if filter.Slug != "" && r.Slug != filter.Slug {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) ClaimJobRun(ctx context.Context, id string, startedAt time.Time) (*jobs.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobRuns[id]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "job run", ID: id}
	}
	if r.Status != jobs.RunPending {
		cp := *r
		return &cp, false, nil
	}

	r.Status = jobs.RunRunning
	r.Attempt++
	at := startedAt.UTC()
	r.StartedAt = &at
	r.UpdatedAt = s.now().UTC()

	cp := *r
	return &cp, true, nil
}

func (s *Store) CompleteJobRun(ctx context.Context, id string, result store.JobRunResult) (*jobs.Run, bool, error) {
	if !result.Status.IsTerminal() {
		return nil, false, &errors.ValidationError{
			Field:   "status",
			Message: "complete requires a terminal status",
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobRuns[id]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "job run", ID: id}
	}
	if r.Status != jobs.RunRunning {
		cp := *r
		return &cp, false, nil
	}

	r.Status = result.Status
	r.Result = result.Result
	r.ErrorMessage = result.ErrorMessage
	if result.Metrics != nil {
		r.Metrics = mergeMaps(r.Metrics, result.Metrics)
	}
	at := result.CompletedAt.UTC()
	r.CompletedAt = &at
	r.DurationMs = result.DurationMs
	r.UpdatedAt = s.now().UTC()

	cp := *r
	return &cp, true, nil
}

func (s *Store) RetryJobRun(ctx context.Context, id string, scheduledAt time.Time, errMsg string) (*jobs.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobRuns[id]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "job run", ID: id}
	}
	if r.Status != jobs.RunRunning {
		cp := *r
		return &cp, false, nil
	}

	r.Status = jobs.RunPending
	at := scheduledAt.UTC()
	r.ScheduledAt = &at
	r.StartedAt = nil
	r.ErrorMessage = errMsg
	r.UpdatedAt = s.now().UTC()

	cp := *r
	return &cp, true, nil
}

func (s *Store) CancelJobRun(ctx context.Context, id string) (*jobs.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobRuns[id]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "job run", ID: id}
	}
	if r.Status != jobs.RunPending {
		cp := *r
		return &cp, false, nil
	}

	now := s.now().UTC()
	r.Status = jobs.RunCanceled
	r.CompletedAt = &now
	r.UpdatedAt = now

	cp := *r
	return &cp, true, nil
}

func (s *Store) PatchJobRun(ctx context.Context, id string, patch jobs.RunPatch) (*jobs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobRuns[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job run", ID: id}
	}
	if r.Status.IsTerminal() {
		return nil, &errors.PreconditionError{
			Resource: "job run",
			ID:       id,
			Status:   string(r.Status),
			Want:     "non-terminal",
		}
	}

	if patch.Metrics != nil {
		r.Metrics = mergeMaps(r.Metrics, patch.Metrics)
	}
	if patch.Context != nil {
		r.Context = mergeMaps(r.Context, patch.Context)
	}
	r.UpdatedAt = s.now().UTC()

	cp := *r
	return &cp, nil
}

// --- workflow definitions ---

func (s *Store) CreateWorkflowDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	max := 0
	for _, d := range s.wfDefs {
		if d.Slug == def.Slug && d.Version > max {
			max = d.Version
		}
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.Version = max + 1
	now := s.now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	cp := *def
	s.wfDefs[def.ID] = &cp
	return nil
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.wfDefs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow definition", ID: id}
	}
	cp := *d
	return &cp, nil
}

func (s *Store) LatestWorkflowDefinition(ctx context.Context, slug string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *workflow.Definition
	for _, d := range s.wfDefs {
		if d.Slug != slug {
			continue
		}
		if latest == nil || d.Version > latest.Version {
			latest = d
		}
	}
	if latest == nil {
		return nil, &errors.NotFoundError{Resource: "workflow definition", ID: slug}
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) GetWorkflowDefinitionVersion(ctx context.Context, slug string, version int) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.wfDefs {
		if d.Slug == slug && d.Version == version {
			cp := *d
			return &cp, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "workflow definition", ID: slug}
}

func (s *Store) ListWorkflowDefinitions(ctx context.Context, slug string) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.Definition
	for _, d := range s.wfDefs {
		if slug != "" && d.Slug != slug {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slug != out[j].Slug {
			return out[i].Slug < out[j].Slug
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// --- workflow runs ---

func (s *Store) CreateWorkflowRun(ctx context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = workflow.RunPending
	}
	if run.Context == nil {
		run.Context = workflow.NewRunContext()
	}
	now := s.now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	cp := *run
	s.wfRuns[run.ID] = &cp
	return nil
}

func (s *Store) GetWorkflowRun(ctx context.Context, id string) (*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.wfRuns[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow run", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListWorkflowRuns(ctx context.Context, filter store.WorkflowRunFilter) ([]*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.Run
	for _, r := range s.wfRuns {
		if filter.Slug != "" && r.Slug != filter.Slug {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.TriggeredBy != "" && r.TriggeredBy != filter.TriggeredBy {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) ClaimWorkflowRun(ctx context.Context, id string, startedAt time.Time) (*workflow.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.wfRuns[id]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "workflow run", ID: id}
	}
	if r.Status != workflow.RunPending {
		cp := *r
		return &cp, false, nil
	}

	r.Status = workflow.RunRunning
	at := startedAt.UTC()
	r.StartedAt = &at
	r.UpdatedAt = s.now().UTC()

	cp := *r
	return &cp, true, nil
}

func (s *Store) CompleteWorkflowRun(ctx context.Context, id string, status workflow.RunStatus, errMsg string, completedAt time.Time) (*workflow.Run, bool, error) {
	if !status.IsTerminal() {
		return nil, false, &errors.ValidationError{
			Field:   "status",
			Message: "complete requires a terminal status",
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.wfRuns[id]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "workflow run", ID: id}
	}
	if r.Status != workflow.RunRunning {
		cp := *r
		return &cp, false, nil
	}

	r.Status = status
	r.ErrorMessage = errMsg
	at := completedAt.UTC()
	r.CompletedAt = &at
	if r.StartedAt != nil {
		r.DurationMs = at.Sub(*r.StartedAt).Milliseconds()
	}
	r.UpdatedAt = s.now().UTC()

	cp := *r
	return &cp, true, nil
}

func (s *Store) RequestWorkflowRunCancel(ctx context.Context, id string) (*workflow.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.wfRuns[id]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "workflow run", ID: id}
	}
	if r.Status.IsTerminal() {
		cp := *r
		return &cp, false, nil
	}

	now := s.now().UTC()
	if r.Status == workflow.RunPending {
		// Never claimed; cancel immediately.
		r.Status = workflow.RunCanceled
		r.CompletedAt = &now
	}
	r.CancelRequested = true
	r.UpdatedAt = now

	cp := *r
	return &cp, true, nil
}

func (s *Store) UpdateWorkflowRunContext(ctx context.Context, id string, rc *workflow.RunContext, currentStepID string, currentStepIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.wfRuns[id]
	if !ok {
		return &errors.NotFoundError{Resource: "workflow run", ID: id}
	}
	r.Context = rc.Clone()
	r.CurrentStepID = currentStepID
	r.CurrentStepIndex = currentStepIndex
	r.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) ListRunningWorkflowRuns(ctx context.Context, updatedBefore time.Time) ([]*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.Run
	for _, r := range s.wfRuns {
		if r.Status != workflow.RunRunning {
			continue
		}
		if !r.UpdatedAt.Before(updatedBefore) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) CountActiveRunsForTrigger(ctx context.Context, triggerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.wfRuns {
		if r.Status.IsTerminal() {
			continue
		}
		if r.Trigger == nil {
			continue
		}
		if id, _ := r.Trigger["triggerId"].(string); id == triggerID {
			count++
		}
	}
	return count, nil
}

// --- run steps ---

func (s *Store) CreateRunStep(ctx context.Context, step *workflow.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = workflow.StepPending
	}
	now := s.now().UTC()
	step.CreatedAt = now
	step.UpdatedAt = now

	cp := *step
	s.runSteps[step.ID] = &cp
	return nil
}

func (s *Store) GetRunStep(ctx context.Context, id string) (*workflow.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.runSteps[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow run step", ID: id}
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]*workflow.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.RunStep
	for _, st := range s.runSteps {
		if st.WorkflowRunID != runID {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) StartRunStep(ctx context.Context, id string, startedAt time.Time) (*workflow.RunStep, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.runSteps[id]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "workflow run step", ID: id}
	}
	switch st.Status {
	case workflow.StepPending:
		st.Status = workflow.StepRunning
		at := startedAt.UTC()
		st.StartedAt = &at
		if st.Attempt == 0 {
			st.Attempt = 1
		}
		st.UpdatedAt = s.now().UTC()
	case workflow.StepRunning:
		// Reissue after a crash: same attempt, keep going.
	default:
		cp := *st
		return &cp, false, nil
	}

	cp := *st
	return &cp, true, nil
}

func (s *Store) CompleteRunStep(ctx context.Context, id string, result store.StepResult) (*workflow.RunStep, bool, error) {
	if !result.Status.IsTerminal() {
		return nil, false, &errors.ValidationError{
			Field:   "status",
			Message: "complete requires a terminal status",
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.runSteps[id]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "workflow run step", ID: id}
	}
	if st.Status != workflow.StepRunning {
		cp := *st
		return &cp, false, nil
	}

	st.Status = result.Status
	st.Output = result.Output
	st.ErrorMessage = result.ErrorMessage
	if result.Metrics != nil {
		st.Metrics = mergeMaps(st.Metrics, result.Metrics)
	}
	st.ProducedAssets = result.ProducedAssets
	at := result.CompletedAt.UTC()
	st.CompletedAt = &at
	st.UpdatedAt = s.now().UTC()

	cp := *st
	return &cp, true, nil
}

func (s *Store) SkipRunStep(ctx context.Context, id string, reason string) (*workflow.RunStep, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.runSteps[id]
	if !ok {
		return nil, false, &errors.NotFoundError{Resource: "workflow run step", ID: id}
	}
	if st.Status != workflow.StepPending {
		cp := *st
		return &cp, false, nil
	}

	now := s.now().UTC()
	st.Status = workflow.StepSkipped
	st.ErrorMessage = reason
	st.CompletedAt = &now
	st.UpdatedAt = now

	cp := *st
	return &cp, true, nil
}

// --- helpers ---

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
