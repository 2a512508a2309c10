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

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tombee/foundry/pkg/errors"
)

// Result is what a handler reports back to the runtime.
type Result struct {
	// Status is the terminal status the handler requests. Empty means
	// succeeded; handlers normally only set this to RunFailed to report a
	// soft failure without raising an error.
	Status RunStatus `json:"status,omitempty"`

	// Result is the run's output value.
	Result any `json:"result,omitempty"`

	// Metrics are merged into the run's metrics.
	Metrics map[string]any `json:"metrics,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
}

// UpdateFunc writes a partial metrics/context patch to the run record
// while the handler is still executing.
type UpdateFunc func(ctx context.Context, patch RunPatch) error

// RunPatch is a partial update a handler may apply mid-flight.
type RunPatch struct {
	Metrics map[string]any `json:"metrics,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// RunContext is passed to a handler for a single attempt.
// Handlers must not rely on process-local state surviving retries; anything
// that must survive goes through Update into the run's context.
type RunContext struct {
	// Parameters are the run's snapshotted parameters.
	Parameters map[string]any

	// Attempt is the current attempt number, starting at 1.
	Attempt int

	// Logger is scoped to the run.
	Logger *slog.Logger

	// Update persists a partial metrics/context patch.
	Update UpdateFunc
}

// Handler executes one attempt of a job run.
// Returning an error routes through the error taxonomy: retriable kinds
// reschedule the run, everything else is terminal.
type Handler func(ctx context.Context, rc *RunContext) (*Result, error)

// Registry maps job slugs to handlers. Handlers are registered once at
// process init; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job slug.
// Registering the same slug twice is a programming error.
func (r *Registry) Register(slug string, handler Handler) error {
	if slug == "" {
		return &errors.ValidationError{
			Field:   "slug",
			Message: "job slug is required",
		}
	}
	if handler == nil {
		return &errors.ValidationError{
			Field:   "handler",
			Message: fmt.Sprintf("handler for %s cannot be nil", slug),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[slug]; exists {
		return &errors.ValidationError{
			Field:      "slug",
			Message:    fmt.Sprintf("handler already registered for %s", slug),
			Suggestion: "register each job slug exactly once at process init",
		}
	}
	r.handlers[slug] = handler
	return nil
}

// Resolve returns the handler for a slug.
func (r *Registry) Resolve(slug string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[slug]
	if !ok {
		return nil, &errors.ValidationError{
			Field:      "slug",
			Message:    fmt.Sprintf("no handler registered for %s", slug),
			Suggestion: "register the handler before enqueuing runs for this job",
		}
	}
	return handler, nil
}

// Slugs returns the registered slugs, for introspection.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slugs := make([]string, 0, len(r.handlers))
	for slug := range r.handlers {
		slugs = append(slugs, slug)
	}
	return slugs
}
