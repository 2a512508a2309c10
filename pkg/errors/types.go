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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, unknown slugs,
// or unresolved template paths. Validation errors are never retried.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "job run", "workflow definition")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// PreconditionError represents an entity being in the wrong status for
// the requested operation (e.g., stopping a launch that is not running).
// The caller sees a 409-equivalent; no state was mutated beyond what the
// conditional update performed.
type PreconditionError struct {
	// Resource is the type of resource
	Resource string

	// ID is the entity identifier
	ID string

	// Status is the entity's current status
	Status string

	// Want describes the status the operation requires
	Want string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s %s is %s, want %s", e.Resource, e.ID, e.Status, e.Want)
}

// ConflictError represents losing a race on a conditional update.
// Conflicts are handled locally (the loser re-reads or returns nil) and
// are never surfaced to callers as failures.
type ConflictError struct {
	// Resource is the type of resource
	Resource string

	// ID is the entity identifier
	ID string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conditional update on %s %s lost the race", e.Resource, e.ID)
}

// IOError represents retriable infrastructure failures: queue, database,
// and HTTP network errors. Retry policies apply to this kind.
type IOError struct {
	// Op describes the operation that failed (e.g., "enqueue", "update job run")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *IOError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("%v", e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *IOError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// A job run that hits its timeout is marked expired with this error.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "job run", "service step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// FatalError represents invariant violations: unknown statuses, corrupt
// step graphs, impossible states. The run is failed with a generic
// message and never retried.
type FatalError struct {
	// Message describes the violated invariant
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error {
	return e.Cause
}
