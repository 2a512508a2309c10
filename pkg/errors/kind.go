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
	"context"
	"errors"
	"net"
)

// Kind classifies an error for retry and propagation decisions.
// The classification is by behavior, not by concrete type name: any error
// in the tree that matches one of the taxonomy types determines the kind.
type Kind string

const (
	// KindValidation marks bad input: never retried, surfaced as the
	// run's error message.
	KindValidation Kind = "validation"

	// KindPrecondition marks an entity in the wrong status for the
	// requested operation.
	KindPrecondition Kind = "precondition"

	// KindRetriable marks transient I/O failures eligible for retry.
	KindRetriable Kind = "retriable"

	// KindTimeout marks an exceeded deadline.
	KindTimeout Kind = "timeout"

	// KindConflict marks a lost conditional update; handled locally.
	KindConflict Kind = "conflict"

	// KindNotFound marks a missing entity.
	KindNotFound Kind = "not_found"

	// KindFatal marks invariant violations; logged, never retried.
	KindFatal Kind = "fatal"
)

// KindOf classifies err into the error taxonomy.
// Unrecognized errors default to KindRetriable: an unknown failure from a
// handler is assumed transient so the retry policy gets a chance, which
// matches how network and driver errors surface without wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return KindValidation
	}

	var preconditionErr *PreconditionError
	if errors.As(err, &preconditionErr) {
		return KindPrecondition
	}

	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return KindConflict
	}

	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return KindNotFound
	}

	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return KindFatal
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return KindRetriable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRetriable
	}

	return KindRetriable
}

// IsRetriable reports whether the retry policy applies to err.
// Only transient I/O failures are retried; timeouts terminate the run as
// expired and everything else is terminal on first occurrence.
func IsRetriable(err error) bool {
	return KindOf(err) == KindRetriable
}

// Truncate bounds an error message for persistence.
// Terminal failure messages are stored with the last message truncated
// to maxLen runes.
func Truncate(msg string, maxLen int) string {
	if maxLen <= 0 || len(msg) <= maxLen {
		return msg
	}
	runes := []rune(msg)
	if len(runes) <= maxLen {
		return msg
	}
	return string(runes[:maxLen-3]) + "..."
}
