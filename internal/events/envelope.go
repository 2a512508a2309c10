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

// Package events defines the event envelope, the ingest cursor codec, and
// the in-process lifecycle bus.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foundry/pkg/errors"
)

// Envelope is a normalized ingested event.
type Envelope struct {
	// ID uniquely identifies the event. Assigned at ingest when absent.
	ID string `json:"id"`

	// Type is the event type triggers subscribe to.
	Type string `json:"type"`

	// Source names the producing system.
	Source string `json:"source"`

	// Payload is the event body.
	Payload map[string]any `json:"payload,omitempty"`

	// CorrelationID threads related events together.
	CorrelationID string `json:"correlationId,omitempty"`

	// OccurredAt is the producer timestamp; defaults to IngestedAt.
	// The event log is ordered by (occurredAt, id).
	OccurredAt time.Time `json:"occurredAt"`

	// IngestedAt records when the ingest path accepted the event.
	IngestedAt time.Time `json:"ingestedAt"`
}

// Normalize validates and fills an envelope in place. Type and source are
// required after trimming; a missing id gets a UUID and a missing
// occurredAt falls back to the ingest time.
func Normalize(e *Envelope, now time.Time) error {
	e.Type = strings.TrimSpace(e.Type)
	e.Source = strings.TrimSpace(e.Source)

	if e.Type == "" {
		return &errors.ValidationError{
			Field:   "type",
			Message: "event type is required",
		}
	}
	if e.Source == "" {
		return &errors.ValidationError{
			Field:   "source",
			Message: "event source is required",
		}
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.IngestedAt = now.UTC()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.IngestedAt
	} else {
		e.OccurredAt = e.OccurredAt.UTC()
	}
	return nil
}
