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

package events

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Cursor marks a position in the event log for pagination. Ordering is
// (occurredAt, id) so ties on the timestamp stay stable.
type Cursor struct {
	OccurredAt time.Time
	ID         string
}

const cursorVersion = "v1"

// cursorWire is the JSON body carried inside the base64url token.
type cursorWire struct {
	V          string    `json:"v"`
	OccurredAt time.Time `json:"occurredAt"`
	ID         string    `json:"id"`
}

// Encode renders the cursor as an opaque URL-safe token: base64url over
// a versioned JSON document.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(cursorWire{
		V:          cursorVersion,
		OccurredAt: c.OccurredAt.UTC(),
		ID:         c.ID,
	})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by Encode. Anything else — bad
// base64, non-JSON, an unknown version, a missing field — decodes to
// nil, and callers restart pagination from the beginning.
func DecodeCursor(token string) *Cursor {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Tolerate encoders that pad.
		raw, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return nil
		}
	}

	var w cursorWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil
	}
	if w.V != cursorVersion || w.ID == "" || w.OccurredAt.IsZero() {
		return nil
	}
	return &Cursor{OccurredAt: w.OccurredAt.UTC(), ID: w.ID}
}
