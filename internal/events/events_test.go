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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	e := &Envelope{Type: "  repo.push ", Source: " github "}
	require.NoError(t, Normalize(e, now))
	assert.Equal(t, "repo.push", e.Type)
	assert.Equal(t, "github", e.Source)
	assert.NotEmpty(t, e.ID, "missing id is assigned")
	assert.Equal(t, now, e.IngestedAt)
	assert.Equal(t, now, e.OccurredAt, "occurredAt falls back to ingest time")

	occurred := now.Add(-time.Hour)
	e2 := &Envelope{ID: "evt-1", Type: "repo.push", Source: "github", OccurredAt: occurred}
	require.NoError(t, Normalize(e2, now))
	assert.Equal(t, "evt-1", e2.ID)
	assert.Equal(t, occurred, e2.OccurredAt)

	assert.Error(t, Normalize(&Envelope{Source: "github"}, now))
	assert.Error(t, Normalize(&Envelope{Type: "repo.push"}, now))
	assert.Error(t, Normalize(&Envelope{Type: "   ", Source: "github"}, now))
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{
		OccurredAt: time.Date(2026, 8, 25, 12, 30, 0, 123456789, time.UTC),
		ID:         "evt-42",
	}

	decoded := DecodeCursor(c.Encode())
	require.NotNil(t, decoded)
	assert.True(t, c.OccurredAt.Equal(decoded.OccurredAt))
	assert.Equal(t, c.ID, decoded.ID)
}

func TestCursorTokenIsVersionedJSON(t *testing.T) {
	token := Cursor{
		OccurredAt: time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC),
		ID:         "evt-1",
	}.Encode()

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "v1", doc["v"])
	assert.Equal(t, "evt-1", doc["id"])
	assert.Equal(t, "2026-08-25T12:30:00Z", doc["occurredAt"])

	// A hand-built token in the same shape decodes too.
	handRolled := base64.RawURLEncoding.EncodeToString(
		[]byte(`{"v":"v1","occurredAt":"2026-08-25T12:30:00Z","id":"evt-1"}`))
	decoded := DecodeCursor(handRolled)
	require.NotNil(t, decoded)
	assert.Equal(t, "evt-1", decoded.ID)
}

func TestDecodeCursorMalformedIsNil(t *testing.T) {
	b64 := func(s string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(s))
	}
	for _, token := range []string{
		"not base64!!",
		b64(`{"v":"v2","occurredAt":"2026-08-25T12:30:00Z","id":"evt-1"}`), // unknown version
		b64(`{"occurredAt":"2026-08-25T12:30:00Z","id":"evt-1"}`),          // missing version
		b64(`{"v":"v1","id":"evt-1"}`),                                     // missing timestamp
		b64(`{"v":"v1","occurredAt":"2026-08-25T12:30:00Z"}`),              // missing id
		b64(`v1:123:evt-1`),                                                // not JSON
	} {
		assert.Nil(t, DecodeCursor(token), token)
	}
}

func TestBusFanOutOrder(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	bus.Subscribe(func(e LifecycleEvent) error {
		got = append(got, "a:"+e.Type)
		return nil
	})
	bus.Subscribe(func(e LifecycleEvent) error {
		got = append(got, "b:"+e.Type)
		return errors.New("subscriber failure is swallowed")
	})

	bus.Publish(LifecycleEvent{Type: "run.started"})
	bus.Publish(LifecycleEvent{Type: "run.succeeded"})

	assert.Equal(t, []string{
		"a:run.started", "b:run.started",
		"a:run.succeeded", "b:run.succeeded",
	}, got)
}

func TestBusTypeFilterAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	var filtered, all int
	cancel := bus.Subscribe(func(e LifecycleEvent) error {
		filtered++
		return nil
	}, "queue.mode_changed")
	bus.Subscribe(func(e LifecycleEvent) error {
		all++
		return nil
	})

	bus.Publish(LifecycleEvent{Type: "queue.mode_changed"})
	bus.Publish(LifecycleEvent{Type: "run.started"})
	assert.Equal(t, 1, filtered)
	assert.Equal(t, 2, all)

	cancel()
	bus.Publish(LifecycleEvent{Type: "queue.mode_changed"})
	assert.Equal(t, 1, filtered, "unsubscribed handler no longer fires")
	assert.Equal(t, 3, all)
}
