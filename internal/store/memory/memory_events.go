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

package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/workflow"
)

type eventRow struct {
	envelope events.Envelope
}

func (s *Store) InsertEvent(ctx context.Context, e *events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "event id is required"}
	}
	if _, exists := s.events[e.ID]; exists {
		return &errors.ConflictError{Resource: "event", ID: e.ID}
	}

	s.events[e.ID] = &eventRow{envelope: *e}
	s.eventOrder = append(s.eventOrder, e.ID)
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*events.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.events[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "event", ID: id}
	}
	cp := row.envelope
	return &cp, nil
}

func (s *Store) ListEvents(ctx context.Context, filter store.EventFilter) ([]*events.Envelope, *events.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*events.Envelope, 0, len(s.eventOrder))
	for _, id := range s.eventOrder {
		all = append(all, &s.events[id].envelope)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].OccurredAt.Equal(all[j].OccurredAt) {
			return all[i].OccurredAt.Before(all[j].OccurredAt)
		}
		return all[i].ID < all[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*events.Envelope
	for _, e := range all {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.Source != "" && e.Source != filter.Source {
			continue
		}
		if filter.After != nil && !afterCursor(e, filter.After) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit+1 {
			break
		}
	}

	var next *events.Cursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &events.Cursor{OccurredAt: last.OccurredAt, ID: last.ID}
	}
	return out, next, nil
}

func afterCursor(e *events.Envelope, c *events.Cursor) bool {
	if e.OccurredAt.After(c.OccurredAt) {
		return true
	}
	return e.OccurredAt.Equal(c.OccurredAt) && e.ID > c.ID
}

// --- event triggers ---

func (s *Store) UpsertEventTrigger(ctx context.Context, rec *store.EventTriggerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if existing, ok := s.triggers[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	cp := *rec
	s.triggers[rec.ID] = &cp
	return nil
}

func (s *Store) GetEventTrigger(ctx context.Context, id string) (*store.EventTriggerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.triggers[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "event trigger", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (s *Store) DeleteEventTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[id]; !ok {
		return &errors.NotFoundError{Resource: "event trigger", ID: id}
	}
	delete(s.triggers, id)
	return nil
}

func (s *Store) ListEventTriggers(ctx context.Context, eventType string) ([]*store.EventTriggerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.EventTriggerRecord
	for _, t := range s.triggers {
		if eventType != "" && t.EventType != eventType {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- deliveries ---

func (s *Store) InsertDelivery(ctx context.Context, d *store.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = s.now().UTC()
	cp := *d
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, triggerID string, limit int) ([]*store.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Delivery
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		d := s.deliveries[i]
		if triggerID != "" && d.TriggerID != triggerID {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) FindDeliveryByDedupeKey(ctx context.Context, triggerID, dedupeKey string) (*store.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.deliveries) - 1; i >= 0; i-- {
		d := s.deliveries[i]
		if d.TriggerID == triggerID && d.DedupeKey == dedupeKey && d.Status == store.DeliveryLaunched {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) LastLaunchForThrottleKey(ctx context.Context, triggerID, throttleKey string, since time.Time) (*store.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.deliveries) - 1; i >= 0; i-- {
		d := s.deliveries[i]
		if d.TriggerID != triggerID || d.ThrottleKey != throttleKey {
			continue
		}
		if d.Status != store.DeliveryLaunched {
			continue
		}
		if d.CreatedAt.Before(since) {
			return nil, nil
		}
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

// --- schedules ---

func (s *Store) CreateSchedule(ctx context.Context, sched *workflow.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := s.now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	cp := *sched
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *workflow.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.schedules[sched.ID]
	if !ok {
		return &errors.NotFoundError{Resource: "schedule", ID: sched.ID}
	}
	sched.CreatedAt = existing.CreatedAt
	sched.UpdatedAt = s.now().UTC()

	cp := *sched
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*workflow.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	cp := *sched
	return &cp, nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	delete(s.schedules, id)
	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*workflow.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*workflow.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*workflow.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.Schedule
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.NextRunAt == nil {
			continue
		}
		if sched.NextRunAt.After(now) {
			continue
		}
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AdvanceSchedule(ctx context.Context, id string, cursor *time.Time, windowStart, windowEnd time.Time, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}

	sched.CatchupCursor = nil
	if cursor != nil {
		c := cursor.UTC()
		sched.CatchupCursor = &c
	}
	ws := windowStart.UTC()
	we := windowEnd.UTC()
	sched.LastWindowStart = &ws
	sched.LastWindowEnd = &we
	sched.NextRunAt = nextRunAt
	sched.UpdatedAt = s.now().UTC()
	return nil
}
