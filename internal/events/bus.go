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
	"log/slog"
	"sync"

	"github.com/tombee/foundry/internal/log"
)

// LifecycleEvent is an in-process notification about a state change:
// run transitions, queue mode switches, trigger launches, and the like.
type LifecycleEvent struct {
	// Type names the transition, e.g. "job_run.succeeded".
	Type string

	// Fields carry the event detail.
	Fields map[string]any
}

// Handler receives lifecycle events. A handler error is logged and
// swallowed; publication never fails because of a subscriber.
type Handler func(event LifecycleEvent) error

// Bus is a synchronous in-process publish/subscribe hub. Each publish
// invokes subscribers in registration order on the caller's goroutine, so
// a subscriber observes events in the order they were published.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	logger *slog.Logger
}

type subscription struct {
	id      int
	types   map[string]bool
	handler Handler
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: log.WithComponent(logger, "event-bus")}
}

// Subscribe registers a handler for the given event types. An empty type
// list subscribes to everything. The returned function removes the
// subscription.
func (b *Bus) Subscribe(handler Handler, types ...string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	sub := subscription{id: id, handler: handler}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.subs {
			if b.subs[i].id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every matching subscriber synchronously.
// Subscriber errors are logged, never propagated.
func (b *Bus) Publish(event LifecycleEvent) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		if err := sub.handler(event); err != nil {
			b.logger.Warn("event subscriber failed",
				log.EventKey, event.Type,
				log.Error(err))
		}
	}
}
