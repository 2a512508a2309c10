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

// Package scaling adjusts worker-pool concurrency from a desired-state
// feed: persisted scaling rows plus scaling.desired bus events.
package scaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
)

// Pools is the worker-pool surface the agent drives. Setting a
// concurrency of zero pauses the queue and lets in-flight work drain.
type Pools interface {
	SetConcurrency(queue string, n int)
}

// Target binds one scaling key to a queue with its bounds.
type Target struct {
	// Key names the target in snapshots and persisted rows.
	Key string

	// Queue is the worker pool the target controls.
	Queue string

	// Default applies at startup before any snapshot arrives.
	Default int

	// Min and Max clamp non-zero desired values. Zero always means
	// pause regardless of Min.
	Min int
	Max int

	// RateLimit debounces snapshot bursts; within the window only the
	// last value is applied, after the window elapses.
	RateLimit time.Duration
}

// Snapshot is one desired-state observation for a target.
type Snapshot struct {
	Target  string `json:"target"`
	Desired int    `json:"desired"`
	Reason  string `json:"reason,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Config tunes the agent.
type Config struct {
	Targets []Target

	// PollInterval re-reads persisted scaling rows as a safety net for
	// missed events.
	PollInterval time.Duration
}

type targetState struct {
	cfg Target

	applied     int
	paused      bool
	lastApplied time.Time

	// pending holds the newest deferred value while the rate limit
	// window is open.
	pending *Snapshot
	timer   *time.Timer
}

// Agent applies desired concurrency to worker pools with per-target
// clamping and debouncing, and persists what it applied.
type Agent struct {
	store  store.ScalingStore
	pools  Pools
	bus    *events.Bus
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	targets map[string]*targetState

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	now func() time.Time
}

// New wires a scaling agent.
func New(st store.ScalingStore, pools Pools, bus *events.Bus, cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}

	targets := make(map[string]*targetState, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.Max <= 0 {
			t.Max = t.Default
		}
		if t.Min < 0 {
			t.Min = 0
		}
		targets[t.Key] = &targetState{cfg: t}
	}

	return &Agent{
		store:   st,
		pools:   pools,
		bus:     bus,
		logger:  log.WithComponent(logger, "scaling"),
		cfg:     cfg,
		targets: targets,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock, for tests.
func (a *Agent) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// Start applies defaults (or the last persisted state), subscribes to
// the desired-state feed, and begins the store poll.
func (a *Agent) Start(ctx context.Context) error {
	for key, st := range a.targets {
		desired := st.cfg.Default
		if row, err := a.store.GetScaling(ctx, st.cfg.Queue); err == nil {
			desired = row.DesiredConcurrency
			if row.Paused {
				desired = 0
			}
		} else {
			var notFound *errors.NotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
		}
		a.Apply(ctx, Snapshot{Target: key, Desired: desired, Source: "startup"})
	}

	if a.bus != nil {
		a.unsubscribe = a.bus.Subscribe(a.handleEvent, "scaling.desired")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.wg.Add(1)
	go a.pollLoop(loopCtx)
	return nil
}

// Stop halts the feed and the poll loop.
func (a *Agent) Stop() {
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()

	a.mu.Lock()
	for _, st := range a.targets {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	a.mu.Unlock()
}

func (a *Agent) pollLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

// poll reconciles against persisted rows, catching desired-state writes
// that bypassed the bus.
func (a *Agent) poll(ctx context.Context) {
	rows, err := a.store.ListScaling(ctx)
	if err != nil {
		a.logger.Warn("scaling poll failed", log.Error(err))
		return
	}
	byQueue := make(map[string]*store.ScalingState, len(rows))
	for _, row := range rows {
		byQueue[row.Queue] = row
	}

	a.mu.Lock()
	var snapshots []Snapshot
	for key, st := range a.targets {
		row, ok := byQueue[st.cfg.Queue]
		if !ok {
			continue
		}
		desired := row.DesiredConcurrency
		if row.Paused {
			desired = 0
		}
		current := st.applied
		if st.paused {
			current = 0
		}
		if desired != current {
			snapshots = append(snapshots, Snapshot{Target: key, Desired: desired, Source: "store"})
		}
	}
	a.mu.Unlock()

	for _, snap := range snapshots {
		a.Apply(ctx, snap)
	}
}

func (a *Agent) handleEvent(e events.LifecycleEvent) error {
	target, _ := e.Fields["target"].(string)
	desired, ok := intField(e.Fields["desired"])
	if target == "" || !ok {
		return nil
	}
	reason, _ := e.Fields["reason"].(string)
	source, _ := e.Fields["source"].(string)
	a.Apply(context.Background(), Snapshot{
		Target: target, Desired: desired, Reason: reason, Source: source,
	})
	return nil
}

// Apply feeds one snapshot through the per-target debounce. Within the
// rate-limit window the newest value wins and is applied when the
// window elapses.
func (a *Agent) Apply(ctx context.Context, snap Snapshot) {
	a.mu.Lock()
	st, ok := a.targets[snap.Target]
	if !ok {
		a.mu.Unlock()
		a.logger.Warn("snapshot for unknown scaling target",
			slog.String("target", snap.Target))
		return
	}

	now := a.now()
	if st.cfg.RateLimit > 0 && !st.lastApplied.IsZero() {
		if wait := st.cfg.RateLimit - now.Sub(st.lastApplied); wait > 0 {
			copied := snap
			st.pending = &copied
			if st.timer == nil {
				st.timer = time.AfterFunc(wait, func() { a.flush(snap.Target) })
			}
			a.mu.Unlock()
			return
		}
	}
	a.applyLocked(ctx, st, snap, now)
	a.mu.Unlock()
}

// flush applies the deferred snapshot once the rate-limit window ends.
func (a *Agent) flush(target string) {
	a.mu.Lock()
	st, ok := a.targets[target]
	if !ok || st.pending == nil {
		if ok {
			st.timer = nil
		}
		a.mu.Unlock()
		return
	}
	snap := *st.pending
	st.pending = nil
	st.timer = nil
	a.applyLocked(context.Background(), st, snap, a.now())
	a.mu.Unlock()
}

func (a *Agent) applyLocked(ctx context.Context, st *targetState, snap Snapshot, now time.Time) {
	desired := snap.Desired
	if desired > 0 {
		if desired < st.cfg.Min {
			desired = st.cfg.Min
		}
		if st.cfg.Max > 0 && desired > st.cfg.Max {
			desired = st.cfg.Max
		}
	}

	pause := desired == 0
	if st.applied == desired && st.paused == pause && !st.lastApplied.IsZero() {
		return
	}

	a.pools.SetConcurrency(st.cfg.Queue, desired)
	st.applied = desired
	st.paused = pause
	st.lastApplied = now

	if err := a.store.PutScaling(ctx, &store.ScalingState{
		Queue:              st.cfg.Queue,
		DesiredConcurrency: desired,
		Paused:             pause,
	}); err != nil {
		a.logger.Warn("scaling state persist failed",
			log.QueueKey, st.cfg.Queue, log.Error(err))
	}

	a.logger.Info("scaling applied",
		log.QueueKey, st.cfg.Queue,
		slog.Int("desired", desired),
		slog.Bool("paused", pause),
		slog.String("source", snap.Source))
}

// State reports the currently applied concurrency and pause flag for a
// target key.
func (a *Agent) State(target string) (applied int, paused bool, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, found := a.targets[target]
	if !found {
		return 0, false, false
	}
	return st.applied, st.paused, true
}

func intField(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
