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

// Package leader elects a singleton schedule materializer through a
// TTL-guarded advisory lock and turns due cron schedules into workflow
// runs with catch-up semantics.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/store"
)

// DefaultLockName is the advisory lock guarding schedule leadership.
const DefaultLockName = "schedules-leader"

// ElectorConfig tunes the election loop.
type ElectorConfig struct {
	// LockName namespaces the advisory lock.
	LockName string

	// Owner identifies this process; defaults to a random id.
	Owner string

	// TTL is the lock lifetime; a crashed leader frees the lock after it
	// elapses. RetryInterval must stay well below TTL so a live leader
	// renews in time.
	TTL           time.Duration
	RetryInterval time.Duration
}

// Elector runs the candidate loop: acquire when free, renew while held,
// release on stop.
type Elector struct {
	locks  store.LockStore
	cfg    ElectorConfig
	logger *slog.Logger

	mu        sync.RWMutex
	leader    bool
	callbacks []func(leader bool)

	// renewFailingSince is touched only by the campaign goroutine.
	renewFailingSince time.Time
	now               func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewElector wires an elector; Start begins campaigning.
func NewElector(locks store.LockStore, cfg ElectorConfig, logger *slog.Logger) *Elector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultLockName
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 || cfg.RetryInterval >= cfg.TTL {
		cfg.RetryInterval = cfg.TTL / 6
	}
	return &Elector{
		locks: locks,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		logger: log.WithComponent(logger, "leader").With(
			slog.String("lock", cfg.LockName),
			slog.String("owner", cfg.Owner)),
	}
}

// Start launches the campaign loop.
func (e *Elector) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(loopCtx)
}

// Stop halts the loop and releases the lock if held.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.wg.Wait()

	if e.IsLeader() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.locks.ReleaseLock(ctx, e.cfg.LockName, e.cfg.Owner); err != nil {
			e.logger.Warn("lock release failed", log.Error(err))
		}
		e.setLeader(false)
	}
}

// IsLeader reports whether this process currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

// Owner returns the elector's lock owner id.
func (e *Elector) Owner() string { return e.cfg.Owner }

// OnChange registers a callback invoked on every leadership transition.
func (e *Elector) OnChange(fn func(leader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

func (e *Elector) run(ctx context.Context) {
	defer e.wg.Done()

	e.campaign(ctx)

	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.campaign(ctx)
		}
	}
}

// campaign makes one acquire-or-renew attempt.
func (e *Elector) campaign(ctx context.Context) {
	if e.IsLeader() {
		held, err := e.locks.RenewLock(ctx, e.cfg.LockName, e.cfg.Owner, e.cfg.TTL)
		if err != nil {
			// Once renewal errors have spanned the TTL the lease may
			// have lapsed and another node can hold it; keeping the
			// leader flag would let two nodes act at once.
			if e.renewFailingSince.IsZero() {
				e.renewFailingSince = e.now()
			}
			e.logger.Warn("lock renewal failed", log.Error(err))
			if e.now().Sub(e.renewFailingSince) >= e.cfg.TTL {
				e.logger.Warn("leadership yielded after sustained renewal failures")
				e.renewFailingSince = time.Time{}
				e.setLeader(false)
			}
			return
		}
		e.renewFailingSince = time.Time{}
		if !held {
			e.logger.Warn("leadership lost")
			e.setLeader(false)
		}
		return
	}

	acquired, err := e.locks.TryAcquireLock(ctx, e.cfg.LockName, e.cfg.Owner, e.cfg.TTL)
	if err != nil {
		e.logger.Warn("lock acquisition failed", log.Error(err))
		return
	}
	if acquired {
		e.logger.Info("leadership acquired")
		e.setLeader(true)
	}
}

func (e *Elector) setLeader(leader bool) {
	e.mu.Lock()
	changed := e.leader != leader
	e.leader = leader
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range callbacks {
		fn(leader)
	}
}
