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

package triggers

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/foundry/internal/events"
)

// Admission is the registry's verdict for one event.
type Admission struct {
	Allowed bool
	Reason  string
	Until   time.Time
}

// Admission denial reasons.
const (
	ReasonRateLimit = "rate_limit"
	ReasonPaused    = "paused"
)

// SourceMetrics tracks per-source ingest accounting.
type SourceMetrics struct {
	Total       int64     `json:"total"`
	Throttled   int64     `json:"throttled"`
	Dropped     int64     `json:"dropped"`
	Failures    int64     `json:"failures"`
	LastEventAt time.Time `json:"lastEventAt"`
	LagMs       int64     `json:"lagMs"`
	MaxLagMs    int64     `json:"maxLagMs"`
}

type sourceState struct {
	limiter    *rate.Limiter
	pausedTill time.Time
	metrics    SourceMetrics
}

// SourceRegistry admits events per source: a token-bucket rate limit
// plus an operator pause switch.
type SourceRegistry struct {
	mu      sync.Mutex
	sources map[string]*sourceState

	limit rate.Limit
	burst int

	now func() time.Time
}

// NewSourceRegistry builds a registry. A zero limit disables rate
// limiting.
func NewSourceRegistry(limit rate.Limit, burst int) *SourceRegistry {
	if burst < 1 {
		burst = 1
	}
	return &SourceRegistry{
		sources: make(map[string]*sourceState),
		limit:   limit,
		burst:   burst,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock, for tests.
func (r *SourceRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *SourceRegistry) state(source string) *sourceState {
	s, ok := r.sources[source]
	if !ok {
		s = &sourceState{}
		if r.limit > 0 {
			s.limiter = rate.NewLimiter(r.limit, r.burst)
		}
		r.sources[source] = s
	}
	return s
}

// RegisterEvent accounts one envelope and returns the admission verdict.
func (r *SourceRegistry) RegisterEvent(e *events.Envelope) Admission {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := r.state(e.Source)

	s.metrics.Total++
	s.metrics.LastEventAt = e.IngestedAt
	lag := e.IngestedAt.Sub(e.OccurredAt).Milliseconds()
	if lag < 0 {
		lag = 0
	}
	s.metrics.LagMs = lag
	if lag > s.metrics.MaxLagMs {
		s.metrics.MaxLagMs = lag
	}

	if now.Before(s.pausedTill) {
		s.metrics.Dropped++
		return Admission{Reason: ReasonPaused, Until: s.pausedTill}
	}
	if s.limiter != nil && !s.limiter.AllowN(now, 1) {
		s.metrics.Throttled++
		return Admission{Reason: ReasonRateLimit}
	}
	return Admission{Allowed: true}
}

// Pause stops admitting events from a source until the given time.
func (r *SourceRegistry) Pause(source string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(source).pausedTill = until
}

// RecordFailure bumps the source's failure counter.
func (r *SourceRegistry) RecordFailure(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(source).metrics.Failures++
}

// Metrics returns a copy of the per-source accounting.
func (r *SourceRegistry) Metrics() map[string]SourceMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]SourceMetrics, len(r.sources))
	for name, s := range r.sources {
		out[name] = s.metrics
	}
	return out
}
