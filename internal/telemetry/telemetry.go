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

// Package telemetry exposes queue and run metrics through Prometheus and
// an in-process snapshot for the API.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline owns the metric collectors. Collectors live on a private
// registry so a queue-mode switch can dispose and rebuild them without
// leaking series from the previous mode.
type Pipeline struct {
	mu       sync.RWMutex
	registry *prometheus.Registry

	enqueued   *prometheus.CounterVec
	completed  *prometheus.CounterVec
	retried    *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	workers    *prometheus.GaugeVec
	duration   *prometheus.HistogramVec

	snapshot Snapshot
}

// Snapshot is the point-in-time counter view served by the API. It
// survives scrapes but not disposal.
type Snapshot struct {
	Enqueued  map[string]int64 `json:"enqueued"`
	Completed map[string]int64 `json:"completed"`
	Retried   map[string]int64 `json:"retried"`
	Depth     map[string]int64 `json:"depth"`
	Workers   map[string]int64 `json:"workers"`
}

// New builds a pipeline with fresh collectors.
func New() *Pipeline {
	p := &Pipeline{}
	p.rebuild()
	return p
}

func (p *Pipeline) rebuild() {
	p.registry = prometheus.NewRegistry()

	p.enqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Messages enqueued per queue.",
	}, []string{"queue"})
	p.completed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Subsystem: "queue",
		Name:      "completed_total",
		Help:      "Messages completed per queue and terminal status.",
	}, []string{"queue", "status"})
	p.retried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Subsystem: "queue",
		Name:      "retried_total",
		Help:      "Retry reschedules per queue.",
	}, []string{"queue"})
	p.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "foundry",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending messages per queue.",
	}, []string{"queue"})
	p.workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "foundry",
		Subsystem: "queue",
		Name:      "workers",
		Help:      "Active workers per queue.",
	}, []string{"queue"})
	p.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "foundry",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Run execution time per queue.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"queue"})

	p.registry.MustRegister(p.enqueued, p.completed, p.retried,
		p.queueDepth, p.workers, p.duration)

	p.snapshot = Snapshot{
		Enqueued:  make(map[string]int64),
		Completed: make(map[string]int64),
		Retried:   make(map[string]int64),
		Depth:     make(map[string]int64),
		Workers:   make(map[string]int64),
	}
}

// Registry exposes the current collectors for a /metrics handler.
func (p *Pipeline) Registry() *prometheus.Registry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.registry
}

// Reset disposes all collectors and counters, for queue-mode switches.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebuild()
}

// RecordEnqueued counts a message placed on a queue.
func (p *Pipeline) RecordEnqueued(queue string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued.WithLabelValues(queue).Inc()
	p.snapshot.Enqueued[queue]++
	p.snapshot.Depth[queue]++
	p.queueDepth.WithLabelValues(queue).Inc()
}

// RecordCompleted counts a message reaching a terminal status and records
// its execution time.
func (p *Pipeline) RecordCompleted(queue, status string, seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed.WithLabelValues(queue, status).Inc()
	p.duration.WithLabelValues(queue).Observe(seconds)
	p.snapshot.Completed[queue+":"+status]++
	if p.snapshot.Depth[queue] > 0 {
		p.snapshot.Depth[queue]--
	}
	p.queueDepth.WithLabelValues(queue).Dec()
}

// RecordRetried counts a retry reschedule. The message stays on the
// queue, so depth is unchanged.
func (p *Pipeline) RecordRetried(queue string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retried.WithLabelValues(queue).Inc()
	p.snapshot.Retried[queue]++
}

// SetWorkers records the live worker count for a queue.
func (p *Pipeline) SetWorkers(queue string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers.WithLabelValues(queue).Set(float64(n))
	p.snapshot.Workers[queue] = int64(n)
}

// Snapshot returns a copy of the counter view.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := Snapshot{
		Enqueued:  make(map[string]int64, len(p.snapshot.Enqueued)),
		Completed: make(map[string]int64, len(p.snapshot.Completed)),
		Retried:   make(map[string]int64, len(p.snapshot.Retried)),
		Depth:     make(map[string]int64, len(p.snapshot.Depth)),
		Workers:   make(map[string]int64, len(p.snapshot.Workers)),
	}
	for k, v := range p.snapshot.Enqueued {
		out.Enqueued[k] = v
	}
	for k, v := range p.snapshot.Completed {
		out.Completed[k] = v
	}
	for k, v := range p.snapshot.Retried {
		out.Retried[k] = v
	}
	for k, v := range p.snapshot.Depth {
		out.Depth[k] = v
	}
	for k, v := range p.snapshot.Workers {
		out.Workers[k] = v
	}
	return out
}
