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

// Package queue provides the dual-mode work queue: inline synchronous
// dispatch for single-process deployments and Redis-backed worker pools
// for distributed ones.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/telemetry"
	"github.com/tombee/foundry/pkg/errors"
)

// Mode selects the dispatch strategy.
type Mode string

const (
	// ModeInline runs handlers synchronously on the enqueuing goroutine.
	ModeInline Mode = "inline"

	// ModeRedis pushes messages to Redis lists consumed by worker pools.
	ModeRedis Mode = "redis"
)

// Well-known queue names.
const (
	QueueIngest        = "ingest"
	QueueBuild         = "build"
	QueueLaunch        = "launch"
	QueueWorkflow      = "workflow"
	QueueEvent         = "event"
	QueueEventTrigger  = "event-trigger"
	QueueExampleBundle = "example-bundle"
	QueueAssetExpiry   = "asset-expiry"
)

// KnownQueues lists every queue the manager provisions by default.
var KnownQueues = []string{
	QueueIngest, QueueBuild, QueueLaunch, QueueWorkflow,
	QueueEvent, QueueEventTrigger, QueueExampleBundle, QueueAssetExpiry,
}

// Message is one unit of queued work.
type Message struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`

	// Kind routes within a queue, e.g. "job-run" or "workflow-run".
	Kind string `json:"kind"`

	Payload map[string]any `json:"payload,omitempty"`

	// Attempt counts queue-level delivery attempts, starting at 1.
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Handler processes one message. Errors on the final attempt drop the
// message; earlier attempts requeue it.
type Handler func(ctx context.Context, msg *Message) error

// RedisConfig configures the distributed mode.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix defaults to "foundry:queue:".
	KeyPrefix string
}

// Config configures the manager.
type Config struct {
	Mode  Mode
	Redis RedisConfig

	// DefaultConcurrency is the per-queue worker count in redis mode.
	DefaultConcurrency int
}

// Manager owns handler registration, dispatch, and the mode switch.
type Manager struct {
	mu sync.Mutex

	mode     Mode
	cfg      Config
	handlers map[string]Handler

	client *redis.Client
	pools  map[string]*workerPool

	paused map[string]bool

	tele   *telemetry.Pipeline
	bus    *events.Bus
	logger *slog.Logger

	started bool
}

// NewManager creates a manager in the configured mode. Handlers must be
// registered before Start.
func NewManager(cfg Config, tele *telemetry.Pipeline, bus *events.Bus, logger *slog.Logger) *Manager {
	if cfg.Mode == "" {
		cfg.Mode = ModeInline
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 2
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "foundry:queue:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		mode:     cfg.Mode,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		pools:    make(map[string]*workerPool),
		paused:   make(map[string]bool),
		tele:     tele,
		bus:      bus,
		logger:   log.WithComponent(logger, "queue"),
	}
}

// Mode returns the active dispatch mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// RegisterHandler binds the handler for a queue.
func (m *Manager) RegisterHandler(queue string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return &errors.PreconditionError{
			Resource: "queue manager",
			ID:       queue,
			Status:   "started",
			Want:     "stopped",
		}
	}
	if _, exists := m.handlers[queue]; exists {
		return &errors.ValidationError{
			Field:   "queue",
			Message: fmt.Sprintf("handler already registered for queue %s", queue),
		}
	}
	m.handlers[queue] = h
	return nil
}

// Start connects to Redis and launches worker pools when in redis mode.
// Inline mode has nothing to start but still flips the started flag so
// late registration is rejected consistently.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	if m.mode == ModeRedis {
		if err := m.connectLocked(ctx); err != nil {
			return err
		}
		m.startPoolsLocked()
	}
	m.started = true
	return nil
}

// Stop drains worker pools and closes the Redis connection. Draining
// happens outside the lock: in-flight handlers may requeue, which needs
// the lock themselves.
func (m *Manager) Stop() {
	m.mu.Lock()
	pools, client := m.detachLocked()
	m.started = false
	m.mu.Unlock()

	drain(pools, client)
}

// detachLocked takes ownership of the pools and client so the caller
// can drain them after releasing the lock.
func (m *Manager) detachLocked() ([]*workerPool, *redis.Client) {
	pools := make([]*workerPool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	m.pools = make(map[string]*workerPool)
	client := m.client
	m.client = nil
	return pools, client
}

func drain(pools []*workerPool, client *redis.Client) {
	for _, pool := range pools {
		pool.stop()
	}
	if client != nil {
		client.Close()
	}
}

func (m *Manager) connectLocked(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     m.cfg.Redis.Addr,
		Password: m.cfg.Redis.Password,
		DB:       m.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return errors.IO("redis connect", err)
	}
	m.client = client
	return nil
}

func (m *Manager) startPoolsLocked() {
	for queue, handler := range m.handlers {
		concurrency := m.cfg.DefaultConcurrency
		if m.paused[queue] {
			concurrency = 0
		}
		pool := newWorkerPool(m, queue, handler, concurrency)
		m.pools[queue] = pool
		pool.start()
		if m.tele != nil {
			m.tele.SetWorkers(queue, concurrency)
		}
	}
}

// SwitchMode disposes the current dispatch machinery, resets telemetry,
// and rebuilds in the new mode. In-flight inline work is unaffected;
// redis workers drain first.
func (m *Manager) SwitchMode(ctx context.Context, mode Mode) error {
	if mode != ModeInline && mode != ModeRedis {
		return &errors.ValidationError{
			Field:   "mode",
			Message: fmt.Sprintf("unknown queue mode %q", mode),
		}
	}

	m.mu.Lock()
	if mode == m.mode {
		m.mu.Unlock()
		return nil
	}

	previous := m.mode
	pools, client := m.detachLocked()
	m.mode = mode
	m.mu.Unlock()

	drain(pools, client)
	if m.tele != nil {
		m.tele.Reset()
	}

	m.mu.Lock()
	if m.started && mode == ModeRedis {
		if err := m.connectLocked(ctx); err != nil {
			// Roll back so the control plane keeps dispatching.
			m.mode = previous
			m.mu.Unlock()
			return err
		}
		m.startPoolsLocked()
	}
	m.mu.Unlock()

	m.logger.Info("queue mode switched",
		slog.String("from", string(previous)),
		slog.String("to", string(mode)))
	if m.bus != nil {
		m.bus.Publish(events.LifecycleEvent{
			Type: "queue.mode_changed",
			Fields: map[string]any{
				"from": string(previous),
				"to":   string(mode),
			},
		})
	}
	return nil
}

// Enqueue places a message. Inline mode dispatches synchronously: the
// handler runs to completion before Enqueue returns.
func (m *Manager) Enqueue(ctx context.Context, msg *Message) error {
	if msg.Queue == "" {
		return &errors.ValidationError{Field: "queue", Message: "queue name is required"}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}
	if msg.MaxAttempts < 1 {
		msg.MaxAttempts = 1
	}
	msg.EnqueuedAt = time.Now().UTC()

	m.mu.Lock()
	mode := m.mode
	handler := m.handlers[msg.Queue]
	client := m.client
	prefix := m.cfg.Redis.KeyPrefix
	m.mu.Unlock()

	if m.tele != nil {
		m.tele.RecordEnqueued(msg.Queue)
	}

	switch mode {
	case ModeInline:
		if handler == nil {
			m.recordDrop(msg, "no handler registered")
			return &errors.ValidationError{
				Field:   "queue",
				Message: fmt.Sprintf("no handler registered for queue %s", msg.Queue),
			}
		}
		m.dispatch(ctx, msg, handler)
		return nil
	case ModeRedis:
		if client == nil {
			return &errors.PreconditionError{
				Resource: "queue manager",
				ID:       msg.Queue,
				Status:   "disconnected",
				Want:     "connected",
			}
		}
		body, err := encodeMessage(msg)
		if err != nil {
			return err
		}
		if err := client.RPush(ctx, prefix+msg.Queue, body).Err(); err != nil {
			return errors.IO("redis rpush", err)
		}
		return nil
	default:
		return &errors.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown queue mode %q", mode)}
	}
}

// EnqueueAfter delays an enqueue. The timer runs in process; a crash
// before it fires loses the delay but not the underlying record, which
// recovery sweeps re-dispatch.
func (m *Manager) EnqueueAfter(ctx context.Context, msg *Message, delay time.Duration) {
	if delay <= 0 {
		if err := m.Enqueue(ctx, msg); err != nil {
			m.logger.Error("delayed enqueue failed", log.QueueKey, msg.Queue, log.Error(err))
		}
		return
	}
	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := m.Enqueue(ctx, msg); err != nil {
			m.logger.Error("delayed enqueue failed", log.QueueKey, msg.Queue, log.Error(err))
		}
	}()
}

// dispatch runs the handler and applies queue-level retry accounting.
func (m *Manager) dispatch(ctx context.Context, msg *Message, handler Handler) {
	start := time.Now()
	err := handler(ctx, msg)
	elapsed := time.Since(start).Seconds()

	if err == nil {
		if m.tele != nil {
			m.tele.RecordCompleted(msg.Queue, "succeeded", elapsed)
		}
		return
	}

	if msg.Attempt < msg.MaxAttempts {
		m.logger.Warn("queue handler failed, requeueing",
			log.QueueKey, msg.Queue,
			log.AttemptKey, msg.Attempt,
			log.Error(err))
		if m.tele != nil {
			m.tele.RecordRetried(msg.Queue)
			// The completed/requeue pair keeps depth balanced.
			m.tele.RecordCompleted(msg.Queue, "requeued", elapsed)
		}
		retry := *msg
		retry.Attempt++
		if enqErr := m.Enqueue(ctx, &retry); enqErr != nil {
			m.logger.Error("requeue failed", log.QueueKey, msg.Queue, log.Error(enqErr))
		}
		return
	}

	m.logger.Error("queue handler failed",
		log.QueueKey, msg.Queue,
		log.AttemptKey, msg.Attempt,
		log.Error(err))
	if m.tele != nil {
		m.tele.RecordCompleted(msg.Queue, "failed", elapsed)
	}
}

func (m *Manager) recordDrop(msg *Message, reason string) {
	m.logger.Error("message dropped", log.QueueKey, msg.Queue, slog.String("reason", reason))
	if m.tele != nil {
		m.tele.RecordCompleted(msg.Queue, "dropped", 0)
	}
}

// SetConcurrency resizes a queue's worker pool. Zero pauses the queue.
// Inline mode records the pause but always executes with concurrency 1.
func (m *Manager) SetConcurrency(queue string, n int) {
	m.mu.Lock()
	m.paused[queue] = n == 0

	if m.mode != ModeRedis || !m.started {
		m.mu.Unlock()
		return
	}
	handler := m.handlers[queue]
	if handler == nil {
		m.mu.Unlock()
		return
	}
	old := m.pools[queue]
	delete(m.pools, queue)
	m.mu.Unlock()

	if old != nil {
		old.stop()
	}

	m.mu.Lock()
	if m.started && m.mode == ModeRedis && m.client != nil {
		pool := newWorkerPool(m, queue, handler, n)
		m.pools[queue] = pool
		pool.start()
	}
	m.mu.Unlock()

	if m.tele != nil {
		m.tele.SetWorkers(queue, n)
	}
}

// Depth returns the pending message count for a queue in redis mode.
// Inline mode has no backlog by construction.
func (m *Manager) Depth(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	client := m.client
	prefix := m.cfg.Redis.KeyPrefix
	m.mu.Unlock()

	if client == nil {
		return 0, nil
	}
	n, err := client.LLen(ctx, prefix+queue).Result()
	if err != nil {
		return 0, errors.IO("redis llen", err)
	}
	return n, nil
}
