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

// Package triggers evaluates ingested events against workflow event
// triggers: source admission, predicate matching, dedup and throttle
// keys, and run launching with a persistent delivery journal.
package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/orchestrator"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/workflow"
)

// Launcher creates workflow runs for launched deliveries.
type Launcher interface {
	Submit(ctx context.Context, opts orchestrator.SubmitOptions) (*workflow.Run, error)
}

// Config tunes the scheduler.
type Config struct {
	// SourceRateLimit bounds events admitted per source per second.
	// Zero disables the limit.
	SourceRateLimit rate.Limit
	SourceBurst     int

	// MaxFailures within FailureWindow pauses a trigger.
	MaxFailures   int
	FailureWindow time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		SourceBurst:   10,
		MaxFailures:   5,
		FailureWindow: 10 * time.Minute,
	}
}

// Scheduler processes event envelopes against the trigger catalog.
// Evaluation is sequential per call, preserving per-source ordering when
// callers feed events in ingest order.
type Scheduler struct {
	store    store.Store
	launcher Launcher
	sources  *SourceRegistry
	bus      *events.Bus
	logger   *slog.Logger
	cfg      Config

	predicates *predicateCache
	keys       *keyCache

	mu       sync.Mutex
	failures map[string][]time.Time

	now func() time.Time
}

// NewScheduler wires the event scheduler.
func NewScheduler(st store.Store, launcher Launcher, bus *events.Bus, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultConfig().FailureWindow
	}
	return &Scheduler{
		store:      st,
		launcher:   launcher,
		sources:    NewSourceRegistry(cfg.SourceRateLimit, cfg.SourceBurst),
		bus:        bus,
		logger:     log.WithComponent(logger, "triggers"),
		cfg:        cfg,
		predicates: newPredicateCache(),
		keys:       newKeyCache(),
		failures:   make(map[string][]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock, for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
	s.sources.SetClock(now)
}

// Sources exposes the admission registry for pause controls and metrics.
func (s *Scheduler) Sources() *SourceRegistry { return s.sources }

// Ingest normalizes and persists an envelope, then evaluates triggers.
// Re-ingesting an already persisted event id is a no-op.
func (s *Scheduler) Ingest(ctx context.Context, e *events.Envelope) error {
	if err := events.Normalize(e, s.now()); err != nil {
		return err
	}
	if err := s.store.InsertEvent(ctx, e); err != nil {
		var conflict *errors.ConflictError
		if errors.As(err, &conflict) {
			// At-least-once delivery from upstream; the first ingest
			// already evaluated the triggers.
			return nil
		}
		return err
	}

	admission := s.sources.RegisterEvent(e)
	if !admission.Allowed {
		s.logger.Warn("event denied admission",
			log.SourceKey, e.Source,
			slog.String("reason", admission.Reason))
		s.publish("event.dropped", map[string]any{
			"eventId": e.ID,
			"source":  e.Source,
			"reason":  admission.Reason,
		})
		return nil
	}

	return s.processEnvelope(ctx, e)
}

// ProcessEvent evaluates triggers for a previously persisted event, for
// queue-driven processing.
func (s *Scheduler) ProcessEvent(ctx context.Context, eventID string) error {
	e, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	return s.processEnvelope(ctx, e)
}

func (s *Scheduler) processEnvelope(ctx context.Context, e *events.Envelope) error {
	triggers, err := s.store.ListEventTriggers(ctx, e.Type)
	if err != nil {
		return err
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].ID < triggers[j].ID })

	for _, rec := range triggers {
		delivery := s.evaluate(ctx, rec, e)
		delivery.TriggerID = rec.ID
		delivery.EventID = e.ID
		if err := s.store.InsertDelivery(ctx, delivery); err != nil {
			s.logger.Warn("delivery journal insert failed",
				log.TriggerKey, rec.ID, log.Error(err))
		}
		s.publish("trigger.delivery", map[string]any{
			"triggerId": rec.ID,
			"eventId":   e.ID,
			"status":    string(delivery.Status),
			"runId":     delivery.RunID,
		})
	}
	return nil
}

// evaluate runs one trigger against one envelope and returns the journal
// row to record.
func (s *Scheduler) evaluate(ctx context.Context, rec *store.EventTriggerRecord, e *events.Envelope) *store.Delivery {
	if rec.Paused {
		return &store.Delivery{Status: store.DeliveryPaused, Reason: "trigger paused"}
	}

	matched, err := s.predicates.Match(rec.Predicate, e)
	if err != nil {
		return s.failed(ctx, rec, e, err)
	}
	if !matched {
		return &store.Delivery{Status: store.DeliveryFiltered}
	}

	dedupeKey, err := s.keys.Extract(rec.DedupeKey, e.Payload)
	if err != nil {
		return s.failed(ctx, rec, e, err)
	}
	if dedupeKey != "" {
		prior, err := s.store.FindDeliveryByDedupeKey(ctx, rec.ID, dedupeKey)
		if err != nil {
			return s.failed(ctx, rec, e, err)
		}
		if prior != nil {
			return &store.Delivery{
				Status:    store.DeliverySkipped,
				DedupeKey: dedupeKey,
				Reason:    "duplicate of run " + prior.RunID,
			}
		}
	}

	throttleKey, err := s.keys.Extract(rec.ThrottleKey, e.Payload)
	if err != nil {
		return s.failed(ctx, rec, e, err)
	}
	if throttleKey != "" && rec.ThrottleWindow > 0 {
		since := s.now().Add(-rec.ThrottleWindow)
		prior, err := s.store.LastLaunchForThrottleKey(ctx, rec.ID, throttleKey, since)
		if err != nil {
			return s.failed(ctx, rec, e, err)
		}
		if prior != nil {
			return &store.Delivery{
				Status:      store.DeliveryThrottled,
				ThrottleKey: throttleKey,
				Reason:      fmt.Sprintf("throttled within %s window", rec.ThrottleWindow),
			}
		}
	}

	if rec.MaxConcurrency > 0 {
		active, err := s.store.CountActiveRunsForTrigger(ctx, rec.ID)
		if err != nil {
			return s.failed(ctx, rec, e, err)
		}
		if active >= rec.MaxConcurrency {
			return &store.Delivery{
				Status: store.DeliveryThrottled,
				Reason: fmt.Sprintf("concurrency limit %d reached", rec.MaxConcurrency),
			}
		}
	}

	params, err := resolveTriggerParameters(rec.Parameters, e)
	if err != nil {
		return s.failed(ctx, rec, e, err)
	}

	run, err := s.launcher.Submit(ctx, orchestrator.SubmitOptions{
		Slug:        rec.WorkflowSlug,
		Parameters:  params,
		TriggeredBy: workflow.TriggeredEvent,
		Trigger: map[string]any{
			"triggerId":     rec.ID,
			"eventId":       e.ID,
			"eventType":     e.Type,
			"source":        e.Source,
			"payload":       e.Payload,
			"correlationId": e.CorrelationID,
		},
	})
	if err != nil {
		return s.failed(ctx, rec, e, err)
	}

	s.clearFailures(rec.ID)
	return &store.Delivery{
		Status:      store.DeliveryLaunched,
		RunID:       run.ID,
		DedupeKey:   dedupeKey,
		ThrottleKey: throttleKey,
	}
}

// failed journals an evaluation failure and pauses the trigger after
// too many failures inside the window.
func (s *Scheduler) failed(ctx context.Context, rec *store.EventTriggerRecord, e *events.Envelope, cause error) *store.Delivery {
	s.logger.Warn("trigger evaluation failed",
		log.TriggerKey, rec.ID, log.Error(cause))
	s.sources.RecordFailure(e.Source)

	now := s.now()
	s.mu.Lock()
	window := append(s.failures[rec.ID], now)
	cutoff := now.Add(-s.cfg.FailureWindow)
	pruned := window[:0]
	for _, at := range window {
		if at.After(cutoff) {
			pruned = append(pruned, at)
		}
	}
	s.failures[rec.ID] = pruned
	pause := len(pruned) >= s.cfg.MaxFailures
	if pause {
		s.failures[rec.ID] = nil
	}
	s.mu.Unlock()

	if pause {
		rec.Paused = true
		if err := s.store.UpsertEventTrigger(ctx, rec); err != nil {
			s.logger.Warn("pausing trigger failed", log.TriggerKey, rec.ID, log.Error(err))
		} else {
			s.logger.Warn("trigger paused after repeated failures",
				log.TriggerKey, rec.ID,
				slog.Int("failures", s.cfg.MaxFailures))
			s.publish("trigger.paused", map[string]any{"triggerId": rec.ID})
		}
	}

	return &store.Delivery{
		Status: store.DeliveryFailed,
		Reason: errors.Truncate(cause.Error(), 1024),
	}
}

func (s *Scheduler) clearFailures(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, triggerID)
}

func (s *Scheduler) publish(eventType string, fields map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.LifecycleEvent{Type: eventType, Fields: fields})
}

var templateRef = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// resolveTriggerParameters maps event fields into run parameters.
// String values may reference the envelope with {{ event.<path> }};
// a value that is exactly one reference keeps the referenced type.
func resolveTriggerParameters(params map[string]any, e *events.Envelope) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	env := predicateEnv(e)
	resolved, err := resolveParamValue(params, env)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveParamValue(value any, env map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveParamString(v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			r, err := resolveParamValue(val, env)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			r, err := resolveParamValue(val, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveParamString(s string, env map[string]any) (any, error) {
	matches := templateRef.FindStringSubmatch(strings.TrimSpace(s))
	if matches != nil && strings.TrimSpace(s) == matches[0] {
		return lookupPath(strings.TrimSpace(matches[1]), env)
	}

	var resolveErr error
	out := templateRef.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(templateRef.FindStringSubmatch(m)[1])
		v, err := lookupPath(path, env)
		if err != nil {
			resolveErr = err
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

func lookupPath(path string, env map[string]any) (any, error) {
	var current any = env
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, &errors.ValidationError{
					Field:   "parameters",
					Message: fmt.Sprintf("template path %q does not resolve", path),
				}
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, &errors.ValidationError{
					Field:   "parameters",
					Message: fmt.Sprintf("template path %q does not resolve", path),
				}
			}
			current = node[idx]
		default:
			return nil, &errors.ValidationError{
				Field:   "parameters",
				Message: fmt.Sprintf("template path %q does not resolve", path),
			}
		}
	}
	return current, nil
}
