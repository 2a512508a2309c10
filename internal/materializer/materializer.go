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

// Package materializer keeps the asset-to-consumer graph in memory and
// launches downstream workflow runs when an upstream asset is produced
// or a produced asset expires.
package materializer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/orchestrator"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/workflow"
)

// Materialization reasons recorded in run trigger payloads.
const (
	ReasonUpstreamUpdate = "upstream-update"
	ReasonExpiry         = "expiry"
)

// Launcher creates workflow runs for materialization decisions.
type Launcher interface {
	Submit(ctx context.Context, opts orchestrator.SubmitOptions) (*workflow.Run, error)
}

// Config tunes the materializer.
type Config struct {
	// RefreshInterval rebuilds the graph from persistence as a safety
	// net against missed events.
	RefreshInterval time.Duration

	// SweepInterval drives the expiry scan over produced assets.
	SweepInterval time.Duration

	// BaseBackoff and MaxBackoff bound the per-workflow failure backoff
	// min(MaxBackoff, BaseBackoff * 2^(failures-1)).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the materializer defaults.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: time.Minute,
		SweepInterval:   30 * time.Second,
		BaseBackoff:     30 * time.Second,
		MaxBackoff:      10 * time.Minute,
	}
}

// workflowConfig is the in-memory projection of one workflow's asset
// wiring, rebuilt from the latest definition version.
type workflowConfig struct {
	slug     string
	produces map[string]workflow.AssetDeclaration
	consumes map[string]bool
	policy   workflow.AutoMaterializePolicy
}

// assetSnapshot is the newest known production of one asset partition.
type assetSnapshot struct {
	producedAt time.Time
	runID      string
	slug       string
	freshness  *workflow.AssetFreshness
}

// autoRun tracks a run the materializer launched, until it turns
// terminal.
type autoRun struct {
	slug        string
	reason      string
	assetID     string
	partition   string
	requestedAt time.Time
}

type failureState struct {
	failures       int
	nextEligibleAt time.Time
}

// Materializer owns the in-memory asset graph. All graph state is
// mutated under one mutex; other components interact through the bus.
type Materializer struct {
	store    store.Store
	launcher Launcher
	bus      *events.Bus
	logger   *slog.Logger
	cfg      Config

	// decideMu serializes the guard-check-then-launch sequence so two
	// concurrent events cannot both pass the in-flight guard.
	decideMu sync.Mutex

	mu        sync.Mutex
	configs   map[string]*workflowConfig
	consumers map[string]map[string]bool
	latest    map[string]map[string]map[string]assetSnapshot
	inFlight  map[string]map[string]bool
	autoRuns  map[string]autoRun
	failures  map[string]*failureState

	unsubscribe func()
	cancelLoop  context.CancelFunc
	wg          sync.WaitGroup

	now func() time.Time
}

// New wires a materializer. Call Start to hydrate the graph and begin
// consuming bus events.
func New(st store.Store, launcher Launcher, bus *events.Bus, cfg Config, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Materializer{
		store:     st,
		launcher:  launcher,
		bus:       bus,
		logger:    log.WithComponent(logger, "materializer"),
		cfg:       cfg,
		configs:   make(map[string]*workflowConfig),
		consumers: make(map[string]map[string]bool),
		latest:    make(map[string]map[string]map[string]assetSnapshot),
		inFlight:  make(map[string]map[string]bool),
		autoRuns:  make(map[string]autoRun),
		failures:  make(map[string]*failureState),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock, for tests.
func (m *Materializer) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start hydrates the graph, subscribes to lifecycle events, and starts
// the periodic refresh and expiry loops.
func (m *Materializer) Start(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		return err
	}

	m.unsubscribe = m.bus.Subscribe(m.handleEvent,
		"workflow.definition.updated",
		"asset.produced",
		"asset.expired",
		"workflow.run.succeeded",
		"workflow.run.failed",
		"workflow.run.canceled",
	)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancelLoop = cancel
	m.wg.Add(1)
	go m.loop(loopCtx)

	m.logger.Info("materializer started",
		slog.Int("workflows", len(m.configs)),
		slog.Duration("refresh_interval", m.cfg.RefreshInterval))
	return nil
}

// Stop unsubscribes and halts the background loops.
func (m *Materializer) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
	m.wg.Wait()
}

func (m *Materializer) loop(ctx context.Context) {
	defer m.wg.Done()

	refresh := time.NewTicker(m.cfg.RefreshInterval)
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer refresh.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Warn("graph refresh failed", log.Error(err))
			}
		case <-sweep.C:
			if err := m.SweepExpired(ctx); err != nil {
				m.logger.Warn("expiry sweep failed", log.Error(err))
			}
		}
	}
}

// Refresh rebuilds the workflow and consumer graphs from persistence and
// re-hydrates the latest-asset snapshots.
func (m *Materializer) Refresh(ctx context.Context) error {
	defs, err := m.store.ListWorkflowDefinitions(ctx, "")
	if err != nil {
		return err
	}

	// Latest version per slug wins; the list is ordered slug then
	// version ascending.
	newest := make(map[string]*workflow.Definition)
	for _, d := range defs {
		newest[d.Slug] = d
	}

	configs := make(map[string]*workflowConfig, len(newest))
	consumers := make(map[string]map[string]bool)
	for slug, d := range newest {
		cfg := &workflowConfig{
			slug:     slug,
			produces: make(map[string]workflow.AssetDeclaration),
			consumes: make(map[string]bool),
		}
		if d.AutoMaterialize != nil {
			cfg.policy = *d.AutoMaterialize
		}
		for i := range d.Steps {
			for _, decl := range d.Steps[i].Produces {
				cfg.produces[workflow.NormalizeAssetID(decl.ID)] = decl
			}
			for _, ref := range d.Steps[i].Consumes {
				norm := workflow.NormalizeAssetID(ref.ID)
				cfg.consumes[norm] = true
				if consumers[norm] == nil {
					consumers[norm] = make(map[string]bool)
				}
				consumers[norm][slug] = true
			}
		}
		configs[slug] = cfg
	}

	assets, err := m.store.ListLatestAssets(ctx)
	if err != nil {
		return err
	}
	latest := make(map[string]map[string]map[string]assetSnapshot)
	for _, a := range assets {
		recordSnapshot(latest, a.WorkflowSlug, a.AssetID, a.PartitionKey, assetSnapshot{
			producedAt: a.ProducedAt,
			runID:      a.WorkflowRunID,
			slug:       a.WorkflowSlug,
			freshness:  a.Freshness,
		})
	}

	m.mu.Lock()
	m.configs = configs
	m.consumers = consumers
	m.latest = latest
	m.mu.Unlock()
	return nil
}

func recordSnapshot(latest map[string]map[string]map[string]assetSnapshot, slug, assetID, partition string, snap assetSnapshot) {
	norm := workflow.NormalizeAssetID(assetID)
	part := workflow.NormalizePartition(partition)
	if latest[slug] == nil {
		latest[slug] = make(map[string]map[string]assetSnapshot)
	}
	if latest[slug][norm] == nil {
		latest[slug][norm] = make(map[string]assetSnapshot)
	}
	if cur, ok := latest[slug][norm][part]; !ok || snap.producedAt.After(cur.producedAt) {
		latest[slug][norm][part] = snap
	}
}

// handleEvent is the bus subscription entry point. Handlers run on the
// publisher's goroutine; decisions stay cheap and launch work is the
// only external call.
func (m *Materializer) handleEvent(e events.LifecycleEvent) error {
	switch e.Type {
	case "workflow.definition.updated":
		if err := m.Refresh(context.Background()); err != nil {
			m.logger.Warn("graph refresh after definition update failed", log.Error(err))
		}
	case "asset.produced":
		m.handleAssetProduced(e.Fields)
	case "asset.expired":
		m.handleAssetExpired(e.Fields)
	case "workflow.run.succeeded", "workflow.run.failed", "workflow.run.canceled":
		m.handleRunTerminal(e.Type, e.Fields)
	}
	return nil
}

func (m *Materializer) handleAssetProduced(fields map[string]any) {
	slug, _ := fields["workflow"].(string)
	assetID, _ := fields["assetId"].(string)
	partition, _ := fields["partitionKey"].(string)
	runID, _ := fields["runId"].(string)
	producedAt := timeField(fields["producedAt"])
	if assetID == "" || producedAt.IsZero() {
		return
	}
	norm := workflow.NormalizeAssetID(assetID)
	part := workflow.NormalizePartition(partition)

	m.mu.Lock()
	recordSnapshot(m.latest, slug, assetID, part, assetSnapshot{
		producedAt: producedAt,
		runID:      runID,
		slug:       slug,
		freshness:  m.freshnessForLocked(slug, norm),
	})
	downstream := make([]string, 0, len(m.consumers[norm]))
	for consumer := range m.consumers[norm] {
		downstream = append(downstream, consumer)
	}
	m.mu.Unlock()

	for _, consumer := range downstream {
		m.consider(consumer, ReasonUpstreamUpdate, assetID, part, producedAt)
	}
}

func (m *Materializer) freshnessForLocked(slug, normAssetID string) *workflow.AssetFreshness {
	cfg := m.configs[slug]
	if cfg == nil {
		return nil
	}
	if decl, ok := cfg.produces[normAssetID]; ok {
		return decl.Freshness
	}
	return nil
}

func (m *Materializer) handleAssetExpired(fields map[string]any) {
	slug, _ := fields["workflow"].(string)
	assetID, _ := fields["assetId"].(string)
	partition, _ := fields["partitionKey"].(string)
	producedAt := timeField(fields["producedAt"])
	if slug == "" || assetID == "" {
		return
	}
	part := workflow.NormalizePartition(partition)

	// A newer production supersedes the expiry.
	m.mu.Lock()
	snap, ok := m.latest[slug][workflow.NormalizeAssetID(assetID)][part]
	m.mu.Unlock()
	if ok && snap.producedAt.After(producedAt) {
		return
	}

	m.consider(slug, ReasonExpiry, assetID, part, producedAt)
}

// consider applies the guard chain and launches a run when every guard
// passes.
func (m *Materializer) consider(slug, reason, assetID, partition string, producedAt time.Time) {
	m.decideMu.Lock()
	defer m.decideMu.Unlock()

	now := m.now()

	m.mu.Lock()
	cfg := m.configs[slug]
	if cfg == nil || !m.policyPermitsLocked(cfg, reason) {
		m.mu.Unlock()
		return
	}
	if reason == ReasonUpstreamUpdate && !m.staleAgainstLocked(cfg, partition, producedAt) {
		m.mu.Unlock()
		return
	}
	if len(m.inFlight[slug]) > 0 {
		m.mu.Unlock()
		return
	}
	if fs := m.failures[slug]; fs != nil && fs.nextEligibleAt.After(now) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	run, err := m.launcher.Submit(context.Background(), orchestrator.SubmitOptions{
		Slug:        slug,
		TriggeredBy: workflow.TriggeredAsset,
		Trigger: map[string]any{
			"reason":       reason,
			"assetId":      workflow.CanonicalAssetID(assetID),
			"partitionKey": partition,
			"producedAt":   producedAt,
		},
	})
	if err != nil {
		m.logger.Warn("auto-materialization launch failed",
			log.WorkflowKey, slug,
			slog.String("reason", reason),
			log.Error(err))
		m.recordFailure(slug, now)
		return
	}

	m.mu.Lock()
	if m.inFlight[slug] == nil {
		m.inFlight[slug] = make(map[string]bool)
	}
	m.inFlight[slug][run.ID] = true
	m.autoRuns[run.ID] = autoRun{
		slug:        slug,
		reason:      reason,
		assetID:     workflow.CanonicalAssetID(assetID),
		partition:   partition,
		requestedAt: now,
	}
	m.mu.Unlock()

	m.logger.Info("auto-materialization run launched",
		log.WorkflowKey, slug,
		log.RunIDKey, run.ID,
		log.AssetKey, assetID,
		slog.String("reason", reason))
}

func (m *Materializer) policyPermitsLocked(cfg *workflowConfig, reason string) bool {
	switch reason {
	case ReasonUpstreamUpdate:
		return cfg.policy.OnUpstreamUpdate
	case ReasonExpiry:
		return cfg.policy.OnExpiry
	}
	return false
}

// staleAgainstLocked reports whether the consumer's own productions at
// the partition predate the upstream production. A consumer that never
// produced is stale by definition.
func (m *Materializer) staleAgainstLocked(cfg *workflowConfig, partition string, upstreamProducedAt time.Time) bool {
	var newest time.Time
	found := false
	for norm := range cfg.produces {
		if snap, ok := m.latest[cfg.slug][norm][partition]; ok {
			found = true
			if snap.producedAt.After(newest) {
				newest = snap.producedAt
			}
		}
	}
	if !found {
		return true
	}
	return newest.Before(upstreamProducedAt)
}

func (m *Materializer) handleRunTerminal(eventType string, fields map[string]any) {
	runID, _ := fields["runId"].(string)
	if runID == "" {
		return
	}

	m.mu.Lock()
	tracked, ok := m.autoRuns[runID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.autoRuns, runID)
	delete(m.inFlight[tracked.slug], runID)
	m.mu.Unlock()

	switch eventType {
	case "workflow.run.succeeded":
		m.mu.Lock()
		delete(m.failures, tracked.slug)
		m.mu.Unlock()
	case "workflow.run.failed":
		m.recordFailure(tracked.slug, m.now())
	}
}

func (m *Materializer) recordFailure(slug string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs := m.failures[slug]
	if fs == nil {
		fs = &failureState{}
		m.failures[slug] = fs
	}
	fs.failures++

	backoff := m.cfg.BaseBackoff << (fs.failures - 1)
	if backoff <= 0 || backoff > m.cfg.MaxBackoff {
		backoff = m.cfg.MaxBackoff
	}
	fs.nextEligibleAt = now.Add(backoff)

	m.logger.Warn("auto-materialization backoff",
		log.WorkflowKey, slug,
		slog.Int("failures", fs.failures),
		slog.Duration("backoff", backoff))
}

// SweepExpired publishes asset.expired for productions past their
// freshness interval and prunes TTL-expired rows from the store.
func (m *Materializer) SweepExpired(ctx context.Context) error {
	now := m.now()

	type expiry struct {
		slug       string
		assetID    string
		partition  string
		producedAt time.Time
	}
	var expired []expiry

	m.mu.Lock()
	for slug, byAsset := range m.latest {
		cfg := m.configs[slug]
		if cfg == nil {
			continue
		}
		for norm, byPartition := range byAsset {
			decl, ok := cfg.produces[norm]
			if !ok {
				continue
			}
			for part, snap := range byPartition {
				fresh := snap.freshness
				if fresh == nil {
					fresh = decl.Freshness
				}
				if staleAt, ok := fresh.StaleAt(snap.producedAt); ok && !staleAt.After(now) {
					expired = append(expired, expiry{
						slug:       slug,
						assetID:    decl.ID,
						partition:  part,
						producedAt: snap.producedAt,
					})
				}
			}
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.bus.Publish(events.LifecycleEvent{
			Type: "asset.expired",
			Fields: map[string]any{
				"workflow":     e.slug,
				"assetId":      e.assetID,
				"partitionKey": e.partition,
				"producedAt":   e.producedAt,
				"reason":       "ttl",
			},
		})
	}

	removed, err := m.store.DeleteExpiredAssets(ctx, now)
	if err != nil {
		return err
	}
	if removed > 0 {
		m.logger.Info("expired assets pruned", slog.Int("removed", removed))
	}
	return nil
}

// Snapshot is a point-in-time view of the materializer's tracking state,
// for introspection endpoints and tests.
type Snapshot struct {
	Workflows int            `json:"workflows"`
	InFlight  map[string]int `json:"inFlight"`
	Failures  map[string]int `json:"failures"`
}

// TrackingSnapshot copies the in-flight and failure bookkeeping.
func (m *Materializer) TrackingSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Snapshot{
		Workflows: len(m.configs),
		InFlight:  make(map[string]int),
		Failures:  make(map[string]int),
	}
	for slug, runs := range m.inFlight {
		if len(runs) > 0 {
			out.InFlight[slug] = len(runs)
		}
	}
	for slug, fs := range m.failures {
		out.Failures[slug] = fs.failures
	}
	return out
}

func timeField(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}
