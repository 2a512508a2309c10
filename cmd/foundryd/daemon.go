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

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/foundry/internal/config"
	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/leader"
	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/materializer"
	"github.com/tombee/foundry/internal/orchestrator"
	"github.com/tombee/foundry/internal/queue"
	"github.com/tombee/foundry/internal/runtime"
	"github.com/tombee/foundry/internal/scaling"
	"github.com/tombee/foundry/internal/secrets"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/internal/store/memory"
	"github.com/tombee/foundry/internal/store/sqlite"
	"github.com/tombee/foundry/internal/telemetry"
	"github.com/tombee/foundry/internal/triggers"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/jobs"
)

// Daemon owns the wired control plane: store, queues, runtime,
// orchestrator, trigger scheduler, materializer, schedule leader, and
// the scaling agent.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store        store.Store
	bus          *events.Bus
	telemetry    *telemetry.Pipeline
	queues       *queue.Manager
	registry     *jobs.Registry
	engine       *runtime.Engine
	orchestrator *orchestrator.Orchestrator
	triggers     *triggers.Scheduler
	materializer *materializer.Materializer
	elector      *leader.Elector
	schedules    *leader.Schedules
	scaling      *scaling.Agent
}

// NewDaemon wires every component from the configuration. Nothing runs
// until Start.
func NewDaemon(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)
	tele := telemetry.New()

	queues := queue.NewManager(queue.Config{
		Mode: queue.Mode(cfg.Queue.Mode),
		Redis: queue.RedisConfig{
			Addr:      cfg.Queue.Redis.Addr,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			KeyPrefix: cfg.Queue.Redis.KeyPrefix,
		},
		DefaultConcurrency: cfg.Queue.DefaultConcurrency,
	}, tele, bus, logger)

	registry := jobs.NewRegistry()
	engine := runtime.NewEngine(st, registry, queues, bus, logger)
	if err := registerBuiltinJobs(registry, engine); err != nil {
		st.Close()
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:    st,
		Engine:   engine,
		Queues:   queues,
		Services: orchestrator.NewHTTPServiceClient(cfg.Services, nil),
		Secrets:  &secrets.EnvProvider{Prefix: cfg.Secrets.EnvPrefix},
		Bus:      bus,
		Logger:   logger,
	})

	trig := triggers.NewScheduler(st, orch, bus, triggers.Config{
		SourceRateLimit: rate.Limit(cfg.Triggers.SourceRateLimit),
		SourceBurst:     cfg.Triggers.SourceBurst,
		MaxFailures:     cfg.Triggers.MaxFailures,
		FailureWindow:   cfg.Triggers.FailureWindow,
	}, logger)

	mat := materializer.New(st, orch, bus, materializer.Config{
		RefreshInterval: cfg.Materializer.RefreshInterval,
		SweepInterval:   cfg.Materializer.SweepInterval,
		BaseBackoff:     cfg.Materializer.BaseBackoff,
		MaxBackoff:      cfg.Materializer.MaxBackoff,
	}, logger)

	d := &Daemon{
		cfg:          cfg,
		logger:       log.WithComponent(logger, "daemon"),
		store:        st,
		bus:          bus,
		telemetry:    tele,
		queues:       queues,
		registry:     registry,
		engine:       engine,
		orchestrator: orch,
		triggers:     trig,
		materializer: mat,
	}

	if cfg.LeaderEnabled() {
		d.elector = leader.NewElector(st, leader.ElectorConfig{
			Owner:         cfg.Leader.NodeID,
			TTL:           cfg.Leader.LockTTL,
			RetryInterval: cfg.Leader.RetryInterval,
		}, logger)
		d.schedules = leader.NewSchedules(st, orch, d.elector, leader.SchedulesConfig{
			ScanInterval: cfg.Leader.ScanInterval,
			LockTTL:      cfg.Leader.LockTTL,
		}, logger)
	}

	if len(cfg.Scaling.Targets) > 0 {
		targets := make([]scaling.Target, 0, len(cfg.Scaling.Targets))
		for _, t := range cfg.Scaling.Targets {
			targets = append(targets, scaling.Target{
				Key:       t.Key,
				Queue:     t.Queue,
				Default:   t.Default,
				Min:       t.Min,
				Max:       t.Max,
				RateLimit: t.RateLimit,
			})
		}
		d.scaling = scaling.New(st, queues, bus, scaling.Config{
			Targets:      targets,
			PollInterval: cfg.Scaling.PollInterval,
		}, logger)
	}

	if err := d.registerQueueHandlers(); err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Store.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.IO("create data directory", err)
			}
		}
		return sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
	default:
		return nil, &errors.ValidationError{
			Field:   "store.backend",
			Message: "unknown backend " + cfg.Store.Backend,
		}
	}
}

// registerQueueHandlers binds each well-known queue to its consumer.
func (d *Daemon) registerQueueHandlers() error {
	jobRun := func(ctx context.Context, msg *queue.Message) error {
		return d.engine.ExecuteJobRun(ctx, msg.Queue, msg.PayloadString(queue.PayloadJobRunID))
	}
	for _, q := range []string{
		queue.QueueIngest, queue.QueueBuild, queue.QueueLaunch, queue.QueueExampleBundle,
	} {
		if err := d.queues.RegisterHandler(q, jobRun); err != nil {
			return err
		}
	}

	if err := d.queues.RegisterHandler(queue.QueueWorkflow, func(ctx context.Context, msg *queue.Message) error {
		return d.orchestrator.RunWorkflowOrchestration(ctx, msg.PayloadString(queue.PayloadWorkflowRunID))
	}); err != nil {
		return err
	}

	processEvent := func(ctx context.Context, msg *queue.Message) error {
		return d.triggers.ProcessEvent(ctx, msg.PayloadString(queue.PayloadEventID))
	}
	if err := d.queues.RegisterHandler(queue.QueueEvent, processEvent); err != nil {
		return err
	}
	if err := d.queues.RegisterHandler(queue.QueueEventTrigger, processEvent); err != nil {
		return err
	}

	return d.queues.RegisterHandler(queue.QueueAssetExpiry, func(ctx context.Context, msg *queue.Message) error {
		return d.materializer.SweepExpired(ctx)
	})
}

// Start brings the control plane up: queue workers, recovery of stalled
// runs, the materializer loop, leader election, and the scaling agent.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.queues.Start(ctx); err != nil {
		return err
	}
	for q, n := range d.cfg.Queue.Concurrency {
		d.queues.SetConcurrency(q, n)
	}

	// Resume workflow runs interrupted by a previous crash before any
	// new work arrives.
	if resumed, err := d.orchestrator.RecoverStalled(ctx, time.Now().UTC()); err != nil {
		d.logger.Warn("stalled run recovery failed", log.Error(err))
	} else if resumed > 0 {
		d.logger.Info("resumed stalled workflow runs", slog.Int("count", resumed))
	}

	if d.cfg.MaterializerEnabled() {
		if err := d.materializer.Start(ctx); err != nil {
			return err
		}
	}
	if d.elector != nil {
		d.elector.Start(ctx)
		d.schedules.Start(ctx)
	}
	if d.scaling != nil {
		if err := d.scaling.Start(ctx); err != nil {
			return err
		}
	}

	d.logger.Info("foundryd started",
		slog.String("store", d.cfg.Store.Backend),
		slog.String("queue_mode", string(d.queues.Mode())))
	return nil
}

// Shutdown stops components in reverse dependency order and closes the
// store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.scaling != nil {
		d.scaling.Stop()
	}
	if d.elector != nil {
		d.schedules.Stop()
		d.elector.Stop()
	}
	if d.cfg.MaterializerEnabled() {
		d.materializer.Stop()
	}
	d.queues.Stop()

	err := d.store.Close()
	d.logger.Info("foundryd stopped")
	return err
}
