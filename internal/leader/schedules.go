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

package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/internal/orchestrator"
	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/workflow"
)

// Launcher creates workflow runs for materialized fire times.
type Launcher interface {
	Submit(ctx context.Context, opts orchestrator.SubmitOptions) (*workflow.Run, error)
}

// Outcome results recorded in the ring buffer.
const (
	OutcomeProcessed      = "processed"
	OutcomeSkipped        = "skipped"
	OutcomeError          = "error"
	OutcomeLockContention = "lock_contention"
)

// Outcome is one schedule-materialization result, kept for
// introspection.
type Outcome struct {
	ScheduleID  string    `json:"scheduleId"`
	Workflow    string    `json:"workflow"`
	At          time.Time `json:"at"`
	Result      string    `json:"result"`
	RunsCreated int       `json:"runsCreated,omitempty"`
	Error       string    `json:"error,omitempty"`
}

const outcomeRingSize = 64

// maxFiresPerPass caps one catch-up batch so a schedule that fell far
// behind cannot monopolize a scan.
const maxFiresPerPass = 500

// SchedulesConfig tunes the materialization loop.
type SchedulesConfig struct {
	// ScanInterval drives the due-schedule poll while leading.
	ScanInterval time.Duration

	// LockTTL guards the per-schedule lock during one pass.
	LockTTL time.Duration
}

// Schedules turns due cron schedules into workflow runs. Only the
// current leader scans; each schedule is additionally guarded by its own
// advisory lock so two passes never double-materialize.
type Schedules struct {
	store    store.Store
	launcher Launcher
	elector  *Elector
	logger   *slog.Logger
	cfg      SchedulesConfig

	mu          sync.Mutex
	crons       map[string]*CronSchedule
	outcomes    [outcomeRingSize]Outcome
	outcomeLen  int
	outcomeNext int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewSchedules wires the schedule materializer.
func NewSchedules(st store.Store, launcher Launcher, elector *Elector, cfg SchedulesConfig, logger *slog.Logger) *Schedules {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 15 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Schedules{
		store:    st,
		launcher: launcher,
		elector:  elector,
		logger:   log.WithComponent(logger, "schedules"),
		cfg:      cfg,
		crons:    make(map[string]*CronSchedule),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock, for tests.
func (s *Schedules) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Start launches the scan loop.
func (s *Schedules) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)
}

// Stop halts the scan loop.
func (s *Schedules) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

func (s *Schedules) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.elector != nil && !s.elector.IsLeader() {
				continue
			}
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn("schedule scan failed", log.Error(err))
			}
		}
	}
}

// Tick runs one materialization pass over every due schedule.
func (s *Schedules) Tick(ctx context.Context) error {
	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return err
	}
	for _, sched := range due {
		s.process(ctx, sched, now)
	}
	return nil
}

func (s *Schedules) process(ctx context.Context, sched *workflow.Schedule, now time.Time) {
	logger := s.logger.With(
		slog.String("schedule", sched.ID),
		log.WorkflowKey, sched.WorkflowSlug)

	owner := "schedules"
	if s.elector != nil {
		owner = s.elector.Owner()
	}
	lockName := "schedule:" + sched.ID
	held, err := s.store.TryAcquireLock(ctx, lockName, owner, s.cfg.LockTTL)
	if err != nil {
		s.record(Outcome{ScheduleID: sched.ID, Workflow: sched.WorkflowSlug, At: now,
			Result: OutcomeError, Error: err.Error()})
		return
	}
	if !held {
		s.record(Outcome{ScheduleID: sched.ID, Workflow: sched.WorkflowSlug, At: now,
			Result: OutcomeLockContention})
		return
	}
	defer func() {
		if err := s.store.ReleaseLock(ctx, lockName, owner); err != nil {
			logger.Warn("schedule lock release failed", log.Error(err))
		}
	}()

	cron, loc, err := s.compiled(sched)
	if err != nil {
		logger.Warn("schedule is unusable", log.Error(err))
		s.record(Outcome{ScheduleID: sched.ID, Workflow: sched.WorkflowSlug, At: now,
			Result: OutcomeError, Error: err.Error()})
		return
	}

	fires, cursor := fireTimes(sched, cron, loc, now)
	if len(fires) == 0 {
		// Nothing materializable this pass; push nextRunAt forward so
		// the scan does not spin on this row.
		next := cron.Next(now, loc)
		sched.NextRunAt = nil
		if !next.IsZero() {
			n := next.UTC()
			sched.NextRunAt = &n
		}
		if err := s.store.UpdateSchedule(ctx, sched); err != nil {
			logger.Warn("schedule advance failed", log.Error(err))
		}
		s.record(Outcome{ScheduleID: sched.ID, Workflow: sched.WorkflowSlug, At: now,
			Result: OutcomeSkipped})
		return
	}

	created := 0
	windowStart := cursor
	for _, fire := range fires {
		_, err := s.launcher.Submit(ctx, orchestrator.SubmitOptions{
			Slug:        sched.WorkflowSlug,
			Parameters:  sched.Parameters,
			TriggeredBy: workflow.TriggeredSchedule,
			Trigger: map[string]any{
				"scheduleId":  sched.ID,
				"schedule":    sched.Name,
				"cron":        sched.Cron,
				"windowStart": windowStart,
				"windowEnd":   fire,
				"firedAt":     fire,
			},
		})
		if err != nil {
			logger.Warn("scheduled run creation failed",
				slog.Time("fire", fire), log.Error(err))
			break
		}
		created++
		windowStart = fire
	}

	if created == 0 {
		s.record(Outcome{ScheduleID: sched.ID, Workflow: sched.WorkflowSlug, At: now,
			Result: OutcomeError, Error: "no runs created"})
		return
	}

	// Advance bookkeeping only through the fires that actually turned
	// into runs. A partial pass (a launch failed, or the per-pass fire
	// cap truncated the backlog) keeps a cursor at the resume point; a
	// full catch-up clears it.
	last := fires[created-1]
	var nextRunAt *time.Time
	if next := cron.Next(now, loc); !next.IsZero() {
		n := next.UTC()
		nextRunAt = &n
	}
	var catchup *time.Time
	if created < len(fires) || len(fires) >= maxFiresPerPass {
		c := last.UTC()
		catchup = &c
		// Stay due so the next scan resumes the backlog instead of
		// waiting for the next cron slot.
		n := now.UTC()
		nextRunAt = &n
	}
	if err := s.store.AdvanceSchedule(ctx, sched.ID, catchup, fires[0].UTC(), last.UTC(), nextRunAt); err != nil {
		logger.Warn("schedule bookkeeping failed", log.Error(err))
		s.record(Outcome{ScheduleID: sched.ID, Workflow: sched.WorkflowSlug, At: now,
			Result: OutcomeError, RunsCreated: created, Error: err.Error()})
		return
	}

	logger.Info("schedule materialized",
		slog.Int("runs", created),
		slog.Time("window_start", fires[0]),
		slog.Time("window_end", last))
	s.record(Outcome{ScheduleID: sched.ID, Workflow: sched.WorkflowSlug, At: now,
		Result: OutcomeProcessed, RunsCreated: created})
}

// compiled returns the cached cron program and location for a schedule.
func (s *Schedules) compiled(sched *workflow.Schedule) (*CronSchedule, *time.Location, error) {
	s.mu.Lock()
	cron, ok := s.crons[sched.ID+"\x00"+sched.Cron]
	s.mu.Unlock()

	if !ok {
		var err error
		cron, err = ParseCron(sched.Cron)
		if err != nil {
			return nil, nil, err
		}
		s.mu.Lock()
		s.crons[sched.ID+"\x00"+sched.Cron] = cron
		s.mu.Unlock()
	}

	loc := time.UTC
	if sched.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			return nil, nil, &errors.ValidationError{
				Field:   "timezone",
				Message: "unknown timezone " + sched.Timezone,
			}
		}
	}
	return cron, loc, nil
}

// fireTimes computes the occurrences to materialize this pass and the
// cursor the iteration started from.
func fireTimes(sched *workflow.Schedule, cron *CronSchedule, loc *time.Location, now time.Time) ([]time.Time, time.Time) {
	var cursor time.Time
	switch {
	case sched.CatchupCursor != nil:
		cursor = *sched.CatchupCursor
	case sched.LastWindowEnd != nil:
		cursor = *sched.LastWindowEnd
	case sched.NextRunAt != nil:
		// First materialization: the precomputed occurrence itself is
		// the earliest candidate.
		cursor = sched.NextRunAt.Add(-time.Minute)
	default:
		return nil, now
	}

	end := now
	if sched.EndWindow != nil && sched.EndWindow.Before(end) {
		end = *sched.EndWindow
	}

	var fires []time.Time
	for t := cron.Next(cursor, loc); !t.IsZero() && !t.After(end); t = cron.Next(t, loc) {
		if sched.StartWindow != nil && t.Before(*sched.StartWindow) {
			continue
		}
		fires = append(fires, t)
		if len(fires) >= maxFiresPerPass {
			break
		}
	}

	if !sched.CatchUp && len(fires) > 1 {
		fires = fires[len(fires)-1:]
	}
	return fires, cursor
}

func (s *Schedules) record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[s.outcomeNext] = o
	s.outcomeNext = (s.outcomeNext + 1) % outcomeRingSize
	if s.outcomeLen < outcomeRingSize {
		s.outcomeLen++
	}
}

// Outcomes returns the retained materialization history, oldest first.
func (s *Schedules) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Outcome, 0, s.outcomeLen)
	start := s.outcomeNext - s.outcomeLen
	if start < 0 {
		start += outcomeRingSize
	}
	for i := 0; i < s.outcomeLen; i++ {
		out = append(out, s.outcomes[(start+i)%outcomeRingSize])
	}
	return out
}
