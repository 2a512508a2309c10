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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foundry/internal/orchestrator"
	"github.com/tombee/foundry/internal/store/memory"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/workflow"
)

func TestElectorFailover(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	e1 := NewElector(st, ElectorConfig{
		LockName: "test-leader", Owner: "node-1",
		TTL: 200 * time.Millisecond, RetryInterval: 20 * time.Millisecond,
	}, nil)
	e2 := NewElector(st, ElectorConfig{
		LockName: "test-leader", Owner: "node-2",
		TTL: 200 * time.Millisecond, RetryInterval: 20 * time.Millisecond,
	}, nil)

	e1.Start(ctx)
	require.Eventually(t, e1.IsLeader, 2*time.Second, 10*time.Millisecond)

	e2.Start(ctx)
	defer e2.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, e2.IsLeader(), "lock is held by node-1")

	// Releasing on stop hands leadership over.
	e1.Stop()
	require.Eventually(t, e2.IsLeader, 2*time.Second, 10*time.Millisecond)
}

func TestElectorTakesExpiredLock(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	// A crashed holder left the lock behind with a short TTL.
	held, err := st.TryAcquireLock(ctx, "test-leader", "dead-node", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, held)

	e := NewElector(st, ElectorConfig{
		LockName: "test-leader", Owner: "node-1",
		TTL: 200 * time.Millisecond, RetryInterval: 20 * time.Millisecond,
	}, nil)
	e.Start(ctx)
	defer e.Stop()

	require.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond)
}

func TestElectorOnChangeFires(t *testing.T) {
	st := memory.New()

	e := NewElector(st, ElectorConfig{
		LockName: "test-leader", Owner: "node-1",
		TTL: 200 * time.Millisecond, RetryInterval: 20 * time.Millisecond,
	}, nil)

	var mu sync.Mutex
	var transitions []bool
	e.OnChange(func(leader bool) {
		mu.Lock()
		transitions = append(transitions, leader)
		mu.Unlock()
	})

	e.Start(context.Background())
	require.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond)
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, transitions)
}

// flakyLocks wraps the memory store so renewals can be made to fail
// while the underlying lock row stays intact.
type flakyLocks struct {
	*memory.Store
	mu        sync.Mutex
	failRenew bool
}

func (f *flakyLocks) setFailRenew(fail bool) {
	f.mu.Lock()
	f.failRenew = fail
	f.mu.Unlock()
}

func (f *flakyLocks) RenewLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	fail := f.failRenew
	f.mu.Unlock()
	if fail {
		return false, errors.IO("renew lock", errors.New("store unreachable"))
	}
	return f.Store.RenewLock(ctx, name, owner, ttl)
}

func TestElectorYieldsWhenRenewalsKeepFailing(t *testing.T) {
	locks := &flakyLocks{Store: memory.New()}
	ctx := context.Background()

	e := NewElector(locks, ElectorConfig{
		LockName: "test-leader", Owner: "node-1",
		TTL: 100 * time.Millisecond, RetryInterval: 20 * time.Millisecond,
	}, nil)
	e.Start(ctx)
	defer e.Stop()

	require.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond)

	// Renewals start erroring; once the outage spans the TTL the lease
	// can no longer be trusted and leadership must be given up.
	locks.setFailRenew(true)
	require.Eventually(t, func() bool { return !e.IsLeader() }, 2*time.Second, 10*time.Millisecond)

	// With the store back, the elector campaigns its way to leader again.
	locks.setFailRenew(false)
	require.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond)
}

type fakeLauncher struct {
	mu        sync.Mutex
	fail      error
	failAfter int
	launched  []orchestrator.SubmitOptions
}

func (f *fakeLauncher) Submit(ctx context.Context, opts orchestrator.SubmitOptions) (*workflow.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil && (f.failAfter == 0 || len(f.launched) >= f.failAfter) {
		return nil, f.fail
	}
	f.launched = append(f.launched, opts)
	return &workflow.Run{ID: "run", Slug: opts.Slug}, nil
}

type scheduleHarness struct {
	store    *memory.Store
	launcher *fakeLauncher
	sched    *Schedules
	clock    time.Time
}

func newScheduleHarness(t *testing.T) *scheduleHarness {
	t.Helper()
	h := &scheduleHarness{
		store:    memory.New(),
		launcher: &fakeLauncher{},
		clock:    time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC),
	}
	h.store.SetClock(func() time.Time { return h.clock })
	h.sched = NewSchedules(h.store, h.launcher, nil, SchedulesConfig{}, nil)
	h.sched.SetClock(func() time.Time { return h.clock })
	return h
}

func ts(t time.Time) *time.Time { return &t }

func TestCatchupMaterializesEveryMissedWindow(t *testing.T) {
	h := newScheduleHarness(t)
	ctx := context.Background()

	// The leader was down for an hour; every five-minute slot since the
	// cursor is owed a run.
	cursor := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
	sched := &workflow.Schedule{
		ID:            "sch-1",
		WorkflowSlug:  "nightly-report",
		Cron:          "*/5 * * * *",
		Enabled:       true,
		CatchUp:       true,
		CatchupCursor: ts(cursor),
		NextRunAt:     ts(cursor.Add(5 * time.Minute)),
		Parameters:    map[string]any{"mode": "full"},
	}
	require.NoError(t, h.store.CreateSchedule(ctx, sched))

	require.NoError(t, h.sched.Tick(ctx))

	require.Len(t, h.launcher.launched, 12)
	for i, opts := range h.launcher.launched {
		assert.Equal(t, "nightly-report", opts.Slug)
		assert.Equal(t, workflow.TriggeredSchedule, opts.TriggeredBy)
		assert.Equal(t, "full", opts.Parameters["mode"])

		wantEnd := cursor.Add(time.Duration(i+1) * 5 * time.Minute)
		end, ok := opts.Trigger["windowEnd"].(time.Time)
		require.True(t, ok)
		assert.True(t, end.Equal(wantEnd), "fire %d: got %s want %s", i, end, wantEnd)
	}

	after, err := h.store.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(h.clock.Add(5*time.Minute)))
	assert.Nil(t, after.CatchupCursor, "a full catch-up clears the cursor")
	assert.True(t, after.LastWindowEnd.Equal(h.clock))

	last := h.sched.Outcomes()[len(h.sched.Outcomes())-1]
	assert.Equal(t, OutcomeProcessed, last.Result)
	assert.Equal(t, 12, last.RunsCreated)
}

func TestPartialPassKeepsResumeCursor(t *testing.T) {
	h := newScheduleHarness(t)
	ctx := context.Background()

	cursor := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
	sched := &workflow.Schedule{
		ID:            "sch-partial",
		WorkflowSlug:  "nightly-report",
		Cron:          "*/5 * * * *",
		Enabled:       true,
		CatchUp:       true,
		CatchupCursor: ts(cursor),
		NextRunAt:     ts(cursor.Add(5 * time.Minute)),
	}
	require.NoError(t, h.store.CreateSchedule(ctx, sched))

	// The launcher dies after five of the twelve owed runs.
	h.launcher.fail = assert.AnError
	h.launcher.failAfter = 5
	require.NoError(t, h.sched.Tick(ctx))
	require.Len(t, h.launcher.launched, 5)

	after, err := h.store.GetSchedule(ctx, "sch-partial")
	require.NoError(t, err)
	require.NotNil(t, after.CatchupCursor, "partial pass keeps a resume point")
	assert.True(t, after.CatchupCursor.Equal(cursor.Add(25*time.Minute)))

	// The next pass resumes where the last one stopped and finishes the
	// backlog, clearing the cursor.
	h.launcher.fail = nil
	require.NoError(t, h.sched.Tick(ctx))
	require.Len(t, h.launcher.launched, 12)
	first := h.launcher.launched[5].Trigger["windowEnd"].(time.Time)
	assert.True(t, first.Equal(cursor.Add(30*time.Minute)), "no window fires twice")

	final, err := h.store.GetSchedule(ctx, "sch-partial")
	require.NoError(t, err)
	assert.Nil(t, final.CatchupCursor)
}

func TestNoCatchupCollapsesToLatest(t *testing.T) {
	h := newScheduleHarness(t)
	ctx := context.Background()

	cursor := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
	sched := &workflow.Schedule{
		ID:            "sch-2",
		WorkflowSlug:  "metrics-rollup",
		Cron:          "*/5 * * * *",
		Enabled:       true,
		CatchupCursor: ts(cursor),
		NextRunAt:     ts(cursor.Add(5 * time.Minute)),
	}
	require.NoError(t, h.store.CreateSchedule(ctx, sched))

	require.NoError(t, h.sched.Tick(ctx))

	require.Len(t, h.launcher.launched, 1)
	end := h.launcher.launched[0].Trigger["windowEnd"].(time.Time)
	assert.True(t, end.Equal(h.clock), "only the latest slot fires")
}

func TestFirstMaterializationFiresOnce(t *testing.T) {
	h := newScheduleHarness(t)
	ctx := context.Background()

	sched := &workflow.Schedule{
		ID:           "sch-3",
		WorkflowSlug: "first-run",
		Cron:         "0 14 * * *",
		Enabled:      true,
		NextRunAt:    ts(h.clock),
	}
	require.NoError(t, h.store.CreateSchedule(ctx, sched))

	require.NoError(t, h.sched.Tick(ctx))

	require.Len(t, h.launcher.launched, 1)
	fired := h.launcher.launched[0].Trigger["firedAt"].(time.Time)
	assert.True(t, fired.Equal(h.clock))

	after, err := h.store.GetSchedule(ctx, "sch-3")
	require.NoError(t, err)
	assert.True(t, after.NextRunAt.Equal(h.clock.Add(24*time.Hour)))

	// The same pass never double-fires.
	require.NoError(t, h.sched.Tick(ctx))
	assert.Len(t, h.launcher.launched, 1)
}

func TestScheduleLockContentionSkips(t *testing.T) {
	h := newScheduleHarness(t)
	ctx := context.Background()

	sched := &workflow.Schedule{
		ID:           "sch-4",
		WorkflowSlug: "contended",
		Cron:         "*/5 * * * *",
		Enabled:      true,
		NextRunAt:    ts(h.clock),
	}
	require.NoError(t, h.store.CreateSchedule(ctx, sched))

	// Another pass holds the per-schedule lock.
	held, err := h.store.TryAcquireLock(ctx, "schedule:sch-4", "other-node", time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, h.sched.Tick(ctx))

	assert.Empty(t, h.launcher.launched)
	outcomes := h.sched.Outcomes()
	require.NotEmpty(t, outcomes)
	assert.Equal(t, OutcomeLockContention, outcomes[len(outcomes)-1].Result)
}

func TestEndWindowBoundsBacklog(t *testing.T) {
	h := newScheduleHarness(t)
	ctx := context.Background()

	cursor := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
	sched := &workflow.Schedule{
		ID:            "sch-5",
		WorkflowSlug:  "bounded",
		Cron:          "*/5 * * * *",
		Enabled:       true,
		CatchUp:       true,
		CatchupCursor: ts(cursor),
		NextRunAt:     ts(cursor.Add(5 * time.Minute)),
		EndWindow:     ts(cursor.Add(15 * time.Minute)),
	}
	require.NoError(t, h.store.CreateSchedule(ctx, sched))

	require.NoError(t, h.sched.Tick(ctx))

	// 13:05, 13:10, 13:15 fire; everything later is outside the window.
	require.Len(t, h.launcher.launched, 3)
	last := h.launcher.launched[2].Trigger["windowEnd"].(time.Time)
	assert.True(t, last.Equal(cursor.Add(15*time.Minute)))
}

func TestOutcomeRingKeepsRecentHistory(t *testing.T) {
	h := newScheduleHarness(t)

	for i := 0; i < outcomeRingSize+10; i++ {
		h.sched.record(Outcome{ScheduleID: "s", At: h.clock.Add(time.Duration(i) * time.Second)})
	}

	outcomes := h.sched.Outcomes()
	require.Len(t, outcomes, outcomeRingSize)
	assert.True(t, outcomes[0].At.Before(outcomes[len(outcomes)-1].At))
	assert.True(t, outcomes[len(outcomes)-1].At.Equal(h.clock.Add(time.Duration(outcomeRingSize+9)*time.Second)))
}
