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

package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/jobs"
	"github.com/tombee/foundry/pkg/workflow"
)

func TestJobRunConditionalTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := &jobs.Run{Slug: "repo.ingest", JobDefinitionID: "jd", MaxAttempts: 2}
	require.NoError(t, s.CreateJobRun(ctx, run))

	claimed, ok, err := s.ClaimJobRun(ctx, run.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, claimed.Attempt)

	_, ok, err = s.ClaimJobRun(ctx, run.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	retried, ok, err := s.RetryJobRun(ctx, run.ID, time.Now().Add(time.Second), "flaky")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobs.RunPending, retried.Status)

	claimed, ok, err = s.ClaimJobRun(ctx, run.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, claimed.Attempt)

	done, ok, err := s.CompleteJobRun(ctx, run.ID, store.JobRunResult{
		Status: jobs.RunFailed, ErrorMessage: "boom", CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobs.RunFailed, done.Status)

	_, ok, err = s.RetryJobRun(ctx, run.ID, time.Now(), "late")
	require.NoError(t, err)
	assert.False(t, ok, "terminal runs never go back to pending")
}

func TestLaunchStateConditionalTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()

	state, ok, err := s.RequestLaunchStart(ctx, "l1", "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.LaunchStarting, state.Status)
	assert.Equal(t, "run-1", state.JobRunID)

	// A second start request loses without touching the binding.
	cur, ok, err := s.RequestLaunchStart(ctx, "l1", "run-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, store.LaunchStarting, cur.Status)
	assert.Equal(t, "run-1", cur.JobRunID)

	// Stop requires running.
	_, ok, err = s.RequestLaunchStop(ctx, "l1", "run-3")
	require.NoError(t, err)
	assert.False(t, ok)

	state, ok, err = s.CompleteLaunchTransition(ctx, "l1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.LaunchRunning, state.Status)

	state, ok, err = s.RequestLaunchStop(ctx, "l1", "run-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.LaunchStopping, state.Status)
	assert.Equal(t, "run-3", state.JobRunID)

	state, ok, err = s.CompleteLaunchTransition(ctx, "l1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.LaunchStopped, state.Status)

	// Nothing mid-flight to settle.
	_, ok, err = s.CompleteLaunchTransition(ctx, "l1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Abort reverts a reserved start, but only for the owning run.
	_, ok, err = s.RequestLaunchStart(ctx, "l1", "run-4")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.AbortLaunchTransition(ctx, "l1", "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)
	state, ok, err = s.AbortLaunchTransition(ctx, "l1", "run-4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.LaunchStopped, state.Status)
}

func TestWorkflowDefinitionVersioning(t *testing.T) {
	s := New()
	ctx := context.Background()

	def := func() *workflow.Definition {
		return &workflow.Definition{
			Slug: "pipeline",
			Steps: []workflow.StepDefinition{{
				ID: "a", Type: workflow.StepTypeJob,
				Job: &workflow.JobStepSpec{Slug: "x"},
			}},
		}
	}

	d1 := def()
	require.NoError(t, s.CreateWorkflowDefinition(ctx, d1))
	d2 := def()
	require.NoError(t, s.CreateWorkflowDefinition(ctx, d2))

	assert.Equal(t, 1, d1.Version)
	assert.Equal(t, 2, d2.Version)

	latest, err := s.LatestWorkflowDefinition(ctx, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	// Invalid definitions never persist.
	bad := &workflow.Definition{Slug: "bad"}
	assert.Error(t, s.CreateWorkflowDefinition(ctx, bad))
}

func TestStepSkipOnlyPending(t *testing.T) {
	s := New()
	ctx := context.Background()

	step := &workflow.RunStep{WorkflowRunID: "r1", StepID: "build"}
	require.NoError(t, s.CreateRunStep(ctx, step))

	skipped, ok, err := s.SkipRunStep(ctx, step.ID, "upstream failed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.StepSkipped, skipped.Status)
	assert.Equal(t, "upstream failed", skipped.ErrorMessage)

	_, ok, err = s.SkipRunStep(ctx, step.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliveryJournalLookups(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.InsertDelivery(ctx, &store.Delivery{
		TriggerID: "t1", EventID: "e1", Status: store.DeliveryLaunched,
		DedupeKey: "pr-7", ThrottleKey: "repo-a", RunID: "run-1",
	}))
	require.NoError(t, s.InsertDelivery(ctx, &store.Delivery{
		TriggerID: "t1", EventID: "e2", Status: store.DeliverySkipped,
		DedupeKey: "pr-8",
	}))

	d, err := s.FindDeliveryByDedupeKey(ctx, "t1", "pr-7")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "run-1", d.RunID)

	// Skipped deliveries do not count for dedup.
	d, err = s.FindDeliveryByDedupeKey(ctx, "t1", "pr-8")
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = s.LastLaunchForThrottleKey(ctx, "t1", "repo-a", now.Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, d)

	d, err = s.LastLaunchForThrottleKey(ctx, "t1", "repo-a", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, d, "launches before the window do not throttle")
}

func TestLockExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	clock := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })

	ok, err := s.TryAcquireLock(ctx, "leader", "node-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquireLock(ctx, "leader", "node-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Past the TTL the lock is free for the taking.
	clock = clock.Add(2 * time.Minute)
	ok, err = s.TryAcquireLock(ctx, "leader", "node-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// The original owner cannot renew a lock it lost.
	ok, err = s.RenewLock(ctx, "leader", "node-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithLockSerializesCriticalSections(t *testing.T) {
	s := New()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		total   int
	)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(owner int) {
			defer wg.Done()
			err := s.WithLock(ctx, "sweep", fmt.Sprintf("node-%d", owner), time.Minute, func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				total++
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, total, "every contender eventually ran")
	assert.Equal(t, 1, maxSeen, "critical sections never overlap")

	// The lock is released afterwards.
	ok, err := s.TryAcquireLock(ctx, "sweep", "node-9", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLockHonorsContextWhileWaiting(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.TryAcquireLock(ctx, "sweep", "holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err = s.WithLock(waitCtx, "sweep", "waiter", time.Minute, func(ctx context.Context) error {
		t.Fatal("must not run while the lock is held elsewhere")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAssetExpirySweep(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertStepAsset(ctx, &workflow.StepAsset{
		WorkflowSlug: "wf", StepID: "a", AssetID: "cache",
		ProducedAt: old,
		Freshness:  &workflow.AssetFreshness{TTL: time.Hour},
	}))
	require.NoError(t, s.InsertStepAsset(ctx, &workflow.StepAsset{
		WorkflowSlug: "wf", StepID: "a", AssetID: "report",
		ProducedAt: old,
		Freshness:  &workflow.AssetFreshness{MaxAge: time.Hour},
	}))

	removed, err := s.DeleteExpiredAssets(ctx, old.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only ttl assets are dropped by the sweep")

	_, err = s.LatestAsset(ctx, "report", "")
	assert.NoError(t, err)
	_, err = s.LatestAsset(ctx, "cache", "")
	assert.Error(t, err)
}
