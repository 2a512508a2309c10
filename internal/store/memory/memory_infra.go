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
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foundry/internal/store"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/workflow"
)

// --- assets ---

func (s *Store) InsertStepAsset(ctx context.Context, a *workflow.StepAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.AssetID = workflow.CanonicalAssetID(a.AssetID)
	a.PartitionKey = workflow.NormalizePartition(a.PartitionKey)
	if a.ProducedAt.IsZero() {
		a.ProducedAt = s.now().UTC()
	}

	cp := *a
	s.assets = append(s.assets, &cp)
	return nil
}

func (s *Store) LatestAsset(ctx context.Context, assetID, partition string) (*workflow.StepAsset, error) {
	key := workflow.KeyFor(assetID, partition)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *workflow.StepAsset
	for _, a := range s.assets {
		if workflow.KeyFor(a.AssetID, a.PartitionKey) != key {
			continue
		}
		if latest == nil || a.ProducedAt.After(latest.ProducedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, &errors.NotFoundError{Resource: "asset", ID: key.String()}
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) ListAssetsByWorkflow(ctx context.Context, slug string) ([]*workflow.StepAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.StepAsset
	for _, a := range s.assets {
		if a.WorkflowSlug != slug {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProducedAt.Before(out[j].ProducedAt) })
	return out, nil
}

func (s *Store) ListLatestAssets(ctx context.Context) ([]*workflow.StepAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[workflow.AssetKey]*workflow.StepAsset)
	for _, a := range s.assets {
		key := workflow.KeyFor(a.AssetID, a.PartitionKey)
		if cur, ok := latest[key]; !ok || a.ProducedAt.After(cur.ProducedAt) {
			latest[key] = a
		}
	}

	out := make([]*workflow.StepAsset, 0, len(latest))
	for _, a := range latest {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return workflow.KeyFor(out[i].AssetID, out[i].PartitionKey).String() <
			workflow.KeyFor(out[j].AssetID, out[j].PartitionKey).String()
	})
	return out, nil
}

func (s *Store) DeleteExpiredAssets(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*workflow.StepAsset
	removed := 0
	for _, a := range s.assets {
		if a.Freshness != nil && a.Freshness.TTL > 0 {
			if staleAt, ok := a.Freshness.StaleAt(a.ProducedAt); ok && staleAt.Before(now) {
				removed++
				continue
			}
		}
		kept = append(kept, a)
	}
	s.assets = kept
	return removed, nil
}

// --- advisory locks ---

func (s *Store) TryAcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	row, held := s.locks[name]
	if held && row.owner != owner && row.expiresAt.After(now) {
		return false, nil
	}

	s.locks[name] = lockRow{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) RenewLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	row, held := s.locks[name]
	if !held || row.owner != owner || !row.expiresAt.After(now) {
		return false, nil
	}

	s.locks[name] = lockRow{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, held := s.locks[name]; held && row.owner == owner {
		delete(s.locks, name)
	}
	return nil
}

const lockPollInterval = 10 * time.Millisecond

func (s *Store) WithLock(ctx context.Context, name, owner string, ttl time.Duration, fn func(ctx context.Context) error) error {
	for {
		held, err := s.TryAcquireLock(ctx, name, owner, ttl)
		if err != nil {
			return err
		}
		if held {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	err := fn(ctx)
	if rerr := s.ReleaseLock(context.WithoutCancel(ctx), name, owner); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// --- audit journal ---

func (s *Store) AppendAudit(ctx context.Context, e *store.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = s.now().UTC()
	cp := *e
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, entity, entityID string, limit int) ([]*store.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.AuditEvent
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if entity != "" && e.Entity != entity {
			continue
		}
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- runtime scaling ---

func (s *Store) GetScaling(ctx context.Context, queue string) (*store.ScalingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.scaling[queue]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "scaling state", ID: queue}
	}
	cp := *st
	return &cp, nil
}

func (s *Store) PutScaling(ctx context.Context, st *store.ScalingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.Queue == "" {
		return &errors.ValidationError{Field: "queue", Message: "queue name is required"}
	}
	st.UpdatedAt = s.now().UTC()
	cp := *st
	s.scaling[st.Queue] = &cp
	return nil
}

func (s *Store) ListScaling(ctx context.Context) ([]*store.ScalingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.ScalingState, 0, len(s.scaling))
	for _, st := range s.scaling {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out, nil
}
