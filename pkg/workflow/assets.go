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

package workflow

import (
	"fmt"
	"strings"
	"time"
)

// AssetDeclaration names an asset a step materializes on success, with
// optional freshness settings driving the auto-materializer.
type AssetDeclaration struct {
	// ID is the asset identifier. Compared case-insensitively after
	// trimming; stored canonically.
	ID string `json:"id"`

	// PartitionTemplate, when set, derives a partition key from the run
	// environment at production time.
	PartitionTemplate string `json:"partitionTemplate,omitempty"`

	// Freshness drives stale detection.
	Freshness *AssetFreshness `json:"freshness,omitempty"`
}

// Validate checks the declaration.
func (a *AssetDeclaration) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("asset id is required")
	}
	if a.Freshness != nil {
		if err := a.Freshness.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// AssetFreshness configures when a produced asset is considered stale.
// At most one of MaxAge, TTL, or Cadence is honored; MaxAge wins over
// TTL, which wins over Cadence.
type AssetFreshness struct {
	// MaxAge marks the asset stale once this long has passed since
	// production.
	MaxAge time.Duration `json:"maxAgeMs,omitempty"`

	// TTL behaves like MaxAge but also allows expiry sweeps to drop the
	// payload.
	TTL time.Duration `json:"ttlMs,omitempty"`

	// Cadence expects a fresh production at least once per interval.
	Cadence time.Duration `json:"cadenceMs,omitempty"`
}

// Validate rejects negative intervals.
func (f *AssetFreshness) Validate() error {
	if f.MaxAge < 0 || f.TTL < 0 || f.Cadence < 0 {
		return fmt.Errorf("freshness intervals must not be negative")
	}
	return nil
}

// Interval returns the effective staleness interval and whether one is
// configured.
func (f *AssetFreshness) Interval() (time.Duration, bool) {
	if f == nil {
		return 0, false
	}
	switch {
	case f.MaxAge > 0:
		return f.MaxAge, true
	case f.TTL > 0:
		return f.TTL, true
	case f.Cadence > 0:
		return f.Cadence, true
	}
	return 0, false
}

// StaleAt returns when an asset produced at the given time goes stale.
func (f *AssetFreshness) StaleAt(producedAt time.Time) (time.Time, bool) {
	interval, ok := f.Interval()
	if !ok {
		return time.Time{}, false
	}
	return producedAt.Add(interval), true
}

// AutoMaterializePolicy opts a workflow into automatic re-runs driven by
// its asset graph.
type AutoMaterializePolicy struct {
	// OnUpstreamUpdate re-runs the workflow when a consumed asset gets a
	// newer production.
	OnUpstreamUpdate bool `json:"onUpstreamUpdate,omitempty"`

	// OnExpiry re-runs the workflow when one of its own produced assets
	// passes its freshness interval.
	OnExpiry bool `json:"onExpiry,omitempty"`
}

// AssetRef names an upstream asset a step consumes.
type AssetRef struct {
	// ID is the consumed asset identifier.
	ID string `json:"id"`

	// Partition restricts the dependency to one partition; empty means
	// the unpartitioned asset.
	Partition string `json:"partition,omitempty"`
}

// CanonicalAssetID trims surrounding whitespace. Identity comparisons use
// NormalizeAssetID; the canonical form preserves the declared casing.
func CanonicalAssetID(id string) string {
	return strings.TrimSpace(id)
}

// NormalizeAssetID lowercases the canonical form for identity comparison
// and map keys.
func NormalizeAssetID(id string) string {
	return strings.ToLower(CanonicalAssetID(id))
}

// NormalizePartition maps the absent partition to the empty string so
// unpartitioned assets share a single key.
func NormalizePartition(partition string) string {
	return strings.TrimSpace(partition)
}

// AssetKey is the composite identity of an asset partition.
type AssetKey struct {
	AssetID   string
	Partition string
}

// KeyFor builds the normalized composite key.
func KeyFor(assetID, partition string) AssetKey {
	return AssetKey{
		AssetID:   NormalizeAssetID(assetID),
		Partition: NormalizePartition(partition),
	}
}

// String renders the key for logs.
func (k AssetKey) String() string {
	if k.Partition == "" {
		return k.AssetID
	}
	return k.AssetID + "[" + k.Partition + "]"
}
