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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobStep(id string, deps ...string) StepDefinition {
	return StepDefinition{
		ID:        id,
		Type:      StepTypeJob,
		DependsOn: deps,
		Job:       &JobStepSpec{Slug: "jobs." + id},
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{
			name: "valid linear chain",
			def: Definition{
				Slug:  "build-pipeline",
				Steps: []StepDefinition{jobStep("a"), jobStep("b", "a"), jobStep("c", "b")},
			},
		},
		{
			name:    "missing slug",
			def:     Definition{Steps: []StepDefinition{jobStep("a")}},
			wantErr: "slug is required",
		},
		{
			name:    "no steps",
			def:     Definition{Slug: "empty"},
			wantErr: "at least one step",
		},
		{
			name: "duplicate step id",
			def: Definition{
				Slug:  "dup",
				Steps: []StepDefinition{jobStep("a"), jobStep("a")},
			},
			wantErr: "duplicate step id",
		},
		{
			name: "unknown dependency",
			def: Definition{
				Slug:  "missing-dep",
				Steps: []StepDefinition{jobStep("a", "ghost")},
			},
			wantErr: "unknown step",
		},
		{
			name: "self dependency",
			def: Definition{
				Slug:  "self",
				Steps: []StepDefinition{jobStep("a", "a")},
			},
			wantErr: "cannot depend on itself",
		},
		{
			name: "cycle",
			def: Definition{
				Slug:  "cycle",
				Steps: []StepDefinition{jobStep("a", "c"), jobStep("b", "a"), jobStep("c", "b")},
			},
			wantErr: "cycle",
		},
		{
			name: "two variant specs",
			def: Definition{
				Slug: "two-specs",
				Steps: []StepDefinition{{
					ID:      "a",
					Type:    StepTypeJob,
					Job:     &JobStepSpec{Slug: "x"},
					Service: &ServiceStepSpec{Service: "svc", Path: "/"},
				}},
			},
			wantErr: "exactly one of",
		},
		{
			name: "job step without slug",
			def: Definition{
				Slug: "no-slug",
				Steps: []StepDefinition{{
					ID:   "a",
					Type: StepTypeJob,
					Job:  &JobStepSpec{},
				}},
			},
			wantErr: "requires a job slug",
		},
		{
			name: "service storeResponseAs without capture",
			def: Definition{
				Slug: "svc",
				Steps: []StepDefinition{{
					ID:   "a",
					Type: StepTypeService,
					Service: &ServiceStepSpec{
						Service:         "catalog",
						Path:            "/refresh",
						StoreResponseAs: "refresh",
					},
				}},
			},
			wantErr: "requires captureResponse",
		},
		{
			name: "nested fanout rejected",
			def: Definition{
				Slug: "nested",
				Steps: []StepDefinition{{
					ID:   "fan",
					Type: StepTypeFanOut,
					FanOut: &FanOutSpec{
						Collection: "{{ parameters.items }}",
						Template:   FanOutTemplate{ID: "child", Type: StepTypeFanOut},
					},
				}},
			},
			wantErr: "cannot nest",
		},
		{
			name: "literal array collection accepted",
			def: Definition{
				Slug: "literal",
				Steps: []StepDefinition{{
					ID:   "fan",
					Type: StepTypeFanOut,
					FanOut: &FanOutSpec{
						Collection: []any{1, 2, 3},
						Template:   FanOutTemplate{ID: "child", Type: StepTypeJob, Job: &JobStepSpec{Slug: "x"}},
					},
				}},
			},
		},
		{
			name: "scalar collection rejected",
			def: Definition{
				Slug: "scalar",
				Steps: []StepDefinition{{
					ID:   "fan",
					Type: StepTypeFanOut,
					FanOut: &FanOutSpec{
						Collection: 42,
						Template:   FanOutTemplate{ID: "child", Type: StepTypeJob, Job: &JobStepSpec{Slug: "x"}},
					},
				}},
			},
			wantErr: "template expression or a literal array",
		},
		{
			name: "pinned bundle without version",
			def: Definition{
				Slug: "pin",
				Steps: []StepDefinition{{
					ID:   "a",
					Type: StepTypeJob,
					Job: &JobStepSpec{
						Slug:   "x",
						Bundle: &BundleRef{Strategy: BundlePinned},
					},
				}},
			},
			wantErr: "requires a version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestBuildManifest(t *testing.T) {
	steps := []StepDefinition{
		jobStep("ingest"),
		jobStep("build", "ingest"),
		jobStep("scan", "ingest"),
		jobStep("publish", "build", "scan"),
	}

	m, err := BuildManifest(steps)
	require.NoError(t, err)

	assert.Equal(t, 4, m.Len())
	assert.Equal(t, 4, m.EdgeCount())
	assert.Equal(t, []int{0}, m.Roots())

	// publish waits on both build and scan.
	pub, ok := m.Index("publish")
	require.True(t, ok)
	assert.Len(t, m.Dependencies(pub), 2)

	done := map[string]StepStatus{"ingest": StepSucceeded, "build": StepSucceeded}
	assert.False(t, m.Ready(pub, done))
	done["scan"] = StepSucceeded
	assert.True(t, m.Ready(pub, done))

	// Topological order respects edges.
	pos := make(map[string]int)
	for idx, i := range m.TopoOrder() {
		pos[m.Step(i).ID] = idx
	}
	assert.Less(t, pos["ingest"], pos["build"])
	assert.Less(t, pos["ingest"], pos["scan"])
	assert.Less(t, pos["build"], pos["publish"])
	assert.Less(t, pos["scan"], pos["publish"])
}

func TestManifestTransitiveDependents(t *testing.T) {
	steps := []StepDefinition{
		jobStep("a"),
		jobStep("b", "a"),
		jobStep("c", "b"),
		jobStep("d", "a"),
	}
	m, err := BuildManifest(steps)
	require.NoError(t, err)

	a, _ := m.Index("a")
	deps := m.TransitiveDependents(a)
	ids := make([]string, 0, len(deps))
	for _, i := range deps {
		ids = append(ids, m.Step(i).ID)
	}
	assert.ElementsMatch(t, []string{"b", "c", "d"}, ids)

	c, _ := m.Index("c")
	assert.Empty(t, m.TransitiveDependents(c))
}

func TestAssetIdentity(t *testing.T) {
	assert.Equal(t, "Daily-Report", CanonicalAssetID("  Daily-Report "))
	assert.Equal(t, "daily-report", NormalizeAssetID("  Daily-Report "))

	a := KeyFor("Daily-Report", "")
	b := KeyFor("daily-report", "  ")
	assert.Equal(t, a, b)
	assert.Equal(t, "daily-report", a.String())

	p := KeyFor("metrics", "2026-08")
	assert.Equal(t, "metrics[2026-08]", p.String())
}

func TestAssetFreshnessInterval(t *testing.T) {
	var nilFresh *AssetFreshness
	_, ok := nilFresh.Interval()
	assert.False(t, ok)

	f := &AssetFreshness{TTL: 100, Cadence: 50}
	iv, ok := f.Interval()
	require.True(t, ok)
	assert.EqualValues(t, 100, iv)

	f.MaxAge = 200
	iv, _ = f.Interval()
	assert.EqualValues(t, 200, iv, "maxAge wins over ttl")
}
