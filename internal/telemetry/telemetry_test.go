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

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineCounters(t *testing.T) {
	p := New()

	p.RecordEnqueued("build")
	p.RecordEnqueued("build")
	p.RecordEnqueued("ingest")
	p.RecordCompleted("build", "succeeded", 0.5)
	p.RecordRetried("ingest")
	p.SetWorkers("build", 4)

	snap := p.Snapshot()
	assert.EqualValues(t, 2, snap.Enqueued["build"])
	assert.EqualValues(t, 1, snap.Enqueued["ingest"])
	assert.EqualValues(t, 1, snap.Completed["build:succeeded"])
	assert.EqualValues(t, 1, snap.Depth["build"], "completion drains depth")
	assert.EqualValues(t, 1, snap.Depth["ingest"])
	assert.EqualValues(t, 1, snap.Retried["ingest"], "retry keeps depth")
	assert.EqualValues(t, 4, snap.Workers["build"])
}

func TestPipelineSnapshotIsCopy(t *testing.T) {
	p := New()
	p.RecordEnqueued("build")

	snap := p.Snapshot()
	snap.Enqueued["build"] = 99

	assert.EqualValues(t, 1, p.Snapshot().Enqueued["build"])
}

func TestPipelineReset(t *testing.T) {
	p := New()
	p.RecordEnqueued("build")
	before := p.Registry()

	p.Reset()

	snap := p.Snapshot()
	assert.Empty(t, snap.Enqueued)
	assert.NotSame(t, before, p.Registry(), "reset rebuilds the registry")

	mfs, err := p.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				assert.Zero(t, m.GetCounter().GetValue())
			}
		}
	}
}
