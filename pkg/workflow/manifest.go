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

	"github.com/tombee/foundry/pkg/errors"
)

// Manifest is the precomputed DAG structure for a definition's steps:
// adjacency lists over integer indices into the step slice. The
// orchestrator consults it for ready-set scheduling and cascade skips.
type Manifest struct {
	steps []StepDefinition

	// index maps step id to position in steps.
	index map[string]int

	// deps[i] lists the indices step i depends on.
	deps [][]int

	// dependents[i] lists the indices that depend on step i.
	dependents [][]int

	// topo is a topological order of step indices.
	topo []int

	// roots are the indices with no dependencies.
	roots []int

	edges int
}

// BuildManifest computes the adjacency structure and rejects cyclic
// graphs. Step ids must already be unique.
func BuildManifest(steps []StepDefinition) (*Manifest, error) {
	m := &Manifest{
		steps:      steps,
		index:      make(map[string]int, len(steps)),
		deps:       make([][]int, len(steps)),
		dependents: make([][]int, len(steps)),
	}
	for i := range steps {
		m.index[steps[i].ID] = i
	}

	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			j, ok := m.index[dep]
			if !ok {
				return nil, &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %q depends on unknown step %q", steps[i].ID, dep),
				}
			}
			m.deps[i] = append(m.deps[i], j)
			m.dependents[j] = append(m.dependents[j], i)
			m.edges++
		}
	}

	// Kahn's algorithm doubles as the cycle check: a cycle leaves some
	// step with a nonzero in-degree.
	indegree := make([]int, len(steps))
	for i := range steps {
		indegree[i] = len(m.deps[i])
	}

	queue := make([]int, 0, len(steps))
	for i := range steps {
		if indegree[i] == 0 {
			queue = append(queue, i)
			m.roots = append(m.roots, i)
		}
	}

	m.topo = make([]int, 0, len(steps))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		m.topo = append(m.topo, i)
		for _, j := range m.dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	if len(m.topo) != len(steps) {
		var cyclic []string
		for i := range steps {
			if indegree[i] > 0 {
				cyclic = append(cyclic, steps[i].ID)
			}
		}
		return nil, &errors.ValidationError{
			Field:      "steps",
			Message:    fmt.Sprintf("dependency cycle involving steps %v", cyclic),
			Suggestion: "remove one of the dependsOn edges to break the cycle",
		}
	}

	return m, nil
}

// Len returns the number of steps.
func (m *Manifest) Len() int { return len(m.steps) }

// EdgeCount returns the number of dependency edges.
func (m *Manifest) EdgeCount() int { return m.edges }

// Step returns the step definition at index i.
func (m *Manifest) Step(i int) *StepDefinition { return &m.steps[i] }

// Index returns the position of the step with the given id.
func (m *Manifest) Index(id string) (int, bool) {
	i, ok := m.index[id]
	return i, ok
}

// Dependencies returns the indices step i depends on.
func (m *Manifest) Dependencies(i int) []int { return m.deps[i] }

// Dependents returns the indices that depend on step i.
func (m *Manifest) Dependents(i int) []int { return m.dependents[i] }

// Roots returns the indices with no dependencies.
func (m *Manifest) Roots() []int { return m.roots }

// TopoOrder returns a topological order of step indices.
func (m *Manifest) TopoOrder() []int { return m.topo }

// Ready reports whether step i is ready given the terminal steps so far:
// every dependency must have succeeded. done maps step id to terminal
// status.
func (m *Manifest) Ready(i int, done map[string]StepStatus) bool {
	for _, j := range m.deps[i] {
		if done[m.steps[j].ID] != StepSucceeded {
			return false
		}
	}
	return true
}

// TransitiveDependents returns every index reachable from i along
// dependent edges, used for cascade skips after a failure.
func (m *Manifest) TransitiveDependents(i int) []int {
	seen := make(map[int]bool)
	var out []int
	stack := append([]int(nil), m.dependents[i]...)
	for len(stack) > 0 {
		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[j] {
			continue
		}
		seen[j] = true
		out = append(out, j)
		stack = append(stack, m.dependents[j]...)
	}
	return out
}
