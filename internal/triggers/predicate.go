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

package triggers

import (
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/pkg/errors"
)

// predicateCache compiles trigger predicates once and reuses the
// programs across events.
type predicateCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newPredicateCache() *predicateCache {
	return &predicateCache{programs: make(map[string]*vm.Program)}
}

func (c *predicateCache) program(predicate string) (*vm.Program, error) {
	c.mu.RLock()
	program, ok := c.programs[predicate]
	c.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(predicate, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "predicate",
			Message:    "predicate does not compile: " + err.Error(),
			Suggestion: "predicates are boolean expressions over the event envelope, e.g. event.payload.branch == \"main\"",
		}
	}

	c.mu.Lock()
	c.programs[predicate] = program
	c.mu.Unlock()
	return program, nil
}

// Match evaluates the predicate against an envelope. An empty predicate
// matches everything.
func (c *predicateCache) Match(predicate string, e *events.Envelope) (bool, error) {
	if predicate == "" {
		return true, nil
	}
	program, err := c.program(predicate)
	if err != nil {
		return false, err
	}

	out, err := expr.Run(program, predicateEnv(e))
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "predicate",
			Message: "predicate evaluation failed: " + err.Error(),
		}
	}
	matched, ok := out.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "predicate",
			Message: "predicate did not evaluate to a boolean",
		}
	}
	return matched, nil
}

// predicateEnv exposes the envelope to expressions under the "event"
// root.
func predicateEnv(e *events.Envelope) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"id":            e.ID,
			"type":          e.Type,
			"source":        e.Source,
			"occurredAt":    e.OccurredAt.Format(time.RFC3339Nano),
			"payload":       e.Payload,
			"correlationId": e.CorrelationID,
		},
	}
}
