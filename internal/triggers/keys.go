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
	"fmt"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/tombee/foundry/pkg/errors"
)

// keyCache compiles jq path expressions for dedup and throttle keys.
type keyCache struct {
	mu    sync.RWMutex
	codes map[string]*gojq.Code
}

func newKeyCache() *keyCache {
	return &keyCache{codes: make(map[string]*gojq.Code)}
}

func (c *keyCache) code(path string) (*gojq.Code, error) {
	c.mu.RLock()
	code, ok := c.codes[path]
	c.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(path)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "key",
			Message:    fmt.Sprintf("key path %q does not parse: %v", path, err),
			Suggestion: "key paths are jq expressions over the payload, e.g. .pullRequest.number",
		}
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "key",
			Message: fmt.Sprintf("key path %q does not compile: %v", path, err),
		}
	}

	c.mu.Lock()
	c.codes[path] = code
	c.mu.Unlock()
	return code, nil
}

// Extract evaluates the path against the payload and returns the first
// result as a string. Null and missing results yield the empty string,
// which callers treat as "no key".
func (c *keyCache) Extract(path string, payload map[string]any) (string, error) {
	if path == "" {
		return "", nil
	}
	code, err := c.code(path)
	if err != nil {
		return "", err
	}

	var input any = map[string]any{}
	if payload != nil {
		input = normalizeForJQ(payload)
	}

	iter := code.Run(input)
	v, ok := iter.Next()
	if !ok || v == nil {
		return "", nil
	}
	if err, isErr := v.(error); isErr {
		return "", &errors.ValidationError{
			Field:   "key",
			Message: fmt.Sprintf("key path %q failed: %v", path, err),
		}
	}
	return fmt.Sprintf("%v", v), nil
}

// normalizeForJQ converts values gojq rejects (ints, typed maps) into
// its accepted input domain.
func normalizeForJQ(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForJQ(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForJQ(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
