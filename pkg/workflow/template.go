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
	"strconv"
	"strings"

	"github.com/tombee/foundry/pkg/errors"
)

// TemplateEnv holds the data available to {{ path }} expressions in step
// parameters, service bodies, and fan-out collections.
//
// Resolvable roots:
//
//	parameters.<name>        run parameters
//	steps.<id>.output        a completed step's output
//	steps.<id>.response      a captured service response
//	shared.<name>            the cross-step shared namespace
//	run.id                   the run identifier
//	run.triggeredBy          what launched the run
//	run.trigger              the trigger payload
//	asset.<id>.payload       a consumed asset's latest payload
//	item, item.<path>        fan-out: the current collection element
//	index                    fan-out: the element position
type TemplateEnv struct {
	Parameters map[string]any
	Steps      map[string]StepOutput
	Shared     map[string]any

	RunID       string
	TriggeredBy TriggeredBy
	Trigger     map[string]any

	// Assets maps consumed asset id to its latest payload.
	Assets map[string]any

	// Item and Index are populated only for fan-out children.
	Item     any
	HasItem  bool
	ItemIdx  int
}

// EnvForRun builds a template environment from a run and its consumed
// asset payloads.
func EnvForRun(run *Run, assets map[string]any) *TemplateEnv {
	env := &TemplateEnv{
		Parameters:  run.Parameters,
		Shared:      map[string]any{},
		Steps:       map[string]StepOutput{},
		RunID:       run.ID,
		TriggeredBy: run.TriggeredBy,
		Trigger:     run.Trigger,
		Assets:      assets,
	}
	if run.Context != nil {
		env.Steps = run.Context.Steps
		env.Shared = run.Context.Shared
	}
	return env
}

// WithItem returns a copy of the environment scoped to one fan-out
// element.
func (e *TemplateEnv) WithItem(item any, index int) *TemplateEnv {
	scoped := *e
	scoped.Item = item
	scoped.HasItem = true
	scoped.ItemIdx = index
	return &scoped
}

// ResolveValue recursively resolves template expressions in a value.
// Strings that are exactly one {{ path }} expression preserve the
// referenced value's type; strings with surrounding text interpolate.
// Maps and slices are resolved element-wise.
func (e *TemplateEnv) ResolveValue(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return e.resolveString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			resolved, err := e.ResolveValue(val)
			if err != nil {
				return nil, fmt.Errorf("in field %q: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			resolved, err := e.ResolveValue(val)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveParameters resolves every value of a parameter map.
func (e *TemplateEnv) ResolveParameters(params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	resolved, err := e.ResolveValue(params)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// ResolveString resolves a standalone string expression, such as a
// fan-out collection. The result keeps the referenced type.
func (e *TemplateEnv) ResolveString(s string) (any, error) {
	return e.resolveString(s)
}

func (e *TemplateEnv) resolveString(s string) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	if path, ok := pureRef(s); ok {
		return e.lookup(path)
	}

	// Interpolation: each expression is stringified into place.
	var b strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		path := strings.TrimSpace(rest[open+2 : open+close])
		val, err := e.lookup(path)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[open+close+2:]
	}
	return b.String(), nil
}

// pureRef reports whether s is exactly one {{ path }} expression.
func pureRef(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[2 : len(t)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// lookup navigates a dotted path through the environment. Unknown roots
// and missing segments are validation errors so a bad reference fails the
// step instead of silently passing the literal through.
func (e *TemplateEnv) lookup(path string) (any, error) {
	if path == "" {
		return nil, &errors.ValidationError{
			Field:   "template",
			Message: "empty template expression",
		}
	}
	parts := strings.Split(path, ".")

	var current any
	switch parts[0] {
	case "parameters":
		current = anyMap(e.Parameters)
		parts = parts[1:]
	case "shared":
		current = anyMap(e.Shared)
		parts = parts[1:]
	case "steps":
		if len(parts) < 3 {
			return nil, missingPath(path)
		}
		out, ok := e.Steps[parts[1]]
		if !ok {
			return nil, missingPath(path)
		}
		switch parts[2] {
		case "output":
			current = out.Output
		case "response":
			if out.Response == nil {
				return nil, missingPath(path)
			}
			current = map[string]any{
				"statusCode": out.Response.StatusCode,
				"headers":    headersMap(out.Response.Headers),
				"body":       out.Response.Body,
			}
		default:
			return nil, missingPath(path)
		}
		parts = parts[3:]
	case "run":
		if len(parts) < 2 {
			return nil, missingPath(path)
		}
		switch parts[1] {
		case "id":
			current = e.RunID
		case "triggeredBy":
			current = string(e.TriggeredBy)
		case "trigger":
			current = anyMap(e.Trigger)
		default:
			return nil, missingPath(path)
		}
		parts = parts[2:]
	case "asset":
		if len(parts) < 3 || parts[2] != "payload" {
			return nil, missingPath(path)
		}
		payload, ok := e.Assets[parts[1]]
		if !ok {
			return nil, missingPath(path)
		}
		current = payload
		parts = parts[3:]
	case "item":
		if !e.HasItem {
			return nil, &errors.ValidationError{
				Field:   "template",
				Message: fmt.Sprintf("%q is only available inside a fanout template", path),
			}
		}
		current = e.Item
		parts = parts[1:]
	case "index":
		if !e.HasItem {
			return nil, &errors.ValidationError{
				Field:   "template",
				Message: fmt.Sprintf("%q is only available inside a fanout template", path),
			}
		}
		if len(parts) > 1 {
			return nil, missingPath(path)
		}
		return e.ItemIdx, nil
	default:
		return nil, &errors.ValidationError{
			Field:      "template",
			Message:    fmt.Sprintf("unknown template root %q in %q", parts[0], path),
			Suggestion: "use parameters, steps, shared, run, asset, item, or index",
		}
	}

	for _, part := range parts {
		next, err := navigate(current, part, path)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// navigate descends one path segment into maps and slices.
func navigate(current any, part, fullPath string) (any, error) {
	switch v := current.(type) {
	case map[string]any:
		val, ok := v[part]
		if !ok {
			return nil, missingPath(fullPath)
		}
		return val, nil
	case []any:
		i, err := strconv.Atoi(part)
		if err != nil || i < 0 || i >= len(v) {
			return nil, missingPath(fullPath)
		}
		return v[i], nil
	default:
		return nil, missingPath(fullPath)
	}
}

func missingPath(path string) error {
	return &errors.ValidationError{
		Field:      "template",
		Message:    fmt.Sprintf("template path %q does not resolve", path),
		Suggestion: "check the referenced step has completed and the path spelling",
	}
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func headersMap(h map[string]string) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
