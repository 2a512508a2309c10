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

// Package secrets resolves secret references in service step headers.
// References use the form "{{ secret.<name> }}" or "secret://<name>";
// everything else passes through untouched. Resolved values never appear
// in persisted step records.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tombee/foundry/pkg/errors"
)

// RefScheme prefixes a secret reference.
const RefScheme = "secret://"

// Provider resolves secret names to values.
type Provider interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// IsRef reports whether a header value is a secret reference.
func IsRef(value string) bool {
	_, ok := RefName(value)
	return ok
}

// RefName extracts the secret name from a reference value.
func RefName(value string) (string, bool) {
	if strings.HasPrefix(value, RefScheme) {
		return strings.TrimPrefix(value, RefScheme), true
	}
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if name, ok := strings.CutPrefix(inner, "secret."); ok && name != "" {
			return name, true
		}
	}
	return "", false
}

// Expand resolves secret references in a header map, returning a new map.
// Non-reference values are copied as-is.
func Expand(ctx context.Context, p Provider, headers map[string]string) (map[string]string, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		name, ok := RefName(value)
		if !ok {
			out[key] = value
			continue
		}
		if p == nil {
			return nil, &errors.ValidationError{
				Field:   key,
				Message: fmt.Sprintf("header references secret %q but no secret provider is configured", name),
			}
		}
		resolved, err := p.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

// EnvProvider resolves secrets from environment variables. The name is
// upper-cased with dashes and dots mapped to underscores, then prefixed.
type EnvProvider struct {
	// Prefix defaults to "FOUNDRY_SECRET_".
	Prefix string
}

// Resolve implements Provider.
func (p *EnvProvider) Resolve(ctx context.Context, name string) (string, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "FOUNDRY_SECRET_"
	}
	key := prefix + envKey(name)
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", &errors.NotFoundError{Resource: "secret", ID: name}
	}
	return value, nil
}

func envKey(name string) string {
	upper := strings.ToUpper(name)
	upper = strings.ReplaceAll(upper, "-", "_")
	upper = strings.ReplaceAll(upper, ".", "_")
	return upper
}

// Static is a fixed in-memory provider, for tests and embedded use.
type Static struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStatic creates a provider over a copy of the given values.
func NewStatic(values map[string]string) *Static {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Static{values: copied}
}

// Set adds or replaces a secret.
func (s *Static) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Resolve implements Provider.
func (s *Static) Resolve(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[name]
	if !ok {
		return "", &errors.NotFoundError{Resource: "secret", ID: name}
	}
	return value, nil
}
