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

package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foundry/pkg/errors"
)

func TestRefName(t *testing.T) {
	tests := []struct {
		value string
		name  string
		ok    bool
	}{
		{"secret://api-token", "api-token", true},
		{"{{ secret.api-token }}", "api-token", true},
		{"{{secret.API_KEY}}", "API_KEY", true},
		{"Bearer abc123", "", false},
		{"{{ steps.ping.output }}", "", false},
		{"{{ secret. }}", "", false},
	}
	for _, tt := range tests {
		name, ok := RefName(tt.value)
		assert.Equal(t, tt.ok, ok, tt.value)
		assert.Equal(t, tt.name, name, tt.value)
	}
}

func TestExpand(t *testing.T) {
	provider := NewStatic(map[string]string{"api-token": "s3cr3t"})

	out, err := Expand(context.Background(), provider, map[string]string{
		"Authorization": "{{ secret.api-token }}",
		"Accept":        "application/json",
	})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", out["Authorization"])
	assert.Equal(t, "application/json", out["Accept"])
}

func TestExpandMissingSecret(t *testing.T) {
	provider := NewStatic(nil)

	_, err := Expand(context.Background(), provider, map[string]string{
		"Authorization": "secret://absent",
	})
	var nfe *errors.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestExpandWithoutProvider(t *testing.T) {
	_, err := Expand(context.Background(), nil, map[string]string{
		"Authorization": "secret://token",
	})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)

	out, err := Expand(context.Background(), nil, map[string]string{"Accept": "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", out["Accept"])
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("FOUNDRY_SECRET_CI_TOKEN", "from-env")

	p := &EnvProvider{}
	value, err := p.Resolve(context.Background(), "ci.token")
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)

	_, err = p.Resolve(context.Background(), "missing")
	var nfe *errors.NotFoundError
	assert.ErrorAs(t, err, &nfe)
}
