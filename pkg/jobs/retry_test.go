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

package jobs

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelay(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{
			name:    "none strategy never delays",
			policy:  RetryPolicy{Strategy: RetryNone, InitialDelay: time.Second},
			attempt: 1,
			want:    0,
		},
		{
			name:    "fixed uses initial delay",
			policy:  RetryPolicy{Strategy: RetryFixed, InitialDelay: 500 * time.Millisecond},
			attempt: 3,
			want:    500 * time.Millisecond,
		},
		{
			name:    "fixed clamped by max delay",
			policy:  RetryPolicy{Strategy: RetryFixed, InitialDelay: 5 * time.Second, MaxDelay: 2 * time.Second},
			attempt: 1,
			want:    2 * time.Second,
		},
		{
			name:    "exponential first attempt",
			policy:  RetryPolicy{Strategy: RetryExponential, InitialDelay: 10 * time.Millisecond},
			attempt: 1,
			want:    10 * time.Millisecond,
		},
		{
			name:    "exponential doubles per attempt",
			policy:  RetryPolicy{Strategy: RetryExponential, InitialDelay: 10 * time.Millisecond},
			attempt: 4,
			want:    80 * time.Millisecond,
		},
		{
			name:    "exponential clamped by max delay",
			policy:  RetryPolicy{Strategy: RetryExponential, InitialDelay: time.Second, MaxDelay: 3 * time.Second},
			attempt: 10,
			want:    3 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.attempt, rng))
		})
	}
}

func TestRetryPolicyDelayJitterBounds(t *testing.T) {
	// Exponential with full jitter must stay within
	// [0, clamp(initial*2^(attempt-1), maxDelay)] for every attempt.
	policy := RetryPolicy{
		Strategy:     RetryExponential,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Jitter:       JitterFull,
	}
	rng := rand.New(rand.NewSource(42))

	for attempt := 1; attempt <= 12; attempt++ {
		upper := 10 * time.Millisecond
		for i := 1; i < attempt; i++ {
			upper *= 2
		}
		if upper > time.Second {
			upper = time.Second
		}

		for i := 0; i < 200; i++ {
			d := policy.Delay(attempt, rng)
			require.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", attempt)
			require.LessOrEqual(t, d, upper, "attempt %d", attempt)
		}
	}
}

func TestRetryPolicyDelayEqualJitter(t *testing.T) {
	policy := RetryPolicy{
		Strategy:     RetryFixed,
		InitialDelay: 100 * time.Millisecond,
		Jitter:       JitterEqual,
	}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		d := policy.Delay(1, rng)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 100*time.Millisecond)
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	policy := RetryPolicy{Strategy: RetryExponential, MaxAttempts: 3, InitialDelay: time.Millisecond}

	assert.True(t, policy.ShouldRetry(1))
	assert.True(t, policy.ShouldRetry(2))
	assert.False(t, policy.ShouldRetry(3))

	none := RetryPolicy{Strategy: RetryNone, MaxAttempts: 5}
	assert.False(t, none.ShouldRetry(1))
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"valid exponential", RetryPolicy{Strategy: RetryExponential, MaxAttempts: 3, InitialDelay: time.Second, Jitter: JitterFull}, false},
		{"empty strategy ok", RetryPolicy{}, false},
		{"bad strategy", RetryPolicy{Strategy: "cubic"}, true},
		{"bad jitter", RetryPolicy{Strategy: RetryFixed, Jitter: "partial"}, true},
		{"negative delay", RetryPolicy{Strategy: RetryFixed, InitialDelay: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("repo.ingest", func(ctx context.Context, rc *RunContext) (*Result, error) {
		return &Result{}, nil
	}))

	_, err := r.Resolve("repo.ingest")
	require.NoError(t, err)

	_, err = r.Resolve("missing")
	assert.Error(t, err)

	err = r.Register("repo.ingest", func(ctx context.Context, rc *RunContext) (*Result, error) {
		return nil, nil
	})
	assert.Error(t, err, "duplicate registration must fail")
}
