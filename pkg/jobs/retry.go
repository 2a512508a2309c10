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
	"fmt"
	"math/rand"
	"time"
)

// RetryStrategy selects how the delay grows between attempts.
type RetryStrategy string

const (
	// RetryNone disables retries.
	RetryNone RetryStrategy = "none"

	// RetryFixed waits InitialDelay between every attempt.
	RetryFixed RetryStrategy = "fixed"

	// RetryExponential doubles the delay per attempt: InitialDelay * 2^(attempt-1).
	RetryExponential RetryStrategy = "exponential"
)

// Jitter selects how randomness is applied to a computed delay.
type Jitter string

const (
	// JitterNone applies the computed delay as-is.
	JitterNone Jitter = "none"

	// JitterFull draws uniformly from [0, delay].
	JitterFull Jitter = "full"

	// JitterEqual draws uniformly from [delay/2, delay].
	JitterEqual Jitter = "equal"
)

// RetryPolicy controls re-execution of a run after a retriable failure.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int `json:"maxAttempts"`

	Strategy RetryStrategy `json:"strategy"`

	// InitialDelay seeds the backoff computation.
	InitialDelay time.Duration `json:"initialDelay"`

	// MaxDelay clamps the computed delay. Zero means no clamp.
	MaxDelay time.Duration `json:"maxDelay,omitempty"`

	Jitter Jitter `json:"jitter,omitempty"`
}

// DefaultRetryPolicy is applied to definitions that do not declare one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  1,
	Strategy:     RetryNone,
	InitialDelay: time.Second,
}

// Validate checks the policy fields.
func (p RetryPolicy) Validate() error {
	switch p.Strategy {
	case RetryNone, RetryFixed, RetryExponential, "":
	default:
		return fmt.Errorf("invalid retry strategy: %s", p.Strategy)
	}
	switch p.Jitter {
	case JitterNone, JitterFull, JitterEqual, "":
	default:
		return fmt.Errorf("invalid retry jitter: %s", p.Jitter)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial delay must not be negative")
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max delay must not be negative")
	}
	return nil
}

// Attempts returns the effective attempt budget, never below 1.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// ShouldRetry reports whether another attempt is allowed after the given
// attempt number failed.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	if p.Strategy == RetryNone || p.Strategy == "" {
		return false
	}
	return attempt < p.Attempts()
}

// Delay computes the wait before the attempt following the given one.
// The attempt argument is the attempt that just failed, starting at 1.
// The result always lies within [0, clamp(initial*2^(attempt-1), maxDelay)].
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base time.Duration
	switch p.Strategy {
	case RetryFixed:
		base = p.InitialDelay
	case RetryExponential:
		base = p.InitialDelay
		for i := 1; i < attempt; i++ {
			base *= 2
			if p.MaxDelay > 0 && base >= p.MaxDelay {
				break
			}
			// Guard against overflow on absurd attempt counts.
			if base < 0 {
				base = p.MaxDelay
				break
			}
		}
	default:
		return 0
	}

	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}
	if base <= 0 {
		return 0
	}

	switch p.Jitter {
	case JitterFull:
		return time.Duration(rng.Int63n(int64(base) + 1))
	case JitterEqual:
		half := base / 2
		return half + time.Duration(rng.Int63n(int64(base-half)+1))
	default:
		return base
	}
}
