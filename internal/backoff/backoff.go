// Copyright 2025 Presso Authors
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

// Package backoff provides the fixed-delay retry helper used by the
// executor to honor a step's retry_policy, and a circuit breaker used by
// the dispatcher to stop hammering a dead worker.
package backoff

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fixed retries fn up to maxAttempts times, sleeping delay between failed
// attempts. It returns nil as soon as fn succeeds, or the last error once
// attempts are exhausted. Unlike a jittered exponential backoff, the delay
// is constant: n failed attempts followed by a success take a
// reproducible, testable elapsed time of at least n*delay.
func Fixed(ctx context.Context, maxAttempts int, delay time.Duration, fn func(attempt int) error) (attempts int, err error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempts, ctxErr
		}

		err = fn(attempt)
		if err == nil {
			return attempts, nil
		}

		if attempt == maxAttempts {
			break
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return attempts, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return attempts, err
}

// circuitState mirrors the three-state circuit breaker model.
type circuitState int

const (
	closed circuitState = iota
	open
	halfOpen
)

// CircuitBreaker trips open after maxFailures consecutive failures and
// stays open for resetTimeout before allowing a single half-open probe.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu         sync.Mutex
	state      circuitState
	failures   int
	lastFailAt time.Time
}

// NewCircuitBreaker creates a breaker for the named resource (typically a
// worker process name).
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{name: name, maxFailures: maxFailures, resetTimeout: resetTimeout}
}

// Allow reports whether a call should be attempted right now.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == open {
		if time.Since(b.lastFailAt) > b.resetTimeout {
			b.state = halfOpen
			return true
		}
		return false
	}
	return true
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = closed
	b.failures = 0
}

// RecordFailure increments the failure count, opening the breaker once
// maxFailures is reached (or immediately, from half-open).
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailAt = time.Now()
	if b.state == halfOpen || b.failures >= b.maxFailures {
		b.state = open
	}
}

// State returns a human-readable breaker state, useful for health checks.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by callers that choose to surface a tripped breaker
// as an error rather than checking Allow() themselves.
type ErrOpen struct{ Name string }

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}
