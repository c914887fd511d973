// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package provider

import (
	"sync"
	"time"

	talonerr "github.com/talon-dev/talon/pkg/errors"
	"github.com/talon-dev/talon/pkg/health"
)

// CircuitState is the breaker's position.
type CircuitState string

const (
	// CircuitClosed is normal operation; calls flow through.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen rejects calls immediately until the cool-off elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen allows exactly one probe call to test recovery.
	CircuitHalfOpen CircuitState = "half_open"
)

// DefaultFailureThreshold is the number of consecutive failures that
// opens the circuit.
const DefaultFailureThreshold = 5

// DefaultOpenDuration is how long the circuit stays open before allowing
// a half-open probe.
const DefaultOpenDuration = 60 * time.Second

// CircuitBreaker isolates a failing provider. One breaker exists per
// registered provider; its state is the only mutable provider state
// visible outside a single call.
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	totalFailures  int64
	totalSuccesses int64
	lastFailureAt  time.Time

	failureThreshold int
	openDuration     time.Duration
	nowFunc          func() time.Time // for testing
}

// NewCircuitBreaker creates a closed breaker. Returns an error if the
// threshold is not positive or the open duration is not positive.
func NewCircuitBreaker(failureThreshold int, openDuration time.Duration) (*CircuitBreaker, error) {
	if failureThreshold <= 0 {
		return nil, talonerr.Errorf(talonerr.CodeConfigValidateInvalidValue,
			"circuit breaker failure threshold must be positive, got %d", failureThreshold)
	}
	if openDuration <= 0 {
		return nil, talonerr.Errorf(talonerr.CodeConfigValidateInvalidValue,
			"circuit breaker open duration must be positive, got %s", openDuration)
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		nowFunc:          time.Now,
	}, nil
}

// Allow reports whether a call may proceed. When the cool-off has elapsed
// it transitions to half-open and admits exactly one probe; concurrent
// calls during the probe are rejected.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.nowFunc().Sub(b.openedAt) >= b.openDuration {
			b.state = CircuitHalfOpen
			b.probing = true
			return true
		}
		return false
	case CircuitHalfOpen:
		// A probe is already in flight.
		return false
	}
	return false
}

// RecordSuccess closes the circuit and resets the consecutive failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.totalSuccesses++
	b.state = CircuitClosed
	b.probing = false
}

// RecordFailure counts a failure; at the threshold (or on a failed probe)
// the circuit opens and the cool-off timer restarts.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.totalFailures++
	b.lastFailureAt = b.nowFunc()

	if b.state == CircuitHalfOpen || b.consecutiveFailures >= b.failureThreshold {
		b.state = CircuitOpen
		b.openedAt = b.nowFunc()
		b.probing = false
	}
}

// State returns the breaker's current position without side effects.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetNowFunc overrides the time source (for testing).
func (b *CircuitBreaker) SetNowFunc(fn func() time.Time) {
	b.mu.Lock()
	b.nowFunc = fn
	b.mu.Unlock()
}

// Metrics returns a point-in-time snapshot of the breaker state.
func (b *CircuitBreaker) Metrics() health.Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := health.Metrics{
		State:               string(b.state),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		Available:           b.state == CircuitClosed,
	}

	if b.totalFailures > 0 {
		t := b.lastFailureAt
		m.LastFailureAt = &t
	}

	if b.state == CircuitOpen {
		until := b.openedAt.Add(b.openDuration)
		m.OpenUntil = &until
		m.Available = b.nowFunc().Sub(b.openedAt) >= b.openDuration
	}
	return m
}
