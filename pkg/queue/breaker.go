package queue

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the breaker's current mode.
type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
)

// CircuitBreaker sheds enqueue attempts while the broker is failing: after
// threshold consecutive failures it opens for cooldown seconds, then lets a
// probe attempt through. Persistence is best-effort relative to delivery, so
// shedding here never blocks the real-time path.
type CircuitBreaker struct {
	threshold int64
	cooldown  time.Duration

	failures     atomic.Int64
	state        atomic.Int32
	openedAtNano atomic.Int64
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and cools down for cooldownSeconds.
func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int64(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

// Allow reports whether an attempt may proceed. While open, it returns false
// until the cooldown elapses, then permits a probe attempt.
func (cb *CircuitBreaker) Allow() bool {
	if CircuitBreakerState(cb.state.Load()) == CircuitBreakerClosed {
		return true
	}
	return time.Now().UnixNano()-cb.openedAtNano.Load() >= int64(cb.cooldown)
}

// RecordFailure counts one failed attempt. At the threshold the breaker
// opens; a failure while already open (a failed probe) restarts the cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	if cb.failures.Add(1) >= cb.threshold {
		cb.state.Store(int32(CircuitBreakerOpen))
		cb.openedAtNano.Store(time.Now().UnixNano())
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// State returns the breaker's current mode.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}
