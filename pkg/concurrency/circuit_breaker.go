package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int32

const (
	// BreakerClosed allows operations through.
	BreakerClosed BreakerState = 0

	// BreakerOpen blocks operations after repeated failures.
	BreakerOpen BreakerState = 1

	// BreakerHalfOpen probes whether the downstream has recovered.
	BreakerHalfOpen BreakerState = 2
)

// String returns the lowercase state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// halfOpenSuccesses is the number of consecutive successes required to close
// the circuit again after probing.
const halfOpenSuccesses = 3

// CircuitBreaker guards the broker transport: after failureThreshold
// consecutive publish failures the circuit opens and publishes go straight to
// the offline queue until the reset timeout allows a probe.
type CircuitBreaker struct {
	state                int32 // atomic: BreakerState
	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	lastFailureNano      atomic.Int64
	failureThreshold     int64
	resetTimeout         time.Duration
	mu                   sync.Mutex
}

// NewCircuitBreaker creates a breaker with the given threshold and reset timeout.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen returns true while the circuit blocks operations. An open circuit
// transitions to half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) IsOpen() bool {
	if BreakerState(atomic.LoadInt32(&cb.state)) != BreakerOpen {
		return false
	}

	last := cb.lastFailureNano.Load()
	if last > 0 && time.Since(time.Unix(0, last)) > cb.resetTimeout {
		cb.transitionTo(BreakerHalfOpen)
		return false
	}
	return true
}

// RecordSuccess registers a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.consecutiveFailures.Store(0)

	if BreakerState(atomic.LoadInt32(&cb.state)) == BreakerHalfOpen {
		if cb.consecutiveSuccesses.Add(1) >= halfOpenSuccesses {
			cb.transitionTo(BreakerClosed)
		}
	}
}

// RecordFailure registers a failed operation, opening the circuit once the
// threshold is reached. Any failure while half-open reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.consecutiveSuccesses.Store(0)
	cb.lastFailureNano.Store(time.Now().UnixNano())

	failures := cb.consecutiveFailures.Add(1)
	state := BreakerState(atomic.LoadInt32(&cb.state))

	if state == BreakerClosed && failures >= cb.failureThreshold {
		cb.transitionTo(BreakerOpen)
	} else if state == BreakerHalfOpen {
		cb.transitionTo(BreakerOpen)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&cb.state))
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(BreakerClosed)
	cb.lastFailureNano.Store(0)
}

func (cb *CircuitBreaker) transitionTo(newState BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if BreakerState(atomic.LoadInt32(&cb.state)) == newState {
		return
	}
	atomic.StoreInt32(&cb.state, int32(newState))

	switch newState {
	case BreakerClosed:
		cb.consecutiveFailures.Store(0)
		cb.consecutiveSuccesses.Store(0)
	case BreakerHalfOpen:
		cb.consecutiveSuccesses.Store(0)
	}
}
