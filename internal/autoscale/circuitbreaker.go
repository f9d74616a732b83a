package autoscale

import (
	"sync"
	"time"
)

// CircuitState is the CircuitBreaker's current disposition.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker trips the pool's task launcher off when a run of tasks
// fails in a row, rather than continuing to hammer a target that is down.
// Ported from the teacher's internal/worker.CircuitBreaker unchanged in
// shape; the crawl engine wires it to RunTaskFunc failures instead of job
// handler errors.
type CircuitBreaker struct {
	mu              sync.RWMutex
	failures        int
	threshold       int
	timeout         time.Duration
	state           CircuitState
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and attempts a half-open probe after timeout.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 10
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, timeout: timeout, state: CircuitClosed}
}

// Allow reports whether a new task may be launched.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.timeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default: // CircuitHalfOpen
		return true
	}
}

// RecordSuccess closes the circuit if it was probing in half-open state.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
	}
	cb.failures = 0
}

// RecordFailure counts a failure, tripping the circuit open once the
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()
	if cb.failures >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
