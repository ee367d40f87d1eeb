package quipodb

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails calls fast without reaching the provider.
	BreakerOpen
	// BreakerHalfOpen lets calls through to probe for recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops calling a provider after repeated failures.
//
// After maxFailures consecutive failures the breaker opens and calls fail
// with ErrBackendUnavailable. Once resetTimeout has passed one call is let
// through; its success closes the breaker, its failure reopens it.
// Permanent errors such as ErrNotFound do not count as failures.
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         BreakerState
	onStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = DefaultBreakerMaxFailures
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultBreakerResetTimeout
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// OnStateChange registers a callback for state transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"reason": "circuit breaker is open",
		})
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.setState(BreakerHalfOpen)
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && !IsPermanent(err) {
		cb.failures++
		cb.lastFailTime = time.Now()
		if cb.state == BreakerHalfOpen || (cb.failures >= cb.maxFailures && cb.state != BreakerOpen) {
			cb.setState(BreakerOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == BreakerHalfOpen {
		cb.setState(BreakerClosed)
	}
}

func (cb *CircuitBreaker) setState(next BreakerState) {
	prev := cb.state
	cb.state = next
	if cb.onStateChange != nil && prev != next {
		cb.onStateChange(prev, next)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(BreakerClosed)
}
