// Package circuitbreaker implements a circuit breaker for the backend REST
// client. While open, backend calls fail fast and the fetch strategies treat
// the failure like any other network error (cache fallback applies).
//
// State transitions:
//
//	Closed → Open        when consecutive failures ≥ FailureThreshold
//	Open   → HalfOpen   after Timeout elapses
//	HalfOpen → Closed   when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open     on any failure
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker's current state.
type State int

const (
	// StateClosed: normal operation; calls pass through.
	StateClosed State = iota
	// StateOpen: backend is considered failing; calls are rejected immediately.
	StateOpen
	// StateHalfOpen: probing recovery; calls pass through until the next result.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a call is rejected because the circuit is open.
var ErrOpen = errors.New("backend circuit breaker open")

// CircuitBreaker guards calls to a single backend.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openUntil        time.Time
	now              func() time.Time
	onChange         func(State)
}

// New creates a CircuitBreaker with the given thresholds and open timeout.
// Defaults are applied for zero/negative values: failureThreshold=5,
// successThreshold=1, timeout=30s.
func New(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
}

// WithClock replaces the breaker's time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

// OnStateChange registers fn to be called (outside the lock) after every
// state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(State)) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
	return cb
}

// State returns the current state, transitioning Open→HalfOpen if the timeout
// has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	before := cb.state
	s := cb.resolveState()
	fn := cb.onChange
	cb.mu.Unlock()
	notify(fn, before, s)
	return s
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() State {
	if cb.state == StateOpen && cb.now().After(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}
	return cb.state
}

// Allow returns true if a call should proceed (circuit is Closed or
// HalfOpen), false if it should be rejected (circuit is Open).
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != StateOpen
}

// Do runs fn if the circuit allows it and records the outcome. isFailure
// decides which errors count against the backend; nil counts every error.
func (cb *CircuitBreaker) Do(fn func() error, isFailure func(error) bool) error {
	if !cb.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// RecordSuccess notifies the breaker that a call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	before := cb.state
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
	after, fn := cb.state, cb.onChange
	cb.mu.Unlock()
	notify(fn, before, after)
}

// RecordFailure notifies the breaker that a call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	before := cb.state
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openUntil = cb.now().Add(cb.timeout)
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openUntil = cb.now().Add(cb.timeout)
		cb.successCount = 0
	}
	after, fn := cb.state, cb.onChange
	cb.mu.Unlock()
	notify(fn, before, after)
}

func notify(fn func(State), before, after State) {
	if fn != nil && before != after {
		fn(after)
	}
}
