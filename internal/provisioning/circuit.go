package provisioning

import (
	"sync"
	"time"

	"vpnova-bot/internal/clock"
)

// CircuitState is the current position of the panel circuit breaker.
type CircuitState int

const (
	// CircuitClosed: panel considered healthy, calls pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen: a run of failures tripped the breaker, calls are
	// short-circuited until the cool-down elapses.
	CircuitOpen
	// CircuitHalfOpen: cool-down elapsed, a probe call is allowed through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the panel against being hammered while degraded.
// Tasks that find the circuit open stay pending; they are retried once it
// closes again. Safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration
	successThreshold int
	clock            clock.Clock

	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
}

func NewCircuitBreaker(failureThreshold int, cooldown time.Duration, clk clock.Clock) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		successThreshold: 1,
		clock:            clk,
		state:            CircuitClosed,
	}
}

// Allow reports whether a panel call may be issued now. An open circuit
// transitions to half-open once the cool-down has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.clock.Now().Sub(cb.lastFailureTime) > cb.cooldown {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.clock.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		// Probe failed, reopen immediately.
		cb.state = CircuitOpen
		cb.failures = cb.failureThreshold
		cb.successes = 0
	}
}

// State returns the state an Allow call would observe.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.clock.Now().Sub(cb.lastFailureTime) > cb.cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}
