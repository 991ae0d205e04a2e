// Package breaker implements the three-state circuit breaker described in
// spec.md §4.2: a mutex-guarded gate around the subprocess dependency that
// trips after a run of consecutive failures and recovers through a single
// half-open probe.
package breaker

import (
	"sync"
	"time"

	"github.com/arthurcrodrigues/taskfabric/pkg/models"
)

// Decision is the result of a call to Allow.
type Decision int

const (
	// Permit means the caller may dispatch. In half_open state, at most
	// one Permit is ever handed out per open period.
	Permit Decision = iota
	// Denied means dispatch must be refused with circuit_open.
	Denied
)

// CircuitBreaker gates dispatch to an unreliable downstream. Safe for
// concurrent use; the half-open probe election is a compare-and-swap on an
// internal flag so concurrent callers serialize correctly.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	openDuration     time.Duration

	state               models.CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	now func() time.Time
}

// New builds a CircuitBreaker starting in the closed state.
func New(failureThreshold int, openDuration time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		state:            models.CircuitClosed,
		now:              time.Now,
	}
}

// Allow asks the breaker for permission to dispatch one Attempt.
func (b *CircuitBreaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitClosed:
		return Permit

	case models.CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.openDuration {
			b.state = models.CircuitHalfOpen
			b.probeInFlight = true
			return Permit
		}
		return Denied

	case models.CircuitHalfOpen:
		if b.probeInFlight {
			return Denied
		}
		b.probeInFlight = true
		return Permit

	default:
		return Denied
	}
}

// RecordSuccess reports a successful Attempt outcome.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false
	b.state = models.CircuitClosed
}

// RecordFailure reports a failed Attempt outcome. circuit_open and
// lock_conflict outcomes must never reach here (spec.md §4.2: denials are
// not failures).
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false

	if b.state == models.CircuitHalfOpen {
		b.state = models.CircuitOpen
		b.openedAt = b.now()
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.state = models.CircuitOpen
		b.openedAt = b.now()
	}
}

// State reports the current state, for heartbeats and metrics.
func (b *CircuitBreaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StateGauge maps the breaker state to the 0/1/2 gauge value spec.md §4.8
// requires for watcher_circuit_breaker_state.
func StateGauge(s models.CircuitState) float64 {
	switch s {
	case models.CircuitClosed:
		return 0
	case models.CircuitOpen:
		return 1
	case models.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}
