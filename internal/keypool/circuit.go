package keypool

import (
	"sync"
	"time"
)

// CircuitState is one of the three states of the per-key breaker.
type CircuitState int

const (
	CLOSED CircuitState = iota
	OPEN
	HALF_OPEN
)

func (s CircuitState) String() string {
	switch s {
	case OPEN:
		return "OPEN"
	case HALF_OPEN:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// CircuitBreaker is a per-key CLOSED/OPEN/HALF_OPEN state machine gated
// on a rolling failure window, generalized from the health-tracker's
// "unusable below threshold" idea but reshaped into an explicit
// CLOSED/OPEN/HALF_OPEN state machine.
type CircuitBreaker struct {
	mu sync.Mutex

	failureWindow   time.Duration
	failureThreshold int
	cooldownPeriod  time.Duration
	halfOpenTimeout time.Duration

	state        CircuitState
	failures     []time.Time
	openedAt     time.Time
	nextProbeAt  time.Time
	probeStarted time.Time
	probeInFlight bool
}

// NewCircuitBreaker constructs a breaker in the CLOSED state.
func NewCircuitBreaker(failureWindow, cooldownPeriod, halfOpenTimeout time.Duration, failureThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		failureWindow:    failureWindow,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldownPeriod,
		halfOpenTimeout:  halfOpenTimeout,
		state:            CLOSED,
	}
}

// purgeStale drops failure records older than failureWindow. Must be
// called with mu held.
func (b *CircuitBreaker) purgeStale(now time.Time) {
	cutoff := now.Add(-b.failureWindow)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

// Allow reports whether a request may be sent on this key right now, and
// if the state machine has just transitioned CLOSED/OPEN/HALF_OPEN as a
// side effect of time passing (e.g. cooldownPeriod elapsed).
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()

	switch b.state {
	case CLOSED:
		return true
	case OPEN:
		if !now.Before(b.nextProbeAt) {
			b.state = HALF_OPEN
			b.probeInFlight = false
		}
		return b.state == HALF_OPEN && !b.probeInFlight
	case HALF_OPEN:
		return !b.probeInFlight
	}
	return false
}

// BeginProbe marks the single admitted HALF_OPEN probe as in flight. Call
// only after Allow() returned true while in HALF_OPEN.
func (b *CircuitBreaker) BeginProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HALF_OPEN {
		b.probeInFlight = true
		b.probeStarted = time.Now()
	}
}

// RecordSuccess resets the breaker to CLOSED with an empty failure window.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CLOSED
	b.failures = nil
	b.probeInFlight = false
}

// RecordFailure appends a failure timestamp, purges stale ones, and trips
// the breaker to OPEN once failureThreshold is reached within the window.
// A failure observed during a HALF_OPEN probe immediately reopens.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()

	if b.state == HALF_OPEN {
		b.trip(now)
		return
	}

	b.purgeStale(now)
	b.failures = append(b.failures, now)
	b.purgeStale(now)

	if len(b.failures) >= b.failureThreshold {
		b.trip(now)
	}
}

// trip moves the breaker to OPEN and schedules the next probe.
// nextProbeAt is monotonically non-decreasing within an OPEN interval
// because trip only extends it forward, never backward.
func (b *CircuitBreaker) trip(now time.Time) {
	b.state = OPEN
	b.openedAt = now
	b.probeInFlight = false
	next := now.Add(b.cooldownPeriod)
	if next.After(b.nextProbeAt) {
		b.nextProbeAt = next
	}
}

// CheckProbeTimeout reopens the breaker if a HALF_OPEN probe has been in
// flight longer than halfOpenTimeout without a terminal outcome.
func (b *CircuitBreaker) CheckProbeTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HALF_OPEN && b.probeInFlight && time.Since(b.probeStarted) > b.halfOpenTimeout {
		b.trip(time.Now())
	}
}

// State returns the current state for observability endpoints.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceState lets an operator endpoint (`POST /control/circuit/{idx}/{STATE}`)
// override the state directly.
func (b *CircuitBreaker) ForceState(s CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	if s == OPEN {
		b.trip(time.Now())
	} else if s == CLOSED {
		b.failures = nil
		b.probeInFlight = false
	}
}
