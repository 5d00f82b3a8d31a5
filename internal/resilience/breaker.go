// Package resilience implements the per-backend resilience policy
// engine: a circuit breaker state machine, failure classification,
// and a retrying executor with exponential backoff.
package resilience

import (
	"sync"
	"time"

	"github.com/mealmind/gateway/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and calls fail fast.
	StateOpen

	// StateHalfOpen indicates a single trial call is probing the backend.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Decision is the admission verdict for a prospective call.
type Decision int

const (
	// Allow admits the call normally.
	Allow Decision = iota

	// AllowTrial admits the single half-open trial call.
	AllowTrial

	// Reject fails the call fast without a network attempt.
	Reject
)

// snapshot is the complete circuit state. Transitions over snapshots
// are pure functions so the state machine is testable without clocks,
// locks, or network I/O.
type snapshot struct {
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// admit decides whether a call may proceed and returns the successor
// state. Open circuits transition to HalfOpen once the open duration
// has elapsed, admitting exactly one trial; concurrent callers during
// the trial are rejected.
func admit(s snapshot, openFor time.Duration, now time.Time) (snapshot, Decision) {
	switch s.state {
	case StateClosed:
		return s, Allow

	case StateOpen:
		if now.Sub(s.openedAt) < openFor {
			return s, Reject
		}
		s.state = StateHalfOpen
		s.trialInFlight = true
		return s, AllowTrial

	case StateHalfOpen:
		if s.trialInFlight {
			return s, Reject
		}
		s.trialInFlight = true
		return s, AllowTrial

	default:
		return s, Reject
	}
}

// record folds a completed call's outcome into the state. A success in
// HalfOpen closes the circuit and resets the counter; a failure in
// HalfOpen reopens it immediately and restarts the open timer. In
// Closed, reaching the failure threshold opens the circuit.
func record(s snapshot, success bool, threshold int, now time.Time) snapshot {
	switch s.state {
	case StateHalfOpen:
		s.trialInFlight = false
		if success {
			s.state = StateClosed
			s.failures = 0
		} else {
			s.state = StateOpen
			s.openedAt = now
		}
		return s

	case StateClosed:
		if success {
			s.failures = 0
			return s
		}
		s.failures++
		if s.failures >= threshold {
			s.state = StateOpen
			s.openedAt = now
			s.failures = 0
		}
		return s

	default:
		// A late result for a call admitted before the circuit opened.
		return s
	}
}

// StateChangeFunc is called when the breaker changes state.
type StateChangeFunc func(name string, from, to State)

// Breaker is a per-backend circuit breaker. All transitions happen
// under one mutex so the failure counter and state change atomically.
type Breaker struct {
	name      string
	threshold int
	openFor   time.Duration
	logger    observability.Logger
	onChange  StateChangeFunc
	now       func() time.Time

	mu   sync.Mutex
	snap snapshot
}

// BreakerOption is a functional option for configuring a breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the logger for the breaker.
func WithBreakerLogger(logger observability.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithStateChangeCallback sets a callback for state changes.
func WithStateChangeCallback(fn StateChangeFunc) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// WithClock overrides the breaker's clock. Used in tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a circuit breaker for the named backend.
func NewBreaker(name string, threshold int, openFor time.Duration, opts ...BreakerOption) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		openFor:   openFor,
		logger:    observability.NopLogger(),
		now:       time.Now,
		snap:      snapshot{state: StateClosed},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Admit decides whether a call may proceed.
func (b *Breaker) Admit() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, decision := admit(b.snap, b.openFor, b.now())
	b.applyLocked(next)
	return decision
}

// Record folds a completed call's outcome into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := record(b.snap, success, b.threshold, b.now())
	b.applyLocked(next)
}

// Abort releases an admitted call without recording an outcome, used
// when the inbound request is cancelled mid-flight. In HalfOpen this
// frees the trial slot so the next caller may probe again.
func (b *Breaker) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap.trialInFlight = false
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.state
}

// Failures returns the current rolling failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.failures
}

// OpenedAt returns when the circuit last opened.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.openedAt
}

// RetryAfter returns how long until an open circuit will admit a
// trial call, used for the Retry-After response hint. Zero for
// circuits that are not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.snap.state != StateOpen {
		return 0
	}
	remaining := b.openFor - b.now().Sub(b.snap.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// applyLocked installs the successor state, firing callbacks on a
// state change. Caller holds b.mu.
func (b *Breaker) applyLocked(next snapshot) {
	if next.state != b.snap.state {
		b.logger.Info("circuit breaker state changed",
			observability.String("backend", b.name),
			observability.String("from", b.snap.state.String()),
			observability.String("to", next.state.String()),
		)
		if b.onChange != nil {
			b.onChange(b.name, b.snap.state, next.state)
		}
	}
	b.snap = next
}
