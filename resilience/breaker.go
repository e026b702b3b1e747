package resilience

import (
	"sync"
	"time"

	"github.com/latticekit/foundation/foundationerr"
)

// State is a circuit breaker's current position in its state machine
// (spec.md §4.6 "circuit breaker").
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// MinimumCalls is how many outcomes must be observed over the
	// breaker's lifetime before failure-ratio evaluation is armed at all
	// — the warm-up gate that keeps a handful of early failures from
	// tripping the breaker before it has seen meaningful traffic. This
	// count is never pruned by Window; it only ever grows while the
	// breaker is Closed. Default 10.
	MinimumCalls int
	// FailureThreshold is the failure ratio (0..1), evaluated over the
	// outcomes currently inside Window, that trips the breaker once
	// MinimumCalls is reached. Default 1.0.
	FailureThreshold float64
	// Window is the rolling duration over which outcomes count toward
	// the failure ratio; an outcome older than Window is pruned before
	// each evaluation (spec.md §3 "the sample window records pass/fail
	// outcomes within a rolling duration"). Default 30s.
	Window time.Duration
	// BreakDuration is how long the breaker stays Open before allowing
	// a single half-open probe. Default 5s.
	BreakDuration time.Duration
}

type outcome struct {
	at      time.Time
	success bool
}

// CircuitBreaker trips to Open once at least MinimumCalls outcomes have
// been observed over its lifetime and the failure ratio within the last
// Window of wall-clock time reaches FailureThreshold. Aging outcomes out
// of Window (rather than capping the window to a fixed outcome count) is
// what lets a burst of recent failures trip the breaker even shortly
// after a long run of successes — see spec.md §8's circuit-breaker-trip
// scenario and DESIGN.md.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg CircuitBreakerConfig

	state    State
	openedAt time.Time
	window   []outcome
	// seen counts outcomes observed while Closed, for the whole lifetime
	// of the breaker (or since it last closed from HalfOpen) — the
	// MinimumCalls warm-up gate. Unlike window, it is never pruned by
	// Window elapsing.
	seen          int64
	probeInFlight bool
}

// NewCircuitBreaker builds a CircuitBreaker from cfg, applying defaults
// to any zero fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MinimumCalls <= 0 {
		cfg.MinimumCalls = 10
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1.0
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.BreakDuration <= 0 {
		cfg.BreakDuration = 5 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: Closed}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// allow reports whether a call may proceed, transitioning Open to
// HalfOpen once BreakDuration has elapsed. Returns foundationerr.ErrCircuitOpen
// when the call must be rejected.
func (cb *CircuitBreaker) allow(now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if now.Before(cb.openedAt.Add(cb.cfg.BreakDuration)) {
			return foundationerr.ErrCircuitOpen
		}
		cb.state = HalfOpen
		cb.probeInFlight = true
		return nil
	case HalfOpen:
		if cb.probeInFlight {
			return foundationerr.ErrCircuitOpen
		}
		cb.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// recordResult records an attempt's outcome and updates state.
func (cb *CircuitBreaker) recordResult(success bool, now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == HalfOpen {
		cb.probeInFlight = false
		cb.window = cb.window[:0]
		if success {
			cb.state = Closed
			cb.seen = 0
		} else {
			cb.state = Open
			cb.openedAt = now
		}
		return
	}

	cb.seen++
	cb.window = append(cb.window, outcome{at: now, success: success})
	cb.pruneLocked(now)

	if cb.seen < int64(cb.cfg.MinimumCalls) || len(cb.window) == 0 {
		return
	}

	failures := 0
	for _, o := range cb.window {
		if !o.success {
			failures++
		}
	}
	if float64(failures)/float64(len(cb.window)) >= cb.cfg.FailureThreshold {
		cb.state = Open
		cb.openedAt = now
		cb.window = cb.window[:0]
	}
}

// pruneLocked drops outcomes older than Window relative to now. Callers
// must hold cb.mu.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.Window)
	i := 0
	for i < len(cb.window) && cb.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.window = append(cb.window[:0], cb.window[i:]...)
	}
}
