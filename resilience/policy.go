// Package resilience composes retry, per-attempt timeout and circuit
// breaking into a single reusable Policy (spec.md §4.6). A Policy is
// built once via NewPolicy and is immutable afterward, so the same
// instance can be shared across goroutines and registered under a name
// in a Registry for call sites that only know the policy by name.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/latticekit/foundation/logging"
	"github.com/latticekit/foundation/timesource"
)

// DelayStrategy selects how the delay between retry attempts grows.
type DelayStrategy int

const (
	ConstantDelay DelayStrategy = iota
	LinearDelay
	ExponentialDelay
)

// RetryConfig governs retry behavior (spec.md §4.6 "retry").
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first;
	// <= 1 means no retries.
	MaxAttempts int
	Strategy    DelayStrategy
	BaseDelay   time.Duration
	// Increment is the per-attempt delay growth for LinearDelay.
	Increment time.Duration
	// Multiplier is the per-attempt delay growth factor for
	// ExponentialDelay; 0 defaults to 2.
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter randomizes the delay by up to this fraction (0..1).
	Jitter float64
	// ShouldRetry, if set, is consulted after Unhandled; returning false
	// stops retrying even though attempts remain.
	ShouldRetry func(attempt int, err error) bool
	// Unhandled lists errors (matched via errors.Is) that must bypass
	// retry entirely and propagate on the first occurrence (spec.md
	// §4.6 "unhandled error classes bypass retry").
	Unhandled []error
}

// TimeoutConfig bounds each individual attempt (spec.md §4.6 "timeout").
type TimeoutConfig struct {
	// PerAttempt, if > 0, wraps each attempt's context with a deadline.
	// A timed-out attempt counts as a failed attempt toward both retry
	// and the circuit breaker.
	PerAttempt time.Duration
}

// PolicyOptions configures a Policy; all fields are optional.
type PolicyOptions struct {
	Retry   RetryConfig
	Timeout TimeoutConfig
	// Breaker, if set, gates every attempt and records its outcome. The
	// same *CircuitBreaker can be passed to multiple Policies so they
	// share trip state (spec.md §4.6 "breakers may be shared across
	// policies").
	Breaker *CircuitBreaker
	Clock   timesource.Clock
	Logger  logging.Logger
}

// Policy is an immutable, composable execution wrapper.
type Policy struct {
	retry   RetryConfig
	timeout TimeoutConfig
	breaker *CircuitBreaker
	clock   timesource.Clock
	logger  logging.Logger
}

// NewPolicy builds a Policy from opt. The result never mutates; building
// a different policy means calling NewPolicy again.
func NewPolicy(opt PolicyOptions) *Policy {
	clock := opt.Clock
	if clock == nil {
		clock = timesource.Real{}
	}
	logger := opt.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Policy{
		retry:   opt.Retry,
		timeout: opt.Timeout,
		breaker: opt.Breaker,
		clock:   clock,
		logger:  logger,
	}
}

// Execute runs op under the policy's retry/timeout/breaker rules.
func (p *Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	return ExecuteWithState(ctx, p, struct{}{}, func(ctx context.Context, _ struct{}) error {
		return op(ctx)
	})
}

// ExecuteWithState is Execute, threading an arbitrary value through to
// op without a closure allocation per call — a package-level generic
// function since Go methods can't carry their own type parameters
// (spec.md §4.6 "execute_with_state").
func ExecuteWithState[S any](ctx context.Context, p *Policy, state S, op func(context.Context, S) error) error {
	attempts := p.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var bo backoff.BackOff
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.breaker != nil {
			if err := p.breaker.allow(p.clock.Now()); err != nil {
				return err
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.timeout.PerAttempt > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.timeout.PerAttempt)
		}
		err := op(attemptCtx, state)
		if cancel != nil {
			cancel()
		}

		if p.breaker != nil {
			p.breaker.recordResult(err == nil, p.clock.Now())
		}

		if err == nil {
			return nil
		}
		lastErr = err

		if p.isUnhandled(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.retry.ShouldRetry != nil && !p.retry.ShouldRetry(attempt, err) {
			break
		}

		if bo == nil {
			bo = p.newBackOff()
		}
		delay := p.nextDelay(bo)
		if delay > 0 {
			if serr := p.clock.Sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}

	return lastErr
}

func (p *Policy) isUnhandled(err error) bool {
	for _, u := range p.retry.Unhandled {
		if errors.Is(err, u) {
			return true
		}
	}
	return false
}

func (p *Policy) newBackOff() backoff.BackOff {
	switch p.retry.Strategy {
	case LinearDelay:
		return &linearBackOff{base: p.retry.BaseDelay, increment: p.retry.Increment, max: p.retry.MaxDelay}
	case ExponentialDelay:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.retry.BaseDelay
		if p.retry.Multiplier > 0 {
			b.Multiplier = p.retry.Multiplier
		}
		if p.retry.MaxDelay > 0 {
			b.MaxInterval = p.retry.MaxDelay
		}
		b.RandomizationFactor = p.retry.Jitter
		b.MaxElapsedTime = 0
		return b
	default:
		return backoff.NewConstantBackOff(p.retry.BaseDelay)
	}
}

// nextDelay pulls the next interval from bo, applying manual jitter for
// strategies whose backoff.BackOff implementation doesn't already
// randomize it (ExponentialDelay does, via RandomizationFactor).
func (p *Policy) nextDelay(bo backoff.BackOff) time.Duration {
	d := bo.NextBackOff()
	if p.retry.Strategy != ExponentialDelay && p.retry.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.retry.Jitter * float64(d))
	}
	return d
}

// linearBackOff grows its interval by a fixed increment each call —
// backoff/v4 ships constant and exponential strategies but not linear.
type linearBackOff struct {
	base      time.Duration
	increment time.Duration
	max       time.Duration
	n         int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	d := l.base + time.Duration(l.n)*l.increment
	l.n++
	if l.max > 0 && d > l.max {
		d = l.max
	}
	return d
}

func (l *linearBackOff) Reset() { l.n = 0 }
