package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/latticekit/foundation/timesource"
)

var errBoom = errors.New("boom")

func TestPolicy_RetriesUntilSuccess(t *testing.T) {
	p := NewPolicy(PolicyOptions{
		Retry: RetryConfig{MaxAttempts: 5, Strategy: ConstantDelay, BaseDelay: time.Millisecond},
	})

	attempts := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("want 3 attempts, got %d", attempts)
	}
}

func TestPolicy_GivesUpAfterMaxAttempts(t *testing.T) {
	p := NewPolicy(PolicyOptions{
		Retry: RetryConfig{MaxAttempts: 3, Strategy: ConstantDelay, BaseDelay: time.Millisecond},
	})

	attempts := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		attempts++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("want errBoom, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("want 3 attempts, got %d", attempts)
	}
}

func TestPolicy_UnhandledErrorBypassesRetry(t *testing.T) {
	errFatal := errors.New("fatal")
	p := NewPolicy(PolicyOptions{
		Retry: RetryConfig{MaxAttempts: 5, Unhandled: []error{errFatal}, BaseDelay: time.Millisecond},
	})

	attempts := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		attempts++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("want errFatal, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("want 1 attempt, got %d", attempts)
	}
}

func TestPolicy_TimeoutCountsAsFailedAttempt(t *testing.T) {
	p := NewPolicy(PolicyOptions{
		Retry:   RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Timeout: TimeoutConfig{PerAttempt: 10 * time.Millisecond},
	})

	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("want a timeout error")
	}
	if attempts != 2 {
		t.Fatalf("want 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithState_ThreadsStateThrough(t *testing.T) {
	p := NewPolicy(PolicyOptions{Retry: RetryConfig{MaxAttempts: 1}})

	type ctxState struct{ n int }
	err := ExecuteWithState(context.Background(), p, ctxState{n: 7}, func(_ context.Context, s ctxState) error {
		if s.n != 7 {
			t.Fatalf("state not threaded: got %d", s.n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithState: %v", err)
	}
}

// TestCircuitBreaker_TripsAndRecovers reproduces spec.md §8's concrete
// circuit-breaker-trip scenario: minimum_calls=10, threshold=100%,
// break=5s. 10 successes leave the breaker Closed; the rolling Window
// then ages those successes out before the failures arrive, so the first
// failure is evaluated against a window holding only itself (1/1 = 100%)
// and trips the breaker to Open, and the second failing call is rejected
// fast by the open breaker. A fixed-count window of the last MinimumCalls
// outcomes could never reach 100% here (see DESIGN.md).
func TestCircuitBreaker_TripsAndRecovers(t *testing.T) {
	clock := timesource.NewVirtual(time.Unix(0, 0))
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MinimumCalls:     10,
		FailureThreshold: 1.0,
		Window:           time.Second,
		BreakDuration:    5 * time.Second,
	})
	p := NewPolicy(PolicyOptions{Retry: RetryConfig{MaxAttempts: 1}, Breaker: cb, Clock: clock})

	run := func(fail bool) error {
		return p.Execute(context.Background(), func(context.Context) error {
			if fail {
				return errBoom
			}
			return nil
		})
	}

	for i := 0; i < 10; i++ {
		_ = run(false)
	}
	if cb.State() != Closed {
		t.Fatalf("want Closed after 10 successes, got %s", cb.State())
	}

	// Let the 10 successes age out of the 1s rolling window before the
	// failures arrive.
	clock.Advance(2 * time.Second)

	_ = run(true) // window now just [fail] (the 10 successes aged out) — ratio 1.0 >= 1.0 threshold, trips immediately
	_ = run(true) // rejected fast by the now-open breaker, as spec.md's scenario expects for calls after the trip

	if cb.State() != Open {
		t.Fatalf("want Open, got %s", cb.State())
	}

	// Still within break_duration — rejected without invoking op.
	called := false
	err := p.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	if called {
		t.Fatal("op invoked while breaker open")
	}
	if err == nil {
		t.Fatal("want circuit-open error")
	}

	clock.Advance(6 * time.Second)

	// The probe succeeds — breaker closes.
	if err := run(false); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if cb.State() != Closed {
		t.Fatalf("want Closed after successful probe, got %s", cb.State())
	}
}
