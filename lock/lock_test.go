package lock

import (
	"context"
	"testing"
	"time"

	"github.com/latticekit/foundation/bus"
	"github.com/latticekit/foundation/cache"
	"github.com/latticekit/foundation/timesource"
)

func newTestProvider(clock timesource.Clock) (*Provider, cache.Client) {
	c := cache.New(cache.Options{Clock: clock})
	b := bus.New(bus.Options{Clock: clock})
	return New(c, b, clock, nil), c
}

func TestLock_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	p, c := newTestProvider(nil)
	defer c.Close()

	h, err := p.Acquire(ctx, "job-a", time.Minute, 0)
	if err != nil || h == nil {
		t.Fatalf("Acquire: h=%v err=%v", h, err)
	}
	if !p.IsLocked(ctx, "job-a") {
		t.Fatal("want locked")
	}

	if h2, _ := p.Acquire(ctx, "job-a", time.Minute, 0); h2 != nil {
		t.Fatal("second Acquire with maxWait=0 should fail while held")
	}

	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if p.IsLocked(ctx, "job-a") {
		t.Fatal("want unlocked after Release")
	}

	// Double release is a no-op, not an error.
	if err := h.Release(ctx); err != nil {
		t.Fatalf("double Release: %v", err)
	}
}

func TestLock_ReleaseWakesWaiter(t *testing.T) {
	ctx := context.Background()
	p, c := newTestProvider(nil)
	defer c.Close()

	h, err := p.Acquire(ctx, "job-b", 60*time.Second, 0)
	if err != nil || h == nil {
		t.Fatalf("first Acquire: h=%v err=%v", h, err)
	}

	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h2, err := p.Acquire(ctx, "job-b", 60*time.Second, 5*time.Second)
		done <- result{h2, err}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil || r.h == nil {
			t.Fatalf("waiter failed to acquire after release: h=%v err=%v", r.h, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up after release")
	}
}

func TestLock_RenewExtendsLease(t *testing.T) {
	ctx := context.Background()
	clock := timesource.NewVirtual(time.Unix(0, 0))
	p, c := newTestProvider(clock)
	defer c.Close()

	h, err := p.Acquire(ctx, "job-c", 10*time.Second, 0)
	if err != nil || h == nil {
		t.Fatalf("Acquire: h=%v err=%v", h, err)
	}

	clock.Advance(8 * time.Second)
	ok, err := h.Renew(ctx, 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Renew: ok=%v err=%v", ok, err)
	}

	clock.Advance(9 * time.Second)
	if !p.IsLocked(ctx, "job-c") {
		t.Fatal("lock expired despite renewal")
	}
}

func TestLock_ForceRelease(t *testing.T) {
	ctx := context.Background()
	p, c := newTestProvider(nil)
	defer c.Close()

	h, err := p.Acquire(ctx, "job-d", time.Minute, 0)
	if err != nil || h == nil {
		t.Fatalf("Acquire: h=%v err=%v", h, err)
	}

	if err := p.ReleaseLock(ctx, "job-d"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if p.IsLocked(ctx, "job-d") {
		t.Fatal("want unlocked after force release")
	}

	// The handle's own Release should not resurrect or error on a lock
	// someone else already released/reacquired.
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release after force release: %v", err)
	}
}

func TestThrottled_LimitsAcquiresPerWindow(t *testing.T) {
	ctx := context.Background()
	p, c := newTestProvider(nil)
	defer c.Close()
	th := NewThrottled(p, 2, time.Minute)

	for i := 0; i < 2; i++ {
		h, err := th.Acquire(ctx, "throttled-job", time.Millisecond, 0)
		if err != nil || h == nil {
			t.Fatalf("acquire %d: h=%v err=%v", i, h, err)
		}
		if err := h.Release(ctx); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	h, err := th.Acquire(ctx, "throttled-job", time.Millisecond, 0)
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if h != nil {
		t.Fatal("third acquire within the window should be throttled")
	}
}
