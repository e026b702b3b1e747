// Package lock is the distributed mutual-exclusion capability (spec.md
// §4.5): a lease-based lock built entirely out of the cache's
// conditional write primitives plus the bus for wake-ups, rather than
// any lock-specific storage. scheduler uses it for leader arbitration
// among distributed job runners (spec.md §4.7).
package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/latticekit/foundation/bus"
	"github.com/latticekit/foundation/cache"
	"github.com/latticekit/foundation/foundationerr"
	"github.com/latticekit/foundation/logging"
	"github.com/latticekit/foundation/timesource"
)

// Released is published on the bus every time a held lock is released,
// so waiters can retry immediately instead of polling (spec.md §6
// "lock-released{name}").
type Released struct {
	Name string
}

// Provider hands out leases on named locks backed by a cache.Client.
// Two Providers sharing the same cache.Client and bus.Bus contend for
// the same locks, which is the point: the cache is the only shared
// state, so any process that can reach it can participate.
type Provider struct {
	cache  cache.Client
	bus    *bus.Bus
	clock  timesource.Clock
	logger logging.Logger
}

// New constructs a Provider. c and b must be shared across every
// Provider instance that should contend for the same locks.
func New(c cache.Client, b *bus.Bus, clock timesource.Clock, logger logging.Logger) *Provider {
	if clock == nil {
		clock = timesource.Real{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Provider{cache: c, bus: b, clock: clock, logger: logger}
}

// lockKey is the cache key storing a lock's current holder token
// (spec.md §6 persisted state layout: "<name>").
func lockKey(name string) string { return name }

// Handle is a held lease, returned by Acquire. Release and Renew are
// safe to call from any goroutine.
type Handle struct {
	p        *Provider
	name     string
	token    string
	released atomic.Bool
}

// Acquire attempts to take the named lock, waiting up to maxWait for it
// to become free if it's currently held (spec.md §4.5 acquire
// algorithm). It returns (nil, nil) if maxWait elapses without
// acquiring the lock, and a non-nil error only on an unexpected cache
// failure or ctx cancellation.
func (p *Provider) Acquire(ctx context.Context, name string, lease, maxWait time.Duration) (*Handle, error) {
	key := lockKey(name)
	deadline := p.clock.Now().Add(maxWait)

	for {
		token := uuid.NewString()
		inserted, err := p.cache.Add(ctx, key, token, lease)
		if err != nil {
			return nil, err
		}
		if inserted {
			return &Handle{p: p, name: name, token: token}, nil
		}

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}

		notify := make(chan struct{}, 1)
		sub := bus.Subscribe(p.bus, func(_ context.Context, ev Released) {
			if ev.Name == name {
				select {
				case notify <- struct{}{}:
				default:
				}
			}
		})

		wait := remaining
		if expiresIn, hasTTL := p.cache.ExpiresIn(ctx, key); hasTTL && expiresIn >= 0 && expiresIn < wait {
			wait = expiresIn
		}

		p.waitOn(ctx, notify, wait)
		sub.Unsubscribe()

		select {
		case <-ctx.Done():
			return nil, foundationerr.ErrCancelled
		default:
		}
	}
}

// waitOn blocks until notify fires, wait elapses (driven by the
// Provider's time source, so it respects a timesource.Virtual clock in
// tests), or ctx is cancelled.
func (p *Provider) waitOn(ctx context.Context, notify <-chan struct{}, wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	sleepCtx, cancelSleep := context.WithCancel(ctx)
	defer cancelSleep()

	sleepDone := make(chan struct{})
	go func() {
		_ = p.clock.Sleep(sleepCtx, wait)
		close(sleepDone)
	}()

	select {
	case <-notify:
	case <-sleepDone:
	case <-ctx.Done():
	}
}

// IsLocked reports whether name is currently held by anyone.
func (p *Provider) IsLocked(ctx context.Context, name string) bool {
	return p.cache.Exists(ctx, lockKey(name))
}

// ReleaseLock force-releases name regardless of who holds it, for
// operator/admin use. Held Handles for this name become no-ops on their
// next Release/Renew (the compare-and-delete/swap will simply not match
// a reacquired token, which is the same outcome as losing a race against
// another holder).
func (p *Provider) ReleaseLock(ctx context.Context, name string) error {
	p.cache.Remove(ctx, lockKey(name))
	return bus.Publish(ctx, p.bus, Released{Name: name})
}

// Release gives up the lock if it still belongs to this handle.
// Double-release is a no-op (spec.md §4.5 "double-release is no-op").
func (h *Handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	if _, err := h.p.cache.CompareAndDelete(ctx, lockKey(h.name), h.token); err != nil {
		return err
	}
	return bus.Publish(ctx, h.p.bus, Released{Name: h.name})
}

// Renew extends the lease by duration from now, as long as this handle
// still holds the lock. It reports false if the lock was lost (lease
// expired and someone else acquired it, or it was force-released).
func (h *Handle) Renew(ctx context.Context, duration time.Duration) (bool, error) {
	if h.released.Load() {
		return false, nil
	}
	return h.p.cache.CompareAndSwap(ctx, lockKey(h.name), h.token, h.token, duration)
}
