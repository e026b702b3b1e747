package lock

import (
	"context"
	"time"
)

// Throttled wraps a Provider to additionally cap how many times a name
// may be acquired within a rolling window, independent of how long any
// one holder keeps it (spec.md §4.5 "Throttled variant: N acquires per
// rolling window per name"). The count lives in the same cache as lock
// tokens, via a monotonic counter compared against limit.
type Throttled struct {
	p      *Provider
	limit  int64
	window time.Duration
}

// NewThrottled returns a Throttled permitting at most limit acquires of
// any one name per window.
func NewThrottled(p *Provider, limit int64, window time.Duration) *Throttled {
	return &Throttled{p: p, limit: limit, window: window}
}

func throttleKey(name string) string { return "throttle:" + name }

// Acquire behaves like Provider.Acquire, except it first consults the
// rolling-window counter for name: once limit acquires have been counted
// within the current window it returns (nil, nil) immediately without
// ever calling the underlying lock's Add, the same "couldn't acquire"
// signal Acquire itself returns on a maxWait timeout.
func (t *Throttled) Acquire(ctx context.Context, name string, lease, maxWait time.Duration) (*Handle, error) {
	n, err := t.p.cache.Increment(ctx, throttleKey(name), 1, t.window)
	if err != nil {
		return nil, err
	}
	if n > t.limit {
		return nil, nil
	}
	return t.p.Acquire(ctx, name, lease, maxWait)
}
