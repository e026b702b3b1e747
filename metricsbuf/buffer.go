// Package metricsbuf is the metrics-aggregation capability (spec.md
// §4.8): counters, gauges and timers are recorded in memory and
// periodically folded into time-bucketed aggregates in a backing cache,
// rather than writing a sample per call.
package metricsbuf

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latticekit/foundation/cache"
	"github.com/latticekit/foundation/logging"
	"github.com/latticekit/foundation/resilience"
	"github.com/latticekit/foundation/timesource"
)

type kind int

const (
	counterKind kind = iota
	gaugeKind
	timerKind
)

func (k kind) String() string {
	switch k {
	case gaugeKind:
		return "gauge"
	case timerKind:
		return "timer"
	default:
		return "counter"
	}
}

type sample struct {
	kind  kind
	name  string
	value float64
	at    time.Time
}

// Options configures a Buffer. Zero values are safe; defaults applied by
// New:
//   - empty Buckets       => {5 * time.Minute, time.Hour}
//   - zero FlushInterval  => 2s
//   - zero BucketTTLRatio => 2 (a bucket's cache keys outlive it by
//     2x its own size)
//   - nil Clock           => timesource.Real{}
//   - nil Logger          => logging.Nop()
//   - nil WritePolicy     => 3 attempts (2 retries), constant 50ms delay
type Options struct {
	Cache         cache.Client
	Buckets       []time.Duration
	FlushInterval time.Duration
	BucketTTLRatio int
	Clock         timesource.Clock
	Logger        logging.Logger
	WritePolicy   *resilience.Policy
}

// Buffer aggregates samples and flushes them into Cache on a timer.
type Buffer struct {
	cache   cache.Client
	buckets []time.Duration
	flushEvery time.Duration
	ttlRatio   int
	clock   timesource.Clock
	logger  logging.Logger
	writePolicy *resilience.Policy

	mu      sync.Mutex
	pending []sample

	liveMu       sync.Mutex
	liveCounters map[string]float64

	flushing atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// New constructs a Buffer and starts its background flush loop.
func New(opt Options) *Buffer {
	if len(opt.Buckets) == 0 {
		opt.Buckets = []time.Duration{5 * time.Minute, time.Hour}
	}
	if opt.FlushInterval <= 0 {
		opt.FlushInterval = 2 * time.Second
	}
	if opt.BucketTTLRatio <= 0 {
		opt.BucketTTLRatio = 2
	}
	if opt.Clock == nil {
		opt.Clock = timesource.Real{}
	}
	if opt.Logger == nil {
		opt.Logger = logging.Nop()
	}
	if opt.WritePolicy == nil {
		opt.WritePolicy = resilience.NewPolicy(resilience.PolicyOptions{
			Retry: resilience.RetryConfig{MaxAttempts: 3, Strategy: resilience.ConstantDelay, BaseDelay: 50 * time.Millisecond},
			Clock: opt.Clock,
		})
	}

	b := &Buffer{
		cache:        opt.Cache,
		buckets:      opt.Buckets,
		flushEvery:   opt.FlushInterval,
		ttlRatio:     opt.BucketTTLRatio,
		clock:        opt.Clock,
		logger:       opt.Logger,
		writePolicy:  opt.WritePolicy,
		liveCounters: make(map[string]float64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Counter records delta against name, added into the running sum for
// every configured bucket at the next Flush.
func (b *Buffer) Counter(name string, delta float64) {
	b.record(sample{kind: counterKind, name: name, value: delta, at: b.clock.Now()})
	b.liveMu.Lock()
	b.liveCounters[name] += delta
	b.liveMu.Unlock()
}

// Gauge records an instantaneous value for name.
func (b *Buffer) Gauge(name string, value float64) {
	b.record(sample{kind: gaugeKind, name: name, value: value, at: b.clock.Now()})
}

// Timer records a duration for name, in seconds.
func (b *Buffer) Timer(name string, d time.Duration) {
	b.record(sample{kind: timerKind, name: name, value: d.Seconds(), at: b.clock.Now()})
}

func (b *Buffer) record(s sample) {
	b.mu.Lock()
	b.pending = append(b.pending, s)
	b.mu.Unlock()
}

// WaitForCounter blocks until name's cumulative recorded value reaches
// at least n, or timeout elapses (spec.md §4.8 "wait_for_counter test
// helper"). It observes Counter calls directly rather than waiting for a
// flush, so tests don't need to align with the flush interval.
func (b *Buffer) WaitForCounter(ctx context.Context, name string, n float64, timeout time.Duration) error {
	deadline := b.clock.Now().Add(timeout)
	for {
		b.liveMu.Lock()
		cur := b.liveCounters[name]
		b.liveMu.Unlock()
		if cur >= n {
			return nil
		}
		if !b.clock.Now().Before(deadline) {
			return fmt.Errorf("metricsbuf: counter %q reached %v, want %v within %v", name, cur, n, timeout)
		}
		if err := b.clock.Sleep(ctx, 5*time.Millisecond); err != nil {
			return err
		}
	}
}

// LiveCounters returns a snapshot of every counter's cumulative value as
// recorded by Counter calls, independent of flush/bucket state. Used by
// metricsbuf/prom to expose counters on a Prometheus /metrics endpoint
// without waiting on the bucketed cache writes.
func (b *Buffer) LiveCounters() map[string]float64 {
	b.liveMu.Lock()
	defer b.liveMu.Unlock()
	out := make(map[string]float64, len(b.liveCounters))
	for k, v := range b.liveCounters {
		out[k] = v
	}
	return out
}

// Flush aggregates every pending sample into its bucket(s) and writes
// the result to the backing cache. Overlapping flushes serialize: if one
// is already running, Flush returns immediately without doing anything
// (spec.md §4.8 "Overlapping flushes serialize").
func (b *Buffer) Flush(ctx context.Context) error {
	if !b.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer b.flushing.Store(false)

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	for _, bucketSize := range b.buckets {
		for key, agg := range aggregate(batch, bucketSize) {
			b.writeAggregate(ctx, key, agg)
		}
	}
	return nil
}

func (b *Buffer) flushLoop() {
	defer close(b.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		if err := b.clock.Sleep(ctx, b.flushEvery); err != nil {
			return
		}
		select {
		case <-b.stop:
			return
		default:
		}
		_ = b.Flush(ctx)
	}
}

// Close stops the flush loop after a final Flush.
func (b *Buffer) Close() error {
	close(b.stop)
	<-b.done
	return b.Flush(context.Background())
}

func (b *Buffer) writeAggregate(ctx context.Context, bk bucketKeyInfo, agg *aggregation) {
	ttl := time.Duration(b.ttlRatio) * bk.bucketSize

	write := func(field string, apply func(ctx context.Context, key string, ttl time.Duration) error) {
		key := cacheKey(bk, field)
		err := resilience.ExecuteWithState(ctx, b.writePolicy, key, func(ctx context.Context, key string) error {
			return apply(ctx, key, ttl)
		})
		if err != nil {
			b.logger.Warn("metricsbuf: backing-store write failed", logging.F("key", key), logging.F("error", err.Error()))
		}
	}

	switch bk.kind {
	case counterKind:
		sum := agg.total
		write("", func(ctx context.Context, key string, ttl time.Duration) error {
			_, err := b.cache.Increment(ctx, key, int64(sum), ttl)
			return err
		})
	case gaugeKind:
		write("count", func(ctx context.Context, key string, ttl time.Duration) error {
			_, err := b.cache.Increment(ctx, key, int64(agg.count), ttl)
			return err
		})
		write("total", func(ctx context.Context, key string, ttl time.Duration) error {
			_, err := b.cache.Increment(ctx, key, int64(agg.total), ttl)
			return err
		})
		write("last", func(ctx context.Context, key string, ttl time.Duration) error {
			_, err := b.cache.Set(ctx, key, agg.last, ttl)
			return err
		})
		write("min", func(ctx context.Context, key string, ttl time.Duration) error {
			_, err := b.cache.SetIfLower(ctx, key, agg.min, ttl)
			return err
		})
		write("max", func(ctx context.Context, key string, ttl time.Duration) error {
			_, err := b.cache.SetIfHigher(ctx, key, agg.max, ttl)
			return err
		})
	case timerKind:
		write("count", func(ctx context.Context, key string, ttl time.Duration) error {
			_, err := b.cache.Increment(ctx, key, int64(agg.count), ttl)
			return err
		})
		write("total", func(ctx context.Context, key string, ttl time.Duration) error {
			_, err := b.cache.Increment(ctx, key, int64(agg.total*1000), ttl) // milliseconds, integral
			return err
		})
		write("min", func(ctx context.Context, key string, ttl time.Duration) error {
			_, err := b.cache.SetIfLower(ctx, key, agg.min, ttl)
			return err
		})
		write("max", func(ctx context.Context, key string, ttl time.Duration) error {
			_, err := b.cache.SetIfHigher(ctx, key, agg.max, ttl)
			return err
		})
	}
}
