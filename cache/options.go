package cache

import (
	"time"

	"github.com/latticekit/foundation/bus"
	"github.com/latticekit/foundation/cache/policy"
	"github.com/latticekit/foundation/clone"
	"github.com/latticekit/foundation/sizeof"
	"github.com/latticekit/foundation/timesource"
)

// Metrics exposes cache-level observability hooks (spec.md §4.3). A
// NoopMetrics implementation is provided and used by default; a
// Prometheus-backed adapter lives in cache/metrics/prom.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason ExpireReason)
	Size(entries int, bytes int64)
}

// SizingMode selects how an entry's size_bytes is computed at insertion
// (spec.md §4.3 "Capacity & eviction").
type SizingMode int

const (
	// Unbounded disables size tracking; every entry's size_bytes is 0 and
	// MaxBytes has no effect.
	Unbounded SizingMode = iota
	// Fixed stores every entry with the same FixedSize cost — the fast
	// path, best for homogeneous values.
	Fixed
	// Dynamic computes every entry's size via a sizeof.Calculator at
	// insert time.
	Dynamic
)

// EventSink receives ItemExpired notifications (spec.md §4.3 "Events").
// Delivery is best-effort: a slow or panicking sink must not block or
// crash the cache, so Options.EventSink is invoked in its own goroutine
// per event.
type EventSink func(ExpiredEvent)

// Options configures a Client. Zero values are safe; defaults applied by
// New:
//   - Shards <= 0        => auto (≈ 2×GOMAXPROCS, rounded to a power of two)
//   - nil Policy         => LRU
//   - nil Metrics        => NoopMetrics
//   - nil Clock          => timesource.Real{}
//   - nil Cloner         => clone.New()
//   - zero SweepInterval => 30s
type Options struct {
	// MaxEntries bounds the resident entry count; 0 disables the bound.
	MaxEntries int
	// MaxBytes bounds total resident size_bytes; 0 disables the bound.
	// Only meaningful when Sizing != Unbounded.
	MaxBytes int64

	// Sizing selects how size_bytes is computed (spec.md §4.3).
	Sizing SizingMode
	// FixedSize is the per-entry cost used when Sizing == Fixed.
	FixedSize int64
	// SizeCalculator computes size_bytes when Sizing == Dynamic. If it is
	// nil in that mode, New installs sizeof.New().
	SizeCalculator *sizeof.Calculator

	// Cloner deep-clones values on every Get/Set (spec.md §4.2/§4.3).
	Cloner *clone.Cloner

	// Shards controls shard count for the fine-grained per-key locking
	// described in spec.md §5 ("fine-grained sharded locking").
	Shards int

	// Policy is the pluggable eviction policy governing lazy
	// oldest-by-last_accessed_at removal (LRU by default); nil => LRU.
	Policy policy.Policy[string, any]

	// Metrics receives Hit/Miss/Evict/Size signals; nil => NoopMetrics.
	Metrics Metrics

	// EventSink receives ItemExpired notifications for every removal, for
	// callers that want a plain callback with no bus dependency.
	EventSink EventSink

	// Bus, if set, additionally publishes every ItemExpired notification
	// as an ExpiredEvent (spec.md §4.3 "Events"), so subscribers elsewhere
	// in the system observe expiry through the same bus.Subscribe path
	// used for every other cross-component notification instead of a
	// cache-specific one.
	Bus *bus.Bus

	// Clock overrides the time source (spec.md §9 "Global clock access").
	Clock timesource.Clock

	// SweepInterval is the background low-frequency eviction sweep period
	// (spec.md §4.3 "also on a low-frequency background sweep").
	SweepInterval time.Duration
}
