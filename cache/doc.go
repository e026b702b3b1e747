// Package cache implements the bounded, size-aware in-memory cache client:
// TTL expiration, memory accounting, cost/benefit eviction, and mutation
// isolation via deep cloning.
//
// Design
//
//   - Concurrency: the cache is split into shards, each protected by an
//     RWMutex. The shard count defaults to a power-of-two heuristic
//     (util.ReasonableShardCount); more shards reduce contention at the
//     cost of a coarser per-shard capacity split.
//
//   - Storage: each shard keeps a map[string]*node for O(1) lookup and an
//     intrusive MRU↔LRU doubly linked list for the active eviction Policy
//     to walk. LRU is the default; a 2Q policy (cache/policy/twoq) is also
//     provided.
//
//   - TTL: entries carry an absolute UnixNano deadline. Expiration is lazy
//     on read and also enforced by a low-frequency background sweep.
//
//   - Capacity: entries beyond MaxEntries are trimmed oldest-by-
//     last-accessed-at via the active Policy. Bytes beyond MaxBytes are
//     trimmed by worst access-count-to-size ratio, bounded per sweep so a
//     single pathological insert cannot stall a shard.
//
//   - Sizing: Unbounded skips memory accounting entirely; Fixed charges a
//     constant cost per entry; Dynamic measures each value with a
//     sizeof.Calculator.
//
//   - Isolation: every stored and returned value passes through a
//     clone.Cloner, so mutating a value obtained from Get never affects
//     the cached copy, and vice versa.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size signals. The
//     default is NoopMetrics; cache/metrics/prom exports to Prometheus.
//
// Basic usage
//
//	c := cache.New(cache.Options{MaxEntries: 10_000})
//	defer c.Close()
//	c.Set(ctx, "a", []byte("1"), cache.NoTTL)
//	if v, ok := c.Get(ctx, "a"); ok {
//	    _ = v
//	}
//	c.Remove(ctx, "a")
//
// With TTL
//
//	c.Set(ctx, "tmp", "v", 200*time.Millisecond)
//	// after 300ms elapses (wall clock, or a timesource.Virtual advance):
//	_, ok := c.Get(ctx, "tmp") // ok == false
//
// With byte accounting
//
//	c := cache.New(cache.Options{
//	    MaxBytes: 1 << 20,
//	    Sizing:   cache.Dynamic,
//	})
//
// Using an alternative policy (2Q)
//
//	c := cache.New(cache.Options{
//	    MaxEntries: 50_000,
//	    Policy:     twoq.New[string, any](12_500, 25_000),
//	})
//
// Exporting metrics (Prometheus adapter)
//
//	m := prom.New(nil, "foundation", "cache", nil)
//	c := cache.New(cache.Options{MaxEntries: 10_000, Metrics: m})
//
// Thread-safety & complexity
//
// All Client methods are safe for concurrent use. Typical operation cost is
// O(1) expected time: one map access and a constant amount of pointer
// fixes. The byte-limit eviction scan in shard.go is the one documented
// exception, trading O(n) per sweep for a simpler implementation.
package cache
