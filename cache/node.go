package cache

// node is an intrusive doubly linked list element owned by a shard. It is
// the cache entry itself (spec.md §3 "Cache entry"): key, value, and the
// bookkeeping fields eviction and TTL logic need. Monomorphic now that the
// client is string-keyed and any-valued (the teacher's node[K, V] was
// generic over both).
type node struct {
	key string
	val any

	// Intrusive list links: head is MRU, tail is LRU. Walked by the
	// active Policy to pick the oldest-by-last_accessed_at victim
	// (spec.md §4.3 eviction step 2).
	prev *node
	next *node

	// exp is the absolute expiration deadline in UnixNano; zero means
	// "no TTL" (spec.md §3: expires_at is optional).
	exp int64

	// sizeBytes is the entry's memory-accounting cost, set at insertion
	// by the configured SizingMode (spec.md §3 "size_bytes").
	sizeBytes int64

	// lastAccessedAt/lastModifiedAt are UnixNano timestamps (spec.md §3).
	lastAccessedAt int64
	lastModifiedAt int64

	// accessCount feeds the worst-size-to-usage-ratio eviction scan
	// (spec.md §4.3 step 3, GLOSSARY "size-to-usage ratio").
	accessCount uint64
}

// Key implements policy.Node[string, any].
func (n *node) Key() string { return n.key }

// Value implements policy.Node[string, any]. The generic policy package
// never dereferences it (lru/twoq only reorder nodes); it exists so a
// custom policy could inspect or mutate the stored value under the shard
// lock if one ever needed to.
func (n *node) Value() *any { return &n.val }
