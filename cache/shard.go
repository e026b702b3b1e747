package cache

import (
	"sync"

	"github.com/latticekit/foundation/cache/policy"
	"github.com/latticekit/foundation/internal/util"
)

// shard is an independent partition of the cache map, protected by its own
// RWMutex, following the teacher's sharding-for-contention-reduction design
// (cache/shard.go in IvanBrykalov-shardcache). Adapted for string keys,
// per-call TTL, and the spec's two-stage eviction (lazy oldest-by-access,
// then worst size-to-usage ratio).
type shard struct {
	mu   sync.RWMutex
	m    map[string]*node
	head *node // MRU
	tail *node // LRU
	len  int

	totalBytes int64 // sum of resident node.sizeBytes in this shard

	maxEntries int   // per-shard share of Options.MaxEntries (0 = unbounded)
	maxBytes   int64 // per-shard share of Options.MaxBytes (0 = unbounded)

	pol policy.ShardPolicy[string, any]
	c   *cacheClient // back-reference for clock/metrics/events

	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	writes util.PaddedAtomicInt64
}

func newShard(maxEntries int, maxBytes int64, pol policy.Policy[string, any], c *cacheClient) *shard {
	s := &shard{
		m:          make(map[string]*node),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		c:          c,
	}
	s.pol = pol.New(shardHooks{s: s})
	return s
}

// -------------------- intrusive list helpers (mu held) --------------------

func (s *shard) insertFront(n *node) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
	s.totalBytes += n.sizeBytes
}

func (s *shard) moveToFront(n *node) {
	if n == s.head {
		return
	}
	s.detach(n)
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

func (s *shard) detach(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (s *shard) removeNode(n *node) {
	s.detach(n)
	s.len--
	s.totalBytes -= n.sizeBytes
	if s.totalBytes < 0 {
		s.totalBytes = 0
	}
}

// -------------------- shard operations (acquire mu themselves) --------------------

// get returns the live value for key at instant now, promoting it via the
// policy and updating access bookkeeping. Expired entries are removed and
// reported as a miss (spec.md §4.3).
func (s *shard) get(key string, now int64) (any, bool) {
	s.mu.Lock()
	n, ok := s.m[key]
	if !ok {
		s.misses.Add(1)
		s.mu.Unlock()
		return nil, false
	}
	if s.expired(n, now) {
		s.evictLocked(n, ReasonTTL)
		s.misses.Add(1)
		s.mu.Unlock()
		return nil, false
	}
	n.lastAccessedAt = now
	n.accessCount++
	s.pol.OnGet(policy.Node[string, any](n))
	v := n.val
	s.hits.Add(1)
	s.mu.Unlock()
	return v, true
}

// set inserts or replaces key. existed reports whether a prior live value
// was present. tooLarge reports a single entry exceeding the shard's byte
// bound by itself (spec.md §4.3 "too-large").
func (s *shard) set(key string, val any, sizeBytes int64, exp int64, now int64) (existed bool, tooLarge bool) {
	if s.maxBytes > 0 && sizeBytes > s.maxBytes {
		return false, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.m[key]; ok {
		s.totalBytes += sizeBytes - n.sizeBytes
		n.val = val
		n.sizeBytes = sizeBytes
		n.exp = exp
		n.lastAccessedAt = now
		n.lastModifiedAt = now
		s.pol.OnUpdate(policy.Node[string, any](n))
		s.writes.Add(1)
		s.enforceLimitsLocked()
		return true, false
	}

	n := &node{key: key, val: val, exp: exp, sizeBytes: sizeBytes, lastAccessedAt: now, lastModifiedAt: now}
	s.m[key] = n
	if ev := s.pol.OnAdd(policy.Node[string, any](n)); ev != nil {
		s.evictLocked(ev.(*node), ReasonEviction)
	}
	s.writes.Add(1)
	s.enforceLimitsLocked()
	return false, false
}

// add inserts only if key is absent or expired — atomic with respect to
// concurrent add/set on the same key because both hold the shard lock
// (spec.md §4.3 "Must be atomic with respect to concurrent add/set").
func (s *shard) add(key string, val any, sizeBytes int64, exp int64, now int64) (inserted bool, tooLarge bool) {
	if s.maxBytes > 0 && sizeBytes > s.maxBytes {
		return false, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.m[key]; ok {
		if !s.expired(n, now) {
			return false, false
		}
		s.evictLocked(n, ReasonTTL)
	}

	n := &node{key: key, val: val, exp: exp, sizeBytes: sizeBytes, lastAccessedAt: now, lastModifiedAt: now}
	s.m[key] = n
	if ev := s.pol.OnAdd(policy.Node[string, any](n)); ev != nil {
		s.evictLocked(ev.(*node), ReasonEviction)
	}
	s.writes.Add(1)
	s.enforceLimitsLocked()
	return true, false
}

// replace updates only if key is present and live.
func (s *shard) replace(key string, val any, sizeBytes int64, exp int64, now int64) (replaced bool, tooLarge bool) {
	if s.maxBytes > 0 && sizeBytes > s.maxBytes {
		return false, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[key]
	if !ok {
		return false, false
	}
	if s.expired(n, now) {
		s.evictLocked(n, ReasonTTL)
		return false, false
	}
	s.totalBytes += sizeBytes - n.sizeBytes
	n.val = val
	n.sizeBytes = sizeBytes
	n.exp = exp
	n.lastAccessedAt = now
	n.lastModifiedAt = now
	s.pol.OnUpdate(policy.Node[string, any](n))
	s.writes.Add(1)
	s.enforceLimitsLocked()
	return true, false
}

// mutateNumeric runs fn as a read-modify-write critical section over the
// key's current value (nil, false if absent/expired), creating the entry
// from fn's result if it was absent (spec.md §4.3 increment/decrement,
// set_if_higher/lower).
func (s *shard) mutateNumeric(key string, exp int64, now int64, fn func(current any, existed bool) (any, error)) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[key]
	live := ok && !s.expired(n, now)
	if ok && !live {
		s.evictLocked(n, ReasonTTL)
	}

	var current any
	if live {
		current = n.val
	}
	next, err := fn(current, live)
	if err != nil {
		return nil, err
	}

	if live {
		n.val = next
		n.lastAccessedAt = now
		n.lastModifiedAt = now
		s.pol.OnUpdate(policy.Node[string, any](n))
	} else {
		n = &node{key: key, val: next, exp: exp, lastAccessedAt: now, lastModifiedAt: now}
		s.m[key] = n
		if ev := s.pol.OnAdd(policy.Node[string, any](n)); ev != nil {
			s.evictLocked(ev.(*node), ReasonEviction)
		}
	}
	s.writes.Add(1)
	s.enforceLimitsLocked()
	return next, nil
}

// compareAndDelete removes key only if it is live and its current value
// equals expected, and reports whether it did. Used by lock.Provider to
// release a held lock without clobbering one already reacquired by
// another holder after the lease expired.
func (s *shard) compareAndDelete(key string, expected any, now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[key]
	if !ok || s.expired(n, now) || n.val != expected {
		return false
	}
	s.evictLocked(n, ReasonRemoved)
	return true
}

// compareAndReplace updates key only if it is live and its current value
// equals expected, and reports whether it did. Used by lock.Provider to
// renew a lease without clobbering a lock held by someone else.
func (s *shard) compareAndReplace(key string, expected, val any, sizeBytes, exp, now int64) (replaced, tooLarge bool) {
	if s.maxBytes > 0 && sizeBytes > s.maxBytes {
		return false, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[key]
	if !ok || s.expired(n, now) || n.val != expected {
		return false, false
	}
	s.totalBytes += sizeBytes - n.sizeBytes
	n.val = val
	n.sizeBytes = sizeBytes
	n.exp = exp
	n.lastAccessedAt = now
	n.lastModifiedAt = now
	s.pol.OnUpdate(policy.Node[string, any](n))
	s.writes.Add(1)
	s.enforceLimitsLocked()
	return true, false
}

func (s *shard) remove(key string, reason ExpireReason) bool {
	s.mu.Lock()
	n, ok := s.m[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.evictLocked(n, reason)
	s.mu.Unlock()
	return true
}

func (s *shard) exists(key string, now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[key]
	if !ok {
		return false
	}
	if s.expired(n, now) {
		s.evictLocked(n, ReasonTTL)
		return false
	}
	return true
}

func (s *shard) touch(key string, exp int64, now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[key]
	if !ok || s.expired(n, now) {
		return false
	}
	n.exp = exp
	return true
}

func (s *shard) expiresIn(key string, now int64) (ttl int64, hasTTL bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, exists := s.m[key]
	if !exists || s.expired(n, now) {
		return 0, false, false
	}
	if n.exp == 0 {
		return 0, false, true // live, but no TTL configured
	}
	return n.exp - now, true, true
}

func (s *shard) length() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.len
}

func (s *shard) bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalBytes
}

func (s *shard) counters() (hits, misses, writes int64) {
	return s.hits.Load(), s.misses.Load(), s.writes.Load()
}

// snapshotKeysWithPrefix returns the keys of every live entry that start
// with prefix (for RemoveByPrefix); GetAll passes prefix="" to collect
// every live key.
func (s *shard) snapshotKeysWithPrefix(prefix string, now int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, n := range s.m {
		if s.expired(n, now) {
			continue
		}
		if prefix == "" || hasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (s *shard) sweep(now int64) {
	s.mu.Lock()
	s.enforceLimitsAt(now)
	s.mu.Unlock()
}

// -------------------- internals (mu held) --------------------

func (s *shard) expired(n *node, now int64) bool {
	return n.exp != 0 && now >= n.exp
}

func (s *shard) evictLocked(n *node, reason ExpireReason) {
	s.pol.OnRemove(policy.Node[string, any](n))
	s.removeNode(n)
	delete(s.m, n.key)
	s.c.notifyExpired(n.key, reason)
}

// removeExpiredLocked sweeps every resident entry and evicts the expired
// ones (spec.md §4.3 eviction step 1).
func (s *shard) removeExpiredLocked(now int64) {
	for key, n := range s.m {
		if s.expired(n, now) {
			s.pol.OnRemove(policy.Node[string, any](n))
			s.removeNode(n)
			delete(s.m, key)
			s.c.notifyExpired(key, ReasonTTL)
		}
	}
}

// enforceLimitsLocked runs the three-step eviction algorithm from
// spec.md §4.3 using the shard's own clock lookup; enforceLimitsAt is the
// same algorithm parameterized by an already-resolved instant, shared
// with the background sweep so it doesn't call back into the client for
// "now" once per shard.
func (s *shard) enforceLimitsLocked() {
	s.enforceLimitsAt(s.c.now())
}

func (s *shard) enforceLimitsAt(now int64) {
	s.removeExpiredLocked(now)

	if s.maxEntries > 0 {
		for s.len > s.maxEntries && s.tail != nil {
			s.evictLocked(s.tail, ReasonEviction)
		}
	}

	if s.maxBytes > 0 && s.totalBytes > s.maxBytes {
		overLimitFactor := 1 + int((s.totalBytes-s.maxBytes)/maxInt64(1, s.maxBytes))
		maxRemovals := minInt(1000, 10*overLimitFactor)
		removed := 0
		for s.totalBytes > s.maxBytes && removed < maxRemovals && s.len > 0 {
			victim := s.worstRatioVictimLocked()
			if victim == nil {
				break
			}
			s.evictLocked(victim, ReasonEviction)
			removed++
		}
	}

	s.c.reportSize(s.len, s.totalBytes)
}

// worstRatioVictimLocked finds the entry minimizing access_count /
// size_bytes, breaking ties by oldest last_accessed_at (spec.md §4.3 step
// 3, GLOSSARY "size-to-usage ratio"). This is an O(n) scan over the
// shard — a deliberate simplicity/overhead trade-off the spec calls out
// explicitly rather than maintaining a second ordered index purely for
// byte-limit eviction.
func (s *shard) worstRatioVictimLocked() *node {
	var worst *node
	var worstRatio float64
	for _, n := range s.m {
		size := n.sizeBytes
		if size <= 0 {
			size = 1
		}
		ratio := float64(n.accessCount) / float64(size)
		if worst == nil || ratio < worstRatio ||
			(ratio == worstRatio && n.lastAccessedAt < worst.lastAccessedAt) {
			worst = n
			worstRatio = ratio
		}
	}
	return worst
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// -------------------- policy hooks --------------------

// shardHooks adapts the shard's list operations to policy.Hooks, exactly
// as the teacher's shardHooks[K, V] does (cache/shard.go), monomorphized
// to *node.
type shardHooks struct{ s *shard }

func (h shardHooks) MoveToFront(x policy.Node[string, any]) { h.s.moveToFront(x.(*node)) }
func (h shardHooks) PushFront(x policy.Node[string, any])   { h.s.insertFront(x.(*node)) }
func (h shardHooks) Remove(x policy.Node[string, any])      { h.s.removeNode(x.(*node)) }
func (h shardHooks) Back() policy.Node[string, any] {
	if h.s.tail == nil {
		return nil
	}
	return h.s.tail
}
func (h shardHooks) Len() int { return h.s.len }
