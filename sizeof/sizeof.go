// Package sizeof estimates the in-memory byte cost of an arbitrary value
// (spec.md §4.1). It never fails: an unknown value falls back to a
// reflective walk, and a nil value costs a single reference width.
//
// The calculator is disposable — Close marks it closed, and CheckClosed
// returns foundationerr.ErrClosed after that point, mirroring the
// teacher's closed-flag idiom (cache.cache.closed in cache/cache.go).
package sizeof

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/latticekit/foundation/foundationerr"
)

const (
	boolWidth    = 1
	byteWidth    = 1
	width16      = 2
	width32      = 4
	width64      = 8
	width128     = 16
	stringHeader = 24
	sliceHeader  = 24
	mapHeader    = 32
)

// Calculator computes byte-cost estimates. Construct one with New, which
// sets the default fallback-cache capacity of 4096 types; a zero-value
// Calculator has nil override and fallback maps, so Register or the first
// fallback-cached type panics on it.
type Calculator struct {
	closed atomic.Bool

	mu        sync.Mutex
	fallback  map[reflect.Type]int64
	order     []reflect.Type // MRU at end, LRU at front
	maxTypes  int
	overrides map[reflect.Type]func(reflect.Value) int64
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithMaxCachedTypes bounds the reflective-fallback cache. The default is
// 4096. When the bound is hit, ~10% of the least-recently-used entries are
// evicted (spec.md §4.1).
func WithMaxCachedTypes(n int) Option {
	return func(c *Calculator) {
		if n > 0 {
			c.maxTypes = n
		}
	}
}

// New constructs a Calculator.
func New(opts ...Option) *Calculator {
	c := &Calculator{
		fallback:  make(map[reflect.Type]int64),
		maxTypes:  4096,
		overrides: make(map[reflect.Type]func(reflect.Value) int64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register installs a handler for a specific type, bypassing both the
// built-in primitive rules and the reflective fallback for that type
// (spec.md §9, "registry of type-handlers keyed by static type
// information").
func (c *Calculator) Register(t reflect.Type, fn func(reflect.Value) int64) {
	c.mu.Lock()
	c.overrides[t] = fn
	c.mu.Unlock()
}

// Close disposes the calculator. Of keeps working deterministically for
// already-cached types after Close (new fallback-type entries simply stop
// being cached); CheckClosed lets a caller that wants a strict read to
// observe foundationerr.ErrClosed instead.
func (c *Calculator) Close() error {
	c.closed.Store(true)
	return nil
}

// CheckClosed returns foundationerr.ErrClosed once Close has been called.
func (c *Calculator) CheckClosed() error {
	if c.closed.Load() {
		return foundationerr.ErrClosed
	}
	return nil
}

// CacheCount reports the number of types currently held in the reflective
// fallback cache — exposed for tests (spec.md §4.1).
func (c *Calculator) CacheCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fallback)
}

// Of returns the estimated byte cost of v. It never returns an error; a
// nil interface costs the reference width (8 bytes).
func (c *Calculator) Of(v any) int64 {
	if v == nil {
		return width64
	}
	rv := reflect.ValueOf(v)
	return c.sizeValue(rv, make(map[uintptr]bool))
}

func (c *Calculator) sizeValue(rv reflect.Value, visited map[uintptr]bool) int64 {
	if !rv.IsValid() {
		return width64
	}

	t := rv.Type()
	c.mu.Lock()
	if fn, ok := c.overrides[t]; ok {
		c.mu.Unlock()
		return fn(rv)
	}
	c.mu.Unlock()

	switch rv.Kind() {
	case reflect.Bool:
		return boolWidth
	case reflect.Int8, reflect.Uint8:
		return byteWidth
	case reflect.Int16, reflect.Uint16:
		return width16
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return width32
	case reflect.Int64, reflect.Uint64, reflect.Int, reflect.Uint, reflect.Float64:
		return width64
	case reflect.Complex64:
		return width64
	case reflect.Complex128:
		return width128

	case reflect.String:
		return stringHeader + 2*int64(rv.Len())

	case reflect.Slice, reflect.Array:
		return c.sizeSequence(rv, visited)

	case reflect.Map:
		return c.sizeMap(rv, visited)

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return width64
		}
		ptr := rv.Pointer()
		if visited[ptr] {
			return width64
		}
		visited[ptr] = true
		return width64 + c.sizeValue(rv.Elem(), visited)

	case reflect.Struct:
		return c.sizeStruct(rv, visited)

	default:
		return c.sizeFallback(t, rv)
	}
}

func (c *Calculator) sizeSequence(rv reflect.Value, visited map[uintptr]bool) int64 {
	n := rv.Len()
	total := int64(sliceHeader)
	if n == 0 {
		return total
	}
	elemType := rv.Type().Elem()
	if isFixedWidthValue(elemType) {
		w := fixedWidthOf(elemType)
		return total + w*int64(n)
	}
	for i := 0; i < n; i++ {
		total += c.sizeValue(rv.Index(i), visited)
	}
	return total
}

func (c *Calculator) sizeMap(rv reflect.Value, visited map[uintptr]bool) int64 {
	total := int64(mapHeader)
	iter := rv.MapRange()
	for iter.Next() {
		total += c.sizeValue(iter.Key(), visited)
		total += c.sizeValue(iter.Value(), visited)
	}
	return total
}

func (c *Calculator) sizeStruct(rv reflect.Value, visited map[uintptr]bool) int64 {
	t := rv.Type()
	var total int64
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		total += c.sizeValue(rv.Field(i), visited)
	}
	return total
}

// isFixedWidthValue reports whether every value of t has the same byte
// cost, letting sizeSequence cache the per-element width instead of
// walking every element (spec.md §4.1, "the element width is cached per
// element type").
func isFixedWidthValue(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8,
		reflect.Int16, reflect.Uint16,
		reflect.Int32, reflect.Uint32, reflect.Float32,
		reflect.Int64, reflect.Uint64, reflect.Int, reflect.Uint, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return true
	default:
		return false
	}
}

func fixedWidthOf(t reflect.Type) int64 {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return byteWidth
	case reflect.Int16, reflect.Uint16:
		return width16
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return width32
	case reflect.Complex128:
		return width128
	default:
		return width64
	}
}

// sizeFallback estimates an unknown kind (chan, func, unsafe pointer, ...)
// by serialized-length estimation, caching the result per type in a
// bounded LRU (spec.md §4.1). This reimplements the teacher's intrusive
// MRU/LRU pattern (cache/node.go, cache/shard.go) directly rather than
// threading reflect.Type through the generic policy package, since that
// package's Node contract assumes mutable cache-entry semantics this
// lookup doesn't need.
func (c *Calculator) sizeFallback(t reflect.Type, rv reflect.Value) int64 {
	c.mu.Lock()
	if sz, ok := c.fallback[t]; ok {
		c.touchLocked(t)
		c.mu.Unlock()
		return sz
	}
	c.mu.Unlock()

	sz := estimateSerializedLength(rv)

	if c.closed.Load() {
		return sz
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.fallback[t]; !ok {
		if len(c.fallback) >= c.maxTypes {
			c.evictLocked()
		}
		c.fallback[t] = sz
		c.order = append(c.order, t)
	}
	return sz
}

func (c *Calculator) touchLocked(t reflect.Type) {
	for i, ot := range c.order {
		if ot == t {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, t)
			return
		}
	}
}

// evictLocked drops ~10% of the least-recently-used fallback entries.
func (c *Calculator) evictLocked() {
	n := len(c.order) / 10
	if n < 1 {
		n = 1
	}
	if n > len(c.order) {
		n = len(c.order)
	}
	for i := 0; i < n; i++ {
		delete(c.fallback, c.order[i])
	}
	c.order = c.order[n:]
}

// estimateSerializedLength is a best-effort byte estimate for kinds with
// no structural size (chan, func, unsafe pointer): the reference width
// plus a notional buffer-size guess. It is not exact — it exists only to
// give eviction bookkeeping a non-zero, deterministic number to work with.
func estimateSerializedLength(rv reflect.Value) int64 {
	switch rv.Kind() {
	case reflect.Chan:
		return width64 + int64(rv.Cap())*width64
	case reflect.Func, reflect.UnsafePointer:
		return width64
	default:
		return width64
	}
}
