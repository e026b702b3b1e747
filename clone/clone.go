// Package clone produces structurally independent copies of arbitrary
// values (spec.md §4.2) so the cache can decouple a caller's value from
// the copy it stores, and decouple a returned value from future in-cache
// mutation. Cycles are broken with an identity map scoped to a single
// Of call, mirroring the size calculator's per-call visited set.
package clone

import "reflect"

// Cloner produces deep copies. Construct one with New: a zero-value
// Cloner's Of works, but Register on it panics because its override map
// is nil.
type Cloner struct {
	overrides map[reflect.Type]func(any) any
}

// Option configures a Cloner.
type Option func(*Cloner)

// New constructs a Cloner.
func New(opts ...Option) *Cloner {
	c := &Cloner{overrides: make(map[reflect.Type]func(any) any)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register installs a handler for a specific type, for values with copy
// semantics the reflective cloner can't express — e.g. a type wrapping a
// mutex or file handle that should be shared rather than copied
// (spec.md §9, SPEC_FULL.md §5.3).
func (c *Cloner) Register(t reflect.Type, fn func(any) any) {
	c.overrides[t] = fn
}

// Of returns a deep copy of v such that mutating the result is never
// observable via v, and vice versa.
func (c *Cloner) Of(v any) any {
	if v == nil {
		return nil
	}
	visited := make(map[uintptr]reflect.Value)
	out := c.cloneValue(reflect.ValueOf(v), visited)
	return out.Interface()
}

func (c *Cloner) cloneValue(rv reflect.Value, visited map[uintptr]reflect.Value) reflect.Value {
	if !rv.IsValid() {
		return rv
	}

	t := rv.Type()
	if fn, ok := c.overrides[t]; ok {
		return reflect.ValueOf(fn(rv.Interface()))
	}

	switch rv.Kind() {
	case reflect.String,
		reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		// Immutable scalars and strings are returned as-is (spec.md §4.2).
		return rv

	case reflect.Slice:
		return c.cloneSlice(rv, visited)

	case reflect.Array:
		return c.cloneArray(rv, visited)

	case reflect.Map:
		return c.cloneMap(rv, visited)

	case reflect.Struct:
		return c.cloneStruct(rv, visited)

	case reflect.Ptr:
		return c.clonePtr(rv, visited)

	case reflect.Interface:
		return c.cloneInterface(rv, visited)

	default:
		// Channels, funcs, unsafe pointers: no independent copy is
		// meaningful, share the reference.
		return rv
	}
}

func (c *Cloner) cloneSlice(rv reflect.Value, visited map[uintptr]reflect.Value) reflect.Value {
	if rv.IsNil() {
		return rv
	}
	out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Cap())
	for i := 0; i < rv.Len(); i++ {
		out.Index(i).Set(c.cloneValue(rv.Index(i), visited))
	}
	return out
}

func (c *Cloner) cloneArray(rv reflect.Value, visited map[uintptr]reflect.Value) reflect.Value {
	out := reflect.New(rv.Type()).Elem()
	for i := 0; i < rv.Len(); i++ {
		out.Index(i).Set(c.cloneValue(rv.Index(i), visited))
	}
	return out
}

func (c *Cloner) cloneMap(rv reflect.Value, visited map[uintptr]reflect.Value) reflect.Value {
	if rv.IsNil() {
		return rv
	}
	out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := c.cloneValue(iter.Key(), visited)
		v := c.cloneValue(iter.Value(), visited)
		out.SetMapIndex(k, v)
	}
	return out
}

func (c *Cloner) cloneStruct(rv reflect.Value, visited map[uintptr]reflect.Value) reflect.Value {
	out := reflect.New(rv.Type()).Elem()
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported: cannot Set via reflection, left zero
			continue
		}
		out.Field(i).Set(c.cloneValue(rv.Field(i), visited))
	}
	return out
}

func (c *Cloner) clonePtr(rv reflect.Value, visited map[uintptr]reflect.Value) reflect.Value {
	if rv.IsNil() {
		return rv
	}
	ptr := rv.Pointer()
	if existing, ok := visited[ptr]; ok {
		return existing
	}
	out := reflect.New(rv.Type().Elem())
	visited[ptr] = out
	out.Elem().Set(c.cloneValue(rv.Elem(), visited))
	return out
}

func (c *Cloner) cloneInterface(rv reflect.Value, visited map[uintptr]reflect.Value) reflect.Value {
	if rv.IsNil() {
		return rv
	}
	// Dispatch dynamically on the interface's runtime type (spec.md §4.2,
	// "open/dynamic" typed values).
	elem := rv.Elem()
	cloned := c.cloneValue(elem, visited)
	out := reflect.New(rv.Type()).Elem()
	out.Set(cloned)
	return out
}
