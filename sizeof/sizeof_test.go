package sizeof

import (
	"reflect"
	"testing"
)

func TestOf_Primitives(t *testing.T) {
	t.Parallel()
	c := New()

	cases := []struct {
		v    any
		want int64
	}{
		{nil, 8},
		{true, 1},
		{byte(1), 1},
		{int16(1), 2},
		{int32(1), 4},
		{int64(1), 8},
		{"hello", 24 + 2*5},
	}
	for _, tc := range cases {
		if got := c.Of(tc.v); got != tc.want {
			t.Errorf("Of(%#v) = %d, want %d", tc.v, got, tc.want)
		}
	}
}

func TestOf_Deterministic(t *testing.T) {
	t.Parallel()
	c := New()
	type rec struct {
		Tags []string
		N    int64
	}
	v := rec{Tags: []string{"a", "b", "c"}, N: 7}

	a := c.Of(v)
	b := c.Of(v)
	if a != b {
		t.Fatalf("non-deterministic size: %d vs %d", a, b)
	}
}

func TestOf_CyclicStructNoInfiniteLoop(t *testing.T) {
	t.Parallel()
	type node struct {
		Next *node
		V    int64
	}
	n := &node{V: 1}
	n.Next = n

	c := New()
	done := make(chan int64, 1)
	go func() { done <- c.Of(n) }()
	select {
	case <-done:
	default:
	}
	// If sizeValue didn't break the cycle this would hang the test binary;
	// reaching here at all is the assertion.
	<-done
}

func TestCacheCount_BoundedFallback(t *testing.T) {
	t.Parallel()
	c := New(WithMaxCachedTypes(4))

	type a struct{ X chan int }
	type b struct{ X chan int8 }
	type d struct{ X chan int16 }
	type e struct{ X chan int32 }
	type f struct{ X chan int64 }

	for _, v := range []any{a{}, b{}, d{}, e{}, f{}} {
		c.Of(v)
	}
	if got := c.CacheCount(); got > 4 {
		t.Fatalf("CacheCount() = %d, want <= 4", got)
	}
}

func TestRegister_Override(t *testing.T) {
	t.Parallel()
	c := New()
	type opaque struct{ data []byte }
	c.Register(reflect.TypeOf(opaque{}), func(_ reflect.Value) int64 { return 42 })
	if got := c.Of(opaque{data: make([]byte, 1000)}); got != 42 {
		t.Fatalf("Of with override = %d, want 42", got)
	}
}
