//go:build go1.18

package cache

import (
	"context"
	"strings"
	"testing"
)

// Fuzz basic Set/Get/Remove semantics under arbitrary string inputs.
// Guards against panics and ensures core invariants hold.
// NOTE: key/value lengths are capped to avoid pathological memory usage
// during fuzzing (this does not weaken the invariants checked).
func FuzzCache_SetGetRemove(f *testing.F) {
	f.Add("", "")
	f.Add("a", "1")
	f.Add("b", "2")
	f.Add("αβγ", "δ")
	f.Add("emoji🙂", "🙂🙂")
	f.Add("long", strings.Repeat("x", 1024))

	f.Fuzz(func(t *testing.T, k, v string) {
		const limit = 1 << 12 // 4096
		if len(k) > limit {
			k = k[:limit]
		}
		if len(v) > limit {
			v = v[:limit]
		}

		ctx := context.Background()
		c := New(Options{MaxEntries: 16})
		t.Cleanup(func() { _ = c.Close() })

		if _, err := c.Set(ctx, k, v, NoTTL); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		got, ok := c.Get(ctx, k)
		if !ok || got != v {
			t.Fatalf("after Set/Get: want %q, got %q ok=%v", v, got, ok)
		}

		if inserted, err := c.Add(ctx, k, "other", NoTTL); err != nil || inserted {
			t.Fatalf("Add duplicate returned inserted=%v err=%v", inserted, err)
		}
		if got2, ok := c.Get(ctx, k); !ok || got2 != v {
			t.Fatalf("after duplicate Add: want %q, got %q ok=%v", v, got2, ok)
		}

		if !c.Remove(ctx, k) {
			t.Fatalf("Remove must return true")
		}
		if _, ok := c.Get(ctx, k); ok {
			t.Fatalf("key must be absent after Remove")
		}

		if inserted, err := c.Add(ctx, k, v, NoTTL); err != nil || !inserted {
			t.Fatalf("Add after Remove must insert: inserted=%v err=%v", inserted, err)
		}
	})
}
