package bus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/latticekit/foundation/timesource"
)

type orderPlaced struct {
	ID string
}

type otherEvent struct{}

func TestBus_PublishDeliversToSubscribers(t *testing.T) {
	b := New(Options{})

	var got int32
	var wg sync.WaitGroup
	wg.Add(2)
	Subscribe(b, func(_ context.Context, ev orderPlaced) {
		defer wg.Done()
		if ev.ID == "o1" {
			atomic.AddInt32(&got, 1)
		}
	})
	Subscribe(b, func(_ context.Context, ev orderPlaced) {
		defer wg.Done()
		if ev.ID == "o1" {
			atomic.AddInt32(&got, 1)
		}
	})

	if err := Publish(context.Background(), b, orderPlaced{ID: "o1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	wg.Wait()

	if atomic.LoadInt32(&got) != 2 {
		t.Fatalf("want 2 deliveries, got %d", got)
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	b := New(Options{})

	var otherCalled atomic.Bool
	Subscribe(b, func(_ context.Context, _ otherEvent) { otherCalled.Store(true) })

	done := make(chan struct{})
	Subscribe(b, func(_ context.Context, _ orderPlaced) { close(done) })

	_ = Publish(context.Background(), b, orderPlaced{ID: "x"})
	<-done

	if otherCalled.Load() {
		t.Fatal("subscriber of a different type must not be invoked")
	}
}

func TestBus_UnsubscribeIsSynchronous(t *testing.T) {
	b := New(Options{})

	var calls int32
	sub := Subscribe(b, func(_ context.Context, _ orderPlaced) {
		atomic.AddInt32(&calls, 1)
	})
	sub.Unsubscribe()

	_ = Publish(context.Background(), b, orderPlaced{ID: "x"})
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("handler invoked after Unsubscribe returned")
	}
}

func TestBus_PublishDelayed(t *testing.T) {
	clock := timesource.NewVirtual(time.Unix(0, 0))
	b := New(Options{Clock: clock})

	received := make(chan time.Time, 1)
	Subscribe(b, func(_ context.Context, _ orderPlaced) {
		received <- clock.Now()
	})

	if err := PublishDelayed(context.Background(), b, orderPlaced{ID: "x"}, 5*time.Second); err != nil {
		t.Fatalf("PublishDelayed: %v", err)
	}

	select {
	case <-received:
		t.Fatal("delivered before the delay elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(5 * time.Second)

	select {
	case at := <-received:
		if !at.Equal(time.Unix(5, 0)) {
			t.Fatalf("delivered at %v, want %v", at, time.Unix(5, 0))
		}
	case <-time.After(time.Second):
		t.Fatal("never delivered after Advance")
	}
}

// TestBus_DeliveryOrderPerSubscriber reproduces spec.md §5's ordering
// guarantee: a single publisher's successive publishes must be observed
// by a given subscriber in the order they were made, even though the
// handler does slow, variable-length work that would reorder deliveries
// if each were dispatched on its own unsynchronized goroutine.
func TestBus_DeliveryOrderPerSubscriber(t *testing.T) {
	b := New(Options{})

	const n = 50
	got := make([]int, 0, n)
	var mu sync.Mutex
	done := make(chan struct{})

	Subscribe(b, func(_ context.Context, ev orderPlaced) {
		id, err := strconv.Atoi(ev.ID)
		if err != nil {
			t.Errorf("bad id %q: %v", ev.ID, err)
			return
		}
		// Vary per-message work so a naive goroutine-per-delivery bus
		// would reorder these.
		if id%3 == 0 {
			time.Sleep(time.Millisecond)
		}
		mu.Lock()
		got = append(got, id)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		if err := Publish(context.Background(), b, orderPlaced{ID: strconv.Itoa(i)}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("only %d/%d deliveries observed", len(got), n)
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("delivery order violated at index %d: got %d, want %d (full: %v)", i, v, i, got)
		}
	}
}

func TestBus_MessageTooLarge(t *testing.T) {
	b := New(Options{MaxMessageBytes: 4})

	err := Publish(context.Background(), b, orderPlaced{ID: "a-very-long-order-id"})
	if err == nil {
		t.Fatal("want message-too-large error")
	}
}
