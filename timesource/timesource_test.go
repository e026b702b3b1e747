package timesource

import (
	"context"
	"testing"
	"time"
)

func TestVirtual_AdvanceWakesSleeper(t *testing.T) {
	t.Parallel()

	clk := NewVirtual(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() {
		done <- clk.Sleep(context.Background(), 100*time.Millisecond)
	}()

	select {
	case <-done:
		t.Fatal("sleep returned before the clock advanced")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(150 * time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sleep never woke after Advance")
	}
}

func TestVirtual_SleepHonorsCancellation(t *testing.T) {
	t.Parallel()

	clk := NewVirtual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- clk.Sleep(ctx, time.Hour) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("sleep never woke after cancel")
	}
}

func TestVirtual_ZeroDurationNonBlocking(t *testing.T) {
	t.Parallel()
	clk := NewVirtual(time.Unix(0, 0))
	if err := clk.Sleep(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
