package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestManualClockFiresInOrder(t *testing.T) {
	clock := NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	var mu sync.Mutex
	var order []string
	clock.AfterFunc(2*time.Second, func() {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
	})
	clock.AfterFunc(time.Second, func() {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
	})
	stopped := clock.AfterFunc(time.Second, func() { t.Fatal("stopped timer must not fire") })
	if !stopped.Stop() {
		t.Fatal("first Stop should report true")
	}
	if stopped.Stop() {
		t.Fatal("second Stop should report false")
	}

	clock.Advance(500 * time.Millisecond)
	if clock.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", clock.Pending())
	}

	clock.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected firing order %v", order)
	}
	if clock.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clock.Pending())
	}
}

func TestSleepReturnsFalseOnDone(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	done := make(chan struct{})
	close(done)
	if Sleep(done, clock, time.Minute) {
		t.Fatal("Sleep should report interruption")
	}
	if !Sleep(done, clock, 0) {
		t.Fatal("zero duration sleeps complete immediately")
	}
}

func TestSchedulerRunsAlignedTicks(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	clock := NewManualClock(start)
	sched := New(Options{Interval: time.Minute, AlignToStart: true, Clock: clock}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buckets := make(chan time.Time, 4)
	go func() {
		_ = sched.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			buckets <- bucket
			return nil
		})
	}()

	waitForPending(t, clock, 1)
	clock.Advance(30 * time.Second)

	select {
	case bucket := <-buckets:
		want := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
		if !bucket.Equal(want) {
			t.Fatalf("expected bucket %s, got %s", want, bucket)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick was not executed")
	}
}

func TestNewPanicsOnInvalidInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero interval")
		}
	}()
	New(Options{}, zerolog.Nop())
}

func waitForPending(t *testing.T, clock *ManualClock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clock.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending timers", n)
		}
		time.Sleep(time.Millisecond)
	}
}
