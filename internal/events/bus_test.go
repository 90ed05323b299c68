package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_EmitReachesAllSubscribers(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	var got []Type
	for i := 0; i < 3; i++ {
		bus.Subscribe(func(ev LoopEvent) {
			mu.Lock()
			got = append(got, ev.Type)
			mu.Unlock()
		})
	}

	bus.Emit(New(LoopStarted, "loop-1", nil))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	unsub := bus.Subscribe(func(LoopEvent) { calls++ })
	if bus.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", bus.SubscriberCount())
	}

	unsub()
	unsub() // idempotent
	if bus.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", bus.SubscriberCount())
	}

	bus.Emit(New(LoopStopped, "loop-1", nil))
	if calls != 0 {
		t.Fatalf("unsubscribed handler was called %d times", calls)
	}
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus(nil)

	bus.Subscribe(func(LoopEvent) { panic("boom") })
	delivered := false
	bus.Subscribe(func(LoopEvent) { delivered = true })

	bus.Emit(New(LoopError, "loop-1", map[string]any{"message": "x"}))

	if !delivered {
		t.Fatal("sibling handler did not fire after a panic")
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(func(LoopEvent) {})
	bus.Subscribe(func(LoopEvent) {})
	bus.Clear()
	if bus.SubscriberCount() != 0 {
		t.Fatalf("count after clear = %d", bus.SubscriberCount())
	}
}

func TestNew_StampsUTCTimestamp(t *testing.T) {
	ev := New(LoopCompleted, "loop-9", nil)
	ts, err := time.Parse(time.RFC3339, ev.Timestamp)
	if err != nil {
		t.Fatalf("timestamp not RFC3339: %q", ev.Timestamp)
	}
	if ts.Location() != time.UTC {
		t.Fatalf("timestamp not UTC: %v", ts)
	}
	if ev.LoopID != "loop-9" {
		t.Fatalf("loop id = %q", ev.LoopID)
	}
}
