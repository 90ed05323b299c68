package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func nextFrame(t *testing.T, s *SSEStream) string {
	t.Helper()
	type result struct {
		frame []byte
		ok    bool
	}
	ch := make(chan result, 1)
	go func() {
		f, ok := s.Next()
		ch <- result{f, ok}
	}()
	select {
	case r := <-ch:
		if !r.ok {
			t.Fatal("stream closed unexpectedly")
		}
		return string(r.frame)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func TestSSEStream_ConnectedCommentFirst(t *testing.T) {
	bus := NewBus(nil)
	s := NewSSEStream(bus, "")
	defer s.Close()

	if got := nextFrame(t, s); got != ": connected\n\n" {
		t.Fatalf("first frame = %q", got)
	}
}

func TestSSEStream_EventFraming(t *testing.T) {
	bus := NewBus(nil)
	s := NewSSEStream(bus, "")
	defer s.Close()
	nextFrame(t, s) // connected

	bus.Emit(New(LoopProgress, "loop-1", map[string]any{"content": "hi"}))

	frame := nextFrame(t, s)
	if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("bad framing: %q", frame)
	}

	var ev LoopEvent
	if err := json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")), &ev); err != nil {
		t.Fatalf("frame payload not json: %v", err)
	}
	if ev.Type != LoopProgress || ev.LoopID != "loop-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSSEStream_LoopFilter(t *testing.T) {
	bus := NewBus(nil)
	s := NewSSEStream(bus, "loop-2")
	defer s.Close()
	nextFrame(t, s) // connected

	bus.Emit(New(LoopMessage, "loop-1", nil))
	bus.Emit(New(LoopMessage, "loop-2", nil))

	frame := nextFrame(t, s)
	if !strings.Contains(frame, `"loopId":"loop-2"`) {
		t.Fatalf("filter leaked another loop's event: %q", frame)
	}
}

func TestSSEStream_Heartbeat(t *testing.T) {
	bus := NewBus(nil)
	s := newSSEStream(bus, "", 10*time.Millisecond)
	defer s.Close()
	nextFrame(t, s) // connected

	if got := nextFrame(t, s); got != ": heartbeat\n\n" {
		t.Fatalf("expected heartbeat, got %q", got)
	}
}

func TestSSEStream_CloseUnsubscribes(t *testing.T) {
	bus := NewBus(nil)
	s := NewSSEStream(bus, "")
	if bus.SubscriberCount() != 1 {
		t.Fatalf("count = %d", bus.SubscriberCount())
	}
	s.Close()
	s.Close() // idempotent
	if bus.SubscriberCount() != 0 {
		t.Fatalf("count after close = %d", bus.SubscriberCount())
	}

	// The buffered connected frame still drains after close.
	if frame, ok := s.Next(); !ok || string(frame) != ": connected\n\n" {
		t.Fatalf("buffered frame after close = %q, ok = %v", frame, ok)
	}
	if _, ok := s.Next(); ok {
		t.Fatal("Next should report closed after drain")
	}
}
