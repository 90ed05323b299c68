package events

import (
	"encoding/json"
	"sync"
	"time"
)

// heartbeatInterval defeats browser and proxy idle timeouts, which commonly
// sit below 15 seconds.
const heartbeatInterval = 5 * time.Second

// SSEStream projects bus events into server-sent-event frames. Frames are
// pulled with Next; delivery is best-effort (a slow consumer drops frames
// rather than blocking the bus).
type SSEStream struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	unsub  func()
	ticker *time.Ticker
}

// NewSSEStream subscribes to the bus and returns a stream that yields:
// a ": connected" comment immediately, ": heartbeat" comments every 5 s, and
// one "data: <json>" frame per event. When loopID is non-empty only events
// for that loop pass the filter. Close cancels both the heartbeat and the
// subscription.
func NewSSEStream(bus *Bus, loopID string) *SSEStream {
	return newSSEStream(bus, loopID, heartbeatInterval)
}

func newSSEStream(bus *Bus, loopID string, interval time.Duration) *SSEStream {
	s := &SSEStream{
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
		ticker: time.NewTicker(interval),
	}

	// The connected comment is buffered before any event can arrive, so it is
	// always the first frame out.
	s.frames <- []byte(": connected\n\n")

	s.unsub = bus.Subscribe(func(ev LoopEvent) {
		if loopID != "" && ev.LoopID != loopID {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		frame := make([]byte, 0, len(data)+8)
		frame = append(frame, "data: "...)
		frame = append(frame, data...)
		frame = append(frame, "\n\n"...)
		s.push(frame)
	})

	go func() {
		for {
			select {
			case <-s.ticker.C:
				s.push([]byte(": heartbeat\n\n"))
			case <-s.done:
				return
			}
		}
	}()

	return s
}

func (s *SSEStream) push(frame []byte) {
	select {
	case s.frames <- frame:
	case <-s.done:
	default: // consumer is behind; drop rather than block the publisher
	}
}

// Next blocks until a frame is available or the stream is closed. It returns
// false when the stream is closed and drained.
func (s *SSEStream) Next() ([]byte, bool) {
	select {
	case frame := <-s.frames:
		return frame, true
	case <-s.done:
		// Drain anything buffered before reporting closed.
		select {
		case frame := <-s.frames:
			return frame, true
		default:
			return nil, false
		}
	}
}

// Close cancels the heartbeat and the bus subscription. It is idempotent.
func (s *SSEStream) Close() {
	s.once.Do(func() {
		s.ticker.Stop()
		s.unsub()
		close(s.done)
	})
}
