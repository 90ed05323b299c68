package agent

import (
	"context"
	"io"
	"sync"
)

// EventStream is a pull-based, cancellable, finite stream of session events.
// Next returns io.EOF when the stream is closed and drained. Close is
// idempotent and cancels the producer.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close()
}

// ChannelStream is a channel-backed EventStream. Producers call Push;
// consumers call Next. Closing unblocks both sides.
type ChannelStream struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewChannelStream creates a stream with the given buffer size.
func NewChannelStream(buffer int) *ChannelStream {
	return &ChannelStream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Push delivers an event to the consumer. It blocks while the buffer is full
// and returns false once the stream is closed.
func (s *ChannelStream) Push(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Next returns the next event. Buffered events are drained even after Close;
// then io.EOF is returned. A done context returns its error.
func (s *ChannelStream) Next(ctx context.Context) (Event, error) {
	// Buffered events win over both cancellation paths.
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
			return nil, io.EOF
		}
	}
}

// Close cancels the stream. Idempotent.
func (s *ChannelStream) Close() {
	s.once.Do(func() { close(s.done) })
}
