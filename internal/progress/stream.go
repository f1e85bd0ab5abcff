package progress

import (
	"context"
	"iter"
	"sync"
)

// DefaultBuffer is the number of undelivered events a stream retains.
const DefaultBuffer = 64

// Stream is a finite, single-use sequence of progress events. Publishers
// never block: when the buffer is full the oldest non-terminal event is
// discarded. The stream ends once it is closed and drained.
type Stream struct {
	mu      sync.Mutex
	buf     []Event
	size    int
	closed  bool
	dropped int

	notify chan struct{}
	done   chan struct{}
}

// NewStream creates an open stream retaining up to buffer events.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{
		size:   buffer,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ClosedStream returns a stream that yields nothing.
func ClosedStream() *Stream {
	s := NewStream(1)
	s.Close()
	return s
}

// Publish appends ev. Events published after Close are ignored.
func (s *Stream) Publish(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, ev)
	if len(s.buf) > s.size {
		s.evict()
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// evict removes the oldest non-terminal event, or the oldest event when
// all are terminal. Caller holds s.mu.
func (s *Stream) evict() {
	idx := 0
	for i, ev := range s.buf {
		if !ev.Phase.Terminal() {
			idx = i
			break
		}
	}
	s.buf = append(s.buf[:idx], s.buf[idx+1:]...)
	s.dropped++
}

// Close ends the stream. Buffered events stay readable. Safe to call more
// than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Done is closed when the stream is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many events were evicted from a full buffer.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Next blocks for the next event. It returns false once the stream is
// closed and drained, or when ctx is done.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Events returns the remaining events as a lazy sequence.
func (s *Stream) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, ok := s.Next(ctx)
			if !ok || !yield(ev) {
				return
			}
		}
	}
}
