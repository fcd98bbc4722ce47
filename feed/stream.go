package feed

import (
	"context"
	"sync"
)

// Stream is a Subscription fed by a producer through Send. Closing it stops
// the producer side, runs the release hook and closes the events channel.
type Stream struct {
	events  chan Event
	done    chan struct{}
	release func() error

	mu       sync.Mutex
	closed   bool
	once     sync.Once
	closeErr error
}

// NewStream makes a stream with the given buffer. release may be nil.
func NewStream(buffer int, release func() error) *Stream {
	return &Stream{
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		release: release,
	}
}

// Events implements Subscription.
func (s *Stream) Events() <-chan Event { return s.events }

// Done is closed once Close was called.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Send delivers ev, blocking while the buffer is full. It returns false when
// the stream or ctx is done.
func (s *Stream) Send(ctx context.Context, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close implements Subscription. It is safe to call more than once and from
// the producer itself.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.closeErr = s.release()
		}
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return s.closeErr
}
