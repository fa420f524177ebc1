package hub

import (
	"sync"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
)

// ChannelSubscriber delivers events over a Go channel. A subscriber that
// cannot keep up fails its Send, which detaches it from the hub.
type ChannelSubscriber struct {
	id   string
	send chan events.Event
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewChannelSubscriber creates a channel-backed subscriber.
func NewChannelSubscriber(id string, bufferSize int) *ChannelSubscriber {
	return &ChannelSubscriber{
		id:   id,
		send: make(chan events.Event, bufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the subscriber's unique identifier.
func (s *ChannelSubscriber) ID() string {
	return s.id
}

// Send queues an event. Returns ErrSubscriberClosed when closed or when
// the buffer is full.
func (s *ChannelSubscriber) Send(event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSubscriberClosed
	}

	select {
	case s.send <- event:
		return nil
	default:
		return domain.ErrSubscriberClosed
	}
}

// Close closes the subscriber. Safe to call more than once.
func (s *ChannelSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.send)
	return nil
}

// Done returns a channel closed when the subscriber is done.
func (s *ChannelSubscriber) Done() <-chan struct{} {
	return s.done
}

// Events returns the delivery channel.
func (s *ChannelSubscriber) Events() <-chan events.Event {
	return s.send
}

// FuncSubscriber invokes a callback per event. Used for in-process
// consumers like the trace logger.
type FuncSubscriber struct {
	id string
	fn func(event events.Event)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewFuncSubscriber creates a callback subscriber.
func NewFuncSubscriber(id string, fn func(event events.Event)) *FuncSubscriber {
	return &FuncSubscriber{
		id:   id,
		fn:   fn,
		done: make(chan struct{}),
	}
}

// ID returns the subscriber's unique identifier.
func (s *FuncSubscriber) ID() string {
	return s.id
}

// Send invokes the callback.
func (s *FuncSubscriber) Send(event events.Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return domain.ErrSubscriberClosed
	}
	if s.fn != nil {
		s.fn(event)
	}
	return nil
}

// Close closes the subscriber. Safe to call more than once.
func (s *FuncSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// Done returns a channel closed when the subscriber is done.
func (s *FuncSubscriber) Done() <-chan struct{} {
	return s.done
}
