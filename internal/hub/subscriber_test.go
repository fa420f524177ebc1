package hub

import (
	"errors"
	"sync"
	"testing"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
)

func TestNewChannelSubscriber(t *testing.T) {
	sub := NewChannelSubscriber("test-1", 10)

	if sub == nil {
		t.Fatal("NewChannelSubscriber() returned nil")
	}
	if sub.ID() != "test-1" {
		t.Errorf("ID() = %q, want test-1", sub.ID())
	}
	if sub.send == nil {
		t.Error("send channel should not be nil")
	}
}

func TestChannelSubscriber_SendAndReceive(t *testing.T) {
	sub := NewChannelSubscriber("test-1", 4)

	event := events.NewEvent(events.EventTypeHeartbeat, nil)
	if err := sub.Send(event); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Type() != events.EventTypeHeartbeat {
			t.Errorf("event type = %q, want %q", got.Type(), events.EventTypeHeartbeat)
		}
	default:
		t.Fatal("no event on channel")
	}
}

func TestChannelSubscriber_FullBuffer(t *testing.T) {
	sub := NewChannelSubscriber("test-1", 1)

	if err := sub.Send(events.NewEvent(events.EventTypeHeartbeat, nil)); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	err := sub.Send(events.NewEvent(events.EventTypeHeartbeat, nil))
	if !errors.Is(err, domain.ErrSubscriberClosed) {
		t.Errorf("Send() with full buffer error = %v, want ErrSubscriberClosed", err)
	}
}

func TestChannelSubscriber_Close(t *testing.T) {
	sub := NewChannelSubscriber("test-1", 4)

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case <-sub.Done():
	default:
		t.Error("Done() channel not closed")
	}

	if err := sub.Send(events.NewEvent(events.EventTypeHeartbeat, nil)); !errors.Is(err, domain.ErrSubscriberClosed) {
		t.Errorf("Send() after Close error = %v, want ErrSubscriberClosed", err)
	}

	// Second close must not panic on the closed channels
	if err := sub.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestChannelSubscriber_ConcurrentSendClose(t *testing.T) {
	sub := NewChannelSubscriber("test-1", 64)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = sub.Send(events.NewEvent(events.EventTypeHeartbeat, nil))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sub.Close()
	}()
	wg.Wait()
}

func TestFuncSubscriber(t *testing.T) {
	var got []events.Event
	sub := NewFuncSubscriber("fn-1", func(e events.Event) {
		got = append(got, e)
	})

	if sub.ID() != "fn-1" {
		t.Errorf("ID() = %q, want fn-1", sub.ID())
	}

	if err := sub.Send(events.NewEvent(events.EventTypeHeartbeat, nil)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("callback ran %d times, want 1", len(got))
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sub.Send(events.NewEvent(events.EventTypeHeartbeat, nil)); !errors.Is(err, domain.ErrSubscriberClosed) {
		t.Errorf("Send() after Close error = %v, want ErrSubscriberClosed", err)
	}
	if len(got) != 1 {
		t.Errorf("callback ran %d times after close, want 1", len(got))
	}

	select {
	case <-sub.Done():
	default:
		t.Error("Done() channel not closed")
	}

	if err := sub.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
