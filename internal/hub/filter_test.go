package hub

import (
	"testing"

	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/testutil"
)

func TestFilteredSubscriber_NoFilterForwardsAll(t *testing.T) {
	inner := testutil.NewMockSubscriber("inner")
	f := NewFilteredSubscriber(inner)

	if f.ID() != "inner" {
		t.Errorf("ID() = %q, want %q", f.ID(), "inner")
	}
	if f.IsFiltering() {
		t.Error("IsFiltering() = true with empty filters")
	}

	_ = f.Send(events.NewEvent(events.EventTypeHeartbeat, nil))
	_ = f.Send(events.NewMessageReceivedEvent(events.MessageReceivedPayload{ConversationID: "c1"}, "u1"))

	if got := inner.EventCount(); got != 2 {
		t.Errorf("inner received %d events, want 2", got)
	}
}

func TestFilteredSubscriber_TypeFilter(t *testing.T) {
	inner := testutil.NewMockSubscriber("inner")
	f := NewFilteredSubscriber(inner)
	f.AllowTypes(events.EventTypeChannelState, events.EventTypeSocketState)

	if !f.IsFiltering() {
		t.Error("IsFiltering() = false after AllowTypes")
	}
	if got := len(f.AllowedTypes()); got != 2 {
		t.Errorf("AllowedTypes() = %d entries, want 2", got)
	}

	_ = f.Send(events.NewChannelStateEvent("messages:u1", "messages", events.StateSubscribed, ""))
	_ = f.Send(events.NewEvent(events.EventTypeHeartbeat, nil))
	_ = f.Send(events.NewSocketStateEvent(true, ""))

	got := inner.Events()
	if len(got) != 2 {
		t.Fatalf("inner received %d events, want 2", len(got))
	}
	if got[0].Type() != events.EventTypeChannelState {
		t.Errorf("first event = %q, want %q", got[0].Type(), events.EventTypeChannelState)
	}
	if got[1].Type() != events.EventTypeSocketState {
		t.Errorf("second event = %q, want %q", got[1].Type(), events.EventTypeSocketState)
	}
}

func TestFilteredSubscriber_ConversationFilter(t *testing.T) {
	inner := testutil.NewMockSubscriber("inner")
	f := NewFilteredSubscriber(inner)
	f.AllowConversation("c1")

	// Matching conversation passes
	_ = f.Send(events.NewMessageReceivedEvent(events.MessageReceivedPayload{ConversationID: "c1"}, "u1"))
	// Other conversation is dropped
	_ = f.Send(events.NewMessageReceivedEvent(events.MessageReceivedPayload{ConversationID: "c2"}, "u1"))
	// Events without a conversation always pass
	_ = f.Send(events.NewSocketStateEvent(false, "lost"))

	if got := inner.EventCount(); got != 2 {
		t.Errorf("inner received %d events, want 2", got)
	}
}

func TestFilteredSubscriber_CombinedFilters(t *testing.T) {
	inner := testutil.NewMockSubscriber("inner")
	f := NewFilteredSubscriber(inner)
	f.AllowTypes(events.EventTypeMessageReceived)
	f.AllowConversation("c1")

	// Right type, right conversation
	_ = f.Send(events.NewMessageReceivedEvent(events.MessageReceivedPayload{ConversationID: "c1"}, "u1"))
	// Right type, wrong conversation
	_ = f.Send(events.NewMessageReceivedEvent(events.MessageReceivedPayload{ConversationID: "c2"}, "u1"))
	// Wrong type
	_ = f.Send(events.NewEvent(events.EventTypeHeartbeat, nil))

	if got := inner.EventCount(); got != 1 {
		t.Errorf("inner received %d events, want 1", got)
	}
}

func TestFilteredSubscriber_ClearFilters(t *testing.T) {
	inner := testutil.NewMockSubscriber("inner")
	f := NewFilteredSubscriber(inner)
	f.AllowTypes(events.EventTypeChannelState)

	_ = f.Send(events.NewEvent(events.EventTypeHeartbeat, nil))
	if got := inner.EventCount(); got != 0 {
		t.Fatalf("inner received %d events before clear, want 0", got)
	}

	f.ClearFilters()
	if f.IsFiltering() {
		t.Error("IsFiltering() = true after ClearFilters")
	}

	_ = f.Send(events.NewEvent(events.EventTypeHeartbeat, nil))
	if got := inner.EventCount(); got != 1 {
		t.Errorf("inner received %d events after clear, want 1", got)
	}
}

func TestFilteredSubscriber_CloseAndDone(t *testing.T) {
	inner := testutil.NewMockSubscriber("inner")
	f := NewFilteredSubscriber(inner)

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !inner.IsClosed() {
		t.Error("inner subscriber not closed")
	}

	select {
	case <-f.Done():
	default:
		t.Error("Done() channel not closed")
	}
}
