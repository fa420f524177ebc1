package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent(EventTypePresenceUpdated, map[string]string{"user_id": "u-1"})
	after := time.Now().UTC()

	if event.Type() != EventTypePresenceUpdated {
		t.Errorf("Type() = %v, want %v", event.Type(), EventTypePresenceUpdated)
	}
	if event.Payload == nil {
		t.Error("Payload should not be nil")
	}
	if event.RequestID != "" {
		t.Errorf("RequestID = %q, want empty string", event.RequestID)
	}
	if ts := event.Timestamp(); ts.Before(before) || ts.After(after) {
		t.Errorf("Timestamp() = %v, want within [%v, %v]", ts, before, after)
	}
}

func TestNewEventWithRequestID(t *testing.T) {
	event := NewEventWithRequestID(EventTypeStatusResponse, nil, "req-123")

	if event.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want req-123", event.RequestID)
	}
}

func TestNewEventWithContext(t *testing.T) {
	event := NewEventWithContext(EventTypeMessageReceived, nil, "user-1", "conv-9")

	if event.GetUserID() != "user-1" {
		t.Errorf("GetUserID() = %q, want user-1", event.GetUserID())
	}
	if event.GetConversationID() != "conv-9" {
		t.Errorf("GetConversationID() = %q, want conv-9", event.GetConversationID())
	}
}

func TestBaseEvent_SetContext(t *testing.T) {
	event := NewEvent(EventTypeChangeReceived, nil)
	event.SetContext("user-1", "conv-2")

	if event.GetUserID() != "user-1" || event.GetConversationID() != "conv-2" {
		t.Errorf("context = (%q, %q), want (user-1, conv-2)", event.GetUserID(), event.GetConversationID())
	}
}

func TestBaseEvent_ToJSON(t *testing.T) {
	event := NewEventWithContext(EventTypeMessageReceived,
		map[string]string{"content": "hello"}, "user-1", "conv-9")

	raw, err := event.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if parsed["event"] != string(EventTypeMessageReceived) {
		t.Errorf("JSON event = %v, want %v", parsed["event"], EventTypeMessageReceived)
	}
	if parsed["user_id"] != "user-1" {
		t.Errorf("JSON user_id = %v, want user-1", parsed["user_id"])
	}
	if parsed["conversation_id"] != "conv-9" {
		t.Errorf("JSON conversation_id = %v, want conv-9", parsed["conversation_id"])
	}
	if _, ok := parsed["timestamp"]; !ok {
		t.Error("JSON should contain timestamp field")
	}

	payload, ok := parsed["payload"].(map[string]interface{})
	if !ok {
		t.Fatal("JSON payload should be a map")
	}
	if payload["content"] != "hello" {
		t.Errorf("JSON payload.content = %v, want hello", payload["content"])
	}
}

func TestBaseEvent_ToJSON_OmitsEmptyContext(t *testing.T) {
	event := NewEvent(EventTypeHeartbeat, nil)

	raw, err := event.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	// Wire payloads stay small: context fields only appear when set.
	if strings.Contains(string(raw), "user_id") {
		t.Errorf("JSON should omit empty user_id: %s", raw)
	}
	if strings.Contains(string(raw), "conversation_id") {
		t.Errorf("JSON should omit empty conversation_id: %s", raw)
	}
}

func TestEventTypes_Unique(t *testing.T) {
	types := []EventType{
		EventTypeChangeReceived,
		EventTypeMessageReceived,
		EventTypeCacheInvalidated,
		EventTypeNotificationAdded,
		EventTypeNotificationsCleared,
		EventTypePresenceUpdated,
		EventTypeChannelState,
		EventTypeSocketState,
		EventTypeHeartbeat,
		EventTypeSessionSignedIn,
		EventTypeSessionSignedOut,
		EventTypeIdentityChanged,
		EventTypeStatusResponse,
		EventTypeError,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if seen[et] {
			t.Fatalf("duplicate event type: %s", et)
		}
		seen[et] = true
	}
}

func BenchmarkEvent_ToJSON(b *testing.B) {
	event := NewEventWithContext(EventTypeMessageReceived,
		map[string]string{"content": "hello"}, "user-1", "conv-9")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = event.ToJSON()
	}
}
