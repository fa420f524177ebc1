// Package events defines all event types used in candlelife.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// Change events
	EventTypeChangeReceived   EventType = "change_received"
	EventTypeMessageReceived  EventType = "message_received"
	EventTypeCacheInvalidated EventType = "cache_invalidated"

	// Notification events
	EventTypeNotificationAdded    EventType = "notification_added"
	EventTypeNotificationsCleared EventType = "notifications_cleared"

	// Presence events
	EventTypePresenceUpdated EventType = "presence_updated"

	// Connection events
	EventTypeChannelState EventType = "channel_state"
	EventTypeSocketState  EventType = "socket_state"
	EventTypeHeartbeat    EventType = "heartbeat"

	// Session events
	EventTypeSessionSignedIn  EventType = "session_signed_in"
	EventTypeSessionSignedOut EventType = "session_signed_out"
	EventTypeIdentityChanged  EventType = "identity_changed"

	// Response events
	EventTypeStatusResponse EventType = "status_response"
	EventTypeError          EventType = "error"
)

// Event is the base interface for all events.
type Event interface {
	// Type returns the event type.
	Type() EventType

	// Timestamp returns when the event occurred.
	Timestamp() time.Time

	// ToJSON serializes the event to JSON.
	ToJSON() ([]byte, error)

	// GetUserID returns the user identity the event belongs to (may be empty).
	GetUserID() string

	// GetConversationID returns the conversation ID (may be empty).
	GetConversationID() string
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventType      EventType   `json:"event"`
	EventTime      time.Time   `json:"timestamp"`
	UserID         string      `json:"user_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Payload        interface{} `json:"payload"`
	RequestID      string      `json:"request_id,omitempty"`
}

// SetContext sets the user and conversation context for an event.
func (e *BaseEvent) SetContext(userID, conversationID string) {
	e.UserID = userID
	e.ConversationID = conversationID
}

// GetUserID returns the user identity the event belongs to.
func (e *BaseEvent) GetUserID() string {
	return e.UserID
}

// GetConversationID returns the conversation ID.
func (e *BaseEvent) GetConversationID() string {
	return e.ConversationID
}

// Type returns the event type.
func (e *BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e *BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// ToJSON serializes the event to JSON.
func (e *BaseEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent creates a new base event with the given type and payload.
func NewEvent(eventType EventType, payload interface{}) *BaseEvent {
	return &BaseEvent{
		EventType: eventType,
		EventTime: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewEventWithRequestID creates a new event with a request ID for correlation.
func NewEventWithRequestID(eventType EventType, payload interface{}, requestID string) *BaseEvent {
	return &BaseEvent{
		EventType: eventType,
		EventTime: time.Now().UTC(),
		Payload:   payload,
		RequestID: requestID,
	}
}

// NewEventWithContext creates a new event with user and conversation context.
func NewEventWithContext(eventType EventType, payload interface{}, userID, conversationID string) *BaseEvent {
	return &BaseEvent{
		EventType:      eventType,
		EventTime:      time.Now().UTC(),
		UserID:         userID,
		ConversationID: conversationID,
		Payload:        payload,
	}
}
