package events

import (
	"encoding/json"
	"time"
)

// Action represents the kind of row change delivered by the backend.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	// ActionAll subscribes to every change kind on a table.
	ActionAll Action = "*"
)

// ChangePayload is the payload for change_received events. Record and
// OldRecord carry the raw row JSON as delivered; consumers decode the
// columns they care about.
type ChangePayload struct {
	Table      string          `json:"table"`
	Schema     string          `json:"schema"`
	Action     Action          `json:"action"`
	Record     json.RawMessage `json:"record,omitempty"`
	OldRecord  json.RawMessage `json:"old_record,omitempty"`
	CommitTime time.Time       `json:"commit_time,omitempty"`
}

// NewChangeReceivedEvent creates a new change_received event.
func NewChangeReceivedEvent(payload ChangePayload, userID string) *BaseEvent {
	return NewEventWithContext(EventTypeChangeReceived, payload, userID, "")
}

// MessageReceivedPayload is the payload for message_received events,
// emitted after a message insert has been resolved against the sender's
// profile.
type MessageReceivedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Body           string    `json:"body,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessageReceivedEvent creates a new message_received event.
func NewMessageReceivedEvent(payload MessageReceivedPayload, userID string) *BaseEvent {
	return NewEventWithContext(EventTypeMessageReceived, payload, userID, payload.ConversationID)
}

// CacheInvalidatedPayload is the payload for cache_invalidated events.
type CacheInvalidatedPayload struct {
	Table    string   `json:"table"`
	Prefixes []string `json:"prefixes"`
	Dropped  int      `json:"dropped"`
}

// NewCacheInvalidatedEvent creates a new cache_invalidated event.
func NewCacheInvalidatedEvent(table string, prefixes []string, dropped int) *BaseEvent {
	return NewEvent(EventTypeCacheInvalidated, CacheInvalidatedPayload{
		Table:    table,
		Prefixes: prefixes,
		Dropped:  dropped,
	})
}
