package events

import "time"

// PresenceStatus represents a user's published presence status.
type PresenceStatus string

const (
	PresenceOnline PresenceStatus = "online"
	PresenceAway   PresenceStatus = "away"
	PresenceTyping PresenceStatus = "typing"
	// PresenceOffline is never published by a live client; it is stored by
	// the shutdown beacon and derived for stale rows.
	PresenceOffline PresenceStatus = "offline"
)

// PresenceUpdatedPayload is the payload for presence_updated events.
type PresenceUpdatedPayload struct {
	UserID         string         `json:"user_id"`
	Status         PresenceStatus `json:"status"`
	LastSeen       time.Time      `json:"last_seen"`
	ConversationID string         `json:"conversation_id,omitempty"`
	// Stale reports that the status was derived from last_seen age rather
	// than the stored status column.
	Stale bool `json:"stale,omitempty"`
}

// NewPresenceUpdatedEvent creates a new presence_updated event.
func NewPresenceUpdatedEvent(payload PresenceUpdatedPayload) *BaseEvent {
	return NewEventWithContext(EventTypePresenceUpdated, payload, payload.UserID, payload.ConversationID)
}
