package events

import "time"

// NotificationAddedPayload is the payload for notification_added events.
// It mirrors the record appended to the notification log.
type NotificationAddedPayload struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Avatar         string    `json:"avatar,omitempty"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewNotificationAddedEvent creates a new notification_added event.
func NewNotificationAddedEvent(payload NotificationAddedPayload) *BaseEvent {
	return NewEventWithContext(EventTypeNotificationAdded, payload, "", payload.ConversationID)
}

// NewNotificationsClearedEvent creates a new notifications_cleared event.
func NewNotificationsClearedEvent() *BaseEvent {
	return NewEvent(EventTypeNotificationsCleared, nil)
}
