package events

import "time"

// SessionPayload is the payload for session_signed_in and
// session_signed_out events.
type SessionPayload struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// IdentityChangedPayload is the payload for identity_changed events,
// emitted when the session file is rewritten with a different user.
type IdentityChangedPayload struct {
	PreviousUserID string `json:"previous_user_id,omitempty"`
	UserID         string `json:"user_id"`
}

// StatusResponsePayload is the payload for status_response events.
type StatusResponsePayload struct {
	UserID            string `json:"user_id"`
	SocketConnected   bool   `json:"socket_connected"`
	ActiveChannels    int    `json:"active_channels"`
	ConnectedClients  int    `json:"connected_clients"`
	NotificationCount int    `json:"notification_count"`
	OnlineUsers       int    `json:"online_users"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ClientVersion     string `json:"client_version"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HeartbeatPayload is the payload for heartbeat events.
// Heartbeats are sent periodically to allow local UI clients to detect
// connection issues at the application level (beyond WebSocket ping/pong
// frames).
type HeartbeatPayload struct {
	ServerTime      string `json:"server_time"`
	Sequence        int64  `json:"sequence"`
	SocketConnected bool   `json:"socket_connected"`
	Uptime          int64  `json:"uptime_seconds"`
}

// NewSessionSignedInEvent creates a new session_signed_in event.
func NewSessionSignedInEvent(userID, email string) *BaseEvent {
	return NewEventWithContext(EventTypeSessionSignedIn, SessionPayload{
		UserID: userID,
		Email:  email,
	}, userID, "")
}

// NewSessionSignedOutEvent creates a new session_signed_out event.
func NewSessionSignedOutEvent(userID string) *BaseEvent {
	return NewEventWithContext(EventTypeSessionSignedOut, SessionPayload{
		UserID: userID,
	}, userID, "")
}

// NewIdentityChangedEvent creates a new identity_changed event.
func NewIdentityChangedEvent(previousUserID, userID string) *BaseEvent {
	return NewEventWithContext(EventTypeIdentityChanged, IdentityChangedPayload{
		PreviousUserID: previousUserID,
		UserID:         userID,
	}, userID, "")
}

// NewStatusResponseEvent creates a new status_response event.
func NewStatusResponseEvent(payload StatusResponsePayload, requestID string) *BaseEvent {
	return NewEventWithRequestID(EventTypeStatusResponse, payload, requestID)
}

// NewErrorEvent creates a new error event.
func NewErrorEvent(code, message string, requestID string, details map[string]interface{}) *BaseEvent {
	return NewEventWithRequestID(EventTypeError, ErrorPayload{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	}, requestID)
}

// NewHeartbeatEvent creates a new heartbeat event.
func NewHeartbeatEvent(sequence int64, socketConnected bool, uptimeSeconds int64) *BaseEvent {
	return NewEvent(EventTypeHeartbeat, HeartbeatPayload{
		ServerTime:      time.Now().UTC().Format(time.RFC3339),
		Sequence:        sequence,
		SocketConnected: socketConnected,
		Uptime:          uptimeSeconds,
	})
}
