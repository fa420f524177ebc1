package events

// ChannelState represents the lifecycle state of a subscription entry.
type ChannelState string

const (
	StateConnecting ChannelState = "connecting"
	StateSubscribed ChannelState = "subscribed"
	StateClosed     ChannelState = "closed"
	StateErrored    ChannelState = "errored"
)

// IsTerminal reports whether the state ends the channel's useful life.
// A terminal entry is discarded so the next acquire dials fresh.
func (s ChannelState) IsTerminal() bool {
	return s == StateClosed || s == StateErrored
}

// ChannelStatePayload is the payload for channel_state events.
type ChannelStatePayload struct {
	Key    string       `json:"key"`
	Table  string       `json:"table"`
	State  ChannelState `json:"state"`
	Reason string       `json:"reason,omitempty"`
}

// NewChannelStateEvent creates a new channel_state event.
func NewChannelStateEvent(key, table string, state ChannelState, reason string) *BaseEvent {
	return NewEvent(EventTypeChannelState, ChannelStatePayload{
		Key:    key,
		Table:  table,
		State:  state,
		Reason: reason,
	})
}

// SocketStatePayload is the payload for socket_state events.
type SocketStatePayload struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

// NewSocketStateEvent creates a new socket_state event.
func NewSocketStateEvent(connected bool, reason string) *BaseEvent {
	return NewEvent(EventTypeSocketState, SocketStatePayload{
		Connected: connected,
		Reason:    reason,
	})
}
