// Package ports defines the interfaces (ports) for the hexagonal architecture.
package ports

import (
	"context"

	"github.com/DIGONADA/candlelife-85/internal/domain/events"
)

// ChannelStatus is a connection lifecycle string reported by the realtime
// transport's status callback.
type ChannelStatus string

const (
	ChannelStatusSubscribed   ChannelStatus = "SUBSCRIBED"
	ChannelStatusClosed       ChannelStatus = "CLOSED"
	ChannelStatusChannelError ChannelStatus = "CHANNEL_ERROR"
	ChannelStatusTimedOut     ChannelStatus = "TIMED_OUT"
)

// EventSpec describes which row changes a binding receives.
type EventSpec struct {
	Action events.Action
	Schema string
	Table  string
	// Filter is an optional row predicate, e.g. "recipient_id=eq.<uuid>".
	Filter string
}

// ChangeHandler receives a decoded row change.
type ChangeHandler func(change events.ChangePayload)

// StatusHandler receives connection lifecycle updates for a channel. err
// carries the cause for CHANNEL_ERROR and TIMED_OUT.
type StatusHandler func(status ChannelStatus, err error)

// Channel is a single logical realtime subscription to a backend topic.
// Bindings must be registered before Subscribe.
type Channel interface {
	// Topic returns the channel's topic name.
	Topic() string

	// On registers a change handler for rows matching spec.
	On(spec EventSpec, handler ChangeHandler)

	// Subscribe joins the channel. The join is asynchronous: the outcome
	// arrives on the status handler. An error is returned only when the
	// join cannot be initiated.
	Subscribe(ctx context.Context, status StatusHandler) error

	// Unsubscribe leaves the channel. Safe to call more than once.
	Unsubscribe(ctx context.Context) error
}

// RealtimeClient multiplexes topic channels over one backend socket.
type RealtimeClient interface {
	// Channel returns a new channel for the topic.
	Channel(topic string) Channel

	// RemoveChannel unsubscribes and forgets a channel.
	RemoveChannel(ctx context.Context, ch Channel) error

	// Connected reports whether the underlying socket is up.
	Connected() bool

	// Close tears down the socket and all channels.
	Close() error
}
