package ports

import (
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
)

// Subscriber consumes events fanned out by the hub.
type Subscriber interface {
	// ID identifies the subscriber for detachment.
	ID() string

	// Send delivers one event. A send that fails detaches the
	// subscriber from the hub.
	Send(event events.Event) error

	// Close releases the subscriber. Idempotent.
	Close() error

	// Done is closed once the subscriber accepts no more sends.
	Done() <-chan struct{}
}

// EventHub fans daemon events out to attached subscribers. Publish never
// blocks the caller; delivery order is preserved per subscriber.
type EventHub interface {
	Start() error
	Stop() error

	// Publish queues an event for every attached subscriber.
	Publish(event events.Event)

	// Subscribe attaches a subscriber; Unsubscribe detaches by ID and
	// closes it.
	Subscribe(sub Subscriber)
	Unsubscribe(id string)

	SubscriberCount() int
}
