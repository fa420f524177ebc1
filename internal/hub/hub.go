// Package hub fans daemon events out to every connected listener: local
// websocket clients, the CLI status stream, and in-process consumers.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

// broadcastBuffer absorbs bursts (a reconnect replays several channel
// states at once) without blocking publishers.
const broadcastBuffer = 256

// Hub is the central event dispatcher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]ports.Subscriber
	running     bool

	broadcast  chan events.Event
	register   chan ports.Subscriber
	unregister chan string
	done       chan struct{}

	// dropped counts events discarded because the broadcast buffer was
	// full. Surfaced on the status endpoint.
	dropped atomic.Uint64
}

// New creates a new Hub.
func New() *Hub {
	return &Hub{
		subscribers: make(map[string]ports.Subscriber),
		broadcast:   make(chan events.Event, broadcastBuffer),
		register:    make(chan ports.Subscriber),
		unregister:  make(chan string),
		done:        make(chan struct{}),
	}
}

// Start begins the dispatch loop. Starting a running hub is a no-op.
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
	log.Debug().Msg("event hub started")
	return nil
}

// Stop ends the dispatch loop and closes every subscriber.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	close(h.done)

	h.mu.Lock()
	for _, sub := range h.subscribers {
		_ = sub.Close()
	}
	h.subscribers = make(map[string]ports.Subscriber)
	h.mu.Unlock()

	log.Debug().Msg("event hub stopped")
	return nil
}

// run serializes attach, detach, and fan-out so subscriber callbacks
// never race each other.
func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case sub := <-h.register:
			h.attach(sub)
		case id := <-h.unregister:
			h.detach(id)
		case event := <-h.broadcast:
			h.fanout(event)
		}
	}
}

func (h *Hub) attach(sub ports.Subscriber) {
	h.mu.Lock()
	h.subscribers[sub.ID()] = sub
	h.mu.Unlock()
	log.Debug().Str("subscriber_id", sub.ID()).Msg("event listener attached")
}

func (h *Hub) detach(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if ok {
		_ = sub.Close()
		log.Debug().Str("subscriber_id", id).Msg("event listener detached")
	}
}

func (h *Hub) fanout(event events.Event) {
	h.mu.RLock()
	var failed []string
	for id, sub := range h.subscribers {
		if err := sub.Send(event); err != nil {
			log.Warn().
				Str("subscriber_id", id).
				Str("event_type", string(event.Type())).
				Err(err).
				Msg("listener send failed, detaching")
			failed = append(failed, id)
		}
	}
	h.mu.RUnlock()

	// Detach failed listeners through the loop so the close does not
	// run under the read lock.
	for _, id := range failed {
		go func(subID string) {
			select {
			case h.unregister <- subID:
			case <-h.done:
			}
		}(id)
	}
}

// Publish queues an event for broadcast. Never blocks; when the buffer
// is full the event is counted as dropped.
func (h *Hub) Publish(event events.Event) {
	select {
	case h.broadcast <- event:
		log.Trace().Str("event_type", string(event.Type())).Msg("event published")
	default:
		h.dropped.Add(1)
		log.Warn().Str("event_type", string(event.Type())).Msg("event dropped: broadcast buffer full")
	}
}

// Subscribe attaches a subscriber.
func (h *Hub) Subscribe(sub ports.Subscriber) {
	select {
	case h.register <- sub:
	case <-h.done:
	}
}

// Unsubscribe detaches a subscriber by ID.
func (h *Hub) Unsubscribe(id string) {
	select {
	case h.unregister <- id:
	case <-h.done:
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many events were discarded under backpressure.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// IsRunning reports whether the dispatch loop is live.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}
