package hub

import (
	"sync"

	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

// FilteredSubscriber wraps a subscriber and filters events by type and
// by conversation. An empty filter forwards everything; events with no
// conversation ID always pass the conversation filter so connection and
// session events reach every listener.
type FilteredSubscriber struct {
	inner ports.Subscriber

	mu            sync.RWMutex
	types         map[events.EventType]bool
	conversations map[string]bool
}

// NewFilteredSubscriber wraps a subscriber with empty filters.
func NewFilteredSubscriber(inner ports.Subscriber) *FilteredSubscriber {
	return &FilteredSubscriber{
		inner:         inner,
		types:         make(map[events.EventType]bool),
		conversations: make(map[string]bool),
	}
}

// ID returns the inner subscriber's identifier.
func (f *FilteredSubscriber) ID() string {
	return f.inner.ID()
}

// Send forwards the event if it passes the filters.
func (f *FilteredSubscriber) Send(event events.Event) error {
	if !f.shouldForward(event) {
		return nil
	}
	return f.inner.Send(event)
}

// Close closes the inner subscriber.
func (f *FilteredSubscriber) Close() error {
	return f.inner.Close()
}

// Done returns the inner subscriber's done channel.
func (f *FilteredSubscriber) Done() <-chan struct{} {
	return f.inner.Done()
}

// AllowTypes adds event types to the filter.
func (f *FilteredSubscriber) AllowTypes(types ...events.EventType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range types {
		f.types[t] = true
	}
}

// AllowConversation adds a conversation to the filter.
func (f *FilteredSubscriber) AllowConversation(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[conversationID] = true
}

// ClearFilters resets both filters, forwarding everything again.
func (f *FilteredSubscriber) ClearFilters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = make(map[events.EventType]bool)
	f.conversations = make(map[string]bool)
}

// IsFiltering reports whether any filter is set.
func (f *FilteredSubscriber) IsFiltering() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.types) > 0 || len(f.conversations) > 0
}

// AllowedTypes returns the type filter's contents.
func (f *FilteredSubscriber) AllowedTypes() []events.EventType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]events.EventType, 0, len(f.types))
	for t := range f.types {
		out = append(out, t)
	}
	return out
}

func (f *FilteredSubscriber) shouldForward(event events.Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.types) > 0 && !f.types[event.Type()] {
		return false
	}

	if len(f.conversations) > 0 {
		conversationID := event.GetConversationID()
		if conversationID != "" && !f.conversations[conversationID] {
			return false
		}
	}

	return true
}
