// Package notify keeps the persisted notification log and the desktop
// notification side effects (toast, sound).
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/store"
)

// DefaultCapacity bounds the log when no capacity is configured.
const DefaultCapacity = 100

// storeKey is where the log lives in the local store.
const storeKey = "notifications"

// Notification is one entry in the log.
type Notification struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Avatar         string    `json:"avatar,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

// Log is a bounded notification log. New entries push the oldest out
// once the capacity is reached. Mutations persist to the local store so
// the log survives restarts.
type Log struct {
	store    *store.Store
	capacity int

	mu    sync.Mutex
	items []Notification // oldest first
}

// NewLog loads the log from the store. A nil store keeps the log in
// memory only. A corrupt stored log is discarded with a warning.
func NewLog(st *store.Store, capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{store: st, capacity: capacity}

	if st != nil {
		if _, err := st.GetJSON(storeKey, &l.items); err != nil {
			log.Warn().Err(err).Msg("stored notification log unreadable, starting empty")
			l.items = nil
		}
		if len(l.items) > capacity {
			l.items = l.items[len(l.items)-capacity:]
		}
	}

	return l
}

// Add appends a notification, evicting the oldest entries beyond
// capacity. Fills in ID and CreatedAt when absent and returns the
// stored value.
func (l *Log) Add(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	l.mu.Lock()
	l.items = append(l.items, n)
	if len(l.items) > l.capacity {
		l.items = l.items[len(l.items)-l.capacity:]
	}
	l.persistLocked()
	l.mu.Unlock()

	return n
}

// List returns the log newest first.
func (l *Log) List() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Notification, len(l.items))
	for i, n := range l.items {
		out[len(l.items)-1-i] = n
	}
	return out
}

// Count returns the number of entries.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Unread returns the number of unread entries.
func (l *Log) Unread() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	unread := 0
	for _, n := range l.items {
		if !n.Read {
			unread++
		}
	}
	return unread
}

// MarkAllRead marks every entry read.
func (l *Log) MarkAllRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		l.items[i].Read = true
	}
	l.persistLocked()
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.persistLocked()
}

// Capacity returns the configured bound.
func (l *Log) Capacity() int {
	return l.capacity
}

func (l *Log) persistLocked() {
	if l.store == nil {
		return
	}
	if err := l.store.PutJSON(storeKey, l.items); err != nil {
		log.Warn().Err(err).Msg("notification log not persisted")
	}
}
