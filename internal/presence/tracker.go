package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
	"github.com/DIGONADA/candlelife-85/internal/subscription"
)

// staleAfter is how old a presence row may be before the user is
// treated as offline regardless of its status field. A publisher that
// dies without an offline beacon stops refreshing last_seen, so peers
// converge on offline within this window.
const staleAfter = 90 * time.Second

// Entry is one user's presence.
type Entry struct {
	UserID     string                `json:"user_id"`
	Status     events.PresenceStatus `json:"status"`
	LastSeenAt time.Time             `json:"last_seen_at"`
	// Viewing is the conversation the user has focused, when shared.
	Viewing string `json:"viewing_conversation_id,omitempty"`
}

// Effective returns the status after staleness: a row not refreshed
// within staleAfter reads as offline.
func (e Entry) Effective(now time.Time) events.PresenceStatus {
	if e.Status == events.PresenceOffline {
		return events.PresenceOffline
	}
	if e.LastSeenAt.IsZero() || now.Sub(e.LastSeenAt) > staleAfter {
		return events.PresenceOffline
	}
	return e.Status
}

// Tracker folds presence row changes into a live map.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry
	hub     ports.EventHub
}

// NewTracker creates an empty tracker. hub may be nil.
func NewTracker(hub ports.EventHub) *Tracker {
	return &Tracker{
		entries: make(map[string]Entry),
		hub:     hub,
	}
}

// Request returns the presence subscription for an identity, bound to
// this tracker.
func (t *Tracker) Request(identity string) subscription.Request {
	return subscription.Request{
		Key: subscription.Key{Table: domain.TablePresence, Identity: identity},
		Spec: subscription.Spec{
			Bindings: []subscription.Binding{
				{
					Event:   ports.EventSpec{Action: events.ActionAll, Table: domain.TablePresence},
					Handler: t.HandleChange,
				},
			},
		},
	}
}

// presenceRecord is the row shape of the presence table.
type presenceRecord struct {
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	LastSeenAt string `json:"last_seen_at"`
	Viewing    string `json:"viewing_conversation_id"`
}

func (r presenceRecord) entry() Entry {
	e := Entry{UserID: r.UserID, Status: events.PresenceStatus(r.Status), Viewing: r.Viewing}
	if ts, err := time.Parse(time.RFC3339, r.LastSeenAt); err == nil {
		e.LastSeenAt = ts
	}
	return e
}

// HandleChange applies one presence row change.
func (t *Tracker) HandleChange(change events.ChangePayload) {
	if change.Action == events.ActionDelete {
		var old presenceRecord
		if err := json.Unmarshal(change.OldRecord, &old); err != nil || old.UserID == "" {
			return
		}
		t.mu.Lock()
		delete(t.entries, old.UserID)
		t.mu.Unlock()
		t.publishUpdate(Entry{UserID: old.UserID, Status: events.PresenceOffline}, time.Now())
		return
	}

	var rec presenceRecord
	if err := json.Unmarshal(change.Record, &rec); err != nil {
		log.Warn().Err(err).Msg("presence record unreadable")
		return
	}
	if rec.UserID == "" {
		return
	}

	entry := rec.entry()
	t.mu.Lock()
	t.entries[entry.UserID] = entry
	t.mu.Unlock()

	t.publishUpdate(entry, time.Now())
}

// Seed loads a JSON array of presence rows, the shape a rest Select on
// the presence table returns. Used to prime the map at subscribe time,
// since the channel only carries changes from then on.
func (t *Tracker) Seed(rows []byte) error {
	var records []presenceRecord
	if err := json.Unmarshal(rows, &records); err != nil {
		return err
	}

	t.mu.Lock()
	for _, rec := range records {
		if rec.UserID == "" {
			continue
		}
		t.entries[rec.UserID] = rec.entry()
	}
	n := len(t.entries)
	t.mu.Unlock()

	log.Debug().Int("entries", n).Msg("presence seeded")
	return nil
}

// Get returns a user's presence with staleness applied.
func (t *Tracker) Get(userID string) (Entry, bool) {
	t.mu.RLock()
	entry, ok := t.entries[userID]
	t.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	entry.Status = entry.Effective(time.Now())
	return entry, true
}

// Snapshot returns all known presence entries with staleness applied,
// sorted by user ID.
func (t *Tracker) Snapshot() []Entry {
	now := time.Now()

	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		entry.Status = entry.Effective(now)
		out = append(out, entry)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineCount returns how many users are effectively online or away.
func (t *Tracker) OnlineCount() int {
	count := 0
	for _, entry := range t.Snapshot() {
		if entry.Status != events.PresenceOffline {
			count++
		}
	}
	return count
}

// Sweep drops entries whose last_seen is older than maxAge and returns
// how many were removed. Keeps the map from growing without bound on
// long-lived daemons.
func (t *Tracker) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, entry := range t.entries {
		if entry.LastSeenAt.Before(cutoff) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Tracker) publishUpdate(entry Entry, now time.Time) {
	if t.hub == nil {
		return
	}
	effective := entry.Effective(now)
	t.hub.Publish(events.NewPresenceUpdatedEvent(events.PresenceUpdatedPayload{
		UserID:         entry.UserID,
		Status:         effective,
		LastSeen:       entry.LastSeenAt,
		ConversationID: entry.Viewing,
		Stale:          effective == events.PresenceOffline && entry.Status != events.PresenceOffline,
	}))
}
