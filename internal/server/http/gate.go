package http

import (
	"sync"
	"time"
)

// activeTTL bounds how long a conversation stays marked active without a
// refresh. A UI that crashes mid-conversation would otherwise mute its
// notifications forever.
const activeTTL = 5 * time.Minute

// Gate tracks which conversation the local UI currently has focused.
// Notifications for the active conversation are suppressed; the log
// entry is still recorded.
type Gate struct {
	mu     sync.Mutex
	active string
	seenAt time.Time
	now    func() time.Time
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// SetActive marks a conversation as focused. Calling it again refreshes
// the TTL.
func (g *Gate) SetActive(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = conversationID
	g.seenAt = g.now()
}

// ClearActive unmarks a conversation. A stale id from a previous focus
// is ignored.
func (g *Gate) ClearActive(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == conversationID {
		g.active = ""
	}
}

// IsActive reports whether the conversation is focused and the mark is
// still fresh.
func (g *Gate) IsActive(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != conversationID {
		return false
	}
	if g.now().Sub(g.seenAt) > activeTTL {
		g.active = ""
		return false
	}
	return true
}

// Active returns the currently focused conversation, or "" when none.
func (g *Gate) Active() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != "" && g.now().Sub(g.seenAt) > activeTTL {
		g.active = ""
	}
	return g.active
}
