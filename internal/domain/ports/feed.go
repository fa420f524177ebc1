package ports

import "context"

// Invalidator drops cached query results whose key matches the predicate.
// It returns the number of entries dropped.
type Invalidator interface {
	Invalidate(match func(key []string) bool) int
}

// Profile is the subset of a user profile the client renders.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ProfileDirectory resolves user profiles by ID.
type ProfileDirectory interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}

// Notifier raises a system-level notification.
type Notifier interface {
	Notify(title, body, iconPath string) error
}

// SoundPlayer plays the incoming-message sound.
type SoundPlayer interface {
	Play(ctx context.Context) error
}

// ActivityGate reports whether a conversation is currently focused by a
// local UI, in which case system notifications for it are suppressed.
type ActivityGate interface {
	IsActive(conversationID string) bool
}
