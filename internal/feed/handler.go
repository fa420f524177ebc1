// Package feed turns raw row changes from the realtime socket into
// cache invalidations, hub events, and user-facing notifications.
//
// Every step of the pipeline is isolated: a failing or panicking step is
// logged and the rest still run, so a broken notification sound can
// never stop cache invalidation.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
	"github.com/DIGONADA/candlelife-85/internal/notify"
	"github.com/DIGONADA/candlelife-85/internal/subscription"
)

const (
	// profileTimeout bounds the sender lookup for a notification.
	profileTimeout = 3 * time.Second

	// bodyPreviewLen truncates message bodies in notifications.
	bodyPreviewLen = 120
)

// invalidations maps a changed table to the cache key prefixes it
// spoils.
var invalidations = map[string][]string{
	domain.TableMessages:     {"messages", "conversations", "unread"},
	domain.TablePosts:        {"posts", "feed"},
	domain.TableComments:     {"comments", "posts", "feed"},
	domain.TableProfiles:     {"profiles"},
	domain.TablePresence:     {"presence"},
	domain.TableTransactions: {"transactions", "finance"},
	domain.TableGoals:        {"goals", "finance"},
}

// Deps are the handler's collaborators. Nil optional deps (Notifier,
// Sound, Gate, Hub) disable their step.
type Deps struct {
	// Self returns the signed-in user ID, or empty when signed out.
	Self     func() string
	Cache    ports.Invalidator
	Profiles ports.ProfileDirectory
	Log      *notify.Log
	Notifier ports.Notifier
	Sound    ports.SoundPlayer
	Gate     ports.ActivityGate
	Hub      ports.EventHub
}

// Options toggle the notification side effects.
type Options struct {
	DesktopEnabled bool
	SoundEnabled   bool
}

// Handler is the change pipeline.
type Handler struct {
	deps Deps
	opts Options
}

// NewHandler creates a change handler.
func NewHandler(deps Deps, opts Options) *Handler {
	return &Handler{deps: deps, opts: opts}
}

// Requests returns the subscriptions an identity needs, all bound to
// this handler. Used as the manager's request builder.
func (h *Handler) Requests(identity string) []subscription.Request {
	all := func(table, filter string) subscription.Request {
		return subscription.Request{
			Key: subscription.Key{Table: table, Identity: identity},
			Spec: subscription.Spec{
				Bindings: []subscription.Binding{
					{
						Event:   ports.EventSpec{Action: events.ActionAll, Table: table, Filter: filter},
						Handler: h.HandleChange,
					},
				},
			},
		}
	}

	return []subscription.Request{
		all(domain.TableMessages, "recipient_id=eq."+identity),
		all(domain.TablePosts, ""),
		all(domain.TableComments, ""),
		all(domain.TableProfiles, ""),
		all(domain.TableTransactions, "user_id=eq."+identity),
		all(domain.TableGoals, "user_id=eq."+identity),
	}
}

// HandleChange is the entry point bound to realtime channels. It runs on
// the socket read pump: the synchronous part stays cheap (cache
// invalidation, hub publish) and notification side effects run in their
// own goroutine.
func (h *Handler) HandleChange(change events.ChangePayload) {
	log.Debug().
		Str("table", change.Table).
		Str("action", string(change.Action)).
		Msg("row change received")

	h.step("invalidate", func() error {
		h.invalidate(change)
		return nil
	})

	h.publish(events.NewChangeReceivedEvent(change, h.self()))

	if change.Table == domain.TableMessages && change.Action == events.ActionInsert {
		go h.handleMessage(change)
	}
}

// invalidate drops cached queries spoiled by the change and announces
// what was dropped.
func (h *Handler) invalidate(change events.ChangePayload) {
	if h.deps.Cache == nil {
		return
	}

	prefixes, ok := invalidations[change.Table]
	if !ok {
		prefixes = []string{change.Table}
	}
	allowed := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		allowed[p] = true
	}

	dropped := h.deps.Cache.Invalidate(func(key []string) bool {
		return len(key) > 0 && allowed[key[0]]
	})

	log.Debug().Str("table", change.Table).Int("dropped", dropped).Msg("cache invalidated")
	h.publish(events.NewCacheInvalidatedEvent(change.Table, prefixes, dropped))
}

// messageRecord is the shape of a row in the messages table.
type messageRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
}

// handleMessage runs the notification side of an incoming message.
func (h *Handler) handleMessage(change events.ChangePayload) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("message pipeline panicked")
		}
	}()

	var rec messageRecord
	if err := json.Unmarshal(change.Record, &rec); err != nil {
		log.Warn().Err(err).Msg("message record unreadable")
		return
	}

	self := h.self()
	if rec.SenderID == "" || rec.SenderID == self {
		// Own messages echo back through the channel; nothing to notify
		return
	}

	sender := ports.Profile{ID: rec.SenderID}
	h.step("profile", func() error {
		if h.deps.Profiles == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), profileTimeout)
		defer cancel()
		p, err := h.deps.Profiles.Lookup(ctx, rec.SenderID)
		if err != nil {
			return err
		}
		if p.ID != "" {
			sender = p
		}
		return nil
	})

	name := sender.Username
	if name == "" {
		name = "New message"
	}
	preview := truncate(rec.Content, bodyPreviewLen)

	h.publish(events.NewMessageReceivedEvent(events.MessageReceivedPayload{
		MessageID:      rec.ID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		SenderName:     name,
		Body:           rec.Content,
		CreatedAt:      parseTimestamp(rec.CreatedAt),
	}, self))

	var stored notify.Notification
	h.step("log", func() error {
		if h.deps.Log == nil {
			return nil
		}
		stored = h.deps.Log.Add(notify.Notification{
			Title:          name,
			Body:           preview,
			Avatar:         sender.AvatarURL,
			ConversationID: rec.ConversationID,
		})
		h.publish(events.NewNotificationAddedEvent(events.NotificationAddedPayload{
			ID:             stored.ID,
			Title:          stored.Title,
			Body:           stored.Body,
			Avatar:         stored.Avatar,
			ConversationID: stored.ConversationID,
			CreatedAt:      stored.CreatedAt,
		}))
		return nil
	})

	// No toast or sound while the user is looking at the conversation
	if h.deps.Gate != nil && h.deps.Gate.IsActive(rec.ConversationID) {
		log.Debug().Str("conversation_id", rec.ConversationID).Msg("conversation active, notification muted")
		return
	}

	if h.opts.SoundEnabled && h.deps.Sound != nil {
		h.step("sound", func() error {
			return h.deps.Sound.Play(context.Background())
		})
	}

	if h.opts.DesktopEnabled && h.deps.Notifier != nil {
		h.step("desktop", func() error {
			return h.deps.Notifier.Notify(name, preview, "")
		})
	}
}

func (h *Handler) self() string {
	if h.deps.Self == nil {
		return ""
	}
	return h.deps.Self()
}

func (h *Handler) publish(e events.Event) {
	if h.deps.Hub != nil {
		h.deps.Hub.Publish(e)
	}
}

// step runs one pipeline stage, containing failures and panics.
func (h *Handler) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("step", name).Msg("feed step panicked")
		}
	}()
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("step", name).Msg("feed step failed")
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// parseTimestamp handles the timestamp shapes the backend emits, with
// and without zone.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
