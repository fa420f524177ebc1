package app

// End-to-end tests of the realtime pipeline the daemon runs: socket,
// channel registry, subscription manager, and change handler against
// the in-process fake backend.

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/feed"
	"github.com/DIGONADA/candlelife-85/internal/notify"
	"github.com/DIGONADA/candlelife-85/internal/presence"
	"github.com/DIGONADA/candlelife-85/internal/querycache"
	"github.com/DIGONADA/candlelife-85/internal/realtime"
	"github.com/DIGONADA/candlelife-85/internal/realtimetest"
	"github.com/DIGONADA/candlelife-85/internal/rest"
	"github.com/DIGONADA/candlelife-85/internal/subscription"
)

const waitTimeout = 5 * time.Second

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

type pipeline struct {
	t        *testing.T
	backend  *realtimetest.Backend
	socket   *realtime.Client
	registry *subscription.Registry
	manager  *subscription.Manager
	cache    *querycache.Cache
	log      *notify.Log
	tracker  *presence.Tracker

	mu       sync.Mutex
	identity string
}

func startPipeline(t *testing.T) *pipeline {
	t.Helper()

	b := realtimetest.Start(t)

	wsURL, err := realtime.DialURL(b.URL(), "anon-key")
	if err != nil {
		t.Fatalf("DialURL: %v", err)
	}
	socket := realtime.New(wsURL, realtime.Options{
		JoinTimeout:      2 * time.Second,
		ReconnectInitial: 20 * time.Millisecond,
		ReconnectMax:     100 * time.Millisecond,
	})
	socket.SetAuth("user-jwt")
	if err := socket.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = socket.Close() })

	registry := subscription.NewRegistry(socket, subscription.Options{
		TeardownDebounce: 40 * time.Millisecond,
	})
	t.Cleanup(func() { _ = registry.Close() })

	backend, err := rest.New(b.URL(), "anon-key", rest.Options{})
	if err != nil {
		t.Fatalf("rest.New: %v", err)
	}

	p := &pipeline{
		t:       t,
		backend: b,
		socket:  socket,
		cache:   querycache.New(),
		log:     notify.NewLog(nil, 10),
		tracker: presence.NewTracker(nil),
	}
	p.registry = registry

	handler := feed.NewHandler(feed.Deps{
		Self:     p.self,
		Cache:    p.cache,
		Profiles: rest.NewDirectory(backend, p.cache),
		Log:      p.log,
	}, feed.Options{})

	build := func(identity string) []subscription.Request {
		return append(handler.Requests(identity), p.tracker.Request(identity))
	}
	p.manager = subscription.NewManager(registry, build, subscription.ManagerOptions{
		Rebind:        true,
		RebindInitial: 20 * time.Millisecond,
		RebindMax:     100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = p.manager.Close() })

	return p
}

func (p *pipeline) self() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

func (p *pipeline) bind(ctx context.Context, identity string) {
	p.t.Helper()
	p.mu.Lock()
	p.identity = identity
	p.mu.Unlock()
	if err := p.manager.SetIdentity(ctx, identity); err != nil {
		p.t.Fatalf("SetIdentity(%q): %v", identity, err)
	}
}

func TestPipelineMessageNotification(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	p.bind(ctx, "user-1")
	p.backend.WaitJoined("messages:user-1", waitTimeout)

	p.backend.Seed("profiles", map[string]any{"id": "user-2", "username": "maria"})
	p.cache.Set("stale", "messages", "list")
	p.cache.Set("stale", "conversations", "user-2")
	p.cache.Set("untouched", "goals", "list")

	record, _ := json.Marshal(map[string]string{
		"id":              "m-1",
		"conversation_id": "conv-1",
		"sender_id":       "user-2",
		"recipient_id":    "user-1",
		"content":         "hello there",
		"created_at":      time.Now().UTC().Format(time.RFC3339),
	})
	p.backend.PushChange("messages:user-1", realtime.ChangeData{
		Type:   "INSERT",
		Table:  "messages",
		Record: record,
	})

	waitFor(t, waitTimeout, func() bool { return p.log.Count() == 1 })

	// Exactly one notification, not one-per-step
	time.Sleep(50 * time.Millisecond)
	if got := p.log.Count(); got != 1 {
		t.Fatalf("notification count = %d, want 1", got)
	}

	note := p.log.List()[0]
	if note.Title != "maria" {
		t.Errorf("notification title = %q, want maria", note.Title)
	}
	if note.Body != "hello there" {
		t.Errorf("notification body = %q, want hello there", note.Body)
	}
	if note.ConversationID != "conv-1" {
		t.Errorf("notification conversation = %q, want conv-1", note.ConversationID)
	}

	if _, ok := p.cache.Get("messages", "list"); ok {
		t.Error("message queries should be invalidated")
	}
	if _, ok := p.cache.Get("conversations", "user-2"); ok {
		t.Error("conversation queries should be invalidated")
	}
	if _, ok := p.cache.Get("goals", "list"); !ok {
		t.Error("unrelated queries should survive")
	}
}

func TestPipelineSendReachesRecipient(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	p.bind(ctx, "user-1")
	p.backend.WaitJoined("messages:user-1", waitTimeout)

	p.backend.Seed("profiles", map[string]any{"id": "user-2", "username": "maria"})
	p.cache.Set("stale", "conversations", "user-2")

	// The sender is just another client of the same backend; the fake
	// fans its insert out to the recipient's joined channel.
	sender, err := rest.New(p.backend.URL(), "anon-key", rest.Options{})
	if err != nil {
		t.Fatalf("rest.New: %v", err)
	}
	sender.SetToken("sender-jwt")
	if _, err := sender.Insert(ctx, "messages", map[string]any{
		"id":              "m-9",
		"conversation_id": "user-1:user-2",
		"sender_id":       "user-2",
		"recipient_id":    "user-1",
		"content":         "sent over rest",
		"created_at":      time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	waitFor(t, waitTimeout, func() bool { return p.log.Count() == 1 })
	if got := p.log.List()[0].Title; got != "maria" {
		t.Errorf("notification title = %q, want maria", got)
	}
	if _, ok := p.cache.Get("conversations", "user-2"); ok {
		t.Error("conversation cache should be invalidated")
	}
}

func TestPipelineOwnMessageSkipsNotification(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	p.bind(ctx, "user-1")
	p.backend.WaitJoined("messages:user-1", waitTimeout)

	p.cache.Set("stale", "messages", "list")

	record, _ := json.Marshal(map[string]string{
		"id":           "m-2",
		"sender_id":    "user-1",
		"recipient_id": "user-1",
		"content":      "note to self",
	})
	p.backend.PushChange("messages:user-1", realtime.ChangeData{
		Type:   "INSERT",
		Table:  "messages",
		Record: record,
	})

	// Invalidation still runs for own messages
	waitFor(t, waitTimeout, func() bool {
		_, ok := p.cache.Get("messages", "list")
		return !ok
	})

	time.Sleep(50 * time.Millisecond)
	if got := p.log.Count(); got != 0 {
		t.Fatalf("notification count = %d, want 0 for own message", got)
	}
}

func TestPipelineIdentityRemap(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	p.bind(ctx, "user-1")
	p.backend.WaitJoined("messages:user-1", waitTimeout)
	p.backend.WaitJoined("posts:user-1", waitTimeout)

	p.bind(ctx, "user-2")
	p.backend.WaitJoined("messages:user-2", waitTimeout)
	p.backend.WaitGone("messages:user-1", waitTimeout)
	p.backend.WaitGone("posts:user-1", waitTimeout)

	if got := p.backend.JoinCount("messages:user-2"); got != 1 {
		t.Errorf("join count for messages:user-2 = %d, want 1", got)
	}
}

func TestPipelineSignOutReleasesChannels(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	p.bind(ctx, "user-1")
	p.backend.WaitJoined("messages:user-1", waitTimeout)
	p.backend.WaitJoined("presence:user-1", waitTimeout)

	p.bind(ctx, "")
	p.backend.WaitGone("messages:user-1", waitTimeout)
	p.backend.WaitGone("presence:user-1", waitTimeout)

	waitFor(t, waitTimeout, func() bool { return p.registry.Len() == 0 })
}

func TestPipelineChannelErrorRebinds(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	p.bind(ctx, "user-1")
	p.backend.WaitJoined("messages:user-1", waitTimeout)

	p.backend.PushError("messages:user-1", "server hiccup")

	// The manager re-acquires the dead channel with backoff
	waitFor(t, waitTimeout, func() bool {
		return p.backend.JoinCount("messages:user-1") >= 2
	})
	p.backend.WaitJoined("messages:user-1", waitTimeout)
}

func TestPipelinePresenceTracking(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	p.bind(ctx, "user-1")
	p.backend.WaitJoined("presence:user-1", waitTimeout)

	record, _ := json.Marshal(map[string]string{
		"user_id":      "user-9",
		"status":       "online",
		"last_seen_at": time.Now().UTC().Format(time.RFC3339),
	})
	p.backend.PushChange("presence:user-1", realtime.ChangeData{
		Type:   "INSERT",
		Table:  "presence",
		Record: record,
	})

	waitFor(t, waitTimeout, func() bool { return p.tracker.OnlineCount() == 1 })

	entry, ok := p.tracker.Get("user-9")
	if !ok {
		t.Fatal("tracked user not found")
	}
	if entry.Status != events.PresenceOnline {
		t.Errorf("status = %s, want %s", entry.Status, events.PresenceOnline)
	}
}
