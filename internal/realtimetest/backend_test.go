package realtimetest

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
	"github.com/DIGONADA/candlelife-85/internal/realtime"
	"github.com/DIGONADA/candlelife-85/internal/rest"
)

func dialClient(t *testing.T, b *Backend) *realtime.Client {
	t.Helper()

	wsURL, err := realtime.DialURL(b.URL(), "anon-key")
	if err != nil {
		t.Fatalf("DialURL error = %v", err)
	}
	client := realtime.New(wsURL, realtime.Options{
		ReconnectInitial: 20 * time.Millisecond,
		ReconnectMax:     100 * time.Millisecond,
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []ports.ChannelStatus
}

func (r *statusRecorder) handler(status ports.ChannelStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) last() (ports.ChannelStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return "", false
	}
	return r.statuses[len(r.statuses)-1], true
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBackendJoinAndPush(t *testing.T) {
	b := Start(t)
	client := dialClient(t, b)
	client.SetAuth("user-jwt")

	var mu sync.Mutex
	var changes []events.ChangePayload

	ch := client.Channel("messages:user-1")
	ch.On(ports.EventSpec{Action: events.ActionAll, Table: "messages"}, func(p events.ChangePayload) {
		mu.Lock()
		changes = append(changes, p)
		mu.Unlock()
	})

	rec := &statusRecorder{}
	if err := ch.Subscribe(context.Background(), rec.handler); err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}

	b.WaitJoined("messages:user-1", 2*time.Second)
	waitFor(t, 2*time.Second, func() bool {
		status, ok := rec.last()
		return ok && status == ports.ChannelStatusSubscribed
	})

	if got := b.JoinCount("messages:user-1"); got != 1 {
		t.Errorf("JoinCount = %d, want 1", got)
	}
	if got := b.JoinToken(); got != "user-jwt" {
		t.Errorf("JoinToken = %q, want user-jwt", got)
	}

	b.PushChange("messages:user-1", realtime.ChangeData{
		Type:   "INSERT",
		Table:  "messages",
		Record: json.RawMessage(`{"id":"m1","content":"hello"}`),
	})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	})

	mu.Lock()
	change := changes[0]
	mu.Unlock()
	if change.Action != events.ActionInsert {
		t.Errorf("Action = %q, want INSERT", change.Action)
	}
	if change.Table != "messages" {
		t.Errorf("Table = %q, want messages", change.Table)
	}
	if change.CommitTime.IsZero() {
		t.Error("CommitTime is zero, want the filled-in timestamp")
	}
}

func TestBackendInsertFansOutToMatchingChannels(t *testing.T) {
	b := Start(t)
	client := dialClient(t, b)

	var mu sync.Mutex
	received := make(map[string]int)
	listen := func(topic, filter string) {
		ch := client.Channel(topic)
		ch.On(ports.EventSpec{Action: events.ActionAll, Table: "messages", Filter: filter}, func(events.ChangePayload) {
			mu.Lock()
			received[topic]++
			mu.Unlock()
		})
		rec := &statusRecorder{}
		if err := ch.Subscribe(context.Background(), rec.handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
		b.WaitJoined(topic, 2*time.Second)
	}
	listen("messages:user-1", "recipient_id=eq.user-1")
	listen("messages:user-2", "recipient_id=eq.user-2")

	restClient, err := rest.New(b.URL(), "anon-key", rest.Options{})
	if err != nil {
		t.Fatalf("rest.New error = %v", err)
	}
	if _, err := restClient.Insert(context.Background(), "messages", map[string]string{
		"id": "m-1", "recipient_id": "user-1", "content": "hi",
	}); err != nil {
		t.Fatalf("Insert error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["messages:user-1"] == 1
	})

	mu.Lock()
	other := received["messages:user-2"]
	mu.Unlock()
	if other != 0 {
		t.Errorf("messages:user-2 received %d changes, want 0", other)
	}
}

func TestBackendLeave(t *testing.T) {
	b := Start(t)
	client := dialClient(t, b)

	ch := client.Channel("posts:user-1")
	rec := &statusRecorder{}
	if err := ch.Subscribe(context.Background(), rec.handler); err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	b.WaitJoined("posts:user-1", 2*time.Second)

	if err := ch.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("Unsubscribe error = %v", err)
	}
	b.WaitGone("posts:user-1", 2*time.Second)

	waitFor(t, 2*time.Second, func() bool { return b.LeaveCount("posts:user-1") == 1 })
}

func TestBackendJoinDenied(t *testing.T) {
	b := Start(t)
	b.SetJoinStatus(realtime.ReplyStatusError)
	client := dialClient(t, b)

	ch := client.Channel("messages:user-1")
	rec := &statusRecorder{}
	if err := ch.Subscribe(context.Background(), rec.handler); err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		status, ok := rec.last()
		return ok && status == ports.ChannelStatusChannelError
	})
	if b.Joined("messages:user-1") {
		t.Error("Joined = true after denied join, want false")
	}
}

func TestBackendDropConnections(t *testing.T) {
	b := Start(t)
	client := dialClient(t, b)

	ch := client.Channel("messages:user-1")
	rec := &statusRecorder{}
	if err := ch.Subscribe(context.Background(), rec.handler); err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	b.WaitJoined("messages:user-1", 2*time.Second)

	b.DropConnections()

	// The channel fails terminally and the client redials.
	waitFor(t, 2*time.Second, func() bool {
		status, ok := rec.last()
		return ok && status == ports.ChannelStatusChannelError
	})
	waitFor(t, 2*time.Second, func() bool { return b.ConnCount() == 1 })
}

func TestBackendAuthEndpoints(t *testing.T) {
	b := Start(t)
	b.SetAccount(Account{UserID: "user-1", Email: "ana@example.com", Password: "s3cret"})

	client, err := rest.New(b.URL(), "anon-key", rest.Options{})
	if err != nil {
		t.Fatalf("rest.New error = %v", err)
	}

	session, err := client.SignIn(context.Background(), "ana@example.com", "s3cret")
	if err != nil {
		t.Fatalf("SignIn error = %v", err)
	}
	if session.User.ID != "user-1" {
		t.Errorf("User.ID = %q, want user-1", session.User.ID)
	}
	if session.AccessToken == "" || session.RefreshToken == "" {
		t.Error("session tokens missing")
	}

	if _, err := client.SignIn(context.Background(), "ana@example.com", "wrong"); err == nil {
		t.Error("SignIn with wrong password succeeded, want error")
	}

	refreshed, err := client.RefreshSession(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshSession error = %v", err)
	}
	if refreshed.AccessToken == session.AccessToken {
		t.Error("refreshed access token unchanged, want a new one")
	}

	if err := client.SignOut(context.Background()); err != nil {
		t.Errorf("SignOut error = %v", err)
	}
}

func TestBackendRestEndpoints(t *testing.T) {
	b := Start(t)
	b.Seed("profiles",
		map[string]any{"id": "user-1", "username": "ana"},
		map[string]any{"id": "user-2", "username": "maria"},
	)

	client, err := rest.New(b.URL(), "anon-key", rest.Options{})
	if err != nil {
		t.Fatalf("rest.New error = %v", err)
	}

	raw, err := client.Select(context.Background(), "profiles", url.Values{"id": {"eq.user-2"}})
	if err != nil {
		t.Fatalf("Select error = %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("decoding rows: %v", err)
	}
	if len(rows) != 1 || rows[0]["username"] != "maria" {
		t.Errorf("rows = %v, want one row for maria", rows)
	}

	if err := client.Upsert(context.Background(), "presence", map[string]string{
		"user_id": "user-1",
		"status":  "online",
	}, "user_id"); err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	upserts := b.Upserts("presence")
	if len(upserts) != 1 || upserts[0]["status"] != "online" {
		t.Errorf("Upserts = %v, want one online row", upserts)
	}

	if _, err := client.Insert(context.Background(), "messages", map[string]string{
		"content": "hi",
	}); err != nil {
		t.Fatalf("Insert error = %v", err)
	}
	inserts := b.Inserts("messages")
	if len(inserts) != 1 || inserts[0]["content"] != "hi" {
		t.Errorf("Inserts = %v, want one hi row", inserts)
	}
}
