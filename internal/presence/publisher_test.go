package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
)

type fakeBackend struct {
	mu       sync.Mutex
	rows     []map[string]string
	table    string
	conflict string
	err      error
}

func (f *fakeBackend) Upsert(ctx context.Context, table string, row any, onConflict string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.table = table
	f.conflict = onConflict
	if r, ok := row.(map[string]string); ok {
		f.rows = append(f.rows, r)
	}
	return nil
}

func (f *fakeBackend) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeBackend) last() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) == 0 {
		return nil
	}
	return f.rows[len(f.rows)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPublisher(backend *fakeBackend, identity string, interval time.Duration) *Publisher {
	return NewPublisher(backend, func() string { return identity }, PublisherOptions{
		Interval: interval,
		Logger:   quietLogger(),
	})
}

func waitForCount(t *testing.T, backend *fakeBackend, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if backend.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend upserts = %d, want at least %d", backend.count(), want)
}

func TestPublisherBeats(t *testing.T) {
	backend := &fakeBackend{}
	pub := newTestPublisher(backend, "u1", 20*time.Millisecond)

	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForCount(t, backend, 3)
	_ = pub.Stop()

	row := backend.last()
	if row["user_id"] != "u1" {
		t.Errorf("user_id = %q, want u1", row["user_id"])
	}
	if backend.table != domain.TablePresence {
		t.Errorf("table = %q, want %q", backend.table, domain.TablePresence)
	}
	if backend.conflict != "user_id" {
		t.Errorf("on_conflict = %q, want user_id", backend.conflict)
	}
	if _, err := time.Parse(time.RFC3339, row["last_seen_at"]); err != nil {
		t.Errorf("last_seen_at %q is not RFC3339: %v", row["last_seen_at"], err)
	}
}

func TestPublisherBeatCarriesViewingConversation(t *testing.T) {
	backend := &fakeBackend{}
	var viewingMu sync.Mutex
	viewing := ""
	pub := NewPublisher(backend, func() string { return "u1" }, PublisherOptions{
		Interval: 20 * time.Millisecond,
		Viewing: func() string {
			viewingMu.Lock()
			defer viewingMu.Unlock()
			return viewing
		},
		Logger: quietLogger(),
	})

	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = pub.Stop() })

	waitForCount(t, backend, 1)
	if _, ok := backend.last()["viewing_conversation_id"]; ok {
		t.Error("beat with no focused conversation should omit viewing_conversation_id")
	}

	viewingMu.Lock()
	viewing = "conv-7"
	viewingMu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if backend.last()["viewing_conversation_id"] == "conv-7" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("viewing_conversation_id = %q, want conv-7", backend.last()["viewing_conversation_id"])
}

func TestPublisherSetStatusBeatsImmediately(t *testing.T) {
	backend := &fakeBackend{}
	pub := newTestPublisher(backend, "u1", time.Hour)

	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = pub.Stop() })

	// One immediate beat at start.
	waitForCount(t, backend, 1)
	if got := backend.last()["status"]; got != string(events.PresenceOnline) {
		t.Errorf("initial status = %q, want online", got)
	}

	pub.SetStatus(context.Background(), events.PresenceAway)
	waitForCount(t, backend, 2)
	if got := backend.last()["status"]; got != string(events.PresenceAway) {
		t.Errorf("status after SetStatus = %q, want away", got)
	}
	if got := pub.Status(); got != events.PresenceAway {
		t.Errorf("Status() = %q, want away", got)
	}

	// Setting the same status again does not beat.
	pub.SetStatus(context.Background(), events.PresenceAway)
	time.Sleep(30 * time.Millisecond)
	if got := backend.count(); got != 2 {
		t.Errorf("upserts after redundant SetStatus = %d, want 2", got)
	}
}

func TestPublisherStopSendsOfflineBeacon(t *testing.T) {
	backend := &fakeBackend{}
	pub := newTestPublisher(backend, "u1", time.Hour)

	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForCount(t, backend, 1)

	if err := pub.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := backend.last()["status"]; got != string(events.PresenceOffline) {
		t.Errorf("final status = %q, want offline", got)
	}
	if pub.IsRunning() {
		t.Error("publisher should not be running after Stop")
	}
}

func TestPublisherSignedOutSkipsBeats(t *testing.T) {
	backend := &fakeBackend{}
	pub := newTestPublisher(backend, "", 20*time.Millisecond)

	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	_ = pub.Stop()

	if got := backend.count(); got != 0 {
		t.Errorf("upserts while signed out = %d, want 0", got)
	}
}

func TestPublisherKeepsBeatingAfterBackendFailure(t *testing.T) {
	backend := &fakeBackend{}
	backend.setErr(errors.New("backend down"))
	pub := newTestPublisher(backend, "u1", 20*time.Millisecond)

	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = pub.Stop() })

	time.Sleep(60 * time.Millisecond)
	backend.setErr(nil)

	// The loop retries on the next tick once the backend recovers.
	waitForCount(t, backend, 1)
}

func TestPublisherStartStopIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	pub := newTestPublisher(backend, "u1", time.Hour)

	ctx := context.Background()
	if err := pub.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pub.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !pub.IsRunning() {
		t.Error("publisher should be running")
	}

	if err := pub.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pub.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
