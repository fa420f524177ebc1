// Package presence keeps the signed-in user visible to others and
// tracks who else is online. The publisher upserts a heartbeat row
// every interval; the tracker folds realtime presence changes into a
// live map and derives staleness from last_seen timestamps.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
)

const (
	// heartbeatInterval is how often the publisher refreshes its row.
	// Well under staleAfter so one missed beat does not flip the user
	// offline.
	heartbeatInterval = 25 * time.Second

	// offlineTimeout bounds the best-effort offline beacon at shutdown.
	offlineTimeout = 2 * time.Second
)

// Backend upserts presence rows. Satisfied by the rest client.
type Backend interface {
	Upsert(ctx context.Context, table string, row any, onConflict string) error
}

// PublisherOptions tune the publisher.
type PublisherOptions struct {
	// Interval between heartbeat upserts. Zero means heartbeatInterval.
	Interval time.Duration
	// Viewing returns the conversation the local UI has focused, or
	// empty. When set, beats carry it so peers can render read states.
	Viewing func() string
	// Logger for publisher diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Publisher periodically upserts the local user's presence row.
type Publisher struct {
	backend  Backend
	identity func() string
	viewing  func() string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	status  events.PresenceStatus
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPublisher creates a presence publisher. identity returns the
// signed-in user ID, or empty when signed out; beats are skipped while
// signed out.
func NewPublisher(backend Backend, identity func() string, opts PublisherOptions) *Publisher {
	interval := opts.Interval
	if interval <= 0 {
		interval = heartbeatInterval
	}
	viewing := opts.Viewing
	if viewing == nil {
		viewing = func() string { return "" }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		backend:  backend,
		identity: identity,
		viewing:  viewing,
		interval: interval,
		logger:   logger,
		status:   events.PresenceOnline,
	}
}

// Start begins the heartbeat loop with an immediate first beat.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	done := p.done
	p.mu.Unlock()

	go p.loop(loopCtx, done)

	p.logger.Info("presence publisher started", "interval", p.interval)
	return nil
}

// Stop ends the loop and sends a best-effort offline beacon. The beacon
// uses its own timeout so a canceled shutdown context cannot block it.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	if p.identity() != "" {
		ctx, cancelBeacon := context.WithTimeout(context.Background(), offlineTimeout)
		defer cancelBeacon()
		if err := p.upsert(ctx, events.PresenceOffline); err != nil {
			p.logger.Debug("offline beacon failed", "error", err)
		}
	}

	p.logger.Info("presence publisher stopped")
	return nil
}

// IsRunning reports whether the heartbeat loop is active.
func (p *Publisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetStatus changes the advertised status and beats immediately so
// peers see the change without waiting for the next tick.
func (p *Publisher) SetStatus(ctx context.Context, status events.PresenceStatus) {
	p.mu.Lock()
	changed := p.status != status
	p.status = status
	p.mu.Unlock()

	if changed {
		p.beat(ctx)
	}
}

// Status returns the advertised status.
func (p *Publisher) Status() events.PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Publisher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

// beat upserts the current status. Failures are logged and the loop
// keeps going; the next tick retries naturally.
func (p *Publisher) beat(ctx context.Context) {
	if p.identity() == "" {
		return
	}
	if err := p.upsert(ctx, p.Status()); err != nil {
		p.logger.Warn("presence heartbeat failed", "error", err)
	}
}

func (p *Publisher) upsert(ctx context.Context, status events.PresenceStatus) error {
	row := map[string]string{
		"user_id":      p.identity(),
		"status":       string(status),
		"last_seen_at": time.Now().UTC().Format(time.RFC3339),
	}
	if viewing := p.viewing(); viewing != "" {
		row["viewing_conversation_id"] = viewing
	}
	return p.backend.Upsert(ctx, domain.TablePresence, row, "user_id")
}
