// Package app wires the client components together and runs the daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/config"
	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/feed"
	"github.com/DIGONADA/candlelife-85/internal/hub"
	"github.com/DIGONADA/candlelife-85/internal/notify"
	"github.com/DIGONADA/candlelife-85/internal/presence"
	"github.com/DIGONADA/candlelife-85/internal/querycache"
	"github.com/DIGONADA/candlelife-85/internal/realtime"
	"github.com/DIGONADA/candlelife-85/internal/rest"
	httpserver "github.com/DIGONADA/candlelife-85/internal/server/http"
	"github.com/DIGONADA/candlelife-85/internal/session"
	"github.com/DIGONADA/candlelife-85/internal/store"
	"github.com/DIGONADA/candlelife-85/internal/subscription"
)

const (
	// shutdownTimeout bounds each component stop during shutdown.
	shutdownTimeout = 5 * time.Second

	// refreshCheckInterval is how often the refresh loop inspects the
	// session expiry.
	refreshCheckInterval = 30 * time.Second

	// refreshMargin renews the access token this long before it expires.
	refreshMargin = 2 * time.Minute

	// connectRetryInitial and connectRetryMax bound the boot-time dial
	// backoff. Once a connection lands, the socket's own reconnect loop
	// takes over.
	connectRetryInitial = time.Second
	connectRetryMax     = 30 * time.Second
)

// App is the client daemon. It owns every component and runs them until
// the context is cancelled.
type App struct {
	cfg     *config.Config
	version string

	hub           *hub.Hub
	kv            *store.Store
	cache         *querycache.Cache
	backend       *rest.Client
	profiles      *rest.Directory
	sessions      *session.Store
	socket        *realtime.Client
	registry      *subscription.Registry
	manager       *subscription.Manager
	changes       *feed.Handler
	notifications *notify.Log
	gate          *httpserver.Gate
	publisher     *presence.Publisher
	tracker       *presence.Tracker
	server        *httpserver.Server

	unwatchRegistry func()
	unwatchSession  func()

	startTime time.Time

	mu         sync.RWMutex
	running    bool
	connecting bool
}

// New creates a new App instance.
func New(cfg *config.Config, version string) (*App, error) {
	return &App{
		cfg:     cfg,
		version: version,
		hub:     hub.New(),
	}, nil
}

// Start starts the application and blocks until context is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return domain.ErrDaemonAlreadyRunning
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	// Start event hub
	if err := a.hub.Start(); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	// Add log subscriber for debugging
	traceSub := hub.NewFuncSubscriber("internal-logger", func(event events.Event) {
		log.Trace().
			Str("event_type", string(event.Type())).
			Time("timestamp", event.Timestamp()).
			Msg("event broadcast")
	})
	a.hub.Subscribe(traceSub)

	// Local durability is optional: a failed open costs persistence,
	// not the daemon.
	kv, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		log.Warn().Err(err).Str("path", a.cfg.Store.Path).
			Msg("failed to open local store, continuing without persistence")
	} else {
		a.kv = kv
	}

	a.cache = querycache.New()

	backend, err := rest.New(a.cfg.Backend.URL, a.cfg.Backend.AnonKey, rest.Options{
		Timeout: time.Duration(a.cfg.Backend.RequestTimeoutSecs) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}
	a.backend = backend
	a.profiles = rest.NewDirectory(backend, a.cache)

	a.notifications = notify.NewLog(a.kv, a.cfg.Notifications.LogCapacity)
	a.gate = httpserver.NewGate()

	// Realtime socket. Socket state reaches the hub from here so the
	// client itself stays free of hub knowledge.
	wsURL, err := realtime.DialURL(a.cfg.Backend.URL, a.cfg.Backend.AnonKey)
	if err != nil {
		return fmt.Errorf("failed to build realtime url: %w", err)
	}
	a.socket = realtime.New(wsURL, realtime.Options{
		HeartbeatInterval: time.Duration(a.cfg.Subscriptions.SocketHeartbeatSecs) * time.Second,
		JoinTimeout:       time.Duration(a.cfg.Subscriptions.JoinTimeoutSecs) * time.Second,
		OnSocketState: func(connected bool, reason string) {
			a.hub.Publish(events.NewSocketStateEvent(connected, reason))
		},
	})

	// Channel registry, with state transitions forwarded to the hub.
	a.registry = subscription.NewRegistry(a.socket, subscription.Options{
		TeardownDebounce: time.Duration(a.cfg.Subscriptions.TeardownDebounceMS) * time.Millisecond,
	})
	a.unwatchRegistry = a.registry.Watch(func(key subscription.Key, state events.ChannelState, reason string) {
		a.hub.Publish(events.NewChannelStateEvent(key.String(), key.Table, state, reason))
	})

	a.sessions = session.NewStore(a.cfg.Session.File, a.hub)
	a.tracker = presence.NewTracker(a.hub)

	a.changes = feed.NewHandler(feed.Deps{
		Self:     a.sessions.Identity,
		Cache:    a.cache,
		Profiles: a.profiles,
		Log:      a.notifications,
		Notifier: notify.NewDesktopNotifier(),
		Sound:    notify.NewCommandPlayer(a.cfg.Notifications.SoundCommand, a.cfg.Notifications.SoundArgs),
		Gate:     a.gate,
		Hub:      a.hub,
	}, feed.Options{
		DesktopEnabled: a.cfg.Notifications.Desktop,
		SoundEnabled:   a.cfg.Notifications.Sound,
	})

	a.manager = subscription.NewManager(a.registry, a.requests, subscription.ManagerOptions{
		Rebind:        a.cfg.Subscriptions.Rebind,
		RebindInitial: time.Duration(a.cfg.Subscriptions.RebindInitialMS) * time.Millisecond,
		RebindMax:     time.Duration(a.cfg.Subscriptions.RebindMaxMS) * time.Millisecond,
	})

	if a.cfg.Presence.Enabled {
		a.publisher = presence.NewPublisher(a.backend, a.sessions.Identity, presence.PublisherOptions{
			Interval: time.Duration(a.cfg.Presence.HeartbeatSecs) * time.Second,
			Viewing:  a.gate.Active,
			Logger:   slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo})),
		})
	}

	// Session file: load what is on disk, subscribe to changes, then
	// watch the file so external sign-ins propagate.
	if err := a.sessions.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load session file, starting signed out")
	}
	a.unwatchSession = a.sessions.OnChange(func(sess session.Session) {
		a.applySession(ctx, sess)
	})
	if a.cfg.Session.Watch {
		if err := a.sessions.Start(ctx); err != nil {
			log.Warn().Err(err).
				Msg("failed to watch session file, external sign-ins will not propagate")
		}
	}

	// Local status API
	if a.cfg.Server.Enabled {
		a.server = httpserver.NewServer(a.cfg.Server.Host, a.cfg.Server.Port, httpserver.Deps{
			Hub:           a.hub,
			Status:        a,
			Channels:      a.registry,
			Notifications: a.notifications,
			Presence:      a.tracker,
			Gate:          a.gate,
		})
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	// Bind whatever session was on disk.
	a.applySession(ctx, a.sessions.Current())

	go a.refreshLoop(ctx)
	if a.cfg.Presence.Enabled {
		go a.sweepLoop(ctx)
	}

	a.printConnectionInfo()

	log.Info().Str("version", a.version).Msg("candlelife daemon started")

	<-ctx.Done()
	log.Info().Msg("shutting down...")
	return a.shutdown()
}

// applySession points every component at the session's identity and
// token. Runs on startup and on every session change, including
// external writes to the session file.
func (a *App) applySession(ctx context.Context, sess session.Session) {
	if sess.SignedIn() {
		a.backend.SetToken(sess.AccessToken)
		a.socket.SetAuth(sess.AccessToken)
		go a.bindIdentity(ctx, sess.UserID)
		return
	}

	// Sign-out: the publisher goes first so its offline beacon can use
	// the old token, then credentials and subscriptions are dropped.
	go func() {
		if a.publisher != nil {
			_ = a.publisher.Stop()
		}
		a.backend.SetToken("")
		a.socket.SetAuth("")
		if err := a.manager.SetIdentity(context.Background(), ""); err != nil {
			log.Error().Err(err).Msg("failed to release subscriptions")
		}
	}()
}

// bindIdentity runs the sign-in side effects off the caller's
// goroutine. Session listeners must return quickly.
func (a *App) bindIdentity(ctx context.Context, identity string) {
	a.ensureConnected(ctx)

	if err := a.manager.SetIdentity(ctx, identity); err != nil {
		log.Error().Err(err).Str("user_id", identity).Msg("failed to bind subscriptions")
	}

	if a.publisher != nil {
		if err := a.publisher.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to start presence publisher")
		}
	}

	a.seedPresence(ctx)
}

// ensureConnected dials the realtime socket, retrying with backoff
// until it lands or the context ends. The socket's reconnect loop only
// covers drops of an established connection, so the first dial is this
// loop's problem. Only one retry loop runs at a time.
func (a *App) ensureConnected(ctx context.Context) {
	a.mu.Lock()
	if a.connecting {
		a.mu.Unlock()
		return
	}
	a.connecting = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.connecting = false
		a.mu.Unlock()
	}()

	delay := connectRetryInitial
	for {
		err := a.socket.Connect(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrSocketClosed) {
			return
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("realtime connect failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > connectRetryMax {
			delay = connectRetryMax
		}
	}
}

// seedPresence primes the tracker from the presence table so the
// online list is right before the first realtime change arrives.
func (a *App) seedPresence(ctx context.Context) {
	if !a.cfg.Presence.Enabled {
		return
	}
	rows, err := a.backend.Select(ctx, domain.TablePresence, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to seed presence")
		return
	}
	if err := a.tracker.Seed(rows); err != nil {
		log.Warn().Err(err).Msg("failed to parse presence rows")
	}
}

// requests is the manager's request builder: the feed tables plus the
// presence table when presence is on.
func (a *App) requests(identity string) []subscription.Request {
	reqs := a.changes.Requests(identity)
	if a.cfg.Presence.Enabled {
		reqs = append(reqs, a.tracker.Request(identity))
	}
	return reqs
}

// refreshLoop renews the access token before it expires. The session
// store write triggers the same change path as an external sign-in, so
// every component picks up the new token.
func (a *App) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.maybeRefresh(ctx)
		}
	}
}

func (a *App) maybeRefresh(ctx context.Context) {
	sess := a.sessions.Current()
	if !sess.SignedIn() || sess.RefreshToken == "" || sess.ExpiresAt == 0 {
		return
	}
	if time.Until(time.Unix(sess.ExpiresAt, 0)) > refreshMargin {
		return
	}

	fresh, err := a.backend.RefreshSession(ctx, sess.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("token refresh failed")
		return
	}

	next := session.Session{
		UserID:       sess.UserID,
		Email:        sess.Email,
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(fresh.ExpiresIn) * time.Second).Unix(),
	}
	if fresh.User.ID != "" {
		next.UserID = fresh.User.ID
	}
	if fresh.User.Email != "" {
		next.Email = fresh.User.Email
	}
	if fresh.RefreshToken == "" {
		next.RefreshToken = sess.RefreshToken
	}

	if err := a.sessions.Set(next); err != nil {
		log.Error().Err(err).Msg("failed to persist refreshed session")
		return
	}
	log.Info().Time("expires_at", time.Unix(next.ExpiresAt, 0)).Msg("access token refreshed")
}

// sweepLoop prunes presence entries that have been silent for many
// staleness windows. Staleness itself is derived at read time; this
// only keeps the map bounded on long-lived daemons.
func (a *App) sweepLoop(ctx context.Context) {
	staleness := time.Duration(a.cfg.Presence.StalenessSecs) * time.Second
	ticker := time.NewTicker(staleness)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.tracker.Sweep(10 * staleness); n > 0 {
				log.Debug().Int("removed", n).Msg("pruned stale presence entries")
			}
		}
	}
}

// shutdown stops components in reverse dependency order so nothing
// publishes into a stopped hub.
func (a *App) shutdown() error {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	// Stop status server
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.server.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error stopping status server")
		}
		cancel()
	}

	// Stop presence publisher (sends its offline beacon)
	if a.publisher != nil {
		if err := a.publisher.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping presence publisher")
		}
	}

	// Release subscriptions
	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			log.Error().Err(err).Msg("error closing subscription manager")
		}
	}
	if a.unwatchRegistry != nil {
		a.unwatchRegistry()
	}
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			log.Error().Err(err).Msg("error closing subscription registry")
		}
	}

	// Close realtime socket
	if a.socket != nil {
		if err := a.socket.Close(); err != nil {
			log.Error().Err(err).Msg("error closing realtime socket")
		}
	}

	// Stop session watcher
	if a.unwatchSession != nil {
		a.unwatchSession()
	}
	if a.sessions != nil && a.sessions.IsRunning() {
		if err := a.sessions.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping session watcher")
		}
	}

	// Close local store
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			log.Error().Err(err).Msg("error closing local store")
		}
	}

	// Give in-flight events a moment to drain before the hub goes away.
	time.Sleep(100 * time.Millisecond)

	if err := a.hub.Stop(); err != nil {
		log.Error().Err(err).Msg("error stopping event hub")
	}

	return nil
}

// Status returns the daemon status snapshot.
// Implements httpserver.StatusProvider.
func (a *App) Status() events.StatusResponsePayload {
	payload := events.StatusResponsePayload{
		ClientVersion: a.version,
		UptimeSeconds: a.UptimeSeconds(),
	}
	if a.sessions != nil {
		payload.UserID = a.sessions.Identity()
	}
	if a.socket != nil {
		payload.SocketConnected = a.socket.Connected()
	}
	if a.registry != nil {
		payload.ActiveChannels = a.registry.Len()
	}
	if a.notifications != nil {
		payload.NotificationCount = a.notifications.Count()
	}
	if a.tracker != nil {
		payload.OnlineUsers = a.tracker.OnlineCount()
	}
	if a.server != nil {
		payload.ConnectedClients = a.server.ClientCount()
	}
	return payload
}

// UptimeSeconds returns how long the app has been running.
func (a *App) UptimeSeconds() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.startTime.IsZero() {
		return 0
	}
	return int64(time.Since(a.startTime).Seconds())
}

// IsRunning reports whether Start has been called and not yet returned.
func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// printConnectionInfo prints the local API endpoints to the console.
func (a *App) printConnectionInfo() {
	if !a.cfg.Server.Enabled {
		return
	}

	httpURL := fmt.Sprintf("http://%s:%d/api", a.cfg.Server.Host, a.cfg.Server.Port)
	wsURL := fmt.Sprintf("ws://%s:%d/ws/events", a.cfg.Server.Host, a.cfg.Server.Port)

	user := a.sessions.Identity()
	if user == "" {
		user = "signed out (run: candlelife login)"
	}

	fmt.Println()
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                  candlelife ready                          ║")
	fmt.Println("╠════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  User:       %-46s ║\n", truncateString(user, 46))
	fmt.Printf("║  Backend:    %-46s ║\n", truncateString(a.cfg.Backend.URL, 46))
	fmt.Println("╠════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API:        %-46s ║\n", truncateString(httpURL, 46))
	fmt.Printf("║  Events:     %-46s ║\n", truncateString(wsURL, 46))
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// truncateString truncates s to max characters with an ellipsis.
func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
