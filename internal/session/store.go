package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

// reloadDebounce coalesces the burst of fsnotify events an atomic
// replace produces into one reload.
const reloadDebounce = 150 * time.Millisecond

// Listener observes session changes.
type Listener func(Session)

// Store is the daemon's view of the session file. It applies local
// changes immediately and picks up external writes through fsnotify.
type Store struct {
	path string
	hub  ports.EventHub

	mu       sync.RWMutex
	current  Session
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	running  bool
	reloadT  *time.Timer
	reloadMu sync.Mutex

	listenerMu sync.Mutex
	listeners  map[int]Listener
	listenerID int
}

// NewStore creates a session store. hub may be nil.
func NewStore(path string, hub ports.EventHub) *Store {
	return &Store{
		path:      path,
		hub:       hub,
		listeners: make(map[int]Listener),
	}
}

// Load reads the session file into memory without notifying listeners.
// Called once before Start.
func (s *Store) Load() error {
	sess, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	if sess.SignedIn() {
		log.Info().Str("user_id", sess.UserID).Msg("session loaded")
	}
	return nil
}

// Current returns the in-memory session.
func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Identity returns the signed-in user ID, or empty.
func (s *Store) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.current.SignedIn() {
		return ""
	}
	return s.current.UserID
}

// OnChange registers a listener for session changes. The returned
// function removes it.
func (s *Store) OnChange(fn Listener) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := s.listenerID
	s.listenerID++
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

// Set persists a new session and applies it.
func (s *Store) Set(sess Session) error {
	if err := Save(s.path, sess); err != nil {
		return err
	}
	s.apply(sess)
	return nil
}

// SignOut removes the session file and applies the signed-out state.
func (s *Store) SignOut() error {
	if err := Clear(s.path); err != nil {
		return err
	}
	s.apply(Session{})
	return nil
}

// Start begins watching the session file's directory. Watching the
// directory rather than the file survives atomic replaces.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.mu.Unlock()
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		s.mu.Unlock()
		return err
	}
	s.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	go s.eventLoop(watchCtx)

	log.Info().Str("path", s.path).Msg("session watcher started")
	return nil
}

// Stop terminates the watcher.
func (s *Store) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.cancel != nil {
		s.cancel()
	}

	s.reloadMu.Lock()
	if s.reloadT != nil {
		s.reloadT.Stop()
		s.reloadT = nil
	}
	s.reloadMu.Unlock()

	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		log.Info().Msg("session watcher stopped")
		return err
	}
	return nil
}

// IsRunning reports whether the watcher is active.
func (s *Store) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Store) eventLoop(ctx context.Context) {
	s.mu.RLock()
	watcher := s.watcher
	s.mu.RUnlock()
	if watcher == nil {
		return
	}

	base := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("session watcher error")
		}
	}
}

func (s *Store) scheduleReload() {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if s.reloadT != nil {
		s.reloadT.Stop()
	}
	s.reloadT = time.AfterFunc(reloadDebounce, s.reload)
}

// reload re-reads the file after external changes. An unreadable file
// keeps the previous state so a half-written file cannot sign the user
// out.
func (s *Store) reload() {
	sess, err := Load(s.path)
	if err != nil {
		log.Warn().Err(err).Msg("session file unreadable, keeping current session")
		return
	}
	s.apply(sess)
}

// apply installs a session, notifying listeners and publishing
// transition events when something actually changed.
func (s *Store) apply(next Session) {
	s.mu.Lock()
	prev := s.current
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.current = next
	s.mu.Unlock()

	switch {
	case !prev.SignedIn() && next.SignedIn():
		log.Info().Str("user_id", next.UserID).Msg("signed in")
		s.publish(events.NewSessionSignedInEvent(next.UserID, next.Email))
	case prev.SignedIn() && !next.SignedIn():
		log.Info().Str("user_id", prev.UserID).Msg("signed out")
		s.publish(events.NewSessionSignedOutEvent(prev.UserID))
	case prev.UserID != next.UserID:
		log.Info().Str("prev", prev.UserID).Str("user_id", next.UserID).Msg("identity changed")
		s.publish(events.NewIdentityChangedEvent(prev.UserID, next.UserID))
	}

	s.listenerMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}

func (s *Store) publish(e events.Event) {
	if s.hub != nil {
		s.hub.Publish(e)
	}
}
