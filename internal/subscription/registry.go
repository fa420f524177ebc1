// Package subscription tracks who needs which realtime channel. The
// registry keeps at most one live channel per (table, identity) key and
// refcounts acquirers; the manager binds a whole identity worth of
// subscriptions and swaps them on sign-in changes.
package subscription

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

// teardownTimeout bounds the leave handshake when a channel is destroyed.
const teardownTimeout = 5 * time.Second

// Key identifies one realtime channel: a table scoped to an identity.
type Key struct {
	Table    string
	Identity string
}

// String returns the canonical "table:identity" form, which doubles as
// the default channel topic.
func (k Key) String() string {
	return k.Table + ":" + k.Identity
}

// Binding pairs a change filter with its handler.
type Binding struct {
	Event   ports.EventSpec
	Handler ports.ChangeHandler
}

// Spec describes the channel to open for a key. Only the first acquirer's
// spec is used; later acquirers share the channel as-is.
type Spec struct {
	// Topic overrides the wire topic. Empty means key.String().
	Topic    string
	Bindings []Binding
}

// StateListener observes channel state transitions.
type StateListener func(key Key, state events.ChannelState, reason string)

// Options configures a Registry.
type Options struct {
	// TeardownDebounce is how long a channel lingers at refcount zero
	// before it is destroyed. Zero or negative tears down immediately.
	TeardownDebounce time.Duration
}

type entry struct {
	key   Key
	gen   uint64
	refs  int
	ch    ports.Channel
	state events.ChannelState

	destroyTimer *time.Timer
}

// Registry owns the live channels. One channel per key; acquirers hold
// leases and the channel survives until the last lease is released plus
// the debounce window.
type Registry struct {
	client ports.RealtimeClient
	opts   Options

	mu      sync.Mutex
	entries map[Key]*entry
	gens    map[Key]uint64
	closed  bool

	listenerMu sync.Mutex
	listeners  map[int]StateListener
	listenerID int
}

// NewRegistry creates a registry on top of a realtime client.
func NewRegistry(client ports.RealtimeClient, opts Options) *Registry {
	return &Registry{
		client:    client,
		opts:      opts,
		entries:   make(map[Key]*entry),
		gens:      make(map[Key]uint64),
		listeners: make(map[int]StateListener),
	}
}

// Watch registers a state listener. The returned func cancels it.
// Listeners run outside registry locks and must not block.
func (r *Registry) Watch(fn StateListener) func() {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()

	r.listenerID++
	id := r.listenerID
	r.listeners[id] = fn

	return func() {
		r.listenerMu.Lock()
		defer r.listenerMu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Registry) notifyState(key Key, state events.ChannelState, reason string) {
	r.listenerMu.Lock()
	fns := make([]StateListener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.listenerMu.Unlock()

	for _, fn := range fns {
		fn(key, state, reason)
	}
}

// Acquire returns a lease on the channel for key, opening it if this is
// the first acquirer. A pending teardown for the key is cancelled.
func (r *Registry) Acquire(ctx context.Context, key Key, spec Spec) (*Lease, error) {
	if key.Table == "" || key.Identity == "" {
		return nil, domain.NewValidationError("key", "table and identity are required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrRegistryClosed
	}

	if e, ok := r.entries[key]; ok {
		e.refs++
		if e.destroyTimer != nil {
			e.destroyTimer.Stop()
			e.destroyTimer = nil
		}
		lease := &Lease{registry: r, key: key, gen: e.gen}
		r.mu.Unlock()
		log.Debug().Str("key", key.String()).Int("refs", e.refs).Msg("subscription ref added")
		return lease, nil
	}

	// Insert the entry before opening so concurrent acquirers share this
	// channel instead of racing to create their own.
	r.gens[key]++
	gen := r.gens[key]
	e := &entry{key: key, gen: gen, refs: 1, state: events.StateConnecting}
	r.entries[key] = e
	r.mu.Unlock()

	r.notifyState(key, events.StateConnecting, "")

	topic := spec.Topic
	if topic == "" {
		topic = key.String()
	}

	ch := r.client.Channel(topic)
	for _, b := range spec.Bindings {
		ch.On(b.Event, b.Handler)
	}

	err := ch.Subscribe(ctx, func(status ports.ChannelStatus, cause error) {
		r.onChannelStatus(key, gen, status, cause)
	})
	if err != nil {
		r.mu.Lock()
		if cur, ok := r.entries[key]; ok && cur.gen == gen {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	cur, ok := r.entries[key]
	if !ok || cur.gen != gen {
		// Entry vanished while the join was in flight: either Close ran
		// or the channel already reported a terminal status.
		wasClosed := r.closed
		r.mu.Unlock()
		removeCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		_ = r.client.RemoveChannel(removeCtx, ch)
		if wasClosed {
			return nil, domain.ErrRegistryClosed
		}
		return nil, domain.ErrChannelClosed
	}
	cur.ch = ch
	r.mu.Unlock()

	log.Info().Str("key", key.String()).Str("topic", topic).Msg("subscription channel opened")

	return &Lease{registry: r, key: key, gen: gen}, nil
}

// onChannelStatus is the single funnel for transport status callbacks.
// Callbacks carrying a generation other than the entry's current one are
// from a replaced channel and are dropped.
func (r *Registry) onChannelStatus(key Key, gen uint64, status ports.ChannelStatus, cause error) {
	state, reason := mapStatus(status, cause)

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		log.Debug().Str("key", key.String()).Str("status", string(status)).Msg("subscription status from stale channel dropped")
		return
	}

	e.state = state
	var stale ports.Channel
	if state.IsTerminal() {
		// Terminal channels are never rejoined. Discard the entry so the
		// next Acquire opens a fresh one.
		delete(r.entries, key)
		if e.destroyTimer != nil {
			e.destroyTimer.Stop()
			e.destroyTimer = nil
		}
		stale = e.ch
	}
	r.mu.Unlock()

	if state.IsTerminal() {
		log.Warn().Str("key", key.String()).Str("state", string(state)).Str("reason", reason).Msg("subscription channel terminal")
	} else {
		log.Debug().Str("key", key.String()).Str("state", string(state)).Msg("subscription state")
	}

	if stale != nil {
		removeCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		_ = r.client.RemoveChannel(removeCtx, stale)
	}

	r.notifyState(key, state, reason)
}

func mapStatus(status ports.ChannelStatus, cause error) (events.ChannelState, string) {
	switch status {
	case ports.ChannelStatusSubscribed:
		return events.StateSubscribed, ""
	case ports.ChannelStatusClosed:
		return events.StateClosed, ""
	case ports.ChannelStatusTimedOut:
		return events.StateErrored, "join timed out"
	default:
		reason := "channel error"
		if cause != nil {
			reason = cause.Error()
		}
		return events.StateErrored, reason
	}
}

// release drops one reference. At zero the entry lingers for the debounce
// window so a quick re-acquire reuses the live channel.
func (r *Registry) release(key Key, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 {
		r.mu.Unlock()
		log.Debug().Str("key", key.String()).Int("refs", e.refs).Msg("subscription ref dropped")
		return
	}

	if r.opts.TeardownDebounce <= 0 {
		r.mu.Unlock()
		r.teardown(key, gen)
		return
	}

	e.destroyTimer = time.AfterFunc(r.opts.TeardownDebounce, func() {
		r.teardown(key, gen)
	})
	r.mu.Unlock()
	log.Debug().Str("key", key.String()).Dur("debounce", r.opts.TeardownDebounce).Msg("subscription teardown scheduled")
}

// teardown destroys an entry that is still at refcount zero.
func (r *Registry) teardown(key Key, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.gen != gen || e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	ch := e.ch
	r.mu.Unlock()

	if ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		_ = r.client.RemoveChannel(ctx, ch)
	}

	log.Info().Str("key", key.String()).Msg("subscription channel destroyed")
	r.notifyState(key, events.StateClosed, "released")
}

// State returns the current state for a key. Keys with no entry are
// closed.
func (r *Registry) State(key Key) events.ChannelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.state
	}
	return events.StateClosed
}

// Len returns the number of live entries, including those in their
// teardown debounce window.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ChannelInfo is a point-in-time view of one entry.
type ChannelInfo struct {
	Key   Key                 `json:"key"`
	Table string              `json:"table"`
	State events.ChannelState `json:"state"`
	Refs  int                 `json:"refs"`
}

// Channels lists the live entries sorted by key.
func (r *Registry) Channels() []ChannelInfo {
	r.mu.Lock()
	infos := make([]ChannelInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, ChannelInfo{Key: e.key, Table: e.key.Table, State: e.state, Refs: e.refs})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key.String() < infos[j].Key.String()
	})
	return infos
}

// Close destroys every entry and rejects further acquires.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.destroyTimer != nil {
			e.destroyTimer.Stop()
			e.destroyTimer = nil
		}
		entries = append(entries, e)
	}
	r.entries = make(map[Key]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		if e.ch != nil {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			_ = r.client.RemoveChannel(ctx, e.ch)
			cancel()
		}
		r.notifyState(e.key, events.StateClosed, "registry closed")
	}

	log.Info().Int("channels", len(entries)).Msg("subscription registry closed")
	return nil
}

// Lease is one acquirer's hold on a channel. Release exactly once.
type Lease struct {
	registry *Registry
	key      Key
	gen      uint64
	released atomic.Bool
}

// Key returns the key the lease was acquired for.
func (l *Lease) Key() Key {
	return l.key
}

// State reports the channel's current state.
func (l *Lease) State() events.ChannelState {
	return l.registry.State(l.key)
}

// Release drops the lease's reference. Releasing twice returns
// ErrLeaseReleased.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return domain.ErrLeaseReleased
	}
	l.registry.release(l.key, l.gen)
	return nil
}
