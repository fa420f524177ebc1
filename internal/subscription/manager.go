package subscription

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
)

// acquireTimeout bounds a single acquire attempt during identity binds
// and rebinds.
const acquireTimeout = 10 * time.Second

// Request is one subscription an identity needs.
type Request struct {
	Key  Key
	Spec Spec
}

// RequestBuilder returns the subscriptions an identity needs. Called on
// every identity change.
type RequestBuilder func(identity string) []Request

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Rebind re-acquires channels that die underneath us. Off means a
	// terminal channel stays down until the next identity change.
	Rebind        bool
	RebindInitial time.Duration
	RebindMax     time.Duration
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.RebindInitial <= 0 {
		o.RebindInitial = time.Second
	}
	if o.RebindMax <= 0 {
		o.RebindMax = 30 * time.Second
	}
	return o
}

// Manager owns the leases for the signed-in identity. On identity change
// it releases the old set and acquires the new one; on channel death it
// re-acquires with backoff.
type Manager struct {
	registry *Registry
	build    RequestBuilder
	opts     ManagerOptions

	mu       sync.Mutex
	identity string
	wanted   map[Key]Request
	leases   map[Key]*Lease
	retries  map[Key]*time.Timer
	attempts map[Key]int
	closed   bool

	cancelWatch func()
}

// NewManager creates a manager bound to a registry.
func NewManager(registry *Registry, build RequestBuilder, opts ManagerOptions) *Manager {
	m := &Manager{
		registry: registry,
		build:    build,
		opts:     opts.withDefaults(),
		wanted:   make(map[Key]Request),
		leases:   make(map[Key]*Lease),
		retries:  make(map[Key]*time.Timer),
		attempts: make(map[Key]int),
	}
	m.cancelWatch = registry.Watch(m.onState)
	return m
}

// Identity returns the identity currently bound.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Keys lists the keys wanted for the current identity, sorted.
func (m *Manager) Keys() []Key {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.wanted))
	for k := range m.wanted {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// State reports the channel state for one of the bound keys. Keys the
// manager is not bound to report closed.
func (m *Manager) State(key Key) events.ChannelState {
	m.mu.Lock()
	_, owned := m.wanted[key]
	m.mu.Unlock()
	if !owned {
		return events.StateClosed
	}
	return m.registry.State(key)
}

// Connected reports whether every subscription for the bound identity is
// live. False when signed out. Push notifications of individual
// transitions come from the registry's Watch.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.wanted))
	for k := range m.wanted {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if m.registry.State(k) != events.StateSubscribed {
			return false
		}
	}
	return true
}

// SetIdentity swaps the bound identity. The same identity is a no-op.
// Empty identity releases everything (signed out). Old leases are
// released before new acquires so an unchanged key can reuse its channel
// through the teardown debounce.
func (m *Manager) SetIdentity(ctx context.Context, identity string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrManagerClosed
	}
	if m.identity == identity {
		m.mu.Unlock()
		return nil
	}

	prev := m.identity
	m.identity = identity

	old := m.leases
	m.leases = make(map[Key]*Lease)
	m.stopRetriesLocked()
	m.attempts = make(map[Key]int)

	var reqs []Request
	if identity != "" {
		reqs = m.build(identity)
	}
	m.wanted = make(map[Key]Request, len(reqs))
	for _, req := range reqs {
		m.wanted[req.Key] = req
	}
	m.mu.Unlock()

	for _, lease := range old {
		_ = lease.Release()
	}

	log.Info().
		Str("previous", prev).
		Str("identity", identity).
		Int("subscriptions", len(reqs)).
		Msg("subscription identity changed")

	for _, req := range reqs {
		m.acquireOne(ctx, req)
	}
	return nil
}

// Close releases everything and detaches from the registry.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.cancelWatch != nil {
		m.cancelWatch()
	}
	old := m.leases
	m.leases = make(map[Key]*Lease)
	m.stopRetriesLocked()
	m.wanted = make(map[Key]Request)
	m.mu.Unlock()

	for _, lease := range old {
		_ = lease.Release()
	}
	return nil
}

// acquireOne acquires a single key and records the lease, or schedules a
// retry on failure. Never called with m.mu held.
func (m *Manager) acquireOne(ctx context.Context, req Request) {
	lease, err := m.registry.Acquire(ctx, req.Key, req.Spec)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.ownsLocked(req.Key) {
		if lease != nil {
			m.releaseAsync(lease)
		}
		return
	}

	if err != nil {
		log.Warn().Err(err).Str("key", req.Key.String()).Msg("subscription acquire failed")
		if m.opts.Rebind {
			m.scheduleRebindLocked(req.Key)
		}
		return
	}

	m.leases[req.Key] = lease
}

func (m *Manager) ownsLocked(key Key) bool {
	_, ok := m.wanted[key]
	return ok
}

// releaseAsync releases a lease without holding m.mu across registry
// internals.
func (m *Manager) releaseAsync(lease *Lease) {
	go func() { _ = lease.Release() }()
}

// onState is the registry watch callback.
func (m *Manager) onState(key Key, state events.ChannelState, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if !m.ownsLocked(key) {
		return
	}

	if state == events.StateSubscribed {
		m.attempts[key] = 0
		return
	}
	if !state.IsTerminal() {
		return
	}

	// The entry died underneath us. The lease is dead weight now; drop
	// it and get a fresh channel.
	if lease, ok := m.leases[key]; ok {
		delete(m.leases, key)
		m.releaseAsync(lease)
	}

	if m.opts.Rebind {
		log.Warn().Str("key", key.String()).Str("reason", reason).Msg("subscription lost, scheduling rebind")
		m.scheduleRebindLocked(key)
	}
}

func (m *Manager) scheduleRebindLocked(key Key) {
	if m.retries[key] != nil {
		return
	}
	m.attempts[key]++
	delay := backoffDelay(m.opts.RebindInitial, m.opts.RebindMax, m.attempts[key])
	m.retries[key] = time.AfterFunc(delay, func() { m.rebind(key) })
	log.Debug().Str("key", key.String()).Dur("delay", delay).Int("attempt", m.attempts[key]).Msg("subscription rebind scheduled")
}

func (m *Manager) rebind(key Key) {
	m.mu.Lock()
	delete(m.retries, key)
	if m.closed {
		m.mu.Unlock()
		return
	}
	req, owned := m.wanted[key]
	if !owned {
		m.mu.Unlock()
		return
	}
	if _, held := m.leases[key]; held {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()
	m.acquireOne(ctx, req)
}

func (m *Manager) stopRetriesLocked() {
	for key, timer := range m.retries {
		timer.Stop()
		delete(m.retries, key)
	}
}

// backoffDelay doubles from initial up to max, plus up to 25% jitter so
// rebinds spread out after a shared outage.
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
