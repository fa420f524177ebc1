// Package testutil provides shared test utilities and mocks for
// candlelife tests.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

// MockSubscriber implements ports.Subscriber for testing.
type MockSubscriber struct {
	id       string
	mu       sync.Mutex
	events   []events.Event
	sendErr  error
	sendFunc func(events.Event) error
	closed   bool
	done     chan struct{}
}

// NewMockSubscriber creates a new mock subscriber.
func NewMockSubscriber(id string) *MockSubscriber {
	return &MockSubscriber{
		id:   id,
		done: make(chan struct{}),
	}
}

// ID returns the subscriber ID.
func (m *MockSubscriber) ID() string {
	return m.id
}

// Send records the event and returns any configured error.
func (m *MockSubscriber) Send(e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendFunc != nil {
		return m.sendFunc(e)
	}
	if m.sendErr != nil {
		return m.sendErr
	}

	m.events = append(m.events, e)
	return nil
}

// Close marks the subscriber as closed.
func (m *MockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Done returns a channel closed when the subscriber is done.
func (m *MockSubscriber) Done() <-chan struct{} {
	return m.done
}

// Events returns all received events.
func (m *MockSubscriber) Events() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventCount returns the number of received events.
func (m *MockSubscriber) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// IsClosed reports whether the subscriber was closed.
func (m *MockSubscriber) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetSendError configures an error to return on Send.
func (m *MockSubscriber) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetSendFunc sets a custom function for Send behavior.
func (m *MockSubscriber) SetSendFunc(fn func(events.Event) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendFunc = fn
}

var _ ports.Subscriber = (*MockSubscriber)(nil)

// MockEventHub implements ports.EventHub for testing.
type MockEventHub struct {
	mu          sync.Mutex
	events      []events.Event
	subscribers []ports.Subscriber
	started     bool
	stopped     bool
}

// NewMockEventHub creates a new mock event hub.
func NewMockEventHub() *MockEventHub {
	return &MockEventHub{}
}

// Start marks the hub as started.
func (m *MockEventHub) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

// Stop marks the hub as stopped.
func (m *MockEventHub) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

// Publish records the event.
func (m *MockEventHub) Publish(e events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Subscribe records the subscriber.
func (m *MockEventHub) Subscribe(sub ports.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, sub)
}

// Unsubscribe removes a subscriber by ID.
func (m *MockEventHub) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub.ID() == id {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of subscribers.
func (m *MockEventHub) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// IsRunning reports whether the hub was started and not stopped.
func (m *MockEventHub) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.stopped
}

// PublishedEvents returns all published events.
func (m *MockEventHub) PublishedEvents() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfType returns published events matching a type.
func (m *MockEventHub) EventsOfType(t events.EventType) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, e := range m.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

var _ ports.EventHub = (*MockEventHub)(nil)

// FakeRealtime implements ports.RealtimeClient without a socket. Tests
// drive channel outcomes through the FakeChannel handles it hands out.
type FakeRealtime struct {
	mu           sync.Mutex
	created      []*FakeChannel
	live         map[string]*FakeChannel
	connected    bool
	autoAck      bool
	subscribeErr error
	removed      int
}

// NewFakeRealtime creates a fake client. By default channels ack
// subscribes immediately with SUBSCRIBED.
func NewFakeRealtime() *FakeRealtime {
	return &FakeRealtime{
		live:      make(map[string]*FakeChannel),
		connected: true,
		autoAck:   true,
	}
}

// SetAutoAck toggles immediate SUBSCRIBED acks.
func (f *FakeRealtime) SetAutoAck(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoAck = on
}

// SetSubscribeErr makes future Subscribe calls fail.
func (f *FakeRealtime) SetSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

// SetConnected flips the reported socket state.
func (f *FakeRealtime) SetConnected(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = on
}

// Channel creates a new fake channel for the topic.
func (f *FakeRealtime) Channel(topic string) ports.Channel {
	ch := &FakeChannel{client: f, topic: topic}
	f.mu.Lock()
	f.created = append(f.created, ch)
	f.mu.Unlock()
	return ch
}

// RemoveChannel unsubscribes the channel and counts the removal.
func (f *FakeRealtime) RemoveChannel(ctx context.Context, ch ports.Channel) error {
	f.mu.Lock()
	f.removed++
	f.mu.Unlock()
	return ch.Unsubscribe(ctx)
}

// Connected reports the configured socket state.
func (f *FakeRealtime) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Close marks the fake disconnected.
func (f *FakeRealtime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// Created returns every channel ever handed out.
func (f *FakeRealtime) Created() []*FakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeChannel, len(f.created))
	copy(out, f.created)
	return out
}

// CreatedCount returns how many channels were created.
func (f *FakeRealtime) CreatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// RemovedCount returns how many channels were removed.
func (f *FakeRealtime) RemovedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed
}

// Live returns the subscribed, not-yet-left channel for a topic, or nil.
func (f *FakeRealtime) Live(topic string) *FakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[topic]
}

var _ ports.RealtimeClient = (*FakeRealtime)(nil)

type fakeBinding struct {
	spec    ports.EventSpec
	handler ports.ChangeHandler
}

// FakeChannel implements ports.Channel. Tests fire statuses and changes
// at it directly.
type FakeChannel struct {
	client *FakeRealtime
	topic  string

	mu         sync.Mutex
	bindings   []fakeBinding
	status     ports.StatusHandler
	subscribed bool
	left       bool
}

// Topic returns the channel topic.
func (c *FakeChannel) Topic() string {
	return c.topic
}

// On records a binding.
func (c *FakeChannel) On(spec ports.EventSpec, handler ports.ChangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, fakeBinding{spec: spec, handler: handler})
}

// Subscribe stores the status handler and optionally acks immediately.
func (c *FakeChannel) Subscribe(ctx context.Context, status ports.StatusHandler) error {
	c.client.mu.Lock()
	err := c.client.subscribeErr
	autoAck := c.client.autoAck
	if err == nil {
		c.client.live[c.topic] = c
	}
	c.client.mu.Unlock()

	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subscribed = true
	c.status = status
	c.mu.Unlock()

	if autoAck {
		c.FireStatus(ports.ChannelStatusSubscribed, nil)
	}
	return nil
}

// Unsubscribe marks the channel left and silences its status handler.
func (c *FakeChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	c.left = true
	c.status = nil
	c.mu.Unlock()

	c.client.mu.Lock()
	if c.client.live[c.topic] == c {
		delete(c.client.live, c.topic)
	}
	c.client.mu.Unlock()
	return nil
}

// FireStatus invokes the stored status handler.
func (c *FakeChannel) FireStatus(status ports.ChannelStatus, err error) {
	c.mu.Lock()
	handler := c.status
	c.mu.Unlock()
	if handler != nil {
		handler(status, err)
	}
}

// FireChange delivers a change to every matching binding.
func (c *FakeChannel) FireChange(payload events.ChangePayload) {
	c.mu.Lock()
	bindings := make([]fakeBinding, len(c.bindings))
	copy(bindings, c.bindings)
	c.mu.Unlock()

	for _, b := range bindings {
		if b.spec.Action != events.ActionAll && b.spec.Action != payload.Action {
			continue
		}
		if b.spec.Table != "" && b.spec.Table != payload.Table {
			continue
		}
		if b.handler != nil {
			b.handler(payload)
		}
	}
}

// IsSubscribed reports whether Subscribe succeeded.
func (c *FakeChannel) IsSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// IsLeft reports whether the channel was unsubscribed.
func (c *FakeChannel) IsLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

// BindingCount returns the number of registered bindings.
func (c *FakeChannel) BindingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bindings)
}

var _ ports.Channel = (*FakeChannel)(nil)

// SpyInvalidator implements ports.Invalidator and records every match
// function it was asked to apply.
type SpyInvalidator struct {
	mu    sync.Mutex
	calls int
	keys  [][]string // keys probed through the match functions
	hits  int        // what Invalidate reports dropped
}

// NewSpyInvalidator creates a spy that reports hits dropped per call.
func NewSpyInvalidator(hits int) *SpyInvalidator {
	return &SpyInvalidator{hits: hits}
}

// Invalidate probes the match function with the seeded key space and
// returns the configured hit count.
func (s *SpyInvalidator) Invalidate(match func(key []string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for _, key := range s.keys {
		match(key)
	}
	return s.hits
}

// Seed adds keys that future match functions are probed with.
func (s *SpyInvalidator) Seed(keys ...[]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, keys...)
}

// Calls returns how many times Invalidate ran.
func (s *SpyInvalidator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ ports.Invalidator = (*SpyInvalidator)(nil)

// SpyNotifier implements ports.Notifier and records notifications.
type SpyNotifier struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	err    error
}

// NewSpyNotifier creates a notifier spy.
func NewSpyNotifier() *SpyNotifier {
	return &SpyNotifier{}
}

// Notify records the notification.
func (s *SpyNotifier) Notify(title, body, iconPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, body)
	return nil
}

// SetError makes future Notify calls fail.
func (s *SpyNotifier) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Count returns the number of notifications shown.
func (s *SpyNotifier) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.titles)
}

// Titles returns recorded titles.
func (s *SpyNotifier) Titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.titles))
	copy(out, s.titles)
	return out
}

var _ ports.Notifier = (*SpyNotifier)(nil)

// SpySound implements ports.SoundPlayer and counts plays.
type SpySound struct {
	mu    sync.Mutex
	plays int
	err   error
}

// NewSpySound creates a sound spy.
func NewSpySound() *SpySound {
	return &SpySound{}
}

// Play counts the call.
func (s *SpySound) Play(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.plays++
	return nil
}

// SetError makes future Play calls fail.
func (s *SpySound) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Plays returns the play count.
func (s *SpySound) Plays() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays
}

var _ ports.SoundPlayer = (*SpySound)(nil)

// StubProfiles implements ports.ProfileDirectory from a fixed map.
type StubProfiles struct {
	mu       sync.Mutex
	profiles map[string]ports.Profile
	err      error
	lookups  int
}

// NewStubProfiles creates an empty directory stub.
func NewStubProfiles() *StubProfiles {
	return &StubProfiles{profiles: make(map[string]ports.Profile)}
}

// Add registers a profile.
func (s *StubProfiles) Add(p ports.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// SetError makes future lookups fail.
func (s *StubProfiles) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Lookup returns the stubbed profile.
func (s *StubProfiles) Lookup(ctx context.Context, userID string) (ports.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return ports.Profile{}, s.err
	}
	return s.profiles[userID], nil
}

// Lookups returns how many lookups ran.
func (s *StubProfiles) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

var _ ports.ProfileDirectory = (*StubProfiles)(nil)

// StubGate implements ports.ActivityGate with a settable active
// conversation.
type StubGate struct {
	mu     sync.Mutex
	active string
}

// NewStubGate creates a gate with no active conversation.
func NewStubGate() *StubGate {
	return &StubGate{}
}

// SetActive sets the active conversation.
func (s *StubGate) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = conversationID
}

// IsActive reports whether the conversation is the active one.
func (s *StubGate) IsActive(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != "" && s.active == conversationID
}

var _ ports.ActivityGate = (*StubGate)(nil)

// AssertEqual is a simple equality assertion helper.
func AssertEqual(t *testing.T, expected, actual interface{}, msg string) {
	t.Helper()
	if expected != actual {
		t.Errorf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertTrue asserts that a condition is true.
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("%s: expected true, got false", msg)
	}
}

// AssertNoError asserts that an error is nil.
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError asserts that an error is not nil.
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected error, got nil", msg)
	}
}
