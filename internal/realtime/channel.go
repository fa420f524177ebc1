package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

// channel join lifecycle
type channelState int

const (
	stateIdle channelState = iota
	stateJoining
	stateJoined
	stateLeft    // we sent the leave
	stateClosed  // server closed the topic
	stateErrored // join failed, errored, or timed out
)

type binding struct {
	spec    ports.EventSpec
	handler ports.ChangeHandler
}

// Channel is one joined topic on the socket. Channels are single-use: once
// terminal they are discarded, never rejoined.
type Channel struct {
	client *Client
	name   string // topic as given by the caller
	topic  string // wire topic with prefix

	mu        sync.Mutex
	bindings  []binding
	status    ports.StatusHandler
	state     channelState
	joinRef   string
	joinTimer *time.Timer
}

var _ ports.Channel = (*Channel)(nil)

// Topic returns the topic the channel was created with.
func (ch *Channel) Topic() string {
	return ch.name
}

// On registers a change handler. Bindings must be added before Subscribe;
// later calls are ignored.
func (ch *Channel) On(spec ports.EventSpec, handler ports.ChangeHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != stateIdle {
		log.Warn().Str("topic", ch.name).Msg("realtime: binding after subscribe ignored")
		return
	}
	ch.bindings = append(ch.bindings, binding{spec: spec, handler: handler})
}

// Subscribe sends the join and arranges for the status handler to be
// called with the outcome. The ack arrives on the read pump; Subscribe
// itself only fails when the frame cannot be sent.
func (ch *Channel) Subscribe(ctx context.Context, status ports.StatusHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.mu.Lock()
	if ch.state != stateIdle {
		ch.mu.Unlock()
		return domain.NewRealtimeError("join", ch.name, errors.New("already subscribed"))
	}
	ch.state = stateJoining
	ch.status = status
	ch.joinRef = uuid.New().String()
	joinRef := ch.joinRef
	changes := make([]PostgresChange, 0, len(ch.bindings))
	for _, b := range ch.bindings {
		changes = append(changes, BindingToChange(b.spec))
	}
	ch.mu.Unlock()

	fail := func(err error) error {
		ch.client.unregisterChannel(ch.topic, ch)
		ch.mu.Lock()
		ch.state = stateIdle
		ch.status = nil
		ch.joinRef = ""
		ch.mu.Unlock()
		return err
	}

	if err := ch.client.registerChannel(ch.topic, ch); err != nil {
		ch.mu.Lock()
		ch.state = stateIdle
		ch.status = nil
		ch.joinRef = ""
		ch.mu.Unlock()
		return err
	}

	payload := JoinPayload{
		Config:      JoinConfig{PostgresChanges: changes},
		AccessToken: ch.client.authToken(),
	}
	data, err := encodeMessage(ch.topic, EventJoin, joinRef, payload)
	if err != nil {
		return fail(domain.NewRealtimeError("join", ch.name, err))
	}
	if err := ch.client.sendFrame(data); err != nil {
		return fail(domain.NewRealtimeError("join", ch.name, err))
	}

	ch.mu.Lock()
	if ch.state == stateJoining {
		ch.joinTimer = time.AfterFunc(ch.client.opts.JoinTimeout, ch.joinTimedOut)
	}
	ch.mu.Unlock()

	return nil
}

// Unsubscribe leaves the topic. Terminal: the channel never emits another
// status after this returns.
func (ch *Channel) Unsubscribe(ctx context.Context) error {
	ch.mu.Lock()
	prev := ch.state
	ch.state = stateLeft
	ch.status = nil
	ch.stopJoinTimerLocked()
	ch.mu.Unlock()

	ch.client.unregisterChannel(ch.topic, ch)

	if prev == stateJoining || prev == stateJoined {
		// Best effort: the socket may already be gone
		data, err := encodeMessage(ch.topic, EventLeave, uuid.New().String(), struct{}{})
		if err == nil {
			if err := ch.client.sendFrame(data); err != nil {
				log.Debug().Err(err).Str("topic", ch.name).Msg("realtime: leave not sent")
			}
		}
	}

	return nil
}

// dispatch routes a frame from the read pump.
func (ch *Channel) dispatch(msg Message) {
	switch msg.Event {
	case EventReply:
		ch.handleReply(msg)
	case EventPostgresChanges:
		ch.handleChange(msg)
	case EventClose:
		ch.terminate(stateClosed, ports.ChannelStatusClosed, nil)
	case EventError:
		ch.terminate(stateErrored, ports.ChannelStatusChannelError, errors.New(errorReason(msg.Payload)))
	default:
		log.Debug().Str("topic", ch.name).Str("event", msg.Event).Msg("realtime: unhandled event")
	}
}

func (ch *Channel) handleReply(msg Message) {
	ch.mu.Lock()
	if ch.state != stateJoining || msg.Ref != ch.joinRef {
		ch.mu.Unlock()
		return
	}
	ch.stopJoinTimerLocked()

	var reply ReplyPayload
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		ch.state = stateErrored
		status := ch.status
		ch.mu.Unlock()
		ch.client.unregisterChannel(ch.topic, ch)
		fireStatus(ch.name, status, ports.ChannelStatusChannelError, fmt.Errorf("malformed join reply: %w", err))
		return
	}

	if reply.Status == ReplyStatusOK {
		ch.state = stateJoined
		status := ch.status
		ch.mu.Unlock()
		log.Debug().Str("topic", ch.name).Msg("realtime channel joined")
		fireStatus(ch.name, status, ports.ChannelStatusSubscribed, nil)
		return
	}

	ch.state = stateErrored
	status := ch.status
	ch.mu.Unlock()
	ch.client.unregisterChannel(ch.topic, ch)
	fireStatus(ch.name, status, ports.ChannelStatusChannelError, errors.New(errorReason(reply.Response)))
}

func (ch *Channel) handleChange(msg Message) {
	ch.mu.Lock()
	if ch.state != stateJoined {
		ch.mu.Unlock()
		return
	}
	bindings := ch.bindings
	ch.mu.Unlock()

	var data ChangeData
	if err := json.Unmarshal(msg.Payload, &data); err != nil {
		log.Warn().Err(err).Str("topic", ch.name).Msg("realtime: malformed change")
		return
	}
	payload := data.ToChangePayload()

	for _, b := range bindings {
		if !bindingMatches(b.spec, payload) {
			continue
		}
		invokeChangeHandler(ch.name, b.handler, payload)
	}
}

// joinTimedOut fires when no join ack arrived in time.
func (ch *Channel) joinTimedOut() {
	ch.terminate(stateErrored, ports.ChannelStatusTimedOut, domain.ErrJoinTimeout)
}

// socketLost is called by the client when the connection drops. A nil err
// means a clean local close.
func (ch *Channel) socketLost(err error) {
	if err == nil {
		ch.terminate(stateClosed, ports.ChannelStatusClosed, nil)
		return
	}
	ch.terminate(stateErrored, ports.ChannelStatusChannelError, fmt.Errorf("socket lost: %w", err))
}

// terminate moves the channel to a terminal state and emits the status
// once. No-op if already terminal.
func (ch *Channel) terminate(next channelState, st ports.ChannelStatus, err error) {
	ch.mu.Lock()
	if ch.state == stateLeft || ch.state == stateClosed || ch.state == stateErrored || ch.state == stateIdle {
		ch.mu.Unlock()
		return
	}
	ch.state = next
	ch.stopJoinTimerLocked()
	status := ch.status
	ch.status = nil
	ch.mu.Unlock()

	ch.client.unregisterChannel(ch.topic, ch)
	fireStatus(ch.name, status, st, err)
}

func (ch *Channel) stopJoinTimerLocked() {
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
		ch.joinTimer = nil
	}
}

// bindingMatches reports whether a change satisfies a binding's spec.
func bindingMatches(spec ports.EventSpec, payload events.ChangePayload) bool {
	if spec.Action != events.ActionAll && spec.Action != payload.Action {
		return false
	}
	if spec.Table != "" && spec.Table != payload.Table {
		return false
	}
	if spec.Schema != "" && spec.Schema != payload.Schema {
		return false
	}
	return true
}

// invokeChangeHandler guards a change handler so one panicking consumer
// cannot kill the read pump.
func invokeChangeHandler(topic string, handler ports.ChangeHandler, payload events.ChangePayload) {
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", topic).Msg("realtime: change handler panicked")
		}
	}()
	handler(payload)
}

// fireStatus guards a status handler the same way.
func fireStatus(topic string, handler ports.StatusHandler, st ports.ChannelStatus, err error) {
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", topic).Msg("realtime: status handler panicked")
		}
	}()
	handler(st, err)
}

// errorReason extracts a printable reason from an error payload.
func errorReason(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "channel error"
	}
	var body struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Reason != "" {
			return body.Reason
		}
		if body.Message != "" {
			return body.Message
		}
	}
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "{}" || s == "null" {
		return "channel error"
	}
	return s
}
