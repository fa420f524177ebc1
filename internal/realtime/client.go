// Package realtime implements the client side of the backend's realtime
// protocol: one WebSocket multiplexing any number of topic channels, each
// channel carrying row-change subscriptions for a table.
//
// Lifecycle:
//  1. Create with New()
//  2. Connect() dials and starts the read/write pumps
//  3. Channel() + Subscribe() join topics
//  4. Close() tears everything down
//
// The socket self-heals: a broken connection notifies every joined channel
// with a terminal status and redials with backoff. Channels are not
// rejoined automatically; owners re-acquire, which dials fresh channels.
//
// Thread safety: all exported methods are safe from any goroutine. Change
// and status handlers run on the read pump and must return quickly.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 15 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Send buffer size for outgoing frames. Outbound traffic is joins,
	// leaves and heartbeats, so a small buffer is plenty.
	sendBufferSize = 64

	// Handshake timeout for dialing.
	handshakeTimeout = 10 * time.Second
)

// Options configures the client.
type Options struct {
	// HeartbeatInterval is how often a protocol heartbeat is sent. A
	// heartbeat that goes unacked for a full interval drops the socket.
	HeartbeatInterval time.Duration

	// JoinTimeout bounds how long a channel waits for its join ack.
	JoinTimeout time.Duration

	// ReconnectInitial and ReconnectMax bound the redial backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// OnSocketState is invoked on connect/disconnect transitions. Must
	// return quickly.
	OnSocketState func(connected bool, reason string)
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	return o
}

// Client is the realtime socket client.
type Client struct {
	wsURL string
	opts  Options

	mu           sync.RWMutex
	conn         *websocket.Conn
	send         chan []byte
	stop         chan struct{}
	channels     map[string]*Channel
	token        string
	closed       bool
	reconnecting bool

	done chan struct{}

	hbMu             sync.Mutex
	pendingHeartbeat string
}

var _ ports.RealtimeClient = (*Client)(nil)

// New creates a new client for the given websocket URL.
func New(wsURL string, opts Options) *Client {
	return &Client{
		wsURL:    wsURL,
		opts:     opts.withDefaults(),
		channels: make(map[string]*Channel),
		done:     make(chan struct{}),
	}
}

// SetAuth sets the access token carried in join payloads.
func (c *Client) SetAuth(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) authToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Connect dials the socket and starts the pumps. Calling Connect on a
// connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSocketClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return domain.NewRealtimeError("dial", "", err)
	}

	send := make(chan []byte, sendBufferSize)
	stop := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return domain.ErrSocketClosed
	}
	if c.conn != nil {
		// Lost a dial race; keep the existing connection
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.send = send
	c.stop = stop
	c.mu.Unlock()

	c.hbMu.Lock()
	c.pendingHeartbeat = ""
	c.hbMu.Unlock()

	go c.writePump(conn, send, stop)
	go c.readPump(conn)
	go c.heartbeatLoop(stop)

	log.Info().Msg("realtime socket connected")
	c.notifySocket(true, "")

	return nil
}

// Connected reports whether the socket is up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Channel returns a new channel for the topic. The channel is inert until
// Subscribe.
func (c *Client) Channel(topic string) ports.Channel {
	return &Channel{
		client: c,
		name:   topic,
		topic:  TopicPrefix + topic,
	}
}

// RemoveChannel unsubscribes and forgets a channel.
func (c *Client) RemoveChannel(ctx context.Context, ch ports.Channel) error {
	return ch.Unsubscribe(ctx)
}

// Close tears down the socket and all channels. Safe to call more than
// once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	stop := c.stop
	chans := c.snapshotChannelsLocked()
	c.conn = nil
	c.send = nil
	c.stop = nil
	c.mu.Unlock()

	close(c.done)
	if stop != nil {
		close(stop)
	}
	if conn != nil {
		// writePump's stop case sends the close frame
		for _, ch := range chans {
			ch.socketLost(nil)
		}
		c.notifySocket(false, "closed")
	}

	return nil
}

// snapshotChannelsLocked empties the channel map and returns the old
// contents. Caller holds c.mu.
func (c *Client) snapshotChannelsLocked() []*Channel {
	chans := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.channels = make(map[string]*Channel)
	return chans
}

// registerChannel adds a joining channel to the routing table.
func (c *Client) registerChannel(wireTopic string, ch *Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return domain.ErrSocketClosed
	}
	if _, exists := c.channels[wireTopic]; exists {
		return domain.NewRealtimeError("join", wireTopic, errors.New("topic already joined"))
	}
	c.channels[wireTopic] = ch
	return nil
}

// unregisterChannel removes a channel from the routing table.
func (c *Client) unregisterChannel(wireTopic string, ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.channels[wireTopic]; ok && current == ch {
		delete(c.channels, wireTopic)
	}
}

func (c *Client) channelFor(wireTopic string) *Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[wireTopic]
}

// sendFrame queues a frame for the write pump.
func (c *Client) sendFrame(data []byte) error {
	c.mu.RLock()
	send := c.send
	closed := c.closed
	c.mu.RUnlock()

	if closed || send == nil {
		return domain.ErrSocketClosed
	}

	select {
	case send <- data:
		return nil
	default:
		return domain.NewRealtimeError("send", "", errors.New("send buffer full"))
	}
}

// readPump reads frames from the socket and routes them to channels.
func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("realtime: malformed frame")
			continue
		}

		if msg.Topic == TopicHeartbeat {
			c.handleHeartbeatReply(msg)
			continue
		}

		if ch := c.channelFor(msg.Topic); ch != nil {
			ch.dispatch(msg)
		} else {
			log.Debug().Str("topic", msg.Topic).Str("event", msg.Event).Msg("realtime: frame for unknown topic")
		}
	}
}

// writePump writes queued frames to the socket.
func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	defer func() {
		// Send close frame with deadline to prevent blocking on laggy
		// connections
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
		_ = conn.Close()
	}()

	for {
		select {
		case <-stop:
			return

		case message, ok := <-send:
			if !ok {
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Msg("realtime: write error")
				return
			}
		}
	}
}

// heartbeatLoop sends protocol heartbeats and drops the socket when an
// ack goes missing for a full interval.
func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			c.hbMu.Lock()
			missed := c.pendingHeartbeat != ""
			c.hbMu.Unlock()

			if missed {
				log.Warn().Msg("realtime: heartbeat unacked, dropping socket")
				c.mu.RLock()
				conn := c.conn
				c.mu.RUnlock()
				if conn != nil {
					// readPump unblocks with an error and runs the
					// disconnect path
					_ = conn.Close()
				}
				return
			}

			ref := uuid.New().String()
			data, err := encodeMessage(TopicHeartbeat, EventHeartbeat, ref, struct{}{})
			if err != nil {
				continue
			}

			c.hbMu.Lock()
			c.pendingHeartbeat = ref
			c.hbMu.Unlock()

			if err := c.sendFrame(data); err != nil {
				log.Debug().Err(err).Msg("realtime: heartbeat send failed")
			}
		}
	}
}

func (c *Client) handleHeartbeatReply(msg Message) {
	c.hbMu.Lock()
	if msg.Ref == c.pendingHeartbeat {
		c.pendingHeartbeat = ""
	}
	c.hbMu.Unlock()
}

// handleDisconnect runs once per broken connection: it fails every joined
// channel and starts the redial loop.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Stale pump from a previous connection
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.send = nil
	stop := c.stop
	c.stop = nil
	chans := c.snapshotChannelsLocked()
	closed := c.closed
	startReconnect := !closed && !c.reconnecting
	if startReconnect {
		c.reconnecting = true
	}
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	_ = conn.Close()

	if closed {
		return
	}

	log.Warn().Err(err).Int("channels", len(chans)).Msg("realtime socket lost")

	for _, ch := range chans {
		ch.socketLost(err)
	}
	c.notifySocket(false, errReason(err))

	if startReconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop redials with exponential backoff until Close.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	backoff := c.opts.ReconnectInitial
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := c.dial(ctx)
		cancel()

		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrSocketClosed) {
			return
		}

		log.Debug().Err(err).Dur("backoff", backoff).Msg("realtime: redial failed")
		backoff *= 2
		if backoff > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMax
		}
	}
}

func (c *Client) notifySocket(connected bool, reason string) {
	if c.opts.OnSocketState != nil {
		c.opts.OnSocketState(connected, reason)
	}
}

func errReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
