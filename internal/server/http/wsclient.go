package http

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/hub"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 15 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Filter requests are tiny,
	// but leave headroom for future control messages.
	maxMessageSize = 512 * 1024

	// Send buffer size per client. Sized for bursts of change events
	// when a busy feed reconnects and replays.
	sendBufferSize = 1024

	// Application-level heartbeat interval. Sent as a JSON event (not a
	// WebSocket ping) so UI clients can monitor liveness above the frame
	// layer.
	heartbeatInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API is loopback-only; accept local UI shells and
		// non-browser clients (no Origin header).
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	},
}

// wsClient is one connected event stream consumer.
//
// Send() is safe from any goroutine; Close() is safe to call multiple
// times. Incoming messages are filter control requests, handled by
// onMessage.
type wsClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	onMessage func(message []byte)
	onClose   func(id string)

	mu     sync.Mutex
	closed bool
}

func newWSClient(conn *websocket.Conn, onClose func(id string)) *wsClient {
	return &wsClient{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// ID returns the client's unique identifier.
func (c *wsClient) ID() string {
	return c.id
}

// Start starts the client's read and write pumps.
func (c *wsClient) Start() {
	go c.writePump()
	go c.readPump()
}

// Send queues a message to be sent to the client.
func (c *wsClient) Send(message []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.send <- message:
	default:
		// Channel full, client is too slow
		log.Warn().Str("client_id", c.id).Msg("client send channel full, dropping message")
	}
}

// Close closes the client connection.
func (c *wsClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
}

func (c *wsClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readPump pumps control messages from the connection to onMessage and
// keeps the read deadline fresh via pong handling.
func (c *wsClient) readPump() {
	defer func() {
		c.Close()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			return
		}

		if c.onMessage != nil {
			c.onMessage(message)
		}
	}
}

// writePump pumps messages from the send channel to the connection.
// Each message goes out as its own frame to avoid JSON corruption.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message, ok := <-c.send:
			if !ok {
				return
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Msg("write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Msg("ping error")
				return
			}
		}
	}
}

// clientSubscriber wraps a websocket client as an EventHub subscriber.
type clientSubscriber struct {
	client *wsClient
}

func newClientSubscriber(client *wsClient) *clientSubscriber {
	return &clientSubscriber{client: client}
}

func (s *clientSubscriber) ID() string {
	return s.client.ID()
}

func (s *clientSubscriber) Send(event events.Event) error {
	if s.client.isClosed() {
		return domain.ErrSubscriberClosed
	}

	data, err := event.ToJSON()
	if err != nil {
		return err
	}

	s.client.Send(data)
	return nil
}

func (s *clientSubscriber) Close() error {
	s.client.Close()
	return nil
}

func (s *clientSubscriber) Done() <-chan struct{} {
	return s.client.done
}

// clientSet tracks connected websocket clients.
type clientSet struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

func newClientSet() *clientSet {
	return &clientSet{clients: make(map[string]*wsClient)}
}

func (cs *clientSet) add(client *wsClient) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.clients[client.ID()] = client
}

func (cs *clientSet) remove(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.clients, id)
}

func (cs *clientSet) count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.clients)
}

func (cs *clientSet) broadcast(message []byte) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for _, client := range cs.clients {
		client.Send(message)
	}
}

func (cs *clientSet) closeAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, client := range cs.clients {
		client.Close()
	}
	cs.clients = make(map[string]*wsClient)
}

// handleEvents upgrades the connection and streams hub events to the
// client. Filters can be set up front via query parameters (?types=a,b
// and repeated ?conversation=) or adjusted live with filter control
// messages.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		respondError(w, http.StatusNotFound, "event stream unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := newWSClient(conn, func(id string) {
		s.deps.Hub.Unsubscribe(id)
		s.clients.remove(id)
	})

	subscriber := hub.NewFilteredSubscriber(newClientSubscriber(client))
	applyQueryFilters(subscriber, r.URL.Query())
	client.onMessage = func(message []byte) {
		applyFilterMessage(subscriber, client.ID(), message)
	}

	s.clients.add(client)
	s.deps.Hub.Subscribe(subscriber)

	log.Info().
		Str("client_id", client.ID()).
		Str("remote_addr", conn.RemoteAddr().String()).
		Bool("filtered", subscriber.IsFiltering()).
		Msg("event stream client connected")

	client.Start()
}

// filterRequest is the inbound control message for adjusting a client's
// event filters after connect.
type filterRequest struct {
	Action        string   `json:"action"`
	Types         []string `json:"types,omitempty"`
	Conversations []string `json:"conversations,omitempty"`
}

func applyFilterMessage(subscriber *hub.FilteredSubscriber, clientID string, message []byte) {
	var req filterRequest
	if err := json.Unmarshal(message, &req); err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Msg("unreadable control message")
		return
	}

	switch req.Action {
	case "filter":
		for _, t := range req.Types {
			subscriber.AllowTypes(events.EventType(t))
		}
		for _, id := range req.Conversations {
			subscriber.AllowConversation(id)
		}
		log.Debug().
			Str("client_id", clientID).
			Strs("types", req.Types).
			Strs("conversations", req.Conversations).
			Msg("client filter updated")

	case "clear_filters":
		subscriber.ClearFilters()
		log.Debug().Str("client_id", clientID).Msg("client filters cleared")

	default:
		log.Warn().Str("client_id", clientID).Str("action", req.Action).Msg("unknown control action")
	}
}

func applyQueryFilters(subscriber *hub.FilteredSubscriber, query url.Values) {
	if raw := query.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				subscriber.AllowTypes(events.EventType(t))
			}
		}
	}
	for _, id := range query["conversation"] {
		if id != "" {
			subscriber.AllowConversation(id)
		}
	}
}
