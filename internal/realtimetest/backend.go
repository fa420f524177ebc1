// Package realtimetest runs an in-process fake backend for tests: one
// httptest server carrying the realtime websocket endpoint, the row
// REST surface, and the auth token endpoints the daemon talks to.
//
// Tests point components at Backend.URL(), drive row changes with the
// Push helpers, and observe writes with Upserts/Inserts. REST inserts
// fan out to joined channels with matching bindings, so a full
// send-to-notify path can run against one fake. Connections can be
// dropped to exercise reconnect paths.
package realtimetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/DIGONADA/candlelife-85/internal/realtime"
)

var upgrader = websocket.Upgrader{}

// Account is the identity the auth endpoints hand out.
type Account struct {
	UserID   string
	Email    string
	Password string
}

// conn is one accepted websocket with serialized writes.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(msg realtime.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Backend is the fake backend. Create with Start.
type Backend struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	conns      []*conn
	topics     map[string]*conn                     // wire topic -> joined connection
	bindings   map[string][]realtime.PostgresChange // wire topic -> join bindings
	joins      map[string]int
	leaves     map[string]int
	joinToken  string // access token seen in the latest join
	joinStatus string
	silent     bool

	account Account
	refresh int

	rows    map[string][]map[string]any
	inserts map[string][]map[string]any
	upserts map[string][]map[string]any
}

// Start runs the fake and registers its shutdown with the test.
func Start(t *testing.T) *Backend {
	t.Helper()

	b := &Backend{
		t:          t,
		topics:     make(map[string]*conn),
		bindings:   make(map[string][]realtime.PostgresChange),
		joins:      make(map[string]int),
		leaves:     make(map[string]int),
		joinStatus: realtime.ReplyStatusOK,
		rows:       make(map[string][]map[string]any),
		inserts:    make(map[string][]map[string]any),
		upserts:    make(map[string][]map[string]any),
	}

	r := mux.NewRouter()
	r.HandleFunc("/realtime/v1/websocket", b.handleSocket)
	r.HandleFunc("/auth/v1/token", b.handleToken).Methods("POST")
	r.HandleFunc("/auth/v1/logout", b.handleLogout).Methods("POST")
	r.HandleFunc("/rest/v1/{table}", b.handleRest).Methods("GET", "POST")

	b.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		b.DropConnections()
		b.srv.Close()
	})

	return b
}

// URL returns the backend base URL.
func (b *Backend) URL() string {
	return b.srv.URL
}

// SetAccount configures the identity SignIn hands out.
func (b *Backend) SetAccount(a Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account = a
}

// SetJoinStatus sets the reply status for subsequent joins.
func (b *Backend) SetJoinStatus(status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joinStatus = status
}

// SilenceJoins makes the backend swallow joins without replying, which
// times subscribers out.
func (b *Backend) SilenceJoins(silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent = silent
}

// Seed installs rows returned by GET on a table.
func (b *Backend) Seed(table string, rows ...map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[table] = append(b.rows[table], rows...)
}

// Inserts returns the rows POSTed to a table without on_conflict.
func (b *Backend) Inserts(table string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.inserts[table]...)
}

// Upserts returns the rows POSTed to a table with on_conflict.
func (b *Backend) Upserts(table string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.upserts[table]...)
}

// Topics returns the currently joined topics, without the wire prefix.
func (b *Backend) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for wire := range b.topics {
		out = append(out, strings.TrimPrefix(wire, realtime.TopicPrefix))
	}
	return out
}

// Joined reports whether a topic currently has a joined connection.
func (b *Backend) Joined(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[realtime.TopicPrefix+topic]
	return ok
}

// JoinCount returns how many joins a topic has received in total.
func (b *Backend) JoinCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joins[realtime.TopicPrefix+topic]
}

// LeaveCount returns how many leaves a topic has received in total.
func (b *Backend) LeaveCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaves[realtime.TopicPrefix+topic]
}

// JoinToken returns the access token carried by the latest join.
func (b *Backend) JoinToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joinToken
}

// ConnCount returns the number of live websocket connections.
func (b *Backend) ConnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// WaitJoined blocks until the topic is joined or the timeout elapses.
func (b *Backend) WaitJoined(topic string, timeout time.Duration) {
	b.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Joined(topic) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.t.Fatalf("topic %s not joined before timeout", topic)
}

// WaitGone blocks until the topic has no joined connection.
func (b *Backend) WaitGone(topic string, timeout time.Duration) {
	b.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !b.Joined(topic) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.t.Fatalf("topic %s still joined after timeout", topic)
}

// PushChange delivers a row change to the connection joined to topic.
// Missing Schema and CommitTimestamp fields are filled in.
func (b *Backend) PushChange(topic string, data realtime.ChangeData) {
	b.t.Helper()

	if data.Schema == "" {
		data.Schema = "public"
	}
	if data.CommitTimestamp == "" {
		data.CommitTimestamp = time.Now().UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		b.t.Fatalf("marshal change: %v", err)
	}
	b.push(topic, realtime.Message{
		Topic:   realtime.TopicPrefix + topic,
		Event:   realtime.EventPostgresChanges,
		Payload: payload,
	})
}

// PushClose sends a server-side close for the topic.
func (b *Backend) PushClose(topic string) {
	b.push(topic, realtime.Message{
		Topic:   realtime.TopicPrefix + topic,
		Event:   realtime.EventClose,
		Payload: json.RawMessage(`{}`),
	})
}

// PushError sends a channel error for the topic.
func (b *Backend) PushError(topic, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	b.push(topic, realtime.Message{
		Topic:   realtime.TopicPrefix + topic,
		Event:   realtime.EventError,
		Payload: payload,
	})
}

func (b *Backend) push(topic string, msg realtime.Message) {
	b.t.Helper()

	b.mu.Lock()
	c := b.topics[realtime.TopicPrefix+topic]
	b.mu.Unlock()

	if c == nil {
		b.t.Fatalf("push to %s: topic not joined", topic)
	}
	if err := c.write(msg); err != nil {
		b.t.Errorf("push to %s: %v", topic, err)
	}
}

// DropConnections severs every websocket, simulating a network cut.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.topics = make(map[string]*conn)
	b.bindings = make(map[string][]realtime.PostgresChange)
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (b *Backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{ws: ws}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()

	go b.serve(c)
}

func (b *Backend) serve(c *conn) {
	defer b.forget(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg realtime.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch {
		case msg.Topic == realtime.TopicHeartbeat:
			b.reply(c, msg, realtime.ReplyStatusOK, nil)

		case msg.Event == realtime.EventJoin:
			b.handleJoin(c, msg)

		case msg.Event == realtime.EventLeave:
			b.mu.Lock()
			b.leaves[msg.Topic]++
			if b.topics[msg.Topic] == c {
				delete(b.topics, msg.Topic)
				delete(b.bindings, msg.Topic)
			}
			b.mu.Unlock()
			b.reply(c, msg, realtime.ReplyStatusOK, nil)
		}
	}
}

func (b *Backend) handleJoin(c *conn, msg realtime.Message) {
	var payload realtime.JoinPayload
	_ = json.Unmarshal(msg.Payload, &payload)

	b.mu.Lock()
	b.joins[msg.Topic]++
	b.joinToken = payload.AccessToken
	status := b.joinStatus
	silent := b.silent
	if !silent && status == realtime.ReplyStatusOK {
		b.topics[msg.Topic] = c
		b.bindings[msg.Topic] = payload.Config.PostgresChanges
	}
	b.mu.Unlock()

	if silent {
		return
	}

	var response json.RawMessage
	if status != realtime.ReplyStatusOK {
		response = json.RawMessage(`{"reason":"join denied"}`)
	}
	b.reply(c, msg, status, response)
}

func (b *Backend) reply(c *conn, msg realtime.Message, status string, response json.RawMessage) {
	payload, _ := json.Marshal(realtime.ReplyPayload{Status: status, Response: response})
	_ = c.write(realtime.Message{
		Topic:   msg.Topic,
		Event:   realtime.EventReply,
		Payload: payload,
		Ref:     msg.Ref,
	})
}

// forget removes a dead connection and its topics.
func (b *Backend) forget(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.conns {
		if existing == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}
	for wire, owner := range b.topics {
		if owner == c {
			delete(b.topics, wire)
			delete(b.bindings, wire)
		}
	}
}

func (b *Backend) handleToken(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	account := b.account
	b.mu.Unlock()

	grant := r.URL.Query().Get("grant_type")
	switch grant {
	case "password":
		var creds struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if account.UserID == "" || creds.Email != account.Email || creds.Password != account.Password {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid login credentials"})
			return
		}
		b.writeSession(w, account, "access-"+uuid.New().String())

	case "refresh_token":
		if account.UserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid refresh token"})
			return
		}
		b.mu.Lock()
		b.refresh++
		n := b.refresh
		b.mu.Unlock()
		b.writeSession(w, account, fmt.Sprintf("refreshed-%d", n))

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "unsupported grant type"})
	}
}

func (b *Backend) writeSession(w http.ResponseWriter, account Account, accessToken string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": "refresh-" + uuid.New().String(),
		"user": map[string]string{
			"id":    account.UserID,
			"email": account.Email,
		},
	})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleRest(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	if r.Method == http.MethodGet {
		b.handleSelect(w, r, table)
		return
	}

	var row map[string]any
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}

	if r.URL.Query().Get("on_conflict") != "" ||
		strings.Contains(r.Header.Get("Prefer"), "merge-duplicates") {
		b.mu.Lock()
		b.upserts[table] = append(b.upserts[table], row)
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	b.mu.Lock()
	b.inserts[table] = append(b.inserts[table], row)
	b.mu.Unlock()

	b.fanout(table, row)
	writeJSON(w, http.StatusCreated, []map[string]any{row})
}

// fanout delivers an inserted row to every joined topic with a matching
// change binding, like the real backend's replication feed. Upserts are
// not fanned out; presence tests drive the tracker with explicit pushes.
func (b *Backend) fanout(table string, row map[string]any) {
	record, err := json.Marshal(row)
	if err != nil {
		return
	}

	b.mu.Lock()
	type target struct {
		c    *conn
		wire string
	}
	var targets []target
	for wire, binds := range b.bindings {
		c := b.topics[wire]
		if c == nil {
			continue
		}
		for _, bind := range binds {
			if bindingMatches(bind, table, row) {
				targets = append(targets, target{c: c, wire: wire})
				break
			}
		}
	}
	b.mu.Unlock()

	data := realtime.ChangeData{
		Type:            "INSERT",
		Schema:          "public",
		Table:           table,
		Record:          record,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	for _, tgt := range targets {
		_ = tgt.c.write(realtime.Message{
			Topic:   tgt.wire,
			Event:   realtime.EventPostgresChanges,
			Payload: payload,
		})
	}
}

// bindingMatches reports whether an insert on table with the given row
// satisfies one join binding. Filters use the eq. form only.
func bindingMatches(bind realtime.PostgresChange, table string, row map[string]any) bool {
	if bind.Table != table {
		return false
	}
	if bind.Event != "*" && !strings.EqualFold(bind.Event, "INSERT") {
		return false
	}
	if bind.Filter == "" {
		return true
	}
	column, want, ok := strings.Cut(bind.Filter, "=eq.")
	if !ok {
		return false
	}
	return fmt.Sprint(row[column]) == want
}

// handleSelect filters seeded rows by eq. query operators, the only
// operator the daemon's queries use.
func (b *Backend) handleSelect(w http.ResponseWriter, r *http.Request, table string) {
	b.mu.Lock()
	rows := append([]map[string]any(nil), b.rows[table]...)
	b.mu.Unlock()

	for column, values := range r.URL.Query() {
		if column == "select" || column == "limit" || column == "order" {
			continue
		}
		if len(values) == 0 || !strings.HasPrefix(values[0], "eq.") {
			continue
		}
		want := strings.TrimPrefix(values[0], "eq.")
		kept := rows[:0]
		for _, row := range rows {
			if fmt.Sprint(row[column]) == want {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
