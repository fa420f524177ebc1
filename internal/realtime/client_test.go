package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

// testServer is a minimal realtime endpoint. It acks heartbeats and joins
// and lets tests push frames at connected clients.
type testServer struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn

	joinStatus string // reply status for joins
	silent     bool   // swallow joins without replying

	joined chan string // wire topics that requested a join
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		t:          t,
		joinStatus: ReplyStatusOK,
		joined:     make(chan string, 8),
	}

	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		go ts.serve(conn)
	}))
	t.Cleanup(ts.srv.Close)

	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch {
		case msg.Topic == TopicHeartbeat:
			ts.reply(conn, msg, ReplyStatusOK, nil)
		case msg.Event == EventJoin:
			select {
			case ts.joined <- msg.Topic:
			default:
			}
			if ts.silent {
				continue
			}
			var response json.RawMessage
			if ts.joinStatus != ReplyStatusOK {
				response = json.RawMessage(`{"reason":"denied"}`)
			}
			ts.reply(conn, msg, ts.joinStatus, response)
		case msg.Event == EventLeave:
			ts.reply(conn, msg, ReplyStatusOK, nil)
		}
	}
}

func (ts *testServer) reply(conn *websocket.Conn, msg Message, status string, response json.RawMessage) {
	payload, _ := json.Marshal(ReplyPayload{Status: status, Response: response})
	ts.write(conn, Message{Topic: msg.Topic, Event: EventReply, Payload: payload, Ref: msg.Ref})
}

func (ts *testServer) write(conn *websocket.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		ts.t.Errorf("marshal frame: %v", err)
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// push sends a frame to every connected client.
func (ts *testServer) push(msg Message) {
	ts.mu.Lock()
	conns := append([]*websocket.Conn(nil), ts.conns...)
	ts.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		ts.t.Errorf("marshal frame: %v", err)
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (ts *testServer) pushChange(wireTopic string, data ChangeData) {
	payload, err := json.Marshal(data)
	if err != nil {
		ts.t.Errorf("marshal change: %v", err)
		return
	}
	ts.push(Message{Topic: wireTopic, Event: EventPostgresChanges, Payload: payload})
}

// dropConns severs every connection server-side.
func (ts *testServer) dropConns() {
	ts.mu.Lock()
	conns := ts.conns
	ts.conns = nil
	ts.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func newTestClient(t *testing.T, ts *testServer, opts Options) *Client {
	t.Helper()

	c := New(ts.url(), opts)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

type statusRecord struct {
	status ports.ChannelStatus
	err    error
}

func waitRecord(t *testing.T, ch <-chan statusRecord) statusRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel status")
		return statusRecord{}
	}
}

func TestClientConnectAndClose(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Options{})

	if !c.Connected() {
		t.Error("Connected() = false after Connect")
	}

	// Connect again is a no-op
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := c.Connect(context.Background()); !errors.Is(err, domain.ErrSocketClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrSocketClosed", err)
	}
}

func TestChannelSubscribe(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Options{})

	ch := c.Channel("messages:u1")
	if got := ch.Topic(); got != "messages:u1" {
		t.Errorf("Topic() = %q, want %q", got, "messages:u1")
	}

	ch.On(ports.EventSpec{Action: events.ActionInsert, Table: "messages"}, func(events.ChangePayload) {})

	statuses := make(chan statusRecord, 4)
	err := ch.Subscribe(context.Background(), func(st ports.ChannelStatus, err error) {
		statuses <- statusRecord{status: st, err: err}
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	rec := waitRecord(t, statuses)
	if rec.status != ports.ChannelStatusSubscribed {
		t.Fatalf("status = %q, want %q", rec.status, ports.ChannelStatusSubscribed)
	}
	if rec.err != nil {
		t.Errorf("status err = %v, want nil", rec.err)
	}

	select {
	case wireTopic := <-ts.joined:
		if wireTopic != "realtime:messages:u1" {
			t.Errorf("join topic = %q, want %q", wireTopic, "realtime:messages:u1")
		}
	case <-time.After(time.Second):
		t.Error("server saw no join")
	}
}

func TestChannelSubscribeDenied(t *testing.T) {
	ts := newTestServer(t)
	ts.joinStatus = ReplyStatusError
	c := newTestClient(t, ts, Options{})

	ch := c.Channel("messages:u1")
	statuses := make(chan statusRecord, 4)
	if err := ch.Subscribe(context.Background(), func(st ports.ChannelStatus, err error) {
		statuses <- statusRecord{status: st, err: err}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	rec := waitRecord(t, statuses)
	if rec.status != ports.ChannelStatusChannelError {
		t.Fatalf("status = %q, want %q", rec.status, ports.ChannelStatusChannelError)
	}
	if rec.err == nil || !strings.Contains(rec.err.Error(), "denied") {
		t.Errorf("status err = %v, want containing %q", rec.err, "denied")
	}
}

func TestChannelJoinTimeout(t *testing.T) {
	ts := newTestServer(t)
	ts.silent = true
	c := newTestClient(t, ts, Options{JoinTimeout: 100 * time.Millisecond})

	ch := c.Channel("messages:u1")
	statuses := make(chan statusRecord, 4)
	if err := ch.Subscribe(context.Background(), func(st ports.ChannelStatus, err error) {
		statuses <- statusRecord{status: st, err: err}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	rec := waitRecord(t, statuses)
	if rec.status != ports.ChannelStatusTimedOut {
		t.Fatalf("status = %q, want %q", rec.status, ports.ChannelStatusTimedOut)
	}
	if !errors.Is(rec.err, domain.ErrJoinTimeout) {
		t.Errorf("status err = %v, want ErrJoinTimeout", rec.err)
	}
}

func TestChannelChangeDelivery(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Options{})

	ch := c.Channel("messages:u1")

	inserts := make(chan events.ChangePayload, 4)
	updates := make(chan events.ChangePayload, 4)
	ch.On(ports.EventSpec{Action: events.ActionInsert, Table: "messages"}, func(p events.ChangePayload) {
		inserts <- p
	})
	ch.On(ports.EventSpec{Action: events.ActionUpdate, Table: "messages"}, func(p events.ChangePayload) {
		updates <- p
	})

	statuses := make(chan statusRecord, 4)
	if err := ch.Subscribe(context.Background(), func(st ports.ChannelStatus, err error) {
		statuses <- statusRecord{status: st, err: err}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if rec := waitRecord(t, statuses); rec.status != ports.ChannelStatusSubscribed {
		t.Fatalf("status = %q, want %q", rec.status, ports.ChannelStatusSubscribed)
	}

	ts.pushChange("realtime:messages:u1", ChangeData{
		Type:   "INSERT",
		Schema: "public",
		Table:  "messages",
		Record: json.RawMessage(`{"id":"m1","sender_id":"u2"}`),
	})

	select {
	case got := <-inserts:
		if got.Action != events.ActionInsert {
			t.Errorf("Action = %q, want %q", got.Action, events.ActionInsert)
		}
		if got.Table != "messages" {
			t.Errorf("Table = %q, want %q", got.Table, "messages")
		}
		if !strings.Contains(string(got.Record), `"m1"`) {
			t.Errorf("Record = %s, want containing m1", got.Record)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("insert handler never fired")
	}

	select {
	case got := <-updates:
		t.Errorf("update handler fired for insert: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelUnsubscribeSilencesStatus(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Options{})

	ch := c.Channel("messages:u1")
	statuses := make(chan statusRecord, 4)
	if err := ch.Subscribe(context.Background(), func(st ports.ChannelStatus, err error) {
		statuses <- statusRecord{status: st, err: err}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if rec := waitRecord(t, statuses); rec.status != ports.ChannelStatusSubscribed {
		t.Fatalf("status = %q, want %q", rec.status, ports.ChannelStatusSubscribed)
	}

	if err := ch.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	// A late server close must not reach the old status handler
	ts.push(Message{Topic: "realtime:messages:u1", Event: EventClose, Payload: json.RawMessage(`{}`)})

	select {
	case rec := <-statuses:
		t.Errorf("status after Unsubscribe: %q", rec.status)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelSocketLost(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Options{
		ReconnectInitial: 20 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	})

	ch := c.Channel("messages:u1")
	statuses := make(chan statusRecord, 4)
	if err := ch.Subscribe(context.Background(), func(st ports.ChannelStatus, err error) {
		statuses <- statusRecord{status: st, err: err}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if rec := waitRecord(t, statuses); rec.status != ports.ChannelStatusSubscribed {
		t.Fatalf("status = %q, want %q", rec.status, ports.ChannelStatusSubscribed)
	}

	ts.dropConns()

	rec := waitRecord(t, statuses)
	if rec.status != ports.ChannelStatusChannelError {
		t.Fatalf("status = %q, want %q", rec.status, ports.ChannelStatusChannelError)
	}
	if rec.err == nil {
		t.Error("status err = nil, want socket error")
	}

	// The socket redials on its own
	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("socket never reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientDuplicateTopic(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Options{})

	first := c.Channel("messages:u1")
	statuses := make(chan statusRecord, 4)
	if err := first.Subscribe(context.Background(), func(st ports.ChannelStatus, err error) {
		statuses <- statusRecord{status: st, err: err}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if rec := waitRecord(t, statuses); rec.status != ports.ChannelStatusSubscribed {
		t.Fatalf("status = %q, want %q", rec.status, ports.ChannelStatusSubscribed)
	}

	second := c.Channel("messages:u1")
	err := second.Subscribe(context.Background(), func(ports.ChannelStatus, error) {})
	if err == nil {
		t.Fatal("Subscribe() on duplicate topic error = nil, want error")
	}
	if !strings.Contains(err.Error(), "already joined") {
		t.Errorf("error = %v, want containing %q", err, "already joined")
	}
}

func TestChannelSubscribeWhileDisconnected(t *testing.T) {
	c := New("ws://127.0.0.1:1/realtime/v1/websocket", Options{})
	t.Cleanup(func() { _ = c.Close() })

	ch := c.Channel("messages:u1")
	err := ch.Subscribe(context.Background(), func(ports.ChannelStatus, error) {})
	if !errors.Is(err, domain.ErrSocketClosed) {
		t.Errorf("Subscribe() error = %v, want ErrSocketClosed", err)
	}
}

func TestStatusHandlerPanicIsContained(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Options{})

	ch := c.Channel("messages:u1")
	fired := make(chan struct{}, 1)
	if err := ch.Subscribe(context.Background(), func(st ports.ChannelStatus, err error) {
		fired <- struct{}{}
		panic("listener bug")
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("status handler never fired")
	}

	// The read pump survives the panic: a second channel still joins
	other := c.Channel("posts:u1")
	statuses := make(chan statusRecord, 4)
	if err := other.Subscribe(context.Background(), func(st ports.ChannelStatus, err error) {
		statuses <- statusRecord{status: st, err: err}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if rec := waitRecord(t, statuses); rec.status != ports.ChannelStatusSubscribed {
		t.Fatalf("status = %q, want %q", rec.status, ports.ChannelStatusSubscribed)
	}
}
