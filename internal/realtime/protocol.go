package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

// Wire events, Phoenix-shaped. The backend multiplexes every channel over
// one socket; frames carry the topic they belong to.
const (
	EventJoin            = "phx_join"
	EventLeave           = "phx_leave"
	EventReply           = "phx_reply"
	EventError           = "phx_error"
	EventClose           = "phx_close"
	EventHeartbeat       = "heartbeat"
	EventPostgresChanges = "postgres_changes"
)

// TopicHeartbeat is the reserved topic heartbeat frames travel on.
const TopicHeartbeat = "phoenix"

// TopicPrefix namespaces subscription topics on the wire.
const TopicPrefix = "realtime:"

// Message is a single wire frame.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// PostgresChange is one change binding requested at join time.
type PostgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// JoinConfig carries the channel's bindings.
type JoinConfig struct {
	PostgresChanges []PostgresChange `json:"postgres_changes"`
}

// JoinPayload is the phx_join payload.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// ReplyPayload is the phx_reply payload.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ReplyStatus values.
const (
	ReplyStatusOK    = "ok"
	ReplyStatusError = "error"
)

// ChangeData is the postgres_changes payload.
type ChangeData struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

// ToChangePayload converts wire change data to the domain event payload.
func (d *ChangeData) ToChangePayload() events.ChangePayload {
	payload := events.ChangePayload{
		Table:     d.Table,
		Schema:    d.Schema,
		Action:    events.Action(strings.ToUpper(d.Type)),
		Record:    d.Record,
		OldRecord: d.OldRecord,
	}
	if d.CommitTimestamp != "" {
		if ts, err := time.Parse(time.RFC3339, d.CommitTimestamp); err == nil {
			payload.CommitTime = ts
		}
	}
	return payload
}

// BindingToChange converts a subscription binding to its wire form.
func BindingToChange(spec ports.EventSpec) PostgresChange {
	change := PostgresChange{
		Event:  string(spec.Action),
		Schema: spec.Schema,
		Table:  spec.Table,
		Filter: spec.Filter,
	}
	if change.Event == "" {
		change.Event = string(events.ActionAll)
	}
	if change.Schema == "" {
		change.Schema = "public"
	}
	return change
}

// encodeMessage marshals a frame with its payload.
func encodeMessage(topic, event, ref string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Message{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     ref,
	})
}

// DialURL derives the realtime websocket URL from the backend base URL.
func DialURL(backendURL, apikey string) (string, error) {
	parsed, err := url.Parse(backendURL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "https", "wss":
		parsed.Scheme = "wss"
	case "http", "ws":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported backend url scheme: %s", parsed.Scheme)
	}

	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/realtime/v1/websocket"

	q := parsed.Query()
	q.Set("apikey", apikey)
	q.Set("vsn", "1.0.0")
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}
