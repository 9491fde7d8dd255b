package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-client/internal/utils"
)

const heartbeatInterval = 25 * time.Second

// PostgresChangeFilter scopes a change-stream subscription to a table subset.
type PostgresChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// ChangeEvent is one row-level notification from a change stream.
type ChangeEvent struct {
	Type string // INSERT, UPDATE or DELETE
	New  json.RawMessage
	Old  json.RawMessage
}

// PresenceState is the full channel membership, keyed by presence key.
type PresenceState map[string][]json.RawMessage

// ChannelOpts configures a realtime channel before subscribing.
type ChannelOpts struct {
	// PresenceKey identifies this client in the channel's presence state.
	PresenceKey string
	// PostgresChanges lists the change streams the channel should deliver.
	PostgresChanges []PostgresChangeFilter
}

// Channel is one realtime subscription: a websocket scoped to a single topic,
// delivering change-stream and presence events until closed. Callbacks must be
// registered before Subscribe and are invoked from the read goroutine.
type Channel struct {
	c     *Client
	topic string
	opts  ChannelOpts

	onChange   func(ChangeEvent)
	onPresence func(PresenceState)

	writeMu sync.Mutex
	conn    *websocket.Conn

	joinRef  string
	joined   chan error
	joinOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

// Channel creates an unsubscribed channel for topic.
func (c *Client) Channel(topic string, opts ChannelOpts) *Channel {
	return &Channel{
		c:      c,
		topic:  topic,
		opts:   opts,
		joined: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// OnPostgresChange registers the change-stream callback.
func (ch *Channel) OnPostgresChange(fn func(ChangeEvent)) { ch.onChange = fn }

// OnPresenceSync registers the callback invoked with the full membership each
// time the server pushes presence state. Incremental join/leave diffs are not
// delivered; every sync replaces the previous view wholesale.
func (ch *Channel) OnPresenceSync(fn func(PresenceState)) { ch.onPresence = fn }

type realtimeMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type joinPayload struct {
	Config      joinChannelConfig `json:"config"`
	AccessToken string            `json:"access_token,omitempty"`
}

type joinChannelConfig struct {
	Broadcast       joinBroadcast          `json:"broadcast"`
	Presence        joinPresence           `json:"presence"`
	PostgresChanges []PostgresChangeFilter `json:"postgres_changes,omitempty"`
}

type joinBroadcast struct {
	Self bool `json:"self"`
}

type joinPresence struct {
	Key string `json:"key"`
}

// Subscribe dials the realtime endpoint, joins the topic and starts the read
// and heartbeat loops. It returns once the server confirms the join, so the
// caller may Track immediately after.
func (ch *Channel) Subscribe(ctx context.Context) error {
	endpoint := ch.c.realtimeURL()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	ch.conn = conn

	go ch.readLoop()
	go ch.heartbeatLoop()

	payload := joinPayload{AccessToken: ch.c.auth.AccessToken()}
	payload.Config.Presence.Key = ch.opts.PresenceKey
	payload.Config.PostgresChanges = ch.opts.PostgresChanges
	raw, err := json.Marshal(payload)
	if err != nil {
		ch.Close()
		return err
	}
	ch.joinRef = uuid.New().String()
	if err := ch.write(realtimeMessage{Topic: ch.topic, Event: "phx_join", Payload: raw, Ref: ch.joinRef}); err != nil {
		ch.Close()
		return fmt.Errorf("join %s: %w", ch.topic, err)
	}

	select {
	case err := <-ch.joined:
		if err != nil {
			ch.Close()
		}
		return err
	case <-ctx.Done():
		ch.Close()
		return ctx.Err()
	case <-ch.closed:
		return errors.New("channel closed before join completed")
	}
}

// Track announces this client's presence payload to the channel.
func (ch *Channel) Track(payload any) error {
	inner, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]json.RawMessage{
		"type":    json.RawMessage(`"presence"`),
		"event":   json.RawMessage(`"track"`),
		"payload": inner,
	})
	if err != nil {
		return err
	}
	return ch.write(realtimeMessage{Topic: ch.topic, Event: "presence", Payload: body, Ref: uuid.New().String()})
}

// Close leaves the topic and releases the connection. Safe to call more than
// once; delivery stops as soon as it returns.
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		close(ch.closed)
		if ch.conn != nil {
			_ = ch.write(realtimeMessage{Topic: ch.topic, Event: "phx_leave", Payload: json.RawMessage(`{}`), Ref: uuid.New().String()})
			err = ch.conn.Close()
		}
	})
	return err
}

func (ch *Channel) write(msg realtimeMessage) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	// gorilla conns do not allow concurrent writers
	return ch.conn.WriteJSON(msg)
}

func (ch *Channel) readLoop() {
	for {
		var msg realtimeMessage
		if err := ch.conn.ReadJSON(&msg); err != nil {
			select {
			case <-ch.closed:
			default:
				utils.LogError(err, "realtime read "+ch.topic)
				ch.signalJoin(fmt.Errorf("realtime connection lost: %w", err))
			}
			return
		}
		ch.dispatch(msg)
	}
}

func (ch *Channel) dispatch(msg realtimeMessage) {
	switch msg.Event {
	case "phx_reply":
		if msg.Ref != ch.joinRef {
			return
		}
		var reply struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(msg.Payload, &reply)
		if reply.Status == "ok" {
			ch.signalJoin(nil)
		} else {
			ch.signalJoin(fmt.Errorf("join %s rejected: %s", ch.topic, reply.Status))
		}
	case "postgres_changes":
		if ch.onChange == nil {
			return
		}
		var body struct {
			Data struct {
				Type      string          `json:"type"`
				Record    json.RawMessage `json:"record"`
				OldRecord json.RawMessage `json:"old_record"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			utils.LogError(err, "decode change event")
			return
		}
		ch.onChange(ChangeEvent{Type: body.Data.Type, New: body.Data.Record, Old: body.Data.OldRecord})
	case "presence_state":
		if ch.onPresence == nil {
			return
		}
		var state map[string]struct {
			Metas []json.RawMessage `json:"metas"`
		}
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			utils.LogError(err, "decode presence state")
			return
		}
		full := make(PresenceState, len(state))
		for key, entry := range state {
			full[key] = entry.Metas
		}
		ch.onPresence(full)
	case "presence_diff":
		// full-replace semantics only; diffs are ignored
	case "phx_error", "phx_close":
		utils.LogError(fmt.Errorf("server event %s", msg.Event), "realtime "+ch.topic)
	}
}

func (ch *Channel) signalJoin(err error) {
	ch.joinOnce.Do(func() { ch.joined <- err })
}

func (ch *Channel) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ch.closed:
			return
		case <-ticker.C:
			msg := realtimeMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: uuid.New().String()}
			if err := ch.write(msg); err != nil {
				utils.LogError(err, "realtime heartbeat")
				return
			}
		}
	}
}

// realtimeURL derives the websocket endpoint from the configured base URL.
func (c *Client) realtimeURL() string {
	base := strings.Replace(c.cfg.URL, "http", "ws", 1)
	return base + "/realtime/v1/websocket?apikey=" + url.QueryEscape(c.cfg.AnonKey) + "&vsn=1.0.0"
}
