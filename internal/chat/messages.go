package chat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"chat-client/internal/backend"
	"chat-client/internal/utils"
)

// bootstrapLimit caps the initial history fetch per room.
const bootstrapLimit = 200

// MessageChannel keeps an ordered local message list for one room consistent
// with the backend: a bulk bootstrap fetch followed by a change-stream
// subscription merging insert/update/delete events as they arrive.
type MessageChannel struct {
	client   *backend.Client
	roomID   string
	channel  *backend.Channel
	onUpdate func([]Message)

	mu       sync.RWMutex
	messages []Message
}

// OpenRoom bootstraps the room's history and subscribes to its change stream.
// onUpdate, if non-nil, is called with a snapshot after every merge. The
// returned channel must be closed when the room is no longer being viewed.
func OpenRoom(ctx context.Context, client *backend.Client, roomID string, onUpdate func([]Message)) (*MessageChannel, error) {
	m := &MessageChannel{client: client, roomID: roomID, onUpdate: onUpdate}
	if err := m.bootstrap(ctx); err != nil {
		return nil, err
	}

	ch := client.Channel("realtime:room:"+roomID, backend.ChannelOpts{
		PostgresChanges: []backend.PostgresChangeFilter{{
			Event:  "*",
			Schema: "public",
			Table:  messagesTable,
			Filter: "room_id=eq." + roomID,
		}},
	})
	ch.OnPostgresChange(m.applyChange)
	if err := ch.Subscribe(ctx); err != nil {
		return nil, err
	}
	m.channel = ch
	return m, nil
}

// RoomID returns the room this channel synchronizes.
func (m *MessageChannel) RoomID() string { return m.roomID }

// Messages returns a copy of the current ordered list.
func (m *MessageChannel) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// SendText inserts a text message. Failures propagate to the caller; there is
// no automatic retry.
func (m *MessageChannel) SendText(ctx context.Context, userID, content string) error {
	return m.client.From(messagesTable).Insert(ctx, map[string]any{
		"id":      uuid.New().String(),
		"content": content,
		"type":    MessageText,
		"user_id": userID,
		"room_id": m.roomID,
	})
}

// SendImage inserts an image message referencing an already-uploaded URL.
func (m *MessageChannel) SendImage(ctx context.Context, userID, imageURL string) error {
	return m.client.From(messagesTable).Insert(ctx, map[string]any{
		"id":        uuid.New().String(),
		"content":   "",
		"type":      MessageImage,
		"image_url": imageURL,
		"user_id":   userID,
		"room_id":   m.roomID,
	})
}

// Close tears down the change-stream subscription. Required when the viewed
// room changes, so a stale stream never feeds a list no longer displayed.
func (m *MessageChannel) Close() error {
	if m.channel == nil {
		return nil
	}
	return m.channel.Close()
}

func (m *MessageChannel) bootstrap(ctx context.Context) error {
	var history []Message
	err := m.client.From(messagesTable).
		Select("*").
		Eq("room_id", m.roomID).
		Order("created_at", true).
		Limit(bootstrapLimit).
		Execute(ctx, &history)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.messages = history
	m.mu.Unlock()
	return nil
}

func (m *MessageChannel) applyChange(ev backend.ChangeEvent) {
	m.mu.Lock()
	switch ev.Type {
	case "INSERT":
		var msg Message
		if err := json.Unmarshal(ev.New, &msg); err != nil {
			utils.LogError(err, "decode inserted message")
			break
		}
		m.messages = mergeInsert(m.messages, msg)
	case "UPDATE":
		var msg Message
		if err := json.Unmarshal(ev.New, &msg); err != nil {
			utils.LogError(err, "decode updated message")
			break
		}
		m.messages = mergeUpdate(m.messages, msg)
	case "DELETE":
		var old Message
		if err := json.Unmarshal(ev.Old, &old); err != nil {
			utils.LogError(err, "decode deleted message")
			break
		}
		m.messages = mergeDelete(m.messages, old.ID)
	}
	snapshot := make([]Message, len(m.messages))
	copy(snapshot, m.messages)
	m.mu.Unlock()

	if m.onUpdate != nil {
		m.onUpdate(snapshot)
	}
}

// mergeInsert places msg at its chronological position. The stream usually
// delivers in order, making this a tail append, but a late-arriving insert
// still lands in the right place. An id already present replaces the existing
// entry so the list never holds duplicates; when the replacement carries a
// different timestamp (a server-assigned created_at on the echo), the entry
// moves to its new position.
func mergeInsert(list []Message, msg Message) []Message {
	for i := range list {
		if list[i].ID == msg.ID {
			if list[i].CreatedAt.Equal(msg.CreatedAt) {
				list[i] = msg
				return list
			}
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	at := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(msg.CreatedAt)
	})
	list = append(list, Message{})
	copy(list[at+1:], list[at:])
	list[at] = msg
	return list
}

// mergeUpdate replaces the entry matching msg's id; no-op when absent.
func mergeUpdate(list []Message, msg Message) []Message {
	for i := range list {
		if list[i].ID == msg.ID {
			list[i] = msg
			break
		}
	}
	return list
}

// mergeDelete removes the entry with the given id; no-op when absent.
func mergeDelete(list []Message, id string) []Message {
	for i := range list {
		if list[i].ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
