package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"chat-client/internal/backend"
	"chat-client/internal/utils"
)

const (
	// DefaultRoomID is synthesized when no messages exist at all, so the
	// directory is never empty.
	DefaultRoomID = "public"

	messagesTable = "messages"

	defaultRoomsWindow    = 500
	defaultActivityWindow = 1000
)

// Directory derives the list of known rooms from message history and
// classifies them into activity tiers. On fetch failure it keeps its
// last-good list and retains the error, rather than clearing the view.
type Directory struct {
	client *backend.Client

	mu       sync.Mutex
	rooms    []Room
	activity []RoomActivity
	lastErr  string
}

// NewDirectory builds a directory over the given client handle.
func NewDirectory(client *backend.Client) *Directory {
	return &Directory{client: client}
}

// ListRooms returns the known rooms: the distinct room ids observed in a
// bounded page of message history, with synthetic titles.
func (d *Directory) ListRooms(ctx context.Context) ([]Room, error) {
	var rows []struct {
		RoomID string `json:"room_id"`
	}
	err := d.client.From(messagesTable).
		Select("room_id").
		Order("room_id", true).
		Limit(defaultRoomsWindow).
		Execute(ctx, &rows)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		utils.LogError(err, "fetch rooms")
		d.lastErr = backend.FriendlyMessage(err)
		return d.rooms, err
	}

	seen := make(map[string]struct{}, len(rows))
	var rooms []Room
	for _, row := range rows {
		if row.RoomID == "" {
			continue
		}
		if _, ok := seen[row.RoomID]; ok {
			continue
		}
		seen[row.RoomID] = struct{}{}
		rooms = append(rooms, syntheticRoom(row.RoomID))
	}
	if len(rooms) == 0 {
		rooms = []Room{syntheticRoom(DefaultRoomID)}
	}

	d.rooms = rooms
	d.lastErr = ""
	return rooms, nil
}

// ListRoomsWithActivity fetches up to window recent message headers, newest
// first, and aggregates them into per-room counts and tiers. Deterministic
// for a fixed input window. window <= 0 uses the default.
func (d *Directory) ListRoomsWithActivity(ctx context.Context, window int) ([]RoomActivity, error) {
	if window <= 0 {
		window = defaultActivityWindow
	}
	var rows []struct {
		RoomID    string    `json:"room_id"`
		CreatedAt time.Time `json:"created_at"`
	}
	err := d.client.From(messagesTable).
		Select("room_id,created_at").
		Order("created_at", false).
		Limit(window).
		Execute(ctx, &rows)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		utils.LogError(err, "fetch room activity")
		d.lastErr = backend.FriendlyMessage(err)
		return d.activity, err
	}

	counts := make(map[string]int)
	latest := make(map[string]time.Time)
	for _, row := range rows {
		if row.RoomID == "" {
			continue
		}
		counts[row.RoomID]++
		if row.CreatedAt.After(latest[row.RoomID]) {
			latest[row.RoomID] = row.CreatedAt
		}
	}

	list := make([]RoomActivity, 0, len(counts))
	for id, count := range counts {
		last := latest[id]
		list = append(list, RoomActivity{
			Room:         syntheticRoom(id),
			MessageCount: count,
			LastActive:   &last,
			Level:        LevelForCount(count),
		})
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.LastActive.Equal(*b.LastActive) {
			return a.LastActive.After(*b.LastActive)
		}
		return a.ID < b.ID
	})

	if len(list) == 0 {
		list = []RoomActivity{{
			Room:  syntheticRoom(DefaultRoomID),
			Level: ActivityLow,
		}}
	}

	d.activity = list
	d.lastErr = ""
	return list, nil
}

// LastError returns the retained message of the most recent fetch failure,
// or "" after a successful fetch.
func (d *Directory) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func syntheticRoom(id string) Room {
	return Room{ID: id, Title: strings.ToUpper(id)}
}
