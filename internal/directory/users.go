// Package directory lists addressable users and overlays live online status
// from the presence channel.
package directory

import (
	"context"
	"strings"
	"sync"

	"chat-client/internal/backend"
	"chat-client/internal/utils"
)

const (
	presenceTopic = "realtime:presence:online-users"
	anonymousKey  = "anonymous"

	profilesPage = 200
	messagesPage = 1000
)

// UserSummary is one directory entry.
type UserSummary struct {
	ID        string
	Title     string
	Thumbnail *string
	Online    bool
}

// Users is the user directory. Listing is two-phase: the profiles table when
// available, otherwise sender ids derived from message history. Online status
// comes from a presence channel and is replaced wholesale on every sync.
type Users struct {
	client *backend.Client

	mu       sync.RWMutex
	users    []UserSummary
	online   map[string]struct{}
	lastErr  string
	presence *backend.Channel
}

// NewUsers builds a directory over the given client handle.
func NewUsers(client *backend.Client) *Users {
	return &Users{client: client, online: make(map[string]struct{})}
}

// Refresh reloads the directory. On failure the last-good list is kept and
// the error retained.
func (u *Users) Refresh(ctx context.Context) error {
	users, err := u.fetchUsers(ctx)
	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil {
		utils.LogError(err, "fetch users")
		u.lastErr = backend.FriendlyMessage(err)
		return err
	}
	u.users = users
	u.lastErr = ""
	return nil
}

func (u *Users) fetchUsers(ctx context.Context) ([]UserSummary, error) {
	var profiles []struct {
		ID        string  `json:"id"`
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
		AvatarURL *string `json:"avatar_url"`
	}
	err := u.client.From("profiles").
		Select("id,first_name,last_name,avatar_url").
		Limit(profilesPage).
		Execute(ctx, &profiles)
	if err == nil {
		users := make([]UserSummary, 0, len(profiles))
		for _, p := range profiles {
			users = append(users, UserSummary{
				ID:        p.ID,
				Title:     profileTitle(p.FirstName, p.LastName),
				Thumbnail: p.AvatarURL,
			})
		}
		return users, nil
	}
	utils.LogError(err, "fetch profiles, falling back to message senders")

	// Fallback: users who have posted.
	var rows []struct {
		UserID string `json:"user_id"`
	}
	err = u.client.From("messages").
		Select("user_id").
		Order("user_id", true).
		Limit(messagesPage).
		Execute(ctx, &rows)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rows))
	var users []UserSummary
	for _, row := range rows {
		if row.UserID == "" {
			continue
		}
		if _, ok := seen[row.UserID]; ok {
			continue
		}
		seen[row.UserID] = struct{}{}
		users = append(users, UserSummary{ID: row.UserID, Title: shortName(row.UserID)})
	}
	return users, nil
}

// StartPresence opens the presence channel keyed by the signed-in user (or an
// anonymous key), announces this client once, and keeps the online set in
// sync. Close releases the channel.
func (u *Users) StartPresence(ctx context.Context) error {
	key := anonymousKey
	if session, err := u.client.Auth().Session(ctx); err == nil && session != nil && session.User != nil {
		key = session.User.ID
	}

	ch := u.client.Channel(presenceTopic, backend.ChannelOpts{PresenceKey: key})
	ch.OnPresenceSync(func(state backend.PresenceState) {
		online := make(map[string]struct{}, len(state))
		for id := range state {
			online[id] = struct{}{}
		}
		u.mu.Lock()
		// full replace: entries missing from this sync are gone
		u.online = online
		u.mu.Unlock()
	})
	if err := ch.Subscribe(ctx); err != nil {
		return err
	}
	if err := ch.Track(map[string]bool{"online": true}); err != nil {
		utils.LogError(err, "track presence")
	}

	u.mu.Lock()
	u.presence = ch
	u.mu.Unlock()
	return nil
}

// List returns the directory with the online overlay merged in by id.
func (u *Users) List() []UserSummary {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]UserSummary, len(u.users))
	for i, user := range u.users {
		_, online := u.online[user.ID]
		user.Online = online
		out[i] = user
	}
	return out
}

// LastError returns the retained message of the most recent fetch failure.
func (u *Users) LastError() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastErr
}

// Close releases the presence channel.
func (u *Users) Close() error {
	u.mu.Lock()
	ch := u.presence
	u.presence = nil
	u.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

func profileTitle(first, last *string) string {
	var parts []string
	if first != nil && strings.TrimSpace(*first) != "" {
		parts = append(parts, strings.TrimSpace(*first))
	}
	if last != nil && strings.TrimSpace(*last) != "" {
		parts = append(parts, strings.TrimSpace(*last))
	}
	if len(parts) == 0 {
		return "User"
	}
	return strings.Join(parts, " ")
}

func shortName(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "User " + id
}
