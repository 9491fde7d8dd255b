// Package auth holds the client-side auth state: the session state machine,
// its subscribers, and the profile bookkeeping that runs on sign-in.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"chat-client/internal/backend"
	"chat-client/internal/utils"
)

var errNotSignedIn = errors.New("not signed in")

// State is the auth state machine position.
type State string

const (
	StateInitializing State = "initializing"
	StateSignedOut    State = "signed-out"
	StateSignedIn     State = "signed-in"
)

// Snapshot is one observable view of the store.
type Snapshot struct {
	State   State
	Session *backend.Session
	User    *backend.User
	Loading bool
	// Err retains the last auth failure as a user-facing message.
	Err string
}

// Store is the process-wide auth state container. All auth operations are
// serialized: at most one sign-in/sign-up/sign-out is in flight at a time,
// overlapping calls queue behind it.
type Store struct {
	client *backend.Client

	opMu sync.Mutex

	mu      sync.RWMutex
	snap    Snapshot
	subs    map[int]chan Snapshot
	nextSub int

	unsubscribe func()
}

// NewStore builds the store and resolves any persisted session, transitioning
// out of initializing before it returns.
func NewStore(ctx context.Context, client *backend.Client) *Store {
	s := &Store{
		client: client,
		snap:   Snapshot{State: StateInitializing, Loading: true},
		subs:   make(map[int]chan Snapshot),
	}
	s.unsubscribe = client.Auth().OnAuthStateChange(s.handleAuthEvent)

	session, err := client.Auth().Session(ctx)
	s.update(func(sn *Snapshot) {
		sn.Loading = false
		if err != nil {
			utils.LogError(err, "resolve persisted session")
			sn.Err = backend.FriendlyMessage(err)
		}
		if session != nil {
			sn.State = StateSignedIn
			sn.Session = session
			sn.User = session.User
		} else {
			sn.State = StateSignedOut
		}
	})
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe returns a channel receiving the current snapshot immediately and
// every change after it, plus a function releasing the subscription. Slow
// receivers only ever see the latest snapshot.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snap
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// SignIn authenticates with email and password. On failure the store stays in
// its prior state with the error retained.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.update(func(sn *Snapshot) { sn.Loading = true; sn.Err = "" })
	_, err := s.client.Auth().SignInWithPassword(ctx, email, password)
	if err != nil {
		s.fail(err)
		return err
	}
	s.update(func(sn *Snapshot) { sn.Loading = false })
	return nil
}

// SignUp registers a new account with the given name parts. Inputs are
// validated locally before the backend sees them.
func (s *Store) SignUp(ctx context.Context, email, password, firstName, lastName string) error {
	if err := utils.ValidateEmail(email); err != nil {
		return err
	}
	if err := utils.ValidatePassword(password); err != nil {
		return err
	}
	if err := utils.ValidateName(firstName); err != nil {
		return err
	}
	if err := utils.ValidateName(lastName); err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.update(func(sn *Snapshot) { sn.Loading = true; sn.Err = "" })
	session, err := s.client.Auth().SignUp(ctx, email, password, map[string]string{
		"firstName": firstName,
		"lastName":  lastName,
	})
	if err != nil {
		s.fail(err)
		return err
	}
	// When confirmation is pending there is no session yet and no SIGNED_IN
	// event, but the profile row should still exist.
	if session != nil && session.AccessToken == "" && session.User != nil {
		s.ensureProfile(ctx, session.User)
	}
	s.update(func(sn *Snapshot) { sn.Loading = false })
	return nil
}

// SignOut ends the session. On failure the session is kept.
func (s *Store) SignOut(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.update(func(sn *Snapshot) { sn.Err = "" })
	if err := s.client.Auth().SignOut(ctx); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// ResetPassword requests a password recovery email.
func (s *Store) ResetPassword(ctx context.Context, email string) error {
	if err := utils.ValidateEmail(email); err != nil {
		return err
	}
	if err := s.client.Auth().ResetPasswordForEmail(ctx, email); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// DeleteAccount removes the user's profile row and signs out. The backend
// auth principal itself cannot be removed from the client.
func (s *Store) DeleteAccount(ctx context.Context) error {
	snap := s.Snapshot()
	if snap.User == nil {
		return s.SignOut(ctx)
	}
	if err := s.client.From("profiles").Delete().Eq("id", snap.User.ID).Execute(ctx); err != nil {
		s.fail(err)
		return err
	}
	return s.SignOut(ctx)
}

// UpdateProfile applies partial updates to the signed-in user's profile row.
func (s *Store) UpdateProfile(ctx context.Context, fields map[string]any) error {
	snap := s.Snapshot()
	if snap.User == nil {
		return errNotSignedIn
	}
	if err := s.client.From("profiles").Update(fields).Eq("id", snap.User.ID).Execute(ctx); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Close releases the auth event subscription.
func (s *Store) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Store) handleAuthEvent(event backend.AuthEvent, session *backend.Session) {
	switch event {
	case backend.AuthSignedIn, backend.AuthUserUpdated:
		// The profile row must exist before subscribers see signed-in.
		if session != nil && session.User != nil {
			s.ensureProfile(context.Background(), session.User)
		}
		s.update(func(sn *Snapshot) {
			sn.State = StateSignedIn
			sn.Session = session
			if session != nil {
				sn.User = session.User
			}
		})
	case backend.AuthTokenRefreshed:
		s.update(func(sn *Snapshot) {
			sn.Session = session
			if session != nil && session.User != nil {
				sn.User = session.User
			}
		})
	case backend.AuthSignedOut:
		s.update(func(sn *Snapshot) {
			sn.State = StateSignedOut
			sn.Session = nil
			sn.User = nil
		})
	}
}

// ensureProfile upserts the user's profile row keyed by user id, so repeating
// it is safe. Failures are logged, never fatal.
func (s *Store) ensureProfile(ctx context.Context, u *backend.User) {
	first := strings.TrimSpace(metaValue(u.Metadata, "firstName", "first_name"))
	last := strings.TrimSpace(metaValue(u.Metadata, "lastName", "last_name"))
	record := map[string]any{
		"id":           u.ID,
		"email":        u.Email,
		"first_name":   nullable(first),
		"last_name":    nullable(last),
		"display_name": displayName(first, last, u.Email),
	}
	if avatar := metaValue(u.Metadata, "avatar_url"); avatar != "" {
		record["avatar_url"] = avatar
	}
	err := s.client.From("profiles").Upsert(ctx, record, "id")
	utils.LogError(err, "ensure profile")
}

// displayName prefers the name parts, then the email local part.
func displayName(first, last, email string) string {
	name := strings.TrimSpace(first + " " + last)
	if name != "" {
		return name
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return "User"
}

func metaValue(meta map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := meta[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) fail(err error) {
	s.update(func(sn *Snapshot) {
		sn.Loading = false
		sn.Err = backend.FriendlyMessage(err)
	})
}

func (s *Store) update(mutate func(*Snapshot)) {
	s.mu.Lock()
	mutate(&s.snap)
	snap := s.snap
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// replace the stale pending snapshot
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
	s.mu.Unlock()
}
