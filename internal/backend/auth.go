package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chat-client/internal/utils"
)

// AuthEvent identifies a change in the auth state pushed to subscribers.
type AuthEvent string

const (
	AuthSignedIn       AuthEvent = "SIGNED_IN"
	AuthSignedOut      AuthEvent = "SIGNED_OUT"
	AuthTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	AuthUserUpdated    AuthEvent = "USER_UPDATED"
)

const (
	persistedSessionKey = "auth.session"
	refreshLeeway       = 30 * time.Second
)

// User is the authenticated principal as reported by the auth endpoint.
type User struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"user_metadata,omitempty"`
}

// Session is the token set identifying an authenticated principal.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// Expired reports whether the access token is past its expiry.
func (s *Session) Expired() bool {
	return s.ExpiresAt != 0 && time.Now().Unix() >= s.ExpiresAt
}

// AuthService talks to the backend's auth endpoints and owns the single
// active session per client process.
type AuthService struct {
	c *Client

	mu        sync.RWMutex
	session   *Session
	listeners map[int]func(AuthEvent, *Session)
	nextID    int
	refresh   *time.Timer
}

func newAuthService(c *Client) *AuthService {
	return &AuthService{c: c, listeners: make(map[int]func(AuthEvent, *Session))}
}

// Session returns the current session, refreshing it first if the access
// token has expired. A nil session with nil error means signed out.
func (a *AuthService) Session(ctx context.Context) (*Session, error) {
	a.mu.RLock()
	s := a.session
	a.mu.RUnlock()
	if s == nil {
		return nil, nil
	}
	if s.Expired() {
		return a.RefreshSession(ctx)
	}
	cp := *s
	return &cp, nil
}

// AccessToken returns the current access token, or "" when signed out.
func (a *AuthService) AccessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return ""
	}
	return a.session.AccessToken
}

// SignInWithPassword exchanges credentials for a session.
func (a *AuthService) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	err := a.post(ctx, "/auth/v1/token?grant_type=password", map[string]string{
		"email":    email,
		"password": password,
	}, &s)
	if err != nil {
		return nil, err
	}
	a.normalize(&s)
	a.setSession(&s, AuthSignedIn)
	return &s, nil
}

// SignUp registers a new account. When the backend confirms accounts
// automatically the response carries a session and the caller is signed in;
// otherwise only the created user is returned.
func (a *AuthService) SignUp(ctx context.Context, email, password string, metadata map[string]string) (*Session, error) {
	body := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		body["data"] = metadata
	}
	raw, err := a.postRaw(ctx, "/auth/v1/signup", body)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode signup response: %w", err)
	}
	if s.AccessToken == "" {
		// Confirmation required: the body is the bare user record.
		var u User
		if err := json.Unmarshal(raw, &u); err == nil && u.ID != "" {
			s.User = &u
		}
		return &s, nil
	}
	a.normalize(&s)
	a.setSession(&s, AuthSignedIn)
	return &s, nil
}

// SignOut revokes the session server-side and clears the persisted one.
// On failure the local session is left untouched.
func (a *AuthService) SignOut(ctx context.Context) error {
	a.mu.RLock()
	signedIn := a.session != nil
	a.mu.RUnlock()
	if !signedIn {
		return nil
	}
	if err := a.post(ctx, "/auth/v1/logout", nil, nil); err != nil {
		return err
	}
	a.clearSession()
	a.emit(AuthSignedOut, nil)
	return nil
}

// ResetPasswordForEmail asks the backend to send a password recovery email.
func (a *AuthService) ResetPasswordForEmail(ctx context.Context, email string) error {
	return a.post(ctx, "/auth/v1/recover", map[string]string{"email": email}, nil)
}

// RefreshSession trades the refresh token for a new token pair.
func (a *AuthService) RefreshSession(ctx context.Context) (*Session, error) {
	a.mu.RLock()
	var refreshToken string
	if a.session != nil {
		refreshToken = a.session.RefreshToken
	}
	a.mu.RUnlock()
	if refreshToken == "" {
		return nil, errors.New("no refresh token held")
	}
	var s Session
	err := a.post(ctx, "/auth/v1/token?grant_type=refresh_token", map[string]string{
		"refresh_token": refreshToken,
	}, &s)
	if err != nil {
		// A definitive rejection means the session is invalid server-side:
		// drop it and tell subscribers. Transport errors keep the session
		// for the next attempt.
		var apiErr *Error
		if errors.As(err, &apiErr) && rejectsSession(apiErr.Status) {
			a.clearSession()
			a.emit(AuthSignedOut, nil)
		}
		return nil, err
	}
	a.normalize(&s)
	a.setSession(&s, AuthTokenRefreshed)
	return &s, nil
}

// rejectsSession reports whether a refresh-grant failure status means the
// refresh token itself is no longer valid.
func rejectsSession(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// OnAuthStateChange registers fn for session lifecycle events. The returned
// function unsubscribes it.
func (a *AuthService) OnAuthStateChange(fn func(AuthEvent, *Session)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// loadPersisted restores a prior session from the local store without any
// network I/O. An expired session is kept: the next Session call refreshes it.
func (a *AuthService) loadPersisted() {
	raw, ok, err := a.c.sessions.Get(persistedSessionKey)
	if err != nil || !ok {
		utils.LogError(err, "load persisted session")
		return
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		utils.LogError(err, "decode persisted session")
		_ = a.c.sessions.Delete(persistedSessionKey)
		return
	}
	a.normalize(&s)
	a.mu.Lock()
	a.session = &s
	a.scheduleRefreshLocked(&s)
	a.mu.Unlock()
}

// normalize fills expiry and user identity from the access token claims when
// the response body omitted them.
func (a *AuthService) normalize(s *Session) {
	sub, email, exp := claimsFromToken(s.AccessToken)
	if s.ExpiresAt == 0 {
		if s.ExpiresIn > 0 {
			s.ExpiresAt = time.Now().Unix() + s.ExpiresIn
		} else {
			s.ExpiresAt = exp
		}
	}
	if s.User == nil && sub != "" {
		s.User = &User{ID: sub, Email: email}
	}
}

func (a *AuthService) setSession(s *Session, event AuthEvent) {
	a.mu.Lock()
	a.session = s
	if raw, err := json.Marshal(s); err == nil {
		utils.LogError(a.c.sessions.Set(persistedSessionKey, string(raw)), "persist session")
	}
	a.scheduleRefreshLocked(s)
	a.mu.Unlock()
	a.emit(event, s)
}

func (a *AuthService) clearSession() {
	a.mu.Lock()
	a.session = nil
	utils.LogError(a.c.sessions.Delete(persistedSessionKey), "clear persisted session")
	if a.refresh != nil {
		a.refresh.Stop()
		a.refresh = nil
	}
	a.mu.Unlock()
}

// scheduleRefreshLocked arms the auto-refresh timer a little before expiry.
// Caller holds mu.
func (a *AuthService) scheduleRefreshLocked(s *Session) {
	if a.refresh != nil {
		a.refresh.Stop()
		a.refresh = nil
	}
	if s.RefreshToken == "" || s.ExpiresAt == 0 {
		return
	}
	d := time.Until(time.Unix(s.ExpiresAt, 0)) - refreshLeeway
	if d < time.Second {
		d = time.Second
	}
	a.refresh = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := a.RefreshSession(ctx); err != nil {
			utils.LogError(err, "auto refresh session")
		}
	})
}

func (a *AuthService) stopRefresh() {
	a.mu.Lock()
	if a.refresh != nil {
		a.refresh.Stop()
		a.refresh = nil
	}
	a.mu.Unlock()
}

func (a *AuthService) emit(event AuthEvent, s *Session) {
	a.mu.RLock()
	fns := make([]func(AuthEvent, *Session), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.RUnlock()
	for _, fn := range fns {
		fn(event, s)
	}
}

func (a *AuthService) post(ctx context.Context, path string, body, dest any) error {
	raw, err := a.postRaw(ctx, path, body)
	if err != nil {
		return err
	}
	if dest != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, dest); err != nil {
			return fmt.Errorf("decode auth response: %w", err)
		}
	}
	return nil
}

func (a *AuthService) postRaw(ctx context.Context, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.c.cfg.URL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.c.authorize(req)

	resp, err := a.c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, parseAPIError(resp.StatusCode, raw)
	}
	return raw, nil
}

// claimsFromToken decodes the JWT payload without verifying the signature.
// The client holds no signing secret; the server is the authority on validity.
func claimsFromToken(token string) (sub, email string, exp int64) {
	if token == "" {
		return "", "", 0
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", "", 0
	}
	if v, ok := claims["sub"].(string); ok {
		sub = v
	}
	if v, ok := claims["email"].(string); ok {
		email = v
	}
	if v, ok := claims["exp"].(float64); ok {
		exp = int64(v)
	}
	return sub, email, exp
}
