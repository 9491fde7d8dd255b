package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/config"
)

func grantResponse(token string) string {
	return fmt.Sprintf(`{"access_token":%q,"token_type":"bearer","expires_in":3600,"refresh_token":"refresh-1"}`, token)
}

// grantResponseNoExpiry omits expires_in so the session expiry comes from the
// token's exp claim.
func grantResponseNoExpiry(token string) string {
	return fmt.Sprintf(`{"access_token":%q,"token_type":"bearer","refresh_token":"refresh-1"}`, token)
}

func TestSignInWithPassword(t *testing.T) {
	token := testToken(t, "user-1", "a@example.test", time.Now().Add(time.Hour))
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/v1/token", r.URL.Path)
		require.Equal(t, "password", r.URL.Query().Get("grant_type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, grantResponse(token))
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	var events []AuthEvent
	c.Auth().OnAuthStateChange(func(ev AuthEvent, _ *Session) { events = append(events, ev) })

	session, err := c.Auth().SignInWithPassword(context.Background(), "a@example.test", "pw")
	require.NoError(t, err)
	assert.Equal(t, "pw", gotBody["password"])

	// identity comes from the token claims when the body omits the user
	require.NotNil(t, session.User)
	assert.Equal(t, "user-1", session.User.ID)
	assert.Equal(t, "a@example.test", session.User.Email)
	assert.False(t, session.Expired())
	assert.Equal(t, []AuthEvent{AuthSignedIn}, events)
	assert.Equal(t, token, c.Auth().AccessToken())
}

func TestSignInBadCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`)
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	_, err := c.Auth().SignInWithPassword(context.Background(), "a@example.test", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid login credentials")

	session, err := c.Auth().Session(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestSignedInBearerUsedForRows(t *testing.T) {
	token := testToken(t, "user-1", "a@example.test", time.Now().Add(time.Hour))
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			fmt.Fprint(w, grantResponse(token))
		case "/rest/v1/messages":
			gotAuth = r.Header.Get("Authorization")
			fmt.Fprint(w, `[]`)
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	_, err := c.Auth().SignInWithPassword(context.Background(), "a@example.test", "pw")
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, c.From("messages").Select("*").Execute(context.Background(), &rows))
	assert.Equal(t, "Bearer "+token, gotAuth)
}

func TestSessionResumesAcrossRestart(t *testing.T) {
	token := testToken(t, "user-1", "a@example.test", time.Now().Add(time.Hour))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, grantResponse(token))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.SessionDBPath = filepath.Join(t.TempDir(), "sessions.db")

	first, err := New(cfg)
	require.NoError(t, err)
	_, err = first.Auth().SignInWithPassword(context.Background(), "a@example.test", "pw")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// a new process resumes the prior session without re-authenticating
	second, err := New(cfg)
	require.NoError(t, err)
	defer second.Close()
	session, err := second.Auth().Session(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "user-1", session.User.ID)
	assert.Equal(t, token, session.AccessToken)
}

func TestExpiredPersistedSessionRefreshes(t *testing.T) {
	oldToken := testToken(t, "user-1", "a@example.test", time.Now().Add(-time.Hour))
	newToken := testToken(t, "user-1", "a@example.test", time.Now().Add(time.Hour))

	var refreshed atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/v1/token", r.URL.Path)
		grant := r.URL.Query().Get("grant_type")
		if grant == "refresh_token" {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "refresh-1", body["refresh_token"])
			refreshed.Store(true)
			fmt.Fprint(w, grantResponse(newToken))
			return
		}
		fmt.Fprint(w, grantResponseNoExpiry(oldToken))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.SessionDBPath = filepath.Join(t.TempDir(), "sessions.db")

	first, err := New(cfg)
	require.NoError(t, err)
	_, err = first.Auth().SignInWithPassword(context.Background(), "a@example.test", "pw")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(cfg)
	require.NoError(t, err)
	defer second.Close()
	session, err := second.Auth().Session(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.True(t, refreshed.Load())
	assert.Equal(t, newToken, session.AccessToken)
}

func TestRejectedRefreshSignsOut(t *testing.T) {
	oldToken := testToken(t, "user-1", "a@example.test", time.Now().Add(-time.Hour))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/v1/token", r.URL.Path)
		if r.URL.Query().Get("grant_type") == "refresh_token" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Refresh token revoked"}`)
			return
		}
		fmt.Fprint(w, grantResponseNoExpiry(oldToken))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.SessionDBPath = filepath.Join(t.TempDir(), "sessions.db")
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	var events []AuthEvent
	c.Auth().OnAuthStateChange(func(ev AuthEvent, _ *Session) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	_, err = c.Auth().SignInWithPassword(context.Background(), "a@example.test", "pw")
	require.NoError(t, err)

	// the expired session forces a refresh, which the server rejects for good
	_, err = c.Auth().Session(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Refresh token revoked")

	// the session is gone, not served stale
	assert.Empty(t, c.Auth().AccessToken())
	mu.Lock()
	assert.Equal(t, []AuthEvent{AuthSignedIn, AuthSignedOut}, events)
	mu.Unlock()

	// the persisted copy is gone too
	store, err := OpenSessionStore(cfg.SessionDBPath)
	require.NoError(t, err)
	defer store.Close()
	_, ok, err := store.Get("auth.session")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransportFailureKeepsSessionForRetry(t *testing.T) {
	oldToken := testToken(t, "user-1", "a@example.test", time.Now().Add(-time.Hour))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") == "refresh_token" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"message":"temporarily unavailable"}`)
			return
		}
		fmt.Fprint(w, grantResponseNoExpiry(oldToken))
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	var mu sync.Mutex
	var events []AuthEvent
	c.Auth().OnAuthStateChange(func(ev AuthEvent, _ *Session) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	_, err := c.Auth().SignInWithPassword(context.Background(), "a@example.test", "pw")
	require.NoError(t, err)

	_, err = c.Auth().Session(context.Background())
	require.Error(t, err)

	// a 5xx is not a verdict on the session: keep it for the next attempt
	assert.Equal(t, oldToken, c.Auth().AccessToken())
	mu.Lock()
	assert.Equal(t, []AuthEvent{AuthSignedIn}, events)
	mu.Unlock()
}

func TestSignOutClearsSession(t *testing.T) {
	token := testToken(t, "user-1", "a@example.test", time.Now().Add(time.Hour))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			fmt.Fprint(w, grantResponse(token))
		case "/auth/v1/logout":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.SessionDBPath = filepath.Join(t.TempDir(), "sessions.db")
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	var events []AuthEvent
	c.Auth().OnAuthStateChange(func(ev AuthEvent, _ *Session) { events = append(events, ev) })

	_, err = c.Auth().SignInWithPassword(context.Background(), "a@example.test", "pw")
	require.NoError(t, err)
	require.NoError(t, c.Auth().SignOut(context.Background()))

	session, err := c.Auth().Session(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.Equal(t, []AuthEvent{AuthSignedIn, AuthSignedOut}, events)

	// the persisted copy is gone too
	store, err := OpenSessionStore(cfg.SessionDBPath)
	require.NoError(t, err)
	defer store.Close()
	_, ok, err := store.Get("auth.session")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignOutFailureKeepsSession(t *testing.T) {
	token := testToken(t, "user-1", "a@example.test", time.Now().Add(time.Hour))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			fmt.Fprint(w, grantResponse(token))
		case "/auth/v1/logout":
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"message":"server exploded"}`)
		}
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	_, err := c.Auth().SignInWithPassword(context.Background(), "a@example.test", "pw")
	require.NoError(t, err)

	require.Error(t, c.Auth().SignOut(context.Background()))
	session, err := c.Auth().Session(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, session)
}

func TestSignUpSignsInWhenConfirmed(t *testing.T) {
	token := testToken(t, "user-2", "b@example.test", time.Now().Add(time.Hour))
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/v1/signup", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, grantResponse(token))
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	session, err := c.Auth().SignUp(context.Background(), "b@example.test", "pw", map[string]string{"firstName": "Ada"})
	require.NoError(t, err)
	require.NotNil(t, session.User)
	assert.Equal(t, "user-2", session.User.ID)

	data, ok := gotBody["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ada", data["firstName"])
}

func TestSignUpPendingConfirmation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"user-3","email":"c@example.test"}`)
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	var events []AuthEvent
	c.Auth().OnAuthStateChange(func(ev AuthEvent, _ *Session) { events = append(events, ev) })

	session, err := c.Auth().SignUp(context.Background(), "c@example.test", "pw", nil)
	require.NoError(t, err)
	assert.Empty(t, session.AccessToken)
	require.NotNil(t, session.User)
	assert.Equal(t, "user-3", session.User.ID)
	// no session issued, so nobody is signed in
	assert.Empty(t, events)
	assert.Empty(t, c.Auth().AccessToken())
}

func TestResetPasswordForEmail(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/v1/recover", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := testClient(t, server.URL)
	require.NoError(t, c.Auth().ResetPasswordForEmail(context.Background(), "a@example.test"))
	assert.Equal(t, "a@example.test", gotBody["email"])
}

func TestNewFailsFastOnBadConfig(t *testing.T) {
	_, err := New(config.Config{URL: "https://example.test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.EnvAnonKey)

	_, err = New(config.Config{URL: "example.test", AnonKey: "test-anon-key-0123456789"})
	require.Error(t, err)
}
