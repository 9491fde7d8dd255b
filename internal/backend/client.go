// Package backend is the client handle for the hosted chat backend: password
// auth, the row store with realtime change streams, presence channels and
// object storage. Every other package talks to the service through it.
package backend

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"chat-client/internal/config"
)

var (
	sharedOnce sync.Once
	shared     *Client
	sharedErr  error
)

// Get returns the process-wide client handle, constructing it on first use
// from the environment. Construction fails fast on missing or malformed
// credentials, before any network call is attempted.
func Get() (*Client, error) {
	sharedOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			sharedErr = err
			return
		}
		shared, sharedErr = New(cfg)
	})
	return shared, sharedErr
}

// Client is a handle to the backend service. It is safe for concurrent use.
type Client struct {
	cfg  config.Config
	http *http.Client

	sessions *SessionStore
	auth     *AuthService
	storage  *StorageService
}

// New constructs a client from explicit settings. It opens the local session
// store so a restart resumes the prior session, but performs no network I/O.
func New(cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessions, err := OpenSessionStore(cfg.SessionDBPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: 30 * time.Second},
		sessions: sessions,
	}
	c.auth = newAuthService(c)
	c.storage = &StorageService{c: c}
	c.auth.loadPersisted()
	return c, nil
}

// Auth returns the auth service.
func (c *Client) Auth() *AuthService { return c.auth }

// Storage returns the object storage service.
func (c *Client) Storage() *StorageService { return c.storage }

// Close releases the local session store and stops background refresh.
func (c *Client) Close() error {
	c.auth.stopRefresh()
	return c.sessions.Close()
}

// Config returns the settings the client was built with.
func (c *Client) Config() config.Config { return c.cfg }

// authorize sets the credential headers. Requests carry the anon key plus a
// bearer token: the session's access token when signed in, the anon key
// otherwise.
func (c *Client) authorize(req *http.Request) {
	req.Header.Set("apikey", c.cfg.AnonKey)
	token := c.auth.AccessToken()
	if token == "" {
		token = c.cfg.AnonKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
