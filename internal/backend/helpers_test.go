package backend

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-client/internal/config"
)

func testConfig(url string) config.Config {
	return config.Config{
		URL:     url,
		AnonKey: "test-anon-key-0123456789",
	}
}

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(testConfig(url))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// testToken builds an unsigned JWT carrying the given identity. The client
// never verifies signatures, so a dummy one is enough.
func testToken(t *testing.T, sub, email string, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{"sub": sub, "email": email, "exp": exp.Unix()})
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + ".sig"
}
