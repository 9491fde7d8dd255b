package chat

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-client/internal/backend"
	"chat-client/internal/config"
)

func testClient(t *testing.T, url string) *backend.Client {
	t.Helper()
	c, err := backend.New(config.Config{URL: url, AnonKey: "test-anon-key-0123456789"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type roomCount struct {
	id    string
	count int
}

// headerRows renders message headers as the row endpoint would: count rows
// per room, each room's newest at its own offset from base so "most recent"
// ordering is unambiguous.
func headerRows(base time.Time, rooms []roomCount) string {
	var parts []string
	for n, room := range rooms {
		newest := base.Add(-time.Duration(n) * time.Second)
		for i := 0; i < room.count; i++ {
			at := newest.Add(-time.Duration(i) * time.Minute)
			parts = append(parts, fmt.Sprintf(`{"room_id":%q,"created_at":%q}`, room.id, at.Format(time.RFC3339)))
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}
