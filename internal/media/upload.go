// Package media picks local images and uploads them to object storage.
package media

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chat-client/internal/backend"
)

// Bucket is where chat image attachments live.
const Bucket = "chat-images"

// PickImage validates a local image selection. A missing, empty or unreadable
// path reports no selection rather than an error, so the caller can silently
// no-op, as with a denied media permission or a cancelled picker.
func PickImage(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	f.Close()
	return path, true
}

// UploadImage reads the picked file, uploads it under a key derived from the
// room and current time, and returns the public URL for attaching to a
// message. Upload failures propagate unmodified; no retry, no cleanup.
func UploadImage(ctx context.Context, client *backend.Client, localPath, roomID string) (string, error) {
	payload, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath)))
	if contentType == "" {
		contentType = http.DetectContentType(payload)
	}

	key := fmt.Sprintf("%s/%d.%s", roomID, time.Now().UnixMilli(), extensionFor(contentType))
	storage := client.Storage()
	if err := storage.Upload(ctx, Bucket, key, payload, contentType, false); err != nil {
		return "", err
	}
	return storage.PublicURL(Bucket, key), nil
}

// extensionFor guesses a file extension from the declared media type,
// defaulting to jpg when there is no usable subtype.
func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "jpg"
	}
	slash := strings.IndexByte(mediaType, '/')
	if !strings.HasPrefix(mediaType, "image/") || slash < 0 || slash == len(mediaType)-1 {
		return "jpg"
	}
	return strings.ToLower(mediaType[slash+1:])
}
