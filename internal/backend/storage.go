package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// StorageService uploads objects and resolves their public URLs.
type StorageService struct {
	c *Client
}

// Upload writes payload to bucket at path. With upsert false an existing
// object at the same path is an error rather than silently replaced.
func (s *StorageService) Upload(ctx context.Context, bucket, path string, payload []byte, contentType string, upsert bool) error {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.c.cfg.URL, bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	if upsert {
		req.Header.Set("x-upsert", "true")
	}
	s.c.authorize(req)

	resp, err := s.c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(resp.Body)
		return parseAPIError(resp.StatusCode, raw)
	}
	return nil
}

// PublicURL returns the publicly resolvable URL for an object.
func (s *StorageService) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.c.cfg.URL, bucket, path)
}
