package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxArtifactBytes caps artifact downloads. Oversized uploads are rejected
// before they reach the extractor.
const maxArtifactBytes = 32 << 20 // 32 MiB

// Fetcher retrieves artifact bytes from the object store.
type Fetcher interface {
	// Fetch returns the artifact content and its MIME type.
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// HTTPFetcher fetches artifacts over HTTP(S), typically from a pre-signed
// object-store URL.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given client; nil uses a
// 30-second-timeout default.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

// Fetch downloads the artifact.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch artifact: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("fetch artifact: %w", err)
	}
	if len(data) > maxArtifactBytes {
		return nil, "", fmt.Errorf("fetch artifact: exceeds %d byte limit", maxArtifactBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
