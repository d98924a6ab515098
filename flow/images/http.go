package images

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPSource queries a JSON image-search API. The endpoint receives the
// query and result limit as parameters and returns a list of image hits:
//
//	GET {endpoint}?q={query}&num={limit}
//	{"images": [{"url": "...", "title": "..."}]}
type HTTPSource struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSource creates a source for the given search endpoint. A nil
// client uses a 10-second-timeout default.
func NewHTTPSource(endpoint, apiKey string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{endpoint: endpoint, apiKey: apiKey, client: client}
}

type searchResponse struct {
	Images []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"images"`
}

// Search runs one query against the API.
func (s *HTTPSource) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("image search: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("num", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image search: unexpected status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("image search: decode: %w", err)
	}

	out := make([]Candidate, 0, len(body.Images))
	for _, hit := range body.Images {
		if hit.URL == "" {
			continue
		}
		out = append(out, Candidate{URL: hit.URL, Title: hit.Title})
	}
	return out, nil
}
