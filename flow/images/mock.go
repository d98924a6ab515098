package images

import (
	"context"
	"sync"
)

// MockSource is a test Source with canned results and call recording.
type MockSource struct {
	mu      sync.Mutex
	Results []Candidate
	Err     error
	queries []string
}

// NewMockSource returns a source answering every query with results.
func NewMockSource(results ...Candidate) *MockSource {
	return &MockSource{Results: results}
}

func (m *MockSource) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if limit < len(m.Results) {
		return m.Results[:limit], nil
	}
	return m.Results, nil
}

// Queries returns the queries seen so far, in order.
func (m *MockSource) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}
