package extract

import (
	"context"
	"sync"
)

// MockExtractor is a scripted Extractor for tests.
//
// Results are returned in order; the last entry repeats once the script is
// exhausted. Errors interleave via Errs at the same index.
type MockExtractor struct {
	mu      sync.Mutex
	Results []Result
	Errs    []error
	calls   int

	// Requests records every request received, for assertion.
	Requests []Request
}

// Extract returns the next scripted result or error.
func (m *MockExtractor) Extract(_ context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	i := m.calls
	m.calls++

	if i < len(m.Errs) && m.Errs[i] != nil {
		return Result{}, m.Errs[i]
	}
	if len(m.Results) == 0 {
		return Result{}, nil
	}
	if i >= len(m.Results) {
		i = len(m.Results) - 1
	}
	return m.Results[i], nil
}

// Calls reports how many times Extract was invoked.
func (m *MockExtractor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
