package sink

import (
	"context"
	"fmt"
	"sync"
)

// MockSink records published products for tests.
type MockSink struct {
	mu        sync.Mutex
	Err       error
	published []Product
}

// NewMockSink returns an empty recording sink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Publish(ctx context.Context, p Product) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Receipt{}, m.Err
	}
	m.published = append(m.published, p)
	return Receipt{ExternalID: fmt.Sprintf("ext-%d", len(m.published))}, nil
}

// Published returns everything accepted so far, in order.
func (m *MockSink) Published() []Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Product(nil), m.published...)
}
