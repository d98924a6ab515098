package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber event buffer. Publishes to a full
// buffer are dropped, never blocked on.
const subscriberBuffer = 64

// MemFabric is an in-memory implementation of Fabric[M].
//
// Designed for tests and single-process deployments. TTL expiry is checked
// lazily on read, so an expired entry occupies memory until the next
// GetWorkflow (or DeleteWorkflow) touches it.
//
// Metadata is stored as JSON so that reads return copies, matching the
// isolation callers get from a real KV store.
type MemFabric[M any] struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	subs    map[string][]*memSub

	// now is swappable for TTL tests.
	now func() time.Time
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

type memSub struct {
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

// NewMemFabric creates an empty in-memory fabric.
func NewMemFabric[M any]() *MemFabric[M] {
	return &MemFabric[M]{
		entries: make(map[string]memEntry),
		subs:    make(map[string][]*memSub),
		now:     time.Now,
	}
}

// SetClock replaces the fabric's time source. Test hook for TTL behavior.
func (f *MemFabric[M]) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// PutWorkflow overwrites the entry and resets its TTL.
func (f *MemFabric[M]) PutWorkflow(_ context.Context, workflowID string, meta M, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[workflowID] = memEntry{data: data, expiresAt: f.now().Add(ttl)}
	return nil
}

// GetWorkflow returns the entry if present and unexpired.
func (f *MemFabric[M]) GetWorkflow(_ context.Context, workflowID string) (M, error) {
	var meta M

	f.mu.Lock()
	entry, ok := f.entries[workflowID]
	if ok && f.now().After(entry.expiresAt) {
		delete(f.entries, workflowID)
		ok = false
	}
	f.mu.Unlock()

	if !ok {
		return meta, ErrNotFound
	}
	if err := json.Unmarshal(entry.data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// DeleteWorkflow removes the entry if present.
func (f *MemFabric[M]) DeleteWorkflow(_ context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, workflowID)
	return nil
}

// Publish delivers the event to every live subscriber of the channel.
// Subscribers with full buffers miss the event.
func (f *MemFabric[M]) Publish(_ context.Context, channel string, ev Event) error {
	f.mu.RLock()
	subs := f.subs[channel]
	f.mu.RUnlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.closed {
			select {
			case s.ch <- ev:
			default:
				// best-effort: drop on backpressure
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// Subscribe registers a buffered subscriber on each channel.
func (f *MemFabric[M]) Subscribe(ctx context.Context, channels ...string) (<-chan Event, func(), error) {
	sub := &memSub{ch: make(chan Event, subscriberBuffer)}

	f.mu.Lock()
	for _, c := range channels {
		f.subs[c] = append(f.subs[c], sub)
	}
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			for _, c := range channels {
				live := f.subs[c][:0]
				for _, s := range f.subs[c] {
					if s != sub {
						live = append(live, s)
					}
				}
				f.subs[c] = live
			}
			f.mu.Unlock()

			sub.mu.Lock()
			sub.closed = true
			close(sub.ch)
			sub.mu.Unlock()
		})
	}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return sub.ch, cancel, nil
}
