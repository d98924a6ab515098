package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemQueue is an in-memory Queue for tests and sequential deployments.
type MemQueue struct {
	mu       sync.Mutex
	pending  map[string][]*Job
	inflight map[string]*Job
	closed   bool

	// wake is closed-and-replaced on every enqueue so blocked consumers
	// can re-scan without polling.
	wake chan struct{}
}

// NewMemQueue creates an empty in-memory queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		pending:  make(map[string][]*Job),
		inflight: make(map[string]*Job),
		wake:     make(chan struct{}),
	}
}

// Enqueue appends a job to the topic.
func (q *MemQueue) Enqueue(_ context.Context, topic string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}

	job := &Job{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    data,
		Attempt:    1,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	q.pending[topic] = append(q.pending[topic], job)

	close(q.wake)
	q.wake = make(chan struct{})
	return job.ID, nil
}

// Dequeue pops the oldest job across topics, waiting up to wait.
func (q *MemQueue) Dequeue(ctx context.Context, topics []string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		var oldest *Job
		var oldestTopic string
		for _, topic := range topics {
			if jobs := q.pending[topic]; len(jobs) > 0 {
				if oldest == nil || jobs[0].EnqueuedAt < oldest.EnqueuedAt {
					oldest = jobs[0]
					oldestTopic = topic
				}
			}
		}
		if oldest != nil {
			q.pending[oldestTopic] = q.pending[oldestTopic][1:]
			q.inflight[oldest.ID] = oldest
			q.mu.Unlock()
			return oldest, nil
		}
		wake := q.wake
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Ack removes the job from the in-flight set.
func (q *MemQueue) Ack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.ID)
	return nil
}

// Nack returns the job to the back of its topic with Attempt incremented.
func (q *MemQueue) Nack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[job.ID]; !ok {
		return nil
	}
	delete(q.inflight, job.ID)

	requeued := *job
	requeued.Attempt++
	q.pending[job.Topic] = append(q.pending[job.Topic], &requeued)

	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

// Depth reports pending jobs on a topic.
func (q *MemQueue) Depth(_ context.Context, topic string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending[topic])), nil
}

// Close rejects further operations. In-flight jobs are discarded.
func (q *MemQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
}
