// Package queue provides the opaque FIFO job queue that drives
// queue-dispatched stage execution. The contract is at-least-once delivery:
// a dequeued job stays on an in-flight list until acked, and a nack (or a
// crashed worker's recovery sweep) returns it to pending.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Job is a unit of queued work, keyed by topic (a stage tag).
type Job struct {
	// ID uniquely identifies this enqueue. Assigned by the queue.
	ID string `json:"id"`

	// Topic is the queue the job was enqueued on.
	Topic string `json:"topic"`

	// Payload is the caller's marshaled job data.
	Payload json.RawMessage `json:"payload"`

	// Attempt counts deliveries of this job, starting at 1.
	Attempt int `json:"attempt"`

	// EnqueuedAt is the enqueue time in epoch milliseconds.
	EnqueuedAt int64 `json:"enqueued_at"`
}

// UnmarshalPayload decodes the job payload into v.
func (j *Job) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// Queue is an opaque FIFO with at-least-once delivery.
//
// Implementations must be safe for concurrent producers and consumers.
// Ordering is FIFO per topic on the happy path; redelivered jobs may be
// observed out of order.
type Queue interface {
	// Enqueue marshals payload and appends it to the topic. Returns the
	// assigned job ID.
	Enqueue(ctx context.Context, topic string, payload interface{}) (string, error)

	// Dequeue removes the oldest available job across the given topics,
	// blocking up to wait. Returns nil with no error if nothing arrived.
	// The job is held in-flight until Ack or Nack.
	Dequeue(ctx context.Context, topics []string, wait time.Duration) (*Job, error)

	// Ack marks an in-flight job as done, removing it permanently.
	Ack(ctx context.Context, job *Job) error

	// Nack returns an in-flight job to the back of its topic with an
	// incremented attempt count.
	Nack(ctx context.Context, job *Job) error

	// Depth reports the number of pending (not in-flight) jobs on a topic.
	Depth(ctx context.Context, topic string) (int64, error)
}
