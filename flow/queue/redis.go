package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	pendingKeyPrefix  = "poflow:q:"
	inflightSuffix    = ":inflight"
	dequeuePollPeriod = 250 * time.Millisecond
)

// RedisQueue implements Queue on Redis lists.
//
// Layout per topic:
//
//	poflow:q:{topic}           pending jobs (LPUSH producer, RPOPLPUSH consumer)
//	poflow:q:{topic}:inflight  jobs held by workers until Ack/Nack
//
// RPOPLPUSH gives the at-least-once guarantee: a worker that dies holding a
// job leaves it on the inflight list, where RecoverInflight can sweep it
// back to pending.
//
// Multi-topic Dequeue polls topics round-robin with a short period rather
// than blocking on a single list, so one busy topic cannot starve the rest.
type RedisQueue struct {
	client redis.UniversalClient
	log    *logrus.Entry
}

// NewRedisQueue wraps an existing Redis client.
func NewRedisQueue(client redis.UniversalClient, log *logrus.Entry) *RedisQueue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisQueue{client: client, log: log}
}

func pendingKey(topic string) string  { return pendingKeyPrefix + topic }
func inflightKey(topic string) string { return pendingKeyPrefix + topic + inflightSuffix }

// Enqueue appends the job to the topic's pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, topic string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	job := Job{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    data,
		Attempt:    1,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, pendingKey(topic), encoded).Err(); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Dequeue polls the topics until a job arrives or wait elapses.
func (q *RedisQueue) Dequeue(ctx context.Context, topics []string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		for _, topic := range topics {
			raw, err := q.client.RPopLPush(ctx, pendingKey(topic), inflightKey(topic)).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, err
			}
			var job Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				// Poison entry: drop it rather than wedge the topic.
				q.log.WithError(err).WithField("topic", topic).Warn("dropping malformed queue entry")
				q.client.LRem(ctx, inflightKey(topic), 1, raw)
				continue
			}
			return &job, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		pause := dequeuePollPeriod
		if remaining < pause {
			pause = remaining
		}
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack removes the job from the topic's inflight list.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LRem(ctx, inflightKey(job.Topic), 1, encoded).Err()
}

// Nack moves the job from inflight back to pending with Attempt+1.
func (q *RedisQueue) Nack(ctx context.Context, job *Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	requeued := *job
	requeued.Attempt++
	reencoded, err := json.Marshal(&requeued)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, inflightKey(job.Topic), 1, encoded)
	pipe.LPush(ctx, pendingKey(job.Topic), reencoded)
	_, err = pipe.Exec(ctx)
	return err
}

// Depth reports pending jobs on a topic.
func (q *RedisQueue) Depth(ctx context.Context, topic string) (int64, error) {
	return q.client.LLen(ctx, pendingKey(topic)).Result()
}

// RecoverInflight sweeps every job on the topics' inflight lists back to
// pending. Called on worker startup to reclaim jobs abandoned by a crashed
// process. Returns the number of jobs recovered.
func (q *RedisQueue) RecoverInflight(ctx context.Context, topics []string) (int, error) {
	recovered := 0
	for _, topic := range topics {
		for {
			raw, err := q.client.RPopLPush(ctx, inflightKey(topic), pendingKey(topic)).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return recovered, err
			}
			_ = raw
			recovered++
		}
	}
	return recovered, nil
}
