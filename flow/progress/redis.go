package progress

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// metaKeyPrefix namespaces workflow metadata keys in Redis.
const metaKeyPrefix = "poflow:wf:"

// RedisFabric is the production Fabric[M] backed by Redis.
//
// Workflow metadata uses SET with EX for atomic overwrite-with-TTL; the
// progress channels use native Redis pub/sub, which is fire-and-forget by
// design and therefore matches the best-effort delivery contract exactly.
type RedisFabric[M any] struct {
	client redis.UniversalClient
	log    *logrus.Entry
}

// NewRedisFabric wraps an existing Redis client. The client's lifecycle
// belongs to the caller.
func NewRedisFabric[M any](client redis.UniversalClient, log *logrus.Entry) *RedisFabric[M] {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisFabric[M]{client: client, log: log}
}

func metaKey(workflowID string) string { return metaKeyPrefix + workflowID }

// PutWorkflow overwrites the metadata with a fresh TTL.
func (f *RedisFabric[M]) PutWorkflow(ctx context.Context, workflowID string, meta M, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return f.client.Set(ctx, metaKey(workflowID), data, ttl).Err()
}

// GetWorkflow returns the metadata, mapping redis.Nil to ErrNotFound.
func (f *RedisFabric[M]) GetWorkflow(ctx context.Context, workflowID string) (M, error) {
	var meta M

	data, err := f.client.Get(ctx, metaKey(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return meta, ErrNotFound
	}
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// DeleteWorkflow removes the metadata entry.
func (f *RedisFabric[M]) DeleteWorkflow(ctx context.Context, workflowID string) error {
	return f.client.Del(ctx, metaKey(workflowID)).Err()
}

// Publish sends the event on the channel. Publish errors are logged and
// swallowed: progress delivery must never fail a stage.
func (f *RedisFabric[M]) Publish(ctx context.Context, channel string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, channel, data).Err(); err != nil {
		f.log.WithError(err).WithField("channel", channel).Warn("progress publish failed")
	}
	return nil
}

// Subscribe opens a Redis subscription on the channels and converts incoming
// messages into Events. Malformed payloads are logged and skipped.
func (f *RedisFabric[M]) Subscribe(ctx context.Context, channels ...string) (<-chan Event, func(), error) {
	pubsub := f.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				f.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping malformed progress event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}
