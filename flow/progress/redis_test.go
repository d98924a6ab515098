package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisFabric_Metadata(t *testing.T) {
	ctx := context.Background()

	t.Run("put then get round-trips", func(t *testing.T) {
		_, client := newTestRedis(t)
		f := NewRedisFabric[testMeta](client, nil)

		if err := f.PutWorkflow(ctx, "wf-1", testMeta{ID: "wf-1", Percent: 25}, 30*time.Minute); err != nil {
			t.Fatalf("PutWorkflow: %v", err)
		}
		got, err := f.GetWorkflow(ctx, "wf-1")
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.ID != "wf-1" || got.Percent != 25 {
			t.Errorf("unexpected metadata: %+v", got)
		}
	})

	t.Run("missing key maps to ErrNotFound", func(t *testing.T) {
		_, client := newTestRedis(t)
		f := NewRedisFabric[testMeta](client, nil)

		if _, err := f.GetWorkflow(ctx, "absent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("TTL reaps stale entries", func(t *testing.T) {
		mr, client := newTestRedis(t)
		f := NewRedisFabric[testMeta](client, nil)

		_ = f.PutWorkflow(ctx, "wf-ttl", testMeta{ID: "wf-ttl"}, 30*time.Minute)
		mr.FastForward(31 * time.Minute)

		if _, err := f.GetWorkflow(ctx, "wf-ttl"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after TTL, got %v", err)
		}
	})

	t.Run("rewrite refreshes TTL", func(t *testing.T) {
		mr, client := newTestRedis(t)
		f := NewRedisFabric[testMeta](client, nil)

		_ = f.PutWorkflow(ctx, "wf-2", testMeta{}, 30*time.Minute)
		mr.FastForward(20 * time.Minute)
		_ = f.PutWorkflow(ctx, "wf-2", testMeta{Percent: 80}, 30*time.Minute)
		mr.FastForward(20 * time.Minute)

		got, err := f.GetWorkflow(ctx, "wf-2")
		if err != nil {
			t.Fatalf("expected refreshed entry, got %v", err)
		}
		if got.Percent != 80 {
			t.Errorf("expected percent 80, got %d", got.Percent)
		}
	})
}

func TestRedisFabric_PubSub(t *testing.T) {
	ctx := context.Background()

	t.Run("subscriber receives published event", func(t *testing.T) {
		_, client := newTestRedis(t)
		f := NewRedisFabric[testMeta](client, nil)

		ch, cancel, err := f.Subscribe(ctx, Channel("m-1", EventStage))
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer cancel()

		want := Event{Type: EventStage, WorkflowID: "wf-1", Stage: "database_save", Percent: 100, TS: 12345}
		if err := f.Publish(ctx, Channel("m-1", EventStage), want); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		select {
		case got := <-ch:
			if got.WorkflowID != want.WorkflowID || got.Stage != want.Stage || got.TS != want.TS {
				t.Errorf("got %+v, want %+v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("cancel closes the stream", func(t *testing.T) {
		_, client := newTestRedis(t)
		f := NewRedisFabric[testMeta](client, nil)

		ch, cancel, err := f.Subscribe(ctx, "c")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		cancel()

		select {
		case _, open := <-ch:
			if open {
				t.Error("expected closed channel after cancel")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after cancel")
		}
	})
}
