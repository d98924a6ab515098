package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testPayload struct {
	WorkflowID string `json:"workflow_id"`
	N          int    `json:"n"`
}

// queueUnderTest lets the same contract suite run against both backends.
func queueUnderTest(t *testing.T, name string) Queue {
	t.Helper()
	switch name {
	case "memory":
		q := NewMemQueue()
		t.Cleanup(q.Close)
		return q
	case "redis":
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisQueue(client, nil)
	default:
		t.Fatalf("unknown backend %q", name)
		return nil
	}
}

func TestQueue_Contract(t *testing.T) {
	for _, backend := range []string{"memory", "redis"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()

			t.Run("fifo per topic", func(t *testing.T) {
				q := queueUnderTest(t, backend)
				for i := 1; i <= 3; i++ {
					if _, err := q.Enqueue(ctx, "database_save", testPayload{N: i}); err != nil {
						t.Fatalf("Enqueue: %v", err)
					}
				}
				for i := 1; i <= 3; i++ {
					job, err := q.Dequeue(ctx, []string{"database_save"}, time.Second)
					if err != nil {
						t.Fatalf("Dequeue: %v", err)
					}
					if job == nil {
						t.Fatal("expected a job")
					}
					var p testPayload
					if err := job.UnmarshalPayload(&p); err != nil {
						t.Fatalf("UnmarshalPayload: %v", err)
					}
					if p.N != i {
						t.Errorf("expected job %d, got %d", i, p.N)
					}
					if err := q.Ack(ctx, job); err != nil {
						t.Fatalf("Ack: %v", err)
					}
				}
			})

			t.Run("empty dequeue returns nil after wait", func(t *testing.T) {
				q := queueUnderTest(t, backend)
				start := time.Now()
				job, err := q.Dequeue(ctx, []string{"empty"}, 100*time.Millisecond)
				if err != nil {
					t.Fatalf("Dequeue: %v", err)
				}
				if job != nil {
					t.Fatalf("expected nil job, got %+v", job)
				}
				if time.Since(start) < 90*time.Millisecond {
					t.Error("Dequeue returned before the wait elapsed")
				}
			})

			t.Run("nack redelivers with incremented attempt", func(t *testing.T) {
				q := queueUnderTest(t, backend)
				_, _ = q.Enqueue(ctx, "ai_parsing", testPayload{N: 7})

				job, _ := q.Dequeue(ctx, []string{"ai_parsing"}, time.Second)
				if job == nil {
					t.Fatal("expected a job")
				}
				if job.Attempt != 1 {
					t.Errorf("first delivery attempt = %d, want 1", job.Attempt)
				}
				if err := q.Nack(ctx, job); err != nil {
					t.Fatalf("Nack: %v", err)
				}

				again, _ := q.Dequeue(ctx, []string{"ai_parsing"}, time.Second)
				if again == nil {
					t.Fatal("expected redelivery")
				}
				if again.Attempt != 2 {
					t.Errorf("redelivery attempt = %d, want 2", again.Attempt)
				}
				if again.ID != job.ID {
					t.Errorf("redelivered ID changed: %s != %s", again.ID, job.ID)
				}
			})

			t.Run("acked job is not redelivered", func(t *testing.T) {
				q := queueUnderTest(t, backend)
				_, _ = q.Enqueue(ctx, "status_update", testPayload{N: 1})
				job, _ := q.Dequeue(ctx, []string{"status_update"}, time.Second)
				_ = q.Ack(ctx, job)

				again, _ := q.Dequeue(ctx, []string{"status_update"}, 100*time.Millisecond)
				if again != nil {
					t.Errorf("acked job redelivered: %+v", again)
				}
			})

			t.Run("depth tracks pending only", func(t *testing.T) {
				q := queueUnderTest(t, backend)
				_, _ = q.Enqueue(ctx, "image_attachment", testPayload{})
				_, _ = q.Enqueue(ctx, "image_attachment", testPayload{})

				if d, _ := q.Depth(ctx, "image_attachment"); d != 2 {
					t.Errorf("depth = %d, want 2", d)
				}
				job, _ := q.Dequeue(ctx, []string{"image_attachment"}, time.Second)
				if d, _ := q.Depth(ctx, "image_attachment"); d != 1 {
					t.Errorf("depth after dequeue = %d, want 1", d)
				}
				_ = q.Ack(ctx, job)
			})

			t.Run("dequeue across topics", func(t *testing.T) {
				q := queueUnderTest(t, backend)
				_, _ = q.Enqueue(ctx, "shopify_sync", testPayload{N: 42})

				job, err := q.Dequeue(ctx, []string{"ai_parsing", "shopify_sync"}, time.Second)
				if err != nil || job == nil {
					t.Fatalf("Dequeue: job=%v err=%v", job, err)
				}
				if job.Topic != "shopify_sync" {
					t.Errorf("topic = %q, want shopify_sync", job.Topic)
				}
				_ = q.Ack(ctx, job)
			})
		})
	}
}

func TestRedisQueue_RecoverInflight(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedisQueue(client, nil)

	_, _ = q.Enqueue(ctx, "database_save", testPayload{N: 1})
	job, _ := q.Dequeue(ctx, []string{"database_save"}, time.Second)
	if job == nil {
		t.Fatal("expected a job")
	}

	// Simulate a crashed worker: job stays inflight, never acked.
	n, err := q.RecoverInflight(ctx, []string{"database_save"})
	if err != nil {
		t.Fatalf("RecoverInflight: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	again, _ := q.Dequeue(ctx, []string{"database_save"}, time.Second)
	if again == nil {
		t.Fatal("expected recovered job to be redelivered")
	}
	if again.ID != job.ID {
		t.Errorf("recovered ID changed: %s != %s", again.ID, job.ID)
	}
}
