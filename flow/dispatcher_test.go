package flow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wrenlabs/poflow/flow"
)

func pendingUpload(id, merchantID, poNumber string, created time.Time) flow.Upload {
	return flow.Upload{
		ID:                id,
		MerchantID:        merchantID,
		FileURL:           "https://store/" + id,
		FileName:          id + ".pdf",
		MIMEType:          "application/pdf",
		ExtractedPONumber: poNumber,
		CreatedAt:         created,
	}
}

func TestDispatcherTick(t *testing.T) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	t.Run("dedupes by merchant and extracted number, keeping the earliest", func(t *testing.T) {
		h := newHarness(t, flow.Options{})
		h.registerAll()
		d := flow.NewDispatcher(h.store, h.store, h.orch, nil, h.opts, nil, nil)

		h.store.AddUpload(pendingUpload("u1", "m1", "PO-100", base))
		h.store.AddUpload(pendingUpload("u2", "m1", "PO-100", base.Add(10*time.Second)))
		h.store.AddUpload(pendingUpload("u3", "m2", "PO-100", base))

		started, err := d.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if started != 2 {
			t.Fatalf("started = %d, want 2", started)
		}

		if _, err := h.store.GetWorkflowByUpload(ctx, "u1"); err != nil {
			t.Errorf("earliest upload has no workflow: %v", err)
		}
		if _, err := h.store.GetWorkflowByUpload(ctx, "u2"); !errors.Is(err, flow.ErrWorkflowNotFound) {
			t.Errorf("duplicate upload got a workflow")
		}
		if _, err := h.store.GetWorkflowByUpload(ctx, "u3"); err != nil {
			t.Errorf("other merchant was deduped: %v", err)
		}
		if n := h.depth(t, flow.StageParse); n != 2 {
			t.Errorf("parse queue depth = %d, want 2", n)
		}
	})

	t.Run("uploads without an extracted number are never deduped", func(t *testing.T) {
		h := newHarness(t, flow.Options{})
		h.registerAll()
		d := flow.NewDispatcher(h.store, h.store, h.orch, nil, h.opts, nil, nil)

		h.store.AddUpload(pendingUpload("u1", "m1", "", base))
		h.store.AddUpload(pendingUpload("u2", "m1", "", base.Add(time.Second)))

		started, err := d.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if started != 2 {
			t.Fatalf("started = %d, want 2", started)
		}
	})

	t.Run("bound uploads leave the pending set", func(t *testing.T) {
		h := newHarness(t, flow.Options{})
		h.registerAll()
		d := flow.NewDispatcher(h.store, h.store, h.orch, nil, h.opts, nil, nil)

		h.store.AddUpload(pendingUpload("u1", "m1", "PO-1", base))
		if _, err := d.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}

		pending, err := h.store.PendingUploads(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 0 {
			t.Errorf("pending after tick = %d", len(pending))
		}

		started, err := d.Tick(ctx)
		if err != nil {
			t.Fatalf("second Tick: %v", err)
		}
		if started != 0 {
			t.Errorf("second tick started %d", started)
		}
	})

	t.Run("dedupe is per batch, the loser dispatches on a later tick", func(t *testing.T) {
		h := newHarness(t, flow.Options{})
		h.registerAll()
		d := flow.NewDispatcher(h.store, h.store, h.orch, nil, h.opts, nil, nil)

		h.store.AddUpload(pendingUpload("u1", "m1", "PO-100", base))
		h.store.AddUpload(pendingUpload("u2", "m1", "PO-100", base.Add(time.Second)))

		if started, _ := d.Tick(ctx); started != 1 {
			t.Fatalf("first tick started %d, want 1", started)
		}
		if started, _ := d.Tick(ctx); started != 1 {
			t.Fatalf("second tick started %d, want 1", started)
		}
	})

	t.Run("workflow rows carry the upload artifact", func(t *testing.T) {
		h := newHarness(t, flow.Options{})
		h.registerAll()
		d := flow.NewDispatcher(h.store, h.store, h.orch, nil, h.opts, nil, nil)

		h.store.AddUpload(pendingUpload("u1", "m1", "PO-1", base))
		if _, err := d.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}

		wf, err := h.store.GetWorkflowByUpload(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if wf.FileURL != "https://store/u1" || wf.MIMEType != "application/pdf" {
			t.Errorf("artifact %+v", wf)
		}
		if wf.Data.UploadID != "u1" || wf.Data.WorkflowID != wf.ID {
			t.Errorf("stage payload %+v", wf.Data)
		}
		if wf.Status != flow.WorkflowProcessing || wf.CurrentStage != flow.StageParse {
			t.Errorf("state %s/%s", wf.Status, wf.CurrentStage)
		}
	})
}

func TestDispatcherSequentialMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flow.Options{SequentialExecution: true})
	h.registerAll()
	r := flow.NewRunner(h.orch, h.opts, nil)
	d := flow.NewDispatcher(h.store, h.store, h.orch, nil, h.opts, nil, nil)
	d.UseRunner(r)

	h.store.AddUpload(pendingUpload("u1", "m1", "PO-1", time.Now().Add(-time.Minute)))

	started, err := d.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if started != 1 {
		t.Fatalf("started = %d", started)
	}

	// The run happens off the tick, in-process.
	waitFor(t, 5*time.Second, "sequential completion", func() bool {
		wf, err := h.store.GetWorkflowByUpload(ctx, "u1")
		return err == nil && wf.Status == flow.WorkflowCompleted
	})
	for _, s := range flow.StageOrder {
		if n := h.depth(t, s); n != 0 {
			t.Errorf("queue depth for %s = %d, want 0 in sequential mode", s, n)
		}
	}
}

func TestDispatcherRunLoop(t *testing.T) {
	h := newHarness(t, flow.Options{TickPeriod: 20 * time.Millisecond})
	h.registerAll()
	d := flow.NewDispatcher(h.store, h.store, h.orch, nil, h.opts, nil, nil)

	h.store.AddUpload(pendingUpload("u1", "m1", "PO-1", time.Now().Add(-time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, 2*time.Second, "tick to dispatch", func() bool {
		_, err := h.store.GetWorkflowByUpload(context.Background(), "u1")
		return err == nil
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
}
