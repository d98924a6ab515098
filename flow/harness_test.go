package flow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/persist"
	"github.com/wrenlabs/poflow/flow/progress"
	"github.com/wrenlabs/poflow/flow/queue"
)

// harness wires an orchestrator over in-memory store, fabric and queue.
type harness struct {
	store  *persist.MemStore
	fabric *progress.MemFabric[flow.Workflow]
	q      *queue.MemQueue
	opts   flow.Options
	orch   *flow.Orchestrator
}

func newHarness(t *testing.T, opts flow.Options) *harness {
	t.Helper()
	h := &harness{
		store:  persist.NewMemStore(),
		fabric: progress.NewMemFabric[flow.Workflow](),
		q:      queue.NewMemQueue(),
		opts:   opts,
	}
	h.orch = flow.NewOrchestrator(h.store, h.fabric, h.q, opts, nil, nil)
	t.Cleanup(h.q.Close)
	return h
}

// registerAll attaches a processor per stage: overrides where given,
// passthroughs everywhere else.
func (h *harness) registerAll(overrides ...flow.Processor) {
	byStage := make(map[flow.Stage]flow.Processor, len(overrides))
	for _, p := range overrides {
		byStage[p.Stage()] = p
	}
	for _, s := range flow.StageOrder {
		if p, ok := byStage[s]; ok {
			h.orch.Register(p)
			continue
		}
		h.orch.Register(passthrough(s))
	}
}

// drain pumps queued jobs through the orchestrator, applying the worker's
// terminal-failure policy without its retry waits: any error fails the
// workflow.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		job, err := h.q.Dequeue(ctx, stageTopics(), 5*time.Millisecond)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job == nil {
			return
		}
		var data flow.StageData
		if err := job.UnmarshalPayload(&data); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if _, err := h.orch.RunStageQueued(ctx, flow.Stage(job.Topic), data); err != nil {
			if ferr := h.orch.FailWorkflow(ctx, data.WorkflowID, flow.Stage(job.Topic), err); ferr != nil {
				t.Fatalf("fail workflow: %v", ferr)
			}
		}
		if err := h.q.Ack(ctx, job); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	t.Fatal("queue never drained")
}

func (h *harness) depth(t *testing.T, stage flow.Stage) int64 {
	t.Helper()
	n, err := h.q.Depth(context.Background(), string(stage))
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	return n
}

func (h *harness) workflow(t *testing.T, id string) *flow.Workflow {
	t.Helper()
	wf, err := h.store.GetWorkflow(context.Background(), id)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	return wf
}

func stageTopics() []string {
	topics := make([]string, len(flow.StageOrder))
	for i, s := range flow.StageOrder {
		topics[i] = string(s)
	}
	return topics
}

func startInput() flow.StartInput {
	return flow.StartInput{
		UploadID:   "u1",
		MerchantID: "m1",
		FileURL:    "https://store/artifact",
		FileName:   "order.csv",
		MIMEType:   "text/csv",
	}
}

// eventLog collects published progress events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) add(ev progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t progress.EventType) []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []progress.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// collectEvents subscribes to all four merchant channels and records
// everything published until the test ends.
func (h *harness) collectEvents(t *testing.T, merchantID string) *eventLog {
	t.Helper()
	ch, cancel, err := h.fabric.Subscribe(context.Background(), progress.Channels(merchantID)...)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(cancel)

	log := &eventLog{}
	go func() {
		for ev := range ch {
			log.add(ev)
		}
	}()
	return log
}

// fakeProcessor is a scriptable stage processor.
type fakeProcessor struct {
	stage flow.Stage
	fn    func(ctx context.Context, data flow.StageData, rep flow.Reporter) (flow.StageResult, error)

	mu    sync.Mutex
	calls int
}

func passthrough(s flow.Stage) *fakeProcessor {
	return &fakeProcessor{stage: s}
}

func (f *fakeProcessor) Stage() flow.Stage { return f.stage }

func (f *fakeProcessor) Process(ctx context.Context, data flow.StageData, rep flow.Reporter) (flow.StageResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, data, rep)
	}
	return flow.StageResult{Data: data, Message: string(f.stage) + " done"}, nil
}

func (f *fakeProcessor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
