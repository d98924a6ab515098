package flow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wrenlabs/poflow/flow"
)

func seedWorkflow(t *testing.T, h *harness, id string) flow.StageData {
	t.Helper()
	data := flow.StageData{
		WorkflowID: id,
		MerchantID: "m1",
		UploadID:   "u1",
		FileURL:    "https://store/artifact",
		FileName:   "order.csv",
		MIMEType:   "text/csv",
	}
	wf := &flow.Workflow{
		ID:         id,
		UploadID:   "u1",
		MerchantID: "m1",
		Status:     flow.WorkflowPending,
		Stages:     flow.NewStages(),
		Data:       data,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := h.store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	return data
}

func TestRunnerCompletesInProcess(t *testing.T) {
	h := newHarness(t, flow.Options{})
	h.registerAll()
	r := flow.NewRunner(h.orch, h.opts, nil)

	data := seedWorkflow(t, h, "wf_seq")
	report, err := r.Run(context.Background(), "wf_seq", data)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.HandedOff {
		t.Fatal("run handed off with the full budget available")
	}
	if len(report.Timings) != len(flow.StageOrder) {
		t.Errorf("timings = %d stages, want %d", len(report.Timings), len(flow.StageOrder))
	}

	wf := h.workflow(t, "wf_seq")
	if wf.Status != flow.WorkflowCompleted || wf.ProgressPercent != 100 {
		t.Errorf("workflow %s at %d%%", wf.Status, wf.ProgressPercent)
	}
	// Inline mode never touches the queue.
	for _, s := range flow.StageOrder {
		if n := h.depth(t, s); n != 0 {
			t.Errorf("queue depth for %s = %d, want 0", s, n)
		}
	}
}

func TestRunnerHandsOffWhenBudgetRunsOut(t *testing.T) {
	opts := flow.Options{
		ExecutionBudget: 100 * time.Millisecond,
		StageBudgets: map[flow.Stage]time.Duration{
			flow.StageParse: 30 * time.Millisecond,
			flow.StageSave:  time.Second,
		},
	}
	h := newHarness(t, opts)
	h.registerAll()
	r := flow.NewRunner(h.orch, opts, nil)

	data := seedWorkflow(t, h, "wf_handoff")
	report, err := r.Run(context.Background(), "wf_handoff", data)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.HandedOff || report.NextStage != flow.StageSave {
		t.Fatalf("report = %+v, want handoff at database_save", report)
	}
	if _, ran := report.Timings[flow.StageParse]; !ran {
		t.Error("parse never ran in-process")
	}

	wf := h.workflow(t, "wf_handoff")
	if wf.Status != flow.WorkflowProcessing || wf.CurrentStage != flow.StageSave {
		t.Fatalf("workflow %s at %s after handoff", wf.Status, wf.CurrentStage)
	}
	if n := h.depth(t, flow.StageSave); n != 1 {
		t.Fatalf("save queue depth = %d, want 1", n)
	}

	// Queue mode picks up exactly where the runner stopped.
	h.drain(t)
	if got := h.workflow(t, "wf_handoff"); got.Status != flow.WorkflowCompleted {
		t.Errorf("status after drain = %s", got.Status)
	}
}

func TestRunnerRetriesInProcess(t *testing.T) {
	h := newHarness(t, flow.Options{RetryBase: time.Millisecond, RetryMax: 2 * time.Millisecond})
	flaky := passthrough(flow.StageParse)
	flaky.fn = func(_ context.Context, data flow.StageData, _ flow.Reporter) (flow.StageResult, error) {
		if flaky.Calls() == 1 {
			return flow.StageResult{}, flow.NewStageError(flow.KindTransientConnection, flow.StageParse,
				errors.New("engine warming up"))
		}
		return flow.StageResult{Data: data, Message: "parsed"}, nil
	}
	h.registerAll(flaky)
	r := flow.NewRunner(h.orch, h.opts, nil)

	data := seedWorkflow(t, h, "wf_retry")
	report, err := r.Run(context.Background(), "wf_retry", data)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.HandedOff {
		t.Fatal("unexpected handoff")
	}
	if flaky.Calls() != 2 {
		t.Errorf("parse attempts = %d, want 2", flaky.Calls())
	}
	if h.workflow(t, "wf_retry").Status != flow.WorkflowCompleted {
		t.Error("workflow did not complete")
	}
}

func TestRunnerFailsTheWorkflowOnTerminalError(t *testing.T) {
	h := newHarness(t, flow.Options{})
	broken := passthrough(flow.StageDraft)
	broken.fn = func(context.Context, flow.StageData, flow.Reporter) (flow.StageResult, error) {
		return flow.StageResult{}, flow.NewStageError(flow.KindInternal, flow.StageDraft,
			errors.New("all product drafts failed"))
	}
	h.registerAll(broken)
	r := flow.NewRunner(h.orch, h.opts, nil)

	data := seedWorkflow(t, h, "wf_fail")
	_, err := r.Run(context.Background(), "wf_fail", data)
	if flow.KindOf(err) != flow.KindInternal {
		t.Fatalf("kind = %s, err %v", flow.KindOf(err), err)
	}

	wf := h.workflow(t, "wf_fail")
	if wf.Status != flow.WorkflowFailed || wf.FailedStage != flow.StageDraft {
		t.Errorf("workflow %s, failed stage %s", wf.Status, wf.FailedStage)
	}
}
