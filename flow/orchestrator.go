package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow/progress"
	"github.com/wrenlabs/poflow/flow/queue"
)

// Orchestrator owns workflow lifecycle: start, stage transitions, scheduling,
// completion and failure. Stage processors do the work; the orchestrator
// applies the uniform contract around them.
//
// Progress discipline: real-time progress goes exclusively to the pub/sub
// fabric and the workflow record. The purchase order row is never touched
// for progress, so it is never lock-contended by a reporting write.
type Orchestrator struct {
	store      WorkflowStore
	fabric     progress.Fabric[Workflow]
	q          queue.Queue
	processors map[Stage]Processor
	opts       Options
	log        *logrus.Entry
	metrics    *Metrics

	now   func() time.Time
	newID func(time.Time) string
}

// NewOrchestrator wires the workflow core. Processors are attached with
// Register before any stage runs.
func NewOrchestrator(store WorkflowStore, fabric progress.Fabric[Workflow], q queue.Queue, opts Options, log *logrus.Entry, metrics *Metrics) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		store:      store,
		fabric:     fabric,
		q:          q,
		processors: make(map[Stage]Processor),
		opts:       opts.withDefaults(),
		log:        log,
		metrics:    metrics,
		now:        time.Now,
		newID:      NewWorkflowID,
	}
}

// Register attaches a stage processor.
func (o *Orchestrator) Register(p Processor) {
	o.processors[p.Stage()] = p
}

// StartInput describes a workflow start request.
type StartInput struct {
	UploadID   string
	MerchantID string
	FileURL    string
	FileName   string
	MIMEType   string

	// ExistingWorkflowID reuses a pre-created workflow row (the tick
	// dispatcher's path): only the first stage is scheduled, no new row.
	ExistingWorkflowID string
}

// StartWorkflow creates (or reuses) a workflow and schedules the first
// stage. Idempotent on upload: a live workflow already bound to the upload
// is returned instead of creating a duplicate.
func (o *Orchestrator) StartWorkflow(ctx context.Context, in StartInput) (string, error) {
	if in.ExistingWorkflowID != "" {
		wf, err := o.store.GetWorkflow(ctx, in.ExistingWorkflowID)
		if err != nil {
			return "", fmt.Errorf("reuse workflow %s: %w", in.ExistingWorkflowID, err)
		}
		if err := o.scheduleStage(ctx, wf, StageParse, wf.Data); err != nil {
			return "", err
		}
		return wf.ID, nil
	}

	if in.UploadID != "" {
		if wf, err := o.store.GetWorkflowByUpload(ctx, in.UploadID); err == nil && !wf.Terminal() {
			o.log.WithFields(logrus.Fields{"workflow": wf.ID, "upload": in.UploadID}).
				Debug("start is idempotent, reusing live workflow")
			return wf.ID, nil
		}
	}

	now := o.now()
	wf := &Workflow{
		ID:         o.newID(now),
		UploadID:   in.UploadID,
		MerchantID: in.MerchantID,
		FileURL:    in.FileURL,
		FileName:   in.FileName,
		MIMEType:   in.MIMEType,
		Status:     WorkflowPending,
		Stages:     NewStages(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	wf.Data = StageData{
		WorkflowID: wf.ID,
		MerchantID: in.MerchantID,
		UploadID:   in.UploadID,
		FileURL:    in.FileURL,
		FileName:   in.FileName,
		MIMEType:   in.MIMEType,
	}

	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return "", fmt.Errorf("create workflow: %w", err)
	}
	o.putMetadata(ctx, wf)

	if err := o.scheduleStage(ctx, wf, StageParse, wf.Data); err != nil {
		return "", err
	}
	return wf.ID, nil
}

// ScheduleNextStage enqueues a stage for a workflow and marks it
// processing. Used by the worker path after each stage and by the
// sequential runner's handoff.
func (o *Orchestrator) ScheduleNextStage(ctx context.Context, workflowID string, stage Stage, data StageData) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	return o.scheduleStage(ctx, wf, stage, data)
}

func (o *Orchestrator) scheduleStage(ctx context.Context, wf *Workflow, stage Stage, data StageData) error {
	data.WorkflowID = wf.ID
	st := wf.StageState(stage)
	st.Status = StageProcessing
	wf.CurrentStage = stage
	wf.Status = WorkflowProcessing
	wf.Data = data
	if err := o.persistWorkflow(ctx, wf); err != nil {
		return err
	}

	if _, err := o.q.Enqueue(ctx, string(stage), data); err != nil {
		return fmt.Errorf("enqueue %s: %w", stage, err)
	}
	o.log.WithFields(logrus.Fields{"workflow": wf.ID, "stage": stage}).Debug("stage scheduled")
	return nil
}

// RunStageQueued executes one stage and schedules its successor on the
// queue. The worker loop calls this for every dequeued job.
func (o *Orchestrator) RunStageQueued(ctx context.Context, stage Stage, data StageData) (StageResult, error) {
	return o.executeStage(ctx, stage, data, true)
}

// RunStageInline executes one stage without scheduling a successor. The
// sequential runner calls this and threads the result itself.
func (o *Orchestrator) RunStageInline(ctx context.Context, stage Stage, data StageData) (StageResult, error) {
	return o.executeStage(ctx, stage, data, false)
}

// executeStage applies the uniform stage contract: transition to
// processing, publish the starting progress event, run the processor under
// its budget, record the outcome, and (in queue mode only) schedule the
// successor. This is the single place the execution-mode split lives.
func (o *Orchestrator) executeStage(ctx context.Context, stage Stage, data StageData, scheduleNext bool) (StageResult, error) {
	proc, ok := o.processors[stage]
	if !ok {
		return StageResult{}, NewStageError(KindInternal, stage, fmt.Errorf("no processor registered"))
	}

	wf, err := o.store.GetWorkflow(ctx, data.WorkflowID)
	if err != nil {
		return StageResult{}, NewStageError(KindInternal, stage, err)
	}
	if wf.Terminal() {
		return StageResult{}, NewStageError(KindInternal, stage,
			fmt.Errorf("workflow already %s", wf.Status))
	}

	now := o.now()
	st := wf.StageState(stage)
	st.Status = StageProcessing
	st.StartedAt = &now
	wf.CurrentStage = stage
	wf.Status = WorkflowProcessing
	wf.Data = data
	if err := o.persistWorkflow(ctx, wf); err != nil {
		return StageResult{}, NewStageError(KindInternal, stage, err)
	}

	o.publish(ctx, wf.MerchantID, progress.Event{
		Type:       progress.EventProgress,
		WorkflowID: wf.ID,
		Stage:      string(stage),
		Percent:    5,
		Message:    "starting",
	})

	o.metrics.stageStarted()
	started := o.now()
	stageCtx, cancel := context.WithTimeout(ctx, o.opts.StageBudget(stage))
	res, procErr := proc.Process(stageCtx, data, stageReporter{o: o, stage: stage})
	cancel()
	elapsed := o.now().Sub(started)
	o.metrics.stageDone()

	if procErr != nil {
		if errors.Is(procErr, context.DeadlineExceeded) && ctx.Err() == nil {
			procErr = NewStageError(KindStageTimeout, stage,
				fmt.Errorf("budget %s exceeded: %w", o.opts.StageBudget(stage), procErr))
		}
		if stage.NonFatal() {
			// Best-effort stage: record the failure and advance.
			res = StageResult{
				Data:     data,
				Message:  "completed with warnings",
				Warnings: []string{procErr.Error()},
			}
			o.log.WithError(procErr).WithFields(logrus.Fields{
				"workflow": wf.ID,
				"stage":    stage,
			}).Warn("non-fatal stage failure, advancing")
		} else {
			o.metrics.observeStage(stage, "error", elapsed)
			return StageResult{}, procErr
		}
	}
	o.metrics.observeStage(stage, "success", elapsed)

	// Completion bookkeeping on a fresh read would race nothing (stages of
	// one workflow are serialized), but reuse the loaded record.
	done := o.now()
	st.Status = StageCompleted
	st.CompletedAt = &done
	st.Warnings = append(st.Warnings, res.Warnings...)
	if len(res.Warnings) > 0 && st.Error == "" {
		st.Error = res.Warnings[0]
	}
	wf.ProgressPercent = stageProgress[stage]
	if res.Data.PurchaseOrderID != "" {
		wf.PurchaseOrderID = res.Data.PurchaseOrderID
	}
	res.Data.WorkflowID = wf.ID
	res.Data.Warnings = append(res.Data.Warnings, res.Warnings...)
	wf.Data = res.Data
	if err := o.persistWorkflow(ctx, wf); err != nil {
		return StageResult{}, NewStageError(KindInternal, stage, err)
	}

	o.publish(ctx, wf.MerchantID, progress.Event{
		Type:       progress.EventStage,
		WorkflowID: wf.ID,
		Stage:      string(stage),
		Percent:    wf.ProgressPercent,
		Message:    res.Message,
		Extra:      res.Extra,
	})

	if stage == StageFinalize {
		if err := o.CompleteWorkflow(ctx, wf.ID, res); err != nil {
			return StageResult{}, err
		}
		return res, nil
	}
	if scheduleNext {
		next, _ := stage.Next()
		if err := o.scheduleStage(ctx, wf, next, res.Data); err != nil {
			return StageResult{}, NewStageError(KindInternal, stage, err)
		}
	}
	return res, nil
}

// CompleteWorkflow marks the workflow completed at 100 percent and
// publishes the completion event.
func (o *Orchestrator) CompleteWorkflow(ctx context.Context, workflowID string, res StageResult) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	now := o.now()
	wf.Status = WorkflowCompleted
	wf.ProgressPercent = 100
	wf.CompletedAt = &now
	if err := o.persistWorkflow(ctx, wf); err != nil {
		return err
	}

	o.publish(ctx, wf.MerchantID, progress.Event{
		Type:       progress.EventCompletion,
		WorkflowID: wf.ID,
		Stage:      string(StageFinalize),
		Percent:    100,
		Message:    res.Message,
		Extra:      res.Extra,
	})
	o.metrics.countWorkflow(WorkflowCompleted)
	o.log.WithField("workflow", wf.ID).Info("workflow completed")
	return nil
}

// FailWorkflow marks the stage and workflow failed and publishes the error
// event.
func (o *Orchestrator) FailWorkflow(ctx context.Context, workflowID string, stage Stage, cause error) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	now := o.now()
	st := wf.StageState(stage)
	st.Status = StageFailed
	st.CompletedAt = &now
	st.Error = cause.Error()
	wf.Status = WorkflowFailed
	wf.FailedStage = stage
	wf.ErrorMessage = cause.Error()
	wf.CompletedAt = &now
	if err := o.persistWorkflow(ctx, wf); err != nil {
		return err
	}

	o.publish(ctx, wf.MerchantID, progress.Event{
		Type:       progress.EventError,
		WorkflowID: wf.ID,
		Stage:      string(stage),
		Percent:    wf.ProgressPercent,
		Message:    cause.Error(),
	})
	o.metrics.countWorkflow(WorkflowFailed)
	o.log.WithError(cause).WithFields(logrus.Fields{
		"workflow": wf.ID,
		"stage":    stage,
	}).Error("workflow failed")
	return nil
}

// RequeueStage re-enqueues a stuck workflow's current stage with its last
// known payload. Janitor recovery path.
func (o *Orchestrator) RequeueStage(ctx context.Context, workflowID string) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Terminal() || wf.CurrentStage == "" {
		return nil
	}

	wf.StageState(wf.CurrentStage).Requeues++
	if err := o.persistWorkflow(ctx, wf); err != nil {
		return err
	}
	if _, err := o.q.Enqueue(ctx, string(wf.CurrentStage), wf.Data); err != nil {
		return fmt.Errorf("requeue %s: %w", wf.CurrentStage, err)
	}
	o.log.WithFields(logrus.Fields{
		"workflow": wf.ID,
		"stage":    wf.CurrentStage,
		"requeues": wf.StageState(wf.CurrentStage).Requeues,
	}).Info("stuck stage re-enqueued")
	return nil
}

// stageReporter implements Reporter for stage processors: intermediate
// progress goes to the merchant progress channel only, stamped with the
// executing stage.
type stageReporter struct {
	o     *Orchestrator
	stage Stage
}

func (r stageReporter) Progress(ctx context.Context, data StageData, percent int, message string) {
	r.o.publish(ctx, data.MerchantID, progress.Event{
		Type:       progress.EventProgress,
		WorkflowID: data.WorkflowID,
		Stage:      string(r.stage),
		Percent:    percent,
		Message:    message,
	})
}

// persistWorkflow writes the row and overwrites the KV metadata with a
// fresh TTL. The row is the durable truth; a fabric error is logged, not
// fatal.
func (o *Orchestrator) persistWorkflow(ctx context.Context, wf *Workflow) error {
	wf.UpdatedAt = o.now()
	if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	o.putMetadata(ctx, wf)
	return nil
}

func (o *Orchestrator) putMetadata(ctx context.Context, wf *Workflow) {
	if o.fabric == nil {
		return
	}
	if err := o.fabric.PutWorkflow(ctx, wf.ID, *wf, o.opts.MetadataTTL); err != nil {
		o.log.WithError(err).WithField("workflow", wf.ID).Warn("metadata write failed")
	}
}

func (o *Orchestrator) publish(ctx context.Context, merchantID string, ev progress.Event) {
	if o.fabric == nil {
		return
	}
	ev.TS = o.now().UnixMilli()
	channel := progress.Channel(merchantID, ev.Type)
	if err := o.fabric.Publish(ctx, channel, ev); err != nil {
		o.log.WithError(err).WithField("channel", channel).Debug("event publish failed")
	}
}
