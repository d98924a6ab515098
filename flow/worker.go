package flow

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow/queue"
)

// Worker drains stage jobs from the queue and runs them through the
// orchestrator. Multiple workers may run concurrently, in one process or
// many; the queue serializes delivery.
//
// Shutdown is graceful: cancelling the context stops dequeuing, the
// in-flight job finishes, and anything unacked is recovered by the queue's
// in-flight sweep.
type Worker struct {
	orch *Orchestrator
	q    queue.Queue
	opts Options
	log  *logrus.Entry

	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration)
}

// NewWorker creates a worker over the orchestrator's queue.
func NewWorker(orch *Orchestrator, q queue.Queue, opts Options, log *logrus.Entry, metrics *Metrics) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		orch:    orch,
		q:       q,
		opts:    opts.withDefaults(),
		log:     log,
		metrics: metrics,
		sleep:   sleepCtx,
	}
}

// Run processes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	topics := make([]string, len(StageOrder))
	for i, s := range StageOrder {
		topics[i] = string(s)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := w.q.Dequeue(ctx, topics, w.opts.DequeueWait)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case errors.Is(err, queue.ErrClosed):
			return nil
		case err != nil:
			w.log.WithError(err).Warn("dequeue failed")
			w.sleep(ctx, w.opts.DequeueWait)
			continue
		case job == nil:
			w.observeDepths(ctx, topics)
			continue
		}
		w.handle(ctx, job)
	}
}

// handle runs one job to ack, retry or terminal failure.
func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	stage := Stage(job.Topic)
	var data StageData
	if !stage.Valid() || job.UnmarshalPayload(&data) != nil || data.WorkflowID == "" {
		w.log.WithFields(logrus.Fields{"job": job.ID, "topic": job.Topic}).
			Error("dropping malformed job")
		w.ack(ctx, job)
		return
	}

	log := w.log.WithFields(logrus.Fields{
		"workflow": data.WorkflowID,
		"stage":    stage,
		"attempt":  job.Attempt,
	})

	_, err := w.orch.RunStageQueued(ctx, stage, data)
	if err == nil {
		w.ack(ctx, job)
		return
	}

	kind := KindOf(err)
	if job.Attempt <= kind.RetryLimit() {
		log.WithError(err).WithField("kind", kind).Warn("stage failed, retrying")
		w.metrics.countRetry(stage, kind)
		w.sleep(ctx, computeBackoff(job.Attempt-1, w.opts.RetryBase, w.opts.RetryMax))
		if nerr := w.q.Nack(ctx, job); nerr != nil {
			log.WithError(nerr).Error("nack failed")
		}
		return
	}

	log.WithError(err).WithField("kind", kind).Error("stage failed terminally")
	if ferr := w.orch.FailWorkflow(ctx, data.WorkflowID, stage, err); ferr != nil {
		log.WithError(ferr).Error("fail transition failed")
	}
	w.ack(ctx, job)
}

func (w *Worker) ack(ctx context.Context, job *queue.Job) {
	if err := w.q.Ack(ctx, job); err != nil {
		w.log.WithError(err).WithField("job", job.ID).Error("ack failed")
	}
}

func (w *Worker) observeDepths(ctx context.Context, topics []string) {
	if w.metrics == nil {
		return
	}
	for _, t := range topics {
		if depth, err := w.q.Depth(ctx, t); err == nil {
			w.metrics.setQueueDepth(t, depth)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
