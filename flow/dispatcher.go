package flow

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher is the periodic driver: every tick it discovers pending
// uploads, dedupes them by extracted PO number, mints workflow IDs, and
// starts workflows. The tick does discovery and enqueueing only; all heavy
// work happens in stage processors.
type Dispatcher struct {
	uploads UploadSource
	store   WorkflowStore
	orch    *Orchestrator
	janitor *Janitor
	runner  *Runner
	opts    Options
	log     *logrus.Entry
	metrics *Metrics

	now   func() time.Time
	newID func(time.Time) string
}

// NewDispatcher creates the tick dispatcher. janitor may be nil.
func NewDispatcher(uploads UploadSource, store WorkflowStore, orch *Orchestrator, janitor *Janitor, opts Options, log *logrus.Entry, metrics *Metrics) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		uploads: uploads,
		store:   store,
		orch:    orch,
		janitor: janitor,
		opts:    opts.withDefaults(),
		log:     log,
		metrics: metrics,
		now:     time.Now,
		newID:   NewWorkflowID,
	}
}

// UseRunner routes dispatched workflows through the sequential runner when
// SequentialExecution is set, instead of enqueueing the first stage.
func (d *Dispatcher) UseRunner(r *Runner) {
	d.runner = r
}

// Run ticks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.log.WithError(err).Warn("dispatch tick failed")
			}
			if d.janitor != nil {
				if _, err := d.janitor.Sweep(ctx); err != nil {
					d.log.WithError(err).Warn("janitor sweep failed")
				}
			}
		}
	}
}

// Tick runs one dispatch pass under the tick budget and returns the number
// of workflows started.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.TickBudget)
	defer cancel()

	pending, err := d.uploads.PendingUploads(ctx, 100)
	if err != nil {
		return 0, err
	}
	selected := d.dedupe(pending)

	started := 0
	for _, up := range selected {
		if err := d.startUpload(ctx, up); err != nil {
			d.log.WithError(err).WithField("upload", up.ID).Error("upload dispatch failed")
			continue
		}
		started++
	}
	return started, nil
}

// dedupe keeps the earliest upload per (merchant, extracted PO number) and
// skips the rest. Uploads without an extracted number are never deduped.
func (d *Dispatcher) dedupe(uploads []Upload) []Upload {
	sort.SliceStable(uploads, func(i, j int) bool {
		return uploads[i].CreatedAt.Before(uploads[j].CreatedAt)
	})

	seen := make(map[string]string) // dedupe key -> winning upload ID
	kept := uploads[:0]
	for _, up := range uploads {
		if up.ExtractedPONumber == "" {
			kept = append(kept, up)
			continue
		}
		key := up.MerchantID + "|" + up.ExtractedPONumber
		if winner, dup := seen[key]; dup {
			d.log.WithFields(logrus.Fields{
				"upload":    up.ID,
				"merchant":  up.MerchantID,
				"po_number": up.ExtractedPONumber,
				"kept":      winner,
			}).Info("skipping duplicate upload for same PO")
			d.metrics.countDedupeSkip()
			continue
		}
		seen[key] = up.ID
		kept = append(kept, up)
	}
	return kept
}

// startUpload mints the workflow row for an upload, binds them, and asks
// the orchestrator to schedule the first stage against the pre-minted ID.
func (d *Dispatcher) startUpload(ctx context.Context, up Upload) error {
	now := d.now()
	wf := &Workflow{
		ID:         d.newID(now),
		UploadID:   up.ID,
		MerchantID: up.MerchantID,
		FileURL:    up.FileURL,
		FileName:   up.FileName,
		MIMEType:   up.MIMEType,
		Status:     WorkflowPending,
		Stages:     NewStages(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	wf.Data = StageData{
		WorkflowID: wf.ID,
		MerchantID: up.MerchantID,
		UploadID:   up.ID,
		FileURL:    up.FileURL,
		FileName:   up.FileName,
		MIMEType:   up.MIMEType,
	}

	if err := d.store.CreateWorkflow(ctx, wf); err != nil {
		return err
	}
	if err := d.uploads.BindUpload(ctx, up.ID, wf.ID); err != nil {
		return err
	}

	if d.opts.SequentialExecution && d.runner != nil {
		// The run outlives the tick budget; detach it and bound it by the
		// execution budget plus handoff headroom.
		go func(wf Workflow) {
			runCtx, cancel := context.WithTimeout(context.Background(), d.opts.ExecutionBudget+30*time.Second)
			defer cancel()
			if _, err := d.runner.Run(runCtx, wf.ID, wf.Data); err != nil {
				d.log.WithError(err).WithField("workflow", wf.ID).Error("sequential run failed")
			}
		}(*wf)
		d.log.WithFields(logrus.Fields{"workflow": wf.ID, "upload": up.ID}).Info("workflow dispatched inline")
		return nil
	}

	_, err := d.orch.StartWorkflow(ctx, StartInput{ExistingWorkflowID: wf.ID})
	if err == nil {
		d.log.WithFields(logrus.Fields{"workflow": wf.ID, "upload": up.ID}).Info("workflow dispatched")
	}
	return err
}
