package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Janitor recovers workflows that stopped making progress and finalizes
// purchase orders left behind by workflows that never completed. It runs on
// the dispatcher's tick.
type Janitor struct {
	store   WorkflowStore
	orphans OrphanStore
	orch    *Orchestrator
	opts    Options
	log     *logrus.Entry
	metrics *Metrics
}

// NewJanitor creates a janitor. orphans may be nil when orphan finalization
// is handled elsewhere.
func NewJanitor(store WorkflowStore, orphans OrphanStore, orch *Orchestrator, opts Options, log *logrus.Entry, metrics *Metrics) *Janitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Janitor{
		store:   store,
		orphans: orphans,
		orch:    orch,
		opts:    opts.withDefaults(),
		log:     log,
		metrics: metrics,
	}
}

// SweepReport counts one sweep's actions.
type SweepReport struct {
	Requeued         int
	Finalized        int
	Failed           int
	OrphansFinalized int
}

// Sweep performs one recovery pass: stuck workflows are re-enqueued up to
// the limit, then routed to finalization when line items were already saved
// or failed when nothing is salvageable. Orphaned purchase orders are
// finalized with their confidence-based status.
func (j *Janitor) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport

	stuck, err := j.store.StuckWorkflows(ctx, j.opts.StuckThreshold, 50)
	if err != nil {
		return rep, fmt.Errorf("scan stuck workflows: %w", err)
	}

	for _, wf := range stuck {
		log := j.log.WithFields(logrus.Fields{
			"workflow": wf.ID,
			"stage":    wf.CurrentStage,
			"age":      time.Since(wf.UpdatedAt).Truncate(time.Second),
		})

		if wf.StageState(wf.CurrentStage).Requeues < j.opts.JanitorRequeueLimit {
			if err := j.orch.RequeueStage(ctx, wf.ID); err != nil {
				log.WithError(err).Error("requeue failed")
				continue
			}
			rep.Requeued++
			j.metrics.countJanitor("requeue")
			continue
		}

		// Past the requeue limit. A workflow with saved line items still has
		// a finishable purchase order, so route it to the finalize stage
		// instead of failing it. A workflow stuck in finalize itself already
		// had its re-enqueues.
		if wf.CurrentStage != StageFinalize && wf.Data.PurchaseOrderID != "" && wf.Data.LineItemCount > 0 {
			if err := j.orch.ScheduleNextStage(ctx, wf.ID, StageFinalize, wf.Data); err != nil {
				log.WithError(err).Error("finalize routing failed")
				continue
			}
			rep.Finalized++
			j.metrics.countJanitor("finalize")
			log.Info("stuck workflow routed to finalization")
			continue
		}

		cause := NewStageError(KindWorkflowStuck, wf.CurrentStage,
			fmt.Errorf("no activity past %s after %d re-enqueues", j.opts.StuckThreshold, j.opts.JanitorRequeueLimit))
		if err := j.orch.FailWorkflow(ctx, wf.ID, wf.CurrentStage, cause); err != nil {
			log.WithError(err).Error("fail transition failed")
			continue
		}
		rep.Failed++
		j.metrics.countJanitor("fail")
	}

	if j.orphans != nil {
		n, err := j.orphans.FinalizeOrphans(ctx, j.opts.StuckThreshold, 100)
		if err != nil {
			return rep, fmt.Errorf("finalize orphans: %w", err)
		}
		rep.OrphansFinalized = n
		for i := 0; i < n; i++ {
			j.metrics.countJanitor("finalize_orphan")
		}
	}

	if rep.Requeued+rep.Finalized+rep.Failed+rep.OrphansFinalized > 0 {
		j.log.WithFields(logrus.Fields{
			"requeued":  rep.Requeued,
			"finalized": rep.Finalized,
			"failed":    rep.Failed,
			"orphans":   rep.OrphansFinalized,
		}).Info("janitor sweep done")
	}
	return rep, nil
}
