package flow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner executes a workflow's stages back-to-back in-process, as the
// alternative to queue dispatch. A global execution budget (270s by default,
// headroom under a 300s serverless ceiling) bounds the run: when the elapsed
// time plus the next stage's budget would overrun it, the remaining work is
// handed off to the queue and the run returns successfully with HandedOff
// set.
type Runner struct {
	orch *Orchestrator
	opts Options
	log  *logrus.Entry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewRunner creates a sequential runner over the orchestrator.
func NewRunner(orch *Orchestrator, opts Options, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		orch:  orch,
		opts:  opts.withDefaults(),
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// RunReport summarizes a sequential run.
type RunReport struct {
	WorkflowID string

	// HandedOff is true when remaining stages were enqueued for queue-mode
	// completion instead of running here.
	HandedOff bool

	// NextStage is the stage handed off, when HandedOff.
	NextStage Stage

	// Timings are per-stage wall durations for the stages that ran here.
	Timings map[Stage]time.Duration
}

// Run drives the workflow from the first stage to completion or handoff.
// data is the workflow's initial stage payload (as minted at start).
func (r *Runner) Run(ctx context.Context, workflowID string, data StageData) (*RunReport, error) {
	began := r.now()
	report := &RunReport{
		WorkflowID: workflowID,
		Timings:    make(map[Stage]time.Duration),
	}
	data.WorkflowID = workflowID

	stage := StageParse
	for {
		if estimate := r.opts.StageBudget(stage); r.now().Sub(began)+estimate > r.opts.ExecutionBudget {
			if err := r.orch.ScheduleNextStage(ctx, workflowID, stage, data); err != nil {
				return report, err
			}
			report.HandedOff = true
			report.NextStage = stage
			r.log.WithFields(logrus.Fields{
				"workflow": workflowID,
				"stage":    stage,
				"elapsed":  r.now().Sub(began),
			}).Info("execution budget reached, handing off to queue")
			return report, nil
		}

		res, err := r.runStageWithRetry(ctx, stage, data, report)
		if err != nil {
			if ferr := r.orch.FailWorkflow(ctx, workflowID, stage, err); ferr != nil {
				r.log.WithError(ferr).Error("fail transition failed")
			}
			return report, err
		}

		data = res.Data
		next, ok := stage.Next()
		if !ok {
			r.log.WithFields(logrus.Fields{
				"workflow": workflowID,
				"elapsed":  r.now().Sub(began),
			}).Info("sequential run completed")
			return report, nil
		}
		stage = next
	}
}

// runStageWithRetry applies the same-stage retry policy the worker applies
// in queue mode, bounded by each error kind's limit.
func (r *Runner) runStageWithRetry(ctx context.Context, stage Stage, data StageData, report *RunReport) (StageResult, error) {
	attempt := 1
	for {
		started := r.now()
		res, err := r.orch.RunStageInline(ctx, stage, data)
		report.Timings[stage] += r.now().Sub(started)
		if err == nil {
			return res, nil
		}

		kind := KindOf(err)
		if attempt > kind.RetryLimit() {
			return StageResult{}, err
		}
		r.log.WithError(err).WithFields(logrus.Fields{
			"workflow": data.WorkflowID,
			"stage":    stage,
			"attempt":  attempt,
			"kind":     kind,
		}).Warn("stage failed, retrying in-process")
		r.sleep(ctx, computeBackoff(attempt-1, r.opts.RetryBase, r.opts.RetryMax))
		attempt++
	}
}
