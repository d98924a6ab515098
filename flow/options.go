package flow

import "time"

// Options are the workflow-core runtime knobs. The zero value gets the
// documented defaults via withDefaults.
type Options struct {
	// SequentialExecution routes stages through the in-process runner
	// instead of queue dispatch.
	SequentialExecution bool

	// MetadataTTL bounds the KV workflow metadata. Normal completion takes
	// about six minutes; the default leaves a 30x buffer while preventing
	// hours-old orphans from being resurrected by the dispatcher.
	MetadataTTL time.Duration

	// StageBudgets are the per-stage soft budgets. Missing stages use
	// DefaultStageBudgets.
	StageBudgets map[Stage]time.Duration

	// ExecutionBudget is the sequential runner's total budget, leaving
	// headroom under a 300s serverless ceiling.
	ExecutionBudget time.Duration

	// RetryBase and RetryMax shape the same-stage retry backoff.
	RetryBase time.Duration
	RetryMax  time.Duration

	// TickPeriod is the dispatcher cadence.
	TickPeriod time.Duration

	// TickBudget bounds one dispatcher tick; discovery and enqueue only.
	TickBudget time.Duration

	// StuckThreshold is the processing age beyond which the janitor acts.
	StuckThreshold time.Duration

	// JanitorRequeueLimit caps janitor re-enqueues per stage before the
	// workflow is failed.
	JanitorRequeueLimit int

	// DequeueWait is how long a worker blocks on an empty queue per poll.
	DequeueWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.MetadataTTL <= 0 {
		o.MetadataTTL = 30 * time.Minute
	}
	if o.ExecutionBudget <= 0 {
		o.ExecutionBudget = 270 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 3 * time.Second
	}
	if o.TickPeriod <= 0 {
		o.TickPeriod = 60 * time.Second
	}
	if o.TickBudget <= 0 {
		o.TickBudget = 10 * time.Second
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 10 * time.Minute
	}
	if o.JanitorRequeueLimit <= 0 {
		o.JanitorRequeueLimit = 3
	}
	if o.DequeueWait <= 0 {
		o.DequeueWait = 2 * time.Second
	}
	return o
}

// StageBudget returns the soft budget for a stage.
func (o Options) StageBudget(s Stage) time.Duration {
	if d, ok := o.StageBudgets[s]; ok && d > 0 {
		return d
	}
	return DefaultStageBudgets[s]
}
