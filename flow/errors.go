package flow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure and selects its handling policy.
type ErrorKind string

// Error kinds.
const (
	// KindTransientConnection covers engine warmup, pool exhaustion and
	// network blips. Retried up to five times with backoff.
	KindTransientConnection ErrorKind = "TRANSIENT_CONNECTION"

	// KindUniqueViolation is a PO number collision. Resolved inside the
	// save service by suffixing; the orchestrator never sees it.
	KindUniqueViolation ErrorKind = "UNIQUE_VIOLATION"

	// KindTransactionTimeout means a transaction exceeded its budget.
	// Non-retryable; the stage and workflow fail.
	KindTransactionTimeout ErrorKind = "TRANSACTION_TIMEOUT"

	// KindParseIncomplete means required fields came back null. Handled
	// inside the parser by a single retry; surfaces only as downgraded
	// confidence, never as a stage failure.
	KindParseIncomplete ErrorKind = "PARSE_INCOMPLETE"

	// KindExtractorUnavailable is an external vision provider failure.
	// Retried up to three times, then the stage fails.
	KindExtractorUnavailable ErrorKind = "EXTRACTOR_UNAVAILABLE"

	// KindStageTimeout means the stage's soft budget elapsed. Retried once.
	KindStageTimeout ErrorKind = "STAGE_TIMEOUT"

	// KindNonFatal marks image-attachment or sync failures: recorded on
	// stage metadata, the workflow advances.
	KindNonFatal ErrorKind = "NON_FATAL"

	// KindWorkflowStuck is assigned by the janitor when a workflow shows
	// no activity past the stuck threshold.
	KindWorkflowStuck ErrorKind = "WORKFLOW_STUCK"

	// KindInternal is any unclassified failure. Non-retryable.
	KindInternal ErrorKind = "INTERNAL"
)

// RetryLimit is the per-kind ceiling on same-stage retries.
func (k ErrorKind) RetryLimit() int {
	switch k {
	case KindTransientConnection:
		return 5
	case KindExtractorUnavailable:
		return 3
	case KindStageTimeout:
		return 1
	default:
		return 0
	}
}

// StageError tags a failure with its kind and the stage it occurred in.
type StageError struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

// NewStageError wraps err with a kind and stage.
func NewStageError(kind ErrorKind, stage Stage, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, defaulting to KindInternal for untagged
// errors.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
