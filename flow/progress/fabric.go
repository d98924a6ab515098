package progress

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no metadata exists (or TTL already reaped it)
// for a requested workflow ID.
var ErrNotFound = errors.New("workflow metadata not found")

// Fabric is the combined KV + pub/sub surface used by the workflow core.
//
// Two logical surfaces share one backing store:
//
//   - Workflow metadata: a TTL-bounded overwrite-on-write record per
//     workflow. Every stage transition rewrites the full record with a
//     fresh TTL; there is no field-level mutation, so serialized stages
//     cannot lose updates to each other.
//   - Progress channel: best-effort, non-blocking publish of Events to
//     per-merchant channels. Subscribers receive a lazy stream; closing
//     the subscription (or cancelling its context) ends delivery.
//
// Type parameter M is the metadata type stored per workflow.
type Fabric[M any] interface {
	// PutWorkflow overwrites the metadata for workflowID with a fresh TTL.
	PutWorkflow(ctx context.Context, workflowID string, meta M, ttl time.Duration) error

	// GetWorkflow returns the metadata for workflowID, or ErrNotFound if
	// it does not exist or its TTL has expired.
	GetWorkflow(ctx context.Context, workflowID string) (M, error)

	// DeleteWorkflow removes the metadata entry. Deleting a missing entry
	// is not an error; TTL reaping makes explicit deletion optional.
	DeleteWorkflow(ctx context.Context, workflowID string) error

	// Publish sends an event on a channel. Best-effort: slow or absent
	// subscribers never block or fail the publisher.
	Publish(ctx context.Context, channel string, ev Event) error

	// Subscribe returns a stream of events for the given channels and a
	// cancel function that closes the subscription. The returned channel
	// is closed after cancel (or when ctx is done).
	Subscribe(ctx context.Context, channels ...string) (<-chan Event, func(), error)
}
