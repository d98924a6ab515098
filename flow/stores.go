package flow

import (
	"context"
	"errors"
	"time"
)

// ErrWorkflowNotFound is returned when a workflow row does not exist.
var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowStore is the durable side of workflow state. The KV fabric holds
// the hot copy; this store is the survivor when the TTL reaps it.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetWorkflowByUpload returns the workflow bound to an upload, backing
	// idempotent start. ErrWorkflowNotFound when none exists.
	GetWorkflowByUpload(ctx context.Context, uploadID string) (*Workflow, error)

	// UpdateWorkflow overwrites the full record.
	UpdateWorkflow(ctx context.Context, wf *Workflow) error

	// StuckWorkflows returns processing workflows whose last update is
	// older than the threshold, for janitor recovery.
	StuckWorkflows(ctx context.Context, olderThan time.Duration, limit int) ([]*Workflow, error)
}

// OrphanStore finalizes purchase orders whose line items were saved but
// whose workflow never completed, applying the confidence-based terminal
// status. Implementations scan with FOR UPDATE SKIP LOCKED so live
// processing is never blocked.
type OrphanStore interface {
	FinalizeOrphans(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Upload is a pending artifact discovered by the tick dispatcher.
type Upload struct {
	ID                string
	MerchantID        string
	FileURL           string
	FileName          string
	MIMEType          string
	ExtractedPONumber string
	CreatedAt         time.Time
}

// UploadSource feeds the tick dispatcher.
type UploadSource interface {
	// PendingUploads returns uploads with no bound workflow, oldest first.
	PendingUploads(ctx context.Context, limit int) ([]Upload, error)

	// BindUpload records the workflow driving an upload, removing it from
	// future PendingUploads results.
	BindUpload(ctx context.Context, uploadID, workflowID string) error
}
