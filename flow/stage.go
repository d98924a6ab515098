package flow

import (
	"context"

	"github.com/wrenlabs/poflow/flow/extract"
)

// StageData is the uniform payload threaded from one stage to the next.
// Every stage receives its predecessor's StageData and returns the successor's.
type StageData struct {
	WorkflowID string `json:"workflow_id"`
	MerchantID string `json:"merchant_id"`
	UploadID   string `json:"upload_id,omitempty"`

	// Artifact location, consumed by the parse stage.
	FileURL  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`

	// Parsed is the extraction result, set by the parse stage and consumed
	// by the save stage.
	Parsed *extract.Result `json:"parsed,omitempty"`

	// Save-stage outputs, consumed by every later stage.
	PurchaseOrderID string  `json:"purchase_order_id,omitempty"`
	SupplierID      string  `json:"supplier_id,omitempty"`
	LineItemCount   int     `json:"line_item_count,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`

	// Warnings accumulates non-fatal failures from earlier stages so the
	// finalize stage can fold them into the processing notes.
	Warnings []string `json:"warnings,omitempty"`
}

// StageResult is what a processor hands back: the payload for the successor
// plus reporting detail.
type StageResult struct {
	// Data is the next stage's payload. Must carry workflow, merchant and
	// purchase order identity forward.
	Data StageData

	// Message is a short human-readable outcome for the stage event.
	Message string

	// Warnings records non-fatal problems without failing the stage.
	Warnings []string

	// Extra is attached to the published stage event.
	Extra map[string]interface{}
}

// Reporter publishes intermediate progress from inside a stage. Progress
// goes only to the pub/sub fabric, never to the purchase order row.
type Reporter interface {
	Progress(ctx context.Context, data StageData, percent int, message string)
}

// Processor is one pipeline stage. Implementations do the stage's work and
// report sparse intermediate progress; transitions, scheduling and failure
// policy belong to the orchestrator.
type Processor interface {
	Stage() Stage
	Process(ctx context.Context, data StageData, rep Reporter) (StageResult, error)
}
