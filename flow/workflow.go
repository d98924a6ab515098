// Package flow is the workflow core: the orchestrator driving the six-stage
// purchase-order pipeline, the queue worker loop, the sequential runner, the
// janitor and the tick dispatcher.
package flow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Stage identifies one pipeline stage by its tag.
type Stage string

// The six stages, in execution order.
const (
	StageParse    Stage = "ai_parsing"
	StageSave     Stage = "database_save"
	StageDraft    Stage = "product_draft_creation"
	StageImages   Stage = "image_attachment"
	StageSync     Stage = "shopify_sync"
	StageFinalize Stage = "status_update"
)

// StageOrder is the declared execution order.
var StageOrder = []Stage{StageParse, StageSave, StageDraft, StageImages, StageSync, StageFinalize}

// DefaultStageBudgets are the per-stage soft budgets.
var DefaultStageBudgets = map[Stage]time.Duration{
	StageParse:    90 * time.Second,
	StageSave:     10 * time.Second,
	StageDraft:    20 * time.Second,
	StageImages:   40 * time.Second,
	StageSync:     60 * time.Second,
	StageFinalize: 5 * time.Second,
}

// stageProgress is the workflow percent reported after each stage completes.
var stageProgress = map[Stage]int{
	StageParse:    20,
	StageSave:     40,
	StageDraft:    55,
	StageImages:   70,
	StageSync:     85,
	StageFinalize: 100,
}

// Next returns the successor stage, or false after the final stage.
func (s Stage) Next() (Stage, bool) {
	for i, st := range StageOrder {
		if st == s && i+1 < len(StageOrder) {
			return StageOrder[i+1], true
		}
	}
	return "", false
}

// NonFatal reports whether a failure of this stage advances the workflow
// instead of failing it. Image attachment and external sync are best-effort.
func (s Stage) NonFatal() bool {
	return s == StageImages || s == StageSync
}

// Valid reports whether s is one of the six stage tags.
func (s Stage) Valid() bool {
	_, ok := DefaultStageBudgets[s]
	return ok
}

// Workflow statuses.
const (
	WorkflowPending    = "pending"
	WorkflowProcessing = "processing"
	WorkflowCompleted  = "completed"
	WorkflowFailed     = "failed"
)

// Stage statuses within a workflow.
const (
	StagePending    = "pending"
	StageProcessing = "processing"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// StageState is the per-stage record inside a workflow.
type StageState struct {
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error holds the failure message when Status is failed, or the
	// recorded non-fatal failure when the stage completed with warnings.
	Error string `json:"error,omitempty"`

	// Warnings records non-fatal problems (partial image attachment, sync
	// rejection) without failing the stage.
	Warnings []string `json:"warnings,omitempty"`

	// Requeues counts janitor re-enqueues of this stage.
	Requeues int `json:"requeues,omitempty"`
}

// Workflow is the durable execution record, stored both as a row and as the
// TTL-bounded KV metadata entry. Every transition rewrites the whole record.
type Workflow struct {
	ID         string `json:"id" db:"id"`
	UploadID   string `json:"upload_id" db:"upload_id"`
	MerchantID string `json:"merchant_id" db:"merchant_id"`

	FileURL  string `json:"file_url" db:"file_url"`
	FileName string `json:"file_name" db:"file_name"`
	MIMEType string `json:"mime_type" db:"mime_type"`

	Status          string                 `json:"status" db:"status"`
	CurrentStage    Stage                  `json:"current_stage" db:"current_stage"`
	Stages          map[Stage]*StageState  `json:"stages" db:"-"`
	ProgressPercent int                    `json:"progress_percent" db:"progress_percent"`

	// Data is the payload for the current stage, kept for janitor
	// re-enqueue after a worker loss.
	Data StageData `json:"data" db:"-"`

	PurchaseOrderID string `json:"purchase_order_id,omitempty" db:"purchase_order_id"`
	ErrorMessage    string `json:"error_message,omitempty" db:"error_message"`
	FailedStage     Stage  `json:"failed_stage,omitempty" db:"failed_stage"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// NewStages returns the initial all-pending stage map.
func NewStages() map[Stage]*StageState {
	stages := make(map[Stage]*StageState, len(StageOrder))
	for _, s := range StageOrder {
		stages[s] = &StageState{Status: StagePending}
	}
	return stages
}

// Terminal reports whether the workflow reached a final status.
func (w *Workflow) Terminal() bool {
	return w.Status == WorkflowCompleted || w.Status == WorkflowFailed
}

// StageState returns the record for a stage, creating it if the map was
// deserialized without it.
func (w *Workflow) StageState(s Stage) *StageState {
	if w.Stages == nil {
		w.Stages = NewStages()
	}
	if w.Stages[s] == nil {
		w.Stages[s] = &StageState{Status: StagePending}
	}
	return w.Stages[s]
}

// NewWorkflowID mints a workflow ID of the form wf_<epoch_ms>_<8 hex chars>.
func NewWorkflowID(now time.Time) string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Millisecond timestamp alone still distinguishes workflows in
		// practice; collision needs two mints in the same millisecond.
		return fmt.Sprintf("wf_%d_%08x", now.UnixMilli(), now.UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("wf_%d_%s", now.UnixMilli(), hex.EncodeToString(buf[:]))
}
