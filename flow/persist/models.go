// Package persist owns the purchase-order domain model and the transactional
// save path: conflict-resolving PO numbering, the pack-quantity rule, supplier
// fuzzy matching and the product-draft records downstream stages build on.
package persist

import "time"

// Purchase order status vocabulary. Status transitions are driven by the
// finalize stage and the janitor; everything else reads.
const (
	StatusPending             = "pending"
	StatusProcessing          = "processing"
	StatusReviewNeeded        = "review_needed"
	StatusLowConfidenceReview = "low_confidence_review"
	StatusCompleted           = "completed"
	StatusFailed              = "failed"
	StatusDenied              = "denied"
	StatusSynced              = "synced"
)

// Product draft statuses.
const (
	DraftStatusDraft    = "draft"
	DraftStatusReview   = "review"
	DraftStatusApproved = "approved"
	DraftStatusRejected = "rejected"
	DraftStatusSynced   = "synced"
)

// Confidence thresholds for final PO status.
const (
	ConfidenceCompleted    = 0.9
	ConfidenceReviewNeeded = 0.7
)

// StatusForConfidence maps an overall extraction confidence (0..1) to the
// terminal PO status.
func StatusForConfidence(confidence float64) string {
	switch {
	case confidence >= ConfidenceCompleted:
		return StatusCompleted
	case confidence >= ConfidenceReviewNeeded:
		return StatusReviewNeeded
	default:
		return StatusLowConfidenceReview
	}
}

// PurchaseOrder is the persisted PO row. (merchant_id, number) is unique;
// conflict resolution suffixes the number rather than failing the save.
//
// ProcessingNotes is a one-time narrative field written at most once after
// the save stage. It is never used as a progress channel.
type PurchaseOrder struct {
	ID              string     `db:"id" json:"id"`
	MerchantID      string     `db:"merchant_id" json:"merchant_id"`
	Number          string     `db:"number" json:"number"`
	SupplierID      *string    `db:"supplier_id" json:"supplier_id,omitempty"`
	Status          string     `db:"status" json:"status"`
	Confidence      float64    `db:"confidence" json:"confidence"`
	TotalAmount     float64    `db:"total_amount" json:"total_amount"`
	Currency        string     `db:"currency" json:"currency"`
	ProcessingNotes *string    `db:"processing_notes" json:"processing_notes,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	JobCompletedAt  *time.Time `db:"job_completed_at" json:"job_completed_at,omitempty"`
}

// LineItem is one PO line. Quantity is always >= 1 after normalization and
// total_price stays within one cent of quantity * unit_price.
type LineItem struct {
	ID              string  `db:"id" json:"id"`
	PurchaseOrderID string  `db:"purchase_order_id" json:"purchase_order_id"`
	Description     string  `db:"description" json:"description"`
	SKU             string  `db:"sku" json:"sku,omitempty"`
	Quantity        int     `db:"quantity" json:"quantity"`
	UnitPrice       float64 `db:"unit_price" json:"unit_price"`
	TotalPrice      float64 `db:"total_price" json:"total_price"`
	Confidence      float64 `db:"confidence" json:"confidence"`
}

// Supplier is a merchant-scoped supplier record, resolved by fuzzy match
// during save.
type Supplier struct {
	ID         string    `db:"id" json:"id"`
	MerchantID string    `db:"merchant_id" json:"merchant_id"`
	Name       string    `db:"name" json:"name"`
	Email      string    `db:"email" json:"email,omitempty"`
	Phone      string    `db:"phone" json:"phone,omitempty"`
	Website    string    `db:"website" json:"website,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ScoredSupplier is a supplier candidate with its name-similarity score,
// as returned by the trigram engine.
type ScoredSupplier struct {
	Supplier
	NameScore float64 `db:"name_score"`
}

// ProductDraft is the per-line-item draft produced by the draft stage.
type ProductDraft struct {
	ID              string   `db:"id" json:"id"`
	LineItemID      string   `db:"line_item_id" json:"line_item_id"`
	MerchantID      string   `db:"merchant_id" json:"merchant_id"`
	PurchaseOrderID string   `db:"purchase_order_id" json:"purchase_order_id"`
	SessionID       string   `db:"session_id" json:"session_id"`
	OriginalTitle   string   `db:"original_title" json:"original_title"`
	RefinedTitle    *string  `db:"refined_title" json:"refined_title,omitempty"`
	OriginalPrice   float64  `db:"original_price" json:"original_price"`
	PriceRefined    *float64 `db:"price_refined" json:"price_refined,omitempty"`
	EstimatedMargin *float64 `db:"estimated_margin" json:"estimated_margin,omitempty"`
	Status          string   `db:"status" json:"status"`

	Images []DraftImage `db:"-" json:"images,omitempty"`
}

// DraftImage is one attached product image with its heuristic score.
type DraftImage struct {
	ID             string  `db:"id" json:"id"`
	ProductDraftID string  `db:"product_draft_id" json:"product_draft_id"`
	URL            string  `db:"url" json:"url"`
	Score          float64 `db:"score" json:"score"`
	Position       int     `db:"position" json:"position"`
}

// Session groups product drafts for a merchant's review pass. The draft
// stage reuses the newest session or creates a temporary one.
type Session struct {
	ID         string    `db:"id" json:"id"`
	MerchantID string    `db:"merchant_id" json:"merchant_id"`
	Temporary  bool      `db:"temporary" json:"temporary"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
