package persist

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("persist: not found")

// ErrUniqueNumber indicates an insert or update collided with the
// (merchant_id, number) unique constraint. The save service resolves it by
// suffixing; it is never surfaced to the orchestrator.
var ErrUniqueNumber = errors.New("persist: purchase order number taken")

// ErrSaveFailed indicates the conflict-resolution loop and the timestamp
// fallback were both exhausted. Terminal; the stage fails.
var ErrSaveFailed = errors.New("persist: save failed")

// POStore is the purchase-order surface of the store.
//
// CreatePurchaseOrder and UpdatePurchaseOrder each run one transaction
// bounded by timeout, holding only the writes for that attempt. Conflict
// retries happen in the caller with fresh transactions: a unique violation
// aborts the transaction it occurred in, so looping inside one is useless.
type POStore interface {
	// CreatePurchaseOrder inserts the PO and its line items in one
	// transaction. Returns ErrUniqueNumber on a number collision.
	CreatePurchaseOrder(ctx context.Context, po *PurchaseOrder, items []LineItem, timeout time.Duration) error

	// UpdatePurchaseOrder rewrites the PO row and replaces its line items in
	// one transaction. When withNumber is false the number column is left
	// untouched. Returns ErrUniqueNumber on a number collision.
	UpdatePurchaseOrder(ctx context.Context, po *PurchaseOrder, items []LineItem, withNumber bool, timeout time.Duration) error

	// NumbersLike returns existing PO numbers for the merchant sharing the
	// base prefix. Runs outside any transaction.
	NumbersLike(ctx context.Context, merchantID, base string) ([]string, error)

	// CountLineItems backs the post-commit verification.
	CountLineItems(ctx context.Context, purchaseOrderID string) (int, error)

	GetPurchaseOrder(ctx context.Context, id string) (*PurchaseOrder, error)
	ListLineItems(ctx context.Context, purchaseOrderID string) ([]LineItem, error)

	// SetPOStatus is the finalize-stage write: status, optional one-time
	// processing notes, and the job completion timestamp.
	SetPOStatus(ctx context.Context, id, status string, notes *string, completedAt time.Time) error
}

// SupplierStore extends the matcher's catalog with creation.
type SupplierStore interface {
	SupplierCatalog
	CreateSupplier(ctx context.Context, s *Supplier) error
}

// DraftStore is the product-draft surface used by the draft, image and sync
// stages.
type DraftStore interface {
	// ActiveSession returns the merchant's newest session, or ErrNotFound.
	ActiveSession(ctx context.Context, merchantID string) (*Session, error)
	CreateSession(ctx context.Context, s *Session) error

	CreateProductDraft(ctx context.Context, d *ProductDraft) error
	ListDraftsByPO(ctx context.Context, purchaseOrderID string) ([]ProductDraft, error)
	AttachDraftImages(ctx context.Context, draftID string, images []DraftImage) error
	SetDraftStatus(ctx context.Context, draftID, status string) error
}

// Store is the full persistence surface the save service and the stage
// processors share.
type Store interface {
	POStore
	SupplierStore
	DraftStore
}
