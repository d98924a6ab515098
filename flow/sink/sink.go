// Package sink pushes approved product drafts to the downstream
// marketplace. Submission is best-effort: callers treat failures as
// warnings, and the HTTP implementation sits behind a circuit breaker so a
// dead marketplace cannot stall a workflow for its full stage budget.
package sink

import (
	"context"
	"errors"
)

// Product is the payload submitted downstream, one per approved draft.
type Product struct {
	ExternalRef string   `json:"external_ref"`
	MerchantID  string   `json:"merchant_id"`
	Title       string   `json:"title"`
	SKU         string   `json:"sku,omitempty"`
	Price       float64  `json:"price"`
	Quantity    int      `json:"quantity"`
	Images      []string `json:"images,omitempty"`
}

// Receipt identifies the created downstream resource.
type Receipt struct {
	ExternalID string `json:"external_id"`
}

// ErrUnavailable reports that the sink is refusing traffic, either because
// the circuit is open or the marketplace answered with a server error.
var ErrUnavailable = errors.New("sink unavailable")

// Sink submits products downstream.
type Sink interface {
	Publish(ctx context.Context, p Product) (Receipt, error)
}
