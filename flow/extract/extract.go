// Package extract turns uploaded PO artifacts (PDF, image, CSV, XLSX) into
// normalized structured data via an opaque Extractor, with native parsing
// for row-oriented formats.
package extract

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the external extraction provider failed in a way
// that is worth a bounded retry (rate limit, overload, network).
var ErrUnavailable = errors.New("extractor unavailable")

// ErrIncomplete indicates the extraction succeeded structurally but required
// fields came back null. One deterministic retry is warranted; after that,
// callers accept the data with downgraded confidence.
var ErrIncomplete = errors.New("extraction incomplete")

// ParsedSupplier is the supplier block of an extraction result.
type ParsedSupplier struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Website string `json:"website,omitempty"`
}

// ParsedLineItem is one extracted line item. Quantity and prices are
// pointers because the extractor may return nulls; validation downstream
// decides what to do about that.
type ParsedLineItem struct {
	Description string   `json:"description"`
	SKU         string   `json:"sku,omitempty"`
	Quantity    *int     `json:"quantity"`
	UnitPrice   *float64 `json:"unit_price"`
	TotalPrice  *float64 `json:"total_price"`
	Confidence  float64  `json:"confidence"`
}

// Data is the normalized extraction payload.
type Data struct {
	PONumber    string           `json:"po_number"`
	Supplier    ParsedSupplier   `json:"supplier"`
	LineItems   []ParsedLineItem `json:"line_items"`
	TotalAmount float64          `json:"total_amount"`
	Currency    string           `json:"currency"`
	OrderDate   string           `json:"order_date,omitempty"`
}

// Confidence is the extractor's self-assessment, 0..100 overall plus
// optional per-field scores.
type Confidence struct {
	Overall float64            `json:"overall"`
	Fields  map[string]float64 `json:"fields,omitempty"`
}

// Result is the full parse output handed to the save stage.
type Result struct {
	Data       Data       `json:"extracted_data"`
	Confidence Confidence `json:"confidence"`
}

// Request describes one extraction call.
type Request struct {
	// FileName of the artifact, for logging and format hints.
	FileName string

	// MIMEType of Content. Drives provider-side handling (vision vs
	// document input).
	MIMEType string

	// Content is the raw artifact bytes. Empty when Text is set.
	Content []byte

	// Text is pre-extracted text to parse instead of Content. Used by the
	// chunked path.
	Text string
}

// Extractor is the opaque vision/LLM provider. Implementations must be
// deterministic: identical input yields identical output (temperature 0),
// because the incomplete-parse retry depends on it.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

// Complete reports whether every line item has the required fields:
// non-empty description, non-null quantity, non-null unit price.
func Complete(r Result) bool {
	if len(r.Data.LineItems) == 0 {
		return true
	}
	for _, li := range r.Data.LineItems {
		if li.Description == "" || li.Quantity == nil || li.UnitPrice == nil {
			return false
		}
	}
	return true
}
