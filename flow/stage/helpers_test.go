package stage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/extract"
	"github.com/wrenlabs/poflow/flow/persist"
)

// recorder captures intermediate progress published by a processor.
type recorder struct {
	mu     sync.Mutex
	points []progressPoint
}

type progressPoint struct {
	percent int
	message string
}

func (r *recorder) Progress(_ context.Context, _ flow.StageData, percent int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, progressPoint{percent: percent, message: message})
}

func (r *recorder) percents() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.points))
	for i, p := range r.points {
		out[i] = p.percent
	}
	return out
}

// seqIDs returns a deterministic id generator.
func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%04d", prefix, n)
	}
}

// seedPO inserts a purchase order with line items and returns its id.
func seedPO(t *testing.T, store *persist.MemStore, merchantID string, items ...persist.LineItem) string {
	t.Helper()
	po := &persist.PurchaseOrder{
		ID:         "po-1",
		MerchantID: merchantID,
		Number:     "PO-1001",
		Status:     persist.StatusProcessing,
		Confidence: 0.95,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	for i := range items {
		items[i].PurchaseOrderID = po.ID
		if items[i].ID == "" {
			items[i].ID = fmt.Sprintf("li-%d", i+1)
		}
	}
	if err := store.CreatePurchaseOrder(context.Background(), po, items, time.Second); err != nil {
		t.Fatalf("seed po: %v", err)
	}
	return po.ID
}

func twoItemResult(confidence float64) extract.Result {
	qty2, qty3 := 2, 3
	p1, p2 := 25.0, 33.0
	return extract.Result{
		Data: extract.Data{
			PONumber: "PO-1001",
			Supplier: extract.ParsedSupplier{Name: "Acme Inc"},
			LineItems: []extract.ParsedLineItem{
				{Description: "Widget", Quantity: &qty2, UnitPrice: &p1, Confidence: 0.95},
				{Description: "Gadget", Quantity: &qty3, UnitPrice: &p2, Confidence: 0.9},
			},
			Currency: "USD",
		},
		Confidence: extract.Confidence{Overall: confidence},
	}
}
