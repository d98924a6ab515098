package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/persist"
)

func TestPricing(t *testing.T) {
	t.Run("markup then nearest ninety-nine", func(t *testing.T) {
		p := DefaultPricing()
		cases := map[float64]float64{
			4.00: 5.99, // 6.00 snaps down
			2.00: 2.99, // 3.00 snaps down
			2.40: 3.99, // 3.60 snaps up
			0.10: 0.99, // floor
		}
		for cost, want := range cases {
			if got := p.Retail(cost); got != want {
				t.Errorf("Retail(%v) = %v, want %v", cost, got, want)
			}
		}
	})

	t.Run("plain markup without rounding", func(t *testing.T) {
		p := Pricing{Markup: 2}
		if got := p.Retail(3.25); got != 6.5 {
			t.Errorf("Retail = %v, want 6.5", got)
		}
	})

	t.Run("margin", func(t *testing.T) {
		if got := Margin(2.0, 2.99); got != 33.11 {
			t.Errorf("Margin = %v, want 33.11", got)
		}
		if got := Margin(2.0, 0); got != 0 {
			t.Errorf("Margin with zero retail = %v", got)
		}
	})
}

func TestDraftProcessor(t *testing.T) {
	ctx := context.Background()

	newProc := func(store persist.Store) *DraftProcessor {
		p := NewDraftProcessor(store, DefaultPricing(), nil)
		p.newID = seqIDs("draft")
		p.now = func() time.Time { return time.UnixMilli(1700000000000) }
		return p
	}

	t.Run("one draft per line item under a fresh temporary session", func(t *testing.T) {
		store := persist.NewMemStore()
		poID := seedPO(t, store, "m1",
			persist.LineItem{Description: "Widget", Quantity: 2, UnitPrice: 4.0, TotalPrice: 8.0},
			persist.LineItem{Description: "Gadget", Quantity: 3, UnitPrice: 2.0, TotalPrice: 6.0},
		)
		p := newProc(store)

		res, err := p.Process(ctx, flow.StageData{WorkflowID: "wf1", MerchantID: "m1", PurchaseOrderID: poID}, &recorder{})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}

		drafts, _ := store.ListDraftsByPO(ctx, poID)
		if len(drafts) != 2 {
			t.Fatalf("drafts = %d, want 2", len(drafts))
		}
		for _, d := range drafts {
			if d.Status != persist.DraftStatusDraft {
				t.Errorf("draft status = %q", d.Status)
			}
			if d.PriceRefined == nil || d.EstimatedMargin == nil {
				t.Fatalf("pricing not applied: %+v", d)
			}
		}

		session, err := store.ActiveSession(ctx, "m1")
		if err != nil {
			t.Fatalf("session: %v", err)
		}
		if !session.Temporary {
			t.Error("expected a temporary session for a merchant with none")
		}
		if res.Message == "" {
			t.Error("empty stage message")
		}
	})

	t.Run("existing session is reused", func(t *testing.T) {
		store := persist.NewMemStore()
		poID := seedPO(t, store, "m1", persist.LineItem{Description: "Widget", Quantity: 1, UnitPrice: 4.0, TotalPrice: 4.0})
		existing := &persist.Session{ID: "sess-1", MerchantID: "m1", CreatedAt: time.Now()}
		if err := store.CreateSession(ctx, existing); err != nil {
			t.Fatal(err)
		}
		p := newProc(store)

		if _, err := p.Process(ctx, flow.StageData{MerchantID: "m1", PurchaseOrderID: poID}, &recorder{}); err != nil {
			t.Fatalf("Process: %v", err)
		}
		drafts, _ := store.ListDraftsByPO(ctx, poID)
		if drafts[0].SessionID != "sess-1" {
			t.Errorf("session = %q, want sess-1", drafts[0].SessionID)
		}
	})

	t.Run("refined price follows the markup rule", func(t *testing.T) {
		store := persist.NewMemStore()
		poID := seedPO(t, store, "m1", persist.LineItem{Description: "Widget", Quantity: 1, UnitPrice: 4.0, TotalPrice: 4.0})
		p := newProc(store)

		if _, err := p.Process(ctx, flow.StageData{MerchantID: "m1", PurchaseOrderID: poID}, &recorder{}); err != nil {
			t.Fatalf("Process: %v", err)
		}
		drafts, _ := store.ListDraftsByPO(ctx, poID)
		if *drafts[0].PriceRefined != 5.99 {
			t.Errorf("refined price = %v, want 5.99", *drafts[0].PriceRefined)
		}
	})

	t.Run("partial failure only warns", func(t *testing.T) {
		store := persist.NewMemStore()
		poID := seedPO(t, store, "m1",
			persist.LineItem{Description: "Widget", Quantity: 1, UnitPrice: 4.0, TotalPrice: 4.0},
			persist.LineItem{Description: "Cursed", Quantity: 1, UnitPrice: 1.0, TotalPrice: 1.0},
		)
		p := newProc(&failingDraftStore{MemStore: store, failTitle: "Cursed"})

		res, err := p.Process(ctx, flow.StageData{MerchantID: "m1", PurchaseOrderID: poID}, &recorder{})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if len(res.Warnings) != 1 {
			t.Errorf("warnings = %v", res.Warnings)
		}
		drafts, _ := store.ListDraftsByPO(ctx, poID)
		if len(drafts) != 1 {
			t.Errorf("drafts = %d, want 1", len(drafts))
		}
	})

	t.Run("total failure fails the stage", func(t *testing.T) {
		store := persist.NewMemStore()
		poID := seedPO(t, store, "m1", persist.LineItem{Description: "Cursed", Quantity: 1, UnitPrice: 1.0, TotalPrice: 1.0})
		p := newProc(&failingDraftStore{MemStore: store, failTitle: "Cursed"})

		_, err := p.Process(ctx, flow.StageData{MerchantID: "m1", PurchaseOrderID: poID}, &recorder{})
		if flow.KindOf(err) != flow.KindInternal {
			t.Fatalf("kind = %s, err %v", flow.KindOf(err), err)
		}
	})

	t.Run("no line items is a clean no-op", func(t *testing.T) {
		store := persist.NewMemStore()
		poID := seedPO(t, store, "m1")
		p := newProc(store)

		res, err := p.Process(ctx, flow.StageData{MerchantID: "m1", PurchaseOrderID: poID}, &recorder{})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if res.Message != "no line items to draft" {
			t.Errorf("message = %q", res.Message)
		}
	})
}

// failingDraftStore rejects drafts for one title.
type failingDraftStore struct {
	*persist.MemStore
	failTitle string
}

func (f *failingDraftStore) CreateProductDraft(ctx context.Context, d *persist.ProductDraft) error {
	if d.OriginalTitle == f.failTitle {
		return errors.New("constraint violation")
	}
	return f.MemStore.CreateProductDraft(ctx, d)
}
