package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/db"
	"github.com/wrenlabs/poflow/flow/persist"
)

// Pricing is the merchant's draft pricing refinement.
type Pricing struct {
	// Markup multiplies the unit cost into a retail price. Default 1.5.
	Markup float64

	// RoundTo99 snaps the retail price to the nearest x.99.
	RoundTo99 bool
}

// DefaultPricing is the refinement applied when the merchant configures
// nothing.
func DefaultPricing() Pricing {
	return Pricing{Markup: 1.5, RoundTo99: true}
}

// Retail computes the refined retail price for a unit cost.
func (p Pricing) Retail(cost float64) float64 {
	markup := p.Markup
	if markup <= 0 {
		markup = 1.5
	}
	retail := cost * markup
	if p.RoundTo99 {
		retail = math.Round(retail-0.99) + 0.99
		if retail < 0.99 {
			retail = 0.99
		}
	}
	return math.Round(retail*100) / 100
}

// Margin is the estimated margin percentage for a cost/retail pair.
func Margin(cost, retail float64) float64 {
	if retail <= 0 {
		return 0
	}
	return math.Round((retail-cost)/retail*100*100) / 100
}

// DraftProcessor creates one product draft per saved line item, grouped
// under the merchant's active session.
type DraftProcessor struct {
	store   persist.Store
	pricing Pricing
	log     *logrus.Entry

	now   func() time.Time
	newID func() string
}

// NewDraftProcessor creates the draft stage.
func NewDraftProcessor(store persist.Store, pricing Pricing, log *logrus.Entry) *DraftProcessor {
	if pricing.Markup <= 0 {
		pricing = DefaultPricing()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DraftProcessor{
		store:   store,
		pricing: pricing,
		log:     log,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

func (p *DraftProcessor) Stage() flow.Stage { return flow.StageDraft }

func (p *DraftProcessor) Process(ctx context.Context, data flow.StageData, rep flow.Reporter) (flow.StageResult, error) {
	if data.PurchaseOrderID == "" {
		return flow.StageResult{}, flow.NewStageError(flow.KindInternal, flow.StageDraft,
			errors.New("no purchase order in stage data"))
	}

	items, err := p.store.ListLineItems(ctx, data.PurchaseOrderID)
	if err != nil {
		return flow.StageResult{}, flow.NewStageError(classifyDBError(err), flow.StageDraft, err)
	}
	if len(items) == 0 {
		return flow.StageResult{Data: data, Message: "no line items to draft"}, nil
	}

	session, err := p.activeOrTemporarySession(ctx, data.MerchantID)
	if err != nil {
		return flow.StageResult{}, flow.NewStageError(classifyDBError(err), flow.StageDraft, err)
	}

	rep.Progress(ctx, data, 50, "creating product drafts")

	var warnings []string
	created := 0
	for _, li := range items {
		draft := p.buildDraft(li, data, session.ID)
		if err := p.store.CreateProductDraft(ctx, draft); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"workflow":  data.WorkflowID,
				"line_item": li.ID,
			}).Warn("product draft failed")
			warnings = append(warnings, fmt.Sprintf("draft for %q: %v", li.Description, err))
			continue
		}
		created++
	}

	if created == 0 {
		return flow.StageResult{}, flow.NewStageError(flow.KindInternal, flow.StageDraft,
			fmt.Errorf("all %d product drafts failed", len(items)))
	}

	return flow.StageResult{
		Data:     data,
		Message:  fmt.Sprintf("created %d of %d product drafts", created, len(items)),
		Warnings: warnings,
		Extra: map[string]interface{}{
			"drafts":  created,
			"session": session.ID,
		},
	}, nil
}

// activeOrTemporarySession reuses the merchant's newest session, creating a
// temporary one when none exists.
func (p *DraftProcessor) activeOrTemporarySession(ctx context.Context, merchantID string) (*persist.Session, error) {
	session, err := p.store.ActiveSession(ctx, merchantID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, persist.ErrNotFound) {
		return nil, err
	}

	session = &persist.Session{
		ID:         p.newID(),
		MerchantID: merchantID,
		Temporary:  true,
		CreatedAt:  p.now(),
	}
	if err := p.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (p *DraftProcessor) buildDraft(li persist.LineItem, data flow.StageData, sessionID string) *persist.ProductDraft {
	retail := p.pricing.Retail(li.UnitPrice)
	margin := Margin(li.UnitPrice, retail)
	return &persist.ProductDraft{
		ID:              p.newID(),
		LineItemID:      li.ID,
		MerchantID:      data.MerchantID,
		PurchaseOrderID: data.PurchaseOrderID,
		SessionID:       sessionID,
		OriginalTitle:   li.Description,
		OriginalPrice:   li.UnitPrice,
		PriceRefined:    &retail,
		EstimatedMargin: &margin,
		Status:          persist.DraftStatusDraft,
	}
}

func classifyDBError(err error) flow.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return flow.KindTransactionTimeout
	case db.IsRetryable(err):
		return flow.KindTransientConnection
	default:
		return flow.KindInternal
	}
}
