package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/persist"
	"github.com/wrenlabs/poflow/flow/sink"
)

// SyncProcessor submits approved drafts to the marketplace sink.
// Best-effort: failed submissions stay in their current status and can be
// retried from the review surface later.
type SyncProcessor struct {
	store persist.Store
	sink  sink.Sink
	log   *logrus.Entry
}

// NewSyncProcessor creates the sync stage.
func NewSyncProcessor(store persist.Store, snk sink.Sink, log *logrus.Entry) *SyncProcessor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SyncProcessor{store: store, sink: snk, log: log}
}

func (p *SyncProcessor) Stage() flow.Stage { return flow.StageSync }

func (p *SyncProcessor) Process(ctx context.Context, data flow.StageData, rep flow.Reporter) (flow.StageResult, error) {
	if data.PurchaseOrderID == "" {
		return flow.StageResult{}, flow.NewStageError(flow.KindInternal, flow.StageSync,
			errors.New("no purchase order in stage data"))
	}

	drafts, err := p.store.ListDraftsByPO(ctx, data.PurchaseOrderID)
	if err != nil {
		return flow.StageResult{}, flow.NewStageError(classifyDBError(err), flow.StageSync, err)
	}

	approved := drafts[:0:0]
	for _, d := range drafts {
		if d.Status == persist.DraftStatusApproved {
			approved = append(approved, d)
		}
	}
	if len(approved) == 0 {
		return flow.StageResult{Data: data, Message: "no approved drafts to sync"}, nil
	}

	quantities, err := p.quantitiesByLineItem(ctx, data.PurchaseOrderID)
	if err != nil {
		return flow.StageResult{}, flow.NewStageError(classifyDBError(err), flow.StageSync, err)
	}

	rep.Progress(ctx, data, 50, "syncing approved drafts")

	var warnings []string
	synced := 0
	for _, d := range approved {
		if _, err := p.sink.Publish(ctx, productFromDraft(d, data.MerchantID, quantities[d.LineItemID])); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"workflow": data.WorkflowID,
				"draft":    d.ID,
			}).Warn("marketplace sync failed")
			warnings = append(warnings, fmt.Sprintf("sync draft %s: %v", d.ID, err))
			continue
		}
		if err := p.store.SetDraftStatus(ctx, d.ID, persist.DraftStatusSynced); err != nil {
			warnings = append(warnings, fmt.Sprintf("mark draft %s synced: %v", d.ID, err))
			continue
		}
		synced++
	}

	if synced == 0 {
		return flow.StageResult{}, flow.NewStageError(flow.KindNonFatal, flow.StageSync,
			fmt.Errorf("all %d approved drafts failed to sync", len(approved)))
	}

	return flow.StageResult{
		Data:     data,
		Message:  fmt.Sprintf("synced %d of %d approved drafts", synced, len(approved)),
		Warnings: warnings,
		Extra:    map[string]interface{}{"synced": synced},
	}, nil
}

func (p *SyncProcessor) quantitiesByLineItem(ctx context.Context, poID string) (map[string]int, error) {
	items, err := p.store.ListLineItems(ctx, poID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(items))
	for _, li := range items {
		out[li.ID] = li.Quantity
	}
	return out, nil
}

func productFromDraft(d persist.ProductDraft, merchantID string, quantity int) sink.Product {
	title := d.OriginalTitle
	if d.RefinedTitle != nil && *d.RefinedTitle != "" {
		title = *d.RefinedTitle
	}
	price := d.OriginalPrice
	if d.PriceRefined != nil {
		price = *d.PriceRefined
	}
	urls := make([]string, 0, len(d.Images))
	for _, img := range d.Images {
		urls = append(urls, img.URL)
	}
	return sink.Product{
		ExternalRef: d.ID,
		MerchantID:  merchantID,
		Title:       title,
		Price:       price,
		Quantity:    quantity,
		Images:      urls,
	}
}
