package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/persist"
)

// Saver is the persistence service surface the save stage needs.
// *persist.Service implements it.
type Saver interface {
	Save(ctx context.Context, in persist.SaveInput) (*persist.SaveOutput, error)
}

// SaveProcessor writes the extraction result through the save service.
type SaveProcessor struct {
	saver Saver
	log   *logrus.Entry
}

// NewSaveProcessor creates the save stage.
func NewSaveProcessor(saver Saver, log *logrus.Entry) *SaveProcessor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SaveProcessor{saver: saver, log: log}
}

func (p *SaveProcessor) Stage() flow.Stage { return flow.StageSave }

func (p *SaveProcessor) Process(ctx context.Context, data flow.StageData, rep flow.Reporter) (flow.StageResult, error) {
	if data.Parsed == nil {
		return flow.StageResult{}, flow.NewStageError(flow.KindInternal, flow.StageSave,
			errors.New("no extraction result in stage data"))
	}

	rep.Progress(ctx, data, 30, "validating extraction")

	out, err := p.saver.Save(ctx, persist.SaveInput{
		MerchantID: data.MerchantID,
		FileName:   data.FileName,
		Result:     *data.Parsed,
	})
	if err != nil {
		return flow.StageResult{}, flow.NewStageError(classifyDBError(err), flow.StageSave, err)
	}

	rep.Progress(ctx, data, 90, "committed")

	// The extraction result has served its purpose; later stages read rows,
	// not the raw parse.
	next := data
	next.Parsed = nil
	next.PurchaseOrderID = out.PurchaseOrder.ID
	next.SupplierID = out.SupplierID
	next.LineItemCount = out.LineItemCount
	next.Confidence = out.PurchaseOrder.Confidence

	return flow.StageResult{
		Data:    next,
		Message: fmt.Sprintf("saved purchase order %s with %d line items", out.PurchaseOrder.Number, out.LineItemCount),
		Extra: map[string]interface{}{
			"purchase_order_id": out.PurchaseOrder.ID,
			"number":            out.PurchaseOrder.Number,
			"line_items":        out.LineItemCount,
		},
	}, nil
}
