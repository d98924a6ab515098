package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/persist"
)

// FinalizeProcessor applies the confidence-derived terminal status to the
// purchase order. The orchestrator completes the workflow itself after this
// stage reports success.
type FinalizeProcessor struct {
	store persist.POStore
	log   *logrus.Entry

	now func() time.Time
}

// NewFinalizeProcessor creates the finalize stage.
func NewFinalizeProcessor(store persist.POStore, log *logrus.Entry) *FinalizeProcessor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FinalizeProcessor{store: store, log: log, now: time.Now}
}

func (p *FinalizeProcessor) Stage() flow.Stage { return flow.StageFinalize }

func (p *FinalizeProcessor) Process(ctx context.Context, data flow.StageData, rep flow.Reporter) (flow.StageResult, error) {
	if data.PurchaseOrderID == "" {
		return flow.StageResult{}, flow.NewStageError(flow.KindInternal, flow.StageFinalize,
			errors.New("no purchase order in stage data"))
	}

	status := persist.StatusForConfidence(data.Confidence)
	if data.LineItemCount == 0 {
		// An order with nothing on it needs human eyes no matter how sure
		// the extractor was.
		status = persist.StatusLowConfidenceReview
	}
	notes := fmt.Sprintf("Imported %d line items from %s at %.0f%% confidence",
		data.LineItemCount, data.FileName, data.Confidence*100)
	if n := len(data.Warnings); n > 0 {
		notes += fmt.Sprintf("; completed with %d warning(s): %s", n, data.Warnings[0])
	}

	if err := p.store.SetPOStatus(ctx, data.PurchaseOrderID, status, &notes, p.now()); err != nil {
		return flow.StageResult{}, flow.NewStageError(classifyDBError(err), flow.StageFinalize, err)
	}

	p.log.WithFields(logrus.Fields{
		"workflow":       data.WorkflowID,
		"purchase_order": data.PurchaseOrderID,
		"status":         status,
	}).Info("purchase order finalized")

	return flow.StageResult{
		Data:    data,
		Message: fmt.Sprintf("purchase order marked %s", status),
		Extra:   map[string]interface{}{"status": status},
	}, nil
}
