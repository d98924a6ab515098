package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/images"
	"github.com/wrenlabs/poflow/flow/persist"
)

// ImageFinder searches and scores product images. *images.Finder
// implements it.
type ImageFinder interface {
	Find(ctx context.Context, description string) ([]images.Scored, error)
}

// ImagesProcessor attaches scored product photos to each draft. The stage
// is non-fatal end to end: per-draft failures become warnings and a draft
// simply keeps zero images.
type ImagesProcessor struct {
	store  persist.DraftStore
	finder ImageFinder
	log    *logrus.Entry

	newID func() string
}

// NewImagesProcessor creates the image-attachment stage.
func NewImagesProcessor(store persist.DraftStore, finder ImageFinder, log *logrus.Entry) *ImagesProcessor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ImagesProcessor{
		store:  store,
		finder: finder,
		log:    log,
		newID:  func() string { return uuid.NewString() },
	}
}

func (p *ImagesProcessor) Stage() flow.Stage { return flow.StageImages }

func (p *ImagesProcessor) Process(ctx context.Context, data flow.StageData, rep flow.Reporter) (flow.StageResult, error) {
	if data.PurchaseOrderID == "" {
		return flow.StageResult{}, flow.NewStageError(flow.KindInternal, flow.StageImages,
			errors.New("no purchase order in stage data"))
	}

	drafts, err := p.store.ListDraftsByPO(ctx, data.PurchaseOrderID)
	if err != nil {
		return flow.StageResult{}, flow.NewStageError(classifyDBError(err), flow.StageImages, err)
	}
	if len(drafts) == 0 {
		return flow.StageResult{Data: data, Message: "no drafts to illustrate"}, nil
	}

	rep.Progress(ctx, data, 50, "searching product images")

	var warnings []string
	attached, illustrated := 0, 0
	for _, d := range drafts {
		found, err := p.finder.Find(ctx, d.OriginalTitle)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("images for %q: %v", d.OriginalTitle, err))
			continue
		}
		if len(found) == 0 {
			continue
		}

		rows := make([]persist.DraftImage, len(found))
		for i, f := range found {
			rows[i] = persist.DraftImage{
				ID:       p.newID(),
				URL:      f.URL,
				Score:    f.Score,
				Position: i,
			}
		}
		if err := p.store.AttachDraftImages(ctx, d.ID, rows); err != nil {
			warnings = append(warnings, fmt.Sprintf("attach to draft %s: %v", d.ID, err))
			continue
		}
		attached += len(rows)
		illustrated++
	}

	if illustrated == 0 && len(warnings) == len(drafts) {
		return flow.StageResult{}, flow.NewStageError(flow.KindNonFatal, flow.StageImages,
			fmt.Errorf("image search failed for all %d drafts", len(drafts)))
	}

	p.log.WithFields(logrus.Fields{
		"workflow": data.WorkflowID,
		"drafts":   len(drafts),
		"images":   attached,
	}).Info("product images attached")

	return flow.StageResult{
		Data:     data,
		Message:  fmt.Sprintf("attached %d images across %d of %d drafts", attached, illustrated, len(drafts)),
		Warnings: warnings,
		Extra:    map[string]interface{}{"images": attached},
	}, nil
}
