// Package stage implements the six pipeline processors. Each one does its
// stage's work against the persistence and provider interfaces and reports
// sparse progress; transitions, scheduling and retry policy stay with the
// orchestrator.
package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/extract"
)

// DocumentParser turns artifact bytes into a normalized extraction result.
// *extract.Parser implements it.
type DocumentParser interface {
	Parse(ctx context.Context, fileName, mimeType string, content []byte) (extract.Result, error)
}

// ParseProcessor downloads the uploaded artifact and runs extraction.
type ParseProcessor struct {
	fetcher extract.Fetcher
	parser  DocumentParser
	log     *logrus.Entry
}

// NewParseProcessor creates the parse stage.
func NewParseProcessor(fetcher extract.Fetcher, parser DocumentParser, log *logrus.Entry) *ParseProcessor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ParseProcessor{fetcher: fetcher, parser: parser, log: log}
}

func (p *ParseProcessor) Stage() flow.Stage { return flow.StageParse }

func (p *ParseProcessor) Process(ctx context.Context, data flow.StageData, rep flow.Reporter) (flow.StageResult, error) {
	rep.Progress(ctx, data, 15, "downloading artifact")

	content, fetchedMIME, err := p.fetcher.Fetch(ctx, data.FileURL)
	if err != nil {
		return flow.StageResult{}, flow.NewStageError(flow.KindTransientConnection, flow.StageParse, err)
	}

	mimeType := data.MIMEType
	if mimeType == "" {
		mimeType = fetchedMIME
	}

	rep.Progress(ctx, data, 45, "extracting structured data")

	res, err := p.parser.Parse(ctx, data.FileName, mimeType, content)
	if err != nil {
		kind := flow.KindInternal
		if errors.Is(err, extract.ErrUnavailable) {
			kind = flow.KindExtractorUnavailable
		}
		return flow.StageResult{}, flow.NewStageError(kind, flow.StageParse, err)
	}

	p.log.WithFields(logrus.Fields{
		"workflow":   data.WorkflowID,
		"file":       data.FileName,
		"line_items": len(res.Data.LineItems),
		"confidence": res.Confidence.Overall,
	}).Info("artifact parsed")

	next := data
	next.Parsed = &res
	next.Confidence = res.Confidence.Overall / 100

	return flow.StageResult{
		Data:    next,
		Message: fmt.Sprintf("extracted %d line items from %s", len(res.Data.LineItems), data.FileName),
		Extra: map[string]interface{}{
			"line_items": len(res.Data.LineItems),
			"confidence": res.Confidence.Overall,
		},
	}, nil
}
