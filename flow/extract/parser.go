package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// incompleteConfidenceCap bounds overall confidence when a parse is accepted
// with missing required fields. It sits strictly below the review threshold
// (0.70 after the /100 scaling) so the PO lands in low_confidence_review
// rather than plain review.
const incompleteConfidenceCap = 69

// Parser routes artifacts to the right extraction path by MIME type and
// enforces the validation/retry discipline:
//
//   - CSV: parsed natively, no extractor call.
//   - Images, PDFs, XLSX: sent to the Extractor (PDFs and spreadsheets as
//     document input, images as vision input).
//   - Plain text beyond the chunk threshold: split into overlapping chunks,
//     extracted per chunk, merged with overlap dedupe.
//
// An incomplete result (null required fields) triggers exactly one retry
// with identical input; determinism (temperature 0) makes the retry
// meaningful only against transient provider noise, not model randomness.
// A still-incomplete result is accepted with confidence capped at 69.
type Parser struct {
	extractor Extractor
	log       *logrus.Entry
}

// NewParser creates a Parser over the given extractor.
func NewParser(extractor Extractor, log *logrus.Entry) *Parser {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Parser{extractor: extractor, log: log}
}

// Parse extracts structured PO data from the artifact.
func (p *Parser) Parse(ctx context.Context, fileName, mimeType string, content []byte) (Result, error) {
	mime := normalizeMIME(fileName, mimeType)

	switch {
	case mime == "text/csv":
		return ParseCSV(content)
	case strings.HasPrefix(mime, "text/"):
		return p.parseText(ctx, fileName, string(content))
	default:
		// Images, PDFs and XLSX all go to the extractor.
		return p.extractValidated(ctx, Request{FileName: fileName, MIMEType: mime, Content: content})
	}
}

// parseText handles pre-extracted or plain-text artifacts, chunking large
// inputs.
func (p *Parser) parseText(ctx context.Context, fileName, text string) (Result, error) {
	if !NeedsChunking(text) {
		return p.extractValidated(ctx, Request{FileName: fileName, MIMEType: "text/plain", Text: text})
	}

	chunks := ChunkText(text)
	p.log.WithFields(logrus.Fields{"file": fileName, "chunks": len(chunks)}).Debug("chunking large document")

	results := make([]Result, 0, len(chunks))
	for i, chunk := range chunks {
		r, err := p.extractValidated(ctx, Request{
			FileName: fmt.Sprintf("%s#chunk%d", fileName, i),
			MIMEType: "text/plain",
			Text:     chunk,
		})
		if err != nil {
			return Result{}, err
		}
		results = append(results, r)
	}
	return MergeChunkResults(results), nil
}

// extractValidated runs one extraction with the incomplete-parse retry.
func (p *Parser) extractValidated(ctx context.Context, req Request) (Result, error) {
	result, err := p.extractor.Extract(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if Complete(result) {
		return result, nil
	}

	p.log.WithField("file", req.FileName).Warn("incomplete extraction, retrying once")
	retried, err := p.extractor.Extract(ctx, req)
	if err == nil && Complete(retried) {
		return retried, nil
	}
	if err != nil && !errors.Is(err, ErrIncomplete) {
		// The retry hit a real provider failure; keep the first result.
		retried = result
	}

	// Accept the incomplete data with downgraded confidence.
	if retried.Confidence.Overall > incompleteConfidenceCap {
		retried.Confidence.Overall = incompleteConfidenceCap
	}
	return retried, nil
}

// normalizeMIME resolves a usable MIME type from the declared type and the
// file extension.
func normalizeMIME(fileName, declared string) string {
	mime := strings.ToLower(strings.TrimSpace(strings.Split(declared, ";")[0]))
	if mime != "" && mime != "application/octet-stream" {
		return mime
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
