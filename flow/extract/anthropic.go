package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicExtractor implements Extractor on the Anthropic Messages API.
//
// Images go in as vision blocks; PDFs go in as native document blocks, so
// no separate PDF text-extraction library is needed. All calls run at
// temperature 0; the incomplete-parse retry contract depends on identical
// input producing identical output.
type AnthropicExtractor struct {
	client    anthropic.Client
	modelName string
}

// NewAnthropicExtractor creates an extractor for the given API key and
// model. An empty model uses claude-sonnet-4-20250514.
func NewAnthropicExtractor(apiKey, modelName string) *AnthropicExtractor {
	if modelName == "" {
		modelName = "claude-sonnet-4-20250514"
	}
	return &AnthropicExtractor{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
}

// Extract sends the artifact to the Messages API and decodes the JSON
// payload from the response.
func (e *AnthropicExtractor) Extract(ctx context.Context, req Request) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	blocks, err := contentBlocks(req)
	if err != nil {
		return Result{}, err
	}

	msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(e.modelName),
		MaxTokens:   4096,
		Temperature: anthropic.Float(0),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	})
	if err != nil {
		return Result{}, translateProviderError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return decodePayload(text.String())
}

// contentBlocks builds the user-message content for the request type.
func contentBlocks(req Request) ([]anthropic.ContentBlockParamUnion, error) {
	if req.Text != "" {
		return []anthropic.ContentBlockParamUnion{
			anthropic.NewTextBlock(req.Text + "\n\n" + userPrompt),
		}, nil
	}

	encoded := base64.StdEncoding.EncodeToString(req.Content)
	switch {
	case strings.HasPrefix(req.MIMEType, "image/"):
		return []anthropic.ContentBlockParamUnion{
			anthropic.NewImageBlockBase64(req.MIMEType, encoded),
			anthropic.NewTextBlock(userPrompt),
		}, nil
	case req.MIMEType == "application/pdf":
		return []anthropic.ContentBlockParamUnion{
			anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: encoded}),
			anthropic.NewTextBlock(userPrompt),
		}, nil
	case strings.Contains(req.MIMEType, "spreadsheet"):
		// XLSX goes in as a document too; the provider handles the format.
		return []anthropic.ContentBlockParamUnion{
			anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: encoded}),
			anthropic.NewTextBlock(userPrompt),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported artifact type %q", req.MIMEType)
	}
}

// translateProviderError maps provider failures worth retrying onto
// ErrUnavailable so the stage retry policy can recognize them.
func translateProviderError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{"overloaded", "rate limit", "429", "500", "502", "503", "529", "timeout", "connection"} {
		if strings.Contains(msg, frag) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}
