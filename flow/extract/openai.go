package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIExtractor implements Extractor on the OpenAI chat completions API
// with vision input. Temperature is pinned to 0 for determinism.
//
// PDFs are not supported by this backend's vision path; deployments with
// PDF uploads should use the Anthropic extractor.
type OpenAIExtractor struct {
	client    openai.Client
	modelName string
}

// NewOpenAIExtractor creates an extractor for the given API key and model.
// An empty model uses gpt-4o.
func NewOpenAIExtractor(apiKey, modelName string) *OpenAIExtractor {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &OpenAIExtractor{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
}

// Extract sends the artifact to the chat completions API.
func (e *OpenAIExtractor) Extract(ctx context.Context, req Request) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	user, err := e.userMessage(req)
	if err != nil {
		return Result{}, err
	}

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(e.modelName),
		Temperature: openai.Float(0),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			user,
		},
	})
	if err != nil {
		return Result{}, translateProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return decodePayload(resp.Choices[0].Message.Content)
}

func (e *OpenAIExtractor) userMessage(req Request) (openai.ChatCompletionMessageParamUnion, error) {
	if req.Text != "" {
		return openai.UserMessage(req.Text + "\n\n" + userPrompt), nil
	}
	if !strings.HasPrefix(req.MIMEType, "image/") {
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai extractor: unsupported artifact type %q", req.MIMEType)
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MIMEType, base64.StdEncoding.EncodeToString(req.Content))
	return openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(userPrompt),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
	}), nil
}
