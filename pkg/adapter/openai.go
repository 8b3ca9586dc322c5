package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter implements the Adapter interface for OpenAI models and for
// OpenAI-compatible providers reached through a different base URL.
type OpenAIAdapter struct {
	client openai.Client
	name   string
	models []string
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(apiKey string, opts ...option.RequestOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	return newOpenAIClientAdapter("openai", []string{"gpt-4o", "gpt-4o-mini"}, apiKey, opts...), nil
}

func newOpenAIClientAdapter(name string, models []string, apiKey string, opts ...option.RequestOption) *OpenAIAdapter {
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		name:   name,
		models: models,
	}
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Models returns the list of supported models.
func (a *OpenAIAdapter) Models() []string {
	return a.models
}

// Generate sends a chat completion request.
func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(req.Model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(req.maxTokens())),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &AdapterError{Provider: a.name, Status: apiErr.StatusCode, Err: fmt.Errorf("%s API error: %w", a.name, err)}
		}
		return nil, fmt.Errorf("%s API error: %w", a.name, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", a.name)
	}

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Adapter: a.name,
		Model:   req.Model,
		Usage: &Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
