package adapter

import (
	"fmt"

	"github.com/openai/openai-go/option"
)

// Base URLs of OpenAI-compatible providers.
const (
	DeepSeekBaseURL   = "https://api.deepseek.com/v1/"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1/"
	MoonshotBaseURL   = "https://api.moonshot.ai/v1/"
)

// NewCompatAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewCompatAdapter(name, baseURL, apiKey string, models []string, opts ...option.RequestOption) (*OpenAIAdapter, error) {
	if name == "" {
		return nil, fmt.Errorf("adapter name is required")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key is required", name)
	}
	opts = append([]option.RequestOption{option.WithBaseURL(baseURL)}, opts...)
	return newOpenAIClientAdapter(name, models, apiKey, opts...), nil
}

// NewDeepSeekAdapter creates an adapter for DeepSeek models.
func NewDeepSeekAdapter(apiKey string) (*OpenAIAdapter, error) {
	return NewCompatAdapter("deepseek", DeepSeekBaseURL, apiKey, []string{"deepseek-chat", "deepseek-reasoner"})
}

// NewOpenRouterAdapter creates an adapter for models routed through OpenRouter.
func NewOpenRouterAdapter(apiKey string) (*OpenAIAdapter, error) {
	return NewCompatAdapter("openrouter", OpenRouterBaseURL, apiKey, []string{
		"anthropic/claude-sonnet-4.5",
		"openai/gpt-4o",
		"deepseek/deepseek-chat",
	})
}

// NewMoonshotAdapter creates an adapter for Moonshot (Kimi) models.
func NewMoonshotAdapter(apiKey string) (*OpenAIAdapter, error) {
	return NewCompatAdapter("moonshot", MoonshotBaseURL, apiKey, []string{"kimi-k2-0905-preview"})
}
