package adapter

import "context"

// DefaultMaxTokens caps completions when a request does not set a limit.
const DefaultMaxTokens = 4096

// Adapter defines the interface for reasoning capability providers.
type Adapter interface {
	// Generate sends a request to the model and returns its text response.
	// Implementations must honor ctx cancellation and make exactly one
	// provider call; retries belong to the caller.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Request is a single model call.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

func (r Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}
