package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnhandled is returned by a responder that does not recognise a request.
var ErrUnhandled = errors.New("mock: unrecognised prompt")

// ChainResponders tries each responder in turn and returns the first answer
// not rejected with ErrUnhandled.
func ChainResponders(responders ...func(Request) (string, error)) func(Request) (string, error) {
	return func(req Request) (string, error) {
		for _, respond := range responders {
			out, err := respond(req)
			if errors.Is(err, ErrUnhandled) {
				continue
			}
			return out, err
		}
		return "", ErrUnhandled
	}
}

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	name            string
	responses       map[string]string
	defaultResponse string

	// Usage is reported on every successful call.
	Usage *Usage
	// Err, when set, is returned by every call.
	Err error
	// Delay is waited (honoring ctx) before answering.
	Delay time.Duration
	// Respond, when set, computes the response content.
	Respond func(req Request) (string, error)

	mu    sync.Mutex
	calls []Request
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		name:            "mock",
		responses:       make(map[string]string),
		defaultResponse: "mock response:",
	}
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses keyed by prompt.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	return &MockAdapter{name: "mock", responses: responses, defaultResponse: defaultResponse}
}

// Named sets the adapter identifier so several mocks can be registered side by side.
func (a *MockAdapter) Named(name string) *MockAdapter {
	a.name = name
	return a
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return a.name
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Calls returns the requests received so far.
func (a *MockAdapter) Calls() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Request, len(a.calls))
	copy(out, a.calls)
	return out
}

// Generate returns a deterministic response for the request.
func (a *MockAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()

	if req.Model == "" {
		req.Model = "mock-1"
	}
	if a.Delay > 0 {
		timer := time.NewTimer(a.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.Err != nil {
		return nil, a.Err
	}

	var content string
	switch {
	case a.Respond != nil:
		out, err := a.Respond(req)
		if err != nil {
			return nil, err
		}
		content = out
	default:
		if response, ok := a.responses[req.Prompt]; ok {
			content = response
		} else {
			content = fmt.Sprintf("%s\n%s", a.defaultResponse, req.Prompt)
		}
	}
	return &Response{Content: content, Adapter: a.name, Model: req.Model, Usage: a.Usage}, nil
}
