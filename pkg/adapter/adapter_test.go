package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "rate limited", err: &AdapterError{Status: 429}, want: true},
		{name: "server error", err: &AdapterError{Status: 503}, want: true},
		{name: "bad request", err: &AdapterError{Status: 400}, want: false},
		{name: "temporary flag", err: &AdapterError{Temporary: true}, want: true},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&AdapterError{Provider: "anthropic", Status: 429}, FailureRateLimited},
		{&AdapterError{Status: 529}, FailureUnavailable},
		{&AdapterError{Status: 401}, FailureRejected},
		{fmt.Errorf("attempt timed out: %w", context.DeadlineExceeded), FailureTimeout},
		{context.Canceled, FailureCancelled},
		{ErrEmptyResponse, FailureEmpty},
		{errors.New("boom"), FailureOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestCompatAdapterSendsSystemAndReportsUsage(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "cmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "deepseek-chat",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "hello"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer server.Close()

	a, err := NewCompatAdapter("deepseek", server.URL+"/v1/", "test-key", []string{"deepseek-chat"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	resp, err := a.Generate(context.Background(), Request{Model: "deepseek-chat", System: "be brief", Prompt: "hi"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "hello" || resp.Adapter != "deepseek" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	usage := resp.UsageOrZero()
	if usage.PromptTokens != 12 || usage.CompletionTokens != 3 || usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
}

func TestCompatAdapterClassifiesRateLimit(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": {"message": "slow down", "type": "rate_limit"}}`)
	}))
	defer server.Close()

	a, err := NewCompatAdapter("moonshot", server.URL+"/v1/", "test-key", nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	_, err = a.Generate(context.Background(), Request{Model: "kimi", Prompt: "hi"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if StatusOf(err) != http.StatusTooManyRequests || !IsTransient(err) {
		t.Fatalf("expected transient 429, got status=%d err=%v", StatusOf(err), err)
	}
	if calls != 1 {
		t.Fatalf("expected a single provider call, got %d", calls)
	}
}

func TestNewAdaptersRequireKeys(t *testing.T) {
	if _, err := NewAnthropicAdapter(""); err == nil {
		t.Fatalf("expected anthropic key error")
	}
	if _, err := NewOpenAIAdapter(""); err == nil {
		t.Fatalf("expected openai key error")
	}
	if _, err := NewGoogleAdapter(context.Background(), ""); err == nil {
		t.Fatalf("expected google key error")
	}
	if _, err := NewCompatAdapter("x", "", "key", nil); err == nil {
		t.Fatalf("expected base URL error")
	}
}

func TestMockAdapterHonorsContext(t *testing.T) {
	mock := NewMockAdapter()
	mock.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := mock.Generate(ctx, Request{Prompt: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if len(mock.Calls()) != 1 {
		t.Fatalf("expected call to be recorded")
	}
}

func TestMockAdapterResponses(t *testing.T) {
	mock := NewMockAdapterWithResponses(map[string]string{"ping": "pong"}, "")
	mock.Usage = &Usage{PromptTokens: 2, CompletionTokens: 1}

	resp, err := mock.Generate(context.Background(), Request{Prompt: "ping"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "pong" {
		t.Fatalf("expected canned response, got %q", resp.Content)
	}
	if resp.UsageOrZero().TotalTokens != 3 {
		t.Fatalf("expected normalized total tokens 3, got %d", resp.UsageOrZero().TotalTokens)
	}
}

func TestChainRespondersSkipsUnhandled(t *testing.T) {
	only := func(system, answer string) func(Request) (string, error) {
		return func(req Request) (string, error) {
			if req.System != system {
				return "", ErrUnhandled
			}
			return answer, nil
		}
	}
	failing := func(req Request) (string, error) {
		if req.System == "broken" {
			return "", errors.New("bad fixture")
		}
		return "", ErrUnhandled
	}
	respond := ChainResponders(only("a", "first"), failing, only("b", "second"))

	if out, err := respond(Request{System: "b"}); err != nil || out != "second" {
		t.Fatalf("expected the later responder to answer, got %q, %v", out, err)
	}
	if _, err := respond(Request{System: "broken"}); err == nil || errors.Is(err, ErrUnhandled) {
		t.Fatalf("a real error must stop the chain, got %v", err)
	}
	if _, err := respond(Request{System: "c"}); !errors.Is(err, ErrUnhandled) {
		t.Fatalf("expected ErrUnhandled when nothing answers, got %v", err)
	}
}
