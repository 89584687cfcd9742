package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"knowbot/internal/domain"
	"knowbot/internal/infra/config"
)

// roundTripFunc is a function type that implements http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestLogger() *slog.Logger {
	return slog.Default()
}

func TestOpenAIProviderChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth: %s", r.Header.Get("Authorization"))
		}

		resp := openaiResponse{
			ID:    "chatcmpl-123",
			Model: "gpt-4o-mini",
			Choices: []openaiChoice{
				{
					Message: openaiMessage{
						Role:    "assistant",
						Content: "Hello! How can I help?",
					},
					FinishReason: "stop",
				},
			},
			Usage: openaiUsage{PromptTokens: 10, CompletionTokens: 8, TotalTokens: 18},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	resp, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Message.Content != "Hello! How can I help?" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 18 {
		t.Errorf("TotalTokens = %d, want 18", resp.Usage.TotalTokens)
	}
}

func TestOpenAIProviderChatWithToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openaiResponse{
			ID:    "chatcmpl-456",
			Model: "gpt-4o-mini",
			Choices: []openaiChoice{
				{
					Message: openaiMessage{
						Role: "assistant",
						ToolCalls: []openaiToolCall{
							{
								ID:   "call_1",
								Type: "function",
								Function: openaiToolCallFunction{
									Name:      "search",
									Arguments: `{"query":"latest go release"}`,
								},
							},
						},
					},
					FinishReason: "tool_calls",
				},
			},
			Usage: openaiUsage{TotalTokens: 25},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	resp, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "what is the latest go release"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].Name != "search" {
		t.Errorf("tool name = %q, want search", resp.Message.ToolCalls[0].Name)
	}
}

func TestOpenAIProviderErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    error
	}{
		{"429 rate limit", http.StatusTooManyRequests, `{"error":{"message":"rate limit exceeded"}}`, domain.ErrRateLimit},
		{"401 unauthorized", http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`, domain.ErrAuthInvalid},
		{"403 forbidden", http.StatusForbidden, `{"error":{"message":"access denied"}}`, domain.ErrAuthInvalid},
		{"413 context overflow", http.StatusRequestEntityTooLarge, `{"error":{"message":"maximum context length exceeded"}}`, domain.ErrContextOverflow},
		{"500 server error", http.StatusInternalServerError, `{"error":{"message":"internal server error"}}`, domain.ErrProviderError},
		{"502 bad gateway", http.StatusBadGateway, `bad gateway`, domain.ErrProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			provider := NewOpenAIProvider(config.ProviderConfig{
				Name:    "test",
				BaseURL: server.URL,
				Model:   "gpt-4o-mini",
				APIKey:  "test-key",
			}, newTestLogger())

			_, err := provider.Chat(context.Background(), domain.ChatRequest{
				Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			// The error message carries the status code for debugging.
			if !strings.Contains(err.Error(), fmt.Sprintf("API error %d", tt.statusCode)) {
				t.Errorf("error should contain status code, got: %s", err.Error())
			}
		})
	}
}

func TestOpenAIChatInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{broken json!!!`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	_, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err == nil {
		t.Fatal("expected error for invalid JSON response")
	}
	if !strings.Contains(err.Error(), "unmarshal response") {
		t.Errorf("error = %q, want it to contain 'unmarshal response'", err.Error())
	}
}

func TestOpenAIRequestConversion(t *testing.T) {
	req := domain.ChatRequest{
		Model: "gpt-4o",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You are a helper."},
			{Role: domain.RoleUser, Content: "Hello"},
		},
		MaxTokens:   2048,
		Temperature: 0.7,
	}

	oaiReq := toOpenAIRequest(req)

	if oaiReq.Model != "gpt-4o" {
		t.Errorf("Model = %q", oaiReq.Model)
	}
	if len(oaiReq.Messages) != 2 {
		t.Fatalf("Messages len = %d, want 2", len(oaiReq.Messages))
	}
	if oaiReq.Messages[0].Role != "system" {
		t.Errorf("Messages[0].Role = %q, want system", oaiReq.Messages[0].Role)
	}
	if oaiReq.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", oaiReq.MaxTokens)
	}
	if oaiReq.Temperature == nil || *oaiReq.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", oaiReq.Temperature)
	}
}

func TestOpenAIRequestZeroSamplingOmitted(t *testing.T) {
	oaiReq := toOpenAIRequest(domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})

	if oaiReq.MaxTokens != 0 {
		t.Errorf("MaxTokens = %d, want 0", oaiReq.MaxTokens)
	}
	if oaiReq.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", oaiReq.Temperature)
	}
}

func TestOpenAIToolChainConversion(t *testing.T) {
	req := domain.ChatRequest{
		Model: "gpt-4o",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "search for something"},
			{
				Role: domain.RoleAssistant,
				ToolCalls: []domain.ToolCall{
					{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"query":"x"}`)},
				},
			},
			{
				Role:      domain.RoleTool,
				Name:      "search",
				Content:   "search results here",
				ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "search"}},
			},
		},
	}

	oaiReq := toOpenAIRequest(req)
	if len(oaiReq.Messages) != 3 {
		t.Fatalf("Messages len = %d, want 3", len(oaiReq.Messages))
	}

	assistantMsg := oaiReq.Messages[1]
	if len(assistantMsg.ToolCalls) != 1 {
		t.Fatalf("assistant tool_calls len = %d, want 1", len(assistantMsg.ToolCalls))
	}
	if assistantMsg.ToolCalls[0].Type != "function" {
		t.Errorf("ToolCall Type = %q, want function", assistantMsg.ToolCalls[0].Type)
	}
	if assistantMsg.ToolCalls[0].Function.Arguments != `{"query":"x"}` {
		t.Errorf("Arguments = %q", assistantMsg.ToolCalls[0].Function.Arguments)
	}

	toolMsg := oaiReq.Messages[2]
	if toolMsg.Role != "tool" {
		t.Errorf("tool msg role = %q", toolMsg.Role)
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool_call_id = %q, want call_1", toolMsg.ToolCallID)
	}
	if len(toolMsg.ToolCalls) != 0 {
		t.Errorf("tool result must not carry tool_calls, got %d", len(toolMsg.ToolCalls))
	}
}

func TestOpenAIResponseEmptyChoices(t *testing.T) {
	result := fromOpenAIResponse(openaiResponse{
		ID:      "chatcmpl-empty",
		Model:   "gpt-4o",
		Choices: []openaiChoice{},
		Usage:   openaiUsage{TotalTokens: 5},
	})

	if result.Message.Content != "" {
		t.Errorf("Content = %q, want empty", result.Message.Content)
	}
	if len(result.Message.ToolCalls) != 0 {
		t.Errorf("ToolCalls len = %d, want 0", len(result.Message.ToolCalls))
	}
}

func TestOpenAIChatDefaultModel(t *testing.T) {
	var receivedReq openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedReq)

		json.NewEncoder(w).Encode(openaiResponse{
			ID:      "chatcmpl-dm",
			Model:   "gpt-4o",
			Choices: []openaiChoice{{Message: openaiMessage{Role: "assistant", Content: "ok"}}},
			Usage:   openaiUsage{TotalTokens: 5},
		})
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o",
	}, newTestLogger())

	// Request with no model should use the provider's default.
	_, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if receivedReq.Model != "gpt-4o" {
		t.Errorf("Request model = %q, want gpt-4o", receivedReq.Model)
	}
}

func TestOpenAIProviderNoAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no Authorization header, got %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(openaiResponse{
			ID:      "chatcmpl-nokey",
			Model:   "local-model",
			Choices: []openaiChoice{{Message: openaiMessage{Role: "assistant", Content: "ok"}}},
			Usage:   openaiUsage{TotalTokens: 5},
		})
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "local",
		BaseURL: server.URL,
		Model:   "local-model",
	}, newTestLogger())

	resp, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
}

func TestOpenAIChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("unexpected Accept: %s", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)

		chunks := []string{
			`data: {"id":"c1","choices":[{"delta":{"content":"Hello"}}]}`,
			`data: {"id":"c1","choices":[{"delta":{"content":" world"}}]}`,
			`data: {"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			`data: [DONE]`,
		}
		for _, c := range chunks {
			fmt.Fprintln(w, c)
			fmt.Fprintln(w)
			flusher.Flush()
		}
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	ch, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content string
	var gotDone bool
	var usage *domain.Usage
	for delta := range ch {
		content += delta.Content
		if delta.Done {
			gotDone = true
		}
		if delta.Usage != nil {
			usage = delta.Usage
		}
	}

	if content != "Hello world" {
		t.Errorf("content = %q, want %q", content, "Hello world")
	}
	if !gotDone {
		t.Error("expected Done=true")
	}
	if usage == nil || usage.TotalTokens != 7 {
		t.Errorf("usage = %v, want TotalTokens=7", usage)
	}
}

func TestOpenAIChatStreamHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	_, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
	})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("expected ErrRateLimit, got %v", err)
	}
}

func TestOpenAIChatStreamContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 1000; i++ {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
			flusher.Flush()
		}
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := provider.ChatStream(ctx, domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	<-ch
	cancel()

	// Channel must close shortly after cancellation.
	count := 0
	for range ch {
		count++
	}
	if count > 100 {
		t.Errorf("got %d deltas after cancel, expected much fewer", count)
	}
}

func TestRegistryBasic(t *testing.T) {
	reg := NewRegistry()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:  "test-provider",
		Model: "test-model",
	}, newTestLogger())

	if err := reg.Register(provider); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := reg.Get("test-provider")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "test-provider" {
		t.Errorf("Name = %q", got.Name())
	}

	names := reg.List()
	if len(names) != 1 || names[0] != "test-provider" {
		t.Errorf("List = %v, want [test-provider]", names)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	p := NewOpenAIProvider(config.ProviderConfig{Name: "dup"}, newTestLogger())

	if err := reg.Register(p); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(p); err == nil {
		t.Error("expected error on duplicate register")
	}
}

func TestRegistryNotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nonexistent")
	if !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestFactoryUnknownType(t *testing.T) {
	_, err := NewFromConfig(config.ProviderConfig{Name: "x", Type: "mystery"}, newTestLogger())
	if err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

func TestFactoryOpenAIWrapped(t *testing.T) {
	p, err := NewFromConfig(config.ProviderConfig{Name: "x", Type: "openai", Model: "m"}, newTestLogger())
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if _, ok := p.(*CircuitBreakerProvider); !ok {
		t.Errorf("factory should wrap providers in a circuit breaker, got %T", p)
	}
}
