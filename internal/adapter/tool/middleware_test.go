package tool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"knowbot/internal/domain"
)

type echoParams struct {
	Value string `json:"value"`
}

func TestExecuteInvalidParams(t *testing.T) {
	result, err := Execute(context.Background(), "tool.test", newTestLogger(), json.RawMessage(`{oops`),
		func(ctx context.Context, span trace.Span, p echoParams) (any, error) {
			t.Fatal("handler must not run on bad params")
			return nil, nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError || !strings.Contains(result.Content, "invalid params") {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteStringResult(t *testing.T) {
	result, err := Execute(context.Background(), "tool.test", newTestLogger(), json.RawMessage(`{"value":"hi"}`),
		func(ctx context.Context, span trace.Span, p echoParams) (any, error) {
			return "echo: " + p.Value, nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError || result.Content != "echo: hi" {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteStructResultMarshaled(t *testing.T) {
	result, err := Execute(context.Background(), "tool.test", newTestLogger(), json.RawMessage(`{}`),
		func(ctx context.Context, span trace.Span, p echoParams) (any, error) {
			return map[string]int{"count": 3}, nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Content, `"count": 3`) {
		t.Errorf("Content = %q", result.Content)
	}
}

func TestExecuteToolResultPassthrough(t *testing.T) {
	custom := &domain.ToolResult{Content: "custom", IsError: false}
	result, err := Execute(context.Background(), "tool.test", newTestLogger(), json.RawMessage(`{}`),
		func(ctx context.Context, span trace.Span, p echoParams) (any, error) {
			return custom, nil
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if result != custom {
		t.Error("ToolResult should pass through unchanged")
	}
}

func TestExecuteHandlerErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetryable bool
	}{
		{"permanent", errors.New("bad input"), false},
		{"retryable sentinel", domain.ErrSearchBackend, true},
		{"retryable pattern", errors.New("dial tcp: connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Execute(context.Background(), "tool.test", newTestLogger(), json.RawMessage(`{}`),
				func(ctx context.Context, span trace.Span, p echoParams) (any, error) {
					return nil, tt.err
				},
			)
			if err != nil {
				t.Fatal(err)
			}
			if !result.IsError {
				t.Fatal("expected error result")
			}
			if result.IsRetryable != tt.wantRetryable {
				t.Errorf("IsRetryable = %v, want %v", result.IsRetryable, tt.wantRetryable)
			}
			if tt.wantRetryable && !strings.Contains(result.Content, "may succeed on retry") {
				t.Errorf("retryable result missing hint: %s", result.Content)
			}
		})
	}
}

func TestErrResultAndTextResult(t *testing.T) {
	r, err := ErrResult("bad %s", "thing")
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsError || r.Content != "bad thing" {
		t.Errorf("ErrResult = %+v", r)
	}

	tr := TextResult("ok")
	if tr.IsError || tr.Content != "ok" {
		t.Errorf("TextResult = %+v", tr)
	}
}

func TestPublishToolEventNilBus(t *testing.T) {
	// Must not panic.
	PublishToolEvent(context.Background(), nil, domain.EventSearchPhaseStarted, nil)
}

func TestPublishToolEventCarriesSessionID(t *testing.T) {
	bus := &recordingBus{}
	ctx := domain.ContextWithSessionID(context.Background(), "sess-1")

	PublishToolEvent(ctx, bus, domain.EventSearchPhaseStarted, domain.SearchPhasePayload{Phase: "news"})

	if len(bus.events) != 1 {
		t.Fatalf("got %d events, want 1", len(bus.events))
	}
	if bus.events[0].SessionID != "sess-1" {
		t.Errorf("SessionID = %q", bus.events[0].SessionID)
	}
}
