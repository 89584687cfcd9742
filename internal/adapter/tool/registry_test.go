package tool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"knowbot/internal/domain"
)

// staticTool is a minimal Tool for registry tests.
type staticTool struct {
	name   string
	params string
}

func (s *staticTool) Name() string        { return s.name }
func (s *staticTool) Description() string { return "static test tool" }
func (s *staticTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        s.name,
		Description: s.Description(),
		Parameters:  json.RawMessage(s.params),
	}
}
func (s *staticTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	return &domain.ToolResult{Content: "ran " + s.name}, nil
}

const simpleSchema = `{"type":"object","properties":{"x":{"type":"string"}},"required":["x"]}`

func TestToolRegistryRegisterGet(t *testing.T) {
	reg := NewRegistry(nil)
	tool := &staticTool{name: "alpha", params: simpleSchema}

	if err := reg.Register(tool); err != nil {
		t.Fatal(err)
	}

	got, err := reg.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name() != "alpha" {
		t.Errorf("Name = %q", got.Name())
	}
}

func TestToolRegistryDuplicate(t *testing.T) {
	reg := NewRegistry(nil)
	tool := &staticTool{name: "dup", params: simpleSchema}

	if err := reg.Register(tool); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(tool); err == nil {
		t.Error("expected error on duplicate register")
	}
}

func TestToolRegistryNotFound(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Get("ghost")
	if !errors.Is(err, domain.ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}

func TestToolRegistrySchemas(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&staticTool{name: "a", params: simpleSchema})
	reg.Register(&staticTool{name: "b", params: simpleSchema})

	schemas := reg.Schemas()
	if len(schemas) != 2 {
		t.Errorf("got %d schemas, want 2", len(schemas))
	}
	if len(reg.List()) != 2 {
		t.Errorf("List returned %d tools", len(reg.List()))
	}
}

func TestToolRegistryWrapsWithSchemaValidation(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	reg.Register(&staticTool{name: "validated", params: simpleSchema})

	tool, err := reg.Get("validated")
	if err != nil {
		t.Fatal(err)
	}

	// Missing required "x" must be rejected before the tool runs.
	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError || !strings.Contains(result.Content, "schema validation failed") {
		t.Errorf("result = %+v", result)
	}

	// Valid params flow through.
	result, err = tool.Execute(context.Background(), json.RawMessage(`{"x":"ok"}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Errorf("unexpected error: %s", result.Content)
	}
}

func TestWithSchemaValidationNoSchema(t *testing.T) {
	inner := &staticTool{name: "bare", params: "null"}
	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatal(err)
	}
	if wrapped != domain.Tool(inner) {
		t.Error("tool without a schema should pass through unwrapped")
	}
}

func TestWithSchemaValidationBadSchema(t *testing.T) {
	inner := &staticTool{name: "broken", params: `{"type": 42}`}
	if _, err := WithSchemaValidation(inner); err == nil {
		t.Error("expected compile error for invalid schema")
	}
}

func TestSchemaValidatingToolInvalidJSON(t *testing.T) {
	wrapped, err := WithSchemaValidation(&staticTool{name: "v", params: simpleSchema})
	if err != nil {
		t.Fatal(err)
	}
	result, err := wrapped.Execute(context.Background(), json.RawMessage(`not json`))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for malformed JSON params")
	}
}
