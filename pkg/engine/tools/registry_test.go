package tools

import (
	"context"
	"testing"

	"AgentEngine/pkg/engine/api"
)

type fakeTool struct {
	name   string
	params any
}

func (f fakeTool) Name() string        { return f.name }
func (f fakeTool) Description() string { return "a fake tool for tests" }
func (f fakeTool) Risk() api.RiskLevel  { return api.RiskLow }
func (f fakeTool) Declaration() api.ToolSchema {
	return api.ToolSchema{Name: f.name, Description: f.Description(), Parameters: f.params}
}
func (f fakeTool) Execute(ctx context.Context, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error) {
	return api.ToolResult{}, nil
}

func TestRegister_AcceptsValidSchema(t *testing.T) {
	r := NewRegistry()
	tool := fakeTool{name: "echo", params: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}}
	if err := r.Register(tool); err != nil {
		t.Fatalf("expected valid schema to register, got %v", err)
	}
}

func TestRegister_RejectsMalformedSchema(t *testing.T) {
	r := NewRegistry()
	tool := fakeTool{name: "broken", params: map[string]any{
		"type": "object",
		// "required" must be an array of strings per JSON Schema; a bare
		// string here is structurally invalid.
		"required": "text",
	}}
	if err := r.Register(tool); err == nil {
		t.Fatal("expected malformed schema to be rejected")
	}
}

func TestRegister_RejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	tool := fakeTool{name: "dup", params: map[string]any{"type": "object"}}
	if err := r.Register(tool); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(tool); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestBaseTool_DeclarationProducesValidSchema(t *testing.T) {
	r := NewRegistry()
	base := NewBaseTool("sample", "a sample tool", []ParameterDef{
		{Name: "path", Type: "string", Description: "file path", Required: true},
		{Name: "limit", Type: "integer", Description: "max results", Required: false},
	}, api.RiskLow)
	tool := baseToolTool{base}
	if err := r.Register(tool); err != nil {
		t.Fatalf("expected BaseTool-derived schema to validate, got %v", err)
	}
}

// baseToolTool adapts BaseTool (which doesn't implement Execute) into a
// full Tool for this test.
type baseToolTool struct {
	BaseTool
}

func (b baseToolTool) Execute(ctx context.Context, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error) {
	return api.ToolResult{}, nil
}
