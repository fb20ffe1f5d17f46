package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"AgentEngine/pkg/engine/api"
)

type fakeCounter struct{}

func (fakeCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(text)
}

func TestRun_SummarizesLargeGrepOutput(t *testing.T) {
	p := New(fakeCounter{})

	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString("match line\n")
	}
	ui := sb.String()

	handler := func(ctx context.Context, args api.Args) (api.ToolResult, error) {
		return api.ToolResult{Status: api.StatusSuccess, UIContent: ui, LLMContent: ui}, nil
	}

	result := p.Run(context.Background(), "grep", api.Args{}, handler)

	if result.LLMContent == ui {
		t.Fatal("expected llm_content to be summarized, got the full output")
	}
	if result.Metadata.SavingsPct <= 0 {
		t.Fatalf("expected positive savings, got %f", result.Metadata.SavingsPct)
	}
}

func TestRun_PassesThroughWhenNoSummarizerRegistered(t *testing.T) {
	p := New(fakeCounter{})
	handler := func(ctx context.Context, args api.Args) (api.ToolResult, error) {
		return api.ToolResult{Status: api.StatusSuccess, UIContent: "hello"}, nil
	}
	result := p.Run(context.Background(), "read_file", api.Args{}, handler)
	if result.LLMContent != "hello" {
		t.Fatalf("expected verbatim passthrough, got %q", result.LLMContent)
	}
}

func TestRun_RespectsHandlerOwnDualChannel(t *testing.T) {
	p := New(fakeCounter{})
	handler := func(ctx context.Context, args api.Args) (api.ToolResult, error) {
		return api.ToolResult{Status: api.StatusSuccess, UIContent: "full output here", LLMContent: "compact"}, nil
	}
	result := p.Run(context.Background(), "grep", api.Args{}, handler)
	if result.LLMContent != "compact" {
		t.Fatalf("expected handler's own summary preserved, got %q", result.LLMContent)
	}
}

func TestRun_TimesOutSlowHandler(t *testing.T) {
	p := New(fakeCounter{}, WithTimeout(CategoryDefault, 10*time.Millisecond))
	handler := func(ctx context.Context, args api.Args) (api.ToolResult, error) {
		<-ctx.Done()
		return api.ToolResult{}, ctx.Err()
	}
	result := p.Run(context.Background(), "some_mcp_tool", api.Args{}, handler)
	if result.Status != api.StatusTimeout {
		t.Fatalf("expected timeout status, got %v", result.Status)
	}
	if !strings.Contains(result.LLMContent, "timed out") {
		t.Fatalf("expected timeout message in llm_content, got %q", result.LLMContent)
	}
}

func TestRun_HandlerErrorBecomesFailedResult(t *testing.T) {
	p := New(fakeCounter{})
	handler := func(ctx context.Context, args api.Args) (api.ToolResult, error) {
		return api.ToolResult{}, errors.New("boom")
	}
	result := p.Run(context.Background(), "shell", api.Args{"command": "ls"}, handler)
	if result.Status != api.StatusFailed {
		t.Fatalf("expected failed status, got %v", result.Status)
	}
	if result.Error != "boom" {
		t.Fatalf("expected error message preserved, got %q", result.Error)
	}
}

func TestRun_NormalizesArrayShellCommand(t *testing.T) {
	p := New(fakeCounter{})
	var seenArgs api.Args
	handler := func(ctx context.Context, args api.Args) (api.ToolResult, error) {
		seenArgs = args
		return api.ToolResult{Status: api.StatusSuccess, UIContent: "ok"}, nil
	}
	_ = p.Run(context.Background(), "shell", api.Args{"command": []any{"echo", "hi"}}, handler)
	if seenArgs["command"] != "echo hi" {
		t.Fatalf("expected normalized command string, got %v", seenArgs["command"])
	}
}

func TestRun_NormalizesLegacyCmdKey(t *testing.T) {
	p := New(fakeCounter{})
	var seenArgs api.Args
	handler := func(ctx context.Context, args api.Args) (api.ToolResult, error) {
		seenArgs = args
		return api.ToolResult{Status: api.StatusSuccess, UIContent: "ok"}, nil
	}
	_ = p.Run(context.Background(), "shell", api.Args{"cmd": "ls -la"}, handler)
	if seenArgs["command"] != "ls -la" {
		t.Fatalf("expected cmd normalized to command, got %v", seenArgs["command"])
	}
	if _, present := seenArgs["cmd"]; present {
		t.Fatal("expected legacy key removed after normalization")
	}
}

func TestRun_RejectsUnresolvableCommandShape(t *testing.T) {
	p := New(fakeCounter{})
	called := false
	handler := func(ctx context.Context, args api.Args) (api.ToolResult, error) {
		called = true
		return api.ToolResult{Status: api.StatusSuccess}, nil
	}
	result := p.Run(context.Background(), "shell", api.Args{"command": 42}, handler)
	if called {
		t.Fatal("handler should not run when normalization fails")
	}
	if result.Status != api.StatusFailed {
		t.Fatalf("expected failed status, got %v", result.Status)
	}
}

func TestCategoryForTool_Classifications(t *testing.T) {
	cases := map[string]Category{
		"shell":            CategoryShellExec,
		"pty":              CategoryPTY,
		"run_skill_script": CategorySkill,
		"grep":             CategoryReadOnly,
		"write_file":       CategoryDefault,
		"some_new_tool":    CategoryDefault,
	}
	for name, want := range cases {
		if got := CategoryForTool(name); got != want {
			t.Errorf("CategoryForTool(%s) = %s, want %s", name, got, want)
		}
	}
}
