package anthropic

import (
	"encoding/json"
	"testing"

	"AgentEngine/pkg/engine/api"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	llm, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if llm.model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q, want default", llm.model)
	}
	if llm.maxTokens != 4096 {
		t.Errorf("maxTokens = %d, want 4096", llm.maxTokens)
	}
}

func TestNew_HonorsExplicitSettings(t *testing.T) {
	llm, err := New(Config{APIKey: "sk-ant-test", Model: "claude-opus-4-20250514", MaxTokens: 8192})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if llm.model != "claude-opus-4-20250514" {
		t.Errorf("model = %q", llm.model)
	}
	if llm.maxTokens != 8192 {
		t.Errorf("maxTokens = %d", llm.maxTokens)
	}
}

func TestToAnthropicMessages_UserAndAssistant(t *testing.T) {
	items := []api.PromptItem{
		api.NewUserMessage("hello"),
		api.NewAssistantMessage("hi there", ""),
	}
	msgs, err := toAnthropicMessages(items)
	if err != nil {
		t.Fatalf("toAnthropicMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
}

func TestToAnthropicMessages_ToolCallAndOutputRoundTrip(t *testing.T) {
	args, _ := json.Marshal(map[string]any{"path": "README.md"})
	content, _ := json.Marshal("file contents")

	items := []api.PromptItem{
		api.NewUserMessage("read the readme"),
		api.NewToolCall("call-1", "read_file", args),
		api.NewToolOutput("call-1", api.StatusSuccess, content),
	}
	msgs, err := toAnthropicMessages(items)
	if err != nil {
		t.Fatalf("toAnthropicMessages: %v", err)
	}
	// user message, assistant tool_use message, user tool_result message.
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
}

func TestToAnthropicMessages_RejectsInvalidToolArguments(t *testing.T) {
	items := []api.PromptItem{
		api.NewToolCall("call-1", "read_file", json.RawMessage(`not json`)),
	}
	if _, err := toAnthropicMessages(items); err == nil {
		t.Fatal("expected error for invalid tool call arguments")
	}
}

func TestToAnthropicTools_ConvertsSchema(t *testing.T) {
	tools := []api.ToolSchema{
		{
			Name:        "read_file",
			Description: "Reads a file",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
			},
		},
	}
	out, err := toAnthropicTools(tools)
	if err != nil {
		t.Fatalf("toAnthropicTools: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].OfTool == nil {
		t.Fatalf("unexpected tool param: %+v", out[0])
	}
}

func TestToolOutputText_UnwrapsJSONString(t *testing.T) {
	content, _ := json.Marshal("plain text result")
	out := &api.ToolOutputItem{Content: content}
	if got := toolOutputText(out); got != "plain text result" {
		t.Errorf("toolOutputText = %q, want %q", got, "plain text result")
	}
}

func TestToolOutputText_FallsBackToRawContentForNonStringJSON(t *testing.T) {
	content, _ := json.Marshal(map[string]any{"ok": true})
	out := &api.ToolOutputItem{Content: content}
	if got := toolOutputText(out); got != string(content) {
		t.Errorf("toolOutputText = %q, want raw content %q", got, content)
	}
}

func TestToFinishChunk_MapsKnownReasons(t *testing.T) {
	cases := map[string]api.FinishReason{
		"end_turn":      api.FinishStop,
		"stop_sequence": api.FinishStop,
		"max_tokens":    api.FinishLength,
		"tool_use":      api.FinishToolCalls,
		"weird_reason":  api.FinishOther,
	}
	for reason, want := range cases {
		got := toFinishChunk(reason)
		if got.FinishReason != want {
			t.Errorf("toFinishChunk(%q).FinishReason = %q, want %q", reason, got.FinishReason, want)
		}
		if want == api.FinishOther && got.RawFinishReason != reason {
			t.Errorf("toFinishChunk(%q).RawFinishReason = %q, want original", reason, got.RawFinishReason)
		}
	}
}
