package history

import (
	"encoding/json"
	"testing"

	"AgentEngine/pkg/engine/api"
)

func rawArgs() json.RawMessage { return json.RawMessage(`{}`) }

func TestValidate_AcceptsEmptyHistory(t *testing.T) {
	m := NewManager()
	if err := m.Validate(api.ConversationHistory{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_AcceptsPairedCallAndOutput(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewUserMessage("hi"),
		api.NewToolCall("call_1", "read_file", rawArgs()),
		api.NewToolOutput("call_1", api.StatusSuccess, rawArgs()),
		api.NewAssistantMessage("done", ""),
	}}
	if err := m.Validate(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RejectsOutputBeforeCall(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewToolOutput("call_1", api.StatusSuccess, rawArgs()),
		api.NewToolCall("call_1", "read_file", rawArgs()),
	}}
	if err := m.Validate(h); err == nil {
		t.Fatalf("expected error for output preceding its call")
	}
}

func TestValidate_RejectsDuplicateCallID(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewToolCall("call_1", "read_file", rawArgs()),
		api.NewToolCall("call_1", "read_file", rawArgs()),
	}}
	if err := m.Validate(h); err == nil {
		t.Fatalf("expected error for duplicate tool_call call_id")
	}
}

func TestValidate_RejectsDuplicateOutput(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewToolCall("call_1", "read_file", rawArgs()),
		api.NewToolOutput("call_1", api.StatusSuccess, rawArgs()),
		api.NewToolOutput("call_1", api.StatusSuccess, rawArgs()),
	}}
	if err := m.Validate(h); err == nil {
		t.Fatalf("expected error for duplicate tool_output")
	}
}

func TestValidate_RejectsOrphanOutput(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewToolOutput("call_missing", api.StatusSuccess, rawArgs()),
	}}
	if err := m.Validate(h); err == nil {
		t.Fatalf("expected error for orphan tool_output")
	}
}

func TestEnsureOutputsPresent_InsertsSyntheticAbortedOutput(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewUserMessage("hi"),
		api.NewToolCall("call_1", "shell", rawArgs()),
	}}

	out := m.EnsureOutputsPresent(h)
	if len(out.Items) != 3 {
		t.Fatalf("expected 3 items after repair, got %d", len(out.Items))
	}
	last := out.Items[2]
	if last.Kind != api.ItemToolOutput || last.ToolOutput.CallID != "call_1" {
		t.Fatalf("expected synthetic output for call_1, got %+v", last)
	}
	if last.ToolOutput.Status != api.StatusAborted {
		t.Fatalf("expected StatusAborted, got %s", last.ToolOutput.Status)
	}
	if err := m.Validate(out); err != nil {
		t.Fatalf("repaired history should validate: %v", err)
	}
}

func TestEnsureOutputsPresent_LeavesPairedCallsAlone(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewToolCall("call_1", "shell", rawArgs()),
		api.NewToolOutput("call_1", api.StatusSuccess, rawArgs()),
	}}

	out := m.EnsureOutputsPresent(h)
	if len(out.Items) != 2 {
		t.Fatalf("expected no items inserted, got %d", len(out.Items))
	}
}

func TestRemoveOrphanOutputs_DropsUnmatchedOutput(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewToolCall("call_1", "shell", rawArgs()),
		api.NewToolOutput("call_1", api.StatusSuccess, rawArgs()),
		api.NewToolOutput("call_ghost", api.StatusSuccess, rawArgs()),
	}}

	out := m.RemoveOrphanOutputs(h)
	if len(out.Items) != 2 {
		t.Fatalf("expected orphan output dropped, got %d items", len(out.Items))
	}
	for _, item := range out.Items {
		if item.Kind == api.ItemToolOutput && item.ToolOutput.CallID == "call_ghost" {
			t.Fatalf("orphan output was not removed")
		}
	}
}

func TestNormalize_RepairsOrphanThenMissingOutputs(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewToolOutput("call_ghost", api.StatusSuccess, rawArgs()), // orphan, dropped
		api.NewToolCall("call_1", "shell", rawArgs()),                 // missing output, synthesized
	}}

	out, err := m.Normalize(h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("expected 2 items (call + synthesized output), got %d", len(out.Items))
	}
	if out.Items[0].Kind != api.ItemToolCall || out.Items[1].Kind != api.ItemToolOutput {
		t.Fatalf("unexpected shape after normalize: %+v", out.Items)
	}
}

func TestNormalize_IsIdempotent(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewUserMessage("hi"),
		api.NewToolCall("call_1", "shell", rawArgs()),
	}}

	once, err := m.Normalize(h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	twice, err := m.Normalize(once)
	if err != nil {
		t.Fatalf("unexpected error on second pass: %v", err)
	}
	if len(once.Items) != len(twice.Items) {
		t.Fatalf("normalize is not idempotent: %d items vs %d items", len(once.Items), len(twice.Items))
	}
	for i := range once.Items {
		onceJSON, _ := json.Marshal(once.Items[i])
		twiceJSON, _ := json.Marshal(twice.Items[i])
		if string(onceJSON) != string(twiceJSON) {
			t.Fatalf("item %d differs between passes: %s vs %s", i, onceJSON, twiceJSON)
		}
	}
}

func TestRecoverFromCrash_TrimsUnrepairableTail(t *testing.T) {
	m := NewManager()
	// A duplicate call_id cannot be repaired by dropping orphans or
	// synthesizing outputs, so recovery should trim from the end until the
	// prefix validates.
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewUserMessage("hi"),
		api.NewToolCall("call_1", "shell", rawArgs()),
		api.NewToolOutput("call_1", api.StatusSuccess, rawArgs()),
		api.NewToolCall("call_1", "shell", rawArgs()), // duplicate, unrepairable
	}}

	out := m.RecoverFromCrash(h)
	if err := m.Validate(out); err != nil {
		t.Fatalf("recovered history should validate: %v", err)
	}
	if len(out.Items) == 0 {
		t.Fatalf("expected recovery to keep the valid prefix, got empty history")
	}
}

func TestViewForPrompt_ReturnsRepairedItems(t *testing.T) {
	m := NewManager()
	h := api.ConversationHistory{Items: []api.HistoryItem{
		api.NewToolCall("call_1", "shell", rawArgs()),
	}}

	view := m.ViewForPrompt(h)
	if len(view) != 2 {
		t.Fatalf("expected repaired view with synthesized output, got %d items", len(view))
	}
	if h.Len() != 1 {
		t.Fatalf("ViewForPrompt must not mutate its input, original history now has %d items", h.Len())
	}
}
