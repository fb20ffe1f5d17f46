package context

import (
	"encoding/json"
	"testing"

	"AgentEngine/pkg/engine/api"
)

type constCounter struct{ perItem int }

func (c constCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return c.perItem
}

func TestCountItem_CountsEachKind(t *testing.T) {
	c := NewCurator(constCounter{perItem: 10}, 0)

	content, _ := json.Marshal("ok")

	cases := []struct {
		name string
		item api.HistoryItem
		want int
	}{
		{"user", api.NewUserMessage("hi"), 10},
		{"assistant", api.NewAssistantMessage("hi", ""), 10},
		{"tool_call", api.NewToolCall("c1", "shell", json.RawMessage(`{"cmd":"ls"}`)), 20},
		{"tool_output", api.NewToolOutput("c1", api.StatusSuccess, content), 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.CountItem(tc.item); got != tc.want {
				t.Fatalf("CountItem(%s) = %d, want %d", tc.name, got, tc.want)
			}
		})
	}
}

func TestCountHistory_SumsItems(t *testing.T) {
	c := NewCurator(constCounter{perItem: 5}, 0)
	items := []api.HistoryItem{
		api.NewUserMessage("hi"),
		api.NewAssistantMessage("hello", ""),
	}
	if got := c.CountHistory(items); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
}

func TestMeasure_SumsAllComponents(t *testing.T) {
	c := NewCurator(constCounter{perItem: 5}, 100)
	state := &api.TaskRunState{
		SystemPrompt:     "be helpful",
		MaxContextTokens: 1000,
	}
	state.History.Items = []api.HistoryItem{
		api.NewUserMessage("hi"),
	}
	tools := []api.ToolSchema{
		{Name: "shell", Description: "run a command"},
	}

	usage := c.Measure(state, tools)
	if usage.SystemPromptTokens != 5 {
		t.Fatalf("system prompt tokens = %d, want 5", usage.SystemPromptTokens)
	}
	if usage.HistoryTokens != 5 {
		t.Fatalf("history tokens = %d, want 5", usage.HistoryTokens)
	}
	if usage.ToolSchemaTokens != 10 {
		t.Fatalf("tool schema tokens = %d, want 10", usage.ToolSchemaTokens)
	}
	if usage.Total != 20 {
		t.Fatalf("total = %d, want 20", usage.Total)
	}
	if usage.Max != 1000 {
		t.Fatalf("max = %d, want 1000", usage.Max)
	}
	if usage.Reserved != 100 {
		t.Fatalf("reserved = %d, want 100", usage.Reserved)
	}
}

func TestNeedsCompaction_UnboundedContextIsNoop(t *testing.T) {
	u := Usage{Total: 1_000_000, Reserved: 1000, Max: 0}
	if u.NeedsCompaction() {
		t.Fatal("expected no compaction needed when Max <= 0")
	}
}

func TestNeedsCompaction_TriggersWhenOverBudget(t *testing.T) {
	u := Usage{Total: 900, Reserved: 200, Max: 1000}
	if !u.NeedsCompaction() {
		t.Fatal("expected compaction needed")
	}
}

func TestNeedsCompaction_FalseWhenWithinBudget(t *testing.T) {
	u := Usage{Total: 100, Reserved: 100, Max: 1000}
	if u.NeedsCompaction() {
		t.Fatal("expected no compaction needed")
	}
}

func TestMaxTokensForResponse_ClampsToAtLeastOne(t *testing.T) {
	u := Usage{Total: 999, Max: 1000, Reserved: 50}
	if got := u.MaxTokensForResponse(); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestMaxTokensForResponse_UnboundedFallsBackToReserved(t *testing.T) {
	u := Usage{Total: 5000, Max: 0, Reserved: 256}
	if got := u.MaxTokensForResponse(); got != 256 {
		t.Fatalf("expected 256, got %d", got)
	}
}

func TestMaxTokensForResponse_ReturnsRemainingBudget(t *testing.T) {
	u := Usage{Total: 300, Max: 1000, Reserved: 100}
	if got := u.MaxTokensForResponse(); got != 700 {
		t.Fatalf("expected 700, got %d", got)
	}
}

func rawArgs(s string) json.RawMessage { return json.RawMessage(s) }

func TestAssemble_IncludesEverythingWhenItFits(t *testing.T) {
	c := NewCurator(constCounter{perItem: 5}, 1)
	state := &api.TaskRunState{
		SystemPrompt:     "be helpful",
		MaxContextTokens: 1000,
	}
	content, _ := json.Marshal("ok")
	state.History.Items = []api.HistoryItem{
		api.NewUserMessage("hi"),
		api.NewToolCall("c1", "shell", rawArgs(`{}`)),
		api.NewToolOutput("c1", api.StatusSuccess, content),
		api.NewAssistantMessage("done", ""),
	}

	assembled, err := c.Assemble(state, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assembled.Items) != len(state.History.Items) {
		t.Fatalf("expected all %d items included, got %d", len(state.History.Items), len(assembled.Items))
	}
	if assembled.ElidedToolPairs != 0 {
		t.Fatalf("expected no elision, got %d", assembled.ElidedToolPairs)
	}
}

func TestAssemble_ElidesOldestToolPairsUnderTightBudget(t *testing.T) {
	c := NewCurator(constCounter{perItem: 5}, 1)
	state := &api.TaskRunState{
		SystemPrompt:     "be helpful",
		MaxContextTokens: 30, // room for the user message plus one tool pair only
	}
	content, _ := json.Marshal("ok")
	state.History.Items = []api.HistoryItem{
		api.NewUserMessage("hi"),
		api.NewToolCall("old", "shell", rawArgs(`{}`)),
		api.NewToolOutput("old", api.StatusSuccess, content),
		api.NewToolCall("new", "shell", rawArgs(`{}`)),
		api.NewToolOutput("new", api.StatusSuccess, content),
	}

	assembled, err := c.Assemble(state, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assembled.ElidedToolPairs != 1 {
		t.Fatalf("expected 1 elided pair, got %d", assembled.ElidedToolPairs)
	}

	foundMarker := false
	foundNewCall := false
	foundOldCall := false
	for _, it := range assembled.Items {
		if it.Kind == api.ItemSystemMessage && it.SystemMessage.Text == "<1 prior tool calls elided>" {
			foundMarker = true
		}
		if it.Kind == api.ItemToolCall && it.ToolCall.CallID == "new" {
			foundNewCall = true
		}
		if it.Kind == api.ItemToolCall && it.ToolCall.CallID == "old" {
			foundOldCall = true
		}
	}
	if !foundMarker {
		t.Fatal("expected an elision marker in the assembled items")
	}
	if !foundNewCall {
		t.Fatal("expected the newest tool call to survive")
	}
	if foundOldCall {
		t.Fatal("expected the oldest tool call to be elided, not included")
	}
}

func TestAssemble_NeverDropsTheNewestUserMessage(t *testing.T) {
	c := NewCurator(constCounter{perItem: 1000}, 0)
	state := &api.TaskRunState{
		SystemPrompt:     "be helpful",
		MaxContextTokens: 10, // smaller than the mandatory system prompt + user message alone
	}
	state.History.Items = []api.HistoryItem{
		api.NewUserMessage("hi"),
	}

	_, err := c.Assemble(state, nil, nil)
	if err == nil {
		t.Fatal("expected an error when mandatory components exceed the budget")
	}
}

func TestAssemble_KeepsToolCallAndOutputAtomic(t *testing.T) {
	c := NewCurator(constCounter{perItem: 5}, 1)
	state := &api.TaskRunState{
		SystemPrompt:     "be helpful",
		MaxContextTokens: 1000,
	}
	content, _ := json.Marshal("ok")
	state.History.Items = []api.HistoryItem{
		api.NewUserMessage("hi"),
		api.NewToolCall("c1", "shell", rawArgs(`{}`)),
		api.NewToolOutput("c1", api.StatusSuccess, content),
	}

	assembled, err := c.Assemble(state, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sawCall, sawOutput bool
	for _, it := range assembled.Items {
		if it.Kind == api.ItemToolCall {
			sawCall = true
		}
		if it.Kind == api.ItemToolOutput {
			if !sawCall {
				t.Fatal("tool_output appeared before its tool_call")
			}
			sawOutput = true
		}
	}
	if !sawCall || !sawOutput {
		t.Fatal("expected both the tool_call and its tool_output to be included together")
	}
}

func TestAssemble_DigestsLedgerToNewestEntries(t *testing.T) {
	c := NewCurator(constCounter{perItem: 1}, 0)
	state := &api.TaskRunState{MaxContextTokens: 0} // unbounded: exercise the ledger digest path directly
	ledger := make([]api.DecisionLedgerEntry, DefaultLedgerDigestLimit+5)
	for i := range ledger {
		ledger[i] = api.DecisionLedgerEntry{Rationale: string(rune('a' + i%26))}
	}

	assembled, err := c.Assemble(state, nil, ledger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assembled.LedgerDigest) != DefaultLedgerDigestLimit {
		t.Fatalf("expected digest capped at %d entries, got %d", DefaultLedgerDigestLimit, len(assembled.LedgerDigest))
	}
	if assembled.LedgerDigest[len(assembled.LedgerDigest)-1] != ledger[len(ledger)-1] {
		t.Fatal("expected digest to end with the newest ledger entry")
	}
}
