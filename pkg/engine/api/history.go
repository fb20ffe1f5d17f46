// Package api defines the stable data model for the agent runloop core:
// history items, tool results, safety decisions, and session state. All
// cross-package communication in pkg/engine flows through these types.
package api

import (
	"encoding/json"
	"time"
)

// CallId ties a ToolCall to its ToolOutput. Opaque, process-unique.
type CallId string

// ItemKind discriminates the HistoryItem tagged variant.
type ItemKind string

const (
	ItemUserMessage      ItemKind = "user_message"
	ItemAssistantMessage ItemKind = "assistant_message"
	ItemToolCall         ItemKind = "tool_call"
	ItemToolOutput       ItemKind = "tool_output"
	// ItemSystemMessage carries scheduler-injected notices (e.g. a
	// repeated-failure abort) that are never attributed to the model or
	// the user but still belong in the prompt view.
	ItemSystemMessage ItemKind = "system_message"
)

// OutputStatus is the outcome recorded on a ToolOutput.
type OutputStatus string

const (
	StatusSuccess  OutputStatus = "success"
	StatusFailed   OutputStatus = "failed"
	StatusCanceled OutputStatus = "canceled"
	StatusTimeout  OutputStatus = "timeout"
	// StatusAborted is reserved for synthetic outputs the invariant manager inserts.
	StatusAborted OutputStatus = "aborted"
)

// HistoryItem is a tagged variant over the four kinds a ConversationHistory
// can hold. Exactly one of the payload fields matching Kind is populated.
type HistoryItem struct {
	Kind ItemKind `json:"kind"`

	UserMessage      *UserMessagePayload      `json:"user_message,omitempty"`
	AssistantMessage *AssistantMessagePayload `json:"assistant_message,omitempty"`
	ToolCall         *ToolCallItem            `json:"tool_call,omitempty"`
	ToolOutput       *ToolOutputItem          `json:"tool_output,omitempty"`
	SystemMessage    *SystemMessagePayload    `json:"system_message,omitempty"`
}

// SystemMessagePayload carries a scheduler-injected notice, e.g. the
// "aborting repeated failing tool call" message emitted when
// tool_repeat_limit is exceeded.
type SystemMessagePayload struct {
	Text string `json:"text"`
}

// UserMessagePayload carries raw user input.
type UserMessagePayload struct {
	Text string `json:"text"`
}

// AssistantMessagePayload carries the model's text response for a step.
type AssistantMessagePayload struct {
	Text      string `json:"text"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ToolCallItem records one tool invocation the model emitted.
type ToolCallItem struct {
	CallID    CallId          `json:"call_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolOutputItem records the result of executing a ToolCallItem.
type ToolOutputItem struct {
	CallID  CallId          `json:"call_id"`
	Status  OutputStatus    `json:"status"`
	Content json.RawMessage `json:"content"`
}

// NewUserMessage constructs a UserMessage HistoryItem.
func NewUserMessage(text string) HistoryItem {
	return HistoryItem{Kind: ItemUserMessage, UserMessage: &UserMessagePayload{Text: text}}
}

// NewAssistantMessage constructs an AssistantMessage HistoryItem.
func NewAssistantMessage(text, reasoning string) HistoryItem {
	return HistoryItem{Kind: ItemAssistantMessage, AssistantMessage: &AssistantMessagePayload{Text: text, Reasoning: reasoning}}
}

// NewToolCall constructs a ToolCall HistoryItem.
func NewToolCall(id CallId, tool string, args json.RawMessage) HistoryItem {
	return HistoryItem{Kind: ItemToolCall, ToolCall: &ToolCallItem{CallID: id, Tool: tool, Arguments: args}}
}

// NewToolOutput constructs a ToolOutput HistoryItem.
func NewToolOutput(id CallId, status OutputStatus, content json.RawMessage) HistoryItem {
	return HistoryItem{Kind: ItemToolOutput, ToolOutput: &ToolOutputItem{CallID: id, Status: status, Content: content}}
}

// NewSystemMessage constructs a SystemMessage HistoryItem.
func NewSystemMessage(text string) HistoryItem {
	return HistoryItem{Kind: ItemSystemMessage, SystemMessage: &SystemMessagePayload{Text: text}}
}

// NewAbortedOutput constructs the synthetic output the invariant manager
// inserts for a ToolCall that never received one.
func NewAbortedOutput(id CallId) HistoryItem {
	return NewToolOutput(id, StatusAborted, json.RawMessage(`"synthesized: no output recorded"`))
}

// CallID returns the item's CallId for ToolCall/ToolOutput items, and ""
// for messages.
func (h HistoryItem) CallID() CallId {
	switch h.Kind {
	case ItemToolCall:
		return h.ToolCall.CallID
	case ItemToolOutput:
		return h.ToolOutput.CallID
	default:
		return ""
	}
}

// ConversationHistory is the ordered sequence of HistoryItems for one
// session. It is a plain slice wrapper; invariant enforcement lives in
// pkg/engine/history so ConversationHistory itself never assumes it is
// well-formed (see the normalization-over-trust design note).
type ConversationHistory struct {
	Items []HistoryItem `json:"items"`
}

// Append adds an item in causal order. O(1); does not validate invariants.
func (h *ConversationHistory) Append(item HistoryItem) {
	h.Items = append(h.Items, item)
}

// Len returns the number of items.
func (h *ConversationHistory) Len() int { return len(h.Items) }

// Clone returns a deep-enough copy safe for concurrent read while the
// original continues to be appended to.
func (h *ConversationHistory) Clone() ConversationHistory {
	out := make([]HistoryItem, len(h.Items))
	copy(out, h.Items)
	return ConversationHistory{Items: out}
}

// PromptItem is one entry of the sequence fed to the LLM, produced by
// history.ViewForPrompt. It mirrors HistoryItem but drops internal-only
// bookkeeping fields a provider adapter has no use for.
type PromptItem = HistoryItem

// DecisionLedgerEntry is one record in the rolling, bounded ledger of the
// agent's reasoning steps.
type DecisionLedgerEntry struct {
	Rationale  string          `json:"rationale"`
	ToolCall   *ToolCallItem   `json:"tool_call,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Confidence *float32        `json:"confidence,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
