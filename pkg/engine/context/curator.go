// Package context implements the context curator: the component that
// decides whether the next model round fits inside the session's token
// budget, and reports when it doesn't so the turn runner can compact the
// history (via runtime.CompressHistory).
package context

import (
	"encoding/json"
	"fmt"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/context/tokenizer"
)

// DefaultReserveForResponse is held back from the budget for the model's
// own reply, so a full context window doesn't starve the response itself.
const DefaultReserveForResponse = 1024

// Curator tracks token usage against a session's MaxContextTokens and
// decides when history needs to be compacted before the next model round.
type Curator struct {
	counter            tokenizer.Counter
	reserveForResponse int
}

// NewCurator builds a Curator backed by counter. reserveForResponse <= 0
// uses DefaultReserveForResponse.
func NewCurator(counter tokenizer.Counter, reserveForResponse int) *Curator {
	if reserveForResponse <= 0 {
		reserveForResponse = DefaultReserveForResponse
	}
	return &Curator{counter: counter, reserveForResponse: reserveForResponse}
}

// CountText counts tokens in a standalone string (e.g. a system prompt).
func (c *Curator) CountText(s string) int {
	return c.counter.Count(s)
}

// CountItem counts the tokens a single history item contributes to a
// prompt. Tool call arguments and tool output payloads are counted as
// their raw JSON text, matching what actually gets serialized to the
// provider.
func (c *Curator) CountItem(item api.HistoryItem) int {
	switch item.Kind {
	case api.ItemUserMessage:
		if item.UserMessage == nil {
			return 0
		}
		return c.counter.Count(item.UserMessage.Text)
	case api.ItemAssistantMessage:
		if item.AssistantMessage == nil {
			return 0
		}
		return c.counter.Count(item.AssistantMessage.Text)
	case api.ItemToolCall:
		if item.ToolCall == nil {
			return 0
		}
		return c.counter.Count(item.ToolCall.Tool) + c.counter.Count(string(item.ToolCall.Arguments))
	case api.ItemToolOutput:
		if item.ToolOutput == nil {
			return 0
		}
		var content string
		_ = json.Unmarshal(item.ToolOutput.Content, &content)
		if content == "" {
			content = string(item.ToolOutput.Content)
		}
		return c.counter.Count(content)
	case api.ItemSystemMessage:
		if item.SystemMessage == nil {
			return 0
		}
		return c.counter.Count(item.SystemMessage.Text)
	default:
		return 0
	}
}

// CountHistory sums CountItem across a prompt view.
func (c *Curator) CountHistory(items []api.HistoryItem) int {
	total := 0
	for _, it := range items {
		total += c.CountItem(it)
	}
	return total
}

// Usage is a point-in-time snapshot of how a turn's token budget is split.
type Usage struct {
	SystemPromptTokens int
	HistoryTokens      int
	ToolSchemaTokens   int
	Total              int
	Max                int
	Reserved           int
}

// Measure computes the current usage against state.MaxContextTokens.
func (c *Curator) Measure(state *api.TaskRunState, tools []api.ToolSchema) Usage {
	sys := c.CountText(state.SystemPrompt)
	hist := c.CountHistory(state.History.Items)

	toolTokens := 0
	for _, t := range tools {
		toolTokens += c.CountText(t.Name) + c.CountText(t.Description)
	}

	return Usage{
		SystemPromptTokens: sys,
		HistoryTokens:      hist,
		ToolSchemaTokens:   toolTokens,
		Total:              sys + hist + toolTokens,
		Max:                state.MaxContextTokens,
		Reserved:           c.reserveForResponse,
	}
}

// NeedsCompaction reports whether usage.Total plus the reserved response
// budget would exceed the session's MaxContextTokens.
func (u Usage) NeedsCompaction() bool {
	if u.Max <= 0 {
		return false // unbounded context — curator is a no-op
	}
	return u.Total+u.Reserved > u.Max
}

// MaxTokensForResponse returns how many tokens remain for the model's
// reply once usage is subtracted, clamped to at least 1 to avoid sending a
// request that the provider would reject outright.
func (u Usage) MaxTokensForResponse() int {
	if u.Max <= 0 {
		return u.Reserved
	}
	remaining := u.Max - u.Total
	if remaining < 1 {
		remaining = 1
	}
	return remaining
}

// DefaultPerComponentTokenCap bounds a single tool output's contribution to
// the prompt. An output larger than this is truncated before it ever
// competes with other history for budget.
const DefaultPerComponentTokenCap = 8000

// DefaultLedgerDigestLimit is how many of the most recent decision-ledger
// entries are appended to an assembled prompt.
const DefaultLedgerDigestLimit = 20

// truncationMarker replaces the elided middle of an oversized tool output.
const truncationMarker = "\n... <output truncated, middle elided> ...\n"

// elisionTemplate is filled in with a count to summarize tool-call/output
// pairs dropped by greedy-from-newest selection.
const elisionTemplate = "<%d prior tool calls elided>"

// Assembled is the result of a budgeted prompt assembly pass: the ordered
// history items to send, a digest of the decision ledger, and the usage
// accounting that produced them.
type Assembled struct {
	Items           []api.HistoryItem
	LedgerDigest    []api.DecisionLedgerEntry
	ElidedToolPairs int
	Usage           Usage
}

// historyUnit is one atomically-included-or-dropped piece of history: a
// single message/system item, or a tool_call paired with its tool_output.
type historyUnit struct {
	items  []api.HistoryItem
	tokens int
}

func (u historyUnit) isToolPair() bool {
	return len(u.items) > 0 && u.items[0].Kind == api.ItemToolCall
}

// groupUnits walks a normalized history view and groups each tool_call with
// its tool_output (wherever that output appears) into one pair-atomic unit,
// leaving every other item as a singleton unit. Order follows the position
// of the leading item of each unit (the tool_call for a pair).
func (c *Curator) groupUnits(items []api.HistoryItem) []historyUnit {
	outputAt := make(map[api.CallId]int, len(items))
	for i, it := range items {
		if it.Kind == api.ItemToolOutput {
			outputAt[it.ToolOutput.CallID] = i
		}
	}

	consumed := make([]bool, len(items))
	units := make([]historyUnit, 0, len(items))
	for i, it := range items {
		if consumed[i] {
			continue
		}
		consumed[i] = true
		switch it.Kind {
		case api.ItemToolCall:
			u := historyUnit{items: []api.HistoryItem{it}, tokens: c.CountItem(it)}
			if j, ok := outputAt[it.ToolCall.CallID]; ok && !consumed[j] {
				u.items = append(u.items, items[j])
				u.tokens += c.CountItem(items[j])
				consumed[j] = true
			}
			units = append(units, u)
		default:
			units = append(units, historyUnit{items: []api.HistoryItem{it}, tokens: c.CountItem(it)})
		}
	}
	return units
}

// capToolOutput truncates a tool_output item's content to
// DefaultPerComponentTokenCap tokens, head-and-tail, so one oversized
// result never crowds out the rest of the prompt.
func (c *Curator) capToolOutput(item api.HistoryItem) api.HistoryItem {
	if item.Kind != api.ItemToolOutput || item.ToolOutput == nil {
		return item
	}
	var text string
	if err := json.Unmarshal(item.ToolOutput.Content, &text); err != nil {
		text = string(item.ToolOutput.Content)
	}
	if c.counter.Count(text) <= DefaultPerComponentTokenCap {
		return item
	}
	// Roughly 4 bytes/token; keep half the cap's budget on each side.
	half := DefaultPerComponentTokenCap * 2
	if len(text) <= half*2 {
		return item
	}
	truncated := text[:half] + truncationMarker + text[len(text)-half:]
	content, err := json.Marshal(truncated)
	if err != nil {
		return item
	}
	return api.NewToolOutput(item.ToolOutput.CallID, item.ToolOutput.Status, content)
}

// Assemble implements the budgeted prompt-assembly pipeline: mandatory
// components are reserved first, then history is walked newest-to-oldest,
// including whole tool_call/tool_output pairs (or standalone messages)
// while they still fit, eliding the rest behind a single summary item. The
// newest user message is itself treated as mandatory: it is never silently
// dropped, and its absence from the budget is reported as an error rather
// than a truncated prompt.
func (c *Curator) Assemble(state *api.TaskRunState, tools []api.ToolSchema, ledger []api.DecisionLedgerEntry) (Assembled, error) {
	usage := c.Measure(state, tools)
	budget := state.MaxContextTokens

	capped := make([]api.HistoryItem, len(state.History.Items))
	for i, it := range state.History.Items {
		capped[i] = c.capToolOutput(it)
	}
	units := c.groupUnits(capped)

	if budget <= 0 {
		// Unbounded context: nothing to elide, just ship everything.
		flat := make([]api.HistoryItem, 0, len(capped))
		for _, u := range units {
			flat = append(flat, u.items...)
		}
		return Assembled{Items: flat, LedgerDigest: digestLedger(ledger), Usage: usage}, nil
	}

	mandatory := usage.SystemPromptTokens + usage.ToolSchemaTokens + usage.Reserved
	newestUserIdx := -1
	for i := len(units) - 1; i >= 0; i-- {
		if len(units[i].items) == 1 && units[i].items[0].Kind == api.ItemUserMessage {
			newestUserIdx = i
			break
		}
	}
	if newestUserIdx >= 0 {
		mandatory += units[newestUserIdx].tokens
	}
	if mandatory > budget {
		return Assembled{}, fmt.Errorf("context: mandatory components (%d tokens) exceed budget (%d tokens)", mandatory, budget)
	}

	remaining := budget - mandatory
	included := make([]bool, len(units))
	if newestUserIdx >= 0 {
		included[newestUserIdx] = true
	}
	for i := len(units) - 1; i >= 0; i-- {
		if included[i] {
			continue
		}
		if units[i].tokens <= remaining {
			included[i] = true
			remaining -= units[i].tokens
		}
	}

	elidedToolPairs := 0
	for i, u := range units {
		if !included[i] && u.isToolPair() {
			elidedToolPairs++
		}
	}

	items := make([]api.HistoryItem, 0, len(capped)+1)
	if elidedToolPairs > 0 {
		items = append(items, api.NewSystemMessage(fmt.Sprintf(elisionTemplate, elidedToolPairs)))
	}
	for i, u := range units {
		if included[i] {
			items = append(items, u.items...)
		}
	}

	usage.HistoryTokens = budget - remaining - usage.SystemPromptTokens - usage.ToolSchemaTokens - usage.Reserved
	usage.Total = usage.SystemPromptTokens + usage.ToolSchemaTokens + usage.Reserved + usage.HistoryTokens

	return Assembled{
		Items:           items,
		LedgerDigest:    digestLedger(ledger),
		ElidedToolPairs: elidedToolPairs,
		Usage:           usage,
	}, nil
}

// digestLedger returns the newest DefaultLedgerDigestLimit entries, oldest
// first, matching the order history items are presented in.
func digestLedger(ledger []api.DecisionLedgerEntry) []api.DecisionLedgerEntry {
	if len(ledger) <= DefaultLedgerDigestLimit {
		return append([]api.DecisionLedgerEntry(nil), ledger...)
	}
	start := len(ledger) - DefaultLedgerDigestLimit
	return append([]api.DecisionLedgerEntry(nil), ledger[start:]...)
}
