// Package history implements the conversation invariant manager: it keeps a
// ConversationHistory well-formed under crash, compaction, and concurrent
// append, and produces the ordered view the LLM provider adapter sends on
// the wire.
package history

import (
	"fmt"

	"AgentEngine/pkg/engine/api"
)

// Manager enforces the pairing/ordering invariants over one session's
// ConversationHistory. It holds no state of its own; every method takes
// the history it operates on so callers can run it against a snapshot
// without locking the session for the duration.
type Manager struct{}

// NewManager returns a stateless invariant manager.
func NewManager() *Manager { return &Manager{} }

// Append adds an item to the end of history. This is the only mutation
// primitive; every other operation in this package either reads history or
// rebuilds it wholesale via Normalize.
func (m *Manager) Append(h *api.ConversationHistory, item api.HistoryItem) {
	h.Append(item)
}

// Validate reports the first invariant violation found, or nil if h is
// well-formed:
//
//	I1 (pairing):  every ToolCall has at most one ToolOutput, and every
//	               ToolOutput refers to a ToolCall that precedes it.
//	I2 (ordering): a ToolCall's ToolOutput (if present) is the earliest
//	               item after it with a matching CallID; items are never
//	               reordered across a pairing boundary.
func (m *Manager) Validate(h api.ConversationHistory) error {
	seenCalls := make(map[api.CallId]int)  // CallID -> index of ToolCall
	pairedOut := make(map[api.CallId]bool) // CallID -> has an output already

	for i, item := range h.Items {
		switch item.Kind {
		case api.ItemToolCall:
			id := item.ToolCall.CallID
			if _, dup := seenCalls[id]; dup {
				return fmt.Errorf("history: duplicate tool_call for call_id %q at index %d", id, i)
			}
			seenCalls[id] = i
		case api.ItemToolOutput:
			id := item.ToolOutput.CallID
			callIdx, ok := seenCalls[id]
			if !ok {
				return fmt.Errorf("history: tool_output for unknown call_id %q at index %d", id, i)
			}
			if callIdx > i {
				return fmt.Errorf("history: tool_output for call_id %q precedes its tool_call", id)
			}
			if pairedOut[id] {
				return fmt.Errorf("history: duplicate tool_output for call_id %q at index %d", id, i)
			}
			pairedOut[id] = true
		}
	}
	return nil
}

// EnsureOutputsPresent returns a copy of h with a synthetic StatusAborted
// ToolOutput inserted immediately after every ToolCall that has none. This
// is the mechanism that makes a crash mid-dispatch (model called a tool,
// process died before the result came back) recoverable: the next prompt
// assembly never sees a dangling call.
func (m *Manager) EnsureOutputsPresent(h api.ConversationHistory) api.ConversationHistory {
	paired := make(map[api.CallId]bool)
	for _, item := range h.Items {
		if item.Kind == api.ItemToolOutput {
			paired[item.ToolOutput.CallID] = true
		}
	}

	out := make([]api.HistoryItem, 0, len(h.Items))
	for _, item := range h.Items {
		out = append(out, item)
		if item.Kind == api.ItemToolCall && !paired[item.ToolCall.CallID] {
			out = append(out, api.NewAbortedOutput(item.ToolCall.CallID))
			paired[item.ToolCall.CallID] = true // guard duplicate ToolCall edge case
		}
	}
	return api.ConversationHistory{Items: out}
}

// RemoveOrphanOutputs drops any ToolOutput whose ToolCall is absent
// (e.g. the call was itself trimmed by a prior compaction pass that only
// looked at message boundaries). Keeping an orphan output would violate I1
// when the history is later re-validated.
func (m *Manager) RemoveOrphanOutputs(h api.ConversationHistory) api.ConversationHistory {
	calls := make(map[api.CallId]bool)
	for _, item := range h.Items {
		if item.Kind == api.ItemToolCall {
			calls[item.ToolCall.CallID] = true
		}
	}

	out := make([]api.HistoryItem, 0, len(h.Items))
	for _, item := range h.Items {
		if item.Kind == api.ItemToolOutput && !calls[item.ToolOutput.CallID] {
			continue
		}
		out = append(out, item)
	}
	return api.ConversationHistory{Items: out}
}

// Normalize runs the full repair pipeline: drop orphan outputs, then
// synthesize missing outputs, then validate the result. Normalize is
// idempotent (I3): Normalize(Normalize(h)) == Normalize(h), because both
// passes are fixed points once every call is paired and every output has a
// call.
func (m *Manager) Normalize(h api.ConversationHistory) (api.ConversationHistory, error) {
	out := m.RemoveOrphanOutputs(h)
	out = m.EnsureOutputsPresent(out)
	if err := m.Validate(out); err != nil {
		return out, err
	}
	return out, nil
}

// RecoverFromCrash is the load-time hook the session store calls after
// deserializing a persisted session: it normalizes and, if normalization
// still fails (corruption beyond synthetic-output repair, e.g. a genuinely
// duplicated call id from a racing writer), truncates history back to the
// last index that validated cleanly rather than refusing to load the
// session at all.
func (m *Manager) RecoverFromCrash(h api.ConversationHistory) api.ConversationHistory {
	normalized, err := m.Normalize(h)
	if err == nil {
		return normalized
	}

	// Binary-search-free fallback: walk from the end, trimming one item at
	// a time until Normalize succeeds. History is bounded by the context
	// window in practice, so this is not a hot path.
	items := append([]api.HistoryItem(nil), h.Items...)
	for len(items) > 0 {
		items = items[:len(items)-1]
		candidate := api.ConversationHistory{Items: items}
		if normalized, err := m.Normalize(candidate); err == nil {
			return normalized
		}
	}
	return api.ConversationHistory{}
}

// ViewForPrompt returns the ordered, invariant-clean slice of items the
// context curator should consider for inclusion in the next model call.
// It never mutates h; callers that need the repaired history persisted
// should call Normalize and save the result themselves.
func (m *Manager) ViewForPrompt(h api.ConversationHistory) []api.PromptItem {
	normalized, err := m.Normalize(h)
	if err != nil {
		normalized = m.RecoverFromCrash(h)
	}
	return append([]api.PromptItem(nil), normalized.Items...)
}
