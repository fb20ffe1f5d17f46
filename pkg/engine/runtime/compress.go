package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/prompts"
	"AgentEngine/pkg/logger"
)

// CompressConfig configures the compression behavior.
type CompressConfig struct {
	KeepTurns     int  // Number of recent turns to keep (default: 1)
	MaxMessages   int  // Max history items to keep after compression (default: 20)
	ForceCompress bool // Force compression even if below thresholds
}

// DefaultCompressConfig returns the default compression configuration.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		KeepTurns:   1,
		MaxMessages: 20,
	}
}

// CompressHistory compresses the session history by:
// 1. Using the model to generate a summary of older items
// 2. Keeping only the last N turns (or max M items)
// 3. Storing the summary in session.Summary
//
// This is the concrete step behind the context curator's compaction
// decision: the curator reports that a budget has been exceeded
// (NeedsCompaction) and the turn runner then calls this.
func CompressHistory(ctx context.Context, llm api.LLMProvider, session *api.Session, cfg CompressConfig) error {
	if cfg.KeepTurns <= 0 {
		cfg.KeepTurns = 1
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 20
	}

	items := session.History.Items
	totalItems := len(items)
	turns := countTurns(items)

	needsCompression := cfg.ForceCompress ||
		totalItems > cfg.MaxMessages ||
		turns > cfg.KeepTurns

	if !needsCompression {
		logger.Info("Compress", "No compression needed", map[string]interface{}{
			"total_items":  totalItems,
			"turns":        turns,
			"max_messages": cfg.MaxMessages,
			"keep_turns":   cfg.KeepTurns,
		})
		return nil
	}

	splitIdx := findTurnSplitIndex(items, cfg.KeepTurns)

	if splitIdx == 0 || (totalItems-splitIdx) > cfg.MaxMessages {
		splitIdx = findSafeMessageSplit(items, cfg.MaxMessages)
	}

	if splitIdx <= 0 {
		logger.Info("Compress", "No valid split point found", nil)
		return nil
	}

	oldItems := items[:splitIdx]
	newItems := items[splitIdx:]

	logger.Info("Compress", "Compressing history", map[string]interface{}{
		"old_items": len(oldItems),
		"new_items": len(newItems),
		"turns":     turns,
	})

	summary, err := generateSummary(ctx, llm, session.Summary, oldItems)
	if err != nil {
		return fmt.Errorf("failed to generate summary: %w", err)
	}

	session.Summary = summary
	session.History.Items = newItems

	logger.Info("Compress", "Compression complete", map[string]interface{}{
		"summary_length": len(summary),
		"items_kept":     len(newItems),
		"items_removed":  len(oldItems),
	})

	return nil
}

// countTurns counts the number of user turns in the history.
func countTurns(items []api.HistoryItem) int {
	count := 0
	for _, it := range items {
		if it.Kind == api.ItemUserMessage {
			count++
		}
	}
	return count
}

// findTurnSplitIndex finds the index to split history, keeping the last N
// turns. A "turn" starts with a user message and includes all following
// assistant/tool items. It must not split in the middle of a tool call
// sequence (a call must be followed by its matching output).
func findTurnSplitIndex(items []api.HistoryItem, keepTurns int) int {
	var validSplits []int
	pending := make(map[api.CallId]bool)

	for i, it := range items {
		switch it.Kind {
		case api.ItemToolCall:
			pending[it.ToolCall.CallID] = true
		case api.ItemToolOutput:
			delete(pending, it.ToolOutput.CallID)
		case api.ItemUserMessage:
			if len(pending) == 0 {
				validSplits = append(validSplits, i)
			}
		}
	}

	if len(validSplits) <= keepTurns {
		return 0 // Keep everything
	}

	splitIndex := len(validSplits) - keepTurns
	return validSplits[splitIndex]
}

// findSafeMessageSplit finds a split point that keeps at most maxMessages
// items, ensuring a call is never separated from its output and the kept
// items start at a user message.
func findSafeMessageSplit(items []api.HistoryItem, maxMessages int) int {
	if len(items) <= maxMessages {
		return 0
	}

	targetSplit := len(items) - maxMessages

	var validSplits []int
	pending := make(map[api.CallId]bool)

	for i, it := range items {
		switch it.Kind {
		case api.ItemToolCall:
			pending[it.ToolCall.CallID] = true
		case api.ItemToolOutput:
			delete(pending, it.ToolOutput.CallID)
		case api.ItemUserMessage:
			if len(pending) == 0 {
				validSplits = append(validSplits, i)
			}
		}
	}

	for _, split := range validSplits {
		if split >= targetSplit {
			return split
		}
	}

	for i := len(validSplits) - 1; i >= 0; i-- {
		if validSplits[i] > 0 {
			return validSplits[i]
		}
	}

	return 0
}

// generateSummary asks the model to summarize a run of old history items.
// The summarizer itself never calls the model with tools attached and never
// mutates history as a side effect — it is a pure "text in, text out" step.
func generateSummary(ctx context.Context, llm api.LLMProvider, existingSummary string, items []api.HistoryItem) (string, error) {
	var sb strings.Builder

	promptTemplate := prompts.DefaultLoader.Get(prompts.CompressSummary)
	if promptTemplate == "" {
		promptTemplate = "Create a concise summary of this conversation for context continuation."
	}
	sb.WriteString(promptTemplate)
	sb.WriteString("\n\n")

	if existingSummary != "" {
		sb.WriteString("## Previous Context\n")
		sb.WriteString(existingSummary)
		sb.WriteString("\n\n## New Activity to Summarize\n")
	} else {
		sb.WriteString("## Conversation to Summarize\n")
	}

	for _, it := range items {
		switch it.Kind {
		case api.ItemUserMessage:
			sb.WriteString(fmt.Sprintf("**User**: %s\n\n", truncateContent(it.UserMessage.Text, 300)))
		case api.ItemAssistantMessage:
			if it.AssistantMessage.Text != "" {
				sb.WriteString(fmt.Sprintf("**Assistant**: %s\n\n", truncateContent(it.AssistantMessage.Text, 300)))
			}
		case api.ItemToolCall:
			sb.WriteString(fmt.Sprintf("_[Used tool: %s]_\n", it.ToolCall.Tool))
		case api.ItemToolOutput:
			var content string
			_ = json.Unmarshal(it.ToolOutput.Content, &content)
			if content != "" && len(content) < 100 {
				sb.WriteString(fmt.Sprintf("_Tool result: %s_\n", content))
			}
		}
	}

	sb.WriteString("\n---\nProvide the summary now. Be concise but complete.")

	req := api.LLMRequest{
		History:   []api.PromptItem{api.NewUserMessage(sb.String())},
		MaxTokens: 800,
	}

	stream, err := llm.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var result strings.Builder
	for {
		chunk, err := stream.Recv(ctx)
		if err != nil {
			break // EOF or error
		}
		if chunk.Delta != "" {
			result.WriteString(chunk.Delta)
		}
	}

	summary := strings.TrimSpace(result.String())
	if summary == "" {
		return existingSummary, nil // Keep existing if generation failed
	}

	return summary, nil
}

// truncateContent truncates content to maxLen characters.
func truncateContent(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// CompressResult contains the result of a compression operation.
type CompressResult struct {
	MessagesRemoved int    `json:"messages_removed"`
	MessagesKept    int    `json:"messages_kept"`
	SummaryLength   int    `json:"summary_length"`
	Summary         string `json:"summary"`
}

// ToJSON returns the result as a JSON string.
func (r CompressResult) ToJSON() string {
	b, _ := json.MarshalIndent(r, "", "  ")
	return string(b)
}
