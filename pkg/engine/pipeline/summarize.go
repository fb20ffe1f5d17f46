package pipeline

import (
	"fmt"
	"strings"
)

// Summarizer converts a handler's full UI-facing output into a bounded
// llm_content string. Summarizers are pure deterministic transforms (see
// DESIGN.md's Open Question decisions) — they never call out to an LLM —
// so a summarizer error here means a bug in the transform itself, never a
// network/provider failure.
type Summarizer func(ui string) (string, error)

// maxSummaryLines/maxSummaryChars bound how much of a structured listing
// (grep/glob/ls output) survives into llm_content; well past this the
// model gains nothing from seeing more lines, it only costs tokens.
const (
	maxSummaryLines = 20
	maxSummaryChars = 1200
)

// DefaultSummarizers returns the built-in summarizer set keyed by
// canonical tool name, for tools whose output is typically large relative
// to what the model needs to decide its next step.
func DefaultSummarizers() map[string]Summarizer {
	return map[string]Summarizer{
		"grep": truncateLines,
		"glob": truncateLines,
		"ls":   truncateLines,
	}
}

// truncateLines keeps the first maxSummaryLines lines (further capped to
// maxSummaryChars), appending a count of the lines it dropped so the model
// knows the full result was larger.
func truncateLines(ui string) (string, error) {
	lines := strings.Split(ui, "\n")
	if len(lines) <= maxSummaryLines && len(ui) <= maxSummaryChars {
		return ui, nil
	}

	kept := lines
	omitted := 0
	if len(kept) > maxSummaryLines {
		omitted = len(kept) - maxSummaryLines
		kept = kept[:maxSummaryLines]
	}

	summary := strings.Join(kept, "\n")
	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars]
	}
	if omitted > 0 {
		summary += fmt.Sprintf("\n... (%d more line(s) omitted)", omitted)
	} else if len(ui) > len(summary) {
		summary += "\n... (truncated)"
	}
	return summary, nil
}
