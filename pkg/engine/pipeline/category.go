// Package pipeline interposes between the turn scheduler and the tool
// registry: it normalizes model-emitted arguments, bounds each handler with
// a per-category timeout, and turns a handler's raw output into the
// dual-channel (ui_content, llm_content) ToolResult the rest of the engine
// expects, recording the token/savings metadata alongside it.
package pipeline

import "time"

// Category buckets a tool for timeout purposes. Most tools fall into
// CategoryReadOnly or CategoryDefault; shell/PTY/skill execution gets a
// longer budget to match how long those handlers actually take.
type Category string

const (
	CategoryShellExec Category = "shell_exec"
	CategoryPTY        Category = "pty"
	CategorySkill      Category = "mcp_skill"
	CategoryReadOnly   Category = "read_only"
	CategoryDefault    Category = "default"
)

// DefaultTimeouts gives each category its own budget (shell-exec 180s,
// PTY 300s, MCP/skill 120s, read-only 30s), plus a default for every tool
// that doesn't fall into one of those four.
var DefaultTimeouts = map[Category]time.Duration{
	CategoryShellExec: 180 * time.Second,
	CategoryPTY:        300 * time.Second,
	CategorySkill:      120 * time.Second,
	CategoryReadOnly:   30 * time.Second,
	CategoryDefault:    60 * time.Second,
}

// readOnlyTools names canonical tool names with no side effects, so they
// get the short read-only timeout budget rather than the default.
var readOnlyTools = map[string]bool{
	"ls":               true,
	"read_file":        true,
	"glob":             true,
	"grep":             true,
	"lsp_diagnostics":  true,
	"read_todos":       true,
}

var skillTools = map[string]bool{
	"run_skill_script": true,
	"activate_skill":   true,
}

// CategoryForTool classifies a canonical tool name. Unrecognized names
// (including MCP-discovered tools this pipeline has never seen before)
// fall into CategoryDefault, not CategoryReadOnly — an unknown tool should
// get the benefit of the doubt on time, not be cut off early.
func CategoryForTool(name string) Category {
	switch {
	case name == "shell":
		return CategoryShellExec
	case name == "pty":
		return CategoryPTY
	case skillTools[name]:
		return CategorySkill
	case readOnlyTools[name]:
		return CategoryReadOnly
	default:
		return CategoryDefault
	}
}
