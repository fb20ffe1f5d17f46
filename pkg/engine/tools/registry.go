package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"AgentEngine/pkg/engine/api"
)

// Registry manages a collection of tools. Beyond plain name -> Tool lookup,
// it is also the canonical tool front-end: aliasNames marks standalone
// tool names that are hidden behind a canonical tool (so they don't show
// up in the LLM-facing tool list a second time), registrations holds the
// api.ToolRegistration describing each canonical tool's policy/cache/
// exclusivity settings, cache is the shared dispatch-result cache, and
// semaphores serializes dispatch for registrations that demand it.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]Tool
	aliasNames     map[string]bool
	registrations  map[string]api.ToolRegistration
	cache          *lru.Cache[string, api.ToolResult]
	semMu          sync.Mutex
	semaphores     map[string]*sync.Mutex
}

// NewRegistry creates a new empty tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools:         make(map[string]Tool),
		aliasNames:    make(map[string]bool),
		registrations: make(map[string]api.ToolRegistration),
		cache:         newDispatchCache(),
		semaphores:    make(map[string]*sync.Mutex),
	}
}

// Register adds a tool to the registry
// Returns an error if a tool with the same name already exists, or if its
// declared parameter schema isn't itself a structurally valid JSON Schema
// (catches a malformed MCP/skill-discovered declaration before it ever
// reaches a provider).
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}

	if err := validateDeclarationSchema(name, tool.Declaration().Parameters); err != nil {
		return err
	}

	r.tools[name] = tool
	return nil
}

// validateDeclarationSchema checks that params, JSON-encoded, compiles as a
// JSON Schema in its own right. A tool's parameters object IS a schema (the
// shape an LLM must fill in to call it), so this is exactly what
// jsonschema.Compile validates for any other schema document.
func validateDeclarationSchema(toolName string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("tool %s: parameters not serializable: %w", toolName, err)
	}

	url := "mem://tool/" + toolName + "/parameters.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("tool %s: invalid parameter schema: %w", toolName, err)
	}
	if _, err := c.Compile(url); err != nil {
		return fmt.Errorf("tool %s: invalid parameter schema: %w", toolName, err)
	}
	return nil
}

// MustRegister adds a tool to the registry, panicking on error
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// All returns every tool meant to be shown to a caller: canonical tools
// and any standalone tool that was never folded into one. Hidden aliases
// (the historical standalone names kept only for dispatch compatibility)
// are excluded.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Tool, 0, len(r.tools))
	for name, tool := range r.tools {
		if r.aliasNames[name] {
			continue
		}
		result = append(result, tool)
	}

	// Sort by name for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})

	return result
}

// Names returns the names of every tool returned by All.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if r.aliasNames[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools, including hidden aliases.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// DefaultRegistry builds the registry used at runtime: three canonical
// tools (search, exec, file), each a front-end over the concrete handlers
// that used to be registered standalone. Every handler remains reachable
// under its historical name too, so existing history items and tests keyed
// on those names keep working; see CanonicalTool and aliasTool.
//
// skillIndex resolves skill names for exec.action=skill_script; pass nil
// where skills aren't available (the action is then declared but fails at
// dispatch time instead of being omitted, so its absence is visible to a
// caller rather than silently unsupported).
func DefaultRegistry(workspaceRoot string, skillIndex SkillIndexLookup) *Registry {
	r := NewRegistry()

	search := newCanonicalTool(
		"search",
		"Search the workspace: file contents (grep), file paths (glob), or diagnostics.",
		api.RiskLow,
		api.PolicySafe,
	)
	search.cacheable = true
	search.bind("grep", "grep", NewGrepTool(workspaceRoot))
	search.bind("glob", "glob", NewGlobTool(workspaceRoot))
	search.bind("diagnostics", "lsp_diagnostics", NewLSPDiagnosticsTool(workspaceRoot))
	search.stub("intelligence", "semantic code search is not available in this deployment")
	search.stub("web", "web search is not available in this deployment")
	search.stub("skill", "skill search is not available in this deployment")

	exec := newCanonicalTool(
		"exec",
		"Run a command in the workspace, either a free-form shell command or a pre-defined skill script.",
		api.RiskHigh,
		api.PolicyRequiresApproval,
	)
	exec.exclusive = true
	exec.bind("command", "shell", NewShellTool(workspaceRoot))
	if skillIndex != nil {
		exec.bind("skill_script", "run_skill_script", NewRunSkillScriptTool(workspaceRoot, skillIndex))
	} else {
		exec.stub("skill_script", "no skill index configured for this deployment")
	}
	exec.stub("code", "inline code execution is not available in this deployment")
	exec.stub("poll", "asynchronous exec sessions are not available in this deployment")
	exec.stub("list_sessions", "asynchronous exec sessions are not available in this deployment")
	exec.stub("close", "asynchronous exec sessions are not available in this deployment")

	file := newCanonicalTool(
		"file",
		"Read, write, or manage files in the workspace.",
		api.RiskHigh,
		api.PolicyMutating,
	)
	file.bind("read", "read_file", NewReadFileTool(workspaceRoot))
	file.bind("list", "ls", NewLsTool(workspaceRoot))
	file.bind("write", "write_file", NewWriteFileTool(workspaceRoot))
	file.bind("edit", "edit_file", NewEditFileTool(workspaceRoot))
	file.bind("delete", "delete_file", NewDeleteFileTool(workspaceRoot))
	file.bind("move", "move_file", NewMoveFileTool(workspaceRoot))
	file.bind("copy", "copy_file", NewCopyFileTool(workspaceRoot))
	file.stub("patch", "unified-diff patch application is not available in this deployment")

	for _, ct := range []*CanonicalTool{search, exec, file} {
		if _, err := r.registerCanonicalTool(ct); err != nil {
			panic(err)
		}
	}

	return r
}
