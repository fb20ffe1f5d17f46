package tools

import (
	"fmt"

	"AgentEngine/pkg/engine/api"
)

// Tool and Previewer are the engine-wide contracts (pkg/engine/api); this
// package only adds construction helpers and a registry on top of them.
type Tool = api.Tool
type Previewer = api.Previewer

// ParameterDef describes a single parameter for building JSON-schema tool parameters.
type ParameterDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "integer", "boolean", "array", "object"
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// BaseTool provides common functionality for tools.
type BaseTool struct {
	name        string
	description string
	params      []ParameterDef
	risk        api.RiskLevel
}

// NewBaseTool creates a new BaseTool with the given configuration.
func NewBaseTool(name, description string, params []ParameterDef, risk api.RiskLevel) BaseTool {
	return BaseTool{
		name:        name,
		description: description,
		params:      params,
		risk:        risk,
	}
}

func (b BaseTool) Name() string        { return b.name }
func (b BaseTool) Description() string { return b.description }
func (b BaseTool) Risk() api.RiskLevel {
	if b.risk != "" {
		return b.risk
	}
	return api.RiskLow
}

func (b BaseTool) Declaration() api.ToolSchema {
	properties := make(map[string]any)
	var required []string
	for _, p := range b.params {
		properties[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return api.ToolSchema{
		Name:        b.name,
		Description: b.description,
		Parameters:  params,
	}
}

// successResult builds a dual-channel ToolResult. Callers that have a
// cheaper UI rendering than the raw LLM content should prefer
// successDual; this helper sends the same text down both channels.
func successResult(content string, data any) api.ToolResult {
	return successDual(content, content, data)
}

// successDual builds a ToolResult with independently-sized UI and LLM
// channels, computing SavingsPct from a byte-length proxy for tokens.
func successDual(uiContent, llmContent string, data any) api.ToolResult {
	tUI, tLLM := len(uiContent)/4, len(llmContent)/4
	savings := 0.0
	if tUI > 0 {
		savings = 1 - float64(tLLM)/float64(tUI)
	}
	return api.ToolResult{
		UIContent:  uiContent,
		LLMContent: llmContent,
		Status:     api.StatusSuccess,
		Data:       data,
		Metadata: api.ToolResultMetadata{
			TokensUI:   tUI,
			TokensLLM:  tLLM,
			SavingsPct: savings,
			Status:     string(api.StatusSuccess),
		},
	}
}

func successText(content string) api.ToolResult { return successResult(content, nil) }

func toolError(err error) api.ToolResult {
	if err == nil {
		return toolErrorf("unknown error")
	}
	return toolErrorf("%s", err.Error())
}

func toolErrorf(format string, args ...any) api.ToolResult {
	msg := fmt.Sprintf(format, args...)
	return api.ToolResult{
		Status:     api.StatusFailed,
		Error:      msg,
		UIContent:  msg,
		LLMContent: msg,
		Metadata:   api.ToolResultMetadata{Status: string(api.StatusFailed)},
	}
}

// GetStringArg extracts a string argument with a default value.
func GetStringArg(args api.Args, key, defaultVal string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetIntArg extracts an integer argument with a default value.
func GetIntArg(args api.Args, key string, defaultVal int) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		case int64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBoolArg extracts a boolean argument with a default value.
func GetBoolArg(args api.Args, key string, defaultVal bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
