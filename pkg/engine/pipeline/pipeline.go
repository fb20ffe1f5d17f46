package pipeline

import (
	"context"
	"fmt"
	"time"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/context/tokenizer"
)

// Handler is the shape of a tool's Execute method, narrowed to what the
// pipeline needs to invoke it. Kept separate from api.Tool so tests can
// exercise Pipeline.Run without constructing a full Tool.
type Handler func(ctx context.Context, args api.Args) (api.ToolResult, error)

// Pipeline implements the Tool Pipeline (C6): argument normalization,
// per-category timeouts, dual-channel summarization, and token/savings
// metadata, interposed between the scheduler and a tool's own handler.
type Pipeline struct {
	counter     tokenizer.Counter
	summarizers map[string]Summarizer
	timeouts    map[Category]time.Duration
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithSummarizer registers (or overrides) the summarizer for a canonical
// tool name.
func WithSummarizer(toolName string, s Summarizer) Option {
	return func(p *Pipeline) { p.summarizers[toolName] = s }
}

// WithTimeout overrides the default timeout for a category.
func WithTimeout(cat Category, d time.Duration) Option {
	return func(p *Pipeline) { p.timeouts[cat] = d }
}

// New builds a Pipeline. counter is used to compute tokens_ui/tokens_llm;
// a nil counter disables token accounting (TokensUI/TokensLLM/SavingsPct
// stay zero) rather than panicking, since token accounting is a quality
// metric, not a correctness requirement.
func New(counter tokenizer.Counter, opts ...Option) *Pipeline {
	p := &Pipeline{
		counter:     counter,
		summarizers: DefaultSummarizers(),
		timeouts:    cloneTimeouts(DefaultTimeouts),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func cloneTimeouts(src map[Category]time.Duration) map[Category]time.Duration {
	out := make(map[Category]time.Duration, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (p *Pipeline) timeoutFor(toolName string) time.Duration {
	cat := CategoryForTool(toolName)
	if d, ok := p.timeouts[cat]; ok {
		return d
	}
	return p.timeouts[CategoryDefault]
}

// Run executes one tool call through the full pipeline: normalize args,
// bound the handler with the category timeout, summarize the output into
// llm_content, and compute the dual-channel token metadata. handler is
// invoked at most once.
func (p *Pipeline) Run(ctx context.Context, toolName string, args api.Args, handler Handler) api.ToolResult {
	normalized, err := NormalizeArgs(toolName, args)
	if err != nil {
		return api.ToolResult{
			Status: api.StatusFailed,
			Error:  err.Error(),
			UIContent:  err.Error(),
			LLMContent: err.Error(),
			Metadata:   api.ToolResultMetadata{Status: string(api.StatusFailed)},
		}
	}

	timeout := p.timeoutFor(toolName)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := handler(runCtx, normalized)
	elapsed := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			msg := fmt.Sprintf("tool timed out after %s", timeout)
			result = api.ToolResult{
				Status:     api.StatusTimeout,
				Error:      msg,
				UIContent:  msg,
				LLMContent: msg,
			}
		} else {
			result = api.ToolResult{
				Status:     api.StatusFailed,
				Error:      err.Error(),
				UIContent:  err.Error(),
				LLMContent: err.Error(),
			}
		}
	}
	result.Metadata.DurationMS = elapsed.Milliseconds()
	result.Metadata.Status = string(result.Status)

	p.summarize(toolName, &result)
	p.computeTokenMetadata(&result)

	return result
}

// summarize fills LLMContent from UIContent, invoking a registered
// summarizer if one exists for this canonical tool name. A summarizer
// error downgrades to "summary unavailable" plus the raw output — it
// never blocks the turn.
func (p *Pipeline) summarize(toolName string, result *api.ToolResult) {
	if result.UIContent == "" {
		return
	}

	summarizer, ok := p.summarizers[toolName]
	if !ok {
		if result.LLMContent == "" {
			result.LLMContent = result.UIContent
		}
		return
	}

	// A handler that already produced a genuinely distinct llm_content
	// (its own dual-channel rendering) takes precedence over this
	// pipeline-level summarizer; only step in when the handler left
	// llm_content empty or identical to ui_content.
	if result.LLMContent != "" && result.LLMContent != result.UIContent {
		return
	}

	summary, err := summarizer(result.UIContent)
	if err != nil {
		result.LLMContent = "summary unavailable: " + result.UIContent
		return
	}
	result.LLMContent = summary
}

// computeTokenMetadata fills TokensUI/TokensLLM/SavingsPct. A nil counter
// leaves all three at zero.
func (p *Pipeline) computeTokenMetadata(result *api.ToolResult) {
	if p.counter == nil {
		return
	}
	tokensUI := p.counter.Count(result.UIContent)
	tokensLLM := p.counter.Count(result.LLMContent)
	result.Metadata.TokensUI = tokensUI
	result.Metadata.TokensLLM = tokensLLM
	if tokensUI > 0 {
		result.Metadata.SavingsPct = 1 - float64(tokensLLM)/float64(tokensUI)
	}
}
