// Package anthropic implements api.LLMProvider using Anthropic's Messages
// API via the official SDK, following the same streaming/adapter shape as
// the OpenAI-compatible provider in pkg/engine/runtime.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/logger"
)

// LLM implements api.LLMProvider against Anthropic's Messages API.
type LLM struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// Config holds the settings needed to construct an LLM.
type Config struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string
	// BaseURL overrides the default Anthropic API endpoint (optional).
	BaseURL string
	// Model is the Claude model ID to request (e.g. "claude-sonnet-4-20250514").
	Model string
	// MaxTokens bounds the response length when a request doesn't set one. Default: 4096.
	MaxTokens int
}

// New constructs an Anthropic-backed LLM provider.
func New(cfg Config) (*LLM, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &LLM{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Stream sends req to Claude and returns an api.LLMStream that translates
// Anthropic's SSE message stream into the engine's LLMChunk vocabulary.
func (l *LLM) Stream(ctx context.Context, req api.LLMRequest) (api.LLMStream, error) {
	messages, err := toAnthropicMessages(req.History)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert history: %w", err)
	}

	maxTokens := l.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	logger.Info("LLM", "Sending request to Anthropic", map[string]interface{}{
		"model":         l.model,
		"message_count": len(messages),
		"tool_count":    len(req.Tools),
		"max_tokens":    maxTokens,
	})

	stream := l.client.Messages.NewStreaming(ctx, params)
	return newAnthropicStream(stream), nil
}

// toAnthropicMessages flattens the scheduler's ordered PromptItem sequence
// into Anthropic's message/content-block format. Tool calls pending on the
// same assistant turn accumulate as content blocks on one message, mirroring
// toOpenAIMessages' handling of the OpenAI wire format.
func toAnthropicMessages(items []api.PromptItem) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam

	var pendingAssistant []anthropic.ContentBlockParamUnion
	flushAssistant := func() {
		if len(pendingAssistant) > 0 {
			out = append(out, anthropic.NewAssistantMessage(pendingAssistant...))
			pendingAssistant = nil
		}
	}

	for _, item := range items {
		switch item.Kind {
		case api.ItemUserMessage:
			flushAssistant()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(item.UserMessage.Text)))

		case api.ItemAssistantMessage:
			if item.AssistantMessage.Text != "" {
				pendingAssistant = append(pendingAssistant, anthropic.NewTextBlock(item.AssistantMessage.Text))
			}

		case api.ItemToolCall:
			tc := item.ToolCall
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Tool, err)
				}
			}
			pendingAssistant = append(pendingAssistant, anthropic.NewToolUseBlock(string(tc.CallID), input, tc.Tool))

		case api.ItemToolOutput:
			flushAssistant()
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(
				string(item.ToolOutput.CallID),
				toolOutputText(item.ToolOutput),
				item.ToolOutput.Status != api.StatusSuccess,
			)))
		}
	}
	flushAssistant()

	return out, nil
}

// toolOutputText unwraps the JSON-encoded content a ToolOutputItem carries
// back into plain text for Anthropic's tool_result content block, which
// Claude expects as a string rather than arbitrary JSON.
func toolOutputText(out *api.ToolOutputItem) string {
	var text string
	if err := json.Unmarshal(out.Content, &text); err == nil {
		return text
	}
	return string(out.Content)
}

func toAnthropicTools(tools []api.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		paramsJSON, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(paramsJSON, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// anthropicStream adapts anthropic-sdk-go's SSE message stream to
// api.LLMStream, buffering the content-block bookkeeping (tool_use blocks
// arrive across start/delta/stop events) the same way openAIStream buffers
// partial tool-call JSON.
type anthropicStream struct {
	raw anthropicRawStream

	mu    sync.Mutex
	queue []api.LLMChunk
	done  bool

	currentToolID   string
	currentToolName string
	currentToolArgs strings.Builder
	inToolBlock     bool
}

// anthropicRawStream is the subset of *ssestream.Stream[MessageStreamEventUnion]
// this adapter consumes; declared as an interface so tests can fake it.
type anthropicRawStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

func newAnthropicStream(raw anthropicRawStream) *anthropicStream {
	return &anthropicStream{raw: raw}
}

func (s *anthropicStream) Recv(ctx context.Context) (api.LLMChunk, error) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		ch := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return ch, nil
	}
	if s.done {
		s.mu.Unlock()
		return api.LLMChunk{}, io.EOF
	}
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return api.LLMChunk{}, ctx.Err()
		default:
		}

		if !s.raw.Next() {
			s.mu.Lock()
			s.done = true
			s.mu.Unlock()
			if err := s.raw.Err(); err != nil {
				return api.LLMChunk{}, fmt.Errorf("anthropic stream error: %w", err)
			}
			return api.LLMChunk{}, io.EOF
		}

		event := s.raw.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				s.currentToolID = toolUse.ID
				s.currentToolName = toolUse.Name
				s.currentToolArgs.Reset()
				s.inToolBlock = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					return api.LLMChunk{Delta: delta.Text}, nil
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					s.currentToolArgs.WriteString(delta.PartialJSON)
					return api.LLMChunk{ToolArgDelta: delta.PartialJSON}, nil
				}
			}

		case "content_block_stop":
			if s.inToolBlock {
				s.inToolBlock = false
				return api.LLMChunk{
					ToolCall: &api.LLMToolCall{
						CallID: api.CallId(s.currentToolID),
						Tool:   s.currentToolName,
						Args:   s.currentToolArgs.String(),
					},
				}, nil
			}

		case "message_delta":
			if reason := event.AsMessageDelta().Delta.StopReason; reason != "" {
				return toFinishChunk(string(reason)), nil
			}

		case "message_stop":
			s.mu.Lock()
			s.done = true
			s.mu.Unlock()
			return api.LLMChunk{FinishReason: api.FinishStop}, nil
		}
	}
}

func toFinishChunk(reason string) api.LLMChunk {
	switch reason {
	case "end_turn", "stop_sequence":
		return api.LLMChunk{FinishReason: api.FinishStop}
	case "max_tokens":
		return api.LLMChunk{FinishReason: api.FinishLength}
	case "tool_use":
		return api.LLMChunk{FinishReason: api.FinishToolCalls}
	default:
		return api.LLMChunk{FinishReason: api.FinishOther, RawFinishReason: reason}
	}
}

func (s *anthropicStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	return nil
}
