// Package runtime provides the core execution engine.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"AgentEngine/pkg/engine/api"
	curator "AgentEngine/pkg/engine/context"
	"AgentEngine/pkg/engine/history"
	"AgentEngine/pkg/engine/pipeline"
	"AgentEngine/pkg/engine/policy"
	"AgentEngine/pkg/engine/skill"
	"AgentEngine/pkg/engine/store"
	"AgentEngine/pkg/engine/tools"
	"AgentEngine/pkg/logger"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Turn State Machine
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// TurnState represents the current state of a turn.
type TurnState string

const (
	StateIdle            TurnState = "idle"
	StateRunning         TurnState = "running"
	StateToolProposed    TurnState = "tool_proposed"
	StateWaitingApproval TurnState = "waiting_approval"
	StateExecutingTool   TurnState = "executing_tool"
	StateCompleted       TurnState = "completed"
	StateError           TurnState = "error"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Dependencies
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Tool is the unified executable tool interface used by the runtime.
type Tool = tools.Tool

// ToolRegistry provides tool lookup and C2's resolve/dispatch pipeline
// (alias resolution, policy gating, caching, exclusive access) for the
// canonical tool a looked-up name belongs to.
type ToolRegistry interface {
	Get(name string) (Tool, bool)
	All() []Tool
	Dispatch(ctx context.Context, name string, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error)
}

// Middleware processes turns.
type Middleware interface {
	Name() string
	BeforeTurn(ctx context.Context, state *api.TaskRunState) error
	OnEvent(ctx context.Context, state *api.TaskRunState, e api.Event) error
	AfterTurn(ctx context.Context, state *api.TaskRunState, summary api.TurnSummary) error
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// TurnRunner
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// TurnRunnerConfig holds turn runner dependencies.
type TurnRunnerConfig struct {
	LLM          api.LLMProvider
	Tools        ToolRegistry
	Policy       policy.Policy
	SessionStore store.SessionStore
	PlanStore    store.PlanStore
	EventLog     store.EventLog
	Middlewares  []Middleware
	SkillIndex   skill.SkillIndex

	// SafetyEvaluator gates argv for exec-class tool handlers (the shell
	// tool). nil is valid — handlers treat a nil evaluator as "no gate".
	SafetyEvaluator api.SafetyEvaluator

	// Curator measures prompt token usage against the session's
	// MaxContextTokens. nil disables per-round budget accounting — the
	// loop falls back to AutoCompressThreshold's item-count trigger alone.
	Curator *curator.Curator

	// Pipeline applies argument normalization, per-category timeouts, and
	// dual-channel summarization around every tool dispatch. nil falls
	// back to calling the registry's Dispatch (or the tool's Execute)
	// directly, with no timeout and no summarization.
	Pipeline *pipeline.Pipeline

	WorkspaceRoot string
	ApprovalMode  api.ApprovalMode
	EmitThinking  bool

	// Compression settings
	AutoCompressThreshold int // 0 = disabled, otherwise auto-compress when history items >= this
	CompressKeepTurns     int // Number of turns to keep (default: 3)

	// Message filtering: if true, filter out historical tool_calls/tool outputs
	// before sending to LLM (keep only current turn's tool interactions)
	FilterHistoryTools bool

	// MaxConcurrentTools bounds how many tool calls from a single model
	// round may execute at once. 0 or 1 means sequential dispatch; calls
	// that require approval always suspend the loop regardless of this
	// setting, since only one approval can be outstanding at a time.
	MaxConcurrentTools int

	// ToolRepeatLimit aborts a turn once a given (tool, arguments)
	// signature's run of consecutive failures exceeds this limit. 0 uses
	// the default of 3.
	ToolRepeatLimit int
}

// TurnRunner executes a single turn of conversation.
type TurnRunner struct {
	cfg TurnRunnerConfig

	history *history.Manager

	// Turn state
	state     TurnState
	session   *api.Session
	turnID    string
	seq       int64
	events    *store.ChannelEventStream
	startedAt time.Time

	// Tracking
	toolCalls     []api.ToolCallRef
	approvals     []api.ApprovalRef
	assistantText string
	turnOutcome   api.TurnOutcome
	turnError     *api.ErrorPayload
	hookState     *api.TaskRunState

	cancel context.CancelFunc

	mu sync.Mutex
}

// NewTurnRunner creates a new turn runner.
func NewTurnRunner(cfg TurnRunnerConfig) *TurnRunner {
	return &TurnRunner{
		cfg:     cfg,
		state:   StateIdle,
		events:  store.NewChannelEventStream(100),
		history: history.NewManager(),
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Public API
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Run starts a new turn with a user message.
func (r *TurnRunner) Run(ctx context.Context, session *api.Session, message string) (api.EventStream, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: turn already in progress", api.ErrTurnInProgress)
	}
	r.state = StateRunning
	r.session = session
	r.turnID = generateTurnID()
	r.seq = 0
	r.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	// Run the turn in background
	go r.runTurn(runCtx, message)

	return r.events, nil
}

// Cancel aborts the in-flight turn, if any. Safe to call more than once;
// subsequent calls are no-ops.
func (r *TurnRunner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resume continues a turn from pending approval.
func (r *TurnRunner) Resume(ctx context.Context, session *api.Session, decision api.UserDecision) (api.EventStream, error) {
	r.mu.Lock()
	if session.Pending == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: no pending approval", api.ErrNoPendingApproval)
	}

	// Validate decision matches pending
	if decision.RequestID != session.Pending.RequestID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: request ID mismatch", api.ErrApprovalMismatch)
	}
	if decision.ToolCallID != "" && decision.ToolCallID != session.Pending.ToolCall.CallID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: tool call ID mismatch", api.ErrApprovalMismatch)
	}

	r.state = StateExecutingTool
	r.session = session
	r.turnID = session.Pending.TurnID // Continue the same turn
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	// Reset event stream for resume
	r.events = store.NewChannelEventStream(100)

	// Run resume in background
	go r.resumeTurn(runCtx, decision)

	return r.events, nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Internal Execution
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (r *TurnRunner) runTurn(ctx context.Context, message string) {
	defer r.events.Close()
	defer r.finalize(ctx)

	// Emit thinking if enabled
	if r.cfg.EmitThinking {
		r.emit(ctx, api.Event{
			Type:     api.EventThinking,
			Thinking: &api.ThinkingPayload{Message: "Analyzing request..."},
		})
	}

	// Emit plan snapshot if exists
	if err := r.emitPlanSnapshot(ctx, ""); err != nil {
		r.emitError(ctx, api.ErrStoreError, err.Error())
		return
	}

	// Append user message
	r.history.Append(&r.session.History, api.NewUserMessage(message))

	// Route to a skill before the model sees this turn: an explicit user
	// override is applied (and locks the skill); otherwise auto-routing
	// runs when enabled and the skill is not locked.
	r.maybeRouteSkill(ctx, message)

	// Auto-compress if threshold exceeded
	if r.cfg.AutoCompressThreshold > 0 && r.session.History.Len() >= r.cfg.AutoCompressThreshold {
		keepTurns := r.cfg.CompressKeepTurns
		if keepTurns <= 0 {
			keepTurns = 3
		}
		logger.Info("Compress", "Auto-compressing session", map[string]interface{}{
			"threshold":  r.cfg.AutoCompressThreshold,
			"item_count": r.session.History.Len(),
			"keep_turns": keepTurns,
		})
		r.emit(ctx, api.Event{
			Type:     api.EventThinking,
			Thinking: &api.ThinkingPayload{Message: "Auto-compressing conversation history..."},
		})
		if err := CompressHistory(ctx, r.cfg.LLM, r.session, CompressConfig{KeepTurns: keepTurns}); err != nil {
			logger.Warn("Compress", "Auto-compression failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	// Save session
	if err := r.saveSession(ctx); err != nil {
		r.emitError(ctx, api.ErrStoreError, err.Error())
		return
	}

	state := r.newTaskRunState()
	r.hookState = state

	// Run agent loop
	outcome, err := r.agentLoop(ctx, state)
	if err != nil {
		if errorsIsContextCanceled(err) {
			r.emitDone(ctx, "canceled")
			return
		}
		r.emitError(ctx, api.ErrToolExecuteFailed, err.Error())
		return
	}

	if outcome == loopOutcomeSuspended {
		return
	}
	r.emitDone(ctx, "completed")
}

func (r *TurnRunner) resumeTurn(ctx context.Context, decision api.UserDecision) {
	defer r.events.Close()
	defer r.finalize(ctx)

	// Emit plan snapshot if exists (UI can render progress panel immediately).
	if err := r.emitPlanSnapshot(ctx, ""); err != nil {
		r.emitError(ctx, api.ErrStoreError, err.Error())
		return
	}

	pending := r.session.Pending

	if decision.Kind == api.DecisionReject {
		// Clear pending and emit done
		r.session.Pending = nil
		if err := r.saveSession(ctx); err != nil {
			r.emitError(ctx, api.ErrStoreError, err.Error())
			return
		}
		r.emitDone(ctx, "rejected")
		return
	}

	// Get tool and args
	args, err := decodeArgs(pending.ToolCall.Arguments)
	if err != nil {
		r.emitError(ctx, api.ErrToolArgsInvalid, err.Error())
		return
	}
	if decision.Kind == api.DecisionModify && decision.ModifiedArgs != nil {
		args = decision.ModifiedArgs
	}
	execArgs := r.prepareExecArgs(pending.ToolCall.Tool, args)

	// Build state and run middlewares (to enforce allowed-tools and inject system prompt).
	state := r.newTaskRunState()
	r.hookState = state
	if err := r.refreshState(ctx, state); err != nil {
		r.emitError(ctx, api.ErrStoreError, err.Error())
		return
	}

	// Execute tool
	tool, ok := r.cfg.Tools.Get(pending.ToolCall.Tool)
	if !ok {
		r.emitError(ctx, api.ErrToolNotFound, pending.ToolCall.Tool)
		return
	}

	// Validate before execution (modified args may be denied or require re-approval).
	pctx := r.policyContext(state)

	if err := r.cfg.Policy.Validate(ctx, pctx, tool, execArgs); err != nil {
		r.emitToolOutput(ctx, pending.ToolCall.CallID, pending.ToolCall.Tool, toolResultFromError(err))
		r.session.Pending = nil
		_ = r.saveSession(ctx)
		r.emitDone(ctx, "completed")
		return
	}

	// Note: We don't re-check NeedApproval here because the user has already
	// approved this tool call. Re-checking would cause an infinite loop since
	// tools like 'shell' always require approval in auto mode.

	result, failureStreak := r.runTool(ctx, tool, execArgs, state, pending.ToolCall.CallID)

	// Apply engine-side effects for certain system tools.
	r.applyToolSideEffects(pending.ToolCall.Tool, args, result)

	// Emit tool result
	r.emitToolOutput(ctx, pending.ToolCall.CallID, pending.ToolCall.Tool, result)

	// Append tool output
	r.history.Append(&r.session.History, toolOutputFromResult(pending.ToolCall.CallID, result))

	// Clear pending
	r.session.Pending = nil
	if err := r.saveSession(ctx); err != nil {
		r.emitError(ctx, api.ErrStoreError, err.Error())
		return
	}

	// Check for plan update
	if pending.ToolCall.Tool == "write_todos" {
		if err := r.emitPlanSnapshot(ctx, string(pending.ToolCall.CallID)); err != nil {
			r.emitError(ctx, api.ErrStoreError, err.Error())
			return
		}
	}

	if (result.Status == api.StatusFailed || result.Status == api.StatusTimeout) && r.repeatLimitExceeded(failureStreak) {
		r.abortOnRepeatedFailure(ctx, pending.ToolCall.Tool, result)
		r.emitDone(ctx, "completed")
		return
	}

	// Continue agent loop
	outcome, err := r.agentLoop(ctx, state)
	if err != nil {
		if errorsIsContextCanceled(err) {
			r.emitDone(ctx, "canceled")
			return
		}
		r.emitError(ctx, api.ErrToolExecuteFailed, err.Error())
		return
	}

	if outcome == loopOutcomeSuspended {
		return
	}
	r.emitDone(ctx, "completed")
}

type loopOutcome int

const (
	loopOutcomeCompleted loopOutcome = iota
	loopOutcomeSuspended
)

func (r *TurnRunner) agentLoop(ctx context.Context, state *api.TaskRunState) (loopOutcome, error) {
	for {
		select {
		case <-ctx.Done():
			return loopOutcomeCompleted, ctx.Err()
		default:
		}

		// Refresh turn state (skill/memory/plan injection, allowed-tools).
		if err := r.refreshState(ctx, state); err != nil {
			return loopOutcomeCompleted, err
		}

		pctx := r.policyContext(state)

		// Get visible tools
		allTools := r.cfg.Tools.All()
		policyTools := make([]policy.Tool, len(allTools))
		for i, t := range allTools {
			policyTools[i] = t
		}
		visibleTools := r.cfg.Policy.Filter(ctx, pctx, policyTools)

		// Convert to schemas
		var toolSchemas []api.ToolSchema
		for _, pt := range visibleTools {
			if t, ok := r.cfg.Tools.Get(pt.Name()); ok {
				toolSchemas = append(toolSchemas, t.Declaration())
			}
		}

		// Build LLM request against the invariant-clean prompt view.
		promptItems := r.history.ViewForPrompt(state.History)
		if r.cfg.FilterHistoryTools {
			promptItems = filterHistoryToolItems(promptItems)
		}
		req := api.LLMRequest{
			SystemPrompt: state.SystemPrompt,
			History:      promptItems,
			Tools:        toolSchemas,
		}
		if r.cfg.Curator != nil {
			usage := r.cfg.Curator.Measure(state, toolSchemas)
			req.MaxTokens = usage.MaxTokensForResponse()
			if usage.NeedsCompaction() {
				logger.Info("Context", "token budget exceeded, compacting before this round", map[string]interface{}{
					"used": usage.Total,
					"max":  usage.Max,
				})
				if err := CompressHistory(ctx, r.cfg.LLM, r.session, CompressConfig{KeepTurns: maxInt(r.cfg.CompressKeepTurns, 1)}); err != nil {
					logger.Warn("Context", "compaction failed", map[string]interface{}{"error": err.Error()})
				} else {
					state.History = r.session.History.Clone()
				}
			}

			// Assemble the budgeted prompt: reserve mandatory components,
			// then greedily include history newest-first with tool
			// call/output pairs kept atomic, eliding the rest.
			r.mu.Lock()
			ledger := append([]api.DecisionLedgerEntry(nil), r.session.DecisionLedger...)
			r.mu.Unlock()
			assembled, err := r.cfg.Curator.Assemble(state, toolSchemas, ledger)
			if err != nil {
				r.emitError(ctx, api.ErrResourceExhausted, err.Error())
				return loopOutcomeCompleted, err
			}
			items := assembled.Items
			if r.cfg.FilterHistoryTools {
				items = filterHistoryToolItems(items)
			}
			req.History = items
			req.MaxTokens = assembled.Usage.MaxTokensForResponse()
			if assembled.ElidedToolPairs > 0 {
				logger.Info("Context", "elided prior tool calls to fit budget", map[string]interface{}{
					"elided": assembled.ElidedToolPairs,
				})
			}
		}

		// Stream LLM response
		stream, err := r.cfg.LLM.Stream(ctx, req)
		if err != nil {
			return loopOutcomeCompleted, fmt.Errorf("LLM stream error: %w", err)
		}

		var assistantContent string
		var toolCalls []api.LLMToolCall

		for {
			chunk, err := stream.Recv(ctx)
			if err != nil {
				stream.Close()
				if err == io.EOF {
					break
				}
				return loopOutcomeCompleted, fmt.Errorf("LLM recv error: %w", err)
			}

			if chunk.Delta != "" {
				assistantContent += chunk.Delta
				r.emit(ctx, api.Event{
					Type:  api.EventDelta,
					Delta: &api.DeltaPayload{Text: chunk.Delta, Source: api.DeltaText},
				})
			}

			// Emit tool argument delta for streaming display (gray text in UI)
			if chunk.ToolArgDelta != "" {
				r.emit(ctx, api.Event{
					Type:  api.EventDelta,
					Delta: &api.DeltaPayload{Text: chunk.ToolArgDelta, Source: api.DeltaToolArg},
				})
			}

			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}

			if chunk.FinishReason != "" {
				break
			}
		}
		stream.Close()

		// No tool calls - turn complete
		if len(toolCalls) == 0 {
			if assistantContent != "" {
				r.history.Append(&r.session.History, api.NewAssistantMessage(assistantContent, ""))
				if err := r.saveSession(ctx); err != nil {
					return loopOutcomeCompleted, err
				}
			}
			r.assistantText = assistantContent
			return loopOutcomeCompleted, nil
		}

		// Record the assistant's tool calls before dispatching them, so a
		// crash mid-dispatch leaves a recoverable (if incomplete) history.
		if assistantContent != "" {
			r.history.Append(&r.session.History, api.NewAssistantMessage(assistantContent, ""))
		}
		for _, tc := range toolCalls {
			r.history.Append(&r.session.History, api.NewToolCall(tc.CallID, tc.Tool, json.RawMessage(tc.Args)))
		}
		if err := r.saveSession(ctx); err != nil {
			return loopOutcomeCompleted, err
		}

		suspended, err := r.dispatchToolCalls(ctx, state, pctx, toolCalls)
		if err != nil {
			if errors.Is(err, errToolRepeatLimitExceeded) {
				// The system message is already in history; this is a
				// forced but natural end to the turn, not a fatal error.
				r.assistantText = assistantContent
				return loopOutcomeCompleted, nil
			}
			return loopOutcomeCompleted, err
		}
		if suspended {
			return loopOutcomeSuspended, nil
		}
	}
}

// dispatchToolCalls executes one model round's tool calls, up to
// MaxConcurrentTools at a time. A call that needs approval suspends the
// whole round immediately: only one approval can be outstanding per
// session, so no call after it is started and any not yet dispatched are
// left unexecuted until Resume re-enters the loop. Calls that were already
// running concurrently when the suspension is found run to completion.
func (r *TurnRunner) dispatchToolCalls(ctx context.Context, state *api.TaskRunState, pctx api.PolicyContext, toolCalls []api.LLMToolCall) (bool, error) {
	limit := int64(r.cfg.MaxConcurrentTools)
	if limit <= 0 {
		limit = 1
	}

	sem := semaphore.NewWeighted(limit)
	var g errgroup.Group
	var mu sync.Mutex
	suspendAt := -1

	for i, tc := range toolCalls {
		mu.Lock()
		halted := suspendAt >= 0
		mu.Unlock()
		if halted {
			break
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			// Context canceled while waiting for a slot; nothing further
			// can be dispatched.
			break
		}

		// An earlier call may have suspended while this one waited for a
		// slot; re-check so no call after it is dispatched.
		mu.Lock()
		halted = suspendAt >= 0
		mu.Unlock()
		if halted {
			sem.Release(1)
			break
		}

		i, tc := i, tc
		g.Go(func() error {
			defer sem.Release(1)

			suspend, err := r.dispatchOneToolCall(ctx, state, pctx, tc)
			if err != nil {
				return err
			}

			mu.Lock()
			if suspend && (suspendAt < 0 || i < suspendAt) {
				suspendAt = i
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return false, err
	}
	return suspendAt >= 0, nil
}

// dispatchOneToolCall validates, previews, and either suspends for
// approval or executes a single tool call. It returns true if the turn
// must suspend after this call.
func (r *TurnRunner) dispatchOneToolCall(ctx context.Context, state *api.TaskRunState, pctx api.PolicyContext, tc api.LLMToolCall) (bool, error) {
	args, err := decodeRawArgs(tc.Args)
	if err != nil {
		result := toolErrorResult(fmt.Sprintf("%s: invalid JSON args: %v", api.ErrToolArgsInvalid, err))
		r.emitToolOutput(ctx, tc.CallID, tc.Tool, result)
		r.appendToolOutputLocked(tc.CallID, result)
		return false, nil
	}

	tool, ok := r.cfg.Tools.Get(tc.Tool)
	if !ok {
		result := toolErrorResult("tool not found")
		r.emitToolOutput(ctx, tc.CallID, tc.Tool, result)
		r.appendToolOutputLocked(tc.CallID, result)
		return false, nil
	}

	execArgs := r.prepareExecArgs(tc.Tool, args)
	needApproval := r.cfg.Policy.NeedApproval(ctx, pctx, tool, execArgs)

	var preview *api.Preview
	if needApproval {
		if p, ok := tool.(tools.Previewer); ok {
			if v, err := p.Preview(ctx, execArgs); err == nil {
				preview = v
			}
		}
	}

	r.emit(ctx, api.Event{
		Type: api.EventToolCallStart,
		ToolCall: &api.ToolCallEventPayload{
			CallID:       tc.CallID,
			Tool:         tc.Tool,
			Args:         execArgs,
			Preview:      preview,
			NeedApproval: needApproval,
		},
	})

	if err := r.cfg.Policy.Validate(ctx, pctx, tool, execArgs); err != nil {
		result := toolResultFromError(err)
		r.emitToolOutput(ctx, tc.CallID, tc.Tool, result)
		r.appendToolOutputLocked(tc.CallID, result)
		return false, nil
	}

	if needApproval {
		requestID := generateRequestID()
		toolCallPayload := api.ToolCallEventPayload{
			CallID:       tc.CallID,
			Tool:         tc.Tool,
			Args:         execArgs,
			Preview:      preview,
			NeedApproval: true,
		}
		r.emit(ctx, api.Event{
			Type: api.EventApproval,
			Approval: &api.ApprovalPayload{
				RequestID: requestID,
				CallID:    tc.CallID,
				ToolCall:  toolCallPayload,
				Mode:      r.cfg.ApprovalMode,
			},
		})

		r.mu.Lock()
		r.session.Pending = &api.PendingApproval{
			TurnID:    r.turnID,
			RequestID: requestID,
			ToolCall:  api.ToolCallItem{CallID: tc.CallID, Tool: tc.Tool, Arguments: json.RawMessage(tc.Args)},
			Preview:   preview,
			CreatedAt: time.Now(),
		}
		r.mu.Unlock()
		if err := r.saveSession(ctx); err != nil {
			return true, err
		}
		return true, nil
	}

	result, failureStreak := r.runTool(ctx, tool, execArgs, state, tc.CallID)
	r.applyToolSideEffects(tc.Tool, execArgs, result)
	r.emitToolOutput(ctx, tc.CallID, tc.Tool, result)
	r.appendToolOutputLocked(tc.CallID, result)

	if err := r.saveSession(ctx); err != nil {
		return false, err
	}

	if tc.Tool == "write_todos" {
		_ = r.emitPlanSnapshot(ctx, string(tc.CallID))
	}

	if (result.Status == api.StatusFailed || result.Status == api.StatusTimeout) && r.repeatLimitExceeded(failureStreak) {
		r.abortOnRepeatedFailure(ctx, tc.Tool, result)
		return false, errToolRepeatLimitExceeded
	}

	return false, nil
}

// repeatLimitExceeded reports whether a trailing run of failureStreak
// consecutive failures for one call signature exceeds tool_repeat_limit
// (default 3).
func (r *TurnRunner) repeatLimitExceeded(failureStreak uint32) bool {
	limit := r.cfg.ToolRepeatLimit
	if limit <= 0 {
		limit = 3
	}
	return failureStreak > uint32(limit)
}

// abortOnRepeatedFailure injects the system message the scheduler must
// surface when it gives up retrying a tool call, so the next model round
// (and the persisted transcript) carries the reason the turn ended early.
func (r *TurnRunner) abortOnRepeatedFailure(ctx context.Context, toolName string, result api.ToolResult) {
	reason := result.Error
	if reason == "" {
		reason = result.LLMContent
	}
	msg := fmt.Sprintf("Aborting repeated failing tool call %s: last failure was %s", toolName, reason)

	r.mu.Lock()
	r.history.Append(&r.session.History, api.NewSystemMessage(msg))
	r.mu.Unlock()

	r.emit(ctx, api.Event{
		Type:          api.EventSystemMessage,
		SystemMessage: &api.SystemMessagePayload{Text: msg},
	})
}

// errToolRepeatLimitExceeded is the forced-termination signal dispatchOneToolCall
// returns once tool_repeat_limit is exceeded; agentLoop treats it as a
// natural turn end (the system message is already in history), not a
// fatal error.
var errToolRepeatLimitExceeded = errors.New("tool repeat limit exceeded")

// toolCallSignature keys the repeated-failure counter by distinct call
// shape, not by tool name alone, so failing "grep foo" three times doesn't
// also exhaust the retry budget for an unrelated "grep bar" call.
func toolCallSignature(toolName string, args api.Args) string {
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(b)
	return toolName + ":" + hex.EncodeToString(sum[:8])
}

// runTool executes a handler and tracks the repeated-failure counter
// (reset on success, incremented on failure, per call signature). It
// returns the post-update counter value alongside the result so the caller
// can decide whether tool_repeat_limit has been exceeded.
func (r *TurnRunner) runTool(ctx context.Context, tool Tool, args api.Args, state *api.TaskRunState, callID api.CallId) (api.ToolResult, uint32) {
	ictx := api.InvocationCtx{
		WorkspaceRoot:   r.cfg.WorkspaceRoot,
		SessionID:       r.session.SessionID,
		TurnID:          r.turnID,
		CallID:          callID,
		ApprovalMode:    r.cfg.ApprovalMode,
		SafetyEvaluator: r.cfg.SafetyEvaluator,
	}

	handler := func(ctx context.Context, args api.Args) (api.ToolResult, error) {
		if r.cfg.Tools != nil {
			return r.cfg.Tools.Dispatch(ctx, tool.Name(), args, ictx)
		}
		return tool.Execute(ctx, args, ictx)
	}

	var result api.ToolResult
	if r.cfg.Pipeline != nil {
		result = r.cfg.Pipeline.Run(ctx, tool.Name(), args, handler)
	} else {
		start := time.Now()
		res, err := handler(ctx, args)
		if err != nil {
			res = toolErrorResult(err.Error())
		}
		res.Metadata.DurationMS = time.Since(start).Milliseconds()
		result = res
	}

	sig := toolCallSignature(tool.Name(), args)

	r.mu.Lock()
	if state.RepeatedFailureCounter == nil {
		state.RepeatedFailureCounter = make(map[string]uint32)
	}
	var counter uint32
	if result.Status == api.StatusSuccess {
		state.RepeatedFailureCounter[sig] = 0
	} else {
		state.RepeatedFailureCounter[sig]++
		counter = state.RepeatedFailureCounter[sig]
	}
	r.mu.Unlock()

	return result, counter
}

// applyToolSideEffects mutates engine-owned session fields certain system
// tools affect directly (as opposed to through the LLM-visible result).
func (r *TurnRunner) applyToolSideEffects(toolName string, args api.Args, result api.ToolResult) {
	if toolName != "activate_skill" || result.Status != api.StatusSuccess {
		return
	}
	if name, ok := args["name"].(string); ok && name != "" {
		r.session.ActiveSkill = name
	}
}

func (r *TurnRunner) appendToolOutputLocked(callID api.CallId, result api.ToolResult) {
	r.history.Append(&r.session.History, toolOutputFromResult(callID, result))
}

func (r *TurnRunner) emitToolOutput(ctx context.Context, callID api.CallId, toolName string, result api.ToolResult) {
	r.emit(ctx, api.Event{
		Type: api.EventToolCallDone,
		ToolResult: &api.ToolResultEventPayload{
			CallID: callID,
			Tool:   toolName,
			Result: result,
		},
	})
}

func (r *TurnRunner) policyContext(state *api.TaskRunState) api.PolicyContext {
	return api.PolicyContext{
		SessionID:      r.session.SessionID,
		TurnID:         r.turnID,
		ApprovalMode:   r.cfg.ApprovalMode,
		WorkspaceRoot:  r.cfg.WorkspaceRoot,
		AllowedTools:   getAllowedToolsFromState(state),
		ToolCallOrigin: api.OriginModel,
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Helpers
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (r *TurnRunner) emit(ctx context.Context, e api.Event) {
	r.mu.Lock()
	r.seq++
	e.Version = 1
	e.SessionID = r.session.SessionID
	e.TurnID = r.turnID
	e.Seq = r.seq
	e.Ts = time.Now()
	r.mu.Unlock()

	r.events.Send(e)

	// Log event
	if r.cfg.EventLog != nil {
		r.cfg.EventLog.Append(context.WithoutCancel(ctx), e)
	}

	// Track tool/approval refs for AfterTurn summaries.
	switch e.Type {
	case api.EventToolCallStart:
		if e.ToolCall != nil {
			r.toolCalls = append(r.toolCalls, api.ToolCallRef{CallID: e.ToolCall.CallID, Tool: e.ToolCall.Tool})
		}
	case api.EventApproval:
		if e.Approval != nil {
			r.approvals = append(r.approvals, api.ApprovalRef{RequestID: e.Approval.RequestID, CallID: e.Approval.CallID})
		}
	}

	// Middleware event hook (best-effort, must not block the main loop).
	for _, mw := range r.cfg.Middlewares {
		_ = mw.OnEvent(ctx, r.hookState, e)
	}
}

func (r *TurnRunner) emitError(ctx context.Context, code, message string) {
	r.turnOutcome = api.TurnError
	r.turnError = &api.ErrorPayload{Code: code, Message: message}
	r.emit(ctx, api.Event{
		Type:  api.EventError,
		Error: &api.ErrorPayload{Code: code, Message: message},
	})
	r.emitDone(ctx, "error")
}

func (r *TurnRunner) emitDone(ctx context.Context, reason string) {
	switch reason {
	case "canceled":
		r.turnOutcome = api.TurnCanceled
	case "error":
		r.turnOutcome = api.TurnError
	default:
		r.turnOutcome = api.TurnDone
	}
	r.emit(ctx, api.Event{
		Type: api.EventTurnCompleted,
		Done: &api.DonePayload{Reason: reason},
	})
	r.mu.Lock()
	r.state = StateCompleted
	r.mu.Unlock()
}

func (r *TurnRunner) emitPlanSnapshot(ctx context.Context, callID string) error {
	planID := "plan_" + r.session.SessionID
	plan, err := r.cfg.PlanStore.Get(ctx, planID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil // No plan exists
		}
		return err
	}

	out := *plan
	if callID != "" {
		out.CallID = api.CallId(callID)
	}

	r.emit(ctx, api.Event{
		Type: api.EventPlan,
		Plan: &out,
	})
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func generateTurnID() string {
	return "turn_" + uuid.NewString()
}

func generateRequestID() string {
	return "req_" + uuid.NewString()
}

func decodeArgs(raw json.RawMessage) (api.Args, error) {
	if len(raw) == 0 {
		return make(api.Args), nil
	}
	var args api.Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = make(api.Args)
	}
	return args, nil
}

func decodeRawArgs(raw string) (api.Args, error) {
	if strings.TrimSpace(raw) == "" {
		return make(api.Args), nil
	}
	var args api.Args
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func toolErrorResult(msg string) api.ToolResult {
	return api.ToolResult{
		Status:     api.StatusFailed,
		Error:      msg,
		UIContent:  msg,
		LLMContent: msg,
		Metadata:   api.ToolResultMetadata{Status: string(api.StatusFailed)},
	}
}

func toolResultFromError(err error) api.ToolResult {
	if err == nil {
		return toolErrorResult("unknown error")
	}
	return toolErrorResult(err.Error())
}

func toolOutputFromResult(callID api.CallId, result api.ToolResult) api.HistoryItem {
	content, _ := json.Marshal(result.LLMContent)
	return api.NewToolOutput(callID, result.Status, content)
}

// filterHistoryToolItems filters out historical tool_calls and tool
// outputs, keeping only the current turn's tool interactions. This
// reduces context size while preserving the current turn's tool state for
// providers that require pairing.
func filterHistoryToolItems(items []api.PromptItem) []api.PromptItem {
	if len(items) == 0 {
		return items
	}

	lastUserIdx := -1
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == api.ItemUserMessage {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx < 0 {
		return items
	}

	result := make([]api.PromptItem, 0, len(items))
	for i := 0; i < lastUserIdx; i++ {
		item := items[i]
		switch item.Kind {
		case api.ItemUserMessage, api.ItemAssistantMessage:
			result = append(result, item)
		case api.ItemToolCall, api.ItemToolOutput:
			// Drop historical tool interactions entirely.
		}
	}
	result = append(result, items[lastUserIdx:]...)
	return result
}

func getAllowedToolsFromState(state *api.TaskRunState) []string {
	if state == nil || state.Metadata == nil {
		return nil
	}
	raw, ok := state.Metadata["allowed_tools"]
	if !ok {
		return nil
	}
	if list, ok := raw.([]string); ok {
		return append([]string(nil), list...)
	}
	if ifaceList, ok := raw.([]any); ok {
		out := make([]string, 0, len(ifaceList))
		for _, v := range ifaceList {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func errorsIsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *TurnRunner) prepareExecArgs(toolName string, args api.Args) api.Args {
	// System tools must always operate on the current session, never on a model-supplied session id.
	// Keep args stable for UI/events by injecting into the execution args only.
	switch toolName {
	case "read_todos", "write_todos":
		out := make(api.Args, len(args)+1)
		for k, v := range args {
			out[k] = v
		}
		out["session_id"] = r.session.SessionID
		return out
	case "run_skill_script":
		// Inject active skill for validation and path resolution.
		out := make(api.Args, len(args)+1)
		for k, v := range args {
			out[k] = v
		}
		out["_active_skill"] = r.session.ActiveSkill
		return out
	default:
		return args
	}
}

func (r *TurnRunner) newTaskRunState() *api.TaskRunState {
	state := &api.TaskRunState{
		SessionID:              r.session.SessionID,
		TurnID:                 r.turnID,
		ActiveSkill:            r.session.ActiveSkill,
		WorkspaceRoot:          r.cfg.WorkspaceRoot,
		RepeatedFailureCounter: make(map[string]uint32),
		History:                r.session.History.Clone(),
		Metadata:               make(map[string]any),
	}
	if r.session.Summary != "" {
		state.Metadata["session_summary"] = r.session.Summary
	}
	return state
}

func (r *TurnRunner) refreshState(ctx context.Context, state *api.TaskRunState) error {
	if state == nil {
		return nil
	}
	state.ActiveSkill = r.session.ActiveSkill
	state.History = r.session.History.Clone()
	state.SystemPrompt = ""
	if state.Metadata == nil {
		state.Metadata = make(map[string]any)
	} else {
		for k := range state.Metadata {
			delete(state.Metadata, k)
		}
	}
	if r.session.Summary != "" {
		state.Metadata["session_summary"] = r.session.Summary
	}

	for _, mw := range r.cfg.Middlewares {
		if err := mw.BeforeTurn(ctx, state); err != nil {
			return fmt.Errorf("middleware %s: %v", mw.Name(), err)
		}
	}
	return nil
}

func (r *TurnRunner) finalize(ctx context.Context) {
	// Suspended turns (waiting approval) must not be finalized.
	if r.turnOutcome == "" {
		return
	}

	summary := api.TurnSummary{
		SessionID:     r.session.SessionID,
		TurnID:        r.turnID,
		Outcome:       r.turnOutcome,
		AssistantText: r.assistantText,
		ToolCalls:     append([]api.ToolCallRef(nil), r.toolCalls...),
		Approvals:     append([]api.ApprovalRef(nil), r.approvals...),
		Error:         r.turnError,
		StartedAt:     r.startedAt,
		FinishedAt:    time.Now(),
	}

	// AfterTurn runs in reverse order (as middleware.Chain does), but the runtime stores middlewares as a slice.
	for i := len(r.cfg.Middlewares) - 1; i >= 0; i-- {
		_ = r.cfg.Middlewares[i].AfterTurn(ctx, r.hookState, summary)
	}

	// Prevent double-finalize.
	r.turnOutcome = ""
}

func (r *TurnRunner) saveSession(ctx context.Context) error {
	r.session.UpdatedAt = time.Now()
	return r.cfg.SessionStore.Put(ctx, r.session.SessionID, r.session)
}
