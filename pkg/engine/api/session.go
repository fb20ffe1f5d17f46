package api

import "time"

// ApprovalMode determines when tool calls require user approval.
type ApprovalMode string

const (
	ModeSuggest  ApprovalMode = "suggest"
	ModeAuto     ApprovalMode = "auto"
	ModeFullAuto ApprovalMode = "full-auto"
)

// DecisionKind represents a user's response to an approval request.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
	DecisionModify  DecisionKind = "modify"
)

// UserDecision is the resume-turn input (named to avoid colliding with the
// safety/policy Decision tri-state).
type UserDecision struct {
	Kind         DecisionKind
	RequestID    string
	ToolCallID   CallId
	ModifiedArgs Args
}

// PendingApproval stores what's needed to resume a suspended turn.
type PendingApproval struct {
	TurnID    string          `json:"turn_id"`
	RequestID string          `json:"request_id"`
	ToolCall  ToolCallItem    `json:"tool_call"`
	Preview   *Preview        `json:"preview,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session is the persisted, per-conversation record.
type Session struct {
	SessionID     string              `json:"session_id"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	WorkspaceRoot string              `json:"workspace_root"`
	Model         string              `json:"model"`
	Provider      string              `json:"provider"`
	ActiveSkill   string              `json:"active_skill,omitempty"`
	Summary       string              `json:"summary,omitempty"`
	History       ConversationHistory `json:"history"`
	Pending       *PendingApproval    `json:"pending,omitempty"`
	DecisionLedger []DecisionLedgerEntry `json:"decision_ledger,omitempty"`

	// Metadata is a small persisted string bag for session-level settings
	// that outlive a single turn: approval_mode, emit_thinking, and the
	// skill-router's lock state. Per-turn scratch data belongs on
	// TaskRunState.Metadata instead.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TaskRunState is the mutable, in-memory state one turn operates over.
// Session owns ConversationHistory, the decision ledger, and the
// repeated-failure counter exclusively; TaskRunState is the working copy
// middleware reads and rewrites once per model round.
type TaskRunState struct {
	SessionID   string
	TurnID      string
	ActiveSkill string

	WorkspaceRoot          string
	LoadedSkills           map[string]Skill
	RepeatedFailureCounter map[string]uint32
	MaxContextTokens       int
	ActiveToolDefinitions  []string

	// History is a working copy of the session's conversation, rebuilt
	// from Session.History at the start of every model round.
	History ConversationHistory

	// SystemPrompt and Metadata are refreshed by middleware before each
	// model call within a turn; not persisted as part of Session.
	SystemPrompt string
	Metadata     map[string]any
}

// SkillMeta contains indexed skill metadata (frontmatter).
type SkillMeta struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	License       string   `json:"license,omitempty"`
	Compatibility string   `json:"compatibility,omitempty"`
	AllowedTools  []string `json:"allowed_tools,omitempty"`
	Path          string   `json:"path"`
}

// Skill is the full content loaded on demand by the skill index.
type Skill struct {
	SkillMeta
	Content    string            `json:"content"`
	Scripts    []string          `json:"scripts,omitempty"`
	References []string          `json:"references,omitempty"`
	Assets     []string          `json:"assets,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TurnOutcome represents how a turn completed.
type TurnOutcome string

const (
	TurnDone     TurnOutcome = "done"
	TurnError    TurnOutcome = "error"
	TurnCanceled TurnOutcome = "canceled"
)

// TurnSummary is an immutable view of a completed turn.
type TurnSummary struct {
	SessionID     string
	TurnID        string
	Outcome       TurnOutcome
	AssistantText string
	ToolCalls     []ToolCallRef
	Approvals     []ApprovalRef
	Error         *ErrorPayload
	StartedAt     time.Time
	FinishedAt    time.Time
}

// ToolCallRef is a reference to a tool call (for turn summaries).
type ToolCallRef struct {
	CallID CallId
	Tool   string
}

// ApprovalRef is a reference to an approval request.
type ApprovalRef struct {
	RequestID string
	CallID    CallId
}

// Standard error codes surfaced to callers.
const (
	ErrInvalidSession    = "invalid_session"
	ErrTurnInProgress    = "turn_in_progress"
	ErrNoPendingApproval = "no_pending_approval"
	ErrApprovalMismatch  = "approval_mismatch"
	ErrToolNotFound      = "tool_not_found"
	ErrToolArgsInvalid   = "tool_args_invalid"
	ErrPolicyDenied      = "policy_denied"
	ErrWorkspaceEscape   = "workspace_escape"
	ErrToolExecuteFailed = "tool_execute_failed"
	ErrStoreError        = "store_error"
	ErrResourceExhausted = "resource_exhausted"
	ErrInvariantViolation = "invariant_violation"
)
