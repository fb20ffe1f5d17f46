// Package api defines the stable public interface for the agent runloop
// core. All external interactions (CLI, TUI, tests) should use these
// types rather than reaching into pkg/engine/runtime directly.
package api

import (
	"context"
	"time"
)

// Engine is the main entry point for all agent interactions. All
// communication happens through event streams.
type Engine interface {
	StartSession(ctx context.Context, opts StartOptions) (sessionID string, err error)
	GetSession(ctx context.Context, sessionID string) (SessionInfo, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// Send triggers a turn and returns its event stream.
	Send(ctx context.Context, sessionID, message string) (EventStream, error)

	// Resume continues from a suspend point (approval/modify/reject).
	Resume(ctx context.Context, sessionID string, decision UserDecision) (EventStream, error)

	// Cancel requests cooperative cancellation of the session's in-flight turn.
	Cancel(ctx context.Context, sessionID string) error

	// Snapshot/Restore implement the engine's embeddable-library contract.
	Snapshot(ctx context.Context, sessionID string) ([]byte, error)
	Restore(ctx context.Context, data []byte) (sessionID string, err error)
}

// StartOptions configures session behavior.
type StartOptions struct {
	ApprovalMode ApprovalMode
	EmitThinking bool
	ActiveSkill  string
	Model        string
	Provider     string
}

// SessionInfo is the public view of a session.
type SessionInfo struct {
	SessionID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	ActiveSkill  string
}
