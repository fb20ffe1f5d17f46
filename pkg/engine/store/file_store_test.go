package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"AgentEngine/pkg/engine/api"
)

func newTestFileSessionStore(t *testing.T) *FileSessionStore {
	t.Helper()
	s, err := NewFileSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSessionStore: %v", err)
	}
	return s
}

func TestFileSessionStore_PutThenGetRoundTrips(t *testing.T) {
	s := newTestFileSessionStore(t)
	ctx := context.Background()

	session := &api.Session{
		SessionID: "sess-1",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Model:     "claude-sonnet-4-20250514",
	}
	if err := s.Put(ctx, session.SessionID, session); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != session.SessionID || got.Model != session.Model {
		t.Fatalf("round-tripped session mismatch: %+v", got)
	}
}

func TestFileSessionStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := newTestFileSessionStore(t)
	if _, err := s.Get(context.Background(), "does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileSessionStore_GetRejectsPathEscape(t *testing.T) {
	s := newTestFileSessionStore(t)
	if _, err := s.Get(context.Background(), "../../etc/passwd"); !errors.Is(err, ErrWorkspaceEscape) {
		t.Fatalf("expected ErrWorkspaceEscape, got %v", err)
	}
}

func TestFileSessionStore_DelRemovesSession(t *testing.T) {
	s := newTestFileSessionStore(t)
	ctx := context.Background()

	session := &api.Session{SessionID: "sess-del"}
	if err := s.Put(ctx, session.SessionID, session); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Del(ctx, session.SessionID); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := s.Get(ctx, session.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileSessionStore_ListReturnsStoredIDs(t *testing.T) {
	s := newTestFileSessionStore(t)
	ctx := context.Background()

	for _, id := range []string{"sess-a", "sess-b"} {
		if err := s.Put(ctx, id, &api.Session{SessionID: id}); err != nil {
			t.Fatalf("Put(%s): %v", id, err)
		}
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 session ids, got %v", ids)
	}
}

// TestFileSessionStore_GetRepairsCrashedHistory verifies the load-time
// repair hook: a session persisted with a dangling tool_call (the process
// died before its output was appended) comes back from Get with a
// synthetic output already inserted, rather than failing to load or
// handing a malformed history to the next turn.
func TestFileSessionStore_GetRepairsCrashedHistory(t *testing.T) {
	s := newTestFileSessionStore(t)
	ctx := context.Background()

	session := &api.Session{
		SessionID: "sess-crashed",
		History: api.ConversationHistory{Items: []api.HistoryItem{
			api.NewUserMessage("run the tests"),
			api.NewToolCall("call_1", "shell", json.RawMessage(`{}`)),
		}},
	}
	if err := s.Put(ctx, session.SessionID, session); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.History.Len() != 3 {
		t.Fatalf("expected repaired history with synthesized output, got %d items", got.History.Len())
	}
	last := got.History.Items[2]
	if last.Kind != api.ItemToolOutput || last.ToolOutput.CallID != "call_1" {
		t.Fatalf("expected synthesized output for call_1, got %+v", last)
	}
	if last.ToolOutput.Status != api.StatusAborted {
		t.Fatalf("expected StatusAborted, got %s", last.ToolOutput.Status)
	}
}

func newTestFilePlanStore(t *testing.T) *FilePlanStore {
	t.Helper()
	s, err := NewFilePlanStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilePlanStore: %v", err)
	}
	return s
}

func TestFilePlanStore_PutThenGetRoundTrips(t *testing.T) {
	s := newTestFilePlanStore(t)
	ctx := context.Background()

	plan := &api.PlanPayload{PlanID: "plan-1"}
	if err := s.Put(ctx, plan.PlanID, plan); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, plan.PlanID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PlanID != plan.PlanID {
		t.Fatalf("round-tripped plan mismatch: %+v", got)
	}
}

func TestFilePlanStore_GetRejectsPathEscape(t *testing.T) {
	s := newTestFilePlanStore(t)
	if _, err := s.Get(context.Background(), "../../etc/passwd"); !errors.Is(err, ErrWorkspaceEscape) {
		t.Fatalf("expected ErrWorkspaceEscape, got %v", err)
	}
}
