package tools

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"AgentEngine/pkg/engine/api"
)

func TestDefaultRegistry_HidesAliasesFromAll(t *testing.T) {
	r := DefaultRegistry(t.TempDir(), nil)
	names := r.Names()
	for _, want := range []string{"search", "exec", "file"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected canonical tool %q in Names(), got %v", want, names)
		}
	}
	for _, hidden := range []string{"grep", "glob", "shell", "read_file", "write_file", "edit_file", "ls", "delete_file", "move_file", "copy_file", "lsp_diagnostics"} {
		for _, n := range names {
			if n == hidden {
				t.Fatalf("expected alias %q to be hidden from Names(), got %v", hidden, names)
			}
		}
		if _, ok := r.Get(hidden); !ok {
			t.Fatalf("expected alias %q to still be reachable via Get", hidden)
		}
	}
}

func TestDispatch_AliasAndCanonicalCallsAgree(t *testing.T) {
	dir := t.TempDir()
	r := DefaultRegistry(dir, nil)
	ictx := api.InvocationCtx{WorkspaceRoot: dir}

	viaAlias, err := r.Dispatch(context.Background(), "ls", api.Args{"path": "."}, ictx)
	if err != nil {
		t.Fatalf("alias dispatch: %v", err)
	}
	viaCanonical, err := r.Dispatch(context.Background(), "file", api.Args{"action": "list", "path": "."}, ictx)
	if err != nil {
		t.Fatalf("canonical dispatch: %v", err)
	}
	if viaAlias.Status != viaCanonical.Status {
		t.Fatalf("status mismatch: alias=%v canonical=%v", viaAlias.Status, viaCanonical.Status)
	}
	if viaAlias.LLMContent != viaCanonical.LLMContent {
		t.Fatalf("content mismatch: alias=%q canonical=%q", viaAlias.LLMContent, viaCanonical.LLMContent)
	}
}

func TestDispatch_UnknownActionFails(t *testing.T) {
	dir := t.TempDir()
	r := DefaultRegistry(dir, nil)
	ictx := api.InvocationCtx{WorkspaceRoot: dir}

	result, err := r.Dispatch(context.Background(), "file", api.Args{"action": "teleport"}, ictx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != api.StatusFailed {
		t.Fatalf("expected failure for unknown action, got %v", result.Status)
	}
}

func TestDispatch_StubActionReportsUnimplemented(t *testing.T) {
	dir := t.TempDir()
	r := DefaultRegistry(dir, nil)
	ictx := api.InvocationCtx{WorkspaceRoot: dir}

	result, err := r.Dispatch(context.Background(), "search", api.Args{"action": "web", "query": "x"}, ictx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != api.StatusFailed {
		t.Fatalf("expected a failed result for an unimplemented action, got %v", result.Status)
	}
}

func TestDispatch_CachesSuccessfulResultsForCacheableTools(t *testing.T) {
	dir := t.TempDir()
	r := DefaultRegistry(dir, nil)
	ictx := api.InvocationCtx{WorkspaceRoot: dir}

	first, err := r.Dispatch(context.Background(), "search", api.Args{"action": "glob", "pattern": "*.go"}, ictx)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if first.Metadata.CacheHit {
		t.Fatal("first call should not be a cache hit")
	}

	second, err := r.Dispatch(context.Background(), "search", api.Args{"action": "glob", "pattern": "*.go"}, ictx)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if !second.Metadata.CacheHit {
		t.Fatal("second identical call should be served from cache")
	}
}

// serializingTool counts how many calls are in flight concurrently, failing
// the test if more than one overlaps.
type serializingTool struct {
	BaseTool
	inFlight int32
	maxSeen  int32
	start    chan struct{}
}

func (s *serializingTool) Execute(ctx context.Context, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&s.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&s.maxSeen, seen, n) {
			break
		}
	}
	<-s.start
	return successText("done"), nil
}

func TestDispatch_ExclusiveAccessSerializesCalls(t *testing.T) {
	probe := &serializingTool{
		BaseTool: NewBaseTool("probe", "test-only exclusive probe", nil, api.RiskLow),
		start:    make(chan struct{}),
	}
	ct := newCanonicalTool("exec", "test exec", api.RiskHigh, api.PolicyRequiresApproval)
	ct.exclusive = true
	ct.bind("command", "probe", probe)

	r := NewRegistry()
	if _, err := r.registerCanonicalTool(ct); err != nil {
		t.Fatalf("registerCanonicalTool: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Dispatch(context.Background(), "probe", api.Args{}, api.InvocationCtx{})
		}()
	}
	close(probe.start)
	wg.Wait()

	if got := atomic.LoadInt32(&probe.maxSeen); got != 1 {
		t.Fatalf("expected exclusive dispatch to serialize calls, saw %d concurrently", got)
	}
}

func TestRegistrations_ListsAllThreeCanonicalTools(t *testing.T) {
	r := DefaultRegistry(t.TempDir(), nil)
	regs := r.Registrations()
	if len(regs) != 3 {
		t.Fatalf("expected 3 registrations, got %d", len(regs))
	}
	for _, reg := range regs {
		if reg.Handler == nil {
			t.Fatalf("registration %s has a nil handler", reg.CanonicalName)
		}
		if len(reg.Aliases) == 0 {
			t.Fatalf("registration %s has no aliases", reg.CanonicalName)
		}
	}
}
