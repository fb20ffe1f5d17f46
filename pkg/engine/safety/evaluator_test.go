package safety

import (
	"errors"
	"path/filepath"
	"testing"

	"AgentEngine/pkg/engine/api"
)

var errNotFound = errors.New("not found")

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	e, err := NewEvaluator(16, auditPath)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	e.resolveFn = func(bin string) (string, error) {
		return "/usr/bin/" + bin, nil
	}
	return e
}

func TestEvaluate_AllowsPlainReadOnlyCommand(t *testing.T) {
	e := newTestEvaluator(t)
	d := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, []string{"sh", "-c", "ls -la"})
	if d.Decision != api.Allow {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestEvaluate_DeniesDenylistedBinaryDirect(t *testing.T) {
	e := newTestEvaluator(t)
	d := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, []string{"rm", "-rf", "/"})
	if d.Decision != api.Deny {
		t.Fatalf("expected deny, got %+v", d)
	}
}

func TestEvaluate_DeniesDenylistedBinaryInsideShellPipe(t *testing.T) {
	e := newTestEvaluator(t)
	d := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, []string{"sh", "-c", "echo hi | sudo tee /etc/passwd"})
	if d.Decision != api.Deny {
		t.Fatalf("expected deny for smuggled sudo, got %+v", d)
	}
}

func TestEvaluate_PromptsOnSubshellConstruct(t *testing.T) {
	e := newTestEvaluator(t)
	d := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, []string{"sh", "-c", "echo $(whoami)"})
	if d.Decision != api.Prompt {
		t.Fatalf("expected prompt for command substitution, got %+v", d)
	}
}

func TestEvaluate_PromptsOnSensitivePathReference(t *testing.T) {
	e := newTestEvaluator(t)
	d := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, []string{"sh", "-c", "cat /etc/shadow"})
	if d.Decision != api.Prompt {
		t.Fatalf("expected prompt for sensitive path, got %+v", d)
	}
}

func TestEvaluate_CachesRepeatedDecision(t *testing.T) {
	e := newTestEvaluator(t)
	argv := []string{"sh", "-c", "ls -la"}
	first := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, argv)
	if first.CacheHit {
		t.Fatalf("first evaluation should not be a cache hit")
	}
	second := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, argv)
	if !second.CacheHit {
		t.Fatalf("second evaluation should be a cache hit")
	}
	if second.Decision != first.Decision {
		t.Fatalf("cached decision mismatch: %+v vs %+v", first, second)
	}
}

func TestEvaluate_DeniesUnresolvableBinary(t *testing.T) {
	e := newTestEvaluator(t)
	e.resolveFn = func(string) (string, error) { return "", errNotFound }
	d := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, []string{"some-made-up-tool"})
	if d.Decision != api.Deny {
		t.Fatalf("expected deny for unresolvable binary, got %+v", d)
	}
}
