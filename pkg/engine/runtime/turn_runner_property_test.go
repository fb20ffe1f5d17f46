package runtime

import (
	"context"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"AgentEngine/pkg/engine/api"
)

// sequencedTool replays a fixed list of outcomes, one per Execute call, in
// order. Calling it more times than the list's length panics — every
// property below sizes the list to exactly the number of calls it makes.
type sequencedTool struct {
	name     string
	outcomes []api.OutputStatus
	next     int
}

func (t *sequencedTool) Name() string              { return t.name }
func (t *sequencedTool) Description() string       { return "test tool" }
func (t *sequencedTool) Declaration() api.ToolSchema { return api.ToolSchema{Name: t.name} }
func (t *sequencedTool) Risk() api.RiskLevel        { return api.RiskLow }

func (t *sequencedTool) Execute(_ context.Context, _ api.Args, _ api.InvocationCtx) (api.ToolResult, error) {
	status := t.outcomes[t.next]
	t.next++
	return api.ToolResult{Status: status}, nil
}

func newRunnerForCounterTest() *TurnRunner {
	return &TurnRunner{
		cfg:     TurnRunnerConfig{},
		session: &api.Session{SessionID: "test-session"},
	}
}

// trailingFailureRun counts how many outcomes at the end of outcomes are
// non-success; a success anywhere resets the count to zero from that point.
func trailingFailureRun(outcomes []api.OutputStatus) uint32 {
	var run uint32
	for _, o := range outcomes {
		if o == api.StatusSuccess {
			run = 0
		} else {
			run++
		}
	}
	return run
}

func genOutcome() gopter.Gen {
	return gen.OneConstOf(api.StatusSuccess, api.StatusFailed, api.StatusTimeout, api.StatusCanceled)
}

func genOutcomeSequence(maxLen int) gopter.Gen {
	return gen.IntRange(0, maxLen).FlatMap(func(n any) gopter.Gen {
		return gen.SliceOfN(n.(int), genOutcome())
	}, reflect.TypeOf([]api.OutputStatus{}))
}

// TestRepeatedFailureCounter_TracksTrailingFailureRun verifies the
// monotonicity/reset invariant the turn scheduler depends on to abort after
// tool_repeat_limit consecutive failures: the counter for a call signature
// always equals the length of the trailing run of non-success outcomes,
// regardless of how many successes preceded it.
func TestRepeatedFailureCounter_TracksTrailingFailureRun(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("counter equals trailing failure run length", prop.ForAll(
		func(outcomes []api.OutputStatus) bool {
			r := newRunnerForCounterTest()
			state := &api.TaskRunState{}
			tool := &sequencedTool{name: "exec", outcomes: outcomes}

			for range outcomes {
				r.runTool(context.Background(), tool, api.Args{}, state, "call_1")
			}

			want := trailingFailureRun(outcomes)
			got := state.RepeatedFailureCounter[toolCallSignature(tool.Name(), api.Args{})]
			return got == want
		},
		genOutcomeSequence(20),
	))

	properties.TestingRun(t)
}

// TestRepeatedFailureCounter_SuccessAlwaysResetsToZero is the specific case
// the spec calls out as critical: a success resets the counter for its
// signature even after a long run of prior failures.
func TestRepeatedFailureCounter_SuccessAlwaysResetsToZero(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a trailing success always zeroes the counter", prop.ForAll(
		func(failures int) bool {
			r := newRunnerForCounterTest()
			state := &api.TaskRunState{}

			outcomes := make([]api.OutputStatus, 0, failures+1)
			for i := 0; i < failures; i++ {
				outcomes = append(outcomes, api.StatusFailed)
			}
			outcomes = append(outcomes, api.StatusSuccess)

			tool := &sequencedTool{name: "exec", outcomes: outcomes}
			for range outcomes {
				r.runTool(context.Background(), tool, api.Args{}, state, "call_1")
			}

			return state.RepeatedFailureCounter[toolCallSignature(tool.Name(), api.Args{})] == 0
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

// TestRepeatedFailureCounter_IsolatedPerToolName verifies the signature is
// per tool name: interleaving failures of one tool must never inflate the
// counter of another.
func TestRepeatedFailureCounter_IsolatedPerToolName(t *testing.T) {
	r := newRunnerForCounterTest()
	state := &api.TaskRunState{}

	failing := &sequencedTool{name: "shell", outcomes: []api.OutputStatus{api.StatusFailed, api.StatusFailed, api.StatusFailed}}
	succeeding := &sequencedTool{name: "read_file", outcomes: []api.OutputStatus{api.StatusSuccess}}

	r.runTool(context.Background(), failing, api.Args{}, state, "call_1")
	r.runTool(context.Background(), succeeding, api.Args{}, state, "call_2")
	r.runTool(context.Background(), failing, api.Args{}, state, "call_3")
	r.runTool(context.Background(), failing, api.Args{}, state, "call_4")

	shellSig := toolCallSignature("shell", api.Args{})
	readFileSig := toolCallSignature("read_file", api.Args{})
	if state.RepeatedFailureCounter[shellSig] != 3 {
		t.Fatalf("shell counter = %d, want 3", state.RepeatedFailureCounter[shellSig])
	}
	if state.RepeatedFailureCounter[readFileSig] != 0 {
		t.Fatalf("read_file counter = %d, want 0", state.RepeatedFailureCounter[readFileSig])
	}
}

// TestRepeatLimitExceeded_DefaultIsThree verifies the tool_repeat_limit
// default and that the scheduler's comparison is strictly-greater-than,
// so exactly 3 consecutive failures does not yet abort but a 4th does.
func TestRepeatLimitExceeded_DefaultIsThree(t *testing.T) {
	r := newRunnerForCounterTest()
	if r.repeatLimitExceeded(3) {
		t.Fatal("3 consecutive failures must not exceed the default limit")
	}
	if !r.repeatLimitExceeded(4) {
		t.Fatal("4 consecutive failures must exceed the default limit")
	}
}

// TestRepeatLimitExceeded_HonorsConfiguredLimit verifies a non-default
// tool_repeat_limit is respected instead of the hardcoded default.
func TestRepeatLimitExceeded_HonorsConfiguredLimit(t *testing.T) {
	r := &TurnRunner{cfg: TurnRunnerConfig{ToolRepeatLimit: 1}, session: &api.Session{SessionID: "s"}}
	if r.repeatLimitExceeded(1) {
		t.Fatal("1 failure must not exceed a limit of 1")
	}
	if !r.repeatLimitExceeded(2) {
		t.Fatal("2 failures must exceed a limit of 1")
	}
}
