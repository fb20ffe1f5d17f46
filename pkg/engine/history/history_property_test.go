package history

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"AgentEngine/pkg/engine/api"
)

// callIDPool is deliberately small so random sequences frequently exercise
// the interesting cases: duplicate calls, orphan outputs, and outputs that
// precede their call.
var callIDPool = []api.CallId{"a", "b", "c"}

var statusPool = []api.OutputStatus{api.StatusSuccess, api.StatusFailed, api.StatusTimeout, api.StatusCanceled}

func genCallID() gopter.Gen {
	return gen.OneConstOf(callIDPool[0], callIDPool[1], callIDPool[2])
}

func genStatus() gopter.Gen {
	return gen.OneConstOf(statusPool[0], statusPool[1], statusPool[2], statusPool[3])
}

func genHistoryItem() gopter.Gen {
	return gen.OneGenOf(
		gen.AlphaString().Map(func(s string) api.HistoryItem { return api.NewUserMessage(s) }),
		gen.AlphaString().Map(func(s string) api.HistoryItem { return api.NewAssistantMessage(s, "") }),
		genCallID().Map(func(id api.CallId) api.HistoryItem {
			return api.NewToolCall(id, "exec", json.RawMessage(`{}`))
		}),
		gopter.CombineGens(genCallID(), genStatus()).Map(func(vals []any) api.HistoryItem {
			return api.NewToolOutput(vals[0].(api.CallId), vals[1].(api.OutputStatus), json.RawMessage(`{}`))
		}),
	)
}

func genConversationHistory(maxLen int) gopter.Gen {
	return gen.IntRange(0, maxLen).FlatMap(func(n any) gopter.Gen {
		return gen.SliceOfN(n.(int), genHistoryItem())
	}, reflect.TypeOf([]api.HistoryItem{})).Map(func(items []api.HistoryItem) api.ConversationHistory {
		return api.ConversationHistory{Items: items}
	})
}

func marshalItems(items []api.HistoryItem) string {
	b, _ := json.Marshal(items)
	return string(b)
}

// TestRecoverFromCrash_AlwaysYieldsValidHistory verifies RecoverFromCrash is
// total: for any history, however malformed (duplicate calls, orphan
// outputs, outputs preceding their call), the result satisfies I1 and I2.
func TestRecoverFromCrash_AlwaysYieldsValidHistory(t *testing.T) {
	m := NewManager()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("recovered history always validates", prop.ForAll(
		func(h api.ConversationHistory) bool {
			recovered := m.RecoverFromCrash(h)
			return m.Validate(recovered) == nil
		},
		genConversationHistory(15),
	))

	properties.TestingRun(t)
}

// TestRecoverFromCrash_PreservesOrdering directly checks I2: in the
// recovered history, every ToolOutput appears at a later index than the
// ToolCall it pairs with.
func TestRecoverFromCrash_PreservesOrdering(t *testing.T) {
	m := NewManager()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every output follows its call", prop.ForAll(
		func(h api.ConversationHistory) bool {
			recovered := m.RecoverFromCrash(h)
			callIndex := make(map[api.CallId]int)
			for i, item := range recovered.Items {
				if item.Kind == api.ItemToolCall {
					callIndex[item.ToolCall.CallID] = i
				}
			}
			for i, item := range recovered.Items {
				if item.Kind == api.ItemToolOutput {
					idx, ok := callIndex[item.ToolOutput.CallID]
					if !ok || idx >= i {
						return false
					}
				}
			}
			return true
		},
		genConversationHistory(15),
	))

	properties.TestingRun(t)
}

// TestRecoverFromCrash_IsIdempotent verifies I3: normalization (here via its
// total wrapper, RecoverFromCrash) is a fixed point once applied.
func TestRecoverFromCrash_IsIdempotent(t *testing.T) {
	m := NewManager()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("applying recovery twice equals applying it once", prop.ForAll(
		func(h api.ConversationHistory) bool {
			once := m.RecoverFromCrash(h)
			twice := m.RecoverFromCrash(once)
			return marshalItems(once.Items) == marshalItems(twice.Items)
		},
		genConversationHistory(15),
	))

	properties.TestingRun(t)
}

// TestNormalize_IdempotentWhenItSucceeds complements the crash-recovery
// property above with the same check for the non-total entrypoint: whenever
// Normalize succeeds the first time (no duplicate call ids to repair),
// running it again on its own output must be a no-op.
func TestNormalize_IdempotentWhenItSucceeds(t *testing.T) {
	m := NewManager()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a successful normalize is a fixed point", prop.ForAll(
		func(h api.ConversationHistory) bool {
			once, err := m.Normalize(h)
			if err != nil {
				return true // Normalize only guarantees idempotence once it succeeds.
			}
			twice, err := m.Normalize(once)
			if err != nil {
				return false // a validated history must always re-normalize cleanly
			}
			return marshalItems(once.Items) == marshalItems(twice.Items)
		},
		genConversationHistory(15),
	))

	properties.TestingRun(t)
}
