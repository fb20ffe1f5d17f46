package safety

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"AgentEngine/pkg/engine/api"
)

var benignCommands = []string{"echo hello", "ls -la", "pwd", "true", "printf ok"}

// deniedCommands are full command strings matching the exact argv shapes
// treated as always-denied: dangerous-pattern shapes (rm -rf, dd to a
// block device, chmod -R 777, sudo-unwrap) and safe-command-registry
// denials (git push/reset --hard/clean -f, find -delete). "rm
// some-argument" or "chmod some-argument" are deliberately absent — those
// are benign under the argv-shape matcher.
var deniedCommands = []string{
	"rm -rf /",
	"rm -rf $HOME",
	"dd if=/dev/zero of=/dev/sda",
	"chmod -R 777 /",
	"sudo whoami",
	"git push origin main",
	"git reset --hard HEAD",
	"git clean -f",
	"find / -delete",
}

var joinOperators = []string{"&&", "||", ";"}

func genBenignCommand() gopter.Gen {
	return gen.OneConstOf(benignCommands[0], benignCommands[1], benignCommands[2], benignCommands[3], benignCommands[4])
}

func genDeniedCommand() gopter.Gen {
	consts := make([]any, len(deniedCommands))
	for i, c := range deniedCommands {
		consts[i] = c
	}
	return gen.OneConstOf(consts...)
}

func genJoinOperator() gopter.Gen {
	return gen.OneConstOf(joinOperators[0], joinOperators[1], joinOperators[2])
}

// scriptWithOneDeniedCommand is a generated shell script built from two
// benign commands and exactly one command invoking a denylisted binary,
// joined by randomly chosen shell operators, at a random position.
type scriptWithOneDeniedCommand struct {
	script string
}

func genScriptWithOneDeniedCommand() gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOfN(2, genBenignCommand()),
		genDeniedCommand(),
		gen.IntRange(0, 2), // where among the 3 slots the denied command lands
		gen.SliceOfN(2, genJoinOperator()),
	).Map(func(vals []any) scriptWithOneDeniedCommand {
		benign := vals[0].([]string)
		denied := vals[1].(string)
		pos := vals[2].(int)
		ops := vals[3].([]string)

		commands := make([]string, 0, 3)
		commands = append(commands, benign[:pos]...)
		commands = append(commands, denied)
		commands = append(commands, benign[pos:]...)

		var b strings.Builder
		for i, cmd := range commands {
			if i > 0 {
				b.WriteString(" ")
				b.WriteString(ops[i-1])
				b.WriteString(" ")
			}
			b.WriteString(cmd)
		}
		return scriptWithOneDeniedCommand{script: b.String()}
	})
}

// TestEvaluate_DenyComposesAcrossShellDecomposition verifies property P5:
// for any shell script built by joining simple commands with &&/||/;, the
// evaluation of the whole script is Deny whenever at least one extracted
// simple command would individually be Deny.
func TestEvaluate_DenyComposesAcrossShellDecomposition(t *testing.T) {
	e := newTestEvaluator(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a denied simple command anywhere in the script denies the whole script", prop.ForAll(
		func(tc scriptWithOneDeniedCommand) bool {
			d := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, []string{"sh", "-c", tc.script})
			return d.Decision == api.Deny
		},
		genScriptWithOneDeniedCommand(),
	))

	properties.TestingRun(t)
}

// TestEvaluate_AllBenignScriptsNeverDeny is the converse sanity check: a
// script built entirely from benign commands (no denylisted binary, no
// sensitive path) never comes back Deny, so the composition rule isn't
// vacuously satisfied by an evaluator that always denies.
func TestEvaluate_AllBenignScriptsNeverDeny(t *testing.T) {
	e := newTestEvaluator(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("an all-benign script is never denied", prop.ForAll(
		func(commands []string, ops []string) bool {
			var b strings.Builder
			for i, cmd := range commands {
				if i > 0 {
					b.WriteString(" ")
					b.WriteString(ops[i%len(ops)])
					b.WriteString(" ")
				}
				b.WriteString(cmd)
			}
			d := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, []string{"sh", "-c", b.String()})
			return d.Decision != api.Deny
		},
		gen.SliceOfN(3, genBenignCommand()),
		gen.SliceOfN(2, genJoinOperator()),
	))

	properties.TestingRun(t)
}

// TestEvaluate_DenyIdentifiesOffendingBinary is a focused regression for the
// exact scenario spec'd for decomposition: a chained script whose second
// command is the denied one surfaces that binary's name in the reason.
func TestEvaluate_DenyIdentifiesOffendingBinary(t *testing.T) {
	e := newTestEvaluator(t)
	d := e.Evaluate(api.EvalContext{Cwd: "/workspace"}, []string{"sh", "-c", "git status && rm -rf /"})
	if d.Decision != api.Deny {
		t.Fatalf("expected deny, got %+v", d)
	}
	if !strings.Contains(d.PrimaryReason, "rm") {
		t.Fatalf("expected reason to name the offending binary, got %q", d.PrimaryReason)
	}
}

func init() {
	// Guard against the generator pool itself containing a path that the
	// sensitive-path heuristic would also flag, which would make
	// TestEvaluate_AllBenignScriptsNeverDeny pass for the wrong reason.
	for _, c := range benignCommands {
		for _, prefix := range sensitivePathPrefixes {
			if strings.Contains(c, prefix) {
				panic(fmt.Sprintf("benign command %q unexpectedly matches sensitive path prefix %q", c, prefix))
			}
		}
	}
}
