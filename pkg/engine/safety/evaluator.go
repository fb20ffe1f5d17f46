// Package safety implements the command-safety evaluator: the gate every
// exec-class tool handler calls before a subprocess is allowed to run.
package safety

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/safety/shellast"
	"AgentEngine/pkg/logger"
)

// PolicyVersion is bumped whenever the denylist or heuristics change in a
// way that should invalidate cached decisions across a process restart.
const PolicyVersion = "v1"

// sensitivePathPrefixes flags redirects/arguments that touch paths outside
// any reasonable workspace boundary.
var sensitivePathPrefixes = []string{
	"/etc/", "/root/.ssh", "/var/", "/boot/", "~/.ssh", "/proc/", "/sys/",
}

// forkBombPattern matches the classic shell fork bomb, tolerant of
// whitespace: a function named ":" whose body forks itself into a pipe.
var forkBombPattern = regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&?\s*\}\s*;\s*:`)

// matchDangerousPattern checks a fixed set of argv shapes that are denied
// regardless of policy, independent of any safe-command registry or
// generic binary check. It looks at argv shape, not just the binary name,
// so "rm myfile.txt" is untouched while "rm -rf /" is denied.
func matchDangerousPattern(argv []string) (string, bool) {
	if len(argv) == 0 {
		return "", false
	}
	bin := filepath.Base(argv[0])
	rest := argv[1:]

	switch bin {
	case "rm":
		if isRecursiveForce(rest) {
			for _, a := range rest {
				switch a {
				case "/", "$HOME", "~", ".", "*":
					return fmt.Sprintf("rm -rf against %q can destroy the workspace or host", a), true
				}
			}
		}
	case "dd":
		for _, a := range rest {
			if strings.HasPrefix(a, "of=/dev/") {
				return "dd writing directly to a block device bypasses filesystem safeguards", true
			}
		}
	case "chmod":
		if hasFlag(rest, "-R") || hasFlag(rest, "--recursive") {
			for _, a := range rest {
				if a == "777" || a == "0777" || a == "a+rwx" {
					return "chmod -R 777 removes permission safeguards recursively", true
				}
			}
		}
	case "sudo":
		return "attempts to unwrap sudo to escalate privileges", true
	}
	if strings.HasPrefix(bin, "mkfs") {
		return "formats a filesystem", true
	}
	return "", false
}

// isRecursiveForce reports whether args include both a recursive and a
// force flag, in either long or bundled-short form (e.g. "-rf", "-fr").
func isRecursiveForce(args []string) bool {
	var recursive, force bool
	for _, a := range args {
		switch a {
		case "--recursive":
			recursive = true
		case "--force":
			force = true
		}
		if !strings.HasPrefix(a, "-") || strings.HasPrefix(a, "--") {
			continue
		}
		for _, c := range a[1:] {
			switch c {
			case 'r', 'R':
				recursive = true
			case 'f':
				force = true
			}
		}
	}
	return recursive && force
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// safeCommandRule renders a registry decision for one binary's subcommand
// argv. matched is false when the registry has no opinion on this
// particular invocation, letting the generic checks decide instead.
type safeCommandRule func(args []string) (reason string, decision api.Decision, matched bool)

// safeCommandRegistry holds per-binary subcommand allow/deny maps for
// tools whose destructive subcommands are well known ahead of time.
var safeCommandRegistry = map[string]safeCommandRule{
	"git":   evaluateGitArgs,
	"find":  evaluateFindArgs,
	"cargo": evaluateCargoArgs,
}

func evaluateGitArgs(args []string) (string, api.Decision, bool) {
	if len(args) == 0 {
		return "", "", false
	}
	switch args[0] {
	case "push":
		return "git push is denied by the safe-command registry", api.Deny, true
	case "reset":
		if hasFlag(args[1:], "--hard") {
			return "git reset --hard is denied by the safe-command registry", api.Deny, true
		}
	case "clean":
		if hasFlag(args[1:], "-f") || hasFlag(args[1:], "--force") {
			return "git clean -f is denied by the safe-command registry", api.Deny, true
		}
	case "status", "log", "diff", "show", "branch":
		return "git subcommand is allow-listed", api.Allow, true
	}
	return "", "", false
}

func evaluateFindArgs(args []string) (string, api.Decision, bool) {
	for _, a := range args {
		if a == "-delete" || a == "-exec" || a == "-execdir" || a == "-okdir" {
			return fmt.Sprintf("find %s is denied by the safe-command registry", a), api.Deny, true
		}
	}
	return "find invocation without a mutating action is allow-listed", api.Allow, true
}

var cargoAllowedSubcommands = map[string]bool{
	"build": true, "check": true, "test": true, "run": true,
	"clippy": true, "fmt": true, "doc": true, "tree": true, "metadata": true,
}

func evaluateCargoArgs(args []string) (string, api.Decision, bool) {
	if len(args) == 0 {
		return "", "", false
	}
	if cargoAllowedSubcommands[args[0]] {
		return "cargo subcommand is allow-listed", api.Allow, true
	}
	return "", "", false
}

// Evaluator implements api.SafetyEvaluator.
//
// It combines three layers of analysis, cheapest first: an argv-level
// denylist, AST decomposition of shell-class commands (via shellast) to
// catch pipes/subshells/substitution/redirects that smuggle a denied binary
// past the simple check, and a decision cache to avoid re-parsing and
// re-resolving identical commands within a session.
type Evaluator struct {
	cache    *lru.Cache[string, api.SafetyDecision]
	auditLog *AuditLog

	mu        sync.Mutex
	resolveFn func(string) (string, error) // swappable for tests
}

// NewEvaluator builds an Evaluator with an LRU decision cache of the given
// size and an audit log rooted at auditLogPath (JSONL, one line per
// evaluation). Pass an empty auditLogPath to disable audit logging.
func NewEvaluator(cacheSize int, auditLogPath string) (*Evaluator, error) {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	c, err := lru.New[string, api.SafetyDecision](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create safety cache: %w", err)
	}

	var audit *AuditLog
	if auditLogPath != "" {
		a, err := NewAuditLog(auditLogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open safety audit log: %w", err)
		}
		audit = a
	}

	return &Evaluator{
		cache:     c,
		auditLog:  audit,
		resolveFn: exec.LookPath,
	}, nil
}

func cacheKey(ctx api.EvalContext, argv []string) string {
	return ctx.Cwd + "\x00" + ctx.PolicyVersion + "\x00" + strings.Join(argv, "\x1f")
}

// Evaluate renders a decision for a proposed argv. argv[0] is the program;
// for shell-class handlers this is typically []string{"sh", "-c", command}.
func (e *Evaluator) Evaluate(ctx api.EvalContext, argv []string) api.SafetyDecision {
	if ctx.PolicyVersion == "" {
		ctx.PolicyVersion = PolicyVersion
	}

	key := cacheKey(ctx, argv)
	e.mu.Lock()
	if cached, ok := e.cache.Get(key); ok {
		e.mu.Unlock()
		cached.CacheHit = true
		e.audit(ctx, argv, cached)
		return cached
	}
	e.mu.Unlock()

	decision := e.evaluateUncached(ctx, argv)

	e.mu.Lock()
	e.cache.Add(key, decision)
	e.mu.Unlock()

	e.audit(ctx, argv, decision)
	return decision
}

func (e *Evaluator) evaluateUncached(ctx api.EvalContext, argv []string) api.SafetyDecision {
	if len(argv) == 0 {
		return api.SafetyDecision{Decision: api.Deny, PrimaryReason: "empty command"}
	}

	// sh -c "<command>" is decomposed via the shell AST; any other argv
	// (direct exec of a binary with literal args) is checked directly.
	if isShellInvocation(argv) && len(argv) >= 3 {
		return e.evaluateShellCommand(ctx, argv[2])
	}

	return e.evaluateArgv(ctx, argv)
}

func isShellInvocation(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	base := filepath.Base(argv[0])
	return base == "sh" || base == "bash" || base == "zsh"
}

// evaluateSimpleCommand runs steps 2-3 of the pipeline (dangerous-pattern
// detection, then the safe-command registry) against one fully-resolved
// argv. Shared by evaluateArgv (the top-level command) and
// evaluateShellCommand (every simple command the shell AST extracts), so
// the same decision applies whether a denied shape is invoked directly or
// smuggled inside a pipeline/subshell/chain.
func evaluateSimpleCommand(argv []string) (api.SafetyDecision, bool) {
	if len(argv) == 0 {
		return api.SafetyDecision{}, false
	}
	if reason, matched := matchDangerousPattern(argv); matched {
		return api.SafetyDecision{Decision: api.Deny, PrimaryReason: reason, ResolvedBinary: filepath.Base(argv[0])}, true
	}

	bin := filepath.Base(argv[0])
	if rule, ok := safeCommandRegistry[bin]; ok {
		if reason, decision, matched := rule(argv[1:]); matched {
			return api.SafetyDecision{Decision: decision, PrimaryReason: reason, ResolvedBinary: bin}, true
		}
	}
	return api.SafetyDecision{}, false
}

func (e *Evaluator) evaluateArgv(ctx api.EvalContext, argv []string) api.SafetyDecision {
	if d, matched := evaluateSimpleCommand(argv); matched && d.Decision != api.Allow {
		return d
	}

	resolved, err := e.resolveFn(argv[0])
	if err != nil {
		return api.SafetyDecision{
			Decision:      api.Deny,
			PrimaryReason: fmt.Sprintf("binary %q not found on PATH", argv[0]),
		}
	}

	var secondary []string
	for _, a := range argv[1:] {
		if hasSensitivePath(a) {
			secondary = append(secondary, "argument references a sensitive path: "+a)
		}
	}

	decision := api.Allow
	primary := "binary is not denylisted"
	if len(secondary) > 0 {
		decision = api.Prompt
		primary = "command touches a sensitive path"
	}

	return api.SafetyDecision{
		Decision:         decision,
		PrimaryReason:    primary,
		SecondaryReasons: secondary,
		ResolvedBinary:   resolved,
	}
}

func (e *Evaluator) evaluateShellCommand(ctx api.EvalContext, command string) api.SafetyDecision {
	if forkBombPattern.MatchString(command) {
		return api.SafetyDecision{Decision: api.Deny, PrimaryReason: "command matches a fork-bomb pattern"}
	}

	decomp := shellast.Decompose(command)

	if !decomp.Parsed {
		// Could not parse as POSIX shell; we can no longer reason about
		// what will execute, so ask rather than silently allow.
		return api.SafetyDecision{Decision: api.Prompt, PrimaryReason: "unparseable script"}
	}

	// Step 4: recursively evaluate every simple command the AST extracted
	// (including those inside pipes, chains, subshells, and substitutions)
	// through the same dangerous-pattern/safe-command-registry checks.
	// Decision is the strictest of all children: a single Deny denies the
	// whole script.
	for _, argv := range decomp.Commands {
		if d, matched := evaluateSimpleCommand(argv); matched && d.Decision == api.Deny {
			return d
		}
	}

	needsPrompt := false
	var secondary []string
	for _, f := range decomp.Findings {
		switch f.Kind {
		case "substitution", "subshell":
			needsPrompt = true
			secondary = append(secondary, fmt.Sprintf("%s construct: %s", f.Kind, f.Detail))
		case "redirect":
			needsPrompt = true
			secondary = append(secondary, "redirect: "+f.Detail)
		case "background":
			needsPrompt = true
			secondary = append(secondary, "backgrounded job")
		}
	}
	if hasSensitivePath(command) {
		needsPrompt = true
		secondary = append(secondary, "command text references a sensitive path")
	}

	if needsPrompt {
		return api.SafetyDecision{
			Decision:         api.Prompt,
			PrimaryReason:    "shell command contains constructs that need review",
			SecondaryReasons: secondary,
		}
	}

	return api.SafetyDecision{
		Decision:      api.Allow,
		PrimaryReason: "no denylisted binary or risky construct found",
	}
}

func hasSensitivePath(s string) bool {
	for _, prefix := range sensitivePathPrefixes {
		if strings.Contains(s, prefix) {
			return true
		}
	}
	return false
}

func (e *Evaluator) audit(ctx api.EvalContext, argv []string, decision api.SafetyDecision) {
	if e.auditLog == nil {
		return
	}
	if err := e.auditLog.Record(AuditRecord{
		Argv:     argv,
		Cwd:      ctx.Cwd,
		Decision: decision,
	}); err != nil {
		logger.Warn("Safety", "failed to write audit record", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
