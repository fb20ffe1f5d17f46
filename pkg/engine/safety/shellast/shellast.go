// Package shellast decomposes a proposed shell command into an AST using
// mvdan.cc/sh so the safety evaluator can reason about what will actually
// run instead of pattern-matching on raw text. It complements, rather than
// replaces, argv-level denylist checks: a command can parse to a perfectly
// well-formed AST and still invoke a denied binary.
package shellast

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Finding is one structural risk surfaced while walking the AST.
type Finding struct {
	Kind   string // pipe | redirect | subshell | substitution | background | chain
	Detail string
}

// Decomposition is the result of parsing one "sh -c <command>" string.
type Decomposition struct {
	Parsed   bool
	Binaries []string   // every simple-command name encountered, in order, deduped
	Commands [][]string // full argv (program + args) per simple-command node, in order
	Findings []Finding
}

// Decompose parses cmd as POSIX shell and walks the resulting AST, recording
// every binary invoked and every structural construct (pipes, redirects,
// subshells, command substitution, background jobs, chains) it contains.
// On a parse failure Parsed is false and nothing else is recorded; the
// safety evaluator answers Prompt for such a command rather than allowing it.
func Decompose(cmd string) Decomposition {
	var d Decomposition

	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	file, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return d
	}
	d.Parsed = true

	seen := make(map[string]bool)
	addBinary := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		d.Binaries = append(d.Binaries, name)
	}

	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if len(n.Args) > 0 {
				argv := make([]string, len(n.Args))
				for i, w := range n.Args {
					argv[i] = literalWord(w)
				}
				addBinary(argv[0])
				d.Commands = append(d.Commands, argv)
			}
		case *syntax.BinaryCmd:
			switch n.Op {
			case syntax.Pipe, syntax.PipeAll:
				d.Findings = append(d.Findings, Finding{Kind: "pipe", Detail: n.Op.String()})
			case syntax.AndStmt, syntax.OrStmt:
				d.Findings = append(d.Findings, Finding{Kind: "chain", Detail: n.Op.String()})
			}
		case *syntax.Subshell:
			d.Findings = append(d.Findings, Finding{Kind: "subshell", Detail: "(...)"})
		case *syntax.CmdSubst:
			d.Findings = append(d.Findings, Finding{Kind: "substitution", Detail: "$(...)"})
		case *syntax.Redirect:
			d.Findings = append(d.Findings, Finding{Kind: "redirect", Detail: n.Op.String()})
		case *syntax.Stmt:
			if n.Background {
				d.Findings = append(d.Findings, Finding{Kind: "background", Detail: "&"})
			}
		}
		return true
	})

	return d
}

// literalWord returns the word's text if it is made up of plain literal
// parts and bare $NAME references (kept as written, so argv-shape checks
// such as rm -rf $HOME still match), and "" otherwise (e.g. it contains
// any other expansion).
func literalWord(w *syntax.Word) string {
	if w == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.ParamExp:
			if !p.Short || p.Param == nil {
				return ""
			}
			b.WriteString("$" + p.Param.Value)
		default:
			return ""
		}
	}
	return b.String()
}
