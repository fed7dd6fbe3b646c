package permission

import (
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// BashCommand is one simple command found in a shell snippet.
type BashCommand struct {
	Name       string   // e.g. "git"
	Args       []string // arguments after the name
	Subcommand string   // first non-flag argument, e.g. "commit"
}

// ParseBashCommand returns every simple command in command, including those
// inside pipelines, chains and command substitutions.
func ParseBashCommand(command string) ([]BashCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	var commands []BashCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd, ok := callToCommand(call); ok {
				commands = append(commands, cmd)
			}
		}
		return true
	})
	return commands, nil
}

func callToCommand(call *syntax.CallExpr) (BashCommand, bool) {
	if len(call.Args) == 0 {
		return BashCommand{}, false
	}
	cmd := BashCommand{Name: literal(call.Args[0])}
	if cmd.Name == "" {
		return BashCommand{}, false
	}
	for _, w := range call.Args[1:] {
		arg := literal(w)
		cmd.Args = append(cmd.Args, arg)
		if cmd.Subcommand == "" && !strings.HasPrefix(arg, "-") {
			cmd.Subcommand = arg
		}
	}
	return cmd, true
}

// literal flattens a word to the text a rule can match against. Expansions
// are kept as placeholders so they never match a concrete literal.
func literal(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// MatchCommand reports whether cmd matches a space-separated pattern such as
// "git commit *", "git *", "ls" or "*". A trailing "*" matches any remaining
// arguments; a pattern without it must match the arguments exactly.
func MatchCommand(pattern string, cmd BashCommand) bool {
	parts := strings.Fields(pattern)
	if len(parts) == 0 {
		return false
	}
	if len(parts) == 1 && parts[0] == "*" {
		return true
	}
	if parts[0] != "*" && parts[0] != cmd.Name {
		return false
	}

	if parts[len(parts)-1] == "*" {
		for i := 1; i < len(parts)-1; i++ {
			if i-1 >= len(cmd.Args) {
				return false
			}
			if parts[i] != "*" && parts[i] != cmd.Args[i-1] {
				return false
			}
		}
		return true
	}

	if len(parts)-1 != len(cmd.Args) {
		return false
	}
	for i := 1; i < len(parts); i++ {
		if parts[i] != "*" && parts[i] != cmd.Args[i-1] {
			return false
		}
	}
	return true
}

// IsWithinDir reports whether path is dir or lies beneath it.
func IsWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
