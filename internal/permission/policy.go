package permission

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Rule is a parsed permission rule such as "Bash(git *)", "Edit(src/**)" or "WebFetch".
type Rule struct {
	Raw     string
	Tool    string
	Pattern string
}

// ParseRule parses "Tool" or "Tool(pattern)".
func ParseRule(s string) (Rule, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Rule{}, fmt.Errorf("empty permission rule")
	}
	open := strings.IndexByte(raw, '(')
	if open < 0 {
		return Rule{Raw: raw, Tool: raw}, nil
	}
	if !strings.HasSuffix(raw, ")") || open == 0 {
		return Rule{}, fmt.Errorf("malformed permission rule %q", s)
	}
	r := Rule{
		Raw:     raw,
		Tool:    strings.TrimSpace(raw[:open]),
		Pattern: strings.TrimSpace(raw[open+1 : len(raw)-1]),
	}
	if r.Tool != "Bash" && r.Pattern != "" && !doublestar.ValidatePattern(r.Pattern) {
		return Rule{}, fmt.Errorf("invalid glob in permission rule %q", s)
	}
	return r, nil
}

// pathKeys are the tool input fields that name the file a tool touches.
var pathKeys = []string{"file_path", "path", "notebook_path"}

// match reports whether the rule covers the call. For Bash rules, all requires
// every parsed command to match; otherwise one match is enough.
func (r Rule) match(toolName string, input json.RawMessage, workDir string, all bool) bool {
	if r.Tool != "*" && r.Tool != toolName {
		return false
	}
	if r.Pattern == "" || r.Pattern == "*" {
		return true
	}

	var fields map[string]any
	if len(input) == 0 || json.Unmarshal(input, &fields) != nil {
		return false
	}

	if r.Tool == "Bash" {
		command, _ := fields["command"].(string)
		cmds, err := ParseBashCommand(command)
		if err != nil || len(cmds) == 0 {
			return false
		}
		for _, cmd := range cmds {
			ok := MatchCommand(r.Pattern, cmd)
			if all && !ok {
				return false
			}
			if !all && ok {
				return true
			}
		}
		return all
	}

	for _, key := range pathKeys {
		p, _ := fields[key].(string)
		if p == "" {
			continue
		}
		if matchPath(r.Pattern, p, workDir) {
			return true
		}
	}
	return false
}

func matchPath(pattern, path, workDir string) bool {
	candidates := []string{filepath.ToSlash(path)}
	if workDir != "" && filepath.IsAbs(path) && !filepath.IsAbs(pattern) && IsWithinDir(path, workDir) {
		if rel, err := filepath.Rel(workDir, path); err == nil {
			candidates = append(candidates, filepath.ToSlash(rel))
		}
	}
	for _, c := range candidates {
		if ok, _ := doublestar.Match(pattern, c); ok {
			return true
		}
	}
	return false
}

// Policy decides requests from configured rules before a human is asked.
type Policy struct {
	allow   []Rule
	deny    []Rule
	workDir string
}

// NewPolicy parses allow and deny rule lists. Relative path patterns are
// matched against paths relative to workDir.
func NewPolicy(allow, deny []string, workDir string) (*Policy, error) {
	p := &Policy{workDir: workDir}
	for _, s := range allow {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		p.allow = append(p.allow, r)
	}
	for _, s := range deny {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		p.deny = append(p.deny, r)
	}
	return p, nil
}

// Empty reports whether the policy has no rules.
func (p *Policy) Empty() bool {
	return p == nil || len(p.allow) == 0 && len(p.deny) == 0
}

// Evaluate returns the decision for a tool call and the rule that produced it.
// ok is false when no rule applies and a human must decide. Deny rules win.
func (p *Policy) Evaluate(toolName string, input json.RawMessage) (d types.Decision, rule string, ok bool) {
	if p.Empty() {
		return types.Decision{}, "", false
	}
	for _, r := range p.deny {
		if r.match(toolName, input, p.workDir, false) {
			return types.Deny("denied by rule " + r.Raw), r.Raw, true
		}
	}
	for _, r := range p.allow {
		if r.match(toolName, input, p.workDir, true) {
			return types.Decision{Behavior: types.BehaviorAllow, UpdatedInput: input}, r.Raw, true
		}
	}
	return types.Decision{}, "", false
}
