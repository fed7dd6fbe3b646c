package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Renderer shows conversation progress on a terminal.
type Renderer struct {
	out     io.Writer
	errOut  io.Writer
	quiet   bool
	verbose bool

	printed  int
	tools    map[string]bool
	outcomes map[string]bool
	status   string
}

// NewRenderer creates a renderer. noColor disables ANSI colors globally.
func NewRenderer(out, errOut io.Writer, noColor, quiet, verbose bool) *Renderer {
	if noColor {
		color.NoColor = true
	}
	return &Renderer{
		out:      out,
		errOut:   errOut,
		quiet:    quiet,
		verbose:  verbose,
		tools:    make(map[string]bool),
		outcomes: make(map[string]bool),
	}
}

func (r *Renderer) Banner(url, sessionID string) {
	if r.quiet {
		return
	}
	fmt.Fprintln(r.errOut, color.New(color.FgHiBlack).Sprintf("Connected to %s (session %s)", url, sessionID))
}

func (r *Renderer) Help(text string) {
	fmt.Fprintln(r.out, text)
}

func (r *Renderer) Prompt(prompt string) {
	fmt.Fprint(r.out, prompt)
}

func (r *Renderer) Notice(format string, args ...any) {
	fmt.Fprintln(r.errOut, color.New(color.FgHiBlack).Sprintf(format, args...))
}

func (r *Renderer) Error(format string, args ...any) {
	fmt.Fprintln(r.errOut, color.New(color.FgRed).Sprintf(format, args...))
}

// StartTurn resets the per-turn bookkeeping.
func (r *Renderer) StartTurn() {
	r.printed = 0
	clear(r.tools)
	clear(r.outcomes)
	r.status = ""
	fmt.Fprint(r.out, color.New(color.FgGreen, color.Bold).Sprint("assistant › "))
}

// Update renders what changed in s since the last call.
func (r *Renderer) Update(s types.SessionState) {
	if len(s.Text) > r.printed {
		fmt.Fprint(r.out, s.Text[r.printed:])
		r.printed = len(s.Text)
	}

	for _, inv := range s.ToolInvocations {
		if r.tools[inv.ID] {
			continue
		}
		r.tools[inv.ID] = true
		fmt.Fprintf(r.out, "\n%s\n", color.New(color.FgYellow).Sprintf("→ tool %s %s", inv.Name, compact(inv.Input)))
	}
	for _, inv := range s.ToolInvocations {
		out, ok := s.ToolOutcomes[inv.ID]
		if !ok || r.outcomes[inv.ID] {
			continue
		}
		r.outcomes[inv.ID] = true
		switch {
		case out.IsError:
			fmt.Fprintln(r.out, color.New(color.FgRed).Sprintf("  error: %s", out.Content))
		case r.verbose && out.Content != "":
			fmt.Fprintln(r.out, color.New(color.FgHiBlack).Sprint(out.Content))
		}
	}

	if r.verbose && s.StatusText != "" && s.StatusText != r.status {
		fmt.Fprintln(r.errOut, color.New(color.FgHiBlack).Sprintf("[%s]", s.StatusText))
	}
	r.status = s.StatusText
}

// AskPermission prints the permission prompt.
func (r *Renderer) AskPermission(req types.PermissionRequest) {
	fmt.Fprintf(r.out, "\n%s %s\n", color.New(color.FgMagenta, color.Bold).Sprintf("? Allow %s", req.ToolName), compact(req.ToolInput))
	if req.DecisionReason != "" {
		fmt.Fprintln(r.out, color.New(color.FgHiBlack).Sprintf("  %s", req.DecisionReason))
	}
	fmt.Fprint(r.out, "  [y/N] ")
}

// Finish prints the end of a turn.
func (r *Renderer) Finish(s types.SessionState) {
	fmt.Fprintln(r.out)
	switch s.Phase {
	case types.PhaseStopped:
		if s.ToolTimeout != nil {
			r.Notice("(tool %s timed out after %.0fs, retrying)", s.ToolTimeout.ToolName, s.ToolTimeout.ElapsedSeconds)
			return
		}
		r.Notice("(stopped)")
	case types.PhaseError:
		r.Error("error: %s", s.Error)
	default:
		if r.verbose && s.Usage != nil {
			r.Notice("(input: %d tokens, output: %d tokens)", s.Usage.InputTokens, s.Usage.OutputTokens)
		}
	}
}

// Snapshot prints s as indented JSON.
func (r *Renderer) Snapshot(s types.SessionState) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(r.out, string(b))
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	s := string(raw)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
