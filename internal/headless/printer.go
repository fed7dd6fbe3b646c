package headless

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Printer renders stream events in the configured format and collects the
// data for the final result.
type Printer struct {
	mu        sync.Mutex
	writer    io.Writer
	format    OutputFormat
	quiet     bool
	verbose   bool
	startTime time.Time
	result    *Result

	turnID   string
	printed  int
	tools    map[string]bool
	outcomes map[string]bool
	status   string
}

// NewPrinter creates a new event printer.
func NewPrinter(writer io.Writer, format OutputFormat, quiet, verbose bool) *Printer {
	return &Printer{
		writer:    writer,
		format:    format,
		quiet:     quiet,
		verbose:   verbose,
		startTime: time.Now(),
		result: &Result{
			Status:   "running",
			ExitCode: ExitSuccess,
		},
		tools:    make(map[string]bool),
		outcomes: make(map[string]bool),
	}
}

// SetSessionID sets the session ID for the printer.
func (p *Printer) SetSessionID(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.SessionID = sessionID
}

// GetResult returns the current result.
func (p *Printer) GetResult() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
	return p.result
}

// SetResult records the outcome of the run.
func (p *Printer) SetResult(status string, exitCode ExitCode, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.Status = status
	p.result.ExitCode = exitCode
	if err != nil {
		p.result.Error = err.Error()
	}
	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
}

// PrintFinalResult prints the final JSON result (for json format).
func (p *Printer) PrintFinalResult() {
	if p.format != OutputJSON {
		return
	}

	result := p.GetResult()
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

// Handle processes one stream event.
func (p *Printer) Handle(ev types.StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.track(ev.Snapshot)

	switch p.format {
	case OutputText:
		p.handleText(ev)
	case OutputJSONL:
		p.handleJSONL(ev)
	}
	p.advance(ev.Snapshot)
}

// Permission reports how a permission request was answered.
func (p *Printer) Permission(req types.PermissionRequest, d types.Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := PermissionRecord{ID: req.ID, Tool: req.ToolName, Behavior: d.Behavior}
	p.result.Permissions = append(p.result.Permissions, rec)

	switch p.format {
	case OutputText:
		if p.quiet {
			return
		}
		verdict := "allowed"
		if !d.Allowed() {
			verdict = "denied"
			if d.Message != "" {
				verdict += " (" + d.Message + ")"
			}
		}
		fmt.Fprintf(p.writer, "[permission] %s %s\n", req.ToolName, verdict)
	case OutputJSONL:
		p.writeJSONL(NewEvent("permission", rec))
	}
}

// Retry reports that a stalled turn is being retried.
func (p *Printer) Retry(tool string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.Retried = true
	switch p.format {
	case OutputText:
		if !p.quiet {
			fmt.Fprintf(p.writer, "\n[retry] %s stalled, retrying\n", tool)
		}
	case OutputJSONL:
		p.writeJSONL(NewEvent("retry", map[string]string{"tool": tool}))
	}
}

// track copies result data out of a snapshot.
func (p *Printer) track(s types.SessionState) {
	if s.TurnID != "" {
		p.result.TurnID = s.TurnID
	}
	if s.Model != "" {
		p.result.Model = s.Model
	}
	if s.Usage != nil {
		u := *s.Usage
		p.result.Tokens = &u
	}
	if s.Phase.Terminal() {
		p.result.FinalMessage = s.FinalContent
		p.result.ToolCalls = toolCalls(s)
	}
}

// advance remembers what has been rendered from s.
func (p *Printer) advance(s types.SessionState) {
	p.printed = len(s.Text)
	for _, inv := range s.ToolInvocations {
		p.tools[inv.ID] = true
	}
	for id := range s.ToolOutcomes {
		p.outcomes[id] = true
	}
	p.status = s.StatusText
}

func (p *Printer) handleText(ev types.StreamEvent) {
	s := ev.Snapshot
	if s.TurnID != p.turnID {
		p.turnID = s.TurnID
		p.printed = 0
		clear(p.tools)
		clear(p.outcomes)
		if p.verbose && !p.quiet {
			fmt.Fprintf(p.writer, "[session:%s] Starting turn %s\n", truncateID(s.SessionID), truncateID(s.TurnID))
		}
	}

	if len(s.Text) > p.printed {
		fmt.Fprint(p.writer, s.Text[p.printed:])
	}
	if p.quiet {
		return
	}

	for _, inv := range s.ToolInvocations {
		if p.tools[inv.ID] {
			continue
		}
		if info := formatToolInfo(inv); info != "" {
			fmt.Fprintf(p.writer, "\n[tool:%s] %s\n", inv.Name, info)
		} else {
			fmt.Fprintf(p.writer, "\n[tool:%s]\n", inv.Name)
		}
	}
	for _, inv := range s.ToolInvocations {
		out, ok := s.ToolOutcomes[inv.ID]
		if !ok || p.outcomes[inv.ID] {
			continue
		}
		if out.IsError {
			fmt.Fprintf(p.writer, "[tool:%s] Error: %s\n", inv.Name, truncateOutput(out.Content, 200))
		} else if p.verbose {
			fmt.Fprintf(p.writer, "[tool:%s] Done\n", inv.Name)
		}
	}
	if p.verbose && s.StatusText != "" && s.StatusText != p.status {
		fmt.Fprintf(p.writer, "[status] %s\n", s.StatusText)
	}

	if ev.Type == types.EventPermissionRequest && s.PendingPermission != nil {
		fmt.Fprintf(p.writer, "\n[permission] %s requested\n", s.PendingPermission.ToolName)
	}

	if ev.Type != types.EventCompleted {
		return
	}
	switch s.Phase {
	case types.PhaseCompleted:
		fmt.Fprintf(p.writer, "\n[done] Turn completed in %s", formatDuration(time.Since(p.startTime)))
		if s.Usage != nil {
			fmt.Fprintf(p.writer, " (input: %d tokens, output: %d tokens)", s.Usage.InputTokens, s.Usage.OutputTokens)
		}
		fmt.Fprintln(p.writer)
	case types.PhaseStopped:
		if s.ToolTimeout == nil {
			fmt.Fprintln(p.writer, "\n[stopped]")
		}
	case types.PhaseError:
		fmt.Fprintf(p.writer, "\n[error] %s\n", s.Error)
	}
}

func (p *Printer) handleJSONL(ev types.StreamEvent) {
	if !p.verbose && ev.Type == types.EventSnapshotUpdated {
		return
	}
	p.writeJSONL(NewEvent(string(ev.Type), ev.Snapshot))
}

func (p *Printer) writeJSONL(evt *Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

func toolCalls(s types.SessionState) []ToolCall {
	if len(s.ToolInvocations) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(s.ToolInvocations))
	for _, inv := range s.ToolInvocations {
		call := ToolCall{ID: inv.ID, Tool: inv.Name}
		if len(inv.Input) > 0 {
			var input any
			if json.Unmarshal(inv.Input, &input) == nil {
				call.Input = input
			}
		}
		if out, ok := s.ToolOutcomes[inv.ID]; ok {
			if out.IsError {
				call.Error = truncateOutput(out.Content, 500)
			} else {
				call.Output = truncateOutput(out.Content, 500)
			}
		}
		calls = append(calls, call)
	}
	return calls
}

// Helper functions

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatToolInfo(inv types.ToolInvocation) string {
	if len(inv.Input) == 0 {
		return ""
	}
	var input map[string]any
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return ""
	}

	switch strings.ToLower(inv.Name) {
	case "read":
		if path, ok := input["file_path"].(string); ok {
			return fmt.Sprintf("Reading %s", path)
		}
	case "write":
		if path, ok := input["file_path"].(string); ok {
			return fmt.Sprintf("Writing %s", path)
		}
	case "edit", "multiedit":
		if path, ok := input["file_path"].(string); ok {
			return fmt.Sprintf("Editing %s", path)
		}
	case "bash":
		if cmd, ok := input["command"].(string); ok {
			cmd = strings.Split(cmd, "\n")[0]
			if len(cmd) > 60 {
				cmd = cmd[:60] + "..."
			}
			return fmt.Sprintf("$ %s", cmd)
		}
	case "glob":
		if pattern, ok := input["pattern"].(string); ok {
			return fmt.Sprintf("Searching: %s", pattern)
		}
	case "grep":
		if pattern, ok := input["pattern"].(string); ok {
			return fmt.Sprintf("Grepping: %s", pattern)
		}
	case "webfetch":
		if url, ok := input["url"].(string); ok {
			return fmt.Sprintf("Fetching: %s", url)
		}
	}

	return ""
}
