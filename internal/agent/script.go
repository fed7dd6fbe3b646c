package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Script is an agent that plays canned scenarios.
//
// A scenario file looks like:
//
//	scenarios:
//	  - name: list
//	    match: "(?i)list files"
//	    steps:
//	      - text: "Listing files. "
//	      - tool_use: {id: t1, name: Bash, input: {command: ls}}
//	      - permission: {tool: Bash, input: {command: ls}}
//	      - progress: {tool: Bash, id: t1, elapsed: 3}
//	      - tool_result: {id: t1, content: "main.go"}
//	      - sleep: 50ms
//	      - text: "Done."
//	      - result: {input_tokens: 12, output_tokens: 3}
//
// The first scenario whose match expression finds the prompt is played. A
// scenario without match is the fallback. "{prompt}" in text steps is
// replaced by the prompt.
type Script struct {
	scenarios []*Scenario
}

// ScriptFile is the YAML document.
type ScriptFile struct {
	Scenarios []*Scenario `yaml:"scenarios"`
}

// Scenario is one scripted conversation turn.
type Scenario struct {
	Name  string `yaml:"name"`
	Match string `yaml:"match"`
	Steps []Step `yaml:"steps"`

	re *regexp.Regexp
}

// Step is one scripted action. Exactly one field is expected to be set.
type Step struct {
	Text       string          `yaml:"text,omitempty"`
	Status     string          `yaml:"status,omitempty"`
	Output     string          `yaml:"output,omitempty"`
	Mode       string          `yaml:"mode,omitempty"`
	Error      string          `yaml:"error,omitempty"`
	Sleep      string          `yaml:"sleep,omitempty"`
	ToolUse    *ToolStep       `yaml:"tool_use,omitempty"`
	ToolResult *ToolResultStep `yaml:"tool_result,omitempty"`
	Progress   *ProgressStep   `yaml:"progress,omitempty"`
	Timeout    *ProgressStep   `yaml:"tool_timeout,omitempty"`
	Permission *PermissionStep `yaml:"permission,omitempty"`
	Result     *UsageStep      `yaml:"result,omitempty"`
}

type ToolStep struct {
	ID    string         `yaml:"id"`
	Name  string         `yaml:"name"`
	Input map[string]any `yaml:"input"`
}

type ToolResultStep struct {
	ID      string `yaml:"id"`
	Content string `yaml:"content"`
	IsError bool   `yaml:"is_error"`
}

type ProgressStep struct {
	Tool    string  `yaml:"tool"`
	ID      string  `yaml:"id"`
	Elapsed float64 `yaml:"elapsed"`
}

// PermissionStep asks for a decision. A denied request ends the turn after
// reporting the denial; an allowed one continues with the next step.
type PermissionStep struct {
	Tool   string         `yaml:"tool"`
	ID     string         `yaml:"id"`
	Input  map[string]any `yaml:"input"`
	Reason string         `yaml:"reason"`
}

type UsageStep struct {
	InputTokens  int     `yaml:"input_tokens"`
	OutputTokens int     `yaml:"output_tokens"`
	CostUSD      float64 `yaml:"cost_usd"`
}

// NewScript loads the scenarios named by cfg.ScriptPath. Without a path the
// agent echoes the prompt.
func NewScript(cfg types.AgentConfig, _ Env) (Agent, error) {
	if cfg.ScriptPath == "" {
		return &Script{}, nil
	}
	data, err := os.ReadFile(cfg.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript parses a scenario document.
func ParseScript(data []byte) (*Script, error) {
	var file ScriptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i, sc := range file.Scenarios {
		if sc.Match != "" {
			re, err := regexp.Compile(sc.Match)
			if err != nil {
				return nil, fmt.Errorf("scenario %d (%s): %w", i, sc.Name, err)
			}
			sc.re = re
		}
		for j, st := range sc.Steps {
			if st.Sleep == "" {
				continue
			}
			if _, err := time.ParseDuration(st.Sleep); err != nil {
				return nil, fmt.Errorf("scenario %d (%s) step %d: %w", i, sc.Name, j, err)
			}
		}
	}
	return &Script{scenarios: file.Scenarios}, nil
}

func (s *Script) Name() string { return "script" }

// Scenario returns the scenario played for prompt, or nil.
func (s *Script) Scenario(prompt string) *Scenario {
	var fallback *Scenario
	for _, sc := range s.scenarios {
		if sc.re == nil {
			if fallback == nil {
				fallback = sc
			}
			continue
		}
		if sc.re.MatchString(prompt) {
			return sc
		}
	}
	return fallback
}

// Run plays the scenario selected by the prompt.
func (s *Script) Run(ctx context.Context, req types.TurnRequest, turn Turn) error {
	sc := s.Scenario(req.Content)
	if sc == nil {
		return turn.Emit(wire.Text("You said: " + req.Content))
	}

	logging.Debug().Str("scenario", sc.Name).Str("sessionID", req.SessionID).Msg("Playing scenario")
	for _, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := s.play(ctx, st, req, turn)
		if err != nil || done {
			return err
		}
	}
	return nil
}

// play runs one step. done reports that the turn is over.
func (s *Script) play(ctx context.Context, st Step, req types.TurnRequest, turn Turn) (done bool, err error) {
	switch {
	case st.Text != "":
		return false, turn.Emit(wire.Text(strings.ReplaceAll(st.Text, "{prompt}", req.Content)))

	case st.Status != "":
		return false, turn.Emit(wire.StatusText(st.Status))

	case st.Output != "":
		return false, turn.Emit(wire.ToolOutputText(st.Output))

	case st.Mode != "":
		return false, turn.Emit(wire.Event{Type: wire.TypeModeChanged, Text: st.Mode})

	case st.Error != "":
		return true, turn.Emit(wire.Error(st.Error))

	case st.Sleep != "":
		d, _ := time.ParseDuration(st.Sleep)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-t.C:
			return false, nil
		}

	case st.ToolUse != nil:
		input, err := toJSON(st.ToolUse.Input)
		if err != nil {
			return true, err
		}
		return false, turn.Emit(wire.Event{Type: wire.TypeToolUse, ToolUse: &wire.ToolUse{
			ID:    st.ToolUse.ID,
			Name:  st.ToolUse.Name,
			Input: input,
		}})

	case st.ToolResult != nil:
		return false, turn.Emit(wire.Event{Type: wire.TypeToolResult, ToolResult: &wire.ToolResult{
			ToolUseID: st.ToolResult.ID,
			Content:   st.ToolResult.Content,
			IsError:   st.ToolResult.IsError,
		}})

	case st.Progress != nil:
		return false, turn.Emit(wire.Event{Type: wire.TypeToolOutput, Progress: &wire.ToolProgress{
			Progress:       true,
			ToolName:       st.Progress.Tool,
			ToolUseID:      st.Progress.ID,
			ElapsedSeconds: st.Progress.Elapsed,
		}})

	case st.Timeout != nil:
		return true, turn.Emit(wire.Event{Type: wire.TypeToolTimeout, ToolTimeout: &wire.ToolTimeout{
			ToolName:       st.Timeout.Tool,
			ElapsedSeconds: st.Timeout.Elapsed,
		}})

	case st.Permission != nil:
		input, err := toJSON(st.Permission.Input)
		if err != nil {
			return true, err
		}
		d := turn.RequestPermission(ctx, st.Permission.Tool, input, st.Permission.Reason)
		if d.Allowed() {
			return false, nil
		}
		msg := d.Message
		if msg == "" {
			msg = "denied"
		}
		if st.Permission.ID != "" {
			err := turn.Emit(wire.Event{Type: wire.TypeToolResult, ToolResult: &wire.ToolResult{
				ToolUseID: st.Permission.ID,
				Content:   "Permission denied: " + msg,
				IsError:   true,
			}})
			if err != nil {
				return true, err
			}
		}
		return true, turn.Emit(wire.Text(fmt.Sprintf("Permission to use %s was denied (%s).", st.Permission.Tool, msg)))

	case st.Result != nil:
		return false, turn.Emit(wire.Event{Type: wire.TypeResult, Result: &wire.Result{
			Subtype:      "success",
			TotalCostUSD: st.Result.CostUSD,
			Usage: &types.TokenUsage{
				InputTokens:  st.Result.InputTokens,
				OutputTokens: st.Result.OutputTokens,
				CostUSD:      st.Result.CostUSD,
			},
		}})
	}
	return false, nil
}

func toJSON(v map[string]any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool input: %w", err)
	}
	return b, nil
}
