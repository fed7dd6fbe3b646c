package stream

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

const (
	stoppedMarker = "(generation stopped)"
	blockSep      = "\n\n"
)

func appendText(s *types.SessionState, text string) {
	s.Text += text
}

// appendNotice adds a paragraph to the accumulated text.
func appendNotice(s *types.SessionState, notice string) {
	if s.Text == "" {
		s.Text = notice
		return
	}
	s.Text += blockSep + notice
}

// upsertTool records a tool invocation. A repeated id updates the existing
// entry in place and keeps its position.
func upsertTool(s *types.SessionState, tu *wire.ToolUse) {
	for i := range s.ToolInvocations {
		if s.ToolInvocations[i].ID == tu.ID {
			if tu.Name != "" {
				s.ToolInvocations[i].Name = tu.Name
			}
			if len(tu.Input) > 0 {
				s.ToolInvocations[i].Input = tu.Input
			}
			return
		}
	}
	s.ToolInvocations = append(s.ToolInvocations, types.ToolInvocation{
		ID:    tu.ID,
		Name:  tu.Name,
		Input: tu.Input,
	})
}

// setOutcome records a tool outcome, replacing any earlier outcome for the id.
func setOutcome(s *types.SessionState, tr *wire.ToolResult) {
	if s.ToolOutcomes == nil {
		s.ToolOutcomes = make(map[string]types.ToolOutcome)
	}
	s.ToolOutcomes[tr.ToolUseID] = types.ToolOutcome{Content: tr.Content, IsError: tr.IsError}
}

func applyStatus(s *types.SessionState, st *wire.Status) {
	switch {
	case st.IsInit():
		s.AgentSessionID = st.SessionID
		if st.Model != "" {
			s.Model = st.Model
			s.StatusText = fmt.Sprintf("Connected (%s)", st.Model)
		} else {
			s.StatusText = "Connected"
		}
	case st.Notification:
		switch {
		case st.Title != "" && st.Message != "":
			s.StatusText = st.Title + ": " + st.Message
		case st.Title != "":
			s.StatusText = st.Title
		default:
			s.StatusText = st.Message
		}
	default:
		s.StatusText = st.Text
	}
}

func applyResult(s *types.SessionState, res *wire.Result) {
	if res.Usage != nil {
		u := *res.Usage
		if u.CostUSD == 0 {
			u.CostUSD = res.TotalCostUSD
		}
		s.Usage = &u
	} else if res.TotalCostUSD > 0 {
		s.Usage = &types.TokenUsage{CostUSD: res.TotalCostUSD}
	}
	if res.SessionID != "" && s.AgentSessionID == "" {
		s.AgentSessionID = res.SessionID
	}
}

// completedContent materializes the message of a turn that ran to completion.
// Without tool calls it is the trimmed text. With tool calls it is a JSON
// array of content blocks: the text, then each invocation followed by its
// outcome when one was reported.
func completedContent(s *types.SessionState) string {
	text := strings.TrimSpace(s.Text)
	if len(s.ToolInvocations) == 0 {
		return text
	}

	blocks := make([]types.ContentBlock, 0, 1+2*len(s.ToolInvocations))
	if text != "" {
		blocks = append(blocks, types.ContentBlock{Type: types.BlockText, Text: text})
	}
	for _, inv := range s.ToolInvocations {
		input := inv.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		blocks = append(blocks, types.ContentBlock{
			Type:  types.BlockToolUse,
			ID:    inv.ID,
			Name:  inv.Name,
			Input: input,
		})
		if out, ok := s.ToolOutcomes[inv.ID]; ok {
			blocks = append(blocks, types.ContentBlock{
				Type:      types.BlockToolResult,
				ToolUseID: inv.ID,
				Content:   out.Content,
				IsError:   out.IsError,
			})
		}
	}
	b, err := json.Marshal(blocks)
	if err != nil {
		return text
	}
	return string(b)
}

// stoppedContent is the message of a turn the user stopped.
func stoppedContent(s *types.SessionState) string {
	if s.Text == "" {
		return ""
	}
	return s.Text + blockSep + stoppedMarker
}

// errorContent appends an error description to whatever text was received.
func errorContent(s *types.SessionState, msg string) string {
	if s.Text == "" {
		return "Error: " + msg
	}
	return s.Text + blockSep + "Error: " + msg
}

func toolStallNotice(tool string, elapsed float64) string {
	return fmt.Sprintf("(tool %s timed out after %ds; retrying with a different approach)", tool, wholeSeconds(elapsed))
}

func toolStallContent(s *types.SessionState, tool string, elapsed float64) string {
	notice := toolStallNotice(tool, elapsed)
	if s.Text == "" {
		return notice
	}
	return s.Text + blockSep + notice
}

// RetryPrompt is the follow-up message sent after a tool stalled.
func RetryPrompt(tool string, elapsed float64) string {
	return fmt.Sprintf(
		"The %s tool call timed out after %d seconds without finishing and was cancelled. "+
			"Do not repeat the same call. Try a different approach to continue the task, "+
			"for example by splitting the work into smaller steps or using another tool.",
		tool, wholeSeconds(elapsed))
}

func wholeSeconds(v float64) int {
	return int(math.Round(v))
}
