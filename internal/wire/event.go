package wire

import (
	"encoding/json"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Type is the event type tag.
type Type string

const (
	TypeText              Type = "text"
	TypeToolUse           Type = "tool_use"
	TypeToolResult        Type = "tool_result"
	TypeToolOutput        Type = "tool_output"
	TypeStatus            Type = "status"
	TypePermissionRequest Type = "permission_request"
	TypeToolTimeout       Type = "tool_timeout"
	TypeModeChanged       Type = "mode_changed"
	TypeResult            Type = "result"
	TypeError             Type = "error"
	TypeDone              Type = "done"
)

// Prefix starts every event line.
const Prefix = "data: "

// envelope is the JSON object carried on each line.
type envelope struct {
	Type Type   `json:"type"`
	Data string `json:"data"`
}

// ToolUse is the tool_use payload.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the tool_result payload.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolProgress is the structured tool_output heartbeat.
type ToolProgress struct {
	Progress       bool    `json:"_progress"`
	ToolName       string  `json:"tool_name"`
	ToolUseID      string  `json:"tool_use_id,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_time_seconds"`
}

// Status is the status payload. Plain-string statuses land in Text.
type Status struct {
	Text         string `json:"-"`
	SessionID    string `json:"session_id,omitempty"`
	Model        string `json:"model,omitempty"`
	Notification bool   `json:"notification,omitempty"`
	Title        string `json:"title,omitempty"`
	Message      string `json:"message,omitempty"`
}

// IsInit reports whether the status announces the agent session.
func (s *Status) IsInit() bool {
	return s.SessionID != ""
}

// PermissionRequest is the permission_request payload.
type PermissionRequest struct {
	ID             string          `json:"permissionRequestId"`
	ToolName       string          `json:"toolName"`
	ToolInput      json.RawMessage `json:"toolInput,omitempty"`
	Suggestions    json.RawMessage `json:"suggestions,omitempty"`
	DecisionReason string          `json:"decisionReason,omitempty"`
}

// ToolTimeout is the tool_timeout payload.
type ToolTimeout struct {
	ToolName       string  `json:"tool_name"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Result is the end-of-turn result payload.
type Result struct {
	Subtype      string            `json:"subtype,omitempty"`
	IsError      bool              `json:"is_error,omitempty"`
	NumTurns     int               `json:"num_turns,omitempty"`
	DurationMS   int64             `json:"duration_ms,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	TotalCostUSD float64           `json:"total_cost_usd,omitempty"`
	Usage        *types.TokenUsage `json:"usage,omitempty"`
}

// Event is one protocol event. Only the payload field matching Type is set;
// text, error and mode_changed use Text, as does a raw tool_output.
type Event struct {
	Type Type

	Text        string
	ToolUse     *ToolUse
	ToolResult  *ToolResult
	Progress    *ToolProgress
	Status      *Status
	Permission  *PermissionRequest
	ToolTimeout *ToolTimeout
	Result      *Result
}

// Text builds a text event.
func Text(s string) Event { return Event{Type: TypeText, Text: s} }

// Error builds an error event.
func Error(msg string) Event { return Event{Type: TypeError, Text: msg} }

// Done builds the stream terminator.
func Done() Event { return Event{Type: TypeDone} }

// StatusText builds a plain-string status event.
func StatusText(s string) Event { return Event{Type: TypeStatus, Status: &Status{Text: s}} }

// ToolOutputText builds a raw tool_output event.
func ToolOutputText(s string) Event { return Event{Type: TypeToolOutput, Text: s} }
