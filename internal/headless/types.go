package headless

import (
	"time"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// OutputFormat defines the output format for headless mode.
type OutputFormat string

const (
	// OutputText is human-readable streaming text output.
	OutputText OutputFormat = "text"
	// OutputJSON is final JSON result summary.
	OutputJSON OutputFormat = "json"
	// OutputJSONL is streaming JSONL events.
	OutputJSONL OutputFormat = "jsonl"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (OutputFormat, bool) {
	switch f := OutputFormat(s); f {
	case OutputText, OutputJSON, OutputJSONL:
		return f, true
	case "":
		return OutputText, true
	}
	return "", false
}

// ExitCode defines exit codes for headless mode.
type ExitCode int

const (
	// ExitSuccess indicates successful completion.
	ExitSuccess ExitCode = 0
	// ExitError indicates a general/unknown error.
	ExitError ExitCode = 1
	// ExitTimeout indicates the run or the stream timed out.
	ExitTimeout ExitCode = 2
	// ExitPermissionDenied indicates tool execution was blocked.
	ExitPermissionDenied ExitCode = 3
	// ExitProviderError indicates the server or agent could not be reached.
	ExitProviderError ExitCode = 4
	// ExitInvalidInput indicates bad prompt or missing required flags.
	ExitInvalidInput ExitCode = 5
	// ExitStopped indicates the turn was stopped before it finished.
	ExitStopped ExitCode = 6
)

// Config holds configuration for headless mode execution.
type Config struct {
	// Prompt is the instruction to execute.
	Prompt string
	// ServerURL is the CodePilot server running the agent.
	ServerURL string
	// WorkDir is the working directory sent with the turn.
	WorkDir string
	// SessionID names the session. A fresh id is generated when empty.
	SessionID string
	// AutoApprove answers every permission request with allow. Otherwise
	// requests are denied.
	AutoApprove bool
	// OutputFormat specifies the output format (text, json, jsonl).
	OutputFormat OutputFormat
	// Timeout is the maximum execution time.
	Timeout time.Duration
	// ReadStdin indicates whether to read prompt from stdin.
	ReadStdin bool
	// Files is a list of files to attach.
	Files []string
	// SystemPrompt is a file whose content is appended to the system prompt.
	SystemPrompt string
	// Quiet suppresses progress output, only shows text.
	Quiet bool
	// Verbose shows all events.
	Verbose bool
	// Model and Mode are passed through to the agent.
	Model string
	Mode  string
	// Stream overrides the turn supervision timings.
	Stream types.StreamConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:    "http://127.0.0.1:4096",
		OutputFormat: OutputText,
		Timeout:      30 * time.Minute,
	}
}

// ToolCall represents a tool call in the result.
type ToolCall struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Input  any    `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PermissionRecord is a permission request seen during the run.
type PermissionRecord struct {
	ID       string         `json:"id"`
	Tool     string         `json:"tool"`
	Behavior types.Behavior `json:"behavior"`
}

// Result holds the final result of a headless execution.
type Result struct {
	SessionID    string             `json:"session_id"`
	TurnID       string             `json:"turn_id,omitempty"`
	Status       string             `json:"status"` // "success", "error", "timeout", "stopped", "permission_denied"
	Model        string             `json:"model,omitempty"`
	DurationMS   int64              `json:"duration_ms"`
	Tokens       *types.TokenUsage  `json:"tokens,omitempty"`
	Retried      bool               `json:"retried,omitempty"`
	ToolCalls    []ToolCall         `json:"tool_calls,omitempty"`
	Permissions  []PermissionRecord `json:"permissions,omitempty"`
	FinalMessage string             `json:"final_message,omitempty"`
	Error        string             `json:"error,omitempty"`
	ExitCode     ExitCode           `json:"exit_code"`
}

// Event represents a JSONL event for streaming output.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType string, data any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
