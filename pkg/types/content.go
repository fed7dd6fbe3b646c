package types

import "encoding/json"

// Content block types used in a materialized assistant message.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one element of a final message that involved tool calls.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// FileAttachment is a file sent alongside a prompt.
type FileAttachment struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"type,omitempty"`
	Data     string `json:"data,omitempty"` // base64
}

// TurnRequest is the payload sent to the agent endpoint to start one turn.
type TurnRequest struct {
	SessionID          string           `json:"session_id"`
	Content            string           `json:"content"`
	Mode               string           `json:"mode,omitempty"`
	Model              string           `json:"model,omitempty"`
	ProviderID         string           `json:"provider_id,omitempty"`
	WorkingDirectory   string           `json:"working_directory,omitempty"`
	Files              []FileAttachment `json:"files,omitempty"`
	SystemPromptAppend string           `json:"systemPromptAppend,omitempty"`
}
