package event

import "github.com/xuxu777xu/CodePilot-sub000/pkg/types"

// FilesChangedData is the payload of FilesChanged.
type FilesChangedData struct {
	ToolUseID string   `json:"toolUseId,omitempty"`
	ToolName  string   `json:"toolName,omitempty"`
	Paths     []string `json:"paths,omitempty"`
}

// PermissionRequestedData is the payload of PermissionRequested.
type PermissionRequestedData struct {
	Request types.PermissionRequest `json:"request"`
}

// PermissionResolvedData is the payload of PermissionResolved.
type PermissionResolvedData struct {
	ID       string            `json:"id"`
	ToolName string            `json:"toolName"`
	Behavior types.Behavior    `json:"behavior"`
	Status   types.AuditStatus `json:"status"`
	Message  string            `json:"message,omitempty"`
}

// TurnFinishedData is the payload of TurnFinished.
type TurnFinishedData struct {
	TurnID string      `json:"turnId"`
	Phase  types.Phase `json:"phase"`
	Error  string      `json:"error,omitempty"`
}
