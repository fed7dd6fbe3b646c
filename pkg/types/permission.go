package types

import (
	"encoding/json"
	"slices"
	"time"
)

// Behavior is the outcome of an authorization decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Valid reports whether b is allow or deny.
func (b Behavior) Valid() bool {
	return b == BehaviorAllow || b == BehaviorDeny
}

// PermissionRequest is a suspended tool-authorization decision.
type PermissionRequest struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"sessionId,omitempty"`
	ToolName       string          `json:"toolName"`
	ToolInput      json.RawMessage `json:"toolInput,omitempty"`
	Suggestions    json.RawMessage `json:"suggestions,omitempty"`
	DecisionReason string          `json:"decisionReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

// Clone returns a copy with its own byte slices.
func (r PermissionRequest) Clone() PermissionRequest {
	r.ToolInput = slices.Clone(r.ToolInput)
	r.Suggestions = slices.Clone(r.Suggestions)
	return r
}

// Decision is a resolved authorization.
type Decision struct {
	Behavior     Behavior        `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Allowed reports whether the decision permits the tool call.
func (d Decision) Allowed() bool {
	return d.Behavior == BehaviorAllow
}

// Allow builds an allow decision that keeps the original input.
func Allow() Decision {
	return Decision{Behavior: BehaviorAllow}
}

// Deny builds a deny decision carrying message.
func Deny(message string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: message}
}

// AuditStatus is the lifecycle state of a permission request in the audit log.
type AuditStatus string

const (
	AuditPending AuditStatus = "pending"
	AuditAllow   AuditStatus = "allow"
	AuditDeny    AuditStatus = "deny"
	AuditTimeout AuditStatus = "timeout"
	AuditAborted AuditStatus = "aborted"
	AuditExpired AuditStatus = "expired"
)

// AuditRecord is one row of the permission audit log.
type AuditRecord struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId,omitempty"`
	ToolName   string          `json:"toolName"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	Status     AuditStatus     `json:"status"`
	Details    string          `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}
