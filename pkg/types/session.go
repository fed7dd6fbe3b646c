// Package types provides the core data types shared by the CodePilot server and its clients.
package types

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Phase is the coarse lifecycle stage of a session's current or last turn.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseActive    Phase = "active"
	PhaseCompleted Phase = "completed"
	PhaseStopped   Phase = "stopped"
	PhaseError     Phase = "error"
)

// Terminal reports whether no further transitions can happen in this turn.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseStopped || p == PhaseError
}

// ToolInvocation is a tool call made by the agent during a turn.
type ToolInvocation struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolOutcome is the result reported for a tool invocation.
type ToolOutcome struct {
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// ToolTimeout describes a tool that exceeded the stall threshold.
type ToolTimeout struct {
	ToolName       string  `json:"toolName"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// TokenUsage holds end-of-turn accounting totals.
type TokenUsage struct {
	InputTokens              int     `json:"input_tokens"`
	OutputTokens             int     `json:"output_tokens"`
	CacheReadInputTokens     int     `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int     `json:"cache_creation_input_tokens,omitempty"`
	CostUSD                  float64 `json:"cost_usd,omitempty"`
}

// SessionState is the per-session view of a streaming turn.
// Values handed to observers are always produced by Clone and never mutated afterwards.
type SessionState struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId,omitempty"`
	Phase     Phase  `json:"phase"`

	Text            string                 `json:"text"`
	ToolInvocations []ToolInvocation       `json:"toolInvocations"`
	ToolOutcomes    map[string]ToolOutcome `json:"toolOutcomes"`

	PendingPermission *PermissionRequest `json:"pendingPermission,omitempty"`
	PermissionResult  Behavior           `json:"permissionResult,omitempty"`

	StatusText     string       `json:"statusText,omitempty"`
	Mode           string       `json:"mode,omitempty"`
	Model          string       `json:"model,omitempty"`
	AgentSessionID string       `json:"agentSessionId,omitempty"`
	ToolTimeout    *ToolTimeout `json:"toolTimeout,omitempty"`
	Usage          *TokenUsage  `json:"usage,omitempty"`

	FinalContent string `json:"finalContent,omitempty"`
	Error        string `json:"error,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSessionState returns a fresh active state for a turn.
func NewSessionState(sessionID, turnID string, now time.Time) SessionState {
	return SessionState{
		SessionID:    sessionID,
		TurnID:       turnID,
		Phase:        PhaseActive,
		ToolOutcomes: make(map[string]ToolOutcome),
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s SessionState) Clone() SessionState {
	out := s
	out.ToolInvocations = make([]ToolInvocation, len(s.ToolInvocations))
	for i, inv := range s.ToolInvocations {
		inv.Input = slices.Clone(inv.Input)
		out.ToolInvocations[i] = inv
	}
	out.ToolOutcomes = maps.Clone(s.ToolOutcomes)
	if out.ToolOutcomes == nil {
		out.ToolOutcomes = make(map[string]ToolOutcome)
	}
	if s.PendingPermission != nil {
		p := s.PendingPermission.Clone()
		out.PendingPermission = &p
	}
	if s.ToolTimeout != nil {
		tt := *s.ToolTimeout
		out.ToolTimeout = &tt
	}
	if s.Usage != nil {
		u := *s.Usage
		out.Usage = &u
	}
	return out
}

// Invocation returns the tool invocation with the given id.
func (s SessionState) Invocation(id string) (ToolInvocation, bool) {
	for _, inv := range s.ToolInvocations {
		if inv.ID == id {
			return inv, true
		}
	}
	return ToolInvocation{}, false
}

// StreamEventType identifies the kind of state transition published to observers.
type StreamEventType string

const (
	EventPhaseChanged      StreamEventType = "phase-changed"
	EventSnapshotUpdated   StreamEventType = "snapshot-updated"
	EventPermissionRequest StreamEventType = "permission-request"
	EventCompleted         StreamEventType = "completed"
)

// StreamEvent is the notification delivered to session observers on every state change.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	SessionID string          `json:"sessionId"`
	Snapshot  SessionState    `json:"snapshot"`
}
