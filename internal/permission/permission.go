// Package permission suspends tool-authorization decisions until a human
// answers, a timer expires or the enclosing turn is aborted.
package permission

import (
	"context"
	"errors"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

var (
	// ErrNotFound is returned by Resolve for unknown or already resolved ids.
	ErrNotFound = errors.New("permission request not found")
	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("permission coordinator closed")
	// ErrDuplicateID is returned when a pending request already uses the id.
	ErrDuplicateID = errors.New("permission request id already pending")
)

// Reasons attached to automatic denials.
const (
	ReasonTimedOut = "timed out"
	ReasonAborted  = "aborted"
)

// RejectedError is returned to tool callers when a request was denied.
type RejectedError struct {
	RequestID string
	ToolName  string
	Message   string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "permission denied for " + e.ToolName
	}
	return e.Message
}

// IsRejectedError checks if an error is a permission rejection.
func IsRejectedError(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// AuditSink durably records the permission lifecycle.
type AuditSink interface {
	RecordRequest(ctx context.Context, req types.PermissionRequest) error
	RecordOutcome(ctx context.Context, id string, status types.AuditStatus, details string) error
	// ExpirePending marks rows left pending by a previous process as expired.
	ExpirePending(ctx context.Context) (int, error)
}

// NopAudit discards every record.
type NopAudit struct{}

func (NopAudit) RecordRequest(context.Context, types.PermissionRequest) error { return nil }

func (NopAudit) RecordOutcome(context.Context, string, types.AuditStatus, string) error {
	return nil
}

func (NopAudit) ExpirePending(context.Context) (int, error) { return 0, nil }

// Resolution describes a finished request. It is handed to Config.OnResolved.
type Resolution struct {
	Request  types.PermissionRequest
	Decision types.Decision
	Status   types.AuditStatus
}
