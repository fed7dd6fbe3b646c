package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// FileAudit stores one JSON document per permission request under
// <dir>/permission/<id>.json.
type FileAudit struct {
	store *Storage
}

// NewFileAudit creates a file-backed audit store rooted at dir.
func NewFileAudit(dir string) *FileAudit {
	return &FileAudit{store: New(dir)}
}

func auditKey(id string) []string {
	return []string{"permission", id}
}

// RecordRequest writes a pending record. An existing record is left untouched.
func (a *FileAudit) RecordRequest(ctx context.Context, req types.PermissionRequest) error {
	var rec types.AuditRecord
	return a.store.Update(ctx, auditKey(req.ID), &rec, true, func() error {
		if rec.ID != "" {
			return nil
		}
		rec = types.AuditRecord{
			ID:        req.ID,
			SessionID: req.SessionID,
			ToolName:  req.ToolName,
			ToolInput: req.ToolInput,
			Status:    types.AuditPending,
			CreatedAt: req.CreatedAt.UTC(),
			ExpiresAt: req.ExpiresAt.UTC(),
		}
		return nil
	})
}

// RecordOutcome sets the final status. Records that already left pending are
// not changed.
func (a *FileAudit) RecordOutcome(ctx context.Context, id string, status types.AuditStatus, details string) error {
	var rec types.AuditRecord
	return a.store.Update(ctx, auditKey(id), &rec, true, func() error {
		if rec.ID == "" {
			// Outcome without a request row, e.g. the request write failed.
			rec.ID = id
		} else if rec.Status != types.AuditPending {
			return nil
		}
		now := time.Now().UTC()
		rec.Status = status
		rec.Details = details
		rec.ResolvedAt = &now
		return nil
	})
}

// ExpirePending marks every pending record as expired.
func (a *FileAudit) ExpirePending(ctx context.Context) (int, error) {
	var ids []string
	err := a.store.Scan(ctx, []string{"permission"}, func(name string, data json.RawMessage) error {
		var rec types.AuditRecord
		if json.Unmarshal(data, &rec) == nil && rec.Status == types.AuditPending {
			ids = append(ids, name)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		var rec types.AuditRecord
		err := a.store.Update(ctx, auditKey(id), &rec, false, func() error {
			if rec.Status != types.AuditPending {
				return nil
			}
			now := time.Now().UTC()
			rec.Status = types.AuditExpired
			rec.Details = "server restarted"
			rec.ResolvedAt = &now
			n++
			return nil
		})
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Get returns one record.
func (a *FileAudit) Get(ctx context.Context, id string) (types.AuditRecord, error) {
	var rec types.AuditRecord
	err := a.store.Get(ctx, auditKey(id), &rec)
	return rec, err
}

// List returns records oldest first.
func (a *FileAudit) List(ctx context.Context, sessionID string) ([]types.AuditRecord, error) {
	var out []types.AuditRecord
	err := a.store.Scan(ctx, []string{"permission"}, func(_ string, data json.RawMessage) error {
		var rec types.AuditRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil
		}
		if sessionID == "" || rec.SessionID == sessionID {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op.
func (a *FileAudit) Close() error { return nil }
