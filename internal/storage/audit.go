package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Audit drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverNone   = "none"
)

// AuditStore records and queries the permission audit log.
type AuditStore interface {
	RecordRequest(ctx context.Context, req types.PermissionRequest) error
	RecordOutcome(ctx context.Context, id string, status types.AuditStatus, details string) error
	ExpirePending(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (types.AuditRecord, error)
	// List returns records oldest first. An empty sessionID lists every session.
	List(ctx context.Context, sessionID string) ([]types.AuditRecord, error)
	Close() error
}

// OpenAudit opens the audit store for driver. path is a directory for the file
// driver and a database file for sqlite; when empty it defaults to a location
// under dataDir.
func OpenAudit(ctx context.Context, driver, path, dataDir string) (AuditStore, error) {
	switch driver {
	case "", DriverFile:
		if path == "" {
			path = filepath.Join(dataDir, "audit")
		}
		return NewFileAudit(path), nil
	case DriverSQLite:
		if path == "" {
			path = filepath.Join(dataDir, "audit.db")
		}
		s, err := NewSQLiteAudit(path)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case DriverNone:
		return NopAudit{}, nil
	default:
		return nil, fmt.Errorf("unknown audit driver %q", driver)
	}
}

// NopAudit keeps nothing.
type NopAudit struct{}

func (NopAudit) RecordRequest(context.Context, types.PermissionRequest) error { return nil }

func (NopAudit) RecordOutcome(context.Context, string, types.AuditStatus, string) error {
	return nil
}

func (NopAudit) ExpirePending(context.Context) (int, error) { return 0, nil }

func (NopAudit) Get(context.Context, string) (types.AuditRecord, error) {
	return types.AuditRecord{}, ErrNotFound
}

func (NopAudit) List(context.Context, string) ([]types.AuditRecord, error) { return nil, nil }

func (NopAudit) Close() error { return nil }
