package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteAudit stores the audit log in SQLite using modernc.org/sqlite (pure Go, no CGO).
type SQLiteAudit struct {
	db *sql.DB
}

// NewSQLiteAudit opens (or creates) the database at dbPath.
func NewSQLiteAudit(dbPath string) (*SQLiteAudit, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers and avoids "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &SQLiteAudit{db: db}, nil
}

// Migrate applies embedded migrations that have not run yet.
func (s *SQLiteAudit) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteAudit) Close() error {
	return s.db.Close()
}

func (s *SQLiteAudit) RecordRequest(ctx context.Context, req types.PermissionRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_audit (id, session_id, tool_name, tool_input, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		req.ID, req.SessionID, req.ToolName, string(req.ToolInput), string(types.AuditPending),
		req.CreatedAt.UTC(), req.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record permission request: %w", err)
	}
	return nil
}

func (s *SQLiteAudit) RecordOutcome(ctx context.Context, id string, status types.AuditStatus, details string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE permission_audit SET status = ?, details = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		string(status), details, now, id, string(types.AuditPending),
	)
	if err != nil {
		return fmt.Errorf("record permission outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Outcome without a request row, e.g. the request write failed.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO permission_audit (id, status, details, created_at, expires_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, string(status), details, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("record permission outcome: %w", err)
	}
	return nil
}

func (s *SQLiteAudit) ExpirePending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE permission_audit SET status = ?, details = 'server restarted', resolved_at = ?
		WHERE status = ?`,
		string(types.AuditExpired), time.Now().UTC(), string(types.AuditPending),
	)
	if err != nil {
		return 0, fmt.Errorf("expire pending permissions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const auditColumns = `id, session_id, tool_name, tool_input, status, details, created_at, expires_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(row rowScanner) (types.AuditRecord, error) {
	var (
		rec      types.AuditRecord
		input    string
		status   string
		resolved sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.ToolName, &input, &status, &rec.Details,
		&rec.CreatedAt, &rec.ExpiresAt, &resolved); err != nil {
		return rec, err
	}
	if input != "" {
		rec.ToolInput = []byte(input)
	}
	rec.Status = types.AuditStatus(status)
	if resolved.Valid {
		t := resolved.Time
		rec.ResolvedAt = &t
	}
	return rec, nil
}

func (s *SQLiteAudit) Get(ctx context.Context, id string) (types.AuditRecord, error) {
	rec, err := scanAudit(s.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM permission_audit WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("get permission record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteAudit) List(ctx context.Context, sessionID string) ([]types.AuditRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+auditColumns+` FROM permission_audit WHERE session_id = ? ORDER BY created_at`, sessionID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+auditColumns+` FROM permission_audit ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("list permission records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
