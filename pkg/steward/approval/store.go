package approval

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// schema is the DDL for the approval queue.
const schema = `
CREATE TABLE IF NOT EXISTS approvals (
    id               TEXT PRIMARY KEY,
    action_type      TEXT NOT NULL,
    target           TEXT NOT NULL,
    proposed_content TEXT NOT NULL,
    trigger_context  TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'pending',
    created_at       TEXT NOT NULL,
    expires_at       TEXT NOT NULL,
    resolved_at      TEXT,
    resolved_by      TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
CREATE INDEX IF NOT EXISTS idx_approvals_expires ON approvals(status, expires_at);
`

// Store persists actions in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (or creates) the approval database. Special path
// ":memory:" keeps the store in memory, used by tests.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Insert adds a new action row.
func (s *Store) Insert(ctx context.Context, a *Action) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, action_type, target, proposed_content, trigger_context, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ActionType, a.Target, a.ProposedContent, a.TriggerContext,
		string(a.Status), a.CreatedAt.Format(time.RFC3339Nano), a.ExpiresAt.Format(time.RFC3339Nano),
	)
	return err
}

// Get returns one action by ID.
func (s *Store) Get(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, action_type, target, proposed_content, trigger_context, status, created_at, expires_at, resolved_at, resolved_by
		FROM approvals WHERE id = ?`, id)

	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action not found: %s", id)
	}
	return a, err
}

// ListByStatus returns actions in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_type, target, proposed_content, trigger_context, status, created_at, expires_at, resolved_at, resolved_by
		FROM approvals WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// UpdateResolution persists a status change with reviewer and timestamp.
func (s *Store) UpdateResolution(ctx context.Context, a *Action) error {
	var resolvedAt any
	if a.ResolvedAt != nil {
		resolvedAt = a.ResolvedAt.Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND status = 'pending'`,
		string(a.Status), resolvedAt, a.ResolvedBy, a.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("action %s was not pending", a.ID)
	}
	return nil
}

// ExpireBefore marks pending actions whose TTL lapsed before cutoff.
func (s *Store) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'expired'
		WHERE status = 'pending' AND expires_at < ?`,
		cutoff.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAction(sc scanner) (*Action, error) {
	var (
		a          Action
		status     string
		createdAt  string
		expiresAt  string
		resolvedAt sql.NullString
		resolvedBy sql.NullString
	)
	if err := sc.Scan(&a.ID, &a.ActionType, &a.Target, &a.ProposedContent, &a.TriggerContext,
		&status, &createdAt, &expiresAt, &resolvedAt, &resolvedBy); err != nil {
		return nil, err
	}

	a.Status = Status(status)
	var err error
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse resolved_at: %w", err)
		}
		a.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		a.ResolvedBy = resolvedBy.String
	}
	return &a, nil
}
