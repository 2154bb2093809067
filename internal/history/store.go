// Package history persists what stalebot has sent, commented and archived
// so that repeated runs honor cooldowns and resume interrupted archives.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spiffcs/stalebot/internal/log"
)

// ErrInvariant is returned when a write would leave an archive record in an
// inconsistent state.
var ErrInvariant = errors.New("archive record invariant violated")

const schema = `
CREATE TABLE IF NOT EXISTS notification_history (
	project_id TEXT NOT NULL,
	item_kind TEXT NOT NULL,
	item_key TEXT NOT NULL,
	recipient TEXT NOT NULL,
	first_found_at TIMESTAMP NOT NULL,
	last_notified_at TIMESTAMP NOT NULL,
	notification_count INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (project_id, item_kind, item_key, recipient)
);

CREATE INDEX IF NOT EXISTS idx_notification_last
ON notification_history(last_notified_at);

CREATE TABLE IF NOT EXISTS mr_comment_history (
	project_id TEXT NOT NULL,
	mr_id INTEGER NOT NULL,
	comment_index INTEGER NOT NULL,
	comment_count INTEGER NOT NULL DEFAULT 1,
	last_commented_at TIMESTAMP NOT NULL,
	PRIMARY KEY (project_id, mr_id)
);

CREATE TABLE IF NOT EXISTS archive_records (
	project_id TEXT NOT NULL,
	project_name TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL,
	archive_path TEXT NOT NULL DEFAULT '',
	exported_at TIMESTAMP,
	deleted_at TIMESTAMP,
	outcome TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	item_ids TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (project_id, branch)
);
`

// Store is the SQLite-backed history store. It is safe for concurrent use;
// every check-and-update runs inside an IMMEDIATE transaction.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Debug("opened history store", "path", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a write transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Counts summarizes the store for the dashboard.
type Counts struct {
	Notifications   int `json:"notifications"`
	Recipients      int `json:"recipients"`
	Comments        int `json:"comments"`
	Archived        int `json:"archived"`
	ArchivePending  int `json:"archivePending"`
	ArchiveFailures int `json:"archiveFailures"`
}

// Counts returns aggregate row counts.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	row := s.db.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM notification_history),
		(SELECT COUNT(DISTINCT recipient) FROM notification_history),
		(SELECT COUNT(*) FROM mr_comment_history),
		(SELECT COUNT(*) FROM archive_records WHERE outcome = ?),
		(SELECT COUNT(*) FROM archive_records WHERE outcome IN (?, ?)),
		(SELECT COUNT(*) FROM archive_records WHERE outcome LIKE 'failed-at-%')
	`, OutcomeDeleted, OutcomeExported, OutcomeClosedMR)
	if err := row.Scan(&c.Notifications, &c.Recipients, &c.Comments, &c.Archived, &c.ArchivePending, &c.ArchiveFailures); err != nil {
		return Counts{}, fmt.Errorf("failed to count history: %w", err)
	}
	return c, nil
}

// stamp normalizes a time for storage. Second precision keeps the stored
// text fixed-width so range filters compare correctly.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
