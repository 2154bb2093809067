package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Outcome is the stage an archive reached.
type Outcome string

const (
	OutcomeExported      Outcome = "exported"
	OutcomeClosedMR      Outcome = "closed-mr"
	OutcomeDeleted       Outcome = "deleted"
	OutcomeFailedExport  Outcome = "failed-at-export"
	OutcomeFailedCloseMR Outcome = "failed-at-close-mr"
	OutcomeFailedDelete  Outcome = "failed-at-delete"
)

// Failed reports whether o is one of the failed-at-<stage> outcomes.
func (o Outcome) Failed() bool {
	return strings.HasPrefix(string(o), "failed-at-")
}

// ArchiveRecord is the audit trail of one branch's archive lifecycle.
type ArchiveRecord struct {
	ProjectID   string     `json:"projectId"`
	ProjectName string     `json:"projectName,omitempty"`
	Branch      string     `json:"branch"`
	ArchivePath string     `json:"archivePath,omitempty"`
	ExportedAt  *time.Time `json:"exportedAt,omitempty"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	Outcome     Outcome    `json:"outcome"`
	Error       string     `json:"error,omitempty"`
	ItemIDs     []int      `json:"itemIds,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Validate checks the record invariants: DeletedAt is set iff the outcome
// is deleted, and every post-export outcome carries ExportedAt.
func (r ArchiveRecord) Validate() error {
	if r.ProjectID == "" || r.Branch == "" {
		return fmt.Errorf("%w: missing project or branch", ErrInvariant)
	}
	deleted := r.Outcome == OutcomeDeleted
	if deleted != (r.DeletedAt != nil) {
		return fmt.Errorf("%w: outcome %q with deleted_at set=%t", ErrInvariant, r.Outcome, r.DeletedAt != nil)
	}
	switch r.Outcome {
	case OutcomeExported, OutcomeClosedMR, OutcomeDeleted, OutcomeFailedCloseMR, OutcomeFailedDelete:
		if r.ExportedAt == nil {
			return fmt.Errorf("%w: outcome %q without a recorded export", ErrInvariant, r.Outcome)
		}
	case OutcomeFailedExport:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvariant, r.Outcome)
	}
	return nil
}

// GetArchive returns the record for a project branch, if any.
func (s *Store) GetArchive(ctx context.Context, projectID, branch string) (ArchiveRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT project_id, project_name, branch, archive_path, exported_at, deleted_at, outcome, error, item_ids, updated_at
	FROM archive_records
	WHERE project_id = ? AND branch = ?
	`, projectID, branch)
	rec, err := scanArchive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchiveRecord{}, false, nil
	}
	if err != nil {
		return ArchiveRecord{}, false, fmt.Errorf("failed to read archive record: %w", err)
	}
	return rec, true, nil
}

// PutArchive validates and upserts rec.
func (s *Store) PutArchive(ctx context.Context, rec ArchiveRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO archive_records (project_id, project_name, branch, archive_path, exported_at, deleted_at, outcome, error, item_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, branch) DO UPDATE SET
			project_name = excluded.project_name,
			archive_path = excluded.archive_path,
			exported_at = excluded.exported_at,
			deleted_at = excluded.deleted_at,
			outcome = excluded.outcome,
			error = excluded.error,
			item_ids = excluded.item_ids,
			updated_at = excluded.updated_at
		`, rec.ProjectID, rec.ProjectName, rec.Branch, rec.ArchivePath,
			nullTime(rec.ExportedAt), nullTime(rec.DeletedAt),
			string(rec.Outcome), rec.Error, joinIDs(rec.ItemIDs), stamp(rec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to save archive record: %w", err)
		}
		return nil
	})
}

// ListArchives returns records updated at or after since, newest first.
func (s *Store) ListArchives(ctx context.Context, since time.Time) ([]ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT project_id, project_name, branch, archive_path, exported_at, deleted_at, outcome, error, item_ids, updated_at
	FROM archive_records
	WHERE updated_at >= ?
	ORDER BY updated_at DESC, project_id, branch
	`, stamp(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list archive records: %w", err)
	}
	defer rows.Close()

	var out []ArchiveRecord
	for rows.Next() {
		rec, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArchive(sc scanner) (ArchiveRecord, error) {
	var (
		rec               ArchiveRecord
		exported, deleted sql.NullTime
		outcome, ids      string
	)
	if err := sc.Scan(&rec.ProjectID, &rec.ProjectName, &rec.Branch, &rec.ArchivePath,
		&exported, &deleted, &outcome, &rec.Error, &ids, &rec.UpdatedAt); err != nil {
		return ArchiveRecord{}, err
	}
	if exported.Valid {
		t := exported.Time.UTC()
		rec.ExportedAt = &t
	}
	if deleted.Valid {
		t := deleted.Time.UTC()
		rec.DeletedAt = &t
	}
	rec.Outcome = Outcome(outcome)
	rec.ItemIDs = splitIDs(ids)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return stamp(*t)
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		if id, err := strconv.Atoi(p); err == nil {
			out = append(out, id)
		}
	}
	return out
}
