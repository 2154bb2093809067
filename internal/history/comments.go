package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CommentKey identifies a merge/pull request that receives reminders.
type CommentKey struct {
	ProjectID string `json:"projectId"`
	MRID      int    `json:"mrId"`
}

// CommentRecord is the persisted reminder state of one item.
type CommentRecord struct {
	CommentKey
	LastCommentedAt time.Time `json:"lastCommentedAt"`
	CommentIndex    int       `json:"commentIndex"`
	Count           int       `json:"count"`
}

func getComment(ctx context.Context, q queryer, key CommentKey) (CommentRecord, bool, error) {
	rec := CommentRecord{CommentKey: key}
	err := q.QueryRowContext(ctx, `
	SELECT last_commented_at, comment_index, comment_count
	FROM mr_comment_history
	WHERE project_id = ? AND mr_id = ?
	`, key.ProjectID, key.MRID).Scan(&rec.LastCommentedAt, &rec.CommentIndex, &rec.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return CommentRecord{}, false, nil
	}
	if err != nil {
		return CommentRecord{}, false, fmt.Errorf("failed to read comment record: %w", err)
	}
	return rec, true, nil
}

// LastComment returns the reminder record for key, if any.
func (s *Store) LastComment(ctx context.Context, key CommentKey) (CommentRecord, bool, error) {
	return getComment(ctx, s.db, key)
}

// ShouldComment reports whether key has never been commented on or its
// cooldown elapsed.
func (s *Store) ShouldComment(ctx context.Context, key CommentKey, cooldown time.Duration, now time.Time) (bool, error) {
	rec, ok, err := getComment(ctx, s.db, key)
	if err != nil {
		return false, err
	}
	return !ok || stamp(now).Sub(rec.LastCommentedAt) >= cooldown, nil
}

// RecordComment stores that the message at index was posted at now.
func (s *Store) RecordComment(ctx context.Context, key CommentKey, index int, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertComment(ctx, tx, key, index, stamp(now))
	})
}

func upsertComment(ctx context.Context, tx *sql.Tx, key CommentKey, index int, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO mr_comment_history (project_id, mr_id, comment_index, comment_count, last_commented_at)
	VALUES (?, ?, ?, 1, ?)
	ON CONFLICT(project_id, mr_id) DO UPDATE SET
		comment_index = excluded.comment_index,
		comment_count = mr_comment_history.comment_count + 1,
		last_commented_at = excluded.last_commented_at
	`, key.ProjectID, key.MRID, index, now)
	if err != nil {
		return fmt.Errorf("failed to record comment: %w", err)
	}
	return nil
}

// CommentClaim reserves one reminder comment.
type CommentClaim struct {
	store   *Store
	key     CommentKey
	at      time.Time
	existed bool
	prior   CommentRecord

	// Index is the message chosen for this comment.
	Index int
}

// ClaimComment atomically checks the cooldown for key and, when due, picks
// the next message index with next and records it. next receives the
// previous record, or nil on the first comment. It returns nil when the
// cooldown has not elapsed.
func (s *Store) ClaimComment(ctx context.Context, key CommentKey, cooldown time.Duration, now time.Time, next func(prev *CommentRecord) int) (*CommentClaim, error) {
	now = stamp(now)
	var claim *CommentClaim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, ok, err := getComment(ctx, tx, key)
		if err != nil {
			return err
		}
		if ok && now.Sub(rec.LastCommentedAt) < cooldown {
			return nil
		}
		var prev *CommentRecord
		if ok {
			prev = &rec
		}
		idx := next(prev)
		if err := upsertComment(ctx, tx, key, idx, now); err != nil {
			return err
		}
		claim = &CommentClaim{store: s, key: key, at: now, existed: ok, prior: rec, Index: idx}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// Release restores the record to its state before the claim.
func (c *CommentClaim) Release(ctx context.Context) error {
	return c.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if c.existed {
			_, err = tx.ExecContext(ctx, `
			UPDATE mr_comment_history
			SET comment_index = ?, comment_count = ?, last_commented_at = ?
			WHERE project_id = ? AND mr_id = ? AND last_commented_at = ?
			`, c.prior.CommentIndex, c.prior.Count, c.prior.LastCommentedAt, c.key.ProjectID, c.key.MRID, c.at)
		} else {
			_, err = tx.ExecContext(ctx, `
			DELETE FROM mr_comment_history
			WHERE project_id = ? AND mr_id = ? AND last_commented_at = ?
			`, c.key.ProjectID, c.key.MRID, c.at)
		}
		if err != nil {
			return fmt.Errorf("failed to release comment claim: %w", err)
		}
		return nil
	})
}

// ListComments returns reminder records commented at or after since, newest
// first.
func (s *Store) ListComments(ctx context.Context, since time.Time) ([]CommentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT project_id, mr_id, last_commented_at, comment_index, comment_count
	FROM mr_comment_history
	WHERE last_commented_at >= ?
	ORDER BY last_commented_at DESC, project_id, mr_id
	`, stamp(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var out []CommentRecord
	for rows.Next() {
		var r CommentRecord
		if err := rows.Scan(&r.ProjectID, &r.MRID, &r.LastCommentedAt, &r.CommentIndex, &r.Count); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
