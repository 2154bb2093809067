package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spiffcs/stalebot/internal/model"
)

// NotificationKey identifies one (item, recipient) pair.
type NotificationKey struct {
	ProjectID string         `json:"projectId"`
	Kind      model.ItemKind `json:"kind"`
	ItemKey   string         `json:"itemKey"`
	Recipient string         `json:"recipient"`
}

// BranchKey returns the notification key for a stale branch.
func BranchKey(projectID, branch, recipient string) NotificationKey {
	return NotificationKey{ProjectID: projectID, Kind: model.ItemBranch, ItemKey: branch, Recipient: recipient}
}

// ItemKey returns the notification key for a stale merge/pull request.
func ItemKey(projectID string, id int, recipient string) NotificationKey {
	return NotificationKey{ProjectID: projectID, Kind: model.ItemMR, ItemKey: fmt.Sprint(id), Recipient: recipient}
}

// NotificationRecord is the persisted state of one key.
type NotificationRecord struct {
	NotificationKey
	FirstFoundAt   time.Time `json:"firstFoundAt"`
	LastNotifiedAt time.Time `json:"lastNotifiedAt"`
	Count          int       `json:"count"`
}

// Due reports whether the record's cooldown has elapsed at now.
func (r NotificationRecord) Due(cooldown time.Duration, now time.Time) bool {
	return now.Sub(r.LastNotifiedAt) >= cooldown
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getNotification(ctx context.Context, q queryer, key NotificationKey) (NotificationRecord, bool, error) {
	rec := NotificationRecord{NotificationKey: key}
	err := q.QueryRowContext(ctx, `
	SELECT first_found_at, last_notified_at, notification_count
	FROM notification_history
	WHERE project_id = ? AND item_kind = ? AND item_key = ? AND recipient = ?
	`, key.ProjectID, string(key.Kind), key.ItemKey, key.Recipient).Scan(&rec.FirstFoundAt, &rec.LastNotifiedAt, &rec.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationRecord{}, false, nil
	}
	if err != nil {
		return NotificationRecord{}, false, fmt.Errorf("failed to read notification record: %w", err)
	}
	return rec, true, nil
}

// GetNotification returns the record for key, if any.
func (s *Store) GetNotification(ctx context.Context, key NotificationKey) (NotificationRecord, bool, error) {
	return getNotification(ctx, s.db, key)
}

// ShouldNotify reports whether key has no record or its cooldown elapsed.
func (s *Store) ShouldNotify(ctx context.Context, key NotificationKey, cooldown time.Duration, now time.Time) (bool, error) {
	rec, ok, err := getNotification(ctx, s.db, key)
	if err != nil {
		return false, err
	}
	return !ok || rec.Due(cooldown, stamp(now)), nil
}

// RecordSent creates the record for key or bumps its timestamp and count.
func (s *Store) RecordSent(ctx context.Context, key NotificationKey, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertNotification(ctx, tx, key, stamp(now))
	})
}

func upsertNotification(ctx context.Context, tx *sql.Tx, key NotificationKey, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO notification_history (project_id, item_kind, item_key, recipient, first_found_at, last_notified_at, notification_count)
	VALUES (?, ?, ?, ?, ?, ?, 1)
	ON CONFLICT(project_id, item_kind, item_key, recipient) DO UPDATE SET
		last_notified_at = excluded.last_notified_at,
		notification_count = notification_history.notification_count + 1
	`, key.ProjectID, string(key.Kind), key.ItemKey, key.Recipient, now, now)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

// Claim is a committed reservation of a digest's keys. Release undoes it
// when delivery fails so the next run retries.
type Claim struct {
	store *Store
	at    time.Time
	prior []priorNotification

	// Due lists the keys whose cooldown had elapsed; the rest were stamped
	// because they ride along in the same digest.
	Due []NotificationKey
}

type priorNotification struct {
	key     NotificationKey
	existed bool
	rec     NotificationRecord
}

// Keys returns every key stamped by the claim.
func (c *Claim) Keys() []NotificationKey {
	out := make([]NotificationKey, len(c.prior))
	for i, p := range c.prior {
		out[i] = p.key
	}
	return out
}

// ClaimDigest atomically checks every key and, when at least one is due,
// stamps all of them. It returns nil when nothing is due.
func (s *Store) ClaimDigest(ctx context.Context, keys []NotificationKey, cooldown time.Duration, now time.Time) (*Claim, error) {
	now = stamp(now)
	var claim *Claim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c := &Claim{store: s, at: now}
		for _, key := range keys {
			rec, ok, err := getNotification(ctx, tx, key)
			if err != nil {
				return err
			}
			c.prior = append(c.prior, priorNotification{key: key, existed: ok, rec: rec})
			if !ok || rec.Due(cooldown, now) {
				c.Due = append(c.Due, key)
			}
		}
		if len(c.Due) == 0 {
			return nil
		}
		for _, key := range keys {
			if err := upsertNotification(ctx, tx, key, now); err != nil {
				return err
			}
		}
		claim = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// Release restores every key to its state before the claim. Rows touched by
// a later claim are left alone.
func (c *Claim) Release(ctx context.Context) error {
	return c.store.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range c.prior {
			k := p.key
			var err error
			if p.existed {
				_, err = tx.ExecContext(ctx, `
				UPDATE notification_history
				SET last_notified_at = ?, notification_count = ?
				WHERE project_id = ? AND item_kind = ? AND item_key = ? AND recipient = ? AND last_notified_at = ?
				`, p.rec.LastNotifiedAt, p.rec.Count, k.ProjectID, string(k.Kind), k.ItemKey, k.Recipient, c.at)
			} else {
				_, err = tx.ExecContext(ctx, `
				DELETE FROM notification_history
				WHERE project_id = ? AND item_kind = ? AND item_key = ? AND recipient = ? AND last_notified_at = ?
				`, k.ProjectID, string(k.Kind), k.ItemKey, k.Recipient, c.at)
			}
			if err != nil {
				return fmt.Errorf("failed to release notification claim: %w", err)
			}
		}
		return nil
	})
}

// ListNotifications returns records notified at or after since, newest
// first. A zero since returns everything.
func (s *Store) ListNotifications(ctx context.Context, since time.Time) ([]NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT project_id, item_kind, item_key, recipient, first_found_at, last_notified_at, notification_count
	FROM notification_history
	WHERE last_notified_at >= ?
	ORDER BY last_notified_at DESC, project_id, item_key
	`, stamp(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var r NotificationRecord
		var kind string
		if err := rows.Scan(&r.ProjectID, &kind, &r.ItemKey, &r.Recipient, &r.FirstFoundAt, &r.LastNotifiedAt, &r.Count); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		r.Kind = model.ItemKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}
