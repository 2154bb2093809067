// Package archive exports stale branches, closes their merge/pull requests
// and deletes them, persisting every step so interrupted runs resume.
//
// The sequence is Candidate -> Exported -> MRClosed (when an open item
// exists) -> Deleted. A failure at any step records failed-at-<stage> and
// stops; a branch is never deleted without a verified export on disk.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/platform"
	"github.com/spiffcs/stalebot/internal/stale"
)

var (
	// ErrProtected is returned for candidates on protected branches.
	ErrProtected = errors.New("branch is protected")
	// ErrExportUnverified is returned when the export file is missing or
	// empty after the platform reported success.
	ErrExportUnverified = errors.New("export could not be verified")
)

// DefaultCloseNote is posted on a merge/pull request before it is closed.
const DefaultCloseNote = "This merge request has been automatically closed by the repository " +
	"maintenance bot due to prolonged inactivity. The source branch has been archived " +
	"and will be deleted. If this work is still needed, please create a new branch " +
	"and merge request."

// Platform is the subset of the adapter the machine drives.
type Platform interface {
	platform.Exporter
	platform.Mutator
}

// Records persists archive records.
type Records interface {
	GetArchive(ctx context.Context, projectID, branch string) (history.ArchiveRecord, bool, error)
	PutArchive(ctx context.Context, rec history.ArchiveRecord) error
}

// Machine runs the archive sequence for one candidate at a time. It is safe
// for concurrent use on distinct branches.
type Machine struct {
	platform Platform
	records  Records
	folder   string
	note     string
	now      func() time.Time
	dryRun   bool

	mu      sync.Mutex
	overlay map[string]history.ArchiveRecord
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithDryRun keeps records in memory and skips export verification. Pair it
// with a platform.DryRun adapter.
func WithDryRun(dryRun bool) Option {
	return func(m *Machine) { m.dryRun = dryRun }
}

// WithCloseNote replaces DefaultCloseNote.
func WithCloseNote(note string) Option {
	return func(m *Machine) {
		if note != "" {
			m.note = note
		}
	}
}

// New creates a Machine that writes archives under folder.
func New(p Platform, records Records, folder string, opts ...Option) *Machine {
	m := &Machine{
		platform: p,
		records:  records,
		folder:   folder,
		note:     DefaultCloseNote,
		now:      time.Now,
		overlay:  make(map[string]history.ArchiveRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Archive drives c through the sequence and returns the final record. The
// returned error is non-nil whenever the record ends in a failed state or
// could not be persisted.
func (m *Machine) Archive(ctx context.Context, c stale.Candidate) (history.ArchiveRecord, error) {
	b := c.Branch
	if b.Protected {
		return history.ArchiveRecord{}, fmt.Errorf("%w: %s", ErrProtected, b.Name)
	}
	p := b.Project

	rec, resumed, err := m.resume(ctx, p, b.Name)
	if err != nil {
		return history.ArchiveRecord{}, err
	}
	rec.ItemIDs = itemIDs(c.Items)

	if !resumed {
		rec, err = m.export(ctx, p, b.Name, rec)
		if err != nil {
			return rec, err
		}
	} else {
		log.Info("resuming archive", "project", p.DisplayName(), "branch", b.Name, "outcome", rec.Outcome, "path", rec.ArchivePath)
	}

	if len(c.Items) > 0 && rec.Outcome != history.OutcomeClosedMR {
		for _, item := range c.Items {
			if err := m.platform.CloseItem(ctx, p, item, m.note); err != nil {
				rec.Outcome = history.OutcomeFailedCloseMR
				rec.Error = fmt.Sprintf("close %s: %v", p.Kind.ItemRef(item.ID), err)
				return m.fail(ctx, rec, err)
			}
			log.Info("closed item", "project", p.DisplayName(), "item", p.Kind.ItemRef(item.ID))
		}
		rec.Outcome = history.OutcomeClosedMR
		rec.Error = ""
		if err := m.put(ctx, rec); err != nil {
			return rec, err
		}
	}

	if err := m.platform.DeleteBranch(ctx, p, b.Name); err != nil {
		rec.Outcome = history.OutcomeFailedDelete
		rec.Error = err.Error()
		return m.fail(ctx, rec, err)
	}
	deleted := m.now()
	rec.DeletedAt = &deleted
	rec.Outcome = history.OutcomeDeleted
	rec.Error = ""
	if err := m.put(ctx, rec); err != nil {
		return rec, err
	}
	log.Info("archived branch", "project", p.DisplayName(), "branch", b.Name, "path", rec.ArchivePath, "dry_run", m.dryRun)
	return rec, nil
}

// resume loads an existing record that can continue without re-exporting.
// Anything else starts a fresh record.
func (m *Machine) resume(ctx context.Context, p model.Project, branch string) (history.ArchiveRecord, bool, error) {
	fresh := history.ArchiveRecord{ProjectID: p.ID, ProjectName: p.DisplayName(), Branch: branch}

	rec, ok, err := m.get(ctx, p.ID, branch)
	if err != nil {
		return fresh, false, fmt.Errorf("failed to load archive record: %w", err)
	}
	if !ok || rec.ExportedAt == nil || rec.DeletedAt != nil {
		return fresh, false, nil
	}
	if !m.dryRun {
		if err := verify(rec.ArchivePath); err != nil {
			log.Warn("recorded archive is unusable, exporting again", "branch", branch, "error", err)
			return fresh, false, nil
		}
	}
	rec.ProjectName = p.DisplayName()
	return rec, true, nil
}

func (m *Machine) export(ctx context.Context, p model.Project, branch string, rec history.ArchiveRecord) (history.ArchiveRecord, error) {
	at := m.now()
	dest := filepath.Join(m.folder, FileName(p.DisplayName(), branch, at))

	if !m.dryRun {
		if err := os.MkdirAll(m.folder, 0o755); err != nil {
			rec.Outcome = history.OutcomeFailedExport
			rec.Error = err.Error()
			return m.fail(ctx, rec, err)
		}
	}

	path, err := m.platform.ExportBranch(ctx, p, branch, dest)
	if err == nil && !m.dryRun {
		err = verify(path)
	}
	if err != nil {
		rec.Outcome = history.OutcomeFailedExport
		rec.Error = err.Error()
		if path != "" && !m.dryRun {
			_ = os.Remove(path)
		}
		return m.fail(ctx, rec, err)
	}

	rec.ArchivePath = path
	rec.ExportedAt = &at
	rec.Outcome = history.OutcomeExported
	rec.Error = ""
	if err := m.put(ctx, rec); err != nil {
		return rec, err
	}
	log.Debug("exported branch", "project", p.DisplayName(), "branch", branch, "path", path)
	return rec, nil
}

// fail persists a failed record and returns cause, wrapped with the stage.
func (m *Machine) fail(ctx context.Context, rec history.ArchiveRecord, cause error) (history.ArchiveRecord, error) {
	log.Warn("archive step failed", "project", rec.ProjectName, "branch", rec.Branch, "outcome", rec.Outcome, "error", cause)
	if err := m.put(ctx, rec); err != nil {
		return rec, errors.Join(cause, err)
	}
	return rec, fmt.Errorf("%s: %w", rec.Outcome, cause)
}

func (m *Machine) get(ctx context.Context, projectID, branch string) (history.ArchiveRecord, bool, error) {
	if m.dryRun {
		m.mu.Lock()
		rec, ok := m.overlay[overlayKey(projectID, branch)]
		m.mu.Unlock()
		if ok {
			return rec, true, nil
		}
	}
	return m.records.GetArchive(ctx, projectID, branch)
}

func (m *Machine) put(ctx context.Context, rec history.ArchiveRecord) error {
	rec.UpdatedAt = m.now()
	if m.dryRun {
		if err := rec.Validate(); err != nil {
			return err
		}
		m.mu.Lock()
		m.overlay[overlayKey(rec.ProjectID, rec.Branch)] = rec
		m.mu.Unlock()
		return nil
	}
	if err := m.records.PutArchive(ctx, rec); err != nil {
		return fmt.Errorf("failed to record archive state %s: %w", rec.Outcome, err)
	}
	return nil
}

func overlayKey(projectID, branch string) string {
	return projectID + "\x00" + branch
}

func itemIDs(items []model.ActivityItem) []int {
	if len(items) == 0 {
		return nil
	}
	ids := make([]int, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}
