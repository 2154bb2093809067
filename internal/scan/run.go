package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/notify"
	"github.com/spiffcs/stalebot/internal/stale"
)

// Summary is the per-run report shown by the CLI and stored for the
// dashboard.
type Summary struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DryRun     bool      `json:"dryRun"`
	Projects   int       `json:"projects"`

	TotalStaleBranches int `json:"totalStaleBranches"`
	TotalStaleItems    int `json:"totalStaleItems"`
	Suppressed         int `json:"suppressed"`
	Recipients         int `json:"recipients"`
	Unroutable         int `json:"unroutable"`

	EmailsSent    int `json:"emailsSent"`
	EmailsFailed  int `json:"emailsFailed"`
	EmailsSkipped int `json:"emailsSkipped"`

	CommentsPosted  int `json:"commentsPosted"`
	CommentsSkipped int `json:"commentsSkipped"`
	CommentsFailed  int `json:"commentsFailed"`

	Archived        int `json:"archived"`
	ArchiveFailures int `json:"archiveFailures"`

	ProjectErrors  []ProjectError          `json:"projectErrors,omitempty"`
	ArchiveRecords []history.ArchiveRecord `json:"archiveRecords,omitempty"`
	DeliveryErrors map[string]string       `json:"deliveryErrors,omitempty"`

	// StaleAges is the age in days of every stale entry, for run statistics.
	StaleAges []float64 `json:"-"`
}

// Duration returns how long the run took.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Run scans every project, archives candidates, delivers digests for what
// remains and posts reminder comments. Per-project, per-recipient and
// per-item failures are counted in the summary rather than returned.
func (o *Orchestrator) Run(ctx context.Context, projects []model.Project) (*Summary, error) {
	runID := o.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	sum := &Summary{
		RunID:     runID,
		StartedAt: o.now(),
		DryRun:    o.cfg.DryRun,
		Projects:  len(projects),
	}
	log.Info("starting run", "projects", len(projects), "dry_run", o.cfg.DryRun)

	res, err := o.ScanAll(ctx, projects)
	if err != nil {
		return nil, err
	}
	sum.TotalStaleBranches = res.StaleBranches
	sum.TotalStaleItems = res.StaleItems
	sum.Suppressed = res.Suppressed
	sum.Unroutable = res.Unroutable
	sum.ProjectErrors = res.ProjectErrors
	sum.StaleAges = res.StaleAges

	openItems := res.OpenItems
	if o.archiver != nil {
		records, unrecorded := o.archiveAll(ctx, res.Candidates)
		sum.ArchiveRecords = records
		sum.ArchiveFailures = unrecorded
		for _, rec := range records {
			if rec.Outcome == history.OutcomeDeleted {
				sum.Archived++
			} else {
				sum.ArchiveFailures++
			}
		}
		gone := archivedSet(records)
		pruneDigests(res.Digests, gone)
		openItems = withoutArchived(openItems, gone)
	}
	sum.Recipients = len(res.Digests)

	if o.notifier != nil {
		o.report(StageNotify, 0, len(res.Digests))
		report := o.notifier.Deliver(ctx, res.Digests)
		sum.EmailsSent = report.Sent
		sum.EmailsFailed = report.Failed
		sum.EmailsSkipped = report.Skipped
		sum.DeliveryErrors = report.Errors
		o.report(StageNotify, len(res.Digests), len(res.Digests))
	}

	if o.reminder != nil {
		o.report(StageComment, 0, len(openItems))
		report := o.reminder.Run(ctx, openItems)
		sum.CommentsPosted = report.Posted
		sum.CommentsSkipped = report.Skipped
		sum.CommentsFailed = report.Failed
		o.report(StageComment, len(openItems), len(openItems))
	}

	sum.FinishedAt = o.now()
	log.Info("run complete", "sent", sum.EmailsSent, "failed", sum.EmailsFailed,
		"skipped", sum.EmailsSkipped, "archived", sum.Archived, "archiveFailures", sum.ArchiveFailures)
	return sum, ctx.Err()
}

// archiveAll runs the archive sequence for each candidate on the worker
// pool. Each branch is handled by exactly one goroutine.
func (o *Orchestrator) archiveAll(ctx context.Context, candidates []stale.Candidate) ([]history.ArchiveRecord, int) {
	var (
		mu         sync.Mutex
		completed  int32
		unrecorded int
		records    = make([]history.ArchiveRecord, 0, len(candidates))
	)
	o.report(StageArchive, 0, len(candidates))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxWorkers)
	for _, c := range candidates {
		g.Go(func() error {
			rec, err := o.archiver.Archive(ctx, c)
			if err != nil {
				log.Warn("archive failed", "project", c.Branch.Project.DisplayName(), "branch", c.Branch.Name, "error", err)
			}
			mu.Lock()
			if rec.ProjectID != "" {
				records = append(records, rec)
			} else if err != nil {
				unrecorded++
			}
			mu.Unlock()
			o.report(StageArchive, int(atomic.AddInt32(&completed, 1)), len(candidates))
			return nil
		})
	}
	_ = g.Wait()
	return records, unrecorded
}

type branchKey struct {
	project, branch string
}

func archivedSet(records []history.ArchiveRecord) map[branchKey][]int {
	gone := make(map[branchKey][]int)
	for _, rec := range records {
		if rec.Outcome == history.OutcomeDeleted {
			gone[branchKey{rec.ProjectID, rec.Branch}] = rec.ItemIDs
		}
	}
	return gone
}

// closedItem reports whether an item was closed as part of an archive.
func closedItem(gone map[branchKey][]int, it model.ActivityItem) bool {
	for _, id := range gone[branchKey{it.Project.ID, it.SourceBranch}] {
		if id == it.ID {
			return true
		}
	}
	return false
}

// pruneDigests drops archived branches and closed items, and recipients
// left with nothing.
func pruneDigests(digests map[string]*notify.Digest, gone map[branchKey][]int) {
	if len(gone) == 0 {
		return
	}
	for email, d := range digests {
		branches := d.Branches[:0]
		for _, b := range d.Branches {
			if _, ok := gone[branchKey{b.Project.ID, b.Name}]; !ok {
				branches = append(branches, b)
			}
		}
		d.Branches = branches
		items := d.Items[:0]
		for _, it := range d.Items {
			if !closedItem(gone, it) {
				items = append(items, it)
			}
		}
		d.Items = items
		if d.Len() == 0 {
			delete(digests, email)
		}
	}
}

func withoutArchived(items []model.ActivityItem, gone map[branchKey][]int) []model.ActivityItem {
	out := make([]model.ActivityItem, 0, len(items))
	for _, it := range items {
		if !closedItem(gone, it) {
			out = append(out, it)
		}
	}
	return out
}
