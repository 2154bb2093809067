// Package scan fans the per-project pipeline out across a bounded worker
// pool and drives notification, reminder comments and archiving for a run.
package scan

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/notify"
	"github.com/spiffcs/stalebot/internal/platform"
	"github.com/spiffcs/stalebot/internal/route"
	"github.com/spiffcs/stalebot/internal/stale"
)

// Stage identifies a phase of a run for progress reporting.
type Stage string

const (
	StageScan    Stage = "scan"
	StageArchive Stage = "archive"
	StageNotify  Stage = "notify"
	StageComment Stage = "comment"
)

// ProgressFunc is called as work in a stage completes.
type ProgressFunc func(stage Stage, completed, total int)

// Config holds the thresholds and limits of a scan.
type Config struct {
	StaleDays    int
	CleanupWeeks int
	MaxWorkers   int
	// RequestTimeout bounds each platform call made through the adapter.
	RequestTimeout time.Duration
	// ProtectedPatterns are branch names or path.Match globs that are always
	// treated as protected.
	ProtectedPatterns []string
	FallbackEmail     string
	AutoArchive       bool
	DryRun            bool
	// RunID labels the summary. Empty means a fresh uuid per run.
	RunID string
}

// ProjectError is a project that failed to scan.
type ProjectError struct {
	Project model.Project `json:"project"`
	Error   string        `json:"error"`
}

// Routed pairs a stale entry with its routing decision. Exactly one of
// Branch or Item is set.
type Routed struct {
	Decision route.RecipientDecision
	Branch   *model.BranchRef
	Item     *model.ActivityItem
}

// ProjectResult is the outcome of one project task.
type ProjectResult struct {
	Project       model.Project
	Branches      int
	StaleBranches []model.BranchRef
	StaleItems    []model.ActivityItem
	Suppressed    []stale.Suppression
	OpenItems     []model.ActivityItem
	Routed        []Routed
	Candidates    []stale.Candidate
	Err           error
}

// Result is the merged outcome of scanning every project.
type Result struct {
	Projects      []ProjectResult
	Digests       map[string]*notify.Digest
	OpenItems     []model.ActivityItem
	Candidates    []stale.Candidate
	ProjectErrors []ProjectError

	StaleBranches int
	StaleItems    int
	Suppressed    int
	Unroutable    int

	// StaleAges holds the age in days of every stale branch and item.
	StaleAges []float64
}

// Orchestrator scans projects and runs the notification pipeline.
type Orchestrator struct {
	platform platform.Adapter
	cfg      Config
	now      func() time.Time

	notifier *notify.Notifier
	reminder *notify.Reminder
	archiver Archiver

	onProgress ProgressFunc
}

// Archiver runs the archive sequence for one candidate.
type Archiver interface {
	Archive(ctx context.Context, c stale.Candidate) (history.ArchiveRecord, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithNotifier enables digest delivery.
func WithNotifier(n *notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithReminder enables reminder comments.
func WithReminder(r *notify.Reminder) Option {
	return func(o *Orchestrator) { o.reminder = r }
}

// WithArchiver enables archiving of candidates.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithProgress registers a progress callback. It may be called from worker
// goroutines.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.onProgress = fn }
}

// New creates an Orchestrator over p.
func New(p platform.Adapter, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	o := &Orchestrator{platform: platform.WithTimeout(p, cfg.RequestTimeout), cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) report(stage Stage, completed, total int) {
	if o.onProgress != nil {
		o.onProgress(stage, completed, total)
	}
}

// ScanAll runs one failure-isolated task per project on at most MaxWorkers
// goroutines and returns once every task has finished. Routing uses a fresh
// identity cache for the call.
func (o *Orchestrator) ScanAll(ctx context.Context, projects []model.Project) (*Result, error) {
	router := route.NewRouter(o.platform, o.cfg.FallbackEmail)
	now := o.now()

	var (
		mu        sync.Mutex
		completed int32
		results   = make([]ProjectResult, 0, len(projects))
	)
	o.report(StageScan, 0, len(projects))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxWorkers)
	for _, p := range projects {
		g.Go(func() error {
			pr := o.scanProject(ctx, router, p, now)
			mu.Lock()
			results = append(results, pr)
			mu.Unlock()
			o.report(StageScan, int(atomic.AddInt32(&completed, 1)), len(projects))
			return nil
		})
	}
	_ = g.Wait()

	res := merge(results, now)
	log.Info("scan complete", "projects", len(projects), "failed", len(res.ProjectErrors),
		"staleBranches", res.StaleBranches, "staleItems", res.StaleItems, "recipients", len(res.Digests),
		"identities", router.Identities().Len())
	return res, ctx.Err()
}

func (o *Orchestrator) scanProject(ctx context.Context, router *route.Router, p model.Project, now time.Time) ProjectResult {
	pr := ProjectResult{Project: p}
	fail := func(step string, err error) ProjectResult {
		pr.Err = fmt.Errorf("%s: %w", step, err)
		log.Error("project scan failed", "project", p.DisplayName(), "step", step, "error", err)
		return pr
	}

	name, err := o.platform.ProjectName(ctx, p)
	if err != nil {
		return fail("resolve project", err)
	}
	if p.Name == "" {
		p.Name = name
	}
	pr.Project = p

	branches, err := o.platform.ListBranches(ctx, p)
	if err != nil {
		return fail("list branches", err)
	}
	protected, err := o.platform.ListProtectedBranches(ctx, p)
	if err != nil {
		return fail("list protected branches", err)
	}
	items, err := o.platform.ListOpenItems(ctx, p)
	if err != nil {
		return fail("list open items", err)
	}

	for i := range branches {
		branches[i].Project = p
		if o.isProtected(branches[i], protected) {
			branches[i].Protected = true
		}
	}
	open := items[:0]
	for _, it := range items {
		if !it.Open {
			continue
		}
		it.Project = p
		open = append(open, it)
	}

	res := stale.Classify(branches, open, now, o.cfg.StaleDays)
	pr.Branches = len(branches)
	pr.StaleBranches = res.StaleBranches
	pr.StaleItems = res.StaleItems
	pr.Suppressed = res.Suppressed
	pr.OpenItems = open

	for i := range res.StaleItems {
		it := &res.StaleItems[i]
		pr.Routed = append(pr.Routed, Routed{Decision: router.Route(ctx, *it), Item: it})
	}
	for i := range res.StaleBranches {
		b := &res.StaleBranches[i]
		pr.Routed = append(pr.Routed, Routed{Decision: router.RouteBranch(ctx, *b), Branch: b})
	}

	if o.cfg.AutoArchive {
		pr.Candidates = stale.ArchiveCandidates(branches, open, now, o.cfg.StaleDays, o.cfg.CleanupWeeks)
	}

	log.Debug("scanned project", "project", p.DisplayName(), "branches", len(branches), "open", len(open),
		"staleBranches", len(res.StaleBranches), "staleItems", len(res.StaleItems), "suppressed", len(res.Suppressed),
		"candidates", len(pr.Candidates))
	return pr
}

// isProtected combines the platform flag, the platform's protected list and
// the configured patterns.
func (o *Orchestrator) isProtected(b model.BranchRef, set platform.BranchSet) bool {
	if b.Protected || set.Has(b.Name) {
		return true
	}
	for _, pat := range o.cfg.ProtectedPatterns {
		if matchBranch(pat, b.Name) {
			return true
		}
	}
	// GitLab reports wildcard protections ("release/*") as names.
	for name := range set {
		if strings.ContainsAny(name, "*?[") && matchBranch(name, b.Name) {
			return true
		}
	}
	return false
}

func matchBranch(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// merge combines project results. It runs after the barrier, so the digests
// reflect every project scanned.
func merge(results []ProjectResult, now time.Time) *Result {
	sort.Slice(results, func(i, j int) bool { return results[i].Project.ID < results[j].Project.ID })

	res := &Result{Projects: results, Digests: make(map[string]*notify.Digest)}
	digest := func(email string) *notify.Digest {
		d, ok := res.Digests[email]
		if !ok {
			d = &notify.Digest{Recipient: email}
			res.Digests[email] = d
		}
		return d
	}

	for _, pr := range results {
		if pr.Err != nil {
			res.ProjectErrors = append(res.ProjectErrors, ProjectError{Project: pr.Project, Error: pr.Err.Error()})
			continue
		}
		res.StaleBranches += len(pr.StaleBranches)
		res.StaleItems += len(pr.StaleItems)
		res.Suppressed += len(pr.Suppressed)
		res.OpenItems = append(res.OpenItems, pr.OpenItems...)
		res.Candidates = append(res.Candidates, pr.Candidates...)

		for _, b := range pr.StaleBranches {
			res.StaleAges = append(res.StaleAges, now.Sub(b.LastCommit).Hours()/24)
		}
		for _, it := range pr.StaleItems {
			res.StaleAges = append(res.StaleAges, now.Sub(it.LastActivity).Hours()/24)
		}

		for _, r := range pr.Routed {
			if r.Decision.Reason == route.ReasonUnroutable {
				res.Unroutable++
				continue
			}
			d := digest(r.Decision.Email)
			if r.Item != nil {
				d.Items = append(d.Items, *r.Item)
			} else {
				d.Branches = append(d.Branches, *r.Branch)
			}
		}
	}
	return res
}
