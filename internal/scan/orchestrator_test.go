package scan

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spiffcs/stalebot/internal/archive"
	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/notify"
	"github.com/spiffcs/stalebot/internal/platform"
	"github.com/spiffcs/stalebot/internal/platform/platformtest"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const week = 7 * 24 * time.Hour

func clock() time.Time { return now }

func daysAgo(d int) time.Time { return now.Add(-time.Duration(d) * 24 * time.Hour) }

func active(email string) model.Identity {
	return model.Identity{Email: email, Status: model.StatusActive}
}

func defaultConfig() Config {
	return Config{StaleDays: 30, CleanupWeeks: 4, MaxWorkers: 4, RequestTimeout: time.Second, FallbackEmail: "ops@x.com"}
}

func project(id string) model.Project {
	return model.Project{ID: id, Kind: model.KindGitLab}
}

func TestScanAllProtectedAndStaleBranch(t *testing.T) {
	fake := platformtest.New()
	fake.Branches["1"] = []model.BranchRef{
		{Name: "main", LastCommit: daysAgo(400)},
		{Name: "feature/x", LastCommit: daysAgo(40), Committer: model.Person{Email: "a@x.com"}},
	}
	fake.Protected["1"] = []string{"main"}
	fake.Identities["a@x.com"] = active("a@x.com")

	o := New(fake, defaultConfig(), WithClock(clock))
	res, err := o.ScanAll(context.Background(), []model.Project{project("1")})
	if err != nil {
		t.Fatalf("ScanAll() error = %v", err)
	}
	if res.StaleBranches != 1 || res.StaleItems != 0 {
		t.Errorf("stale = %d branches %d items, want 1 and 0", res.StaleBranches, res.StaleItems)
	}
	d, ok := res.Digests["a@x.com"]
	if !ok || len(d.Branches) != 1 || d.Branches[0].Name != "feature/x" {
		t.Fatalf("Digests = %+v, want feature/x for a@x.com", res.Digests)
	}
	if len(res.Digests) != 1 {
		t.Errorf("recipients = %d, want 1", len(res.Digests))
	}
}

func TestScanAllRoutesItemNotBranch(t *testing.T) {
	fake := platformtest.New()
	fake.Branches["1"] = []model.BranchRef{
		{Name: "feature/y", LastCommit: daysAgo(50), Committer: model.Person{Email: "c@x.com"}},
	}
	fake.Items["1"] = []model.ActivityItem{{
		ID:           4,
		SourceBranch: "feature/y",
		LastActivity: daysAgo(35),
		Assignee:     &model.Person{Email: "b@x.com"},
		Author:       model.Person{Email: "c@x.com"},
		Open:         true,
	}}
	fake.Identities["b@x.com"] = model.Identity{Email: "b@x.com", Status: model.StatusInactive}
	fake.Identities["c@x.com"] = active("c@x.com")

	o := New(fake, defaultConfig(), WithClock(clock))
	res, err := o.ScanAll(context.Background(), []model.Project{project("1")})
	if err != nil {
		t.Fatalf("ScanAll() error = %v", err)
	}
	d := res.Digests["c@x.com"]
	if d == nil || len(d.Items) != 1 || d.Items[0].ID != 4 {
		t.Fatalf("Digests = %+v, want item 4 for c@x.com", res.Digests)
	}
	if len(d.Branches) != 0 {
		t.Errorf("branch notification for feature/y: %+v", d.Branches)
	}
	if res.Suppressed != 1 {
		t.Errorf("Suppressed = %d, want 1", res.Suppressed)
	}
}

func TestScanAllIsolatesProjectFailures(t *testing.T) {
	fake := platformtest.New()
	fake.ListErr["bad"] = errors.New("502 bad gateway")
	fake.Branches["good"] = []model.BranchRef{{Name: "old", LastCommit: daysAgo(60)}}

	o := New(fake, defaultConfig(), WithClock(clock))
	res, err := o.ScanAll(context.Background(), []model.Project{project("bad"), project("good")})
	if err != nil {
		t.Fatalf("ScanAll() error = %v", err)
	}
	if len(res.ProjectErrors) != 1 || res.ProjectErrors[0].Project.ID != "bad" {
		t.Fatalf("ProjectErrors = %+v, want bad", res.ProjectErrors)
	}
	if res.StaleBranches != 1 {
		t.Errorf("StaleBranches = %d, want 1 from the healthy project", res.StaleBranches)
	}
	if d := res.Digests["ops@x.com"]; d == nil || len(d.Branches) != 1 {
		t.Errorf("fallback digest = %+v", d)
	}
}

func TestScanAllMergesRecipientAcrossProjects(t *testing.T) {
	fake := platformtest.New()
	fake.Identities["a@x.com"] = active("a@x.com")
	var projects []model.Project
	for _, id := range []string{"1", "2", "3"} {
		fake.Branches[id] = []model.BranchRef{{Name: "stale-" + id, LastCommit: daysAgo(45), Committer: model.Person{Email: "a@x.com"}}}
		projects = append(projects, project(id))
	}

	o := New(fake, defaultConfig(), WithClock(clock))
	res, err := o.ScanAll(context.Background(), projects)
	if err != nil {
		t.Fatal(err)
	}
	if d := res.Digests["a@x.com"]; d == nil || len(d.Branches) != 3 {
		t.Fatalf("digest = %+v, want 3 branches across projects", d)
	}
	if fake.Lookups("a@x.com") != 1 {
		t.Errorf("identity resolved %d times, want 1", fake.Lookups("a@x.com"))
	}
}

func TestScanAllProtectedPatterns(t *testing.T) {
	fake := platformtest.New()
	fake.Branches["1"] = []model.BranchRef{
		{Name: "release/1.0", LastCommit: daysAgo(90)},
		{Name: "develop", LastCommit: daysAgo(90)},
		{Name: "feature/z", LastCommit: daysAgo(90)},
	}
	cfg := defaultConfig()
	cfg.ProtectedPatterns = []string{"release/*", "develop"}

	o := New(fake, cfg, WithClock(clock))
	res, _ := o.ScanAll(context.Background(), []model.Project{project("1")})
	if res.StaleBranches != 1 {
		t.Errorf("StaleBranches = %d, want only feature/z", res.StaleBranches)
	}
}

func TestScanAllPlatformWildcardProtection(t *testing.T) {
	fake := platformtest.New()
	fake.Branches["1"] = []model.BranchRef{
		{Name: "release/2.0", LastCommit: daysAgo(90)},
		{Name: "feature/z", LastCommit: daysAgo(90)},
	}
	fake.Protected["1"] = []string{"release/*"}

	o := New(fake, defaultConfig(), WithClock(clock))
	res, _ := o.ScanAll(context.Background(), []model.Project{project("1")})
	if res.StaleBranches != 1 {
		t.Errorf("StaleBranches = %d, want only feature/z", res.StaleBranches)
	}
}

func TestScanAllUnroutable(t *testing.T) {
	fake := platformtest.New()
	fake.Branches["1"] = []model.BranchRef{{Name: "old", LastCommit: daysAgo(60)}}
	cfg := defaultConfig()
	cfg.FallbackEmail = ""

	res, _ := New(fake, cfg, WithClock(clock)).ScanAll(context.Background(), []model.Project{project("1")})
	if res.Unroutable != 1 || len(res.Digests) != 0 {
		t.Errorf("Unroutable = %d, digests = %d; want 1 and 0", res.Unroutable, len(res.Digests))
	}
}

// gatedAdapter tracks how many ListBranches calls run at once.
type gatedAdapter struct {
	*platformtest.Fake
	current, peak atomic.Int32
}

func (g *gatedAdapter) ListBranches(ctx context.Context, p model.Project) ([]model.BranchRef, error) {
	n := g.current.Add(1)
	defer g.current.Add(-1)
	for {
		old := g.peak.Load()
		if n <= old || g.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return g.Fake.ListBranches(ctx, p)
}

func TestScanAllBoundsWorkers(t *testing.T) {
	g := &gatedAdapter{Fake: platformtest.New()}
	var projects []model.Project
	for i := 0; i < 12; i++ {
		projects = append(projects, project(string(rune('a'+i))))
	}
	cfg := defaultConfig()
	cfg.MaxWorkers = 3

	var mu sync.Mutex
	var last int
	o := New(g, cfg, WithClock(clock), WithProgress(func(stage Stage, completed, total int) {
		mu.Lock()
		defer mu.Unlock()
		if stage == StageScan && completed > last {
			last = completed
		}
	}))
	res, err := o.ScanAll(context.Background(), projects)
	if err != nil {
		t.Fatal(err)
	}
	if p := g.peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
	if len(res.Projects) != 12 {
		t.Errorf("results = %d, want 12", len(res.Projects))
	}
	if last != 12 {
		t.Errorf("progress reached %d, want 12", last)
	}
}

// hangingAdapter blocks one method until its context is done.
type hangingAdapter struct {
	*platformtest.Fake
	method string
}

func (h *hangingAdapter) hang(ctx context.Context, method string) error {
	if h.method != method {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (h *hangingAdapter) ProjectName(ctx context.Context, p model.Project) (string, error) {
	if err := h.hang(ctx, "ProjectName"); err != nil {
		return "", err
	}
	return h.Fake.ProjectName(ctx, p)
}

func (h *hangingAdapter) ResolveIdentity(ctx context.Context, key string) (model.Identity, error) {
	if err := h.hang(ctx, "ResolveIdentity"); err != nil {
		return model.Identity{}, err
	}
	return h.Fake.ResolveIdentity(ctx, key)
}

func (h *hangingAdapter) ExportBranch(ctx context.Context, p model.Project, branch, dest string) (string, error) {
	if err := h.hang(ctx, "ExportBranch"); err != nil {
		return "", err
	}
	return h.Fake.ExportBranch(ctx, p, branch, dest)
}

// within fails the test if fn does not return within two seconds.
func within[T any](t *testing.T, fn func() T) T {
	t.Helper()
	done := make(chan T, 1)
	go func() { done <- fn() }()
	select {
	case v := <-done:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("call still blocked after 2s")
		var zero T
		return zero
	}
}

func TestScanAllTimeoutIsProjectFailure(t *testing.T) {
	h := &hangingAdapter{Fake: platformtest.New(), method: "ProjectName"}
	cfg := defaultConfig()
	cfg.RequestTimeout = 20 * time.Millisecond

	res := within(t, func() *Result {
		res, err := New(h, cfg, WithClock(clock)).ScanAll(context.Background(), []model.Project{project("slow")})
		if err != nil {
			t.Errorf("ScanAll() error = %v", err)
		}
		return res
	})
	if len(res.ProjectErrors) != 1 {
		t.Fatalf("ProjectErrors = %+v, want the timed-out project", res.ProjectErrors)
	}
	if !errors.Is(res.Projects[0].Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want deadline exceeded", res.Projects[0].Err)
	}
}

func TestScanAllBoundsIdentityLookup(t *testing.T) {
	h := &hangingAdapter{Fake: platformtest.New(), method: "ResolveIdentity"}
	h.Branches["1"] = []model.BranchRef{
		{Name: "feature/x", LastCommit: daysAgo(40), Committer: model.Person{Email: "a@x.com"}},
	}
	cfg := defaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond

	res := within(t, func() *Result {
		res, err := New(h, cfg, WithClock(clock)).ScanAll(context.Background(), []model.Project{project("1")})
		if err != nil {
			t.Errorf("ScanAll() error = %v", err)
		}
		return res
	})
	if len(res.ProjectErrors) != 0 {
		t.Fatalf("ProjectErrors = %+v, a slow lookup should only downgrade the identity", res.ProjectErrors)
	}
	if d, ok := res.Digests["ops@x.com"]; !ok || len(d.Branches) != 1 {
		t.Errorf("Digests = %+v, want feature/x routed to the fallback", res.Digests)
	}
}

type countingSender struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (s *countingSender) Send(_ context.Context, m notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

type pipeline struct {
	fake *platformtest.Fake
	// adapter replaces fake as the platform when set.
	adapter platform.Adapter
	timeout time.Duration
	store   *history.Store
	sender  *countingSender
	folder  string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := t.TempDir()
	store, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fake := platformtest.New()
	fake.Identities["a@x.com"] = active("a@x.com")
	fake.Identities["c@x.com"] = active("c@x.com")
	fake.Branches["1"] = []model.BranchRef{
		{Name: "main", LastCommit: daysAgo(500)},
		{Name: "feature/x", LastCommit: daysAgo(40), Committer: model.Person{Email: "a@x.com"}},
		{Name: "feature/ancient", LastCommit: daysAgo(30 + 28 + 1), Committer: model.Person{Email: "a@x.com"}},
		{Name: "feature/y", LastCommit: daysAgo(80), Committer: model.Person{Email: "c@x.com"}},
	}
	fake.Protected["1"] = []string{"main"}
	fake.Items["1"] = []model.ActivityItem{{ID: 4, SourceBranch: "feature/y", LastActivity: daysAgo(20), Author: model.Person{Email: "c@x.com"}, Open: true}}
	return &pipeline{fake: fake, store: store, sender: &countingSender{}, folder: filepath.Join(dir, "archives")}
}

func (p *pipeline) orchestrator(t *testing.T, dryRun bool) *Orchestrator {
	t.Helper()
	var adapter platform.Adapter = p.fake
	if p.adapter != nil {
		adapter = p.adapter
	}
	if dryRun {
		adapter = platform.NewDryRun(adapter)
	}
	composer, err := notify.NewComposer(nil, 30, 4)
	if err != nil {
		t.Fatal(err)
	}
	cfg := defaultConfig()
	cfg.AutoArchive = true
	cfg.DryRun = dryRun
	if p.timeout > 0 {
		cfg.RequestTimeout = p.timeout
	}
	adapter = platform.WithTimeout(adapter, cfg.RequestTimeout)
	return New(adapter, cfg,
		WithClock(clock),
		WithNotifier(notify.NewNotifier(composer, p.sender, p.store, week, notify.WithNotifierClock(clock), notify.WithNotifierDryRun(dryRun))),
		WithReminder(notify.NewReminder(adapter, p.store, []string{"ping"}, 14, week, notify.WithReminderClock(clock), notify.WithReminderDryRun(dryRun))),
		WithArchiver(archive.New(adapter, p.store, p.folder, archive.WithClock(clock), archive.WithDryRun(dryRun))),
	)
}

func TestRunArchivesThenNotifies(t *testing.T) {
	p := newPipeline(t)
	sum, err := p.orchestrator(t, false).Run(context.Background(), []model.Project{project("1")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.RunID == "" {
		t.Error("RunID empty")
	}
	if sum.TotalStaleBranches != 2 {
		t.Errorf("TotalStaleBranches = %d, want 2 (feature/y is covered by its item)", sum.TotalStaleBranches)
	}
	if sum.Archived != 1 || sum.ArchiveFailures != 0 {
		t.Errorf("archived = %d failures = %d, want 1 and 0", sum.Archived, sum.ArchiveFailures)
	}
	if len(sum.ArchiveRecords) != 1 || sum.ArchiveRecords[0].Branch != "feature/ancient" {
		t.Errorf("ArchiveRecords = %+v", sum.ArchiveRecords)
	}
	if sum.EmailsSent != 1 {
		t.Errorf("EmailsSent = %d, want 1", sum.EmailsSent)
	}
	if sum.CommentsPosted != 1 {
		t.Errorf("CommentsPosted = %d, want 1", sum.CommentsPosted)
	}
	if len(p.sender.sent) != 1 || p.sender.sent[0].To != "a@x.com" {
		t.Fatalf("sent = %+v, want one digest to a@x.com", p.sender.sent)
	}
	if got := p.sender.sent[0].Subject; got != "[Action Required] 1 Stale Branch(es) Require Attention" {
		t.Errorf("Subject = %q, archived branch should be dropped from the digest", got)
	}

	again, err := p.orchestrator(t, false).Run(context.Background(), []model.Project{project("1")})
	if err != nil {
		t.Fatal(err)
	}
	if again.EmailsSent != 0 || again.EmailsSkipped != 1 {
		t.Errorf("second run sent = %d skipped = %d, want 0 and 1", again.EmailsSent, again.EmailsSkipped)
	}
	if again.CommentsPosted != 0 || again.CommentsSkipped != 1 {
		t.Errorf("second run comments posted = %d skipped = %d", again.CommentsPosted, again.CommentsSkipped)
	}
}

func TestRunDryRunMatchesLiveCounts(t *testing.T) {
	dry := newPipeline(t)
	drySum, err := dry.orchestrator(t, true).Run(context.Background(), []model.Project{project("1")})
	if err != nil {
		t.Fatalf("dry Run() error = %v", err)
	}
	if n := len(dry.fake.Mutations()); n != 0 {
		t.Errorf("dry run made %d platform mutations: %+v", n, dry.fake.Mutations())
	}
	if len(dry.fake.Calls("ExportBranch")) != 0 {
		t.Error("dry run exported a branch")
	}
	if len(dry.sender.sent) != 0 {
		t.Errorf("dry run sent %d emails", len(dry.sender.sent))
	}
	if recs, _ := dry.store.ListNotifications(context.Background(), time.Time{}); len(recs) != 0 {
		t.Errorf("dry run wrote %d notification records", len(recs))
	}

	live := newPipeline(t)
	liveSum, err := live.orchestrator(t, false).Run(context.Background(), []model.Project{project("1")})
	if err != nil {
		t.Fatal(err)
	}

	type counts struct{ branches, items, sent, skipped, archived, failures, comments int }
	got := counts{drySum.TotalStaleBranches, drySum.TotalStaleItems, drySum.EmailsSent, drySum.EmailsSkipped, drySum.Archived, drySum.ArchiveFailures, drySum.CommentsPosted}
	want := counts{liveSum.TotalStaleBranches, liveSum.TotalStaleItems, liveSum.EmailsSent, liveSum.EmailsSkipped, liveSum.Archived, liveSum.ArchiveFailures, liveSum.CommentsPosted}
	if got != want {
		t.Errorf("dry-run counts = %+v, live = %+v", got, want)
	}
	if !drySum.DryRun || liveSum.DryRun {
		t.Error("DryRun flag not reflected in summary")
	}
}

func TestRunBoundsHangingExport(t *testing.T) {
	p := newPipeline(t)
	p.adapter = &hangingAdapter{Fake: p.fake, method: "ExportBranch"}
	p.timeout = 50 * time.Millisecond

	sum := within(t, func() *Summary {
		sum, err := p.orchestrator(t, false).Run(context.Background(), []model.Project{project("1")})
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
		return sum
	})
	if sum.Archived != 0 || sum.ArchiveFailures != 1 {
		t.Errorf("archived = %d failures = %d, want 0 and 1", sum.Archived, sum.ArchiveFailures)
	}
	if sum.ArchiveRecords[0].Outcome != history.OutcomeFailedExport {
		t.Errorf("Outcome = %s, want failed-at-export", sum.ArchiveRecords[0].Outcome)
	}
	if len(p.fake.Calls("DeleteBranch")) != 0 {
		t.Error("branch deleted after timed-out export")
	}
	if sum.EmailsSent != 1 {
		t.Errorf("EmailsSent = %d, want the digest to go out after the failed export", sum.EmailsSent)
	}
}

func TestRunArchiveFailureKeepsNotification(t *testing.T) {
	p := newPipeline(t)
	p.fake.ExportErr = errors.New("no space left on device")

	sum, err := p.orchestrator(t, false).Run(context.Background(), []model.Project{project("1")})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Archived != 0 || sum.ArchiveFailures != 1 {
		t.Errorf("archived = %d failures = %d, want 0 and 1", sum.Archived, sum.ArchiveFailures)
	}
	if sum.ArchiveRecords[0].Outcome != history.OutcomeFailedExport {
		t.Errorf("Outcome = %s, want failed-at-export", sum.ArchiveRecords[0].Outcome)
	}
	if len(p.fake.Calls("DeleteBranch")) != 0 {
		t.Error("branch deleted after failed export")
	}
	if got := p.sender.sent[0].Subject; got != "[Action Required] 2 Stale Branch(es) Require Attention" {
		t.Errorf("Subject = %q, unarchived branch should stay in the digest", got)
	}
}
