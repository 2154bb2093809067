package notify

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/platform/platformtest"
)

var (
	now     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	project = model.Project{ID: "42", Name: "group/app", Kind: model.KindGitLab}
)

const week = 7 * 24 * time.Hour

func clock() time.Time { return now }

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	fail map[string]error
}

func (s *recordingSender) Send(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[m.To]; err != nil {
		return err
	}
	s.sent = append(s.sent, m)
	return nil
}

func openStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newComposer(t *testing.T) *Composer {
	t.Helper()
	c, err := NewComposer([]string{"Idle for {{.StaleDays}} days:"}, 30, 4,
		WithComposerClock(clock), WithGreetingPicker(func(int) int { return 0 }))
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}
	return c
}

func branch(name string) model.BranchRef {
	return model.BranchRef{Project: project, Name: name, LastCommit: now.Add(-40 * 24 * time.Hour), Committer: model.Person{Name: "Ann"}}
}

func item(id int) model.ActivityItem {
	return model.ActivityItem{Project: project, ID: id, Title: "Add <thing>", WebURL: "https://gitlab.example.com/mr/1", SourceBranch: "feature/y", LastActivity: now.Add(-35 * 24 * time.Hour), Open: true}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name string
		d    Digest
		want string
	}{
		{"both", Digest{Branches: []model.BranchRef{branch("a")}, Items: []model.ActivityItem{item(1), item(2)}}, "[Action Required] 3 Stale Item(s) Require Attention"},
		{"items only", Digest{Items: []model.ActivityItem{item(1)}}, "[Action Required] 1 Stale Merge/Pull Request(s) Require Attention"},
		{"branches only", Digest{Branches: []model.BranchRef{branch("a"), branch("b")}}, "[Action Required] 2 Stale Branch(es) Require Attention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Subject(&tt.d); got != tt.want {
				t.Errorf("Subject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompose(t *testing.T) {
	c := newComposer(t)
	d := &Digest{Recipient: "a@x.com", Branches: []model.BranchRef{branch("feature/x")}, Items: []model.ActivityItem{item(7)}}

	msg, err := c.Compose(d)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if msg.To != "a@x.com" {
		t.Errorf("To = %q", msg.To)
	}
	for _, want := range []string{
		"Idle for 30 days:",
		"feature/x",
		"!7 - Add &lt;thing&gt;",
		"group/app",
		"by Ann",
		"(1mo ago)",
		"4 more weeks",
	} {
		if !strings.Contains(msg.HTML, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
}

func TestBuildMsg(t *testing.T) {
	m, err := buildMsg("bot@x.com", Message{To: "a@x.com", Subject: "Stale ✓", HTML: "<p>hi</p>"}, now)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	s := strings.ToLower(buf.String())
	for _, want := range []string{"from: <bot@x.com>\r\n", "to: <a@x.com>\r\n", "subject: =?utf-8?q?", "content-type: text/html", "message-id: <", "@stalebot>", "<p>hi</p>"} {
		if !strings.Contains(s, want) {
			t.Errorf("message missing %q:\n%s", want, buf.String())
		}
	}
}

func TestBuildMsgRejectsAddresses(t *testing.T) {
	if _, err := buildMsg("not an address", Message{To: "a@x.com"}, now); err == nil {
		t.Error("expected error for invalid sender")
	}
	if _, err := buildMsg("bot@x.com", Message{To: "a@"}, now); err == nil {
		t.Error("expected error for invalid recipient")
	}
}

func TestDeliverRespectsCooldown(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sender := &recordingSender{}
	n := NewNotifier(newComposer(t), sender, store, week, WithNotifierClock(clock))
	digests := func() map[string]*Digest {
		return map[string]*Digest{"a@x.com": {Recipient: "a@x.com", Branches: []model.BranchRef{branch("feature/x")}}}
	}

	first := n.Deliver(ctx, digests())
	if first.Sent != 1 || first.Skipped != 0 {
		t.Fatalf("first Deliver() = %+v, want 1 sent", first)
	}
	second := n.Deliver(ctx, digests())
	if second.Sent != 0 || second.Skipped != 1 {
		t.Errorf("second Deliver() = %+v, want 1 skipped", second)
	}
	if len(sender.sent) != 1 {
		t.Errorf("messages sent = %d, want 1", len(sender.sent))
	}
	rec, _, _ := store.GetNotification(ctx, history.BranchKey("42", "feature/x", "a@x.com"))
	if rec.Count != 1 {
		t.Errorf("record Count = %d, want 1", rec.Count)
	}
}

func TestDeliverFailureIsolatedAndRetryable(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sender := &recordingSender{fail: map[string]error{"b@x.com": errors.New("550 mailbox unavailable")}}
	n := NewNotifier(newComposer(t), sender, store, week, WithNotifierClock(clock))

	report := n.Deliver(ctx, map[string]*Digest{
		"a@x.com": {Recipient: "a@x.com", Branches: []model.BranchRef{branch("feature/a")}},
		"b@x.com": {Recipient: "b@x.com", Items: []model.ActivityItem{item(3)}},
	})
	if report.Sent != 1 || report.Failed != 1 {
		t.Fatalf("Deliver() = %+v, want 1 sent 1 failed", report)
	}
	if report.Errors["b@x.com"] == "" {
		t.Error("failure not reported for b@x.com")
	}
	ok, err := store.ShouldNotify(ctx, history.ItemKey("42", 3, "b@x.com"), week, now)
	if err != nil || !ok {
		t.Errorf("failed recipient should remain due: %v, %v", ok, err)
	}
}

func TestDeliverDryRunSendsNothing(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sender := &recordingSender{}
	if err := store.RecordSent(ctx, history.BranchKey("42", "feature/old", "c@x.com"), now); err != nil {
		t.Fatal(err)
	}
	n := NewNotifier(newComposer(t), sender, store, week, WithNotifierClock(clock), WithNotifierDryRun(true))

	report := n.Deliver(ctx, map[string]*Digest{
		"a@x.com": {Recipient: "a@x.com", Branches: []model.BranchRef{branch("feature/x")}},
		"c@x.com": {Recipient: "c@x.com", Branches: []model.BranchRef{branch("feature/old")}},
	})
	if report.Sent != 1 || report.Skipped != 1 {
		t.Errorf("Deliver() = %+v, want 1 would-send 1 skipped", report)
	}
	if len(sender.sent) != 0 {
		t.Errorf("dry run sent %d messages", len(sender.sent))
	}
	if _, ok, _ := store.GetNotification(ctx, history.BranchKey("42", "feature/x", "a@x.com")); ok {
		t.Error("dry run wrote a notification record")
	}
}

func TestReminderRotatesAndHonorsCooldown(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	fake := platformtest.New()
	msgs := []string{"m0", "m1", "m2"}
	stalled := item(5)
	recent := item(6)
	recent.LastActivity = now.Add(-2 * 24 * time.Hour)

	current := now
	r := NewReminder(fake, store, msgs, 14, week,
		WithReminderClock(func() time.Time { return current }),
		WithFirstComment(func(int) int { return 2 }))

	report := r.Run(ctx, []model.ActivityItem{stalled, recent})
	if report.Posted != 1 {
		t.Fatalf("Run() = %+v, want 1 posted", report)
	}
	report = r.Run(ctx, []model.ActivityItem{stalled})
	if report.Posted != 0 || report.Skipped != 1 {
		t.Errorf("second Run() = %+v, want 1 skipped", report)
	}
	current = now.Add(week)
	r.Run(ctx, []model.ActivityItem{stalled})

	calls := fake.Calls("PostComment")
	if len(calls) != 2 {
		t.Fatalf("PostComment calls = %d, want 2", len(calls))
	}
	if calls[0].Body != "m2" || calls[1].Body != "m0" {
		t.Errorf("bodies = %q, %q; want m2 then m0", calls[0].Body, calls[1].Body)
	}
}

func TestReminderFailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	fake := platformtest.New()
	fake.CommentErr = errors.New("boom")
	r := NewReminder(fake, store, []string{"m"}, 14, week, WithReminderClock(clock))

	if report := r.Run(ctx, []model.ActivityItem{item(5)}); report.Failed != 1 {
		t.Fatalf("Run() = %+v, want 1 failed", report)
	}
	if _, ok, _ := store.LastComment(ctx, history.CommentKey{ProjectID: "42", MRID: 5}); ok {
		t.Error("failed comment left a record")
	}
}

func TestReminderDryRun(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	fake := platformtest.New()
	r := NewReminder(fake, store, []string{"m"}, 14, week, WithReminderClock(clock), WithReminderDryRun(true))

	if report := r.Run(ctx, []model.ActivityItem{item(5)}); report.Posted != 1 {
		t.Errorf("Run() = %+v, want 1 would-post", report)
	}
	if len(fake.Calls("")) != 0 {
		t.Error("dry run reached the platform")
	}
}
