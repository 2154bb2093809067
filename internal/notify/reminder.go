package notify

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/stale"
)

// Commenter posts a comment on an item.
type Commenter interface {
	PostComment(ctx context.Context, p model.Project, item model.ActivityItem, body string) error
}

// Comments is the slice of the history store the reminder needs.
type Comments interface {
	ShouldComment(ctx context.Context, key history.CommentKey, cooldown time.Duration, now time.Time) (bool, error)
	ClaimComment(ctx context.Context, key history.CommentKey, cooldown time.Duration, now time.Time, next func(prev *history.CommentRecord) int) (*history.CommentClaim, error)
}

// ReminderReport counts reminder comment outcomes.
type ReminderReport struct {
	Posted  int `json:"posted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Reminder posts rotating reminder comments on inactive open items.
type Reminder struct {
	commenter  Commenter
	store      Comments
	messages   []string
	inactivity int
	cooldown   time.Duration
	now        func() time.Time
	pick       func(n int) int
	dryRun     bool
}

// ReminderOption configures a Reminder.
type ReminderOption func(*Reminder)

// WithReminderClock overrides time.Now.
func WithReminderClock(now func() time.Time) ReminderOption {
	return func(r *Reminder) { r.now = now }
}

// WithFirstComment overrides the random choice of the first message.
func WithFirstComment(pick func(n int) int) ReminderOption {
	return func(r *Reminder) { r.pick = pick }
}

// WithReminderDryRun only reads history and never posts.
func WithReminderDryRun(dryRun bool) ReminderOption {
	return func(r *Reminder) { r.dryRun = dryRun }
}

// NewReminder creates a Reminder. Items qualify once inactive for
// inactivityDays; each item is commented on at most once per cooldown.
func NewReminder(c Commenter, store Comments, messages []string, inactivityDays int, cooldown time.Duration, opts ...ReminderOption) *Reminder {
	r := &Reminder{
		commenter:  c,
		store:      store,
		messages:   messages,
		inactivity: inactivityDays,
		cooldown:   cooldown,
		now:        time.Now,
		pick:       rand.IntN,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run comments on every qualifying item. Errors are contained per item.
func (r *Reminder) Run(ctx context.Context, items []model.ActivityItem) ReminderReport {
	var report ReminderReport
	if len(r.messages) == 0 {
		return report
	}
	now := r.now()
	for _, item := range items {
		if stale.ClassifyActivity(item, now, r.inactivity) != stale.Stale {
			continue
		}
		r.remind(ctx, item, now, &report)
	}
	return report
}

func (r *Reminder) remind(ctx context.Context, item model.ActivityItem, now time.Time, report *ReminderReport) {
	p := item.Project
	key := history.CommentKey{ProjectID: p.ID, MRID: item.ID}
	ref := p.Kind.ItemRef(item.ID)

	if r.dryRun {
		ok, err := r.store.ShouldComment(ctx, key, r.cooldown, now)
		switch {
		case err != nil:
			log.Error("failed to check comment history", "project", p.DisplayName(), "item", ref, "error", err)
			report.Failed++
		case ok:
			log.DryRun("post comment", "project", p.DisplayName(), "item", ref)
			report.Posted++
		default:
			report.Skipped++
		}
		return
	}

	claim, err := r.store.ClaimComment(ctx, key, r.cooldown, now, r.next)
	if err != nil {
		log.Error("failed to claim comment", "project", p.DisplayName(), "item", ref, "error", err)
		report.Failed++
		return
	}
	if claim == nil {
		log.Debug("comment within cooldown", "project", p.DisplayName(), "item", ref)
		report.Skipped++
		return
	}

	if err := r.commenter.PostComment(ctx, p, item, r.messages[claim.Index]); err != nil {
		log.Error("failed to post comment", "project", p.DisplayName(), "item", ref, "error", err)
		if rerr := claim.Release(ctx); rerr != nil {
			log.Error("failed to release comment claim", "item", ref, "error", rerr)
		}
		report.Failed++
		return
	}
	log.Info("posted reminder comment", "project", p.DisplayName(), "item", ref, "index", claim.Index)
	report.Posted++
}

// next starts at a random message and then rotates through the list.
func (r *Reminder) next(prev *history.CommentRecord) int {
	n := len(r.messages)
	if prev == nil {
		return r.pick(n)
	}
	return (prev.CommentIndex + 1) % n
}
