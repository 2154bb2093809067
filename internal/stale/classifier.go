// Package stale decides which branches and merge/pull requests are stale,
// which branches are shadowed by an open item, and which are old enough to
// be archived. Every function here is pure.
package stale

import (
	"sort"
	"time"

	"github.com/spiffcs/stalebot/internal/model"
)

// Verdict is the outcome of classifying a single branch or item.
type Verdict int

const (
	Fresh Verdict = iota
	Stale
)

func (v Verdict) String() string {
	if v == Stale {
		return "stale"
	}
	return "fresh"
}

// Threshold converts a day count to a duration.
func Threshold(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// ArchiveThreshold returns stale_days + cleanup_weeks*7 as a duration.
func ArchiveThreshold(staleDays, cleanupWeeks int) time.Duration {
	return Threshold(staleDays + cleanupWeeks*7)
}

// ClassifyBranch reports a branch stale when its last commit is at least
// staleDays old and it is not protected. Exactly staleDays is stale.
func ClassifyBranch(b model.BranchRef, now time.Time, staleDays int) Verdict {
	if b.Protected {
		return Fresh
	}
	if now.Sub(b.LastCommit) >= Threshold(staleDays) {
		return Stale
	}
	return Fresh
}

// ClassifyActivity reports an item stale when it is open and its last
// activity is at least staleDays old.
func ClassifyActivity(item model.ActivityItem, now time.Time, staleDays int) Verdict {
	if !item.Open {
		return Fresh
	}
	if now.Sub(item.LastActivity) >= Threshold(staleDays) {
		return Stale
	}
	return Fresh
}

// MostRecent returns the most recently active item, breaking ties by the
// lowest ID. It returns false for an empty slice.
func MostRecent(items []model.ActivityItem) (model.ActivityItem, bool) {
	if len(items) == 0 {
		return model.ActivityItem{}, false
	}
	best := items[0]
	for _, it := range items[1:] {
		switch {
		case it.LastActivity.After(best.LastActivity):
			best = it
		case it.LastActivity.Equal(best.LastActivity) && it.ID < best.ID:
			best = it
		}
	}
	return best, true
}

// Suppression records a stale branch that was not flagged because an open
// item uses it as its source branch.
type Suppression struct {
	Branch model.BranchRef
	By     model.ActivityItem
}

// Result is the outcome of classifying one project's branches and items.
type Result struct {
	StaleBranches []model.BranchRef
	StaleItems    []model.ActivityItem
	Suppressed    []Suppression
}

// Classify applies the branch and item rules together. A branch that is the
// source of an open item is never flagged on its own: when the item is
// stale only the item is reported, and when it is fresh the item's activity
// counts as branch activity.
func Classify(branches []model.BranchRef, items []model.ActivityItem, now time.Time, staleDays int) Result {
	bySource := openItemsBySource(items)

	var res Result
	for _, b := range branches {
		if ClassifyBranch(b, now, staleDays) != Stale {
			continue
		}
		if owner, ok := MostRecent(bySource[b.Name]); ok {
			res.Suppressed = append(res.Suppressed, Suppression{Branch: b, By: owner})
			continue
		}
		res.StaleBranches = append(res.StaleBranches, b)
	}

	for _, it := range items {
		if ClassifyActivity(it, now, staleDays) == Stale {
			res.StaleItems = append(res.StaleItems, it)
		}
	}
	return res
}

// Candidate is a branch old enough to be archived, together with the open
// items that must be closed before it may be deleted.
type Candidate struct {
	Branch       model.BranchRef
	Items        []model.ActivityItem
	LastActivity time.Time
}

// ArchiveCandidates returns the unprotected branches whose activity, and
// that of every open item using them, is at least
// stale_days + cleanup_weeks*7 old. Items whose source branch is not among
// branches (fork pull requests) are never archived.
func ArchiveCandidates(branches []model.BranchRef, items []model.ActivityItem, now time.Time, staleDays, cleanupWeeks int) []Candidate {
	limit := ArchiveThreshold(staleDays, cleanupWeeks)
	bySource := openItemsBySource(items)

	var out []Candidate
	for _, b := range branches {
		if b.Protected {
			continue
		}
		last := b.LastCommit
		linked := bySource[b.Name]
		if owner, ok := MostRecent(linked); ok && owner.LastActivity.After(last) {
			last = owner.LastActivity
		}
		if now.Sub(last) < limit {
			continue
		}
		out = append(out, Candidate{Branch: b, Items: linked, LastActivity: last})
	}
	return out
}

// openItemsBySource groups open items by source branch, each group sorted
// by ascending ID.
func openItemsBySource(items []model.ActivityItem) map[string][]model.ActivityItem {
	m := make(map[string][]model.ActivityItem)
	for _, it := range items {
		if !it.Open || it.SourceBranch == "" {
			continue
		}
		m[it.SourceBranch] = append(m[it.SourceBranch], it)
	}
	for k := range m {
		group := m[k]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	}
	return m
}
