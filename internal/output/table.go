package output

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/spiffcs/stalebot/internal/format"
	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/scan"
	"github.com/spiffcs/stalebot/internal/stats"
)

// maxColumnWidth caps free-text columns such as paths and errors.
const maxColumnWidth = 60

// TableFormatter formats output as a terminal table
type TableFormatter struct {
	// Now is used for relative ages. Defaults to time.Now.
	Now func() time.Time
}

func (f *TableFormatter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *TableFormatter) ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return format.FormatAge(f.now().Sub(t))
}

// table collects rows and renders them with columns sized to their
// widest visible cell.
type table struct {
	headers []string
	rows    [][]string
}

func newTable(headers ...string) *table {
	return &table{headers: headers}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = format.DisplayWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if cw := min(format.DisplayWidth(cell), maxColumnWidth); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	line := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			cell, vis := format.TruncateToWidth(cell, widths[i])
			if i == len(cells)-1 {
				parts[i] = cell
				continue
			}
			parts[i] = format.PadRight(cell, vis, widths[i])
		}
		_, _ = fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(t.headers)
	total := 2 * (len(widths) - 1)
	for _, wd := range widths {
		total += wd
	}
	_, _ = fmt.Fprintln(w, strings.Repeat("-", total))
	for _, row := range t.rows {
		line(row)
	}
}

// FormatSummary outputs the counters of a run followed by archive records
// and project failures.
func (f *TableFormatter) FormatSummary(s *scan.Summary, w io.Writer) error {
	title := fmt.Sprintf("Run %s completed in %s", shortID(s.RunID), s.Duration().Round(time.Millisecond))
	if s.DryRun {
		title += color.YellowString(" (dry run)")
	}
	_, _ = fmt.Fprintln(w, title)
	_, _ = fmt.Fprintln(w)

	counts := newTable("Metric", "Count")
	counts.add("Projects scanned", withFailures(s.Projects, len(s.ProjectErrors), "failed"))
	counts.add("Stale branches", strconv.Itoa(s.TotalStaleBranches))
	counts.add("Stale merge/pull requests", strconv.Itoa(s.TotalStaleItems))
	counts.add("Branches with an open request", strconv.Itoa(s.Suppressed))
	counts.add("Recipients", withFailures(s.Recipients, s.Unroutable, "unroutable"))
	counts.add("Emails sent", colorCount(s.EmailsSent, color.GreenString))
	counts.add("Emails skipped (cooldown)", strconv.Itoa(s.EmailsSkipped))
	counts.add("Emails failed", colorCount(s.EmailsFailed, color.RedString))
	counts.add("Comments posted", colorCount(s.CommentsPosted, color.GreenString))
	counts.add("Comments skipped (cooldown)", strconv.Itoa(s.CommentsSkipped))
	counts.add("Comments failed", colorCount(s.CommentsFailed, color.RedString))
	counts.add("Branches archived", colorCount(s.Archived, color.GreenString))
	counts.add("Archive failures", colorCount(s.ArchiveFailures, color.RedString))
	counts.render(w)

	if len(s.ArchiveRecords) > 0 {
		_, _ = fmt.Fprintln(w)
		_ = f.FormatArchives(s.ArchiveRecords, w)
	}

	if len(s.ProjectErrors) > 0 {
		_, _ = fmt.Fprintln(w)
		errs := newTable("Project", "Error")
		for _, pe := range s.ProjectErrors {
			errs.add(pe.Project.DisplayName(), color.RedString("%s", pe.Error))
		}
		errs.render(w)
	}

	if len(s.DeliveryErrors) > 0 {
		_, _ = fmt.Fprintln(w)
		errs := newTable("Recipient", "Delivery error")
		for _, email := range sortedKeys(s.DeliveryErrors) {
			errs.add(email, color.RedString("%s", s.DeliveryErrors[email]))
		}
		errs.render(w)
	}
	return nil
}

func (f *TableFormatter) FormatNotifications(records []history.NotificationRecord, w io.Writer) error {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(w, "No notifications recorded.")
		return nil
	}
	t := newTable("Project", "Kind", "Item", "Recipient", "Sent", "Last", "First found")
	for _, r := range records {
		t.add(r.ProjectID, string(r.Kind), r.ItemKey, r.Recipient, strconv.Itoa(r.Count), f.ago(r.LastNotifiedAt), f.ago(r.FirstFoundAt))
	}
	t.render(w)
	return nil
}

func (f *TableFormatter) FormatComments(records []history.CommentRecord, w io.Writer) error {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(w, "No reminder comments recorded.")
		return nil
	}
	t := newTable("Project", "Item", "Comments", "Message", "Last")
	for _, r := range records {
		t.add(r.ProjectID, strconv.Itoa(r.MRID), strconv.Itoa(r.Count), strconv.Itoa(r.CommentIndex), f.ago(r.LastCommentedAt))
	}
	t.render(w)
	return nil
}

func (f *TableFormatter) FormatArchives(records []history.ArchiveRecord, w io.Writer) error {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(w, "No archive records.")
		return nil
	}
	t := newTable("Project", "Branch", "Outcome", "Updated", "Archive / error")
	for _, r := range records {
		project := r.ProjectName
		if project == "" {
			project = r.ProjectID
		}
		detail := r.ArchivePath
		if r.Error != "" {
			detail = color.RedString("%s", r.Error)
		}
		t.add(project, r.Branch, colorOutcome(r.Outcome), f.ago(r.UpdatedAt), detail)
	}
	t.render(w)
	return nil
}

func (f *TableFormatter) FormatStats(snaps []stats.Snapshot, w io.Writer) error {
	if len(snaps) == 0 {
		_, _ = fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	t := newTable("When", "Projects", "Branches", "Requests", "Sent", "Failed", "Archived", "Median age", "P90 age")
	for _, s := range snaps {
		when := f.ago(s.Timestamp)
		if s.DryRun {
			when += " (dry)"
		}
		t.add(when,
			strconv.Itoa(s.Projects),
			strconv.Itoa(s.StaleBranches),
			strconv.Itoa(s.StaleItems),
			strconv.Itoa(s.EmailsSent),
			colorCount(s.EmailsFailed, color.RedString),
			strconv.Itoa(s.Archived),
			fmt.Sprintf("%.1fd", s.MedianAgeDays),
			fmt.Sprintf("%.1fd", s.P90AgeDays),
		)
	}
	t.render(w)
	return nil
}

func colorOutcome(o history.Outcome) string {
	switch {
	case o == history.OutcomeDeleted:
		return color.GreenString(string(o))
	case o.Failed():
		return color.RedString(string(o))
	default:
		return color.YellowString(string(o))
	}
}

// colorCount colors non-zero counts.
func colorCount(n int, paint func(string, ...any) string) string {
	if n == 0 {
		return "0"
	}
	return paint("%d", n)
}

func withFailures(n, failed int, label string) string {
	if failed == 0 {
		return strconv.Itoa(n)
	}
	return fmt.Sprintf("%d (%s)", n, color.RedString("%d %s", failed, label))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
