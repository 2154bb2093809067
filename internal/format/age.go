package format

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// FormatAge formats a duration compactly: "now", "5m", "2h", "3d", "2w",
// "3mo", "1y". Negative durations are "now".
func FormatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < day:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	days := Days(d)
	switch {
	case days < 7:
		return fmt.Sprintf("%dd", days)
	case days < 30:
		return fmt.Sprintf("%dw", days/7)
	case days < 365:
		return fmt.Sprintf("%dmo", days/30)
	default:
		return fmt.Sprintf("%dy", days/365)
	}
}

// Ago formats the age of t relative to now.
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return FormatAge(now.Sub(t))
}

// Days returns the number of whole days in d.
func Days(d time.Duration) int {
	return int(d / day)
}
