// Package duration parses human-readable durations such as "2w" or "30d".
package duration

import (
	"fmt"
	"time"
)

// Parse parses durations like "12h", "30d", "2w", "6mo" and "1y".
func Parse(s string) (time.Duration, error) {
	var (
		n    int
		unit string
	)
	if _, err := fmt.Sscanf(s, "%d%s", &n, &unit); err != nil {
		return 0, fmt.Errorf("invalid duration format: %s (use e.g., 12h, 30d, 2w, 6mo)", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("duration must not be negative: %s", s)
	}

	const day = 24 * time.Hour
	var d time.Duration
	switch unit {
	case "m", "min", "mins":
		d = time.Minute
	case "h", "hr", "hrs", "hour", "hours":
		d = time.Hour
	case "d", "day", "days":
		d = day
	case "w", "wk", "wks", "week", "weeks":
		d = 7 * day
	case "mo", "month", "months":
		d = 30 * day
	case "y", "yr", "yrs", "year", "years":
		d = 365 * day
	default:
		return 0, fmt.Errorf("unknown duration unit: %s", unit)
	}
	return time.Duration(n) * d, nil
}

// Since returns the instant the duration s before now. An empty s means
// the zero time, matching every record.
func Since(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}
