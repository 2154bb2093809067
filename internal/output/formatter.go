// Package output renders run summaries, history listings and run
// statistics for the terminal.
package output

import (
	"fmt"
	"io"

	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/scan"
	"github.com/spiffcs/stalebot/internal/stats"
)

// Format represents the output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// ParseFormat validates a format name. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format %q: must be table or json", s)
	}
}

// Formatter defines the interface for output formatters
type Formatter interface {
	FormatSummary(s *scan.Summary, w io.Writer) error
	FormatNotifications(records []history.NotificationRecord, w io.Writer) error
	FormatComments(records []history.CommentRecord, w io.Writer) error
	FormatArchives(records []history.ArchiveRecord, w io.Writer) error
	FormatStats(snaps []stats.Snapshot, w io.Writer) error
}

// NewFormatter creates a formatter for the specified format
func NewFormatter(format Format) Formatter {
	if format == FormatJSON {
		return &JSONFormatter{Pretty: true}
	}
	return &TableFormatter{}
}
