package output

import (
	"encoding/json"
	"io"

	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/scan"
	"github.com/spiffcs/stalebot/internal/stats"
)

// JSONFormatter formats output as JSON
type JSONFormatter struct {
	Pretty bool
}

func (f *JSONFormatter) encode(v any, w io.Writer) error {
	encoder := json.NewEncoder(w)
	if f.Pretty {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(v)
}

// FormatSummary outputs a run summary as JSON
func (f *JSONFormatter) FormatSummary(s *scan.Summary, w io.Writer) error {
	return f.encode(s, w)
}

func (f *JSONFormatter) FormatNotifications(records []history.NotificationRecord, w io.Writer) error {
	return f.encode(nonNil(records), w)
}

func (f *JSONFormatter) FormatComments(records []history.CommentRecord, w io.Writer) error {
	return f.encode(nonNil(records), w)
}

func (f *JSONFormatter) FormatArchives(records []history.ArchiveRecord, w io.Writer) error {
	return f.encode(nonNil(records), w)
}

func (f *JSONFormatter) FormatStats(snaps []stats.Snapshot, w io.Writer) error {
	return f.encode(nonNil(snaps), w)
}

// nonNil makes empty listings encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
