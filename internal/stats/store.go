// Package stats keeps a rolling JSON Lines history of run summaries.
package stats

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	agg "github.com/montanaflynn/stats"

	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/scan"
)

// maxRecords is the maximum number of snapshots retained in the store.
const maxRecords = 1000

// Snapshot captures the counters of a single run.
type Snapshot struct {
	RunID     string    `json:"run"`
	Timestamp time.Time `json:"ts"`
	DryRun    bool      `json:"dryRun,omitempty"`
	Duration  float64   `json:"durationS"`

	Projects        int `json:"projects"`
	ProjectErrors   int `json:"projectErrors"`
	StaleBranches   int `json:"staleBranches"`
	StaleItems      int `json:"staleItems"`
	Suppressed      int `json:"suppressed"`
	Recipients      int `json:"recipients"`
	Unroutable      int `json:"unroutable"`
	EmailsSent      int `json:"emailsSent"`
	EmailsFailed    int `json:"emailsFailed"`
	EmailsSkipped   int `json:"emailsSkipped"`
	CommentsPosted  int `json:"commentsPosted"`
	CommentsSkipped int `json:"commentsSkipped"`
	CommentsFailed  int `json:"commentsFailed"`
	Archived        int `json:"archived"`
	ArchiveFailures int `json:"archiveFailures"`

	MedianAgeDays float64 `json:"medianAgeD"`
	P90AgeDays    float64 `json:"p90AgeD"`
}

// FromSummary builds a snapshot from a run summary.
func FromSummary(s *scan.Summary) Snapshot {
	snap := Snapshot{
		RunID:           s.RunID,
		Timestamp:       s.StartedAt,
		DryRun:          s.DryRun,
		Duration:        s.Duration().Seconds(),
		Projects:        s.Projects,
		ProjectErrors:   len(s.ProjectErrors),
		StaleBranches:   s.TotalStaleBranches,
		StaleItems:      s.TotalStaleItems,
		Suppressed:      s.Suppressed,
		Recipients:      s.Recipients,
		Unroutable:      s.Unroutable,
		EmailsSent:      s.EmailsSent,
		EmailsFailed:    s.EmailsFailed,
		EmailsSkipped:   s.EmailsSkipped,
		CommentsPosted:  s.CommentsPosted,
		CommentsSkipped: s.CommentsSkipped,
		CommentsFailed:  s.CommentsFailed,
		Archived:        s.Archived,
		ArchiveFailures: s.ArchiveFailures,
	}
	if len(s.StaleAges) > 0 {
		data := agg.Float64Data(s.StaleAges)
		if m, err := agg.Median(data); err == nil {
			snap.MedianAgeDays = m
		}
		if p, err := agg.Percentile(data, 90); err == nil {
			snap.P90AgeDays = p
		}
	}
	return snap
}

// Store manages persistence of stats snapshots as JSON Lines.
type Store struct {
	path string
	mu   sync.Mutex
}

// DefaultPath returns the stats file under the user cache directory.
func DefaultPath() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "stalebot", "stats.jsonl"), nil
}

// NewStore creates a store at DefaultPath.
func NewStore() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Store{path: path}, nil
}

// NewStoreWithPath creates a store at the given path.
func NewStoreWithPath(path string) *Store {
	return &Store{path: path}
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Append adds a snapshot and prunes to the last maxRecords entries.
func (s *Store) Append(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		log.Debug("could not read stats, starting fresh", "error", err)
		records = nil
	}

	records = append(records, snap)
	if len(records) > maxRecords {
		records = records[len(records)-maxRecords:]
	}
	return s.writeAll(records)
}

// Recent returns the last n snapshots, oldest first.
func (s *Store) Recent(n int) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil || n <= 0 {
		return nil
	}
	if len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}

// Latest returns the most recent snapshot.
func (s *Store) Latest() (Snapshot, bool) {
	recent := s.Recent(1)
	if len(recent) == 0 {
		return Snapshot{}, false
	}
	return recent[0], true
}

func (s *Store) readAll() ([]Snapshot, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var records []Snapshot
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			continue // skip malformed lines
		}
		records = append(records, snap)
	}
	return records, scanner.Err()
}

// writeAll replaces the file through a rename so readers never see a
// partial write.
func (s *Store) writeAll(records []Snapshot) error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}
