package stats

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spiffcs/stalebot/internal/scan"
)

func TestFromSummary(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sum := &scan.Summary{
		RunID:              "run-1",
		StartedAt:          start,
		FinishedAt:         start.Add(90 * time.Second),
		Projects:           3,
		TotalStaleBranches: 4,
		TotalStaleItems:    1,
		EmailsSent:         2,
		Archived:           1,
		ProjectErrors:      []scan.ProjectError{{Error: "boom"}},
		StaleAges:          []float64{40, 10, 30, 20, 50},
	}

	snap := FromSummary(sum)
	if snap.RunID != "run-1" || !snap.Timestamp.Equal(start) {
		t.Errorf("identity = %q %v", snap.RunID, snap.Timestamp)
	}
	if snap.Duration != 90 {
		t.Errorf("Duration = %v, want 90", snap.Duration)
	}
	if snap.StaleBranches != 4 || snap.StaleItems != 1 || snap.EmailsSent != 2 || snap.Archived != 1 || snap.ProjectErrors != 1 {
		t.Errorf("counters not copied: %+v", snap)
	}
	if snap.MedianAgeDays != 30 {
		t.Errorf("MedianAgeDays = %v, want 30", snap.MedianAgeDays)
	}
	if snap.P90AgeDays < snap.MedianAgeDays || snap.P90AgeDays > 50 {
		t.Errorf("P90AgeDays = %v, want between median and max", snap.P90AgeDays)
	}
}

func TestFromSummaryNoAges(t *testing.T) {
	snap := FromSummary(&scan.Summary{})
	if snap.MedianAgeDays != 0 || snap.P90AgeDays != 0 {
		t.Errorf("ages = %v/%v, want zero", snap.MedianAgeDays, snap.P90AgeDays)
	}
}

func TestAppendAndRecent(t *testing.T) {
	s := NewStoreWithPath(filepath.Join(t.TempDir(), "stats.jsonl"))

	if got := s.Recent(10); len(got) != 0 {
		t.Fatalf("expected 0 records, got %d", len(got))
	}
	if _, ok := s.Latest(); ok {
		t.Fatal("Latest() on empty store reported a snapshot")
	}

	for i := range 3 {
		if err := s.Append(Snapshot{RunID: string(rune('a' + i)), EmailsSent: i}); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Recent(10)
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].RunID != "a" || got[2].RunID != "c" {
		t.Errorf("order = %q..%q, want a..c", got[0].RunID, got[2].RunID)
	}
	latest, ok := s.Latest()
	if !ok || latest.EmailsSent != 2 {
		t.Errorf("Latest() = %+v, %v", latest, ok)
	}
	if got := s.Recent(2); len(got) != 2 || got[0].RunID != "b" {
		t.Errorf("Recent(2) = %+v", got)
	}
}

func TestPrune(t *testing.T) {
	s := NewStoreWithPath(filepath.Join(t.TempDir(), "stats.jsonl"))

	for i := range maxRecords + 5 {
		if err := s.Append(Snapshot{Archived: i}); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Recent(maxRecords + 100)
	if len(got) != maxRecords {
		t.Fatalf("expected %d records after prune, got %d", maxRecords, len(got))
	}
	if got[0].Archived != 5 {
		t.Fatalf("expected first record Archived 5, got %d", got[0].Archived)
	}
}

func TestMalformedLinesSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.jsonl")
	content := `{"run":"a","emailsSent":1}
not json at all

{"run":"b","emailsSent":2}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	got := NewStoreWithPath(path).Recent(10)
	if len(got) != 2 {
		t.Fatalf("expected 2 valid records, got %d", len(got))
	}
	if got[1].RunID != "b" || got[1].EmailsSent != 2 {
		t.Errorf("second record = %+v", got[1])
	}
}

func TestMissingFile(t *testing.T) {
	s := NewStoreWithPath(filepath.Join(t.TempDir(), "nonexistent", "stats.jsonl"))
	if got := s.Recent(10); len(got) != 0 {
		t.Fatalf("expected 0 records, got %d", len(got))
	}
}
