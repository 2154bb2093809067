package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const week = 7 * 24 * time.Hour

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestShouldNotifyCooldown(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	key := BranchKey("42", "feature/x", "a@x.com")

	ok, err := s.ShouldNotify(ctx, key, week, now)
	if err != nil || !ok {
		t.Fatalf("ShouldNotify(no record) = %v, %v; want true", ok, err)
	}
	if err := s.RecordSent(ctx, key, now); err != nil {
		t.Fatalf("RecordSent() error = %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"immediately after", now.Add(time.Minute), false},
		{"one second short", now.Add(week - time.Second), false},
		{"cooldown boundary", now.Add(week), true},
		{"long after", now.Add(3 * week), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ShouldNotify(ctx, key, week, tt.at)
			if err != nil {
				t.Fatalf("ShouldNotify() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ShouldNotify(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestRecordSentIncrementsCount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	key := ItemKey("group/app", 7, "c@x.com")

	for i := 0; i < 3; i++ {
		if err := s.RecordSent(ctx, key, now.Add(time.Duration(i)*week)); err != nil {
			t.Fatal(err)
		}
	}
	rec, ok, err := s.GetNotification(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetNotification() = %v, %v", ok, err)
	}
	if rec.Count != 3 {
		t.Errorf("Count = %d, want 3", rec.Count)
	}
	if !rec.FirstFoundAt.Equal(now) {
		t.Errorf("FirstFoundAt = %s, want %s", rec.FirstFoundAt, now)
	}
	if want := now.Add(2 * week); !rec.LastNotifiedAt.Equal(want) {
		t.Errorf("LastNotifiedAt = %s, want %s", rec.LastNotifiedAt, want)
	}
}

func TestClaimDigestOnlyOncePerCooldown(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	keys := []NotificationKey{
		BranchKey("42", "feature/x", "a@x.com"),
		ItemKey("42", 3, "a@x.com"),
	}

	first, err := s.ClaimDigest(ctx, keys, week, now)
	if err != nil {
		t.Fatalf("ClaimDigest() error = %v", err)
	}
	if first == nil || len(first.Due) != 2 {
		t.Fatalf("first claim = %+v, want 2 due keys", first)
	}

	second, err := s.ClaimDigest(ctx, keys, week, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ClaimDigest() error = %v", err)
	}
	if second != nil {
		t.Fatalf("second claim within cooldown = %+v, want nil", second)
	}

	for _, k := range keys {
		rec, _, _ := s.GetNotification(ctx, k)
		if rec.Count != 1 {
			t.Errorf("%s Count = %d, want 1", k.ItemKey, rec.Count)
		}
	}
}

func TestClaimDigestStampsRideAlongKeys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	old := BranchKey("42", "feature/x", "a@x.com")
	fresh := BranchKey("42", "feature/new", "a@x.com")
	if err := s.RecordSent(ctx, old, now); err != nil {
		t.Fatal(err)
	}

	claim, err := s.ClaimDigest(ctx, []NotificationKey{old, fresh}, week, now.Add(time.Hour))
	if err != nil || claim == nil {
		t.Fatalf("ClaimDigest() = %v, %v; want claim", claim, err)
	}
	if len(claim.Due) != 1 || claim.Due[0] != fresh {
		t.Errorf("Due = %+v, want only the new key", claim.Due)
	}
	if len(claim.Keys()) != 2 {
		t.Errorf("Keys() = %d, want 2", len(claim.Keys()))
	}
	rec, _, _ := s.GetNotification(ctx, old)
	if rec.Count != 2 {
		t.Errorf("ride-along Count = %d, want 2", rec.Count)
	}
}

func TestClaimReleaseRestoresState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	existing := BranchKey("42", "feature/x", "a@x.com")
	brandNew := ItemKey("42", 9, "a@x.com")
	if err := s.RecordSent(ctx, existing, now); err != nil {
		t.Fatal(err)
	}

	later := now.Add(2 * week)
	claim, err := s.ClaimDigest(ctx, []NotificationKey{existing, brandNew}, week, later)
	if err != nil || claim == nil {
		t.Fatalf("ClaimDigest() = %v, %v", claim, err)
	}
	if err := claim.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	rec, ok, _ := s.GetNotification(ctx, existing)
	if !ok || rec.Count != 1 || !rec.LastNotifiedAt.Equal(now) {
		t.Errorf("existing after release = %+v, want count 1 at %s", rec, now)
	}
	if _, ok, _ := s.GetNotification(ctx, brandNew); ok {
		t.Error("new key still present after release")
	}
	ok, _ = s.ShouldNotify(ctx, brandNew, week, later)
	if !ok {
		t.Error("released key should be due again")
	}
}

func TestClaimDigestConcurrent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	keys := []NotificationKey{BranchKey("1", "b", "a@x.com")}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.ClaimDigest(ctx, keys, week, now)
			if err != nil {
				t.Errorf("ClaimDigest() error = %v", err)
				return
			}
			if c != nil {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if claims != 1 {
		t.Errorf("concurrent claims = %d, want 1", claims)
	}
}

func TestCommentClaims(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	key := CommentKey{ProjectID: "42", MRID: 3}
	rotate := func(prev *CommentRecord) int {
		if prev == nil {
			return 2
		}
		return (prev.CommentIndex + 1) % 3
	}

	c, err := s.ClaimComment(ctx, key, week, now, rotate)
	if err != nil || c == nil {
		t.Fatalf("ClaimComment() = %v, %v", c, err)
	}
	if c.Index != 2 {
		t.Errorf("first index = %d, want 2", c.Index)
	}

	if c, _ := s.ClaimComment(ctx, key, week, now.Add(time.Hour), rotate); c != nil {
		t.Error("claim within cooldown should be nil")
	}
	if ok, _ := s.ShouldComment(ctx, key, week, now.Add(time.Hour)); ok {
		t.Error("ShouldComment within cooldown = true")
	}

	c, err = s.ClaimComment(ctx, key, week, now.Add(week), rotate)
	if err != nil || c == nil {
		t.Fatalf("ClaimComment(after cooldown) = %v, %v", c, err)
	}
	if c.Index != 0 {
		t.Errorf("rotated index = %d, want 0", c.Index)
	}
	if err := c.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	rec, ok, err := s.LastComment(ctx, key)
	if err != nil || !ok {
		t.Fatalf("LastComment() = %v, %v", ok, err)
	}
	if rec.CommentIndex != 2 || rec.Count != 1 || !rec.LastCommentedAt.Equal(now) {
		t.Errorf("after release = %+v, want first comment state", rec)
	}

	if err := s.RecordComment(ctx, CommentKey{ProjectID: "42", MRID: 4}, 1, now); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListComments(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("ListComments() = %d, want 2", len(list))
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestArchiveRecordInvariants(t *testing.T) {
	tests := []struct {
		name    string
		rec     ArchiveRecord
		wantErr bool
	}{
		{"export failure without export", ArchiveRecord{ProjectID: "1", Branch: "b", Outcome: OutcomeFailedExport}, false},
		{"exported", ArchiveRecord{ProjectID: "1", Branch: "b", Outcome: OutcomeExported, ExportedAt: ptr(now)}, false},
		{"deleted", ArchiveRecord{ProjectID: "1", Branch: "b", Outcome: OutcomeDeleted, ExportedAt: ptr(now), DeletedAt: ptr(now)}, false},
		{"deleted without export", ArchiveRecord{ProjectID: "1", Branch: "b", Outcome: OutcomeDeleted, DeletedAt: ptr(now)}, true},
		{"deleted without timestamp", ArchiveRecord{ProjectID: "1", Branch: "b", Outcome: OutcomeDeleted, ExportedAt: ptr(now)}, true},
		{"timestamp without deleted", ArchiveRecord{ProjectID: "1", Branch: "b", Outcome: OutcomeFailedDelete, ExportedAt: ptr(now), DeletedAt: ptr(now)}, true},
		{"closed without export", ArchiveRecord{ProjectID: "1", Branch: "b", Outcome: OutcomeClosedMR}, true},
		{"unknown outcome", ArchiveRecord{ProjectID: "1", Branch: "b", Outcome: "lost"}, true},
		{"missing branch", ArchiveRecord{ProjectID: "1", Outcome: OutcomeFailedExport}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvariant) {
				t.Errorf("Validate() error = %v, want ErrInvariant", err)
			}
		})
	}
}

func TestArchiveRoundTripAndCounts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := ArchiveRecord{
		ProjectID:   "42",
		ProjectName: "group/app",
		Branch:      "feature/old",
		ArchivePath: "/tmp/a.tar.gz",
		ExportedAt:  ptr(now),
		Outcome:     OutcomeExported,
		ItemIDs:     []int{3, 5},
		UpdatedAt:   now,
	}
	if err := s.PutArchive(ctx, rec); err != nil {
		t.Fatalf("PutArchive() error = %v", err)
	}
	got, ok, err := s.GetArchive(ctx, "42", "feature/old")
	if err != nil || !ok {
		t.Fatalf("GetArchive() = %v, %v", ok, err)
	}
	if got.Outcome != OutcomeExported || got.DeletedAt != nil || got.ExportedAt == nil || !got.ExportedAt.Equal(now) {
		t.Errorf("GetArchive() = %+v", got)
	}
	if len(got.ItemIDs) != 2 || got.ItemIDs[1] != 5 {
		t.Errorf("ItemIDs = %v, want [3 5]", got.ItemIDs)
	}

	rec.Outcome = OutcomeDeleted
	rec.DeletedAt = ptr(now.Add(time.Minute))
	rec.UpdatedAt = now.Add(time.Minute)
	if err := s.PutArchive(ctx, rec); err != nil {
		t.Fatalf("PutArchive(deleted) error = %v", err)
	}
	bad := ArchiveRecord{ProjectID: "42", Branch: "other", Outcome: OutcomeDeleted, DeletedAt: ptr(now)}
	if err := s.PutArchive(ctx, bad); !errors.Is(err, ErrInvariant) {
		t.Errorf("PutArchive(invalid) error = %v, want ErrInvariant", err)
	}
	if err := s.PutArchive(ctx, ArchiveRecord{ProjectID: "42", Branch: "broken", Outcome: OutcomeFailedExport, Error: "disk full", UpdatedAt: now.Add(-week)}); err != nil {
		t.Fatal(err)
	}

	recent, err := s.ListArchives(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Branch != "feature/old" {
		t.Errorf("ListArchives(since now) = %+v, want only feature/old", recent)
	}

	if err := s.RecordSent(ctx, BranchKey("42", "x", "a@x.com"), now); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSent(ctx, BranchKey("42", "y", "b@x.com"), now); err != nil {
		t.Fatal(err)
	}
	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	want := Counts{Notifications: 2, Recipients: 2, Archived: 1, ArchiveFailures: 1}
	if c != want {
		t.Errorf("Counts() = %+v, want %+v", c, want)
	}

	list, err := s.ListNotifications(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("ListNotifications(future) = %d, want 0", len(list))
	}
}
