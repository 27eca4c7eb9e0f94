package surrealdb

import (
	"context"
	"testing"
	"time"

	"github.com/bobmcallan/herder/internal/models"
)

// seedTerminalJob inserts a job already in a terminal state with a backdated
// updated_at.
func seedTerminalJob(t *testing.T, store *JobStore, userID, modelID, status string, age time.Duration) *models.Job {
	t.Helper()
	now := time.Now()
	job := &models.Job{
		UserID:      userID,
		ModelID:     modelID,
		Status:      status,
		MaxAttempts: 3,
		CreatedAt:   now.Add(-age - time.Minute),
		UpdatedAt:   now.Add(-age),
	}
	if err := store.Insert(context.Background(), job); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}
	return job
}

func TestArchiveStore_ArchiveOld(t *testing.T) {
	db := testDB(t)
	jobs := NewJobStore(db, testLogger())
	archive := NewArchiveStore(db, testLogger())
	ctx := context.Background()

	old := seedTerminalJob(t, jobs, "alice", "m1", models.JobStatusCompleted, 40*24*time.Hour)
	fresh := seedTerminalJob(t, jobs, "alice", "m1", models.JobStatusFailed, time.Hour)
	active := &models.Job{UserID: "alice", ModelID: "m1", MaxAttempts: 3}
	jobs.Insert(ctx, active)

	n := archive.ArchiveOld(ctx, 30)
	if n != 1 {
		t.Fatalf("expected 1 archived, got %d", n)
	}

	// The old terminal job moved; the fresh terminal and queued jobs stayed.
	if got, _ := jobs.Get(ctx, old.ID); got != nil {
		t.Error("expected archived job removed from active table")
	}
	if got, _ := jobs.Get(ctx, fresh.ID); got == nil {
		t.Error("expected fresh terminal job to stay active")
	}
	if got, _ := jobs.Get(ctx, active.ID); got == nil {
		t.Error("expected queued job to stay active")
	}

	rows, total, err := archive.List(ctx, 0, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("expected 1 archive row, got len=%d total=%d", len(rows), total)
	}
	if rows[0].ID != old.ID {
		t.Errorf("expected archived id %s, got %s", old.ID, rows[0].ID)
	}
	if rows[0].ArchivedAt.IsZero() {
		t.Error("expected archived_at to be stamped")
	}
}

func TestArchiveStore_ArchiveOld_SkipsNonTerminal(t *testing.T) {
	db := testDB(t)
	jobs := NewJobStore(db, testLogger())
	archive := NewArchiveStore(db, testLogger())
	ctx := context.Background()

	// Old but still queued: never archived regardless of age.
	stale := &models.Job{
		UserID:      "alice",
		ModelID:     "m1",
		MaxAttempts: 3,
		CreatedAt:   time.Now().AddDate(0, 0, -60),
		UpdatedAt:   time.Now().AddDate(0, 0, -60),
	}
	jobs.Insert(ctx, stale)

	if n := archive.ArchiveOld(ctx, 30); n != 0 {
		t.Errorf("expected 0 archived, got %d", n)
	}
	if got, _ := jobs.Get(ctx, stale.ID); got == nil {
		t.Error("expected queued job to survive the sweep")
	}
}

func TestArchiveStore_PurgeArchive(t *testing.T) {
	db := testDB(t)
	jobs := NewJobStore(db, testLogger())
	archive := NewArchiveStore(db, testLogger())
	ctx := context.Background()

	seedTerminalJob(t, jobs, "alice", "m1", models.JobStatusCompleted, 40*24*time.Hour)
	if n := archive.ArchiveOld(ctx, 30); n != 1 {
		t.Fatalf("expected 1 archived, got %d", n)
	}

	// Rows archived just now are inside any positive window.
	if n := archive.PurgeArchive(ctx, 365); n != 0 {
		t.Errorf("expected 0 purged inside window, got %d", n)
	}

	// Zero disables the purge entirely.
	if n := archive.PurgeArchive(ctx, 0); n != 0 {
		t.Errorf("expected purge disabled with 0, got %d", n)
	}

	_, total, _ := archive.List(ctx, 0, 10)
	if total != 1 {
		t.Errorf("expected archive intact, got total=%d", total)
	}
}

func TestArchiveStore_Analytics(t *testing.T) {
	db := testDB(t)
	jobs := NewJobStore(db, testLogger())
	archive := NewArchiveStore(db, testLogger())
	ctx := context.Background()

	seedTerminalJob(t, jobs, "alice", "llama3", models.JobStatusCompleted, time.Hour)
	seedTerminalJob(t, jobs, "alice", "llama3", models.JobStatusFailed, time.Hour)
	seedTerminalJob(t, jobs, "bob", "mistral", models.JobStatusCompleted, 2*time.Hour)

	analytics, err := archive.Analytics(ctx, false)
	if err != nil {
		t.Fatalf("Analytics failed: %v", err)
	}
	if analytics.Total != 3 {
		t.Errorf("expected total 3, got %d", analytics.Total)
	}
	if analytics.ByStatus[models.JobStatusCompleted] != 2 {
		t.Errorf("expected 2 completed, got %d", analytics.ByStatus[models.JobStatusCompleted])
	}
	if analytics.ByStatus[models.JobStatusFailed] != 1 {
		t.Errorf("expected 1 failed, got %d", analytics.ByStatus[models.JobStatusFailed])
	}
	if len(analytics.TopModels) == 0 || analytics.TopModels[0].Key != "llama3" || analytics.TopModels[0].Count != 2 {
		t.Errorf("expected llama3 as top model with 2, got %+v", analytics.TopModels)
	}
	if len(analytics.TopUsers) == 0 || analytics.TopUsers[0].Key != "alice" {
		t.Errorf("expected alice as top user, got %+v", analytics.TopUsers)
	}
	if len(analytics.Daily) == 0 {
		t.Fatal("expected daily buckets")
	}
	today := time.Now().UTC().Format("2006-01-02")
	found := false
	for _, b := range analytics.Daily {
		if b.Date == today {
			found = true
			if b.Total < 2 {
				t.Errorf("expected at least 2 jobs today, got %d", b.Total)
			}
		}
	}
	if !found {
		t.Errorf("expected a bucket for %s, got %+v", today, analytics.Daily)
	}
	// Completed jobs waited about a minute between created_at and updated_at.
	if analytics.AvgWaitSeconds < 1 {
		t.Errorf("expected positive avg wait, got %v", analytics.AvgWaitSeconds)
	}
}

func TestArchiveStore_Analytics_Combined(t *testing.T) {
	db := testDB(t)
	jobs := NewJobStore(db, testLogger())
	archive := NewArchiveStore(db, testLogger())
	ctx := context.Background()

	seedTerminalJob(t, jobs, "alice", "llama3", models.JobStatusCompleted, 40*24*time.Hour)
	seedTerminalJob(t, jobs, "alice", "llama3", models.JobStatusCompleted, time.Hour)
	if n := archive.ArchiveOld(ctx, 30); n != 1 {
		t.Fatalf("expected 1 archived, got %d", n)
	}

	activeOnly, err := archive.Analytics(ctx, false)
	if err != nil {
		t.Fatalf("Analytics failed: %v", err)
	}
	if activeOnly.Total != 1 {
		t.Errorf("expected 1 active row, got %d", activeOnly.Total)
	}

	combined, err := archive.Analytics(ctx, true)
	if err != nil {
		t.Fatalf("Analytics combined failed: %v", err)
	}
	if combined.Total != 2 {
		t.Errorf("expected 2 combined rows, got %d", combined.Total)
	}
	if !combined.Combined {
		t.Error("expected combined flag set")
	}
}
