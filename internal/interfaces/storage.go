// Package interfaces defines the contracts between storage, services, and clients.
package interfaces

import (
	"context"

	"github.com/bobmcallan/herder/internal/models"
)

// JobStore is the durable state for active jobs. Lookup operations return
// (nil, nil) when the target row does not exist.
type JobStore interface {
	// Insert persists a new job in status "queued" with attempt_count=0 and
	// priority_score seeded from priority. Fills ID and timestamps when unset.
	Insert(ctx context.Context, job *models.Job) error

	Get(ctx context.Context, id string) (*models.Job, error)

	// ListByUser returns the caller's jobs newest-first with the total count
	// matching the filter.
	ListByUser(ctx context.Context, userID string, filter models.JobFilter, offset, limit int) ([]*models.Job, int, error)

	// ListAdmin is ListByUser across all users.
	ListAdmin(ctx context.Context, filter models.JobFilter, offset, limit int) ([]*models.Job, int, error)

	// ClaimNext atomically flips the highest-scored queued job to running,
	// incrementing attempt_count. Returns (nil, nil) when nothing is claimable.
	// No two concurrent callers ever receive the same job.
	ClaimNext(ctx context.Context) (*models.Job, error)

	// MarkCompleted writes the result and clears any error. The write is
	// suppressed when the row has already been cancelled.
	MarkCompleted(ctx context.Context, id string, result map[string]any) (*models.Job, error)

	// MarkFailed records the error. With requeue and attempts remaining the
	// job returns to "queued"; otherwise it lands in "failed". The write is
	// suppressed when the row has already been cancelled.
	MarkFailed(ctx context.Context, id, errMsg string, requeue bool) (*models.Job, error)

	// MarkCancelled cancels a non-terminal job. Terminal jobs are returned
	// unchanged.
	MarkCancelled(ctx context.Context, id string) (*models.Job, error)

	SetBackend(ctx context.Context, id, backendURL string) error

	// AdminRetry resets a terminal job back to "queued" with attempt_count=0,
	// error cleared and priority_score reset to the base priority.
	// Returns models.ErrConflict when the job is not terminal.
	AdminRetry(ctx context.Context, id string) (*models.Job, error)

	// BumpStaleScores adds delta to priority_score for every queued row.
	BumpStaleScores(ctx context.Context, delta float64) error

	CountByStatus(ctx context.Context, status string) (int, error)

	// DeleteByID removes a row, reporting success rather than raising.
	DeleteByID(ctx context.Context, id string) bool

	// ResetRunning requeues rows left in "running" by a previous process,
	// without consuming an attempt.
	ResetRunning(ctx context.Context) (int, error)
}

// ArchiveStore manages the terminal-job archive and serves analytics over
// the active and archived tables.
type ArchiveStore interface {
	// ArchiveOld moves terminal jobs older than the window into the archive.
	// Best-effort: returns 0 on any storage error.
	ArchiveOld(ctx context.Context, olderThanDays int) int

	// PurgeArchive hard-deletes archived rows older than the window.
	// No-op returning 0 when olderThanDays <= 0.
	PurgeArchive(ctx context.Context, olderThanDays int) int

	List(ctx context.Context, offset, limit int) ([]*models.ArchivedJob, int, error)

	// Analytics aggregates counts, top models/users, 90-day daily buckets and
	// average completion wait. combined includes archived rows.
	Analytics(ctx context.Context, combined bool) (*models.JobAnalytics, error)
}

// SnapshotStore persists the backend snapshot time series.
type SnapshotStore interface {
	Insert(ctx context.Context, snap *models.BackendSnapshot) error
	Recent(ctx context.Context, backendURL string, limit int) ([]*models.BackendSnapshot, error)
	Backends(ctx context.Context) ([]string, error)
	Purge(ctx context.Context, olderThanDays int) (int, error)
}

// InternalStore holds system-level key/value state shared across processes,
// such as the active load-balancer strategy.
type InternalStore interface {
	GetSystemKV(ctx context.Context, key string) (string, error)
	SetSystemKV(ctx context.Context, key, value string) error
}

// StorageManager aggregates the stores behind a single connection.
type StorageManager interface {
	JobStore() JobStore
	ArchiveStore() ArchiveStore
	SnapshotStore() SnapshotStore
	InternalStore() InternalStore
	Close() error
}
