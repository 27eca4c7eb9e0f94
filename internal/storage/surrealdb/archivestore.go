package surrealdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// archiveSelectFields mirrors jobSelectFields plus the archival stamp.
const archiveSelectFields = jobSelectFields + ", archived_at"

// analyticsWindowDays is the span of the per-day buckets.
const analyticsWindowDays = 90

// topN caps the by-model and by-user aggregations.
const topN = 20

// ArchiveStore implements interfaces.ArchiveStore using SurrealDB.
type ArchiveStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewArchiveStore creates a new ArchiveStore.
func NewArchiveStore(db *surrealdb.DB, logger *common.Logger) *ArchiveStore {
	return &ArchiveStore{db: db, logger: logger}
}

// ArchiveOld moves terminal jobs whose updated_at is older than the window
// into job_archive. Best-effort: any storage error logs and returns 0.
func (s *ArchiveStore) ArchiveOld(ctx context.Context, olderThanDays int) int {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	vars := map[string]any{
		"completed": models.JobStatusCompleted,
		"failed":    models.JobStatusFailed,
		"cancelled": models.JobStatusCancelled,
		"cutoff":    cutoff,
		"now":       time.Now(),
	}

	countSQL := `SELECT count() AS cnt FROM job
		WHERE status IN [$completed, $failed, $cancelled] AND updated_at < $cutoff GROUP ALL`
	n, err := s.count(ctx, countSQL, vars)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Archive sweep count failed")
		return 0
	}
	if n == 0 {
		return 0
	}

	// Copy and delete in one transaction so a job id never exists in both
	// tables at once.
	sql := `BEGIN TRANSACTION;
		INSERT INTO job_archive (
			SELECT job_id, user_id, model_id, status, priority, priority_score,
				backend_url, request, result, error, attempt_count, max_attempts,
				created_at, updated_at, $now AS archived_at
			FROM job
			WHERE status IN [$completed, $failed, $cancelled] AND updated_at < $cutoff
		);
		DELETE FROM job WHERE status IN [$completed, $failed, $cancelled] AND updated_at < $cutoff;
		COMMIT TRANSACTION;`
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		s.logger.Warn().Err(err).Msg("Archive sweep failed")
		return 0
	}
	return n
}

// PurgeArchive hard-deletes archived rows older than the window.
// olderThanDays <= 0 disables the purge.
func (s *ArchiveStore) PurgeArchive(ctx context.Context, olderThanDays int) int {
	if olderThanDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	vars := map[string]any{"cutoff": cutoff}

	n, err := s.count(ctx, "SELECT count() AS cnt FROM job_archive WHERE archived_at < $cutoff GROUP ALL", vars)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Archive purge count failed")
		return 0
	}
	if n == 0 {
		return 0
	}

	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE FROM job_archive WHERE archived_at < $cutoff", vars); err != nil {
		s.logger.Warn().Err(err).Msg("Archive purge failed")
		return 0
	}
	return n
}

func (s *ArchiveStore) List(ctx context.Context, offset, limit int) ([]*models.ArchivedJob, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	sql := "SELECT " + archiveSelectFields + " FROM job_archive ORDER BY archived_at DESC LIMIT $limit START $start"
	results, err := surrealdb.Query[[]models.ArchivedJob](ctx, s.db, sql, map[string]any{
		"limit": limit,
		"start": offset,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list archive: %w", err)
	}

	var rows []*models.ArchivedJob
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			rows = append(rows, &(*results)[0].Result[i])
		}
	}

	total, err := s.count(ctx, "SELECT count() AS cnt FROM job_archive GROUP ALL", nil)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// analyticsRow is the slim projection the aggregation works over.
type analyticsRow struct {
	Status    string    `json:"status"`
	ModelID   string    `json:"model_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Analytics aggregates in Go rather than in SurrealQL so the daily ISO-date
// bucketing is identical regardless of the backing engine.
func (s *ArchiveStore) Analytics(ctx context.Context, combined bool) (*models.JobAnalytics, error) {
	rows, err := s.analyticsRows(ctx, "job")
	if err != nil {
		return nil, err
	}
	if combined {
		archived, err := s.analyticsRows(ctx, "job_archive")
		if err != nil {
			return nil, err
		}
		rows = append(rows, archived...)
	}

	out := &models.JobAnalytics{
		Total:    len(rows),
		ByStatus: make(map[string]int),
		Combined: combined,
	}

	modelCounts := make(map[string]int)
	userCounts := make(map[string]int)
	daily := make(map[string]*models.DailyBucket)
	since := time.Now().AddDate(0, 0, -analyticsWindowDays)
	var waitSum float64
	var waitN int

	for _, r := range rows {
		out.ByStatus[r.Status]++
		if r.ModelID != "" {
			modelCounts[r.ModelID]++
		}
		if r.UserID != "" {
			userCounts[r.UserID]++
		}
		if r.CreatedAt.After(since) {
			date := r.CreatedAt.UTC().Format("2006-01-02")
			b := daily[date]
			if b == nil {
				b = &models.DailyBucket{Date: date}
				daily[date] = b
			}
			b.Total++
			switch r.Status {
			case models.JobStatusCompleted:
				b.Completed++
			case models.JobStatusFailed:
				b.Failed++
			}
		}
		if r.Status == models.JobStatusCompleted && !r.UpdatedAt.IsZero() && !r.CreatedAt.IsZero() {
			waitSum += r.UpdatedAt.Sub(r.CreatedAt).Seconds()
			waitN++
		}
	}

	out.TopModels = topCounts(modelCounts)
	out.TopUsers = topCounts(userCounts)
	for _, b := range daily {
		out.Daily = append(out.Daily, *b)
	}
	sort.Slice(out.Daily, func(i, j int) bool { return out.Daily[i].Date < out.Daily[j].Date })
	if waitN > 0 {
		out.AvgWaitSeconds = waitSum / float64(waitN)
	}
	return out, nil
}

func (s *ArchiveStore) analyticsRows(ctx context.Context, table string) ([]analyticsRow, error) {
	sql := "SELECT status, model_id, user_id, created_at, updated_at FROM " + table
	results, err := surrealdb.Query[[]analyticsRow](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics rows from %s: %w", table, err)
	}
	if results != nil && len(*results) > 0 {
		return (*results)[0].Result, nil
	}
	return nil, nil
}

// topCounts returns the highest-count keys, capped at topN, ties broken by key
// for stable output.
func topCounts(counts map[string]int) []models.KeyCount {
	out := make([]models.KeyCount, 0, len(counts))
	for k, v := range counts {
		out = append(out, models.KeyCount{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

func (s *ArchiveStore) count(ctx context.Context, sql string, vars map[string]any) (int, error) {
	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

// Compile-time check
var _ interfaces.ArchiveStore = (*ArchiveStore)(nil)
