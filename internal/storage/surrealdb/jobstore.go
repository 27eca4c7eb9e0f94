package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// jobSelectFields lists the fields to select from job, aliasing job_id to id
// for struct mapping.
const jobSelectFields = "job_id as id, user_id, model_id, status, priority, priority_score, " +
	"backend_url, request, result, error, attempt_count, max_attempts, created_at, updated_at"

// claimRetries bounds the re-select loop when a concurrent claimer wins the
// conditional update.
const claimRetries = 3

// JobStore implements interfaces.JobStore using SurrealDB.
type JobStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *surrealdb.DB, logger *common.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

func (s *JobStore) Insert(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	job.Priority = models.ClampPriority(job.Priority)
	if job.PriorityScore == 0 {
		job.PriorityScore = float64(job.Priority)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	sql := `UPSERT $rid SET
		job_id = $job_id, user_id = $user_id, model_id = $model_id, status = $status,
		priority = $priority, priority_score = $priority_score, backend_url = $backend_url,
		request = $request, result = $result, error = $error,
		attempt_count = $attempt_count, max_attempts = $max_attempts,
		created_at = $created_at, updated_at = $updated_at`
	vars := map[string]any{
		"rid":            surrealmodels.NewRecordID("job", job.ID),
		"job_id":         job.ID,
		"user_id":        job.UserID,
		"model_id":       job.ModelID,
		"status":         job.Status,
		"priority":       job.Priority,
		"priority_score": job.PriorityScore,
		"backend_url":    job.BackendURL,
		"request":        job.Request,
		"result":         job.Result,
		"error":          job.Error,
		"attempt_count":  job.AttemptCount,
		"max_attempts":   job.MaxAttempts,
		"created_at":     job.CreatedAt,
		"updated_at":     job.UpdatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE job_id = $id LIMIT 1"
	jobs, err := s.queryJobs(ctx, sql, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (s *JobStore) ListByUser(ctx context.Context, userID string, filter models.JobFilter, offset, limit int) ([]*models.Job, int, error) {
	where, vars := listFilter(filter)
	where = "user_id = $user_id" + where
	vars["user_id"] = userID
	return s.list(ctx, where, vars, offset, limit)
}

func (s *JobStore) ListAdmin(ctx context.Context, filter models.JobFilter, offset, limit int) ([]*models.Job, int, error) {
	where, vars := listFilter(filter)
	if where == "" {
		where = "true"
	} else {
		where = where[len(" AND "):]
	}
	return s.list(ctx, where, vars, offset, limit)
}

// listFilter builds the optional status/model clauses, prefixed with " AND".
func listFilter(filter models.JobFilter) (string, map[string]any) {
	where := ""
	vars := map[string]any{}
	if filter.Status != "" {
		where += " AND status = $f_status"
		vars["f_status"] = filter.Status
	}
	if filter.ModelID != "" {
		where += " AND model_id = $f_model"
		vars["f_model"] = filter.ModelID
	}
	return where, vars
}

func (s *JobStore) list(ctx context.Context, where string, vars map[string]any, offset, limit int) ([]*models.Job, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	vars["limit"] = limit
	vars["start"] = offset

	sql := "SELECT " + jobSelectFields + " FROM job WHERE " + where +
		" ORDER BY created_at DESC LIMIT $limit START $start"
	jobs, err := s.queryJobs(ctx, sql, vars)
	if err != nil {
		return nil, 0, err
	}

	countSQL := "SELECT count() AS cnt FROM job WHERE " + where + " GROUP ALL"
	total, err := s.count(ctx, countSQL, vars)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *JobStore) ClaimNext(ctx context.Context) (*models.Job, error) {
	selectSQL := "SELECT " + jobSelectFields + " FROM job WHERE status = $queued " +
		"ORDER BY priority_score DESC, created_at ASC LIMIT 1"

	for attempt := 0; attempt < claimRetries; attempt++ {
		jobs, err := s.queryJobs(ctx, selectSQL, map[string]any{"queued": models.JobStatusQueued})
		if err != nil {
			return nil, fmt.Errorf("failed to select claim candidate: %w", err)
		}
		if len(jobs) == 0 {
			return nil, nil
		}
		candidate := jobs[0]

		// Conditional claim: the WHERE clause loses against a concurrent
		// claimer, in which case the returned id list is empty and we
		// re-select.
		now := time.Now()
		updateSQL := `UPDATE $rid SET status = $running, attempt_count += 1, updated_at = $now
			WHERE status = $queued RETURN VALUE job_id`
		claimed, err := surrealdb.Query[[]string](ctx, s.db, updateSQL, map[string]any{
			"rid":     surrealmodels.NewRecordID("job", candidate.ID),
			"running": models.JobStatusRunning,
			"queued":  models.JobStatusQueued,
			"now":     now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if claimed != nil && len(*claimed) > 0 && len((*claimed)[0].Result) > 0 {
			candidate.Status = models.JobStatusRunning
			candidate.AttemptCount++
			candidate.UpdatedAt = now
			return candidate, nil
		}
	}
	return nil, nil
}

func (s *JobStore) MarkCompleted(ctx context.Context, id string, result map[string]any) (*models.Job, error) {
	// A cancelled row is never overwritten with a terminal result.
	sql := `UPDATE $rid SET status = $completed, result = $result, error = "", updated_at = $now
		WHERE status != $cancelled RETURN VALUE job_id`
	_, err := surrealdb.Query[[]string](ctx, s.db, sql, map[string]any{
		"rid":       surrealmodels.NewRecordID("job", id),
		"completed": models.JobStatusCompleted,
		"cancelled": models.JobStatusCancelled,
		"result":    result,
		"now":       time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark job completed: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *JobStore) MarkFailed(ctx context.Context, id, errMsg string, requeue bool) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.Status == models.JobStatusCancelled {
		return job, nil
	}

	status := models.JobStatusFailed
	if requeue && job.AttemptCount < job.MaxAttempts {
		status = models.JobStatusQueued
	}

	sql := `UPDATE $rid SET status = $status, error = $error, updated_at = $now
		WHERE status != $cancelled RETURN VALUE job_id`
	_, err = surrealdb.Query[[]string](ctx, s.db, sql, map[string]any{
		"rid":       surrealmodels.NewRecordID("job", id),
		"status":    status,
		"cancelled": models.JobStatusCancelled,
		"error":     errMsg,
		"now":       time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark job failed: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *JobStore) MarkCancelled(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if models.IsTerminal(job.Status) {
		return job, nil
	}

	sql := `UPDATE $rid SET status = $cancelled, updated_at = $now
		WHERE status IN [$queued, $running] RETURN VALUE job_id`
	_, err = surrealdb.Query[[]string](ctx, s.db, sql, map[string]any{
		"rid":       surrealmodels.NewRecordID("job", id),
		"cancelled": models.JobStatusCancelled,
		"queued":    models.JobStatusQueued,
		"running":   models.JobStatusRunning,
		"now":       time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *JobStore) SetBackend(ctx context.Context, id, backendURL string) error {
	sql := "UPDATE $rid SET backend_url = $url"
	_, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{
		"rid": surrealmodels.NewRecordID("job", id),
		"url": backendURL,
	})
	if err != nil {
		return fmt.Errorf("failed to set backend: %w", err)
	}
	return nil
}

func (s *JobStore) AdminRetry(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if !models.IsTerminal(job.Status) {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrConflict)
	}

	sql := `UPDATE $rid SET status = $queued, attempt_count = 0, error = "",
		priority_score = $score, updated_at = $now RETURN VALUE job_id`
	_, err = surrealdb.Query[[]string](ctx, s.db, sql, map[string]any{
		"rid":    surrealmodels.NewRecordID("job", id),
		"queued": models.JobStatusQueued,
		"score":  float64(job.Priority),
		"now":    time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retry job: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *JobStore) BumpStaleScores(ctx context.Context, delta float64) error {
	sql := "UPDATE job SET priority_score += $delta WHERE status = $queued"
	_, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{
		"delta":  delta,
		"queued": models.JobStatusQueued,
	})
	if err != nil {
		return fmt.Errorf("failed to bump stale scores: %w", err)
	}
	return nil
}

func (s *JobStore) CountByStatus(ctx context.Context, status string) (int, error) {
	sql := "SELECT count() AS cnt FROM job WHERE status = $status GROUP ALL"
	return s.count(ctx, sql, map[string]any{"status": status})
}

func (s *JobStore) DeleteByID(ctx context.Context, id string) bool {
	sql := "DELETE FROM job WHERE job_id = $id"
	if _, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{"id": id}); err != nil {
		s.logger.Warn().Str("job_id", id).Err(err).Msg("Failed to delete job")
		return false
	}
	return true
}

// ResetRunning requeues jobs left in "running" by a previous process crash.
func (s *JobStore) ResetRunning(ctx context.Context) (int, error) {
	sql := `UPDATE job SET status = $queued, updated_at = $now WHERE status = $running RETURN VALUE job_id`
	results, err := surrealdb.Query[[]string](ctx, s.db, sql, map[string]any{
		"queued":  models.JobStatusQueued,
		"running": models.JobStatusRunning,
		"now":     time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset running jobs: %w", err)
	}
	if results != nil && len(*results) > 0 {
		return len((*results)[0].Result), nil
	}
	return 0, nil
}

// queryJobs is a helper that runs a query and returns a slice of Job pointers.
func (s *JobStore) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, &(*results)[0].Result[i])
		}
	}
	return jobs, nil
}

type countResult struct {
	Cnt int `json:"cnt"`
}

func (s *JobStore) count(ctx context.Context, sql string, vars map[string]any) (int, error) {
	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

// Compile-time check
var _ interfaces.JobStore = (*JobStore)(nil)
