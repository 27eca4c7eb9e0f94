package server

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bobmcallan/herder/internal/models"
)

// handleAdminJobList handles GET /api/v1/admin/jobs — all users' jobs with
// optional status/model filters.
func (s *Server) handleAdminJobList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	skip := queryInt(r, "skip", 0, 0, 1<<30)
	limit := queryInt(r, "limit", 100, 1, 1000)
	filter := models.JobFilter{
		Status:  r.URL.Query().Get("status"),
		ModelID: r.URL.Query().Get("model_id"),
	}

	jobs, total, err := s.app.Storage.JobStore().ListAdmin(r.Context(), filter, skip, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs: "+err.Error())
		return
	}
	for _, j := range jobs {
		j.Result = nil
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": total,
		"skip":  skip,
		"limit": limit,
	})
}

// handleAdminJobRetry handles POST /api/v1/admin/jobs/{id}/retry — requeue a
// terminal job with a fresh attempt budget. Non-terminal jobs return 409.
func (s *Server) handleAdminJobRetry(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	job, err := s.app.Storage.JobStore().AdminRetry(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			WriteError(w, http.StatusConflict, "Job is not in a terminal state")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to retry job: "+err.Error())
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	s.app.Broker.Publish(models.JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		Status:    job.Status,
		UpdatedAt: job.UpdatedAt,
	})
	WriteJSON(w, http.StatusOK, job)
}

// handleAnalytics handles GET /api/v1/admin/analytics. combined=true folds
// the archive into the aggregation.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	combined := r.URL.Query().Get("combined") == "true"
	analytics, err := s.app.Storage.ArchiveStore().Analytics(r.Context(), combined)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to aggregate analytics: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, analytics)
}

// handleAnalyticsExport handles GET /api/v1/admin/analytics/export — the
// analytics aggregation as CSV, daily volume first then per-model totals.
func (s *Server) handleAnalyticsExport(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	combined := r.URL.Query().Get("combined") == "true"
	analytics, err := s.app.Storage.ArchiveStore().Analytics(r.Context(), combined)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to aggregate analytics: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="job-analytics-%s.csv"`, time.Now().UTC().Format("2006-01-02")))

	cw := csv.NewWriter(w)
	cw.Write([]string{"date", "total", "completed", "failed"})
	for _, d := range analytics.Daily {
		cw.Write([]string{d.Date, strconv.Itoa(d.Total), strconv.Itoa(d.Completed), strconv.Itoa(d.Failed)})
	}
	cw.Write([]string{})
	cw.Write([]string{"model", "count"})
	for _, m := range analytics.TopModels {
		cw.Write([]string{m.Key, strconv.Itoa(m.Count)})
	}
	cw.Flush()
}

// handleArchiveList handles GET /api/v1/admin/archive — browse archived jobs
// newest-first.
func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	skip := queryInt(r, "skip", 0, 0, 1<<30)
	limit := queryInt(r, "limit", 100, 1, 1000)

	jobs, total, err := s.app.Storage.ArchiveStore().List(r.Context(), skip, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list archive: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": total,
		"skip":  skip,
		"limit": limit,
	})
}

// handleArchiveConfig handles GET /api/v1/admin/archive/config.
func (s *Server) handleArchiveConfig(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	WriteJSON(w, http.StatusOK, models.ArchiveConfig{
		RetentionDays:        s.app.Config.Scheduler.RetentionDays,
		ArchiveRetentionDays: s.app.Config.Scheduler.ArchiveRetentionDays,
		CheckIntervalSeconds: s.app.Config.Scheduler.ArchiveCheckInterval,
	})
}

// handleArchiveRun handles POST /api/v1/admin/archive/run — trigger one
// archive sweep immediately instead of waiting for the loop.
func (s *Server) handleArchiveRun(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	ctx := r.Context()
	store := s.app.Storage.ArchiveStore()

	result := models.ArchiveRunResult{
		Archived: store.ArchiveOld(ctx, s.app.Config.Scheduler.RetentionDays),
	}
	if s.app.Config.Scheduler.ArchiveRetentionDays > 0 {
		result.Purged = store.PurgeArchive(ctx, s.app.Config.Scheduler.ArchiveRetentionDays)
	}

	s.logger.Info().
		Int("archived", result.Archived).
		Int("purged", result.Purged).
		Msg("Manual archive sweep completed")
	WriteJSON(w, http.StatusOK, result)
}

// handleAdminJobsWS handles GET /api/v1/admin/ws/jobs — WebSocket feed of
// every job status change across all users.
func (s *Server) handleAdminJobsWS(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	s.app.Broker.Hub().ServeWS(w, r)
}
