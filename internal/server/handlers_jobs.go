package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bobmcallan/herder/internal/models"
)

// sseKeepAlive is the interval between comment frames keeping idle event
// streams open through proxies.
const sseKeepAlive = 30 * time.Second

// handleJobSubmit handles POST /api/v1/chat/completions — enqueue a job.
func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	uc := s.requireUser(w, r)
	if uc == nil {
		return
	}

	var req models.SubmitRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		WriteError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		WriteError(w, http.StatusBadRequest, "messages is required")
		return
	}
	if !s.modelServed(req.Model) {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("No backend serves model %q", req.Model))
		return
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.app.Config.Scheduler.DefaultMaxAttempts
	}

	job := &models.Job{
		UserID:      uc.UserID,
		ModelID:     req.Model,
		Priority:    models.ClampPriority(req.Priority),
		Request:     buildChatRequest(&req),
		MaxAttempts: maxAttempts,
	}

	if err := s.app.Storage.JobStore().Insert(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Msg("Job insert failed")
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	WriteJSON(w, http.StatusAccepted, models.SubmitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		ModelID:   job.ModelID,
		CreatedAt: job.CreatedAt,
	})
}

// modelServed reports whether at least one enabled backend serves the model.
func (s *Server) modelServed(modelID string) bool {
	for _, b := range s.app.Config.EnabledBackends() {
		if len(b.ModelIDs) == 0 {
			return true
		}
		for _, m := range b.ModelIDs {
			if m == modelID {
				return true
			}
		}
	}
	return false
}

// buildChatRequest converts the submission into the backend chat payload.
// Sampling options ride in the Ollama options block.
func buildChatRequest(req *models.SubmitRequest) map[string]any {
	body := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	}
	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	if len(options) > 0 {
		body["options"] = options
	}
	return body
}

// handleJobGet handles GET /api/v1/jobs/{id} — poll one job. The result body
// is omitted unless include_result=true.
func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, id string) {
	uc := s.requireUser(w, r)
	if uc == nil {
		return
	}

	job, err := s.app.Storage.JobStore().Get(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load job: "+err.Error())
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if job.UserID != uc.UserID && !uc.IsAdmin() {
		WriteError(w, http.StatusForbidden, "Not the job owner")
		return
	}

	if r.URL.Query().Get("include_result") != "true" {
		job.Result = nil
	}
	WriteJSON(w, http.StatusOK, job)
}

// handleJobCancel handles DELETE /api/v1/jobs/{id}. Terminal jobs are
// returned unchanged; running jobs additionally get their in-flight request
// aborted.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, id string) {
	uc := s.requireUser(w, r)
	if uc == nil {
		return
	}

	job, err := s.app.Storage.JobStore().Get(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load job: "+err.Error())
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if job.UserID != uc.UserID && !uc.IsAdmin() {
		WriteError(w, http.StatusForbidden, "Not the job owner")
		return
	}

	wasRunning := job.Status == models.JobStatusRunning
	updated, err := s.app.Storage.JobStore().MarkCancelled(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to cancel job: "+err.Error())
		return
	}
	if wasRunning {
		s.app.Dispatcher.Cancel(id)
	}
	if updated.Status == models.JobStatusCancelled && job.Status != models.JobStatusCancelled {
		s.app.Broker.Publish(models.JobEvent{
			JobID:     updated.ID,
			UserID:    updated.UserID,
			Status:    updated.Status,
			UpdatedAt: updated.UpdatedAt,
		})
	}
	WriteJSON(w, http.StatusOK, updated)
}

// handleJobList handles GET /api/v1/jobs — the caller's jobs newest-first.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	uc := s.requireUser(w, r)
	if uc == nil {
		return
	}

	skip := queryInt(r, "skip", 0, 0, 1<<30)
	limit := queryInt(r, "limit", 50, 1, 200)
	filter := models.JobFilter{
		Status:  r.URL.Query().Get("status"),
		ModelID: r.URL.Query().Get("model_id"),
	}

	jobs, total, err := s.app.Storage.JobStore().ListByUser(r.Context(), uc.UserID, filter, skip, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs: "+err.Error())
		return
	}
	// Poll responses stay light; results come from the single-job endpoint.
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

// handleJobEvents handles GET /api/v1/jobs/events — SSE stream of the
// caller's job status changes.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	uc := s.requireUser(w, r)
	if uc == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.app.Broker.Subscribe(uc.UserID)
	defer cancel()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: job\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
