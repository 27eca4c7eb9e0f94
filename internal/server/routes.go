package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bobmcallan/herder/internal/common"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)

	// Job submission and polling
	mux.HandleFunc("/api/v1/chat/completions", s.handleJobSubmit)
	mux.HandleFunc("/api/v1/jobs/events", s.handleJobEvents)
	mux.HandleFunc("/api/v1/jobs/", s.routeJobs) // handles {id}
	mux.HandleFunc("/api/v1/jobs", s.handleJobList)

	// Admin — queue oversight, analytics, archive, WebSocket
	mux.HandleFunc("/api/v1/admin/jobs/", s.routeAdminJobs) // handles {id}/retry
	mux.HandleFunc("/api/v1/admin/jobs", s.handleAdminJobList)
	mux.HandleFunc("/api/v1/admin/analytics/export", s.handleAnalyticsExport)
	mux.HandleFunc("/api/v1/admin/analytics", s.handleAnalytics)
	mux.HandleFunc("/api/v1/admin/archive/config", s.handleArchiveConfig)
	mux.HandleFunc("/api/v1/admin/archive/run", s.handleArchiveRun)
	mux.HandleFunc("/api/v1/admin/archive", s.handleArchiveList)
	mux.HandleFunc("/api/v1/admin/ws/jobs", s.handleAdminJobsWS)

	// System metrics and snapshots
	mux.HandleFunc("/api/v1/system/metrics", s.handleSystemMetrics)
	mux.HandleFunc("/api/v1/system/snapshots/chart", s.handleSnapshotChart)
	mux.HandleFunc("/api/v1/system/snapshots", s.handleSnapshots)
	mux.HandleFunc("/api/v1/system/lb-strategy", s.handleLBStrategy)

	// Backend pool passthrough
	mux.HandleFunc("/api/v1/ollama/load-stats", s.handleOllamaLoadStats)
	mux.HandleFunc("/api/v1/ollama/server-stats", s.handleOllamaServerStats)
	mux.HandleFunc("/api/v1/ollama/version", s.handleOllamaVersion)
	mux.HandleFunc("/api/v1/ollama/ps", s.handleOllamaPs)
	mux.HandleFunc("/api/v1/ollama/chat", s.handleOllamaChat)
}

// routeJobs dispatches /api/v1/jobs/{id} to the get or cancel handler.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleJobGet(w, r, id)
	case http.MethodDelete:
		s.handleJobCancel(w, r, id)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// routeAdminJobs dispatches /api/v1/admin/jobs/{id}/{action}.
func (s *Server) routeAdminJobs(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/admin/jobs/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	switch parts[1] {
	case "retry":
		s.handleAdminJobRetry(w, r, parts[0])
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// requireUser checks that the request carries an authenticated identity.
// Returns nil after writing a 401 when it does not.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *common.UserContext {
	uc := common.UserContextFromContext(r.Context())
	if uc == nil || uc.UserID == "" {
		writeBearerChallenge(w, "Authentication required")
		return nil
	}
	return uc
}

// requireAdmin checks that the user has the admin role.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	uc := common.UserContextFromContext(r.Context())
	if uc == nil || uc.UserID == "" {
		writeBearerChallenge(w, "Authentication required")
		return false
	}
	if !uc.IsAdmin() {
		WriteError(w, http.StatusForbidden, "Admin access required")
		return false
	}
	return true
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// handleShutdown handles POST /api/shutdown (dev mode only).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("Shutdown requested via HTTP endpoint")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}
