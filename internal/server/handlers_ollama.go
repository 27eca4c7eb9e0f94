package server

import (
	"errors"
	"net/http"
	"sync"

	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
	"github.com/bobmcallan/herder/internal/services/balancer"
)

// handleOllamaLoadStats handles GET /api/v1/ollama/load-stats — the live
// registry readout driving the balancer.
func (s *Server) handleOllamaLoadStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"strategy": s.app.Selector.Strategy(r.Context()),
		"backends": s.app.Registry.All(),
	})
}

// backendStat is one backend's probe result for the server-stats readout.
type backendStat struct {
	Origin       string                 `json:"origin"`
	Reachable    bool                   `json:"reachable"`
	Version      string                 `json:"version,omitempty"`
	LoadedModels []models.OllamaPsModel `json:"loaded_models,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// handleOllamaServerStats handles GET /api/v1/ollama/server-stats — live
// version and loaded-model probes against every backend.
func (s *Server) handleOllamaServerStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	ctx := r.Context()
	stats := make([]backendStat, len(s.app.ClientList))

	var wg sync.WaitGroup
	for i, client := range s.app.ClientList {
		wg.Add(1)
		go func(i int, c interfaces.OllamaClient) {
			defer wg.Done()
			stat := backendStat{Origin: balancer.Origin(c.BaseURL())}

			version, err := c.Version(ctx)
			if err != nil {
				stat.Error = err.Error()
				stats[i] = stat
				return
			}
			stat.Reachable = true
			stat.Version = version.Version

			if ps, err := c.Ps(ctx); err == nil {
				stat.LoadedModels = ps.Models
			}
			stats[i] = stat
		}(i, client)
	}
	wg.Wait()

	WriteJSON(w, http.StatusOK, map[string]interface{}{"servers": stats})
}

// handleOllamaVersion handles GET /api/v1/ollama/version — per-backend
// versions, with "version" set from the first reachable backend.
func (s *Server) handleOllamaVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.requireUser(w, r) == nil {
		return
	}

	versions := map[string]string{}
	first := ""
	for _, client := range s.app.ClientList {
		v, err := client.Version(r.Context())
		if err != nil {
			continue
		}
		versions[balancer.Origin(client.BaseURL())] = v.Version
		if first == "" {
			first = v.Version
		}
	}
	if first == "" {
		WriteError(w, http.StatusBadGateway, "No backend reachable")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":  first,
		"backends": versions,
	})
}

// handleOllamaPs handles GET /api/v1/ollama/ps — loaded models per backend.
func (s *Server) handleOllamaPs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.requireUser(w, r) == nil {
		return
	}

	loaded := map[string][]models.OllamaPsModel{}
	for _, client := range s.app.ClientList {
		ps, err := client.Ps(r.Context())
		if err != nil {
			continue
		}
		loaded[balancer.Origin(client.BaseURL())] = ps.Models
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"backends": loaded})
}

// handleOllamaChat handles POST /api/v1/ollama/chat — synchronous streaming
// chat over the balanced pool, bypassing the queue. The backend's NDJSON
// stream is relayed as it arrives.
func (s *Server) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if s.requireUser(w, r) == nil {
		return
	}

	var body map[string]any
	if !DecodeJSON(w, r, &body) {
		return
	}
	model, _ := body["model"].(string)
	if model == "" {
		WriteError(w, http.StatusBadRequest, "model is required")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	if err := s.app.Dispatcher.StreamChat(r.Context(), model, body, w); err != nil {
		if errors.Is(err, models.ErrValidation) {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		// The stream may be partially written; a late error can only be logged.
		s.logger.Warn().Str("model", model).Err(err).Msg("Streaming chat failed")
		if rw, ok := w.(*responseWriter); !ok || rw.bytesWritten == 0 {
			WriteError(w, http.StatusBadGateway, "Chat request failed: "+err.Error())
		}
	}
}
