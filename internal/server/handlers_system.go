package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/models"
	"github.com/bobmcallan/herder/internal/services/balancer"
)

// handleSystemMetrics handles GET /api/v1/system/metrics — queue depth,
// per-backend registry readouts and host utilisation.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	ctx := r.Context()
	store := s.app.Storage.JobStore()

	queue := map[string]int{}
	for _, status := range []string{
		models.JobStatusQueued,
		models.JobStatusRunning,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	} {
		n, err := store.CountByStatus(ctx, status)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to count jobs: "+err.Error())
			return
		}
		queue[status] = n
	}

	var cpuPct, ramPct float64
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ramPct = vm.UsedPercent
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":       time.Since(s.app.StartupTime).Round(time.Second).String(),
		"started_at":   s.app.StartupTime,
		"queue":        queue,
		"backends":     s.app.Registry.All(),
		"lb_strategy":  s.app.Selector.Strategy(ctx),
		"ws_clients":   s.app.Broker.Hub().ClientCount(),
		"cpu_percent":  cpuPct,
		"ram_percent":  ramPct,
		"backend_pool": len(s.app.Config.EnabledBackends()),
	})
}

// handleSnapshots handles GET /api/v1/system/snapshots — recent snapshot rows,
// optionally filtered to one backend.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	backend := r.URL.Query().Get("backend")
	limit := queryInt(r, "limit", 100, 1, 1000)

	snaps, err := s.app.Storage.SnapshotStore().Recent(r.Context(), backend, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load snapshots: "+err.Error())
		return
	}
	backends, err := s.app.Storage.SnapshotStore().Backends(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list snapshot backends: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snaps,
		"backends":  backends,
	})
}

// handleLBStrategy handles GET and POST /api/v1/system/lb-strategy. The
// stored value is shared through system KV so every process converges on it.
func (s *Server) handleLBStrategy(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	if r.Method == http.MethodGet {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"strategy": s.app.Selector.Strategy(r.Context()),
			"valid":    common.ValidStrategies,
		})
		return
	}

	var req struct {
		Strategy string `json:"strategy"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	if !common.IsValidStrategy(req.Strategy) {
		WriteError(w, http.StatusUnprocessableEntity, "Unknown strategy: "+req.Strategy)
		return
	}

	if err := s.app.Storage.InternalStore().SetSystemKV(r.Context(), balancer.StrategyKey, req.Strategy); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to persist strategy: "+err.Error())
		return
	}

	s.logger.Info().Str("strategy", req.Strategy).Msg("Load-balancer strategy changed")
	WriteJSON(w, http.StatusOK, map[string]string{"strategy": req.Strategy})
}
