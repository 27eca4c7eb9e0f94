package server

import (
	"net/http"
	"time"

	"github.com/wcharczuk/go-chart/v2"

	"github.com/bobmcallan/herder/internal/models"
)

// handleSnapshotChart handles GET /api/v1/system/snapshots/chart — renders
// the snapshot series for one backend as a PNG. metric selects the plotted
// series: utilisation (default, CPU and RAM), tokens, or vram.
func (s *Server) handleSnapshotChart(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	backend := r.URL.Query().Get("backend")
	metric := r.URL.Query().Get("metric")
	limit := queryInt(r, "limit", 288, 2, 2000)

	snaps, err := s.app.Storage.SnapshotStore().Recent(r.Context(), backend, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to load snapshots: "+err.Error())
		return
	}
	if len(snaps) < 2 {
		WriteError(w, http.StatusNotFound, "Not enough snapshot data to chart")
		return
	}

	// Recent returns newest-first; plot oldest-first.
	times := make([]time.Time, len(snaps))
	for i, snap := range snaps {
		times[len(snaps)-1-i] = snap.CapturedAt
	}

	graph := chart.Chart{
		Title:  chartTitle(metric, backend),
		Width:  900,
		Height: 360,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat("15:04"),
		},
		Series: chartSeries(metric, snaps, times),
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	w.Header().Set("Content-Type", "image/png")
	if err := graph.Render(chart.PNG, w); err != nil {
		s.logger.Warn().Err(err).Msg("Snapshot chart render failed")
	}
}

func chartTitle(metric, backend string) string {
	if backend == "" {
		backend = "all backends"
	}
	switch metric {
	case "tokens":
		return "Throughput (tokens/s) — " + backend
	case "vram":
		return "VRAM (GB) — " + backend
	default:
		return "Host utilisation (%) — " + backend
	}
}

func chartSeries(metric string, snaps []*models.BackendSnapshot, times []time.Time) []chart.Series {
	values := func(f func(*models.BackendSnapshot) float64) []float64 {
		out := make([]float64, len(snaps))
		for i, snap := range snaps {
			out[len(snaps)-1-i] = f(snap)
		}
		return out
	}

	switch metric {
	case "tokens":
		return []chart.Series{
			chart.TimeSeries{
				Name:    "tokens/s",
				XValues: times,
				YValues: values(func(s *models.BackendSnapshot) float64 { return s.AvgTokensPerSecond }),
			},
		}
	case "vram":
		return []chart.Series{
			chart.TimeSeries{
				Name:    "vram_gb",
				XValues: times,
				YValues: values(func(s *models.BackendSnapshot) float64 { return s.VRAMUsedGB }),
			},
		}
	default:
		return []chart.Series{
			chart.TimeSeries{
				Name:    "cpu",
				XValues: times,
				YValues: values(func(s *models.BackendSnapshot) float64 { return s.CPUPercent }),
			},
			chart.TimeSeries{
				Name:    "ram",
				XValues: times,
				YValues: values(func(s *models.BackendSnapshot) float64 { return s.RAMPercent }),
			},
		}
	}
}
