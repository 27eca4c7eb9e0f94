package balancer

import (
	"sort"
	"sync"
	"time"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
)

const (
	// emaAlpha is the smoothing factor for latency and tokens/s averages.
	emaAlpha = 0.3

	// healthTTL bounds how long a probe result stays authoritative.
	healthTTL = 120 * time.Second

	// Tokens/s samples outside this band are discarded as outliers.
	minTokensPerSecond = 0.1
	maxTokensPerSecond = 1000.0
)

// entry is the mutable per-origin state.
type entry struct {
	activeJobs      int
	avgResponseMS   float64
	sampleCount     int
	avgTokensPerSec float64
	tpsSampleCount  int
	healthy         bool
	lastHealthCheck time.Time
}

// Registry is the in-process metrics store, keyed by canonical origin.
// Single-process deployments keep it authoritative; the strategy key that
// must be shared across processes lives in the system KV instead.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *common.Logger

	alertResponseMS float64 // warn above this latency, 0 disables
	alertActiveJobs int     // warn above this backlog, 0 disables

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *common.Logger, cfg common.BalancerConfig) *Registry {
	return &Registry{
		entries:         make(map[string]*entry),
		logger:          logger,
		alertResponseMS: cfg.AlertResponseTimeMS,
		alertActiveJobs: cfg.AlertActiveJobs,
		now:             time.Now,
	}
}

func (r *Registry) get(origin string) *entry {
	e := r.entries[origin]
	if e == nil {
		e = &entry{}
		r.entries[origin] = e
	}
	return e
}

// IncrementActive adjusts the active job counter, clamped at zero.
func (r *Registry) IncrementActive(url string, delta int) {
	origin := Origin(url)
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(origin)
	e.activeJobs += delta
	if e.activeJobs < 0 {
		e.activeJobs = 0
	}

	if r.alertActiveJobs > 0 && e.activeJobs > r.alertActiveJobs {
		r.logger.Warn().
			Str("backend", origin).
			Int("active_jobs", e.activeJobs).
			Int("threshold", r.alertActiveJobs).
			Msg("Backend active job count above alert threshold")
	}
}

// RecordLatency folds one response time sample into the EMA, seeded by the
// first sample.
func (r *Registry) RecordLatency(url string, ms float64) {
	origin := Origin(url)
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(origin)
	if e.sampleCount == 0 {
		e.avgResponseMS = ms
	} else {
		e.avgResponseMS = emaAlpha*ms + (1-emaAlpha)*e.avgResponseMS
	}
	e.sampleCount++

	if r.alertResponseMS > 0 && ms > r.alertResponseMS {
		r.logger.Warn().
			Str("backend", origin).
			Float64("response_ms", ms).
			Float64("threshold_ms", r.alertResponseMS).
			Msg("Backend response time above alert threshold")
	}
}

// RecordTokensPerSecond computes evalCount/(evalNS/1e9) and folds it into the
// EMA. Samples outside the plausible band are discarded.
func (r *Registry) RecordTokensPerSecond(url string, evalCount, evalNS int64) {
	if evalNS <= 0 {
		return
	}
	tps := float64(evalCount) / (float64(evalNS) / 1e9)
	if tps < minTokensPerSecond || tps > maxTokensPerSecond {
		r.logger.Debug().
			Str("backend", Origin(url)).
			Float64("tokens_per_second", tps).
			Msg("Discarding tokens/s outlier")
		return
	}

	origin := Origin(url)
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(origin)
	if e.tpsSampleCount == 0 {
		e.avgTokensPerSec = tps
	} else {
		e.avgTokensPerSec = emaAlpha*tps + (1-emaAlpha)*e.avgTokensPerSec
	}
	e.tpsSampleCount++
}

// SetHealth records a probe outcome with the freshness TTL.
func (r *Registry) SetHealth(url string, healthy bool) {
	origin := Origin(url)
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(origin)
	e.healthy = healthy
	e.lastHealthCheck = r.now()
}

// Snapshot returns the full metric tuple for one origin. Unknown origins
// return a zero tuple with health "unknown".
func (r *Registry) Snapshot(url string) models.BackendMetrics {
	origin := Origin(url)
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.entries[origin]
	if e == nil {
		return models.BackendMetrics{Origin: origin, HealthStatus: models.HealthUnknown}
	}
	return r.metricsLocked(origin, e)
}

// All returns metrics for every origin seen so far, sorted for stable output.
func (r *Registry) All() []models.BackendMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.BackendMetrics, 0, len(r.entries))
	for origin, e := range r.entries {
		out = append(out, r.metricsLocked(origin, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

func (r *Registry) metricsLocked(origin string, e *entry) models.BackendMetrics {
	m := models.BackendMetrics{
		Origin:             origin,
		ActiveJobs:         e.activeJobs,
		AvgResponseTimeMS:  e.avgResponseMS,
		SampleCount:        e.sampleCount,
		AvgTokensPerSecond: e.avgTokensPerSec,
		HealthStatus:       models.HealthUnknown,
	}
	if !e.lastHealthCheck.IsZero() {
		m.LastHealthCheck = e.lastHealthCheck.Unix()
		// An expired probe result is stale, not wrong: selection must not
		// pin to it.
		if r.now().Sub(e.lastHealthCheck) <= healthTTL {
			if e.healthy {
				m.HealthStatus = models.HealthHealthy
			} else {
				m.HealthStatus = models.HealthUnhealthy
			}
		}
	}
	return m
}

// Compile-time check
var _ interfaces.MetricsRegistry = (*Registry)(nil)
