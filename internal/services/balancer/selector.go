package balancer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
)

// StrategyKey is the system KV key holding the active selection strategy.
// The stored value is authoritative across processes; the config default
// applies when the key is absent or unreadable.
const StrategyKey = "lb_strategy"

// Strategy names.
const (
	StrategyLeastConnections = "least_connections"
	StrategyRoundRobin       = "round_robin"
	StrategyFastest          = "fastest"
)

// Selector picks the backend for each dispatch per the active strategy.
type Selector struct {
	registry interfaces.MetricsRegistry
	internal interfaces.InternalStore
	logger   *common.Logger

	defaultStrategy    string
	activeJobsWeight   float64
	responseTimeWeight float64

	mu         sync.Mutex
	rrCounters map[string]int
	rng        *rand.Rand
}

// NewSelector creates a selector reading strategy overrides from the
// system KV store. internal may be nil, in which case the config default
// is always used.
func NewSelector(registry interfaces.MetricsRegistry, internal interfaces.InternalStore, cfg common.BalancerConfig, logger *common.Logger) *Selector {
	return &Selector{
		registry:           registry,
		internal:           internal,
		logger:             logger,
		defaultStrategy:    cfg.Strategy,
		activeJobsWeight:   cfg.ActiveJobsWeight,
		responseTimeWeight: cfg.ResponseTimeWeight,
		rrCounters:         make(map[string]int),
		rng:                rand.New(rand.NewSource(rand.Int63())),
	}
}

// Strategy resolves the active strategy: the shared KV value when present
// and valid, otherwise the configured default.
func (s *Selector) Strategy(ctx context.Context) string {
	if s.internal != nil {
		if v, err := s.internal.GetSystemKV(ctx, StrategyKey); err == nil && common.IsValidStrategy(v) {
			return v
		}
	}
	return s.defaultStrategy
}

// Select returns one of the candidates serving modelID per the active
// strategy. Candidates that restrict model_ids are filtered first.
func (s *Selector) Select(ctx context.Context, modelID string, candidates []common.BackendConfig) (*common.BackendConfig, error) {
	eligible := filterByModel(modelID, candidates)
	if len(eligible) == 0 {
		return nil, fmt.Errorf("no backend serves model %q: %w", modelID, models.ErrValidation)
	}

	switch s.Strategy(ctx) {
	case StrategyRoundRobin:
		return s.selectRoundRobin(modelID, eligible), nil
	case StrategyFastest:
		return s.selectFastest(eligible), nil
	default:
		return s.selectLeastConnections(eligible), nil
	}
}

// filterByModel keeps candidates whose model_ids list is empty or contains
// modelID, preserving configured order.
func filterByModel(modelID string, candidates []common.BackendConfig) []common.BackendConfig {
	var out []common.BackendConfig
	for _, c := range candidates {
		if len(c.ModelIDs) == 0 {
			out = append(out, c)
			continue
		}
		for _, m := range c.ModelIDs {
			if m == modelID {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// healthyOrAll drops unhealthy candidates; when that empties the set the full
// set is returned so the pool operates degraded rather than failing.
func (s *Selector) healthyOrAll(candidates []common.BackendConfig) []common.BackendConfig {
	var healthy []common.BackendConfig
	for _, c := range candidates {
		if s.registry.Snapshot(c.URL).HealthStatus != models.HealthUnhealthy {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		s.logger.Warn().Int("candidates", len(candidates)).Msg("All backends unhealthy, selecting from full set")
		return candidates
	}
	return healthy
}

func (s *Selector) selectLeastConnections(candidates []common.BackendConfig) *common.BackendConfig {
	pool := s.healthyOrAll(candidates)

	best := -1
	bestScore := 0.0
	anyMetrics := false
	for i, c := range pool {
		m := s.registry.Snapshot(c.URL)
		if m.SampleCount > 0 || m.ActiveJobs > 0 || m.LastHealthCheck != 0 {
			anyMetrics = true
		}
		score := s.activeJobsWeight*float64(m.ActiveJobs) + s.responseTimeWeight*(m.AvgResponseTimeMS/1000)
		if best < 0 || score < bestScore {
			best = i
			bestScore = score
		}
	}

	if !anyMetrics {
		s.mu.Lock()
		best = s.rng.Intn(len(pool))
		s.mu.Unlock()
	}
	return &pool[best]
}

func (s *Selector) selectRoundRobin(modelID string, candidates []common.BackendConfig) *common.BackendConfig {
	pool := s.healthyOrAll(candidates)

	s.mu.Lock()
	n := s.rrCounters[modelID]
	s.rrCounters[modelID] = n + 1
	s.mu.Unlock()

	return &pool[n%len(pool)]
}

// selectFastest picks the minimum observed response time. A zero average
// means no data yet and is deprioritised whenever another candidate has data.
func (s *Selector) selectFastest(candidates []common.BackendConfig) *common.BackendConfig {
	pool := s.healthyOrAll(candidates)

	best := -1
	bestMS := 0.0
	for i, c := range pool {
		m := s.registry.Snapshot(c.URL)
		if m.AvgResponseTimeMS <= 0 {
			continue
		}
		if best < 0 || m.AvgResponseTimeMS < bestMS {
			best = i
			bestMS = m.AvgResponseTimeMS
		}
	}
	if best < 0 {
		return &pool[0]
	}
	return &pool[best]
}

// Compile-time check
var _ interfaces.BackendSelector = (*Selector)(nil)
