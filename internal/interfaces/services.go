package interfaces

import (
	"context"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/models"
)

// MetricsRegistry tracks live per-backend counters keyed by canonical origin.
// All methods are safe for concurrent use.
type MetricsRegistry interface {
	// IncrementActive adjusts the active job counter, clamped at zero.
	IncrementActive(url string, delta int)

	// RecordLatency folds one response time sample into the EMA.
	RecordLatency(url string, ms float64)

	// RecordTokensPerSecond computes evalCount/(evalNS/1e9) and folds it into
	// the EMA, discarding outliers.
	RecordTokensPerSecond(url string, evalCount, evalNS int64)

	// SetHealth records a probe outcome with a freshness TTL. Readers see
	// expired entries as "unknown".
	SetHealth(url string, healthy bool)

	// Snapshot returns the full metric tuple for one origin.
	Snapshot(url string) models.BackendMetrics

	// All returns metrics for every origin seen so far.
	All() []models.BackendMetrics
}

// BackendSelector picks the backend to dispatch a model request to.
type BackendSelector interface {
	// Select returns one of the candidates per the active strategy.
	// Returns models.ErrValidation when candidates is empty.
	Select(ctx context.Context, modelID string, candidates []common.BackendConfig) (*common.BackendConfig, error)

	// Strategy resolves the currently active strategy name.
	Strategy(ctx context.Context) string
}

// EventBroker fans job status changes out to per-user subscribers.
// Publication never blocks; events are dropped when a subscriber is full.
type EventBroker interface {
	Publish(event models.JobEvent)
	Subscribe(userID string) (<-chan models.JobEvent, func())
}

// Scheduler runs the dispatch, starvation, archive, snapshot and health loops.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop()
}
