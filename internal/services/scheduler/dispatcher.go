package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bobmcallan/herder/internal/clients/ollama"
	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
	"github.com/bobmcallan/herder/internal/services/balancer"
)

// Dispatcher executes one claimed job against a selected backend, keeping the
// metrics registry balanced and landing the job in a valid state no matter
// what the backend does.
type Dispatcher struct {
	jobs     interfaces.JobStore
	registry interfaces.MetricsRegistry
	selector interfaces.BackendSelector
	broker   interfaces.EventBroker
	backends []common.BackendConfig
	clients  map[string]interfaces.OllamaClient // keyed by canonical origin
	logger   *common.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // job id -> cancel
}

// NewDispatcher creates a dispatcher over the configured backend pool.
func NewDispatcher(
	jobs interfaces.JobStore,
	registry interfaces.MetricsRegistry,
	selector interfaces.BackendSelector,
	broker interfaces.EventBroker,
	backends []common.BackendConfig,
	clients map[string]interfaces.OllamaClient,
	logger *common.Logger,
) *Dispatcher {
	return &Dispatcher{
		jobs:     jobs,
		registry: registry,
		selector: selector,
		broker:   broker,
		backends: backends,
		clients:  clients,
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
	}
}

// clientFor returns the client for a backend URL.
func (d *Dispatcher) clientFor(url string) interfaces.OllamaClient {
	return d.clients[balancer.Origin(url)]
}

// Cancel signals a best-effort stop to the in-flight worker for a job.
func (d *Dispatcher) Cancel(jobID string) {
	d.mu.Lock()
	cancel := d.inflight[jobID]
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Dispatcher) track(jobID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.inflight[jobID] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(jobID string) {
	d.mu.Lock()
	delete(d.inflight, jobID)
	d.mu.Unlock()
}

// Execute runs one claimed job to a terminal-or-requeued state.
// Never returns an error to the scheduler.
func (d *Dispatcher) Execute(ctx context.Context, job *models.Job) {
	ctx, cancel := context.WithCancel(ctx)
	d.track(job.ID, cancel)
	defer func() {
		cancel()
		d.untrack(job.ID)
	}()

	backend, err := d.selector.Select(ctx, job.ModelID, d.backends)
	if err != nil {
		d.finishFailed(ctx, job, fmt.Sprintf("backend selection: %v", err), false)
		return
	}
	client := d.clientFor(backend.URL)
	if client == nil {
		d.finishFailed(ctx, job, fmt.Sprintf("no client for backend %s", backend.URL), false)
		return
	}

	if err := d.jobs.SetBackend(ctx, job.ID, backend.URL); err != nil {
		d.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to record backend on job")
	}

	d.registry.IncrementActive(backend.URL, 1)
	decremented := false
	decrement := func() {
		// Reentrancy guard: the counter must balance exactly once per
		// execution.
		if !decremented {
			decremented = true
			d.registry.IncrementActive(backend.URL, -1)
		}
	}
	defer decrement()

	start := time.Now()
	result, metrics, err := client.Chat(ctx, job.Request)
	elapsedMS := float64(time.Since(start).Milliseconds())

	var apiErr *ollama.APIError
	gotResponse := err == nil || errors.As(err, &apiErr)
	if gotResponse {
		d.registry.RecordLatency(backend.URL, elapsedMS)
	}
	if metrics != nil {
		d.registry.RecordTokensPerSecond(backend.URL, metrics.EvalCount, metrics.EvalDuration)
	}
	decrement()

	if err == nil {
		updated, err := d.jobs.MarkCompleted(ctx, job.ID, result)
		if err != nil {
			d.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job completed")
			return
		}
		d.publish(updated)
		d.logger.Debug().
			Str("job_id", job.ID).
			Str("backend", balancer.Origin(backend.URL)).
			Float64("latency_ms", elapsedMS).
			Msg("Job completed")
		return
	}

	// Client errors with an explicit body are permanent; everything else
	// (5xx, throttling, transport, timeout) is retried.
	requeue := true
	if apiErr != nil && !apiErr.IsTransient() {
		requeue = false
	}
	d.finishFailed(ctx, job, err.Error(), requeue)
}

// finishFailed lands the job in failed-or-requeued state and publishes the
// outcome. Cancelled rows pass through untouched.
func (d *Dispatcher) finishFailed(ctx context.Context, job *models.Job, errMsg string, requeue bool) {
	updated, err := d.jobs.MarkFailed(ctx, job.ID, errMsg, requeue)
	if err != nil {
		d.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job failed")
		return
	}
	d.publish(updated)
	if updated != nil {
		d.logger.Warn().
			Str("job_id", job.ID).
			Str("status", updated.Status).
			Int("attempt", updated.AttemptCount).
			Int("max_attempts", updated.MaxAttempts).
			Str("error", errMsg).
			Msg("Job failed")
	}
}

func (d *Dispatcher) publish(job *models.Job) {
	if job == nil {
		return
	}
	d.broker.Publish(models.JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		Status:    job.Status,
		UpdatedAt: job.UpdatedAt,
		Error:     job.Error,
	})
}

// StreamChat serves a user-synchronous streaming chat completion outside the
// queue, with the same counter balance and metrics recording as queued
// dispatch. The NDJSON stream is copied to w as it arrives.
func (d *Dispatcher) StreamChat(ctx context.Context, modelID string, body map[string]any, w io.Writer) error {
	backend, err := d.selector.Select(ctx, modelID, d.backends)
	if err != nil {
		return err
	}
	client := d.clientFor(backend.URL)
	if client == nil {
		return fmt.Errorf("no client for backend %s", backend.URL)
	}

	d.registry.IncrementActive(backend.URL, 1)
	decremented := false
	decrement := func() {
		if !decremented {
			decremented = true
			d.registry.IncrementActive(backend.URL, -1)
		}
	}
	defer decrement()

	start := time.Now()
	metrics, err := client.ChatStream(ctx, body, w)
	d.registry.RecordLatency(backend.URL, float64(time.Since(start).Milliseconds()))
	if metrics != nil {
		d.registry.RecordTokensPerSecond(backend.URL, metrics.EvalCount, metrics.EvalDuration)
	}
	return err
}
