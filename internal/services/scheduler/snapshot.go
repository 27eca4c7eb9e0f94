package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
	"github.com/bobmcallan/herder/internal/services/balancer"
)

const bytesPerGB = 1024 * 1024 * 1024

// Snapshotter captures point-in-time backend and host state into the
// snapshot time series.
type Snapshotter struct {
	jobs          interfaces.JobStore
	snaps         interfaces.SnapshotStore
	registry      interfaces.MetricsRegistry
	clients       []interfaces.OllamaClient
	retentionDays int
	logger        *common.Logger

	mu        sync.Mutex
	lastPurge time.Time
}

// NewSnapshotter creates a snapshotter over the configured backend clients.
func NewSnapshotter(
	jobs interfaces.JobStore,
	snaps interfaces.SnapshotStore,
	registry interfaces.MetricsRegistry,
	clients []interfaces.OllamaClient,
	retentionDays int,
	logger *common.Logger,
) *Snapshotter {
	return &Snapshotter{
		jobs:          jobs,
		snaps:         snaps,
		registry:      registry,
		clients:       clients,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// CaptureAll writes one snapshot row per backend, or a synthetic local row
// when no backends are configured, then runs the daily retention purge.
// Failures log and continue.
func (s *Snapshotter) CaptureAll(ctx context.Context) {
	captured := time.Now()
	cpuPct, ramPct := s.hostSample(ctx)

	running, err := s.jobs.CountByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Snapshot: failed to count running jobs")
	}
	queued, err := s.jobs.CountByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Snapshot: failed to count queued jobs")
	}

	if len(s.clients) == 0 {
		s.insert(ctx, &models.BackendSnapshot{
			BackendURL: models.LocalSnapshotURL,
			CapturedAt: captured,
			CPUPercent: cpuPct,
			RAMPercent: ramPct,
			ActiveJobs: running,
			QueuedJobs: queued,
		})
	}

	for _, client := range s.clients {
		origin := balancer.Origin(client.BaseURL())
		snap := &models.BackendSnapshot{
			BackendURL:         origin,
			CapturedAt:         captured,
			CPUPercent:         cpuPct,
			RAMPercent:         ramPct,
			ActiveJobs:         running,
			QueuedJobs:         queued,
			AvgTokensPerSecond: s.registry.Snapshot(origin).AvgTokensPerSecond,
		}

		if ps, err := client.Ps(ctx); err != nil {
			s.logger.Debug().Str("backend", origin).Err(err).Msg("Snapshot: ps probe failed")
		} else {
			snap.LoadedModels = len(ps.Models)
			var vram int64
			for i := range ps.Models {
				vram += ps.Models[i].VRAMBytes()
			}
			snap.VRAMUsedGB = float64(vram) / bytesPerGB
		}

		s.insert(ctx, snap)
	}

	s.purgeDaily(ctx)
}

func (s *Snapshotter) insert(ctx context.Context, snap *models.BackendSnapshot) {
	if err := s.snaps.Insert(ctx, snap); err != nil {
		s.logger.Warn().Str("backend", snap.BackendURL).Err(err).Msg("Failed to persist snapshot")
	}
}

// hostSample reads host CPU and RAM utilisation. Errors degrade to zeros.
func (s *Snapshotter) hostSample(ctx context.Context) (float64, float64) {
	var cpuPct, ramPct float64
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("Snapshot: cpu sample failed")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ramPct = vm.UsedPercent
	} else {
		s.logger.Debug().Err(err).Msg("Snapshot: ram sample failed")
	}
	return cpuPct, ramPct
}

// purgeDaily trims the series once per wall-clock day.
func (s *Snapshotter) purgeDaily(ctx context.Context) {
	s.mu.Lock()
	due := time.Since(s.lastPurge) >= 24*time.Hour
	if due {
		s.lastPurge = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	n, err := s.snaps.Purge(ctx, s.retentionDays)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Snapshot purge failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("purged", n).Int("retention_days", s.retentionDays).Msg("Purged stale snapshots")
	}
}
