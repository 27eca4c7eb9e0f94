package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/services/balancer"
)

// Scheduler owns the background loops: dispatch, starvation relief, archive
// sweeps, snapshots and health probes. Loop errors are logged and swallowed
// so one bad tick never takes a loop down.
type Scheduler struct {
	config      *common.Config
	storage     interfaces.StorageManager
	dispatcher  *Dispatcher
	snapshotter *Snapshotter
	prober      *balancer.Prober
	broker      *Broker
	logger      *common.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewScheduler wires the scheduler over already-constructed services.
func NewScheduler(
	config *common.Config,
	storage interfaces.StorageManager,
	dispatcher *Dispatcher,
	snapshotter *Snapshotter,
	prober *balancer.Prober,
	broker *Broker,
	logger *common.Logger,
) *Scheduler {
	return &Scheduler{
		config:      config,
		storage:     storage,
		dispatcher:  dispatcher,
		snapshotter: snapshotter,
		prober:      prober,
		broker:      broker,
		logger:      logger,
	}
}

// safeGo runs fn on the scheduler waitgroup with panic recovery, so a
// panicking loop or worker is logged instead of crashing the process.
func (s *Scheduler) safeGo(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic")
			}
		}()
		fn()
	}()
}

// Start recovers orphaned jobs and launches the background loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	// Jobs left running by a previous process are requeued before the
	// dispatch loop starts, so they are claimed again rather than stranded.
	if n, err := s.storage.JobStore().ResetRunning(s.ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Orphan recovery failed")
	} else if n > 0 {
		s.logger.Info().Int("requeued", n).Msg("Requeued orphaned running jobs")
	}

	s.safeGo("ws-hub", s.broker.Hub().Run)
	s.safeGo("dispatch-loop", s.dispatchLoop)
	s.safeGo("starvation-loop", s.starvationLoop)
	s.safeGo("archive-loop", s.archiveLoop)
	s.safeGo("snapshot-loop", s.snapshotLoop)
	if s.config.Balancer.HealthCheckInterval > 0 {
		s.safeGo("health-loop", s.healthLoop)
	}

	s.logger.Info().
		Int("tick_seconds", s.config.Scheduler.TickSeconds).
		Int("max_concurrent_jobs", s.config.Scheduler.MaxConcurrentJobs).
		Msg("Scheduler started")
	return nil
}

// Stop cancels the loops and waits for in-flight workers to land.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.broker.Hub().Stop()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// dispatchLoop claims queued jobs each tick and hands them to workers, with a
// semaphore bounding concurrent executions. A slot is acquired before the
// claim so a claimed job always has a worker.
func (s *Scheduler) dispatchLoop() {
	interval := time.Duration(s.config.Scheduler.TickSeconds) * time.Second
	sem := make(chan struct{}, s.config.Scheduler.MaxConcurrentJobs)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain as many queued jobs as there are free slots this tick.
		// A full semaphore leaves the rest of the queue for the next tick.
	drain:
		for {
			select {
			case sem <- struct{}{}:
			default:
				break drain
			}

			job, err := s.storage.JobStore().ClaimNext(s.ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Claim failed")
				<-sem
				break drain
			}
			if job == nil {
				<-sem
				break drain
			}

			claimed := job
			s.safeGo("job-worker", func() {
				defer func() { <-sem }()
				s.dispatcher.Execute(s.ctx, claimed)
			})
		}
	}
}

func (s *Scheduler) starvationLoop() {
	interval := time.Duration(s.config.Scheduler.StarvationTick) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.storage.JobStore().BumpStaleScores(s.ctx, s.config.Scheduler.StarvationIncrement); err != nil {
				s.logger.Warn().Err(err).Msg("Starvation bump failed")
			}
		}
	}
}

func (s *Scheduler) archiveLoop() {
	interval := time.Duration(s.config.Scheduler.ArchiveCheckInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runArchiveSweep()
		}
	}
}

func (s *Scheduler) runArchiveSweep() {
	archived := s.storage.ArchiveStore().ArchiveOld(s.ctx, s.config.Scheduler.RetentionDays)
	if archived > 0 {
		s.logger.Info().Int("archived", archived).Msg("Archived terminal jobs")
	}

	if s.config.Scheduler.ArchiveRetentionDays > 0 {
		purged := s.storage.ArchiveStore().PurgeArchive(s.ctx, s.config.Scheduler.ArchiveRetentionDays)
		if purged > 0 {
			s.logger.Info().Int("purged", purged).Msg("Purged expired archive rows")
		}
	}
}

func (s *Scheduler) snapshotLoop() {
	interval := time.Duration(s.config.Snapshot.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.snapshotter.CaptureAll(s.ctx)
		}
	}
}

func (s *Scheduler) healthLoop() {
	interval := time.Duration(s.config.Balancer.HealthCheckInterval) * time.Second

	// One probe up front so the first dispatch has health data.
	s.prober.ProbeAll(s.ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.prober.ProbeAll(s.ctx)
		}
	}
}

// Compile-time check
var _ interfaces.Scheduler = (*Scheduler)(nil)
