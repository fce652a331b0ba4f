package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"provisioner/internal/config"
	"provisioner/internal/job"
)

// maintenance runs the periodic background tasks: pruning finished jobs
// from memory and scheduling the cleanup and health_check jobs.
type maintenance struct {
	queue  *job.Queue
	cfg    config.MaintenanceConfig
	logger *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMaintenance(queue *job.Queue, cfg config.MaintenanceConfig, logger *zap.SugaredLogger) *maintenance {
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = job.DefaultRetention
	}
	return &maintenance{queue: queue, cfg: cfg, logger: logger.Named("maintenance")}
}

func (m *maintenance) start() {
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.every(ctx, m.cfg.SweepInterval, m.sweep)
	m.every(ctx, m.cfg.CleanupInterval, func(ctx context.Context) { m.schedule(ctx, job.TypeCleanup) })
	m.every(ctx, m.cfg.HealthCheckInterval, func(ctx context.Context) { m.schedule(ctx, job.TypeHealthCheck) })
}

func (m *maintenance) stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// every runs fn on each tick of interval. A zero interval disables the task.
func (m *maintenance) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (m *maintenance) sweep(context.Context) {
	if removed := m.queue.CleanupOldJobs(m.cfg.JobRetention); removed > 0 {
		m.logger.Infow("Removed old jobs", "count", removed)
	}
}

// schedule enqueues a system job. The dedup key keeps at most one of each
// type outstanding when a run takes longer than the interval.
func (m *maintenance) schedule(ctx context.Context, t job.Type) {
	_, err := m.queue.Enqueue(ctx, job.EnqueueRequest{
		Type:     t,
		Priority: job.PriorityBackground,
		DedupKey: string(t),
	})
	if err != nil {
		m.logger.Warnw("Failed to schedule maintenance job", "jobType", t, "error", err)
	}
}
