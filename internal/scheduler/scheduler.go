package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/storage"
	"github.com/xaenox/octopus/internal/tasks"
)

// Enqueuer queues a collect-then-extract chain for one collector.
type Enqueuer interface {
	Enqueue(ctx context.Context, collectorID int64) (string, error)
}

type Config struct {
	Interval time.Duration // How often to scan (default: 15 minutes)
	// RunOnStart scans once immediately instead of waiting a full interval.
	RunOnStart bool
	// StaleAfter is how long a collector may stay running before it is
	// considered abandoned and enqueued again (default: 1 hour).
	StaleAfter time.Duration
}

// Scheduler periodically enqueues every active collector.
type Scheduler struct {
	collectors storage.CollectorStore
	enqueuer   Enqueuer
	interval   time.Duration
	runOnStart bool
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func New(collectors storage.CollectorStore, enqueuer Enqueuer, cfg Config, logger *zap.Logger) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Scheduler{
		collectors: collectors,
		enqueuer:   enqueuer,
		interval:   interval,
		runOnStart: cfg.RunOnStart,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Run scans on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))

	if s.runOnStart {
		s.Scan(ctx)
	}
	for {
		select {
		case <-ticker.C:
			s.Scan(ctx)
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		}
	}
}

// Scan enqueues every active collector that has no chain in flight and
// returns the number of tasks queued. A collector left running longer than
// StaleAfter is enqueued again.
func (s *Scheduler) Scan(ctx context.Context) int {
	collectors, err := s.collectors.ListActiveCollectors(ctx)
	if err != nil {
		s.logger.Error("Failed to list active collectors", zap.Error(err))
		return 0
	}

	queued := 0
	for _, c := range collectors {
		if c.Status().LastRunStatus == models.StatusRunning {
			if !s.stale(c) {
				s.logger.Debug("Collector still running, skipping", zap.Int64("collector_id", c.ID))
				continue
			}
			s.logger.Warn("Collector stuck in running state, enqueueing again",
				zap.Int64("collector_id", c.ID),
				zap.Timep("last_run_at", c.LastRunAt))
		}
		taskID, err := s.enqueuer.Enqueue(ctx, c.ID)
		if errors.Is(err, tasks.ErrChainInFlight) {
			s.logger.Debug("Collector has a task in flight, skipping", zap.Int64("collector_id", c.ID))
			continue
		}
		if err != nil {
			s.logger.Warn("Failed to enqueue collector",
				zap.Int64("collector_id", c.ID),
				zap.String("type", string(c.Type)),
				zap.Error(err))
			continue
		}
		s.logger.Debug("Collector enqueued",
			zap.Int64("collector_id", c.ID),
			zap.String("task_id", taskID))
		queued++
	}
	s.logger.Info("Scheduler scan finished",
		zap.Int("collectors", len(collectors)),
		zap.Int("queued", queued))
	return queued
}

func (s *Scheduler) stale(c *models.Collector) bool {
	return c.LastRunAt == nil || s.now().Sub(*c.LastRunAt) > s.staleAfter
}
