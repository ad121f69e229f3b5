package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/dedup"
	"github.com/xaenox/octopus/internal/metrics"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/storage"
)

const statusWriteTimeout = 10 * time.Second

// RunResult summarizes one collector run.
type RunResult struct {
	CollectorID   int64            `json:"collector_id"`
	Status        models.RunStatus `json:"status"`
	Message       string           `json:"message"`
	Collected     int              `json:"collected"`
	Saved         int              `json:"saved"`
	Duplicates    int              `json:"duplicates"`
	Targets       int              `json:"targets"`
	FailedTargets int              `json:"failed_targets"`
}

// Runner drives one collector through collect, standardize and dedup, and
// owns the collector's run status while doing so.
type Runner struct {
	store    storage.CollectorStore
	registry *Registry
	gate     *dedup.Gate
	metrics  *metrics.Pipeline
	logger   *zap.Logger
	now      func() time.Time
}

func NewRunner(store storage.CollectorStore, registry *Registry, gate *dedup.Gate, m *metrics.Pipeline, logger *zap.Logger) *Runner {
	return &Runner{
		store:    store,
		registry: registry,
		gate:     gate,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one collection for collectorID. taskID may be empty; when set
// it is embedded in the run message so the task chain can be correlated.
// The returned error is the run failure, already recorded on the collector.
func (r *Runner) Run(ctx context.Context, collectorID int64, taskID string) (*RunResult, error) {
	c, err := r.store.GetCollector(ctx, collectorID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrCollectorNotFound, collectorID)
	}
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, fmt.Errorf("%w: %d", ErrCollectorInactive, collectorID)
	}

	logger := r.logger.With(
		zap.Int64("collector_id", c.ID),
		zap.String("type", string(c.Type)),
		zap.String("task_id", taskID))

	start := r.now()
	if c.Status().LastRunStatus == models.StatusRunning {
		// A redelivered task resumes a run its previous worker never finished.
		logger.Warn("Collector already marked running, resuming")
	} else {
		c.LastRunStatus = models.StatusRunning
		c.LastRunAt = &start
		c.LastRunMessage = withTaskID("Running", taskID)
		if err := r.store.SaveCollectorRun(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to mark collector running: %w", err)
		}
	}
	logger.Info("Collector run started")

	result, runErr := r.collect(ctx, c, logger)
	result.CollectorID = c.ID

	if runErr != nil {
		result.Status = models.StatusFailure
		result.Message = withTaskID("Error: "+runErr.Error(), taskID)
	} else {
		result.Status = models.StatusSuccess
		result.Message = withTaskID(fmt.Sprintf("Collected %d new messages", result.Saved), taskID)
	}
	c.LastRunStatus = result.Status
	c.LastRunMessage = result.Message

	// The final status must land even when the caller has given up.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := r.store.SaveCollectorRun(writeCtx, c); err != nil {
		logger.Error("Failed to record collector status", zap.Error(err))
		runErr = multierr.Append(runErr, fmt.Errorf("failed to record collector status: %w", err))
	}

	r.metrics.ObserveRun(string(c.Type), string(result.Status), r.now().Sub(start))
	if runErr != nil {
		logger.Error("Collector run failed", zap.Error(runErr))
		return result, runErr
	}
	logger.Info("Collector run finished",
		zap.Int("collected", result.Collected),
		zap.Int("saved", result.Saved),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("failed_targets", result.FailedTargets))
	return result, nil
}

// collect runs the adapter pipeline. On success c.Config holds the
// cursor-advanced configuration.
func (r *Runner) collect(ctx context.Context, c *models.Collector, logger *zap.Logger) (*RunResult, error) {
	result := &RunResult{}

	cfg, err := models.ParseCollectorConfig(c.Config)
	if err != nil {
		return result, err
	}
	source, err := r.registry.Get(c.Type)
	if err != nil {
		return result, err
	}

	batch, err := source.Collect(ctx, cfg)
	if err != nil {
		return result, fmt.Errorf("collect: %w", err)
	}

	var targetErrs error
	for _, t := range batch.Targets() {
		result.Targets++
		if t.Err == nil {
			continue
		}
		result.FailedTargets++
		targetErrs = multierr.Append(targetErrs, fmt.Errorf("%s %s: %w", t.CollectionType, t.SourceName, t.Err))
		r.metrics.ObserveTargetError(string(c.Type), t.CollectionType)
		logger.Warn("Sub-target collection failed",
			zap.String("collection_type", t.CollectionType),
			zap.String("source", t.SourceName),
			zap.Error(t.Err))
	}
	if result.Targets > 0 && result.FailedTargets == result.Targets {
		return result, targetErrs
	}

	msgs, err := source.Standardize(batch, c.ID, c.Name)
	if err != nil {
		return result, fmt.Errorf("standardize: %w", err)
	}
	result.Collected = len(msgs)

	saved, err := r.gate.Save(ctx, msgs)
	if err != nil {
		return result, err
	}
	result.Saved = saved.Saved
	result.Duplicates = saved.Duplicates
	r.metrics.ObserveSave(string(c.Type), saved.Candidates, saved.Saved, saved.Duplicates)

	encoded, err := cfg.Encode()
	if err != nil {
		return result, fmt.Errorf("failed to encode collector config: %w", err)
	}
	c.Config = encoded
	return result, nil
}

func withTaskID(msg, taskID string) string {
	if taskID == "" {
		return msg
	}
	return fmt.Sprintf("%s (Task ID: %s)", msg, taskID)
}
