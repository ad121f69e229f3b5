package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/storage"
)

// Orchestrator accepts chain requests and answers status polls.
type Orchestrator struct {
	collectors storage.CollectorStore
	registry   *collector.Registry
	queue      Queue
	states     StateStore
	logger     *zap.Logger
	now        func() time.Time
}

func NewOrchestrator(collectors storage.CollectorStore, registry *collector.Registry, queue Queue, states StateStore, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		collectors: collectors,
		registry:   registry,
		queue:      queue,
		states:     states,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// TaskMarker is written to the collector's last run message so the task can
// be found from the collector side.
func TaskMarker(taskID string) string {
	return "Task ID: " + taskID
}

// Enqueue validates the collector and queues a collect-then-extract chain.
func (o *Orchestrator) Enqueue(ctx context.Context, collectorID int64) (string, error) {
	c, err := o.collectors.GetCollector(ctx, collectorID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %d", collector.ErrCollectorNotFound, collectorID)
	}
	if err != nil {
		return "", err
	}
	if !c.IsActive {
		return "", fmt.Errorf("%w: %d", collector.ErrCollectorInactive, collectorID)
	}
	if !o.registry.Has(c.Type) {
		// Get tells planned types from unknown ones.
		_, err := o.registry.Get(c.Type)
		return "", err
	}

	taskID := uuid.NewString()
	holder, err := o.states.AcquireLease(ctx, collectorID, taskID)
	if err != nil {
		return "", err
	}
	if holder != taskID {
		return "", fmt.Errorf("%w: collector %d, task %s", ErrChainInFlight, collectorID, holder)
	}

	if err := o.publish(ctx, collectorID, taskID); err != nil {
		if rerr := o.states.ReleaseLease(context.WithoutCancel(ctx), collectorID, taskID); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		return "", err
	}

	o.logger.Info("Task enqueued",
		zap.String("task_id", taskID),
		zap.Int64("collector_id", collectorID),
		zap.String("type", string(c.Type)))
	return taskID, nil
}

func (o *Orchestrator) publish(ctx context.Context, collectorID int64, taskID string) error {
	now := o.now()
	if err := o.collectors.SetRunMessage(ctx, collectorID, TaskMarker(taskID)); err != nil {
		return fmt.Errorf("failed to record task id: %w", err)
	}

	st := &ChainState{
		TaskID:      taskID,
		CollectorID: collectorID,
		State:       StatePending,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if err := o.states.Save(ctx, st); err != nil {
		return err
	}
	return o.queue.Publish(ctx, &Job{TaskID: taskID, CollectorID: collectorID, EnqueuedAt: now})
}

// Status returns the chain state of a task together with the status of the
// collector whose last run message carries its id.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	st, err := o.states.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	status := &TaskStatus{
		TaskID:      st.TaskID,
		CollectorID: st.CollectorID,
		State:       st.State,
		Stage:       st.Stage,
		Results:     st.Results,
		Error:       st.Error,
		EnqueuedAt:  st.EnqueuedAt,
		UpdatedAt:   st.UpdatedAt,
	}

	c, err := o.collectors.FindCollectorByRunMessage(ctx, TaskMarker(taskID))
	switch {
	case err == nil:
		cs := c.Status()
		status.Collector = &cs
	case errors.Is(err, storage.ErrNotFound):
		// A later task on the same collector replaced the marker.
	default:
		o.logger.Warn("Failed to look up collector for task",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	return status, nil
}

// Wait polls Status until the chain finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, taskID string, interval time.Duration) (*TaskStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := o.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if status.State.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CollectorStatus returns the status surface of one collector.
func (o *Orchestrator) CollectorStatus(ctx context.Context, collectorID int64) (models.CollectorStatus, error) {
	c, err := o.collectors.GetCollector(ctx, collectorID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.CollectorStatus{}, fmt.Errorf("%w: %d", collector.ErrCollectorNotFound, collectorID)
	}
	if err != nil {
		return models.CollectorStatus{}, err
	}
	return c.Status(), nil
}
