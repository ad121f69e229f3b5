package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xaenox/octopus/internal/metrics"
)

type WorkerConfig struct {
	Concurrency int
	// RetryDelay is the pause before a job for a busy collector goes back
	// on the queue, and after a failed claim.
	RetryDelay     time.Duration
	RecoverOnStart bool
}

// Worker claims jobs and runs their chains. Chains for different
// collectors run in parallel; one collector runs one chain at a time.
type Worker struct {
	queue    Queue
	states   StateStore
	pipeline *Pipeline
	cfg      WorkerConfig
	metrics  *metrics.Pipeline
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	busy map[int64]string
}

func NewWorker(queue Queue, states StateStore, pipeline *Pipeline, cfg WorkerConfig, m *metrics.Pipeline, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Worker{
		queue:    queue,
		states:   states,
		pipeline: pipeline,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		busy:     make(map[int64]string),
	}
}

// Run processes jobs until ctx is cancelled. A stage that has started is
// allowed to finish.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.RecoverOnStart {
		n, err := w.queue.Recover(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			w.logger.Info("Recovered unfinished jobs", zap.Int("jobs", n))
		}
	}

	w.logger.Info("Worker started", zap.Int("concurrency", w.cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return w.loop(gctx, id)
		})
	}
	err := g.Wait()
	w.logger.Info("Worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, id int) error {
	logger := w.logger.With(zap.Int("worker", id))
	for {
		job, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("Failed to claim job", zap.Error(err))
			if !sleep(ctx, w.cfg.RetryDelay) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			continue
		}
		if err := w.Handle(ctx, job); err != nil {
			logger.Error("Failed to handle job",
				zap.String("task_id", job.TaskID),
				zap.Error(err))
		}
	}
}

func (w *Worker) acquire(job *Job) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.busy[job.CollectorID]; ok {
		return false
	}
	w.busy[job.CollectorID] = job.TaskID
	return true
}

func (w *Worker) release(job *Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.busy, job.CollectorID)
}

// Handle runs the remaining stages of one claimed job and acknowledges it.
func (w *Worker) Handle(ctx context.Context, job *Job) error {
	logger := w.logger.With(
		zap.String("task_id", job.TaskID),
		zap.Int64("collector_id", job.CollectorID))
	// Queue bookkeeping outlives a shutdown request.
	bg := context.WithoutCancel(ctx)

	if !w.acquire(job) {
		logger.Debug("Collector busy, requeueing task")
		sleep(ctx, w.cfg.RetryDelay)
		return w.queue.Nack(bg, job)
	}
	defer w.release(job)

	st, err := w.states.Load(ctx, job.TaskID)
	if errors.Is(err, ErrTaskNotFound) {
		st = &ChainState{
			TaskID:      job.TaskID,
			CollectorID: job.CollectorID,
			State:       StatePending,
			EnqueuedAt:  job.EnqueuedAt,
		}
	} else if err != nil {
		return multierr.Append(err, w.queue.Nack(bg, job))
	}
	if st.State.Terminal() {
		logger.Info("Task already finished, dropping redelivery", zap.String("state", string(st.State)))
		return multierr.Append(w.states.ReleaseLease(bg, job.CollectorID, job.TaskID), w.queue.Ack(bg, job))
	}
	if st.Results == nil {
		st.Results = make(map[string]json.RawMessage)
	}
	if st.Completed > 0 {
		logger.Info("Resuming task", zap.Int("completed_stages", st.Completed))
	}

	stages := w.pipeline.Stages()
	st.State = StateRunning
	for i := st.Completed; i < len(stages); i++ {
		if ctx.Err() != nil {
			logger.Info("Worker stopping, requeueing task", zap.Int("completed_stages", st.Completed))
			return w.queue.Nack(bg, job)
		}

		held, err := w.holdLease(bg, job)
		if err != nil {
			return multierr.Append(err, w.queue.Nack(bg, job))
		}
		if !held {
			logger.Info("Collector leased by another task, requeueing")
			sleep(ctx, w.cfg.RetryDelay)
			return w.queue.Nack(bg, job)
		}

		stage := stages[i]
		st.Stage = stage.Name
		if err := w.save(bg, st); err != nil {
			return multierr.Append(err, w.queue.Nack(bg, job))
		}

		start := w.now()
		result, runErr := stage.Run(bg, job)
		w.metrics.ObserveStage(stage.Name, w.now().Sub(start))
		if raw, err := json.Marshal(result); err == nil && string(raw) != "null" {
			st.Results[stage.Name] = raw
		}

		if runErr != nil {
			st.State = StateFailure
			st.Error = runErr.Error()
			logger.Error("Task chain failed", zap.String("stage", stage.Name), zap.Error(runErr))
			return w.finish(bg, job, st)
		}
		st.Completed = i + 1
		if err := w.save(bg, st); err != nil {
			return multierr.Append(err, w.queue.Nack(bg, job))
		}
		logger.Debug("Stage finished", zap.String("stage", stage.Name))
	}

	st.State = StateSuccess
	st.Stage = ""
	logger.Info("Task chain finished")
	return w.finish(bg, job, st)
}

func (w *Worker) save(ctx context.Context, st *ChainState) error {
	st.UpdatedAt = w.now()
	if err := w.states.Save(ctx, st); err != nil {
		return fmt.Errorf("failed to save task state: %w", err)
	}
	return nil
}

// holdLease takes or extends the collector lease for job. It reports false
// when another task holds it.
func (w *Worker) holdLease(ctx context.Context, job *Job) (bool, error) {
	holder, err := w.states.AcquireLease(ctx, job.CollectorID, job.TaskID)
	if err != nil {
		return false, err
	}
	return holder == job.TaskID, nil
}

func (w *Worker) finish(ctx context.Context, job *Job, st *ChainState) error {
	w.metrics.ObserveChain(string(st.State))
	if err := w.save(ctx, st); err != nil {
		return multierr.Append(err, w.queue.Nack(ctx, job))
	}
	if err := w.states.ReleaseLease(ctx, job.CollectorID, job.TaskID); err != nil {
		w.logger.Warn("Failed to release collector lease",
			zap.String("task_id", job.TaskID),
			zap.Error(err))
	}
	return w.queue.Ack(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
