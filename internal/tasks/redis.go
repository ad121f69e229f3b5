package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue is a reliable list queue: Claim atomically moves a job from the
// pending list to the processing list, Ack removes it from there, and
// Recover moves everything left in processing back to pending.
type RedisQueue struct {
	client     redis.UniversalClient
	pending    string
	processing string
	poll       time.Duration
	logger     *zap.Logger
}

func NewRedisQueue(client redis.UniversalClient, prefix string, poll time.Duration, logger *zap.Logger) *RedisQueue {
	if poll <= 0 {
		poll = time.Second
	}
	return &RedisQueue{
		client:     client,
		pending:    prefix + ":queue:pending",
		processing: prefix + ":queue:processing",
		poll:       poll,
		logger:     logger,
	}
}

func (q *RedisQueue) Publish(ctx context.Context, job *Job) error {
	payload, err := job.encode()
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (*Job, error) {
	payload, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.poll).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := decodeJob(payload)
	if err != nil {
		// A payload nobody can decode would be redelivered forever.
		q.logger.Error("Dropping malformed job", zap.String("payload", payload), zap.Error(err))
		if err := q.client.LRem(ctx, q.processing, 1, payload).Err(); err != nil {
			return nil, fmt.Errorf("failed to drop malformed job: %w", err)
		}
		return nil, nil
	}
	return job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	payload, err := job.encode()
	if err != nil {
		return err
	}
	if err := q.client.LRem(ctx, q.processing, 1, payload).Err(); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.TaskID, err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, job *Job) error {
	payload, err := job.encode()
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, payload)
		pipe.LPush(ctx, q.pending, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", job.TaskID, err)
	}
	return nil
}

func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to recover jobs: %w", err)
		}
		n++
	}
}
