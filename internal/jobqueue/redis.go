package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisClient is the subset of go-redis the queue needs.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// RedisQueue keeps jobs in a Redis list: LPUSH at the head, BRPOP from the
// tail, so jobs run oldest first. Failed jobs go to a second list.
type RedisQueue struct {
	client  redisClient
	key     string
	deadKey string
	closed  atomic.Bool
	logger  zerolog.Logger
}

// NewRedisQueue creates a queue stored under "<prefix>jobs".
func NewRedisQueue(client redisClient, prefix string, logger zerolog.Logger) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	return &RedisQueue{
		client:  client,
		key:     prefix + "jobs",
		deadKey: prefix + "jobs:dead",
		logger:  logger.With().Str("component", "redis_job_queue").Logger(),
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, name string, args any) error {
	job, err := newJob(name, args)
	if err != nil {
		return err
	}
	return q.Push(ctx, job)
}

func (q *RedisQueue) Push(ctx context.Context, job Job) error {
	return q.push(ctx, q.key, job)
}

func (q *RedisQueue) DeadLetter(ctx context.Context, job Job) error {
	return q.push(ctx, q.deadKey, job)
}

func (q *RedisQueue) push(ctx context.Context, key string, job Job) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, key, payload).Err(); err != nil {
		q.logger.Error().Err(err).Str("key", key).Str("job", job.Name).Msg("Failed to lpush job.")
		return fmt.Errorf("failed to lpush job: %w", err)
	}
	q.logger.Debug().Str("key", key).Str("job", job.Name).Str("job_id", job.ID).Msg("Job pushed.")
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (Job, error) {
	if q.closed.Load() {
		return Job{}, ErrQueueClosed
	}
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNoJob
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to brpop job: %w", err)
	}
	// BRPOP replies [key, value].
	if len(res) != 2 {
		return Job{}, fmt.Errorf("unexpected brpop reply of %d elements", len(res))
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		q.logger.Warn().Err(err).Msg("Dropping poison job.")
		return Job{}, ErrNoJob
	}
	return job, nil
}

// Len returns the number of queued jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// DeadLetters returns up to limit dead-lettered jobs, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	payloads, err := q.client.LRange(ctx, q.deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	jobs := make([]Job, 0, len(payloads))
	for _, p := range payloads {
		var job Job
		if err := json.Unmarshal([]byte(p), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Close stops accepting work. The Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
