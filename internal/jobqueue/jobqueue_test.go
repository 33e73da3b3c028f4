package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

type greeting struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func newRedisQueue(t *testing.T) Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedisQueue(client, "test:", zerolog.Nop())
	require.NoError(t, err)
	return q
}

func newMemoryQueue(t *testing.T) Backend {
	t.Helper()
	return NewMemoryQueue(8)
}

// TestBackendContract tests FIFO delivery against every queue backend.
func TestBackendContract(t *testing.T) {
	impls := map[string]func(t *testing.T) Backend{
		"memory": newMemoryQueue,
		"redis":  newRedisQueue,
	}
	for name, newBackend := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newBackend(t)

			require.NoError(t, q.Enqueue(ctx, "greet", greeting{UserID: "u1", Text: "first"}))
			require.NoError(t, q.Enqueue(ctx, "greet", greeting{UserID: "u1", Text: "second"}))

			// Oldest first.
			for _, want := range []string{"first", "second"} {
				job, err := q.Pop(ctx, time.Second)
				require.NoError(t, err)
				assert.Equal(t, "greet", job.Name)
				assert.NotEmpty(t, job.ID)

				var args greeting
				require.NoError(t, json.Unmarshal(job.Args, &args))
				assert.Equal(t, want, args.Text)
			}

			_, err := q.Pop(ctx, time.Second)
			assert.ErrorIs(t, err, ErrNoJob)

			require.NoError(t, q.Close())
			assert.ErrorIs(t, q.Enqueue(ctx, "greet", greeting{}), ErrQueueClosed)
		})
	}
}

// TestEnqueueRequiresName tests that a job needs a name.
func TestEnqueueRequiresName(t *testing.T) {
	q := NewMemoryQueue(1)
	assert.Error(t, q.Enqueue(context.Background(), "", nil))
}

// TestMemoryQueueFull tests the error for a full memory queue.
func TestMemoryQueueFull(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(1)

	require.NoError(t, q.Enqueue(ctx, "a", nil))
	assert.ErrorIs(t, q.Enqueue(ctx, "b", nil), ErrQueueFull)
	assert.Equal(t, 1, q.Len())
}

// TestRedisDeadLetters tests that dead jobs land on the Redis dead letter list.
func TestRedisDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newRedisQueue(t).(*RedisQueue)

	require.NoError(t, q.DeadLetter(ctx, Job{ID: "j1", Name: "greet", LastError: "boom"}))
	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "boom", dead[0].LastError)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func newTestWorker(q Backend, maxAttempts int) *Worker {
	return NewWorker(q, WorkerOptions{
		MaxAttempts: maxAttempts,
		RetryBase:   time.Millisecond,
		PollTimeout: 10 * time.Millisecond,
	}, zerolog.Nop(), metrics.Discard())
}

// TestWorkerRetriesUntilSuccess tests retrying a failing job until it succeeds.
func TestWorkerRetriesUntilSuccess(t *testing.T) {
	q := NewMemoryQueue(4)
	w := newTestWorker(q, 3)

	var calls atomic.Int32
	w.Handle("greet", func(context.Context, json.RawMessage) error {
		if calls.Add(1) < 2 {
			return errors.New("database is locked")
		}
		return nil
	})

	w.Process(context.Background(), Job{ID: "j1", Name: "greet"})
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, q.DeadLetters())
}

// TestWorkerDeadLettersAfterMaxAttempts tests dead lettering once attempts run out.
func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(4)
	w := newTestWorker(q, 3)

	var calls atomic.Int32
	w.Handle("greet", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("disk full")
	})

	w.Process(context.Background(), Job{ID: "j1", Name: "greet"})
	assert.Equal(t, int32(3), calls.Load())

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "disk full", dead[0].LastError)
}

// TestWorkerPermanentErrorSkipsRetries tests that a permanent error is dead lettered at once.
func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	q := NewMemoryQueue(4)
	w := newTestWorker(q, 5)

	var calls atomic.Int32
	w.Handle("greet", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return Permanent(errors.New("bad args"))
	})

	w.Process(context.Background(), Job{ID: "j1", Name: "greet"})
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, q.DeadLetters(), 1)
}

// TestWorkerUnknownJob tests a job with no registered handler.
func TestWorkerUnknownJob(t *testing.T) {
	q := NewMemoryQueue(4)
	w := newTestWorker(q, 5)

	w.Process(context.Background(), Job{ID: "j1", Name: "mystery"})
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "unknown job name", dead[0].LastError)
}

// TestWorkerRunDrainsQueue tests Run processing queued jobs until cancelled.
func TestWorkerRunDrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemoryQueue(8)
	w := newTestWorker(q, 1)

	got := make(chan string, 3)
	w.Handle("greet", func(_ context.Context, raw json.RawMessage) error {
		var g greeting
		if err := json.Unmarshal(raw, &g); err != nil {
			return Permanent(err)
		}
		got <- g.Text
		return nil
	})

	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, "greet", greeting{Text: text}))
	}

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	var texts []string
	for i := 0; i < 3; i++ {
		select {
		case text := <-got:
			texts = append(texts, text)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not process queued jobs")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, texts)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// TestBackoffDelay tests exponential backoff and its cap.
func TestBackoffDelay(t *testing.T) {
	opts := WorkerOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, backoffDelay(opts, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(opts, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(opts, 3))
	assert.Equal(t, time.Second, backoffDelay(opts, 10))
}
