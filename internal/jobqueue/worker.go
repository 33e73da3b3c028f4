package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

// HandlerFunc runs one job. Returning an error wrapped by Permanent skips
// the remaining retries.
type HandlerFunc func(ctx context.Context, args json.RawMessage) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// WorkerOptions tunes a Worker. Zero values select the defaults.
type WorkerOptions struct {
	Concurrency   int
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	PollTimeout   time.Duration
	JobTimeout    time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	return o
}

// Worker drains a Backend and dispatches jobs to registered handlers.
type Worker struct {
	backend  Backend
	opts     WorkerOptions
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewWorker(b Backend, opts WorkerOptions, logger zerolog.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		backend:  b,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "job_worker").Logger(),
		metrics:  m,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers h for jobs called name, replacing any previous handler.
func (w *Worker) Handle(name string, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

func (w *Worker) handler(name string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Run processes jobs until ctx is cancelled or the backend is closed. Jobs
// in flight are allowed to finish.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Int("concurrency", w.opts.Concurrency).Int("max_attempts", w.opts.MaxAttempts).Msg("Worker started.")

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info().Msg("Worker stopped.")
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.backend.Pop(ctx, w.opts.PollTimeout)
		switch {
		case err == nil:
			w.Process(ctx, job)
		case errors.Is(err, ErrNoJob):
		case errors.Is(err, ErrQueueClosed),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return
		default:
			w.logger.Warn().Err(err).Msg("Failed to pop job; backing off.")
			if !sleep(ctx, w.opts.RetryBase) {
				return
			}
		}
	}
}

// Process runs one job with retries and dead-letters it when every attempt
// failed or no handler exists. A running attempt is not interrupted by ctx;
// a job waiting for its next attempt when ctx ends is pushed back.
func (w *Worker) Process(ctx context.Context, job Job) {
	bg := context.WithoutCancel(ctx)
	log := w.logger.With().Str("job", job.Name).Str("job_id", job.ID).Logger()

	h, ok := w.handler(job.Name)
	if !ok {
		log.Error().Msg("No handler registered; dead-lettering job.")
		job.LastError = "unknown job name"
		w.deadLetter(bg, job, log)
		w.metrics.Job(job.Name, metrics.JobResultUnknownJobName)
		return
	}

	start := time.Now()
	var err error
	for {
		job.Attempts++
		runCtx, cancel := context.WithTimeout(bg, w.opts.JobTimeout)
		err = h(runCtx, job.Args)
		cancel()
		if err == nil {
			break
		}

		var perm permanentError
		if errors.As(err, &perm) || job.Attempts >= w.opts.MaxAttempts {
			break
		}
		w.metrics.Job(job.Name, metrics.JobResultRetried)
		delay := backoffDelay(w.opts, job.Attempts)
		log.Debug().Err(err).Int("attempt", job.Attempts).Dur("delay", delay).Msg("Job retry scheduled.")
		if !sleep(ctx, delay) {
			job.LastError = err.Error()
			if pushErr := w.backend.Push(bg, job); pushErr != nil {
				log.Error().Err(pushErr).Msg("Failed to requeue job on shutdown; it is lost.")
			}
			return
		}
	}

	if err != nil {
		job.LastError = err.Error()
		log.Warn().Err(err).Int("attempts", job.Attempts).Dur("dur", time.Since(start)).Msg("Job failed; dead-lettering.")
		w.deadLetter(bg, job, log)
		w.metrics.Job(job.Name, metrics.JobResultDeadLettered)
		return
	}
	log.Debug().Int("attempts", job.Attempts).Dur("dur", time.Since(start)).Msg("Job completed.")
	w.metrics.Job(job.Name, metrics.JobResultOK)
}

func (w *Worker) deadLetter(ctx context.Context, job Job, log zerolog.Logger) {
	if err := w.backend.DeadLetter(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to dead-letter job; it is lost.")
	}
}

func backoffDelay(opts WorkerOptions, attempt int) time.Duration {
	d := opts.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > opts.RetryMaxDelay {
			return opts.RetryMaxDelay
		}
	}
	return d
}

// sleep waits for d and reports false if ctx ended first.
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
