// Package subscriber relays broker messages to a single local socket. Each
// live connection owns exactly one reader for its whole lifetime.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

const (
	defaultPollTimeout = time.Second
	unsubscribeTimeout = 2 * time.Second
	brokerErrorBackoff = 100 * time.Millisecond
)

// ErrSinkClosed tells the reader that the socket behind a Sink is gone.
var ErrSinkClosed = errors.New("subscriber: sink closed")

// Sink is the local, socket-owning side of a connection.
type Sink interface {
	// Send queues payload as one text frame. It returns ErrSinkClosed once
	// the socket is closing; any other error is a transient write failure.
	Send(payload []byte) error
}

// UserChannel is the channel carrying personal deliveries for userID.
func UserChannel(userID string) string { return "user:" + userID }

// ProjectChannel is the channel carrying room broadcasts for projectID.
func ProjectChannel(projectID string) string { return "project:" + projectID }

// Reader creates per-connection subscriptions on the shared broker.
type Reader struct {
	store       store.Store
	pollTimeout time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// NewReader builds a Reader. pollTimeout bounds each broker wait so that
// cancellation is observed promptly; it never causes a message to be lost.
func NewReader(s store.Store, pollTimeout time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Reader {
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return &Reader{
		store:       s,
		pollTimeout: pollTimeout,
		logger:      logger.With().Str("component", "subscription_reader").Logger(),
		metrics:     m,
	}
}

// Subscribe confirms the subscription to both channels of a connection and
// returns a Handle that is not yet relaying. Call Run to start it.
func (r *Reader) Subscribe(ctx context.Context, connID, userID, projectID string, sink Sink) (*Handle, error) {
	channels := []string{UserChannel(userID), ProjectChannel(projectID)}
	sub, err := r.store.Subscribe(ctx, channels...)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", connID, err)
	}

	return &Handle{
		connID:      connID,
		sub:         sub,
		sink:        sink,
		pollTimeout: r.pollTimeout,
		done:        make(chan struct{}),
		logger:      r.logger.With().Str("conn", connID).Str("user", userID).Str("project", projectID).Logger(),
		metrics:     r.metrics,
	}, nil
}

// Handle controls one running reader.
type Handle struct {
	connID      string
	sub         store.Subscription
	sink        Sink
	pollTimeout time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Run starts the relay goroutine. The reader's lifetime is detached from
// ctx cancellation; only Stop or a closed sink ends it.
func (h *Handle) Run(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.stopped {
		return
	}
	h.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	go h.loop(runCtx)
}

// Done is closed after the reader has unsubscribed and exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stop cancels the reader and waits for it to unsubscribe and exit, or for
// ctx to expire. It is safe to call more than once.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.stopped {
		h.stopped = true
		if h.started {
			h.cancel()
		} else {
			h.closeSubscription()
			close(h.done)
		}
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reader %s did not exit: %w", h.connID, ctx.Err())
	}
}

func (h *Handle) loop(ctx context.Context) {
	defer close(h.done)
	defer h.closeSubscription()

	h.logger.Debug().Msg("reader started")
	for {
		if ctx.Err() != nil {
			h.logger.Debug().Msg("reader cancelled")
			return
		}

		msg, err := h.sub.Next(ctx, h.pollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrPollTimeout):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, store.ErrClosed):
			h.logger.Warn().Msg("broker subscription closed, reader exiting")
			return
		default:
			h.logger.Warn().Err(err).Msg("broker receive failed")
			h.backoff(ctx)
			continue
		}

		if err := h.sink.Send(msg.Payload); err != nil {
			if errors.Is(err, ErrSinkClosed) {
				h.logger.Debug().Msg("socket closed, reader exiting")
				return
			}
			h.metrics.DeliveryFailed(metrics.StageSocketWrite)
			h.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("socket write failed, continuing")
			continue
		}
		h.metrics.Relayed()
	}
}

func (h *Handle) backoff(ctx context.Context) {
	t := time.NewTimer(brokerErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (h *Handle) closeSubscription() {
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := h.sub.Close(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("unsubscribe failed")
	}
}
