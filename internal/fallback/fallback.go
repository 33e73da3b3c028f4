// Package fallback hands events for offline users to the durable queue, which
// turns them into pending notification records.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/jobqueue"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/notifications"
)

// ErrQueueUnavailable is returned when the durable queue rejects a job.
var ErrQueueUnavailable = errors.New("offline queue unavailable")

// Fallback enqueues create_pending_notification jobs.
type Fallback struct {
	queue   jobqueue.Queue
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(q jobqueue.Queue, logger zerolog.Logger, m *metrics.Metrics) *Fallback {
	return &Fallback{
		queue:   q,
		logger:  logger.With().Str("component", "offline_fallback").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Enqueue submits a pending notification for userID describing env.
func (f *Fallback) Enqueue(ctx context.Context, userID string, env envelope.Envelope) error {
	args := Args(userID, env, f.now())
	log := f.logger.With().Str("user", userID).Str("type", args.Type).Logger()

	if err := f.queue.Enqueue(ctx, notifications.JobName, args); err != nil {
		f.metrics.Fallback(metrics.FallbackFailed)
		log.Error().Err(err).Msg("Failed to enqueue pending notification.")
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	f.metrics.Fallback(metrics.FallbackEnqueued)
	log.Debug().Msg("Pending notification enqueued.")
	return nil
}

// Args derives the job arguments for env. The type tag is the
// notification_type of a notification and the envelope type otherwise. The
// message is the notification text or chat/presence content, falling back
// to the raw payload.
func Args(userID string, env envelope.Envelope, at time.Time) notifications.CreateArgs {
	args := notifications.CreateArgs{
		UserID:    userID,
		Type:      string(env.Type),
		Message:   string(env.Payload),
		CreatedAt: at.UTC(),
	}

	switch env.Type {
	case envelope.TypeNotification:
		if n, err := env.Notification(); err == nil {
			args.Type = n.NotificationType
			args.Message = n.Message
			args.RelatedEntityID = n.RelatedEntityID
		}
	case envelope.TypePersonalMessage:
		if m, err := env.PersonalMessage(); err == nil {
			args.Message = m.Content
		}
	case envelope.TypeGroupMessage:
		if m, err := env.GroupMessage(); err == nil {
			args.Message = m.Content
			args.RelatedEntityID = m.ProjectID
		}
	case envelope.TypeUserConnected, envelope.TypeUserDisconnected:
		if p, err := env.Presence(); err == nil {
			args.Message = p.Content
			args.RelatedEntityID = p.ProjectID
		}
	}
	return args
}
