// Package dispatch routes events produced anywhere in the system to the
// right channel, or to the offline fallback when nobody is listening.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/subscriber"
)

const tracerName = "github.com/Tyrowin/gochat-relay/internal/dispatch"

// ErrDeliveryFailure is returned when the broker rejected a publish.
var ErrDeliveryFailure = errors.New("delivery failure")

// Presence answers whether a user has a live connection anywhere.
type Presence interface {
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

// Publisher publishes to a broker channel and reports how many subscribers
// received the message.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

// Offline stores an event for a user who cannot receive it live.
type Offline interface {
	Enqueue(ctx context.Context, userID string, env envelope.Envelope) error
}

// Options tunes delivery.
type Options struct {
	// PersistWhenOnline also writes a pending record for users that were
	// reached live.
	PersistWhenOnline bool
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	presence  Presence
	publisher Publisher
	offline   Offline
	opts      Options
	tracer    trace.Tracer
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func New(p Presence, pub Publisher, off Offline, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		presence:  p,
		publisher: pub,
		offline:   off,
		opts:      opts,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		metrics:   m,
	}
}

// SendToUser delivers env to every live connection of userID. An offline
// user, or a publish that reached no subscriber, gets a durable record
// instead. Errors wrap ErrDeliveryFailure or fallback.ErrQueueUnavailable.
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, env envelope.Envelope) (err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.SendToUser",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("gochat.user_id", userID),
			attribute.String("gochat.envelope_type", string(env.Type)),
		))
	defer func() { endSpan(span, err) }()

	log := d.logger.With().Str("user", userID).Str("type", string(env.Type)).Logger()

	payload, err := env.Encode()
	if err != nil {
		return err
	}

	online, err := d.presence.IsUserOnline(ctx, userID)
	if err != nil {
		log.Error().Err(err).Msg("Presence lookup failed.")
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
	span.SetAttributes(attribute.Bool("gochat.online", online))

	if !online {
		log.Debug().Msg("User offline; using fallback.")
		return d.offline.Enqueue(ctx, userID, env)
	}

	receivers, err := d.publisher.Publish(ctx, subscriber.UserChannel(userID), payload)
	if err != nil {
		d.metrics.DeliveryFailed(metrics.StagePublish)
		log.Error().Err(err).Msg("Publish failed.")
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	d.metrics.Published(metrics.ChannelKindUser, receivers)
	span.SetAttributes(attribute.Int64("gochat.receivers", receivers))

	if receivers == 0 {
		// Registered but nobody subscribed: a stale record.
		log.Warn().Msg("User registered online but no subscriber received the event; using fallback.")
		return d.offline.Enqueue(ctx, userID, env)
	}

	if d.opts.PersistWhenOnline {
		if err := d.offline.Enqueue(ctx, userID, env); err != nil {
			// Live delivery already happened.
			log.Warn().Err(err).Msg("Failed to persist a copy of a delivered event.")
		}
	}
	log.Debug().Int64("receivers", receivers).Msg("Event delivered.")
	return nil
}

// Broadcast publishes env to every connection in projectID. An empty room
// is not an error and never reaches the fallback.
func (d *Dispatcher) Broadcast(ctx context.Context, projectID string, env envelope.Envelope) (err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Broadcast",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("gochat.project_id", projectID),
			attribute.String("gochat.envelope_type", string(env.Type)),
		))
	defer func() { endSpan(span, err) }()

	payload, err := env.Encode()
	if err != nil {
		return err
	}

	receivers, err := d.publisher.Publish(ctx, subscriber.ProjectChannel(projectID), payload)
	if err != nil {
		d.metrics.DeliveryFailed(metrics.StagePublish)
		d.logger.Error().Err(err).Str("project", projectID).Msg("Broadcast publish failed.")
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	d.metrics.Published(metrics.ChannelKindProject, receivers)
	span.SetAttributes(attribute.Int64("gochat.receivers", receivers))
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
