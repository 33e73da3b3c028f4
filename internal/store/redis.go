package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const subscribeConfirmTimeout = 5 * time.Second

// Redis is the Store backed by a Redis server shared by every instance.
type Redis struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewRedis wraps an existing go-redis client.
func NewRedis(client redis.UniversalClient, logger zerolog.Logger) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &Redis{
		client: client,
		logger: logger.With().Str("component", "redis_store").Logger(),
	}, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	if err := r.client.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := r.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}
	return n, nil
}

// Subscribe opens a dedicated pub/sub connection and waits until the server
// has confirmed every channel, so nothing published afterwards is missed.
//
// Each subscription holds its own Redis connection for its lifetime, outside
// the client's PoolSize limit. A relay instance therefore keeps one
// connection per open socket, and the number of sockets across all
// instances is bounded by the Redis server's maxclients setting.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channels...)

	confirmed := 0
	deadline := time.Now().Add(subscribeConfirmTimeout)
	for confirmed < len(channels) {
		msg, err := ps.ReceiveTimeout(ctx, time.Until(deadline))
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe %v: %w", channels, err)
		}
		if _, ok := msg.(*redis.Subscription); ok {
			confirmed++
		}
	}

	return &redisSubscription{
		ps:       ps,
		channels: append([]string(nil), channels...),
		logger:   r.logger,
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps       *redis.PubSub
	channels []string
	logger   zerolog.Logger
}

func (s *redisSubscription) Next(ctx context.Context, timeout time.Duration) (Message, error) {
	msg, err := s.ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		if isTimeout(err) {
			return Message{}, ErrPollTimeout
		}
		if errors.Is(err, redis.ErrClosed) {
			return Message{}, ErrClosed
		}
		return Message{}, err
	}

	switch m := msg.(type) {
	case *redis.Message:
		return Message{Channel: m.Channel, Payload: []byte(m.Payload)}, nil
	default:
		// Subscription confirmations and pongs carry no payload.
		return Message{}, ErrPollTimeout
	}
}

func (s *redisSubscription) Channels() []string {
	return append([]string(nil), s.channels...)
}

func (s *redisSubscription) Close(ctx context.Context) error {
	if err := s.ps.Unsubscribe(ctx, s.channels...); err != nil && !errors.Is(err, redis.ErrClosed) {
		s.logger.Warn().Err(err).Strs("channels", s.channels).Msg("unsubscribe failed, closing connection anyway")
	}
	if err := s.ps.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
