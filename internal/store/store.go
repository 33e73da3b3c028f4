// Package store abstracts the process-external key/value store and broker
// that every server instance shares: plain keys with optional TTL, sets,
// and publish/subscribe over named channels.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for a missing or expired key.
	ErrNotFound = errors.New("store: key not found")

	// ErrPollTimeout is returned by Subscription.Next when no message arrived
	// within the wait bound. It is not a failure.
	ErrPollTimeout = errors.New("store: no message before timeout")

	// ErrClosed is returned once the store or subscription has been closed.
	ErrClosed = errors.New("store: closed")
)

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live subscription to one or more channels.
type Subscription interface {
	// Next waits at most timeout for the next message.
	Next(ctx context.Context, timeout time.Duration) (Message, error)
	// Channels returns the subscribed channel names.
	Channels() []string
	// Close unsubscribes from every channel and releases the subscription.
	Close(ctx context.Context) error
}

// Store is the shared registry store. Every set mutation is atomic on its
// own; callers never read-then-write.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Publish returns the number of subscriptions that received the payload.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	// Subscribe returns once every channel subscription is confirmed.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
