package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewRedis(client, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemoryStore(t *testing.T) Store {
	t.Helper()
	s := NewMemory()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestStoreContract runs the same behavioural checks against every Store.
func TestStoreContract(t *testing.T) {
	impls := map[string]func(t *testing.T) Store{
		"memory": newMemoryStore,
		"redis":  newMiniredisStore,
	}

	for name, newStore := range impls {
		t.Run(name, func(t *testing.T) {
			t.Run("keys", func(t *testing.T) { testKeys(t, newStore(t)) })
			t.Run("sets", func(t *testing.T) { testSets(t, newStore(t)) })
			t.Run("pubsub", func(t *testing.T) { testPubSub(t, newStore(t)) })
		})
	}
}

func testKeys(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Del(ctx, "k"))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting twice is fine.
	require.NoError(t, s.Del(ctx, "k"))
}

func testSets(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "set", "a"))
	require.NoError(t, s.SAdd(ctx, "set", "b"))
	require.NoError(t, s.SAdd(ctx, "set", "a"))

	n, err := s.SCard(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"a", "b"}, members)

	ok, err := s.SIsMember(ctx, "set", "b")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.SRem(ctx, "set", "a"))
	require.NoError(t, s.SRem(ctx, "set", "a"))
	require.NoError(t, s.SRem(ctx, "set", "b"))

	n, err = s.SCard(ctx, "set")
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err = s.Exists(ctx, "set")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPubSub(t *testing.T, s Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := s.Publish(ctx, "user:u1", []byte("nobody"))
	require.NoError(t, err)
	assert.Zero(t, n)

	sub, err := s.Subscribe(ctx, "user:u1", "project:p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:u1", "project:p1"}, sub.Channels())

	_, err = sub.Next(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrPollTimeout)

	n, err = s.Publish(ctx, "project:p1", []byte(`{"type":"group_message","payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msg := nextMessage(t, ctx, sub)
	assert.Equal(t, "project:p1", msg.Channel)
	assert.Equal(t, `{"type":"group_message","payload":{}}`, string(msg.Payload))

	require.NoError(t, sub.Close(ctx))

	require.Eventually(t, func() bool {
		n, err := s.Publish(ctx, "project:p1", []byte("after close"))
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func nextMessage(t *testing.T, ctx context.Context, sub Subscription) Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := sub.Next(ctx, 100*time.Millisecond)
		if err == ErrPollTimeout {
			continue
		}
		require.NoError(t, err)
		return msg
	}
	t.Fatal("no message received")
	return Message{}
}

// TestMemoryTTL tests key expiry in the memory store.
func TestMemoryTTL(t *testing.T) {
	s := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "alive", []byte("1"), time.Minute))
	ok, err := s.Exists(ctx, "alive")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = s.Exists(ctx, "alive")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, "alive")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMemoryClose tests that a closed memory store fails every call with ErrClosed.
func TestMemoryClose(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = sub.Next(ctx, time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, s.SAdd(ctx, "set", "a"), ErrClosed)
	_, err = s.Subscribe(ctx, "c")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrClosed)
}

// TestMemoryPublishFanOut tests delivery to several subscribers of one channel.
func TestMemoryPublishFanOut(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	subs := make([]Subscription, 3)
	for i := range subs {
		sub, err := s.Subscribe(ctx, "user:u1")
		require.NoError(t, err)
		subs[i] = sub
	}
	assert.Equal(t, 3, s.SubscriberCount("user:u1"))

	n, err := s.Publish(ctx, "user:u1", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, sub := range subs {
		msg, err := sub.Next(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(msg.Payload))
		require.NoError(t, sub.Close(ctx))
	}
	assert.Zero(t, s.SubscriberCount("user:u1"))
}

// TestRedisUnavailable tests that calls fail once Redis is gone.
func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	s, err := NewRedis(client, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	mr.Close()

	ctx := context.Background()
	assert.Error(t, s.Ping(ctx))
	assert.Error(t, s.SAdd(ctx, "k", "m"))
	_, err = s.Subscribe(ctx, "c")
	assert.Error(t, err)
}

// TestRedisSubscriptionsUseDedicatedConnections tests that every
// subscription holds its own connection outside the client pool, which is
// what bounds sockets per instance by the server's maxclients.
func TestRedisSubscriptionsUseDedicatedConnections(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 1})
	s, err := NewRedis(client, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	base := mr.CurrentConnectionCount()

	subs := make([]Subscription, 0, 3)
	for _, ch := range []string{"user:u1", "user:u2", "user:u3"} {
		sub, err := s.Subscribe(ctx, ch)
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	assert.Equal(t, base+3, mr.CurrentConnectionCount())

	// The pool of one is still free for regular commands.
	require.NoError(t, s.Ping(ctx))

	for _, sub := range subs {
		require.NoError(t, sub.Close(ctx))
	}
	require.Eventually(t, func() bool { return mr.CurrentConnectionCount() == base }, time.Second, 5*time.Millisecond)
}
