package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/store"
	"github.com/Tyrowin/gochat-relay/internal/subscriber"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []string
}

func (s *recordingSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, string(payload))
	return nil
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

// flakyStore fails SAdd once armed, standing in for a store outage in the
// middle of a registration.
type flakyStore struct {
	store.Store
	failSAdd bool
}

var errOutage = errors.New("connection refused")

func (f *flakyStore) SAdd(ctx context.Context, key, member string) error {
	if f.failSAdd {
		return errOutage
	}
	return f.Store.SAdd(ctx, key, member)
}

func newTestRegistry(s store.Store, instanceID string) *Registry {
	reader := subscriber.NewReader(s, 20*time.Millisecond, zerolog.Nop(), metrics.Discard())
	return New(s, reader, Options{InstanceID: instanceID, Logger: zerolog.Nop()})
}

// TestConnectMakesUserOnlineAndIndexed tests the record and indexes written by Connect.
func TestConnectMakesUserOnlineAndIndexed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	reg := newTestRegistry(s, "i1")

	conn, err := reg.Connect(ctx, "u1", "p1", &recordingSink{})
	require.NoError(t, err)
	defer reg.Close(ctx)

	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, "i1", conn.InstanceID)

	online, err := reg.IsUserOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	got, err := reg.Lookup(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.UserID, got.UserID)
	assert.Equal(t, conn.ProjectID, got.ProjectID)

	users, err := reg.UserConnections(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{conn.ID}, users)

	room, err := reg.ProjectConnections(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{conn.ID}, room)
	assert.Equal(t, 1, reg.LocalCount())
	assert.Equal(t, 1, s.SubscriberCount(subscriber.UserChannel("u1")))
}

// TestConnectRejectsEmptyIdentity tests that a user and project id are required.
func TestConnectRejectsEmptyIdentity(t *testing.T) {
	reg := newTestRegistry(store.NewMemory(), "i1")

	_, err := reg.Connect(context.Background(), "", "p1", &recordingSink{})
	assert.ErrorIs(t, err, ErrInvalidConnection)
	_, err = reg.Connect(context.Background(), "u1", "", &recordingSink{})
	assert.ErrorIs(t, err, ErrInvalidConnection)
}

// A user with two tabs stays online until both are gone.
func TestDisconnectOneOfTwoConnections(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(store.NewMemory(), "i1")

	first, err := reg.Connect(ctx, "u1", "p1", &recordingSink{})
	require.NoError(t, err)
	second, err := reg.Connect(ctx, "u1", "p1", &recordingSink{})
	require.NoError(t, err)

	require.NoError(t, reg.Disconnect(ctx, first.ID))
	online, err := reg.IsUserOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, reg.Disconnect(ctx, second.ID))
	online, err = reg.IsUserOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	room, err := reg.ProjectConnections(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, room)
	assert.Zero(t, reg.LocalCount())
}

// TestDisconnectIsIdempotent tests that a second disconnect is harmless.
func TestDisconnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	reg := newTestRegistry(s, "i1")

	conn, err := reg.Connect(ctx, "u1", "p1", &recordingSink{})
	require.NoError(t, err)

	require.NoError(t, reg.Disconnect(ctx, conn.ID))
	require.NoError(t, reg.Disconnect(ctx, conn.ID))
	require.NoError(t, reg.Disconnect(ctx, "never-existed"))

	_, err = reg.Lookup(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.Zero(t, s.SubscriberCount(subscriber.UserChannel("u1")))
	assert.Zero(t, s.SubscriberCount(subscriber.ProjectChannel("p1")))
}

// Two registries over one store behave like two server processes: a user
// connected to one is visible from the other, and a publish on either side
// reaches the socket.
func TestRegistriesShareState(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	a := newTestRegistry(s, "a")
	b := newTestRegistry(s, "b")

	sink := &recordingSink{}
	conn, err := a.Connect(ctx, "u1", "p1", sink)
	require.NoError(t, err)
	defer a.Close(ctx)

	online, err := b.IsUserOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	n, err := s.Publish(ctx, subscriber.UserChannel("u1"), []byte("from b"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, time.Second, 5*time.Millisecond)

	// b may remove a's record; a's later cleanup must still succeed.
	require.NoError(t, b.Disconnect(ctx, conn.ID))
	require.NoError(t, a.Disconnect(ctx, conn.ID))
	online, err = b.IsUserOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
}

// TestConnectRollsBackOnStoreFailure tests that a half-written registration is undone.
func TestConnectRollsBackOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem, failSAdd: true}
	reg := newTestRegistry(flaky, "i1")

	_, err := reg.Connect(ctx, "u1", "p1", &recordingSink{})
	require.ErrorIs(t, err, ErrRegistryUnavailable)

	assert.Zero(t, reg.LocalCount())
	assert.Zero(t, mem.SubscriberCount(subscriber.UserChannel("u1")))
	assert.Zero(t, mem.SubscriberCount(subscriber.ProjectChannel("p1")))

	flaky.failSAdd = false
	online, err := reg.IsUserOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
}

// TestConnectFailsWhenStoreClosed tests Connect against a closed store.
func TestConnectFailsWhenStoreClosed(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.Close())
	reg := newTestRegistry(s, "i1")

	_, err := reg.Connect(context.Background(), "u1", "p1", &recordingSink{})
	assert.ErrorIs(t, err, ErrRegistryUnavailable)

	_, err = reg.IsUserOnline(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
}

// Disconnect still clears local state when the store has gone away.
func TestDisconnectWithStoreDown(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	reg := newTestRegistry(s, "i1")

	conn, err := reg.Connect(ctx, "u1", "p1", &recordingSink{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = reg.Disconnect(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
	assert.Zero(t, reg.LocalCount())
}

// TestCloseDisconnectsEverything tests that Close removes every local connection.
func TestCloseDisconnectsEverything(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(store.NewMemory(), "i1")

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := reg.Connect(ctx, u, "p1", &recordingSink{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, reg.LocalCount())

	require.NoError(t, reg.Close(ctx))
	assert.Zero(t, reg.LocalCount())
	room, err := reg.ProjectConnections(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, room)
}
