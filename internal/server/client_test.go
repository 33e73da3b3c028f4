package server

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/subscriber"
)

// TestClientSendFollowsState tests which sends a client accepts in each lifecycle state.
func TestClientSendFollowsState(t *testing.T) {
	srv := New(Deps{Logger: zerolog.Nop()}, Options{Settings: DefaultSettings()})
	c := newClient(srv, nil, "test", srv.Settings())

	assert.Equal(t, StateConnecting, c.State())
	require.NoError(t, c.Send([]byte("early")))

	require.True(t, c.transition(StateConnecting, StateActive))
	for i := 1; i < sendBufferSize; i++ {
		require.NoError(t, c.Send([]byte("x")))
	}
	assert.ErrorIs(t, c.Send([]byte("overflow")), errSendBufferFull)

	require.True(t, c.transition(StateActive, StateDisconnecting))
	assert.ErrorIs(t, c.Send([]byte("late")), subscriber.ErrSinkClosed)
	assert.False(t, c.transition(StateConnecting, StateRejected))
}

// TestNormalizeOrigins tests origin allowlist normalization.
func TestNormalizeOrigins(t *testing.T) {
	origins, allowAll := normalizeOrigins([]string{" HTTPS://App.Example.com ", "", "not a url", "*"}, zerolog.Nop())
	assert.Equal(t, []string{"https://app.example.com"}, origins)
	assert.True(t, allowAll)

	origins, allowAll = normalizeOrigins(nil, zerolog.Nop())
	assert.Empty(t, origins)
	assert.False(t, allowAll)
}

// TestStateString tests the state names used in logs.
func TestStateString(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "unknown", State(42).String())
}
