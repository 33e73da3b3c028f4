package fallback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/jobqueue"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/notifications"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func mustEnvelope(t *testing.T, typ envelope.Type, payload any) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(typ, payload)
	require.NoError(t, err)
	return env
}

// TestArgs tests mapping each envelope type to pending notification fields.
func TestArgs(t *testing.T) {
	tests := []struct {
		name    string
		env     envelope.Envelope
		typ     string
		message string
		related string
	}{
		{
			name:    "notification uses its own type tag",
			env:     mustEnvelope(t, envelope.TypeNotification, envelope.Notification{NotificationType: "mention", Message: "you were mentioned", RelatedEntityID: "task-1"}),
			typ:     "mention",
			message: "you were mentioned",
			related: "task-1",
		},
		{
			name:    "personal message",
			env:     mustEnvelope(t, envelope.TypePersonalMessage, envelope.PersonalMessage{Content: "hi", ReceivedUserID: "u1"}),
			typ:     "personal_message",
			message: "hi",
		},
		{
			name:    "group message",
			env:     mustEnvelope(t, envelope.TypeGroupMessage, envelope.GroupMessage{Content: "standup?", ProjectID: "p1"}),
			typ:     "group_message",
			message: "standup?",
			related: "p1",
		},
		{
			name:    "unknown type keeps raw payload",
			env:     envelope.Envelope{Type: "task_moved", Payload: json.RawMessage(`{"to":"done"}`)},
			typ:     "task_moved",
			message: `{"to":"done"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := Args("u1", tt.env, fixedNow)
			assert.Equal(t, "u1", args.UserID)
			assert.Equal(t, tt.typ, args.Type)
			assert.Equal(t, tt.message, args.Message)
			assert.Equal(t, tt.related, args.RelatedEntityID)
			assert.Equal(t, fixedNow, args.CreatedAt)
		})
	}
}

// TestEnqueueSubmitsJob tests that an undeliverable envelope is queued as a job.
func TestEnqueueSubmitsJob(t *testing.T) {
	ctx := context.Background()
	q := jobqueue.NewMemoryQueue(4)
	f := New(q, zerolog.Nop(), metrics.Discard())
	f.now = func() time.Time { return fixedNow }

	env := mustEnvelope(t, envelope.TypePersonalMessage, envelope.PersonalMessage{Content: "hello", ReceivedUserID: "u1"})
	require.NoError(t, f.Enqueue(ctx, "u1", env))

	job, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, notifications.JobName, job.Name)

	var args notifications.CreateArgs
	require.NoError(t, json.Unmarshal(job.Args, &args))
	assert.Equal(t, "u1", args.UserID)
	assert.Equal(t, "personal_message", args.Type)
	assert.Equal(t, "hello", args.Message)
}

// TestEnqueueWrapsQueueFailure tests the error returned when the queue refuses a job.
func TestEnqueueWrapsQueueFailure(t *testing.T) {
	q := jobqueue.NewMemoryQueue(1)
	require.NoError(t, q.Close())
	f := New(q, zerolog.Nop(), metrics.Discard())

	err := f.Enqueue(context.Background(), "u1", mustEnvelope(t, envelope.TypeNotification, envelope.Notification{NotificationType: "mention"}))
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}
