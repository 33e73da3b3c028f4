package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecode tests frame validation, including rejection of anything that is
// not exactly one envelope object.
func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
		want    Type
	}{
		{name: "notification", frame: `{"type":"notification","payload":{"notification_type":"mention","message":"hi"}}`, want: TypeNotification},
		{name: "unknown type still decodes", frame: `{"type":"typing","payload":{}}`, want: Type("typing")},
		{name: "not json", frame: `hello`, wantErr: true},
		{name: "missing type", frame: `{"payload":{}}`, wantErr: true},
		{name: "missing payload", frame: `{"type":"group_message"}`, wantErr: true},
		{name: "payload not object", frame: `{"type":"group_message","payload":"text"}`, wantErr: true},
		{name: "null payload", frame: `{"type":"group_message","payload":null}`, wantErr: true},
		{name: "trailing garbage", frame: `{"type":"group_message","payload":{}}garbage`, wantErr: true},
		{name: "second value", frame: `{"type":"group_message","payload":{}} {"type":"notification","payload":{}}`, wantErr: true},
		{name: "trailing whitespace", frame: "{\"type\":\"group_message\",\"payload\":{}}\n ", want: TypeGroupMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.frame))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Type)
		})
	}
}

// TestEncodeProducesWireFormat tests the JSON shape of an encoded envelope.
func TestEncodeProducesWireFormat(t *testing.T) {
	env, err := New(TypeNotification, Notification{NotificationType: "assignment", Message: "task assigned", RelatedEntityID: "42"})
	require.NoError(t, err)

	frame, err := env.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.Equal(t, "notification", decoded["type"])
	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "assignment", payload["notification_type"])
	assert.Equal(t, "task assigned", payload["message"])
	assert.Equal(t, "42", payload["related_entity_id"])
}

// TestEncodeEmptyPayload tests that a missing payload encodes as an empty object.
func TestEncodeEmptyPayload(t *testing.T) {
	frame, err := Envelope{Type: TypeGroupMessage}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"group_message","payload":{}}`, string(frame))

	_, err = Envelope{}.Encode()
	assert.ErrorIs(t, err, ErrMalformed)
}

// TestTypedPayloads tests decoding and validation of the typed payloads.
func TestTypedPayloads(t *testing.T) {
	t.Run("personal message requires recipient", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"personal_message","payload":{"content":"yo"}}`))
		require.NoError(t, err)
		_, err = env.PersonalMessage()
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("personal message", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"personal_message","payload":{"content":"yo","received_user_id":"u2"}}`))
		require.NoError(t, err)
		msg, err := env.PersonalMessage()
		require.NoError(t, err)
		assert.Equal(t, "u2", msg.ReceivedUserID)
		assert.Equal(t, "yo", msg.Content)
	})

	t.Run("wrong accessor", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"group_message","payload":{"content":"x"}}`))
		require.NoError(t, err)
		_, err = env.Notification()
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("notification requires type", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"notification","payload":{"message":"x"}}`))
		require.NoError(t, err)
		_, err = env.Notification()
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("presence", func(t *testing.T) {
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		env, err := NewPresence(TypeUserConnected, "u1", "p1", "u1 joined", at)
		require.NoError(t, err)
		p, err := env.Presence()
		require.NoError(t, err)
		assert.Equal(t, "u1", p.UserID)
		assert.Equal(t, "p1", p.ProjectID)
		assert.Equal(t, "2024-05-01T12:00:00Z", p.Timestamp)
	})
}

// TestKnown tests the known type list.
func TestKnown(t *testing.T) {
	assert.True(t, TypeGroupMessage.Known())
	assert.True(t, TypeUserDisconnected.Known())
	assert.False(t, Type("typing").Known())
}
