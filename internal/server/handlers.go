package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

// WebSocketHandler upgrades GET /ws/projects/{projectID}. The socket is
// upgraded before the credential is checked so that rejections can carry a
// close code and reason.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	credential := auth.BearerToken(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Handshake(metrics.ResultRejectedUpgrade)
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed.")
		return
	}

	client := newClient(s, conn, r.RemoteAddr, s.settings.current())
	ctx := r.Context()

	userID, err := s.deps.Authenticator.Authenticate(ctx, credential)
	if err != nil {
		reason := ReasonInvalidCredential
		if errors.Is(err, auth.ErrMissingCredential) {
			reason = ReasonAuthRequired
		}
		s.reject(client, closePolicy, reason, metrics.ResultRejectedAuth, err)
		return
	}

	if err := auth.Authorize(ctx, s.deps.Membership, userID, projectID); err != nil {
		if errors.Is(err, auth.ErrNotMember) {
			s.reject(client, closePolicy, ReasonNotMember, metrics.ResultRejectedMembership, err)
		} else {
			s.reject(client, closeTryAgainLater, ReasonRegistryUnavailable, metrics.ResultRejectedRegistry, err)
		}
		return
	}

	client.userID = userID
	client.projectID = projectID
	client.logger = client.logger.With().Str("user", userID).Str("project", projectID).Logger()

	info, err := s.deps.Connections.Connect(ctx, userID, projectID, client)
	if err != nil {
		s.reject(client, closeTryAgainLater, ReasonRegistryUnavailable, metrics.ResultRejectedRegistry, err)
		return
	}
	client.info = info
	client.logger = client.logger.With().Str("conn", info.ID).Logger()
	client.transition(StateConnecting, StateActive)

	if !s.hub.register(client) {
		client.transition(StateActive, StateDisconnecting)
		if err := s.deps.Connections.Disconnect(ctx, info.ID); err != nil {
			client.logger.Error().Err(err).Msg("Failed to clear connection refused during shutdown.")
		}
		client.transition(StateDisconnecting, StateRemoved)
		client.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}

	s.metrics.Handshake(metrics.ResultAccepted)
	s.metrics.ConnectionOpened()
	client.logger.Info().Msg("Connection accepted.")
	s.announce(ctx, client, envelope.TypeUserConnected)
}

// reject closes a socket still in StateConnecting.
func (s *Server) reject(c *Client, code int, reason, result string, cause error) {
	c.transition(StateConnecting, StateRejected)
	s.metrics.Handshake(result)
	c.logger.Info().Err(cause).Int("code", code).Str("reason", reason).Msg("Connection rejected.")
	c.closeWith(code, reason)
}

// announce broadcasts a presence event for c to its project.
func (s *Server) announce(ctx context.Context, c *Client, t envelope.Type) {
	if !s.opts.AnnouncePresence {
		return
	}

	content := c.userID + " joined"
	if t == envelope.TypeUserDisconnected {
		content = c.userID + " left"
	}
	env, err := envelope.NewPresence(t, c.userID, c.projectID, content, s.now())
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to build presence event.")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()
	if err := s.deps.Dispatcher.Broadcast(ctx, c.projectID, env); err != nil {
		c.logger.Warn().Err(err).Str("type", string(t)).Msg("Failed to announce presence.")
	}
}

// HealthHandler reports whether the shared store answers.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Health check failed.")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.Count(),
	})
}

// TestPageHandler serves a small page for trying the socket endpoint from a
// browser. The token is passed as the access_token query parameter.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(testPage)); err != nil {
		s.logger.Debug().Err(err).Msg("Error writing test page.")
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background: #f9f9f9; }
        input { padding: 5px; margin-right: 10px; }
    </style>
</head>
<body>
    <h1>GoChat Relay Test</h1>
    <div>
        <input id="project" placeholder="project id">
        <input id="token" placeholder="JWT" size="40">
        <button onclick="connect()">Connect</button>
    </div>
    <div>
        <input id="to" placeholder="user id (empty for room)">
        <input id="content" placeholder="message" size="40">
        <button onclick="send()">Send</button>
    </div>
    <div id="log"></div>
    <script>
        let ws = null;
        const log = (text) => {
            const line = document.createElement('div');
            line.textContent = text;
            document.getElementById('log').appendChild(line);
        };
        function connect() {
            const project = encodeURIComponent(document.getElementById('project').value);
            const token = encodeURIComponent(document.getElementById('token').value);
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws/projects/' + project + '?access_token=' + token);
            ws.onopen = () => log('connected');
            ws.onmessage = (e) => log(e.data);
            ws.onclose = (e) => log('closed ' + e.code + ' ' + e.reason);
        }
        function send() {
            if (!ws || ws.readyState !== WebSocket.OPEN) return;
            const to = document.getElementById('to').value;
            const content = document.getElementById('content').value;
            const frame = to
                ? { type: 'personal_message', payload: { content: content, received_user_id: to } }
                : { type: 'group_message', payload: { content: content } };
            ws.send(JSON.stringify(frame));
        }
    </script>
</body>
</html>`
