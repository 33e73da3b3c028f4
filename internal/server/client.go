package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/subscriber"
)

const (
	sendBufferSize  = 256
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	writeWait       = 10 * time.Second
	releaseTimeout  = 5 * time.Second
	dispatchTimeout = 5 * time.Second
)

var errSendBufferFull = errors.New("send buffer full")

// Client is one accepted socket. It is the subscriber.Sink its reader
// relays into.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	srv       *Server
	hub       *Hub
	addr      string
	userID    string
	projectID string
	info      registry.Connection

	mu    sync.Mutex
	state State

	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
	logger         zerolog.Logger
	releaseOnce    sync.Once
}

func newClient(srv *Server, conn *websocket.Conn, addr string, settings Settings) *Client {
	if conn != nil {
		conn.SetReadLimit(settings.MaxMessageSize)
	}
	every := settings.RateLimit.RefillInterval / time.Duration(settings.RateLimit.Burst)

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		done:           make(chan struct{}),
		srv:            srv,
		hub:            srv.hub,
		addr:           addr,
		state:          StateConnecting,
		maxMessageSize: settings.MaxMessageSize,
		rateLimiter:    rate.NewLimiter(rate.Every(every), settings.RateLimit.Burst),
		rateLimit:      settings.RateLimit,
		logger:         srv.logger.With().Str("remote", addr).Logger(),
	}
}

// State returns the client's lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the client to `to` when it is currently in `from`.
func (c *Client) transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

// Send implements subscriber.Sink. Payloads queued while the handshake is
// still registering are delivered once the write pump starts.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting && c.state != StateActive {
		return subscriber.ErrSinkClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *Client) reply(env envelope.Envelope) {
	payload, err := env.Encode()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode reply.")
		return
	}
	if err := c.Send(payload); err != nil && !errors.Is(err, subscriber.ErrSinkClosed) {
		c.logger.Warn().Err(err).Msg("Dropped reply.")
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting initial read deadline.")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn().Err(err).Msg("Error setting read deadline in pong handler.")
		}
		return nil
	})
}

// handleReadError logs the reason the read loop is ending.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.maxMessageSize).Msg("Message exceeded maximum size.")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug().Err(err).Msg("Client disconnected.")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug().Err(err).Msg("Client connection closed.")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn().Err(err).Msg("Unexpected WebSocket close.")
	default:
		c.logger.Warn().Err(err).Msg("WebSocket read error.")
	}
}

// checkRateLimit reports whether an inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter.Allow() {
		return true
	}
	c.logger.Warn().
		Int("burst", c.rateLimit.Burst).
		Dur("interval", c.rateLimit.RefillInterval).
		Msg("Rate limit exceeded; discarding message.")
	return false
}

// processMessage decodes one inbound frame and routes it. Malformed frames
// get an error envelope back; types clients may not send are ignored.
func (c *Client) processMessage(raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Invalid message.")
		c.reply(envelope.NewError(ErrCodeMalformed, err.Error()))
		return
	}

	label := string(env.Type)
	if !env.Type.Known() {
		label = "unknown"
	}
	c.srv.metrics.Inbound(label)

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch env.Type {
	case envelope.TypeGroupMessage:
		err = c.relayGroupMessage(ctx, env)
	case envelope.TypePersonalMessage:
		err = c.relayPersonalMessage(ctx, env)
	default:
		c.logger.Debug().Str("type", string(env.Type)).Msg("Ignoring message type not accepted from clients.")
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, envelope.ErrMalformed):
		c.reply(envelope.NewError(ErrCodeMalformed, err.Error()))
	default:
		c.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("Failed to route message.")
		c.reply(envelope.NewError(ErrCodeDeliveryFailed, "message could not be delivered"))
	}
}

func (c *Client) relayGroupMessage(ctx context.Context, env envelope.Envelope) error {
	msg, err := env.GroupMessage()
	if err != nil {
		return err
	}
	msg.SenderID = c.userID
	msg.ProjectID = c.projectID
	msg.Timestamp = c.srv.now().UTC().Format(time.RFC3339)

	out, err := envelope.New(envelope.TypeGroupMessage, msg)
	if err != nil {
		return err
	}
	return c.srv.deps.Dispatcher.Broadcast(ctx, c.projectID, out)
}

func (c *Client) relayPersonalMessage(ctx context.Context, env envelope.Envelope) error {
	msg, err := env.PersonalMessage()
	if err != nil {
		return err
	}
	msg.SenderID = c.userID
	msg.Timestamp = c.srv.now().UTC().Format(time.RFC3339)

	out, err := envelope.New(envelope.TypePersonalMessage, msg)
	if err != nil {
		return err
	}
	return c.srv.deps.Dispatcher.SendToUser(ctx, msg.ReceivedUserID, out)
}

func (c *Client) readPump() {
	defer c.release()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		return c.writeCloseMessage()
	}
}

// closeConnection closes the socket, which also ends the read pump.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn().Err(err).Msg("Error closing connection.")
	}
}

func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("Error writing close message.")
	}
	return false
}

// writeTextMessage writes one envelope as one text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting write deadline.")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("Error writing message.")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("Error setting write deadline for ping.")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("Error writing ping message.")
		return false
	}
	return true
}

// release runs the disconnect path exactly once: the reader is stopped and
// the registry entries cleared before the client leaves the hub.
func (c *Client) release() {
	c.releaseOnce.Do(func() {
		wasActive := c.transition(StateActive, StateDisconnecting)
		close(c.done)

		if wasActive {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()

			if err := c.srv.deps.Connections.Disconnect(ctx, c.info.ID); err != nil {
				c.logger.Error().Err(err).Str("conn", c.info.ID).Msg("Failed to clear connection from registry.")
			}
			c.transition(StateDisconnecting, StateRemoved)
			c.srv.metrics.ConnectionClosed()
			c.srv.announce(ctx, c, envelope.TypeUserDisconnected)
		}

		c.hub.unregister(c)
	})
}

// closeWith sends a close frame and drops the socket. The read pump then
// observes the error and releases the client.
func (c *Client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("Error writing close message.")
	}
	c.closeConnection()
}
