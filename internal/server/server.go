package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/subscriber"
)

// Connections is the registry surface the server drives.
type Connections interface {
	Connect(ctx context.Context, userID, projectID string, sink subscriber.Sink) (registry.Connection, error)
	Disconnect(ctx context.Context, connID string) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

// Dispatcher routes envelopes to users and rooms.
type Dispatcher interface {
	SendToUser(ctx context.Context, userID string, env envelope.Envelope) error
	Broadcast(ctx context.Context, projectID string, env envelope.Envelope) error
}

// Pinger reports the health of the shared store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Connections   Connections
	Dispatcher    Dispatcher
	Authenticator auth.Authenticator
	Membership    auth.MembershipChecker
	Health        Pinger
	Metrics       *metrics.Metrics
	// Gatherer backs /metrics; the route is omitted when nil.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Options tune a Server.
type Options struct {
	Settings         Settings
	AnnouncePresence bool
	// ProducerToken guards the producer API; the API is disabled when empty.
	ProducerToken string
}

// Server accepts socket connections and serves the producer API.
type Server struct {
	deps     Deps
	opts     Options
	settings *runtimeSettings
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New builds a Server. Membership defaults to auth.AllowAll when nil.
func New(deps Deps, opts Options) *Server {
	if deps.Membership == nil {
		deps.Membership = auth.AllowAll{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	logger := deps.Logger.With().Str("component", "socket_server").Logger()

	s := &Server{
		deps:     deps,
		opts:     opts,
		settings: newRuntimeSettings(opts.Settings, logger),
		logger:   logger,
		metrics:  deps.Metrics,
		now:      time.Now,
	}
	s.hub = NewHub(logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// ApplySettings swaps the runtime settings used for new connections.
func (s *Server) ApplySettings(settings Settings) {
	s.settings.apply(settings)
	s.logger.Info().
		Strs("allowed_origins", settings.AllowedOrigins).
		Int64("max_message_size", settings.MaxMessageSize).
		Msg("Runtime settings applied.")
}

// Settings returns the active runtime settings.
func (s *Server) Settings() Settings {
	return s.settings.current()
}

// Hub returns the tracker of this process's sockets.
func (s *Server) Hub() *Hub {
	return s.hub
}
