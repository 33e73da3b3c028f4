package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes returns the HTTP handler serving the socket endpoint, the producer
// API, health and metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/test", s.TestPageHandler)
	r.Get("/ws/projects/{projectID}", s.WebSocketHandler)

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if s.opts.ProducerToken != "" {
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(s.requireProducerToken)
			r.Post("/users/{userID}/events", s.SendToUserHandler)
			r.Get("/users/{userID}/online", s.OnlineHandler)
			r.Post("/projects/{projectID}/events", s.BroadcastHandler)
		})
	} else {
		s.logger.Info().Msg("Producer API disabled: no producer token configured.")
	}

	return r
}
