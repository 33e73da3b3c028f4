package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use. Hijacked WebSocket
// connections are not subject to these timeouts.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs httpServer until it is shut down. A graceful shutdown is not
// reported as an error.
func (s *Server) Serve(httpServer *http.Server) error {
	s.logger.Info().Str("addr", httpServer.Addr).Msg("Server listening.")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every socket and waits for
// their registry cleanup, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context, httpServer *http.Server) error {
	s.logger.Info().Msg("Shutting down HTTP server.")

	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown error.")
		errs = append(errs, err)
	}
	if err := s.hub.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		s.logger.Info().Msg("HTTP server shutdown completed.")
	}
	return errors.Join(errs...)
}
