package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/dispatch"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/fallback"
)

const maxEventBody = 64 << 10

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requireProducerToken admits requests bearing the configured service token.
func (s *Server) requireProducerToken(next http.Handler) http.Handler {
	want := []byte(s.opts.ProducerToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(auth.BearerToken(r))
		if len(got) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, apiError{Error: ReasonAuthRequired})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// readEvent decodes the request body as an envelope producers may send.
func readEvent(r *http.Request) (envelope.Envelope, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		return envelope.Envelope{}, err
	}
	env, err := envelope.Decode(body)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if !env.Type.Known() || env.Type == envelope.TypeError {
		return envelope.Envelope{}, errors.New("unsupported envelope type " + string(env.Type))
	}
	return env, nil
}

func (s *Server) deliveryStatus(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, fallback.ErrQueueUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error()})
	case errors.Is(err, dispatch.ErrDeliveryFailure):
		writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
	}
}

// SendToUserHandler serves POST /api/v1/users/{userID}/events.
func (s *Server) SendToUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	env, err := readEvent(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}

	err = s.deps.Dispatcher.SendToUser(r.Context(), userID, env)
	if err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Str("type", string(env.Type)).Msg("Producer event not delivered.")
	}
	s.deliveryStatus(w, err)
}

// BroadcastHandler serves POST /api/v1/projects/{projectID}/events.
func (s *Server) BroadcastHandler(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	env, err := readEvent(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}

	err = s.deps.Dispatcher.Broadcast(r.Context(), projectID, env)
	if err != nil {
		s.logger.Warn().Err(err).Str("project", projectID).Str("type", string(env.Type)).Msg("Producer broadcast failed.")
	}
	s.deliveryStatus(w, err)
}

// OnlineHandler serves GET /api/v1/users/{userID}/online.
func (s *Server) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	online, err := s.deps.Connections.IsUserOnline(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "online": online})
}
