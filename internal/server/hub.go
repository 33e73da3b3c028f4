package server

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub tracks the sockets accepted by this process and owns their pump
// goroutines. Fan-out happens on the broker, not here.
type Hub struct {
	clients map[*Client]struct{}
	mutex   sync.RWMutex
	wg      sync.WaitGroup
	closing bool
	logger  zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// register adds the client and starts its pumps. It returns false once
// Shutdown has begun.
func (h *Hub) register(client *Client) bool {
	h.mutex.Lock()
	if h.closing {
		h.mutex.Unlock()
		return false
	}
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.wg.Add(2)
	h.mutex.Unlock()

	h.logger.Debug().Str("remote", client.addr).Int("clients", clientCount).Msg("Client registered.")

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
	return true
}

func (h *Hub) unregister(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if ok {
		h.logger.Debug().Str("remote", client.addr).Int("clients", clientCount).Msg("Client unregistered.")
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// Shutdown closes every client with a going-away frame and waits for their
// pumps, and so their registry cleanup, to finish or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mutex.Lock()
	h.closing = true
	h.mutex.Unlock()

	clients := h.getClientSnapshot()
	h.logger.Info().Int("clients", len(clients)).Msg("Shutting down all client connections.")
	for _, client := range clients {
		client.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("Hub shutdown completed.")
		return nil
	case <-ctx.Done():
		h.logger.Warn().Msg("Hub shutdown timed out; some connections may still be closing.")
		return ctx.Err()
	}
}
