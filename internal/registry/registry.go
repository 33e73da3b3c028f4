// Package registry records which user and project every live connection
// belongs to, in the store shared by all server instances, so any instance
// can answer "is this user online" and fan out to a room regardless of
// where the socket lives.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/store"
	"github.com/Tyrowin/gochat-relay/internal/subscriber"
)

const (
	defaultKeyPrefix = "gochat:"
	cleanupTimeout   = 5 * time.Second
)

var (
	// ErrRegistryUnavailable wraps every failure to reach the shared store.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrConnectionNotFound is returned by Lookup for an unknown id.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrInvalidConnection is returned when user or project is empty.
	ErrInvalidConnection = errors.New("user and project are required")
)

// Connection is the metadata record kept for one live socket. The socket
// itself never leaves the instance that accepted it.
type Connection struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ProjectID  string    `json:"project_id"`
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Options configures a Registry.
type Options struct {
	// KeyPrefix namespaces every key; defaults to "gochat:".
	KeyPrefix string
	// InstanceID identifies this process; a random id is used when empty.
	InstanceID string
	Logger     zerolog.Logger
}

// Registry is the connection registry service. It is safe for concurrent
// use and holds no socket, only each local reader's handle.
type Registry struct {
	store      store.Store
	reader     *subscriber.Reader
	prefix     string
	instanceID string
	logger     zerolog.Logger

	mu    sync.Mutex
	local map[string]*localConn

	newID func() string
	now   func() time.Time
}

type localConn struct {
	conn   Connection
	handle *subscriber.Handle
}

// New creates a Registry over s. reader starts the per-connection relays.
func New(s store.Store, reader *subscriber.Reader, opts Options) *Registry {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	return &Registry{
		store:      s,
		reader:     reader,
		prefix:     prefix,
		instanceID: instanceID,
		logger:     opts.Logger.With().Str("component", "registry").Str("instance", instanceID).Logger(),
		local:      make(map[string]*localConn),
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// InstanceID returns the id this registry writes into its records.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

func (r *Registry) connKey(connID string) string { return r.prefix + "conn:" + connID }
func (r *Registry) userKey(userID string) string { return r.prefix + "user:" + userID + ":conns" }
func (r *Registry) projectKey(projectID string) string {
	return r.prefix + "project:" + projectID + ":conns"
}
func (r *Registry) instanceKey(instanceID string) string {
	return r.prefix + "instance:" + instanceID + ":conns"
}

// Connect registers a new connection for userID in projectID and starts its
// reader. The reader's subscription is confirmed before the connection
// becomes visible, so a user reported online is always listening. On any
// store failure nothing is left running and the error wraps
// ErrRegistryUnavailable.
func (r *Registry) Connect(ctx context.Context, userID, projectID string, sink subscriber.Sink) (Connection, error) {
	if userID == "" || projectID == "" {
		return Connection{}, ErrInvalidConnection
	}

	conn := Connection{
		ID:         r.newID(),
		UserID:     userID,
		ProjectID:  projectID,
		InstanceID: r.instanceID,
		CreatedAt:  r.now().UTC(),
	}
	log := r.logger.With().Str("conn", conn.ID).Str("user", userID).Str("project", projectID).Logger()

	handle, err := r.reader.Subscribe(ctx, conn.ID, userID, projectID, sink)
	if err != nil {
		log.Error().Err(err).Msg("Failed to subscribe connection channels.")
		return Connection{}, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	if err := r.write(ctx, conn); err != nil {
		log.Error().Err(err).Msg("Failed to write connection record; rolling back.")
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if stopErr := handle.Stop(cleanupCtx); stopErr != nil {
			log.Warn().Err(stopErr).Msg("Failed to stop reader during rollback.")
		}
		if rmErr := r.remove(cleanupCtx, conn); rmErr != nil {
			log.Warn().Err(rmErr).Msg("Rollback left registry entries behind.")
		}
		return Connection{}, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	r.mu.Lock()
	r.local[conn.ID] = &localConn{conn: conn, handle: handle}
	r.mu.Unlock()

	handle.Run(ctx)
	log.Info().Msg("Connection registered.")
	return conn, nil
}

func (r *Registry) write(ctx context.Context, conn Connection) error {
	record, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("marshal connection record: %w", err)
	}
	if err := r.store.Set(ctx, r.connKey(conn.ID), record, 0); err != nil {
		return err
	}
	if err := r.store.SAdd(ctx, r.userKey(conn.UserID), conn.ID); err != nil {
		return err
	}
	if err := r.store.SAdd(ctx, r.projectKey(conn.ProjectID), conn.ID); err != nil {
		return err
	}
	return r.store.SAdd(ctx, r.instanceKey(conn.InstanceID), conn.ID)
}

// remove deletes the record first, since its existence is what marks a
// connection as registered, then drops the id from every index.
func (r *Registry) remove(ctx context.Context, conn Connection) error {
	var errs []error
	if err := r.store.Del(ctx, r.connKey(conn.ID)); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.SRem(ctx, r.userKey(conn.UserID), conn.ID); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.SRem(ctx, r.projectKey(conn.ProjectID), conn.ID); err != nil {
		errs = append(errs, err)
	}
	if conn.InstanceID != "" {
		if err := r.store.SRem(ctx, r.instanceKey(conn.InstanceID), conn.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect stops the connection's reader, waiting for it to unsubscribe,
// and then removes the record and its index entries. Calling it for an
// unknown or already removed id is a no-op. Local state is always cleared,
// even when the store cannot be reached.
func (r *Registry) Disconnect(ctx context.Context, connID string) error {
	r.mu.Lock()
	lc, isLocal := r.local[connID]
	delete(r.local, connID)
	r.mu.Unlock()

	log := r.logger.With().Str("conn", connID).Logger()

	if isLocal {
		if err := lc.handle.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Reader did not stop cleanly.")
		}
	}

	conn, err := r.Lookup(ctx, connID)
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectionNotFound):
		if !isLocal {
			return nil
		}
		// The record is gone but the indexes may not be.
		conn = lc.conn
	default:
		if !isLocal {
			log.Error().Err(err).Msg("Failed to read connection record.")
			return err
		}
		conn = lc.conn
	}

	if err := r.remove(ctx, conn); err != nil {
		log.Error().Err(err).Msg("Failed to clear registry entries.")
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	log.Info().Str("user", conn.UserID).Str("project", conn.ProjectID).Msg("Connection removed.")
	return nil
}

// Lookup reads the metadata record of connID.
func (r *Registry) Lookup(ctx context.Context, connID string) (Connection, error) {
	data, err := r.store.Get(ctx, r.connKey(connID))
	if errors.Is(err, store.ErrNotFound) {
		return Connection{}, ErrConnectionNotFound
	}
	if err != nil {
		return Connection{}, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	var conn Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		return Connection{}, fmt.Errorf("decode connection record %s: %w", connID, err)
	}
	return conn, nil
}

// IsUserOnline reports whether userID has at least one registered
// connection on any instance.
func (r *Registry) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.store.SCard(ctx, r.userKey(userID))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return n > 0, nil
}

// UserConnections lists the connection ids registered for userID.
func (r *Registry) UserConnections(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.store.SMembers(ctx, r.userKey(userID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return ids, nil
}

// ProjectConnections lists the connection ids registered for projectID.
func (r *Registry) ProjectConnections(ctx context.Context, projectID string) ([]string, error) {
	ids, err := r.store.SMembers(ctx, r.projectKey(projectID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return ids, nil
}

// LocalCount returns the number of connections held by this instance.
func (r *Registry) LocalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.local)
}

// Close disconnects every connection held by this instance.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.Disconnect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
