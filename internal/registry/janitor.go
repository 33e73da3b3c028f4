package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

const defaultHeartbeatTTL = 30 * time.Second

func (r *Registry) aliveKey(instanceID string) string {
	return r.prefix + "instance:" + instanceID + ":alive"
}

func (r *Registry) instancesKey() string { return r.prefix + "instances" }

// Heartbeat marks this instance alive for ttl, lists it among the known
// instances and rewrites the entries of every connection it holds. If the
// heartbeat lapsed and another instance swept them, they are back after
// the next beat.
func (r *Registry) Heartbeat(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultHeartbeatTTL
	}
	stamp := []byte(r.now().UTC().Format(time.RFC3339))
	if err := r.store.Set(ctx, r.aliveKey(r.instanceID), stamp, ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if err := r.store.SAdd(ctx, r.instancesKey(), r.instanceID); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return r.reassert(ctx)
}

// reassert writes the record and index entries of each local connection.
// A connection disconnected while its entries were being written is
// removed again, so a heartbeat never resurrects it.
func (r *Registry) reassert(ctx context.Context) error {
	r.mu.Lock()
	conns := make([]Connection, 0, len(r.local))
	for _, lc := range r.local {
		conns = append(conns, lc.conn)
	}
	r.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := r.write(ctx, conn); err != nil {
			errs = append(errs, err)
			continue
		}
		r.mu.Lock()
		_, held := r.local[conn.ID]
		r.mu.Unlock()
		if held {
			continue
		}
		if err := r.remove(ctx, conn); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return nil
}

// Retire removes this instance's heartbeat on a graceful stop.
func (r *Registry) Retire(ctx context.Context) error {
	err := errors.Join(
		r.store.Del(ctx, r.aliveKey(r.instanceID), r.instanceKey(r.instanceID)),
		r.store.SRem(ctx, r.instancesKey(), r.instanceID),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return nil
}

// SweepOrphans removes the records left behind by instances whose heartbeat
// expired. It returns the number of connections removed. Concurrent sweeps
// from several instances are safe: every removal is idempotent.
func (r *Registry) SweepOrphans(ctx context.Context) (int, error) {
	instances, err := r.store.SMembers(ctx, r.instancesKey())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	removed := 0
	for _, iid := range instances {
		if iid == r.instanceID {
			continue
		}
		alive, err := r.store.Exists(ctx, r.aliveKey(iid))
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
		}
		if alive {
			continue
		}

		n, err := r.sweepInstance(ctx, iid)
		removed += n
		if err != nil {
			return removed, err
		}
		r.logger.Warn().Str("dead_instance", iid).Int("connections", n).Msg("Swept orphaned connections.")
	}
	return removed, nil
}

func (r *Registry) sweepInstance(ctx context.Context, iid string) (int, error) {
	ids, err := r.store.SMembers(ctx, r.instanceKey(iid))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	removed := 0
	for _, id := range ids {
		conn, err := r.Lookup(ctx, id)
		switch {
		case errors.Is(err, ErrConnectionNotFound):
			if err := r.store.SRem(ctx, r.instanceKey(iid), id); err != nil {
				return removed, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
			}
			continue
		case err != nil:
			return removed, err
		}
		if err := r.remove(ctx, conn); err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
		}
		removed++
	}

	if err := r.store.Del(ctx, r.instanceKey(iid)); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if err := r.store.SRem(ctx, r.instancesKey(), iid); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return removed, nil
}

// JanitorConfig schedules the heartbeat and the orphan sweep.
type JanitorConfig struct {
	HeartbeatTTL      time.Duration
	HeartbeatSchedule string // cron spec, e.g. "@every 10s"
	SweepSchedule     string
}

// Janitor keeps this instance's heartbeat fresh and periodically clears
// connections owned by instances that died without cleaning up.
type Janitor struct {
	reg     *Registry
	cfg     JanitorConfig
	cron    *cron.Cron
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewJanitor validates the schedules and returns a stopped Janitor.
func NewJanitor(reg *Registry, cfg JanitorConfig, logger zerolog.Logger, m *metrics.Metrics) (*Janitor, error) {
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = defaultHeartbeatTTL
	}
	if cfg.HeartbeatSchedule == "" {
		cfg.HeartbeatSchedule = "@every 10s"
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 1m"
	}

	j := &Janitor{
		reg:     reg,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  logger.With().Str("component", "registry_janitor").Logger(),
		metrics: m,
	}
	if _, err := j.cron.AddFunc(cfg.HeartbeatSchedule, j.heartbeat); err != nil {
		return nil, fmt.Errorf("heartbeat schedule %q: %w", cfg.HeartbeatSchedule, err)
	}
	if _, err := j.cron.AddFunc(cfg.SweepSchedule, j.sweep); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	return j, nil
}

// Start writes the first heartbeat synchronously and then starts the
// schedule.
func (j *Janitor) Start(ctx context.Context) error {
	if err := j.reg.Heartbeat(ctx, j.cfg.HeartbeatTTL); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info().Str("heartbeat", j.cfg.HeartbeatSchedule).Str("sweep", j.cfg.SweepSchedule).Msg("Janitor started.")
	return nil
}

// Stop waits for running jobs and retires this instance's heartbeat.
func (j *Janitor) Stop(ctx context.Context) error {
	stopped := j.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return j.reg.Retire(ctx)
}

func (j *Janitor) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := j.reg.Heartbeat(ctx, j.cfg.HeartbeatTTL); err != nil {
		j.logger.Error().Err(err).Msg("Heartbeat failed.")
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := j.reg.SweepOrphans(ctx)
	j.metrics.OrphansSwept(n)
	if err != nil {
		j.logger.Error().Err(err).Msg("Orphan sweep failed.")
	}
}
