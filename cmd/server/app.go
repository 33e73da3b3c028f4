package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/jobqueue"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/notifications"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// app holds the backends shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	redis   redis.UniversalClient
	store   store.Store
	backend jobqueue.Backend
}

func loadConfig(path string) (*config.Config, zerolog.Logger, error) {
	bootstrap := logging.New("info", "json", os.Stderr)
	cfg, err := config.Load(path, bootstrap)
	if err != nil {
		return nil, bootstrap, err
	}
	return cfg, logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.New(reg, cfg.Metrics.Namespace)
		a.gatherer = reg
	} else {
		a.metrics = metrics.Discard()
	}

	if cfg.Store.Driver == config.DriverRedis || cfg.Queue.Driver == config.DriverRedis {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	switch cfg.Store.Driver {
	case config.DriverRedis:
		s, err := store.NewRedis(a.redis, logger)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		a.store = s
	default:
		logger.Warn().Msg("Using in-memory store: connection state is not shared with other processes.")
		a.store = store.NewMemory()
	}

	switch cfg.Queue.Driver {
	case config.DriverRedis:
		q, err := jobqueue.NewRedisQueue(a.redis, cfg.Store.KeyPrefix, logger)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		a.backend = q
	default:
		a.backend = jobqueue.NewMemoryQueue(cfg.Queue.Capacity)
	}

	return a, nil
}

func (a *app) newWorker(st *notifications.Store) *jobqueue.Worker {
	w := jobqueue.NewWorker(a.backend, jobqueue.WorkerOptions{
		Concurrency:   a.cfg.Queue.Concurrency,
		MaxAttempts:   a.cfg.Queue.MaxAttempts,
		RetryBase:     a.cfg.Queue.RetryBase,
		RetryMaxDelay: a.cfg.Queue.RetryMaxDelay,
	}, a.logger, a.metrics)
	w.Handle(notifications.JobName, notifications.Handler(st))
	return w
}

func (a *app) openNotifications() (*notifications.Store, error) {
	return notifications.Open(a.cfg.Notifications.DBPath, a.cfg.Notifications.BusyTimeout, a.logger)
}

// Close releases the queue and the store. The Redis client is shared and
// closed last.
func (a *app) Close() error {
	var errs []error
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	switch {
	case a.store != nil:
		// The Redis store owns the shared client.
		errs = append(errs, a.store.Close())
		if _, isMemory := a.store.(*store.Memory); isMemory && a.redis != nil {
			errs = append(errs, a.redis.Close())
		}
	case a.redis != nil:
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

func serverSettings(cfg *config.Config) server.Settings {
	return server.Settings{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		RateLimit: server.RateLimitConfig{
			Burst:          cfg.Server.RateLimit.Burst,
			RefillInterval: cfg.Server.RateLimit.RefillInterval,
		},
	}
}
