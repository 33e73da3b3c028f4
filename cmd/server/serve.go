package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/dispatch"
	"github.com/Tyrowin/gochat-relay/internal/fallback"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/subscriber"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket relay and producer API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing backends.")
		}
	}()

	reader := subscriber.NewReader(a.store, cfg.Registry.PollTimeout, logger, a.metrics)
	reg := registry.New(a.store, reader, registry.Options{
		KeyPrefix:  cfg.Store.KeyPrefix,
		InstanceID: cfg.Server.InstanceID,
		Logger:     logger,
	})
	janitor, err := registry.NewJanitor(reg, registry.JanitorConfig{
		HeartbeatTTL:      cfg.Registry.HeartbeatTTL,
		HeartbeatSchedule: cfg.Registry.HeartbeatSchedule,
		SweepSchedule:     cfg.Registry.SweepSchedule,
	}, logger, a.metrics)
	if err != nil {
		return err
	}
	if err := janitor.Start(ctx); err != nil {
		return fmt.Errorf("start registry janitor: %w", err)
	}

	authn, err := auth.NewJWT([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Leeway)
	if err != nil {
		return err
	}
	var membership auth.MembershipChecker = auth.AllowAll{}
	if cfg.Auth.Membership == config.MembershipStore {
		membership = auth.NewStoreMembership(a.store, cfg.Store.KeyPrefix)
	}

	disp := dispatch.New(reg, a.store, fallback.New(a.backend, logger, a.metrics),
		dispatch.Options{PersistWhenOnline: cfg.Delivery.PersistWhenOnline}, logger, a.metrics)

	srv := server.New(server.Deps{
		Connections:   reg,
		Dispatcher:    disp,
		Authenticator: authn,
		Membership:    membership,
		Health:        a.store,
		Metrics:       a.metrics,
		Gatherer:      a.gatherer,
		Logger:        logger,
	}, server.Options{
		Settings:         serverSettings(cfg),
		AnnouncePresence: cfg.Server.AnnouncePresence,
		ProducerToken:    cfg.Auth.ProducerToken,
	})

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(c *config.Config) {
				srv.ApplySettings(serverSettings(c))
			})
			if err != nil {
				logger.Warn().Err(err).Msg("Config hot reload disabled.")
			}
		}()
	}

	// A memory queue is only reachable from this process.
	runWorker := cfg.Queue.RunWorker || cfg.Queue.Driver == config.DriverMemory
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()
	var workerWG sync.WaitGroup
	if runWorker {
		st, err := a.openNotifications()
		if err != nil {
			return err
		}
		defer st.Close()

		w := a.newWorker(st)
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			w.Run(workerCtx)
		}()
	}

	httpServer := server.CreateServer(cfg.Server.Port, srv.Routes())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(httpServer) }()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug().Err(err).Msg("sd_notify ready failed.")
	}
	logger.Info().
		Str("instance", reg.InstanceID()).
		Str("version", version).
		Bool("worker", runWorker).
		Msg("Relay started.")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received.")
	case serveErr = <-errc:
		logger.Error().Err(serveErr).Msg("HTTP server stopped unexpectedly.")
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Debug().Err(err).Msg("sd_notify stopping failed.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	errs := []error{serveErr}
	errs = append(errs, srv.Shutdown(shutdownCtx, httpServer))
	errs = append(errs, reg.Close(shutdownCtx))
	errs = append(errs, janitor.Stop(shutdownCtx))

	stopWorker()
	workerWG.Wait()

	if err := errors.Join(errs...); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with errors.")
		return err
	}
	logger.Info().Msg("Relay stopped.")
	return nil
}
