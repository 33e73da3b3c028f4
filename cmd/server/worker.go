package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/gochat-relay/internal/config"
)

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the offline notification worker against the Redis queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Queue.Driver != config.DriverRedis {
				return errors.New("the worker command needs queue.driver=redis; a memory queue is drained by serve")
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.openNotifications()
			if err != nil {
				return err
			}
			defer st.Close()

			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
			a.newWorker(st).Run(ctx)
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return nil
		},
	}
}
