package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryan-buckman/infobots/internal/scheduler"
	"github.com/bryan-buckman/infobots/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveAddr   string
	serveDryRun bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := newApp(ctx, cfg, serveDryRun)
		if err != nil {
			return err
		}
		defer a.Close()

		sched := scheduler.New(a.orchestrator, a.orchestrator.Bots(), scheduler.Options{
			Stagger:         cfg.Stagger(),
			CleanupSchedule: cfg.Scheduler.CleanupSchedule,
			RetentionDays:   cfg.Scheduler.RetentionDays,
			DryRun:          serveDryRun,
		}, logger.Named("scheduler"))
		if err := sched.Start(ctx); err != nil {
			return err
		}

		srv := server.New(a.orchestrator, a.store, sched, cfg.Scheduler.RetentionDays, logger.Named("server"))
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start(cfg.Server.Addr)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		var serveErr error
		select {
		case sig := <-quit:
			logger.Info("shutting down", zap.String("signal", sig.String()))
		case serveErr = <-errCh:
			if serveErr != nil {
				logger.Error("server stopped", zap.Error(serveErr))
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler did not stop cleanly", zap.Error(err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server forced to shutdown", zap.Error(err))
		}
		cancel()
		logger.Info("stopped")
		return serveErr
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Scheduled runs write nothing")
}
