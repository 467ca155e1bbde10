package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/timrozday-mgnify/emgapi-v2/internal/api"
	"github.com/timrozday-mgnify/emgapi-v2/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator server",
	Long:  "Runs migrations, recovers suspended runs, then serves the operator API\nand the resumption loop until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		sched, err := scheduler.NewScheduler(a.store, a.controller, a.reconciler, scheduler.Config{
			TickInterval:  a.cfg.Scheduler.TickInterval,
			ReconcileCron: a.cfg.Scheduler.ReconcileCron,
			Concurrency:   a.cfg.Scheduler.Concurrency,
		}, a.logger)
		if err != nil {
			return err
		}

		if err := sched.RecoverMissed(ctx); err != nil {
			a.logger.Warn("startup recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				a.logger.Error("scheduler stop failed", slog.String("error", err.Error()))
			}
		}()

		srv := api.NewServer(a.store, a.controller, a.reconciler, a.validator, a.logger)
		httpSrv := &http.Server{
			Addr:              a.cfg.ListenAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			a.logger.Info("api listening", slog.String("addr", a.cfg.ListenAddr))
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
		case err := <-errCh:
			return fmt.Errorf("api server: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}
