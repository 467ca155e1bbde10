package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/timrozday-mgnify/emgapi-v2/internal/cluster"
	"github.com/timrozday-mgnify/emgapi-v2/internal/config"
	"github.com/timrozday-mgnify/emgapi-v2/internal/engine"
	"github.com/timrozday-mgnify/emgapi-v2/internal/logging"
	"github.com/timrozday-mgnify/emgapi-v2/internal/policy"
	"github.com/timrozday-mgnify/emgapi-v2/internal/reconcile"
	"github.com/timrozday-mgnify/emgapi-v2/internal/store"
	"github.com/timrozday-mgnify/emgapi-v2/internal/validation"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "emgorc",
	Short:         "Cluster job orchestrator",
	Long:          "emgorc orchestrates batches of cluster jobs: idempotent submission,\nsuspended polling, resubmission policies and zombie-run reconciliation.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.emgorc/config.yaml)")
	rootCmd.AddCommand(serveCmd, runCmd, reconcileCmd, migrateCmd, versionCmd)
}

// app bundles the wired components shared by all commands.
type app struct {
	cfg        config.Config
	store      store.Store
	cluster    cluster.Client
	controller *engine.Controller
	reconciler *reconcile.Reconciler
	validator  *validation.RunRequestValidator
	logger     *slog.Logger
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)

	st, err := store.NewLibSQLStore(storeDSN(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := cluster.NewSlurmRestClient(cluster.SlurmRestConfig{
		BaseURL:    cfg.Slurm.BaseURL,
		APIVersion: cfg.Slurm.APIVersion,
		User:       cfg.Slurm.User,
		Token:      cfg.Slurm.Token,
		WorkDir:    cfg.Slurm.WorkDir,
	})

	policies := policy.NewEngine()
	controller := engine.NewController(st, client, engine.NewStoreHost(st), policies, engine.Config{
		PreSubmitDelay:   cfg.Controller.PreSubmitDelay,
		QueueLimit:       cfg.Controller.QueueLimit,
		SubmitRetryDelay: cfg.Controller.SubmitRetryDelay,
		BaseDelay:        cfg.Controller.BaseDelay,
		MaxDelay:         cfg.Controller.MaxDelay,
		MaxChecks:        cfg.Controller.MaxChecks,
		MaxQueryFailures: cfg.Controller.MaxQueryFailures,
		Concurrency:      cfg.Controller.Concurrency,
		WorkDir:          cfg.Slurm.WorkDir,
	}, logger)

	reconciler := reconcile.NewReconciler(st, client, cfg.Scheduler.ReconcileTolerance, logger)

	validator, err := validation.NewRunRequestValidator()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build validator: %w", err)
	}

	return &app{
		cfg:        cfg,
		store:      st,
		cluster:    client,
		controller: controller,
		reconciler: reconciler,
		validator:  validator,
		logger:     logger,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", slog.String("error", err.Error()))
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func storeDSN(path string) string {
	if strings.Contains(path, "://") || strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path
}
