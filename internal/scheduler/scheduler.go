// Package scheduler is the resumption loop: it polls the store for runs whose
// suspension has expired and steps them, and it periodically triggers the
// zombie-run reconciler on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/timrozday-mgnify/emgapi-v2/internal/engine"
	"github.com/timrozday-mgnify/emgapi-v2/internal/logging"
	"github.com/timrozday-mgnify/emgapi-v2/internal/reconcile"
	"github.com/timrozday-mgnify/emgapi-v2/internal/store"
)

// RunStepper advances one run by one resumption. Satisfied by the controller.
type RunStepper interface {
	Step(ctx context.Context, runID string) (*engine.Outcome, error)
}

// Sweeper performs one zombie-reconciliation sweep. Satisfied by the
// reconciler.
type Sweeper interface {
	Reconcile(ctx context.Context) (*reconcile.Report, error)
}

// Config holds the scheduler's tunables.
type Config struct {
	// TickInterval is how often the store is polled for due runs.
	TickInterval time.Duration

	// ReconcileCron is a standard 5-field cron expression for the
	// reconciliation sweep. Empty disables periodic reconciliation.
	ReconcileCron string

	// Concurrency bounds how many runs are stepped in parallel per tick.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Scheduler drives due runs and periodic reconciliation.
type Scheduler struct {
	store   store.Store
	stepper RunStepper
	sweeper Sweeper
	cfg     Config
	parser  cron.Parser
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently being stepped (dedup)

	nextReconcile time.Time
	schedule      cron.Schedule
}

// NewScheduler creates a scheduler. sweeper may be nil when periodic
// reconciliation is handled elsewhere.
func NewScheduler(s store.Store, stepper RunStepper, sweeper Sweeper, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	sched := &Scheduler{
		store:    s,
		stepper:  stepper,
		sweeper:  sweeper,
		cfg:      cfg,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
	if cfg.ReconcileCron != "" && sweeper != nil {
		schedule, err := sched.parser.Parse(cfg.ReconcileCron)
		if err != nil {
			return nil, fmt.Errorf("parse reconcile cron %q: %w", cfg.ReconcileCron, err)
		}
		sched.schedule = schedule
		sched.nextReconcile = schedule.Next(time.Now().UTC())
	}
	return sched, nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started",
		slog.Duration("tick", s.cfg.TickInterval),
		slog.String("reconcile_cron", s.cfg.ReconcileCron),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick steps every due run and, when its cron time has come, triggers a
// reconciliation sweep.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	if s.schedule != nil && !now.Before(s.nextReconcile) {
		s.nextReconcile = s.schedule.Next(now)
		s.sweep(ctx)
	}

	runs, err := s.store.ListDueRuns(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due runs", slog.String("error", err.Error()))
		return
	}
	if len(runs) == 0 {
		return
	}

	pool := engine.NewWorkerPool(s.cfg.Concurrency)
	for _, run := range runs {
		runID := run.ID
		if !s.tryAcquire(runID) {
			continue // still being stepped from a previous tick
		}
		err := pool.Submit(ctx, func(ctx context.Context) {
			defer s.release(runID)
			s.stepRun(ctx, runID)
		})
		if err != nil {
			s.release(runID)
		}
	}
	pool.Shutdown()
}

func (s *Scheduler) stepRun(ctx context.Context, runID string) {
	ctx = logging.WithRunID(ctx, runID)
	outcome, err := s.stepper.Step(ctx, runID)
	if err != nil {
		s.logger.Error("run step failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.DebugContext(ctx, "run stepped", slog.String("outcome", string(outcome.Kind)))
}

func (s *Scheduler) sweep(ctx context.Context) {
	report, err := s.sweeper.Reconcile(ctx)
	if err != nil {
		s.logger.Error("reconciliation sweep failed", slog.String("error", err.Error()))
		return
	}
	if report.Checked > 0 {
		s.logger.Info("reconciliation sweep done",
			slog.Int("checked", report.Checked),
			slog.Int("repaired", len(report.Repaired)),
			slog.Int("ambiguous", len(report.Ambiguous)),
		)
	}
}

// tryAcquire marks the run as in-flight unless it already is.
func (s *Scheduler) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

func (s *Scheduler) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// RecoverMissed steps all currently due runs synchronously, once. Called on
// startup so runs suspended by a dead process resume without waiting for the
// first tick.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	runs, err := s.store.ListDueRuns(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("list due runs: %w", err)
	}

	recovered := 0
	for _, run := range runs {
		if !s.tryAcquire(run.ID) {
			continue
		}
		s.stepRun(ctx, run.ID)
		s.release(run.ID)
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered suspended runs", slog.Int("count", recovered))
	}
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
