package batch

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/serialworks/settlement-engine/engine"
)

// Scheduler drives the recurring month close and reconciliation sweep.
//
// Default cadence: shortly after midnight UTC on the 1st, the previous
// month is recomputed (picking up contract backfills and late
// corrections); reconciliation sweeps daily. Both are also exposed as
// manual triggers through the API, so the schedule is a safety net, not
// the only path.
type Scheduler struct {
	Runner     *Runner
	Reconciler *engine.ReconciliationChecker
	Logger     *zap.Logger

	// MonthlySpec and ReconcileSpec are cron expressions; empty means
	// the default cadence.
	MonthlySpec   string
	ReconcileSpec string

	cron *cron.Cron
}

func NewScheduler(runner *Runner, reconciler *engine.ReconciliationChecker, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Runner:        runner,
		Reconciler:    reconciler,
		Logger:        logger,
		MonthlySpec:   "30 0 1 * *", // 00:30 UTC on the 1st
		ReconcileSpec: "0 4 * * *",  // 04:00 UTC daily
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	s.cron = cron.New(cron.WithLocation(time.UTC))

	if _, err := s.cron.AddFunc(s.MonthlySpec, s.runMonthlyClose); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.ReconcileSpec, s.runReconciliation); err != nil {
		return err
	}

	s.cron.Start()
	s.Logger.Info("settlement scheduler started",
		zap.String("monthly_spec", s.MonthlySpec),
		zap.String("reconcile_spec", s.ReconcileSpec),
	)
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) runMonthlyClose() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	month := engine.MonthOf(time.Now().UTC()).Previous()
	report, err := s.Runner.RecomputeMonth(ctx, month)
	if err != nil {
		s.Logger.Error("scheduled month close failed",
			zap.String("month", month.String()),
			zap.Error(err),
		)
		return
	}
	s.Logger.Info("scheduled month close completed",
		zap.String("month", month.String()),
		zap.Int("processed", report.Processed),
		zap.Int("failures", len(report.Failures)),
	)
}

func (s *Scheduler) runReconciliation() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	report, err := s.Reconciler.Check(ctx)
	if err != nil {
		s.Logger.Error("scheduled reconciliation failed", zap.Error(err))
		return
	}
	if report.Clean() {
		s.Logger.Info("reconciliation clean",
			zap.Int("payments", report.CheckedPayments),
			zap.Int("entries", report.CheckedEntries),
		)
		return
	}
	for _, d := range report.Discrepancies {
		s.Logger.Warn("reconciliation discrepancy",
			zap.String("kind", string(d.Kind)),
			zap.String("source", d.Source.String()),
			zap.String("expected", d.Expected.String()),
			zap.String("actual", d.Actual.String()),
			zap.String("diff", d.Diff.String()),
		)
	}
}
