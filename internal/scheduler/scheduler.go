/**
 * @description
 * Cron scheduler setup for the refund jobs.
 */
package scheduler

import (
	"context"
	"log/slog"

	"github.com/clearcause/refund-service/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	// SkipIfStillRunning keeps a slow sweep from overlapping the next tick.
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number
// of jobs that were scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0
	for _, job := range []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: "refund decision expiry", schedule: s.config.ExpirySweepSchedule, run: s.jobs.ExpireRefundDecisions},
		{name: "settlement reconciliation", schedule: s.config.SettlementReconcileSchedule, run: s.jobs.ReconcileSettlements},
	} {
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			s.logger.Error("failed to schedule job", "job", job.name, "schedule", job.schedule, "error", err)
			continue
		}
		scheduled++
		s.logger.Info("scheduled job", "job", job.name, "schedule", job.schedule)
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
