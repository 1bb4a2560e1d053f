/**
 * @description
 * Cron scheduler setup for the recovery jobs.
 */
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules holds the cron expressions for each job.
type Schedules struct {
	ReconcileOrders      string
	PollWithdrawals      string
	RefreshWeeklyProfits string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *zap.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *zap.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number
// of jobs that were scheduled.
func (s *Scheduler) Start() int {
	registered := 0
	for _, job := range []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: "order reconciliation", schedule: s.schedules.ReconcileOrders, run: s.jobs.ReconcileOrders},
		{name: "withdrawal poll", schedule: s.schedules.PollWithdrawals, run: s.jobs.PollWithdrawals},
		{name: "weekly profit refresh", schedule: s.schedules.RefreshWeeklyProfits, run: s.jobs.RefreshWeeklyProfits},
	} {
		if job.schedule == "" {
			s.logger.Info("job disabled", zap.String("job", job.name))
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			s.logger.Error("failed to schedule job", zap.String("job", job.name), zap.String("schedule", job.schedule), zap.Error(err))
			continue
		}
		s.logger.Info("scheduled job", zap.String("job", job.name), zap.String("schedule", job.schedule))
		registered++
	}

	s.cron.Start()
	return registered
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
