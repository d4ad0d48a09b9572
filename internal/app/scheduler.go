package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron expressions of the maintenance jobs.
type Schedules struct {
	ChainVerify    string
	ProposalExpiry string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. A job with an invalid schedule is
// reported and the others still run.
func (s *Scheduler) Start() error {
	registered := 0
	for _, job := range []struct {
		name     string
		schedule string
		run      func()
	}{
		{"audit chain verification", s.schedules.ChainVerify, s.jobs.VerifyChains},
		{"proposal expiry", s.schedules.ProposalExpiry, s.jobs.ExpireProposals},
	} {
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			s.logger.Error("failed to schedule job", "job", job.name, "schedule", job.schedule, "error", err)
			continue
		}
		registered++
		s.logger.Info("scheduled job", "job", job.name, "schedule", job.schedule)
	}
	if registered == 0 {
		return fmt.Errorf("no maintenance job could be scheduled")
	}

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
