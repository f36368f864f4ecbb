/**
 * @description
 * This file contains the cron scheduler that drives the maintenance jobs.
 * Schedules are standard five-field cron expressions (with @hourly-style
 * descriptors accepted) supplied through configuration, and every job runs
 * under a recover wrapper so a panicking job cannot take the process down.
 */

package app

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the cron runner and its registered jobs.
type Scheduler struct {
	cron *cron.Cron
}

// SchedulerConfig carries the cron expressions for each job.
type SchedulerConfig struct {
	ResetSchedule      string
	SweepSchedule      string
	RedispatchSchedule string
}

// NewScheduler registers the maintenance jobs against their schedules.
func NewScheduler(jobs *Jobs, cfg SchedulerConfig) (*Scheduler, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log.Default())),
	))

	if _, err := c.AddFunc(cfg.ResetSchedule, jobs.ResetDailyEarnings); err != nil {
		return nil, fmt.Errorf("register earnings reset schedule %q: %w", cfg.ResetSchedule, err)
	}
	if _, err := c.AddFunc(cfg.SweepSchedule, jobs.SweepUnverifiedSignups); err != nil {
		return nil, fmt.Errorf("register signup sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	if _, err := c.AddFunc(cfg.RedispatchSchedule, jobs.RedispatchDuePayouts); err != nil {
		return nil, fmt.Errorf("register payout redispatch schedule %q: %w", cfg.RedispatchSchedule, err)
	}

	return &Scheduler{cron: c}, nil
}

// Start launches the cron runner in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("level=info component=scheduler msg=\"scheduler started\"")
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("level=info component=scheduler msg=\"scheduler stopped\"")
}
