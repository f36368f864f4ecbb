/**
 * @description
 * This file contains the scheduled maintenance jobs: the daily owner-earnings
 * reset, the hourly stale-signup sweep, and the payout redispatch sweep that
 * picks retry-parked payment requests back up once their backoff elapses.
 *
 * Each job publishes a run event with its effect count so operations can track
 * scheduler health from the event stream.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/watchearn/payout-service/internal/domain"
	"github.com/watchearn/payout-service/internal/store"
	"github.com/watchearn/payout-service/pkg/rabbitmq"
)

// Routing keys for scheduler run events.
const (
	RoutingKeySchedulerReset      = "earnings.reset"
	RoutingKeySchedulerSweep      = "signups.swept"
	RoutingKeySchedulerRedispatch = "payouts.redispatched"
)

// Unverified signups older than this are eligible for removal.
const staleSignupAge = 24 * time.Hour

// Jobs bundles the scheduled maintenance tasks with their collaborators.
type Jobs struct {
	repo           store.Repository
	ledger         *Ledger
	orchestrator   *PayoutOrchestrator
	publisher      rabbitmq.Publisher
	exchange       string
	sweepBatchSize int
}

// NewJobs creates the scheduled job set.
func NewJobs(repo store.Repository, ledger *Ledger, orchestrator *PayoutOrchestrator, publisher rabbitmq.Publisher, exchange string, sweepBatchSize int) *Jobs {
	return &Jobs{
		repo:           repo,
		ledger:         ledger,
		orchestrator:   orchestrator,
		publisher:      publisher,
		exchange:       exchange,
		sweepBatchSize: sweepBatchSize,
	}
}

// ResetDailyEarnings zeroes the owner-earnings counter for the new period.
// The reset is a single atomic write in the store, so a concurrent
// watch-session credit either lands in the old period or the new one, never
// in both and never lost.
func (j *Jobs) ResetDailyEarnings() {
	ctx := context.Background()
	snapshot, err := j.ledger.ResetPeriodCounter(ctx)
	if err != nil {
		schedulerJobRunsTotal.WithLabelValues("reset_daily_earnings", "error").Inc()
		log.Printf("level=error component=scheduler job=reset_daily_earnings msg=\"reset failed\" err=%v", err)
		return
	}
	schedulerJobRunsTotal.WithLabelValues("reset_daily_earnings", "ok").Inc()
	log.Printf("level=info component=scheduler job=reset_daily_earnings reset_at=%s", snapshot.LastReset.Format(time.RFC3339))
	j.publishRun(ctx, RoutingKeySchedulerReset, "reset_daily_earnings", 0)
}

// SweepUnverifiedSignups deletes signups that never verified within the
// grace period, in bounded batches so the job never holds long locks.
func (j *Jobs) SweepUnverifiedSignups() {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-staleSignupAge)

	var total int64
	for {
		deleted, err := j.repo.DeleteStaleUnverifiedSignups(ctx, cutoff, j.sweepBatchSize)
		if err != nil {
			schedulerJobRunsTotal.WithLabelValues("sweep_unverified_signups", "error").Inc()
			log.Printf("level=error component=scheduler job=sweep_unverified_signups msg=\"sweep failed\" deleted_so_far=%d err=%v", total, err)
			return
		}
		total += deleted
		if deleted < int64(j.sweepBatchSize) {
			break
		}
	}

	schedulerJobRunsTotal.WithLabelValues("sweep_unverified_signups", "ok").Inc()
	if total > 0 {
		log.Printf("level=info component=scheduler job=sweep_unverified_signups deleted=%d cutoff=%s", total, cutoff.Format(time.RFC3339))
	}
	j.publishRun(ctx, RoutingKeySchedulerSweep, "sweep_unverified_signups", total)
}

// RedispatchDuePayouts hands retry-parked payment requests whose backoff has
// elapsed back to the orchestrator.
func (j *Jobs) RedispatchDuePayouts() {
	ctx := context.Background()
	picked, err := j.orchestrator.RedispatchDue(ctx, j.sweepBatchSize)
	if err != nil {
		schedulerJobRunsTotal.WithLabelValues("redispatch_due_payouts", "error").Inc()
		log.Printf("level=error component=scheduler job=redispatch_due_payouts msg=\"redispatch failed\" err=%v", err)
		return
	}
	schedulerJobRunsTotal.WithLabelValues("redispatch_due_payouts", "ok").Inc()
	if picked > 0 {
		log.Printf("level=info component=scheduler job=redispatch_due_payouts picked=%d", picked)
		j.publishRun(ctx, RoutingKeySchedulerRedispatch, "redispatch_due_payouts", picked)
	}
}

func (j *Jobs) publishRun(ctx context.Context, routingKey, job string, count int64) {
	event := domain.SchedulerRunEvent{
		Job:       job,
		Count:     count,
		Timestamp: time.Now().UTC(),
	}
	if err := j.publisher.Publish(ctx, j.exchange, routingKey, event); err != nil {
		log.Printf("level=error component=scheduler job=%s msg=\"failed to publish run event\" err=%v", job, err)
	}
}
