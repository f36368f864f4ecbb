/**
 * @description
 * Prometheus instrumentation for the payout pipeline. Metrics are registered
 * through promauto at package init and scraped from the /metrics endpoint.
 */

package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	payoutsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payout_service",
		Name:      "payouts_submitted_total",
		Help:      "Withdrawal requests accepted for processing.",
	})

	payoutDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payout_service",
		Name:      "payout_dispatch_total",
		Help:      "Gateway dispatch attempts by gateway and outcome.",
	}, []string{"gateway", "result"})

	payoutDispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "payout_service",
		Name:      "payout_dispatch_duration_seconds",
		Help:      "Latency of gateway dispatch calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"gateway"})

	payoutCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payout_service",
		Name:      "payout_callbacks_total",
		Help:      "Gateway callbacks received by provider and outcome.",
	}, []string{"provider", "outcome"})

	payoutsDeadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payout_service",
		Name:      "payouts_dead_total",
		Help:      "Payouts parked in the dead state after retry exhaustion.",
	})

	referralCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payout_service",
		Name:      "referral_credits_total",
		Help:      "Referral bonuses credited to referrers.",
	})

	schedulerJobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payout_service",
		Name:      "scheduler_job_runs_total",
		Help:      "Scheduled job executions by job and result.",
	}, []string{"job", "result"})
)
