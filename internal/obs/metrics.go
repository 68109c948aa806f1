// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs accepted by the submission API",
	}, []string{"job_type"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached status=completed",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached status=failed",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of jobs cancelled by their owner",
	})
	DispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_failures_total",
		Help: "Total number of task-queue enqueue failures",
	})
	LaneInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_lane_in_flight",
		Help: "Current in-flight task count per dispatch lane",
	}, []string{"lane"})
	LaneAtCapacity = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_lane_at_capacity_total",
		Help: "Total number of dispatch attempts refused for exceeding lane capacity",
	}, []string{"lane"})
	WebhookDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhook_duplicates_total",
		Help: "Total number of webhook deliveries suppressed as duplicates",
	})
	QuotaReservations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_reservations_total",
		Help: "Total number of quota reservations by resource kind",
	}, []string{"resource"})
	QuotaReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_releases_total",
		Help: "Total number of quota releases by resource kind",
	}, []string{"resource"})
	QuotaDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_denials_total",
		Help: "Total number of admission rejections by resource kind",
	}, []string{"resource"})
	KVFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_fallback_total",
		Help: "Total number of times a KV-backed subsystem fell back to in-memory state",
	}, []string{"subsystem"})
	ReconcilerSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_sweeps_total",
		Help: "Total number of reconciler sweep cycles run",
	})
	ReconcilerRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_recovered_total",
		Help: "Total number of jobs the reconciler drove to a terminal state",
	})
	AggregationsRun = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_aggregations_total",
		Help: "Total number of batch aggregation runs (including idempotent re-runs)",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the dispatch circuit breaker transitioned to Open",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsCompleted, JobsFailed, JobsCancelled,
		DispatchFailures, LaneInFlight, LaneAtCapacity,
		WebhookDuplicates,
		QuotaReservations, QuotaReleases, QuotaDenials, KVFallbacks,
		ReconcilerSweeps, ReconcilerRecovered, AggregationsRun,
		CircuitBreakerState, CircuitBreakerTrips,
	)
}
