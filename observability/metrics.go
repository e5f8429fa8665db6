// Package observability defines the Prometheus metrics the coordination
// core exports, adapted from control_plane/observability/metrics.go's
// promauto-based package-level vars (there prefixed flux_; here
// mafcore_) to the components this module actually has: the rate
// limiter, the priority queue, the DAG engine, and the scheduler's
// reservation/lease lifecycle.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks current depth per priority class.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mafcore_queue_depth",
		Help: "Current number of items queued, by priority class",
	}, []string{"priority"})

	// QueueDropsTotal counts QUEUE_FULL and PRIORITY_DROPPED outcomes.
	QueueDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mafcore_queue_drops_total",
		Help: "Total items dropped or evicted from the priority queue",
	}, []string{"priority", "reason"})

	// RateLimitDecisions counts try_consume outcomes per provider.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mafcore_rate_limit_decisions_total",
		Help: "Total rate limiter decisions by provider and outcome",
	}, []string{"provider", "allowed"})

	// RateLimitTokensRemaining tracks the bucket level per provider,
	// sampled after each token consumed during admission.
	RateLimitTokensRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mafcore_rate_limit_tokens_remaining",
		Help: "Token bucket level at last touch, by provider",
	}, []string{"provider"})

	// SchedulerReservations counts reserve() outcomes.
	SchedulerReservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mafcore_scheduler_reservations_total",
		Help: "Total reservation attempts by outcome",
	}, []string{"outcome"}) // reserved, contended_retry, contended_exhausted, none_ready, blocked_by_file

	// SchedulerReservationDuration tracks the wall time of a full
	// reserve() call, including internal contention retries.
	SchedulerReservationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mafcore_scheduler_reservation_duration_seconds",
		Help:    "Duration of the reserve() reservation protocol",
		Buckets: prometheus.DefBuckets,
	})

	// LeaseReclaimsTotal counts reaper activity.
	LeaseReclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mafcore_lease_reclaims_total",
		Help: "Total leases reclaimed by the reaper due to expiry",
	})

	// LeaseRenewalFailuresTotal counts LEASE_LOST terminations.
	LeaseRenewalFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mafcore_lease_renewal_failures_total",
		Help: "Total lease renewal failures (LEASE_LOST) by agent",
	}, []string{"agent_id"})

	// DAGValidationDuration tracks Validate() latency.
	DAGValidationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mafcore_dag_validation_duration_seconds",
		Help:    "Duration of a full DAG validate() pass",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	// DAGCyclicComponents tracks the last-observed cycle count; nonzero
	// indicates a data integrity problem that should never occur.
	DAGCyclicComponents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mafcore_dag_cyclic_components",
		Help: "Number of cyclic components found in the last validate() call",
	})

	// ProviderHealth surfaces should_route's health indicator as a gauge:
	// 0=HEALTHY, 1=WARNING, 2=CRITICAL, 3=UNAVAILABLE.
	ProviderHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mafcore_provider_health",
		Help: "Provider health indicator from should_route (0=healthy .. 3=unavailable)",
	}, []string{"provider"})

	// FileReservationConflictsTotal counts BLOCKED_BY_FILE outcomes.
	FileReservationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mafcore_file_reservation_conflicts_total",
		Help: "Total reservations rejected due to a conflicting active file reservation",
	})
)
