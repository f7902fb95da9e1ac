package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AllocationsSetTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "allocations_set_total",
		Help: "Total number of allocation writes accepted",
	})

	AllocationsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "allocations_rejected_total",
		Help: "Total number of allocation writes rejected",
	}, []string{"reason"})

	AllocationsBackfilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "allocations_backfilled_total",
		Help: "Total number of allocation rows copied forward by gap repair",
	})

	OverspendFlaggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "overspend_flagged_total",
		Help: "Total number of allocations that pushed a balance into overspend",
	})

	CyclesFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cycles_finalized_total",
		Help: "Total number of billing cycles finalized",
	})

	CycleFinalizationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cycle_finalization_latency_seconds",
		Help:    "Latency of full cycle finalization runs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	PayoutsRequestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payouts_requested_total",
		Help: "Total number of payouts requested",
	})

	PayoutsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payouts_completed_total",
		Help: "Total number of payouts completed",
	})

	PayoutsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_failed_total",
		Help: "Total number of payouts failed terminally",
	}, []string{"reason"})

	PayoutRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payout_retries_total",
		Help: "Total number of transfer attempts retried after transient errors",
	})

	TransferLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transfer_request_latency_seconds",
		Help:    "Latency of external transfer requests",
		Buckets: prometheus.DefBuckets,
	})

	TransferEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_events_total",
		Help: "Total number of processor transfer events handled",
	}, []string{"status"})

	TransferEventAnomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transfer_event_anomalies_total",
		Help: "Total number of contradictory transfer events on terminal payouts",
	})

	EscrowDriftCents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_drift_cents",
		Help: "Last observed drift between creator_obligation pool and creator balances",
	})

	ConservationViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conservation_violations_total",
		Help: "Total number of creator balance equation violations detected",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
