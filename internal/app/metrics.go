package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "databundle",
			Name:      "orders_processed_total",
			Help:      "Total orders that reached a terminal or pending-upstream state.",
		},
		[]string{"network", "status"}, // status: completed, failed, processing
	)

	upstreamRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "databundle",
			Name:      "upstream_request_duration_seconds",
			Help:      "Duration of calls to the reseller and payment gateway.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"upstream", "operation"},
	)

	depositsVerifiedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "databundle",
			Name:      "deposits_verified_total",
			Help:      "Deposit verifications by outcome.",
		},
		[]string{"outcome"}, // completed, already_processed, failed, pending
	)

	withdrawalsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "databundle",
			Name:      "withdrawals_total",
			Help:      "Admin withdrawal status transitions.",
		},
		[]string{"status"},
	)

	reconcileRunsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "databundle",
			Name:      "order_reconcile_total",
			Help:      "Outcomes of stale order reconciliation.",
		},
		[]string{"outcome"},
	)

	rateLimitedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "databundle",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"scope"},
	)
)
