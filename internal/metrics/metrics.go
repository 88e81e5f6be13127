// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_saga_outcomes_total",
			Help: "Purchase saga outcomes by final state and error code",
		},
		[]string{"state", "code"},
	)

	PurchaseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "purchase_saga_duration_seconds",
			Help:    "Duration of purchase sagas",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
	)

	CompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_compensations_total",
			Help: "Purchase compensations by result",
		},
		[]string{"result"},
	)

	CompensationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_compensation_failures_total",
			Help: "Compensation writes that could not be recorded",
		},
	)

	DepositsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deposit_requests_total",
			Help: "Deposit requests by outcome",
		},
		[]string{"outcome"},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_requests_total",
			Help: "Payout lifecycle events by outcome",
		},
		[]string{"outcome"},
	)

	GatewayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Gateway confirmation events by type and result",
		},
		[]string{"type", "result"},
	)

	BalanceConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_balance_conflicts_total",
			Help: "Optimistic balance writes that lost a version race",
		},
	)

	InventoryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_retries_total",
			Help: "Deferred stock decrements by result",
		},
		[]string{"result"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Published notifications by kind and result",
		},
		[]string{"kind", "result"},
	)

	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operator_alerts_total",
			Help: "Conditions escalated to an operator",
		},
		[]string{"reason"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
