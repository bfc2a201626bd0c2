// Package metrics holds the Prometheus collectors shared by the tenant
// manager, the reconciliation loops, and the ops API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "viletorder"

var (
	// TenantsRunning tracks the size of the running set.
	TenantsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tenants_running",
		Help:      "Number of tenant runtimes currently running",
	})

	// SettlementsTotal counts settled orders by kind.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlements_total",
		Help:      "Total settled pending orders",
	}, []string{"kind"})

	// OrdersExpiredTotal counts pending orders resolved as expired.
	OrdersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_expired_total",
		Help:      "Total pending orders expired by the gateway",
	})

	// GatewayErrorsTotal counts status checks that failed for one tick.
	GatewayErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_errors_total",
		Help:      "Total payment gateway calls that exhausted retries",
	})

	// ReconcileTicksTotal counts reconciliation loop passes.
	ReconcileTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_ticks_total",
		Help:      "Total reconciliation ticks across all tenants",
	})

	// SweepStopsTotal counts runtimes stopped by the expiration sweep.
	SweepStopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_stops_total",
		Help:      "Total tenant runtimes stopped because their lease lapsed",
	})
)
