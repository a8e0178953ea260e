// Package metrics provides Prometheus metrics for the trading engine.
// It covers the tick loop, order execution, risk rule firings, and the
// account circuit breaker, all exposed on the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the trading engine.
type Metrics struct {
	// Tick loop
	TicksTotal    prometheus.Counter   // Completed engine iterations
	TicksSkipped  prometheus.Counter   // Iterations skipped because the previous one was still running
	TickDuration  prometheus.Histogram // Duration of a full engine iteration
	DecisionCalls prometheus.Counter   // Decision generator invocations
	DecisionFails prometheus.Counter   // Decision generator failures after retries

	// Order execution
	OrdersTotal         *prometheus.CounterVec // Orders placed, by type (open/close)
	OrderRejections     *prometheus.CounterVec // Orders rejected pre-flight, by reason
	SlippageRejections  prometheus.Counter     // Opens rolled back on excessive slippage
	OrderPollExhausted  prometheus.Counter     // Fills recorded as estimated after the poll budget ran out
	OrderPollDuration   prometheus.Histogram   // Time from placement to a final order status
	ReconcileRetries    prometheus.Counter     // Confirming re-reads during reconciliation
	ReconcileDivergence prometheus.Counter     // Local rows adjusted to match the exchange

	// Risk
	ForcedCloses    *prometheus.CounterVec // Risk-rule closes, by reason
	PnlCorrections  prometheus.Counter     // Trades whose supplied PnL was replaced
	AccountDrawdown prometheus.Gauge       // Current drawdown from peak equity, percent
	GuardLevel      prometheus.Gauge       // Circuit breaker level (0 normal .. 3 force-close)
	ActivePositions prometheus.Gauge       // Number of open positions

	// Market data
	WSReconnects    prometheus.Counter // WebSocket reconnections
	TickersReceived prometheus.Counter // Ticker messages received

	// System
	ErrorsTotal prometheus.Counter // Errors encountered anywhere in the engine
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for
// testing without touching the global registry).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Completed engine iterations",
		}),
		TicksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_skipped_total",
			Help: "Iterations skipped because the previous one was still running",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_tick_duration_seconds",
			Help:    "Duration of a full engine iteration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		DecisionCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "decision_calls_total",
			Help: "Decision generator invocations",
		}),
		DecisionFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "decision_failures_total",
			Help: "Decision generator failures after all retries",
		}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Orders placed, by type",
		}, []string{"type"}),
		OrderRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "order_rejections_total",
			Help: "Orders rejected by pre-flight validation, by reason",
		}, []string{"reason"}),
		SlippageRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "slippage_rejections_total",
			Help: "Opening fills rolled back on excessive slippage",
		}),
		OrderPollExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "order_poll_exhausted_total",
			Help: "Fills recorded from best-known values after the poll budget ran out",
		}),
		OrderPollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_poll_duration_seconds",
			Help:    "Time from order placement to a final status in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ReconcileRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_retries_total",
			Help: "Confirming re-reads issued during position reconciliation",
		}),
		ReconcileDivergence: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_divergence_total",
			Help: "Local position rows adjusted to match the exchange",
		}),
		ForcedCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forced_closes_total",
			Help: "Positions closed by a risk rule, by reason",
		}, []string{"reason"}),
		PnlCorrections: factory.NewCounter(prometheus.CounterOpts{
			Name: "pnl_corrections_total",
			Help: "Trades whose supplied PnL was replaced by the recomputed value",
		}),
		AccountDrawdown: factory.NewGauge(prometheus.GaugeOpts{
			Name: "account_drawdown_pct",
			Help: "Current drawdown from peak equity, percent",
		}),
		GuardLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "account_guard_level",
			Help: "Circuit breaker level: 0 normal, 1 warn, 2 block new, 3 force close",
		}),
		ActivePositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_positions",
			Help: "Number of open positions",
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of WebSocket reconnections",
		}),
		TickersReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "tickers_received_total",
			Help: "Total number of ticker messages received",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
