// Package metrics holds the Prometheus instruments for the engine.
// The registry is injected so tests can use a fresh one per case.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradeengine"

// Metrics holds all Prometheus instruments for the engine. The exchange
// label is fixed at construction; everything runs against one venue.
type Metrics struct {
	registry *prometheus.Registry
	exchange string

	SignalsReceived      *prometheus.CounterVec
	SignalsDuplicate     *prometheus.CounterVec
	OrdersExecutedByType *prometheus.CounterVec
	OrderFailures        *prometheus.CounterVec
	RiskChecks           *prometheus.CounterVec
	RiskRejections       *prometheus.CounterVec

	OrderExecutionLatency prometheus.Histogram

	CurrentPositionSize *prometheus.GaugeVec
	UnrealizedPnl       *prometheus.GaugeVec
	DailyPnl            *prometheus.GaugeVec
}

// New registers the engine instruments on the given registry.
func New(reg *prometheus.Registry, exchange string) *Metrics {
	if exchange == "" {
		exchange = "binance_futures"
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		exchange: exchange,

		SignalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_received_total",
			Help:      "Total number of signals received by strategy, symbol and action",
		}, []string{"strategy", "symbol", "action"}),
		SignalsDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_duplicate_total",
			Help:      "Total number of duplicate signals suppressed by fingerprint",
		}, []string{"strategy", "symbol", "action"}),
		OrdersExecutedByType: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_executed_by_type_total",
			Help:      "Total number of orders executed by type, side and symbol",
		}, []string{"order_type", "side", "symbol", "exchange"}),
		OrderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_failures_total",
			Help:      "Total number of failed order submissions by reason",
		}, []string{"symbol", "order_type", "failure_reason", "exchange"}),
		RiskChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_checks_total",
			Help:      "Total number of pre-trade risk checks by type and result",
		}, []string{"check_type", "result", "exchange"}),
		RiskRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_rejections_total",
			Help:      "Total number of orders rejected by the risk guard",
		}, []string{"reason", "symbol", "exchange"}),

		OrderExecutionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_execution_latency_seconds",
			Help:      "Latency of order submission to the venue in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		CurrentPositionSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_position_size",
			Help:      "Current aggregated position size by symbol and position side",
		}, []string{"symbol", "position_side", "exchange"}),
		UnrealizedPnl: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unrealized_pnl_usd",
			Help:      "Unrealized P&L across open positions in USD",
		}, []string{"exchange"}),
		DailyPnl: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_pnl_usd",
			Help:      "Realized P&L since midnight UTC in USD",
		}, []string{"exchange"}),
	}
}

// NewForTest creates metrics on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry(), "test")
}

// Handler serves the injected registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Exchange returns the venue label value this instance was built with.
func (m *Metrics) Exchange() string {
	return m.exchange
}

// The helpers below keep label ordering in one place.

func (m *Metrics) RecordSignalReceived(strategy, symbol, action string) {
	m.SignalsReceived.WithLabelValues(strategy, symbol, action).Inc()
}

func (m *Metrics) RecordSignalDuplicate(strategy, symbol, action string) {
	m.SignalsDuplicate.WithLabelValues(strategy, symbol, action).Inc()
}

func (m *Metrics) RecordOrderExecuted(orderType, side, symbol string) {
	m.OrdersExecutedByType.WithLabelValues(orderType, side, symbol, m.exchange).Inc()
}

func (m *Metrics) RecordOrderFailure(symbol, orderType, reason string) {
	m.OrderFailures.WithLabelValues(symbol, orderType, reason, m.exchange).Inc()
}

func (m *Metrics) RecordRiskCheck(checkType, result string) {
	m.RiskChecks.WithLabelValues(checkType, result, m.exchange).Inc()
}

func (m *Metrics) RecordRiskRejection(reason, symbol string) {
	m.RiskRejections.WithLabelValues(reason, symbol, m.exchange).Inc()
}

func (m *Metrics) ObserveExecutionLatency(seconds float64) {
	m.OrderExecutionLatency.Observe(seconds)
}

func (m *Metrics) SetPositionSize(symbol, positionSide string, size float64) {
	m.CurrentPositionSize.WithLabelValues(symbol, positionSide, m.exchange).Set(size)
}

func (m *Metrics) SetUnrealizedPnl(usd float64) {
	m.UnrealizedPnl.WithLabelValues(m.exchange).Set(usd)
}

func (m *Metrics) SetDailyPnl(usd float64) {
	m.DailyPnl.WithLabelValues(m.exchange).Set(usd)
}
