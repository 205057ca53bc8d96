package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_FreshRegistriesDoNotCollide(t *testing.T) {
	a := New(prometheus.NewRegistry(), "binance_futures")
	b := New(prometheus.NewRegistry(), "binance_futures")

	a.RecordSignalReceived("mom", "BTCUSDT", "buy")
	a.RecordSignalReceived("mom", "BTCUSDT", "buy")
	b.RecordSignalReceived("mom", "BTCUSDT", "buy")

	got := testutil.ToFloat64(a.SignalsReceived.WithLabelValues("mom", "BTCUSDT", "buy"))
	if got != 2 {
		t.Errorf("Expected 2 signals on registry a, got %v", got)
	}
	got = testutil.ToFloat64(b.SignalsReceived.WithLabelValues("mom", "BTCUSDT", "buy"))
	if got != 1 {
		t.Errorf("Expected 1 signal on registry b, got %v", got)
	}
}

func TestMetrics_ExchangeLabelApplied(t *testing.T) {
	m := New(prometheus.NewRegistry(), "binance_futures")

	m.RecordOrderExecuted("MARKET", "BUY", "BTCUSDT")
	m.RecordRiskCheck("max_position_size", "pass")
	m.RecordRiskRejection("daily_loss_limit", "ETHUSDT")
	m.SetPositionSize("BTCUSDT", "LONG", 0.003)
	m.SetDailyPnl(-12.5)

	got := testutil.ToFloat64(m.OrdersExecutedByType.WithLabelValues("MARKET", "BUY", "BTCUSDT", "binance_futures"))
	if got != 1 {
		t.Errorf("Expected 1 executed order with exchange label, got %v", got)
	}
	got = testutil.ToFloat64(m.RiskChecks.WithLabelValues("max_position_size", "pass", "binance_futures"))
	if got != 1 {
		t.Errorf("Expected 1 risk check, got %v", got)
	}
	got = testutil.ToFloat64(m.CurrentPositionSize.WithLabelValues("BTCUSDT", "LONG", "binance_futures"))
	if got != 0.003 {
		t.Errorf("Expected position size gauge 0.003, got %v", got)
	}
	got = testutil.ToFloat64(m.DailyPnl.WithLabelValues("binance_futures"))
	if got != -12.5 {
		t.Errorf("Expected daily pnl gauge -12.5, got %v", got)
	}
}

func TestNew_DefaultExchangeName(t *testing.T) {
	m := New(prometheus.NewRegistry(), "")
	if m.Exchange() != "binance_futures" {
		t.Errorf("Expected default exchange binance_futures, got %s", m.Exchange())
	}
}
