package ledger

import (
	"context"
	"errors"
	"math"
	"testing"

	"tradeengine/internal/datastore"
	"tradeengine/internal/events"
	"tradeengine/internal/logging"
	"tradeengine/internal/metrics"
	"tradeengine/internal/model"
)

func newTestLedger(t *testing.T) (*Ledger, *datastore.Memory) {
	t.Helper()
	store := datastore.NewMemory()
	l := New(store, metrics.NewForTest(), events.NewBus(), logging.Nop())
	return l, store
}

func buySignal(strategyID string, price float64) *model.Signal {
	return &model.Signal{
		StrategyID:    strategyID,
		Symbol:        "BTCUSDT",
		Action:        model.ActionBuy,
		CurrentPrice:  price,
		StopLossPct:   0.02,
		TakeProfitPct: 0.05,
	}
}

func filledResult(price, qty float64) *model.ExecutionResult {
	return &model.ExecutionResult{
		Status:    model.StatusFilled,
		OrderID:   "venue-1",
		FillPrice: price,
		Amount:    qty,
	}
}

func openPosition(t *testing.T, l *Ledger, strategyID string, price, qty float64) string {
	t.Helper()
	sig := buySignal(strategyID, price)
	id, err := l.CreateStrategyPosition(context.Background(), sig, &model.Order{Amount: qty}, filledResult(price, qty))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return id
}

func TestCreateStrategyPosition(t *testing.T) {
	l, store := newTestLedger(t)

	id := openPosition(t, l, "momentum", 50000, 0.001)

	sp, err := l.StrategyPosition(id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sp.Status != StatusOpen {
		t.Errorf("Expected status %q, got %q", StatusOpen, sp.Status)
	}
	if sp.Side != model.PositionSideLong {
		t.Errorf("Expected LONG side, got %s", sp.Side)
	}
	if sp.RemainingQuantity != 0.001 {
		t.Errorf("Expected remaining 0.001, got %f", sp.RemainingQuantity)
	}
	if math.Abs(sp.TakeProfitPrice-52500) > 1e-6 {
		t.Errorf("Expected TP 52500, got %f", sp.TakeProfitPrice)
	}
	if math.Abs(sp.StopLossPrice-49000) > 1e-6 {
		t.Errorf("Expected SL 49000, got %f", sp.StopLossPrice)
	}

	ep, err := l.ExchangePositionByKey("BTCUSDT_LONG")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ep.CurrentQuantity != 0.001 {
		t.Errorf("Expected exchange quantity 0.001, got %f", ep.CurrentQuantity)
	}
	if ep.TotalContributions != 1 {
		t.Errorf("Expected 1 contribution, got %d", ep.TotalContributions)
	}

	if n := store.Count(datastore.CollStrategyPositions); n != 1 {
		t.Errorf("Expected 1 persisted strategy position, got %d", n)
	}
	if n := store.Count(datastore.CollContributions); n != 1 {
		t.Errorf("Expected 1 persisted contribution, got %d", n)
	}
}

func TestShortBracketPricesMirror(t *testing.T) {
	l, _ := newTestLedger(t)

	sig := buySignal("fade", 50000)
	sig.Action = model.ActionSell
	id, err := l.CreateStrategyPosition(context.Background(), sig, &model.Order{Amount: 0.001}, filledResult(50000, 0.001))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	sp, err := l.StrategyPosition(id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sp.Side != model.PositionSideShort {
		t.Fatalf("Expected SHORT side, got %s", sp.Side)
	}
	if math.Abs(sp.TakeProfitPrice-47500) > 1e-6 {
		t.Errorf("Expected TP 47500, got %f", sp.TakeProfitPrice)
	}
	if math.Abs(sp.StopLossPrice-51000) > 1e-6 {
		t.Errorf("Expected SL 51000, got %f", sp.StopLossPrice)
	}
}

func TestWeightedAverageAccumulation(t *testing.T) {
	l, _ := newTestLedger(t)

	openPosition(t, l, "strategy-a", 50000, 0.001)
	openPosition(t, l, "strategy-b", 51000, 0.002)

	ep, err := l.ExchangePositionByKey("BTCUSDT_LONG")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(ep.CurrentQuantity-0.003) > 1e-9 {
		t.Errorf("Expected quantity 0.003, got %f", ep.CurrentQuantity)
	}
	wantAvg := (0.001*50000 + 0.002*51000) / 0.003
	if math.Abs(ep.WeightedAvgPrice-wantAvg) > 1e-6 {
		t.Errorf("Expected avg price %f, got %f", wantAvg, ep.WeightedAvgPrice)
	}
	if ep.TotalContributions != 2 {
		t.Errorf("Expected 2 contributions, got %d", ep.TotalContributions)
	}
	if len(ep.ContributingStrategies) != 2 {
		t.Errorf("Expected 2 contributing strategies, got %v", ep.ContributingStrategies)
	}

	if _, _, ok := l.Conservation("BTCUSDT_LONG"); !ok {
		t.Error("Contribution sum does not match exchange quantity")
	}
}

func TestFullClose(t *testing.T) {
	l, _ := newTestLedger(t)
	id := openPosition(t, l, "momentum", 50000, 0.002)

	res, err := l.CloseStrategyPosition(context.Background(), CloseRequest{
		StrategyPositionID: id,
		ExitPrice:          52000,
		CloseReason:        "take_profit",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !res.FullyClosed {
		t.Error("Expected fully closed")
	}
	if !res.ExchangeClosed {
		t.Error("Expected exchange position closed")
	}
	if math.Abs(res.Pnl-4) > 1e-9 {
		t.Errorf("Expected pnl 4, got %f", res.Pnl)
	}
	if math.Abs(res.PnlPct-4) > 1e-9 {
		t.Errorf("Expected pnl pct 4, got %f", res.PnlPct)
	}

	sp, err := l.StrategyPosition(id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sp.Status != StatusClosed {
		t.Errorf("Expected status %q, got %q", StatusClosed, sp.Status)
	}
	if sp.ClosedAt == nil {
		t.Error("Expected ClosedAt to be set")
	}
	if len(l.OpenPositions()) != 0 {
		t.Errorf("Expected no open positions, got %d", len(l.OpenPositions()))
	}
}

func TestShortClosePnl(t *testing.T) {
	l, _ := newTestLedger(t)

	sig := buySignal("fade", 50000)
	sig.Action = model.ActionSell
	id, err := l.CreateStrategyPosition(context.Background(), sig, &model.Order{Amount: 0.001}, filledResult(50000, 0.001))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	res, err := l.CloseStrategyPosition(context.Background(), CloseRequest{
		StrategyPositionID: id,
		ExitPrice:          48000,
		CloseReason:        "take_profit",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(res.Pnl-2) > 1e-9 {
		t.Errorf("Expected pnl 2 on short, got %f", res.Pnl)
	}
}

func TestPartialClose(t *testing.T) {
	l, _ := newTestLedger(t)
	id := openPosition(t, l, "momentum", 50000, 0.003)

	res, err := l.CloseStrategyPosition(context.Background(), CloseRequest{
		StrategyPositionID: id,
		ExitPrice:          51000,
		ExitQuantity:       0.001,
		CloseReason:        "manual",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.FullyClosed {
		t.Error("Expected partial close")
	}
	if res.ExchangeClosed {
		t.Error("Exchange position should stay open")
	}

	sp, err := l.StrategyPosition(id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sp.Status != StatusPartial {
		t.Errorf("Expected status %q, got %q", StatusPartial, sp.Status)
	}
	if math.Abs(sp.RemainingQuantity-0.002) > 1e-9 {
		t.Errorf("Expected remaining 0.002, got %f", sp.RemainingQuantity)
	}

	if _, _, ok := l.Conservation("BTCUSDT_LONG"); !ok {
		t.Error("Contribution sum does not match exchange quantity after partial close")
	}
}

func TestOverCloseClamped(t *testing.T) {
	l, _ := newTestLedger(t)
	id := openPosition(t, l, "momentum", 50000, 0.001)

	res, err := l.CloseStrategyPosition(context.Background(), CloseRequest{
		StrategyPositionID: id,
		ExitPrice:          50500,
		ExitQuantity:       0.005,
		CloseReason:        "manual",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(res.ClosedQuantity-0.001) > 1e-9 {
		t.Errorf("Expected clamp to 0.001, got %f", res.ClosedQuantity)
	}
	if !res.FullyClosed {
		t.Error("Expected fully closed after clamp")
	}
}

func TestCloseOnlyDrainsOwnContribution(t *testing.T) {
	l, _ := newTestLedger(t)
	idA := openPosition(t, l, "strategy-a", 50000, 0.001)
	openPosition(t, l, "strategy-b", 51000, 0.002)

	res, err := l.CloseStrategyPosition(context.Background(), CloseRequest{
		StrategyPositionID: idA,
		ExitPrice:          52000,
		CloseReason:        "take_profit",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !res.FullyClosed {
		t.Error("Expected strategy-a slice fully closed")
	}
	if res.ExchangeClosed {
		t.Error("Exchange position should survive strategy-b's slice")
	}
	if math.Abs(res.Pnl-2) > 1e-9 {
		t.Errorf("Expected pnl 2 for strategy-a only, got %f", res.Pnl)
	}

	ep, err := l.ExchangePositionByKey("BTCUSDT_LONG")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(ep.CurrentQuantity-0.002) > 1e-9 {
		t.Errorf("Expected 0.002 remaining, got %f", ep.CurrentQuantity)
	}
	if len(ep.ContributingStrategies) != 1 || ep.ContributingStrategies[0] != "strategy-b" {
		t.Errorf("Expected only strategy-b contributing, got %v", ep.ContributingStrategies)
	}

	if _, _, ok := l.Conservation("BTCUSDT_LONG"); !ok {
		t.Error("Contribution sum does not match exchange quantity")
	}
}

func TestCloseUnknownPosition(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.CloseStrategyPosition(context.Background(), CloseRequest{StrategyPositionID: "missing"})
	if err != ErrPositionNotFound {
		t.Errorf("Expected ErrPositionNotFound, got %v", err)
	}
}

func TestDoubleCloseRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	id := openPosition(t, l, "momentum", 50000, 0.001)

	if _, err := l.CloseStrategyPosition(context.Background(), CloseRequest{StrategyPositionID: id, ExitPrice: 51000}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, err := l.CloseStrategyPosition(context.Background(), CloseRequest{StrategyPositionID: id, ExitPrice: 51000})
	if err != ErrPositionClosed {
		t.Errorf("Expected ErrPositionClosed, got %v", err)
	}
}

func TestUnfilledResultRejected(t *testing.T) {
	l, _ := newTestLedger(t)

	sig := buySignal("momentum", 50000)
	_, err := l.CreateStrategyPosition(context.Background(), sig, &model.Order{Amount: 0.001},
		&model.ExecutionResult{Status: model.StatusRejected})
	if err != ErrNotFilled {
		t.Errorf("Expected ErrNotFilled, got %v", err)
	}
}

func TestTotalOpenNotional(t *testing.T) {
	l, _ := newTestLedger(t)
	openPosition(t, l, "strategy-a", 50000, 0.001)

	sig := buySignal("fade", 3000)
	sig.Symbol = "ETHUSDT"
	sig.Action = model.ActionSell
	if _, err := l.CreateStrategyPosition(context.Background(), sig, &model.Order{Amount: 0.5}, filledResult(3000, 0.5)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := 50000*0.001 + 3000*0.5
	if got := l.TotalOpenNotional(); math.Abs(got-want) > 1e-6 {
		t.Errorf("Expected notional %f, got %f", want, got)
	}
}

func TestSetBracketOrders(t *testing.T) {
	l, _ := newTestLedger(t)
	id := openPosition(t, l, "momentum", 50000, 0.001)

	if err := l.SetBracketOrders(context.Background(), id, "sl-1", "tp-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	sp, err := l.StrategyPosition(id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sp.StopLossOrderID != "sl-1" || sp.TakeProfitOrderID != "tp-1" {
		t.Errorf("Expected bracket order ids recorded, got sl=%q tp=%q", sp.StopLossOrderID, sp.TakeProfitOrderID)
	}

	if err := l.SetBracketOrders(context.Background(), "missing", "a", "b"); err != ErrPositionNotFound {
		t.Errorf("Expected ErrPositionNotFound, got %v", err)
	}
}

func TestHedgeModeSeparateBuckets(t *testing.T) {
	l, _ := newTestLedger(t)
	openPosition(t, l, "momentum", 50000, 0.001)

	sig := buySignal("fade", 50000)
	sig.Action = model.ActionSell
	if _, err := l.CreateStrategyPosition(context.Background(), sig, &model.Order{Amount: 0.002}, filledResult(50000, 0.002)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	long, err := l.ExchangePositionByKey("BTCUSDT_LONG")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	short, err := l.ExchangePositionByKey("BTCUSDT_SHORT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if long.CurrentQuantity != 0.001 || short.CurrentQuantity != 0.002 {
		t.Errorf("Expected independent buckets, got long=%f short=%f", long.CurrentQuantity, short.CurrentQuantity)
	}
}

func TestPersistenceFailureDoesNotUnwind(t *testing.T) {
	l, store := newTestLedger(t)
	store.FailNext(errors.New("injected store failure"))

	id := openPosition(t, l, "momentum", 50000, 0.001)

	sp, err := l.StrategyPosition(id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sp.Status != StatusOpen {
		t.Errorf("Expected position booked despite store failure, got %q", sp.Status)
	}
}

func TestReopenAfterExchangeClosed(t *testing.T) {
	l, _ := newTestLedger(t)
	id := openPosition(t, l, "momentum", 50000, 0.001)

	if _, err := l.CloseStrategyPosition(context.Background(), CloseRequest{StrategyPositionID: id, ExitPrice: 51000}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	openPosition(t, l, "momentum", 52000, 0.002)

	ep, err := l.ExchangePositionByKey("BTCUSDT_LONG")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ep.Status != StatusOpen {
		t.Errorf("Expected reopened position, got %q", ep.Status)
	}
	if math.Abs(ep.CurrentQuantity-0.002) > 1e-9 {
		t.Errorf("Expected fresh quantity 0.002, got %f", ep.CurrentQuantity)
	}
	if math.Abs(ep.WeightedAvgPrice-52000) > 1e-6 {
		t.Errorf("Expected fresh avg 52000, got %f", ep.WeightedAvgPrice)
	}
	if ep.TotalContributions != 1 {
		t.Errorf("Expected contribution sequence reset, got %d", ep.TotalContributions)
	}
}

func TestLoadRestoresOpenState(t *testing.T) {
	l, store := newTestLedger(t)
	id := openPosition(t, l, "momentum", 50000, 0.001)

	restored := New(store, metrics.NewForTest(), events.NewBus(), logging.Nop())
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	sp, err := restored.StrategyPosition(id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sp.EntryPrice != 50000 {
		t.Errorf("Expected entry 50000, got %f", sp.EntryPrice)
	}
	if len(restored.OpenPositions()) != 1 {
		t.Errorf("Expected 1 open position after restore, got %d", len(restored.OpenPositions()))
	}
	if _, _, ok := restored.Conservation("BTCUSDT_LONG"); !ok {
		t.Error("Conservation broken after restore")
	}
}
