package exchange

import (
	"context"
	"errors"
	"math"
	"testing"

	"tradeengine/internal/model"
)

func TestSimulator_MarketOrderFillsAtPrice(t *testing.T) {
	sim := NewSimulator(10000, nil)
	sim.SetPrice("BTCUSDT", 50000)
	ctx := context.Background()

	res, err := sim.Execute(ctx, &model.Order{
		Symbol:       "BTCUSDT",
		Side:         model.OrderSideBuy,
		Type:         model.OrderTypeMarket,
		Amount:       0.001,
		PositionSide: model.PositionSideLong,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Status != model.StatusFilled {
		t.Errorf("Expected filled, got %s", res.Status)
	}
	if res.FillPrice != 50000 {
		t.Errorf("Expected fill price 50000, got %v", res.FillPrice)
	}

	positions, err := sim.GetPositions(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("Expected 1 position, got %d", len(positions))
	}
	if positions[0].PositionSide != model.PositionSideLong || positions[0].Quantity != 0.001 {
		t.Errorf("Unexpected position: %+v", positions[0])
	}
}

func TestSimulator_HedgeModeIndependentBuckets(t *testing.T) {
	sim := NewSimulator(10000, nil)
	sim.SetPrice("BTCUSDT", 50000)
	ctx := context.Background()

	mustExec := func(side model.OrderSide, posSide model.PositionSide) {
		t.Helper()
		_, err := sim.Execute(ctx, &model.Order{
			Symbol: "BTCUSDT", Side: side, Type: model.OrderTypeMarket,
			Amount: 0.001, PositionSide: posSide,
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	mustExec(model.OrderSideBuy, model.PositionSideLong)
	mustExec(model.OrderSideSell, model.PositionSideShort)

	positions, _ := sim.GetPositions(ctx)
	if len(positions) != 2 {
		t.Fatalf("Expected LONG and SHORT buckets, got %d", len(positions))
	}
}

func TestSimulator_RestingOrderLifecycle(t *testing.T) {
	sim := NewSimulator(10000, nil)
	sim.SetPrice("BTCUSDT", 50000)
	ctx := context.Background()

	res, err := sim.Execute(ctx, &model.Order{
		Symbol:       "BTCUSDT",
		Side:         model.OrderSideSell,
		Type:         model.OrderTypeStop,
		Amount:       0.001,
		TargetPrice:  49000,
		PositionSide: model.PositionSideLong,
		ReduceOnly:   true,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Status != model.StatusPending {
		t.Errorf("Expected pending stop order, got %s", res.Status)
	}

	open, _ := sim.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 1 {
		t.Fatalf("Expected 1 open order, got %d", len(open))
	}
	if open[0].StopPrice != 49000 || !open[0].ReduceOnly {
		t.Errorf("Unexpected open order: %+v", open[0])
	}

	if !sim.FillOrder(res.OrderID) {
		t.Fatal("Expected fill to succeed")
	}
	open, _ = sim.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("Expected no open orders after fill, got %d", len(open))
	}
}

func TestSimulator_CancelUnknownOrder(t *testing.T) {
	sim := NewSimulator(10000, nil)
	err := sim.CancelOrder(context.Background(), "BTCUSDT", "SIM-9999")
	if err == nil {
		t.Fatal("Expected unknown-order error")
	}
	if !IsUnknownOrder(err) {
		t.Errorf("Expected unknown-order classification, got %v", err)
	}
}

func TestSimulator_ReductionRealizesPnl(t *testing.T) {
	sim := NewSimulator(10000, nil)
	sim.SetPrice("BTCUSDT", 50000)
	ctx := context.Background()

	_, err := sim.Execute(ctx, &model.Order{
		Symbol: "BTCUSDT", Side: model.OrderSideBuy, Type: model.OrderTypeMarket,
		Amount: 0.01, PositionSide: model.PositionSideLong,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	sim.SetPrice("BTCUSDT", 51000)
	_, err = sim.Execute(ctx, &model.Order{
		Symbol: "BTCUSDT", Side: model.OrderSideSell, Type: model.OrderTypeMarket,
		Amount: 0.01, PositionSide: model.PositionSideLong, ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	balance, _ := sim.GetAccountBalance(ctx)
	if math.Abs(balance-10010) > 1e-6 {
		t.Errorf("Expected balance 10010 after +10 realized, got %v", balance)
	}
	positions, _ := sim.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("Expected flat book, got %d positions", len(positions))
	}
}

func TestSimulator_FailureInjectionPerOrderType(t *testing.T) {
	sim := NewSimulator(10000, nil)
	sim.SetPrice("BTCUSDT", 50000)
	ctx := context.Background()
	venueDown := &APIError{Code: CodeMarginInsufficient, Message: "Margin is insufficient."}
	sim.FailWith("execute:TAKE_PROFIT", venueDown)

	// STOP leg goes through.
	_, err := sim.Execute(ctx, &model.Order{
		Symbol: "BTCUSDT", Side: model.OrderSideSell, Type: model.OrderTypeStop,
		Amount: 0.001, TargetPrice: 49000, PositionSide: model.PositionSideLong, ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("Unexpected error on stop leg: %v", err)
	}

	// TAKE_PROFIT leg fails with the injected venue error.
	_, err = sim.Execute(ctx, &model.Order{
		Symbol: "BTCUSDT", Side: model.OrderSideSell, Type: model.OrderTypeTakeProfit,
		Amount: 0.001, TargetPrice: 52000, PositionSide: model.PositionSideLong, ReduceOnly: true,
	})
	if !errors.Is(err, venueDown) && !IsMarginInsufficient(err) {
		t.Errorf("Expected injected failure, got %v", err)
	}
}

func TestSimulator_ConditionalTypesRejected(t *testing.T) {
	sim := NewSimulator(10000, nil)
	sim.SetPrice("BTCUSDT", 50000)

	_, err := sim.Execute(context.Background(), &model.Order{
		Symbol: "BTCUSDT", Side: model.OrderSideBuy, Type: model.OrderTypeConditionalLimit,
		Amount: 0.001, TargetPrice: 49500, PositionSide: model.PositionSideLong,
	})
	if !errors.Is(err, ErrUnsupportedOrderType) {
		t.Errorf("Expected ErrUnsupportedOrderType, got %v", err)
	}
}
