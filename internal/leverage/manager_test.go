package leverage

import (
	"context"
	"testing"

	"tradeengine/internal/datastore"
	"tradeengine/internal/exchange"
	"tradeengine/internal/logging"
)

func newTestManager() (*Manager, *exchange.Simulator, *datastore.Memory) {
	sim := exchange.NewSimulator(10000, nil)
	store := datastore.NewMemory()
	return NewManager(sim, store, logging.Nop()), sim, store
}

func TestEnsureLeverage_Success(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	if err := m.EnsureLeverage(ctx, "BTCUSDT", 20); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	status, err := m.Status(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !status.LastSyncSuccess {
		t.Error("Expected successful sync status")
	}
	if status.ConfiguredLeverage != 20 {
		t.Errorf("Expected configured 20, got %d", status.ConfiguredLeverage)
	}
	if status.ActualLeverage == nil || *status.ActualLeverage != 20 {
		t.Errorf("Expected actual 20, got %v", status.ActualLeverage)
	}
	if status.LastSyncAt.IsZero() {
		t.Error("Expected sync timestamp")
	}
}

func TestEnsureLeverage_NotModifiedIsNonFatal(t *testing.T) {
	m, sim, _ := newTestManager()
	ctx := context.Background()
	sim.FailWith("leverage", &exchange.APIError{
		Code:    exchange.CodeLeverageNotModified,
		Message: "No need to change leverage.",
	})

	if err := m.EnsureLeverage(ctx, "BTCUSDT", 20); err != nil {
		t.Fatalf("Expected leverage-not-modified to be tolerated, got %v", err)
	}

	status, err := m.Status(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status.LastSyncSuccess {
		t.Error("Expected status to record the refusal")
	}
	if status.LastSyncError == "" {
		t.Error("Expected last sync error to be recorded")
	}
	if status.ActualLeverage != nil {
		t.Errorf("Expected unknown actual leverage, got %v", *status.ActualLeverage)
	}
}

func TestEnsureLeverage_OtherErrorsPropagate(t *testing.T) {
	m, sim, _ := newTestManager()
	sim.FailWith("leverage", &exchange.APIError{
		Code:    exchange.CodeTooManyRequests,
		Message: "Too many requests.",
	})

	err := m.EnsureLeverage(context.Background(), "BTCUSDT", 20)
	if err == nil {
		t.Fatal("Expected error")
	}

	status, serr := m.Status(context.Background(), "BTCUSDT")
	if serr != nil {
		t.Fatalf("Unexpected error: %v", serr)
	}
	if status.LastSyncSuccess {
		t.Error("Expected failed sync status")
	}
}

func TestForceLeverage_NotModifiedFails(t *testing.T) {
	m, sim, _ := newTestManager()
	sim.FailWith("leverage", &exchange.APIError{
		Code:    exchange.CodeLeverageNotModified,
		Message: "No need to change leverage.",
	})

	if err := m.ForceLeverage(context.Background(), "BTCUSDT", 20); err == nil {
		t.Error("Expected force to fail on leverage-not-modified")
	}
}

func TestLeverage_TargetRange(t *testing.T) {
	m, _, store := newTestManager()
	ctx := context.Background()

	if err := m.EnsureLeverage(ctx, "BTCUSDT", 0); err == nil {
		t.Error("Expected rejection below 1")
	}
	if err := m.EnsureLeverage(ctx, "BTCUSDT", 126); err == nil {
		t.Error("Expected rejection above 125")
	}
	if store.Count(datastore.CollLeverageStatus) != 0 {
		t.Error("Expected no status writes for invalid targets")
	}
}

func TestSyncAll(t *testing.T) {
	m, sim, _ := newTestManager()
	ctx := context.Background()

	succeeded, failed := m.SyncAll(ctx, map[string]int{"BTCUSDT": 20, "ETHUSDT": 10})
	if succeeded != 2 || failed != 0 {
		t.Errorf("Expected 2/0, got %d/%d", succeeded, failed)
	}

	statuses, err := m.Statuses(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 statuses, got %d", len(statuses))
	}

	sim.FailWith("leverage", &exchange.APIError{
		Code:    exchange.CodeTooManyRequests,
		Message: "Too many requests.",
	})
	succeeded, failed = m.SyncAll(ctx, map[string]int{"BTCUSDT": 25})
	if succeeded != 0 || failed != 1 {
		t.Errorf("Expected 0/1, got %d/%d", succeeded, failed)
	}
}

func TestStatusUpsert_KeepsOneDocumentPerSymbol(t *testing.T) {
	m, _, store := newTestManager()
	ctx := context.Background()

	for _, target := range []int{10, 15, 20} {
		if err := m.EnsureLeverage(ctx, "BTCUSDT", target); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	if store.Count(datastore.CollLeverageStatus) != 1 {
		t.Errorf("Expected one status document, got %d", store.Count(datastore.CollLeverageStatus))
	}
	status, _ := m.Status(ctx, "BTCUSDT")
	if status.ConfiguredLeverage != 20 {
		t.Errorf("Expected latest configured 20, got %d", status.ConfiguredLeverage)
	}
}
