package datastore

import (
	"context"
	"errors"
	"testing"
)

type testRecord struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Sequence int     `json:"sequence"`
	Quantity float64 `json:"quantity"`
}

func seedRecords(t *testing.T, store *Memory) {
	t.Helper()
	ctx := context.Background()
	records := []testRecord{
		{Symbol: "BTCUSDT", Side: "LONG", Sequence: 2, Quantity: 0.5},
		{Symbol: "BTCUSDT", Side: "SHORT", Sequence: 10, Quantity: 0.2},
		{Symbol: "ETHUSDT", Side: "LONG", Sequence: 1, Quantity: 3.0},
	}
	for _, r := range records {
		if err := store.InsertOne(ctx, CollStrategyPositions, r); err != nil {
			t.Fatalf("Unexpected insert error: %v", err)
		}
	}
}

func TestMemory_QueryFilter(t *testing.T) {
	store := NewMemory()
	seedRecords(t, store)
	ctx := context.Background()

	docs, err := store.Query(ctx, CollStrategyPositions, Filter{"symbol": "BTCUSDT"}, QueryOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("Expected 2 BTCUSDT documents, got %d", len(docs))
	}

	docs, err = store.Query(ctx, CollStrategyPositions, Filter{"symbol": "BTCUSDT", "side": "SHORT"}, QueryOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("Expected 1 document for compound filter, got %d", len(docs))
	}

	docs, _ = store.Query(ctx, CollStrategyPositions, Filter{"symbol": "XRPUSDT"}, QueryOptions{})
	if len(docs) != 0 {
		t.Errorf("Expected no documents, got %d", len(docs))
	}
}

func TestMemory_NumericFilterNormalization(t *testing.T) {
	store := NewMemory()
	seedRecords(t, store)

	// int filter value must match the float64 the decoder produces.
	docs, err := store.Query(context.Background(), CollStrategyPositions, Filter{"sequence": 10}, QueryOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("Expected int filter to match numeric field, got %d documents", len(docs))
	}
}

func TestMemory_SortAndLimit(t *testing.T) {
	store := NewMemory()
	seedRecords(t, store)
	ctx := context.Background()

	results, err := QueryAs[testRecord](ctx, store, CollStrategyPositions, nil,
		QueryOptions{Sort: &Sort{Field: "sequence"}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// Numeric sort: 1, 2, 10 — not lexicographic.
	want := []int{1, 2, 10}
	for i, r := range results {
		if r.Sequence != want[i] {
			t.Fatalf("Expected sequence %d at index %d, got %d", want[i], i, r.Sequence)
		}
	}

	results, err = QueryAs[testRecord](ctx, store, CollStrategyPositions, nil,
		QueryOptions{Sort: &Sort{Field: "sequence", Desc: true}, Limit: 1})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Sequence != 10 {
		t.Errorf("Expected single top record with sequence 10, got %+v", results)
	}
}

func TestMemory_UpdateOne(t *testing.T) {
	store := NewMemory()
	seedRecords(t, store)
	ctx := context.Background()

	matched, err := store.UpdateOne(ctx, CollStrategyPositions,
		Filter{"symbol": "ETHUSDT"},
		testRecord{Symbol: "ETHUSDT", Side: "LONG", Sequence: 1, Quantity: 1.5})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !matched {
		t.Fatal("Expected update to match")
	}

	rec, err := QueryOne[testRecord](ctx, store, CollStrategyPositions, Filter{"symbol": "ETHUSDT"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.Quantity != 1.5 {
		t.Errorf("Expected quantity 1.5 after update, got %v", rec.Quantity)
	}

	matched, err = store.UpdateOne(ctx, CollStrategyPositions, Filter{"symbol": "XRPUSDT"}, testRecord{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if matched {
		t.Error("Expected no match for unknown symbol")
	}
}

func TestMemory_UpsertOne(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	filter := Filter{"symbol": "BTCUSDT", "side": "LONG"}
	if err := store.UpsertOne(ctx, CollLeverageStatus, filter,
		testRecord{Symbol: "BTCUSDT", Side: "LONG", Quantity: 1}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := store.UpsertOne(ctx, CollLeverageStatus, filter,
		testRecord{Symbol: "BTCUSDT", Side: "LONG", Quantity: 2}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if store.Count(CollLeverageStatus) != 1 {
		t.Fatalf("Expected upsert to replace, got %d documents", store.Count(CollLeverageStatus))
	}
	rec, err := QueryOne[testRecord](ctx, store, CollLeverageStatus, filter)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.Quantity != 2 {
		t.Errorf("Expected replaced quantity 2, got %v", rec.Quantity)
	}
}

func TestMemory_DeleteOne(t *testing.T) {
	store := NewMemory()
	seedRecords(t, store)
	ctx := context.Background()

	deleted, err := store.DeleteOne(ctx, CollStrategyPositions, Filter{"symbol": "BTCUSDT"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !deleted {
		t.Fatal("Expected delete to match")
	}
	if store.Count(CollStrategyPositions) != 2 {
		t.Errorf("Expected 2 documents left, got %d", store.Count(CollStrategyPositions))
	}

	deleted, _ = store.DeleteOne(ctx, CollStrategyPositions, Filter{"symbol": "XRPUSDT"})
	if deleted {
		t.Error("Expected no match for unknown symbol")
	}
}

func TestMemory_QueryOneNotFound(t *testing.T) {
	store := NewMemory()
	_, err := QueryOne[testRecord](context.Background(), store, CollStrategyPositions, Filter{"symbol": "BTCUSDT"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemory_FailNext(t *testing.T) {
	store := NewMemory()
	injected := errors.New("connection reset")
	store.FailNext(injected)

	err := store.InsertOne(context.Background(), CollStrategyPositions, testRecord{Symbol: "BTCUSDT"})
	if !errors.Is(err, injected) {
		t.Fatalf("Expected injected error, got %v", err)
	}

	// Failure is single-shot.
	if err := store.InsertOne(context.Background(), CollStrategyPositions, testRecord{Symbol: "BTCUSDT"}); err != nil {
		t.Errorf("Expected recovery after injected failure, got %v", err)
	}
}
