package tradingconfig

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeengine/internal/datastore"
	"tradeengine/internal/logging"
)

func newTestResolver(ttl time.Duration) (*Resolver, *datastore.Memory) {
	store := datastore.NewMemory()
	return NewResolver(store, logging.Nop(), ttl), store
}

func mustSet(t *testing.T, r *Resolver, params Parameters, symbol, side string) *TradingConfig {
	t.Helper()
	res, err := r.SetConfig(context.Background(), SetRequest{
		Parameters: params,
		ChangedBy:  "test",
		Symbol:     symbol,
		Side:       side,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("Expected OK set, got validation errors: %v", res.Errors)
	}
	return res.Config
}

func TestResolver_DefaultsWhenEmpty(t *testing.T) {
	r, _ := newTestResolver(0)

	params, err := r.GetConfig(context.Background(), "BTCUSDT", "LONG")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if lv, _ := params.Int(KeyLeverage); lv != 10 {
		t.Errorf("Expected default leverage 10, got %d", lv)
	}
	if pct, _ := params.Float(KeyPositionSizePct); pct != 0.05 {
		t.Errorf("Expected default position size 0.05, got %v", pct)
	}
}

func TestResolver_LayerPrecedence(t *testing.T) {
	r, _ := newTestResolver(0)
	ctx := context.Background()

	mustSet(t, r, Parameters{KeyLeverage: 20, KeyStopLossPct: 0.05}, "", "")
	mustSet(t, r, Parameters{KeyLeverage: 15, KeyStopLossPct: 0.03}, "BTCUSDT", "")
	mustSet(t, r, Parameters{KeyTakeProfitPct: 0.10}, "BTCUSDT", "LONG")

	params, err := r.GetConfig(ctx, "BTCUSDT", "LONG")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if lv, _ := params.Int(KeyLeverage); lv != 15 {
		t.Errorf("Expected symbol layer to override global, got leverage %d", lv)
	}
	if sl, _ := params.Float(KeyStopLossPct); sl != 0.03 {
		t.Errorf("Expected stop loss 0.03, got %v", sl)
	}
	if tp, _ := params.Float(KeyTakeProfitPct); tp != 0.10 {
		t.Errorf("Expected side layer take profit 0.10, got %v", tp)
	}
	// Untouched keys fall through to defaults.
	if ps, _ := params.Float(KeyPositionSizePct); ps != 0.05 {
		t.Errorf("Expected default position size, got %v", ps)
	}

	// The SHORT shape sees the symbol layer but not the LONG side layer.
	params, err = r.GetConfig(ctx, "BTCUSDT", "SHORT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tp, _ := params.Float(KeyTakeProfitPct); tp != 0.05 {
		t.Errorf("Expected default take profit for SHORT, got %v", tp)
	}

	// A different symbol sees only the global layer.
	params, err = r.GetConfig(ctx, "ETHUSDT", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if lv, _ := params.Int(KeyLeverage); lv != 20 {
		t.Errorf("Expected global leverage 20 for ETHUSDT, got %d", lv)
	}
}

func TestResolver_VersionIncrementsPerScope(t *testing.T) {
	r, _ := newTestResolver(0)

	cfg := mustSet(t, r, Parameters{KeyLeverage: 20}, "", "")
	if cfg.Version != 1 {
		t.Errorf("Expected version 1, got %d", cfg.Version)
	}
	cfg = mustSet(t, r, Parameters{KeyLeverage: 25}, "", "")
	if cfg.Version != 2 {
		t.Errorf("Expected version 2, got %d", cfg.Version)
	}

	// A different scope starts its own version sequence.
	cfg = mustSet(t, r, Parameters{KeyLeverage: 5}, "BTCUSDT", "")
	if cfg.Version != 1 {
		t.Errorf("Expected independent version 1 for symbol scope, got %d", cfg.Version)
	}
}

func TestResolver_AuditTrail(t *testing.T) {
	r, _ := newTestResolver(0)
	ctx := context.Background()

	mustSet(t, r, Parameters{KeyLeverage: 20}, "", "")
	mustSet(t, r, Parameters{KeyLeverage: 25}, "", "")
	if err := r.DeleteConfig(ctx, "admin", "", "", "cleanup"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	trail, err := r.AuditTrail(ctx, 10)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("Expected 3 audit records, got %d", len(trail))
	}

	var sets, deletes int
	for _, rec := range trail {
		if rec.AuditID == "" {
			t.Error("Expected audit id on every record")
		}
		switch rec.Action {
		case "set":
			sets++
		case "delete":
			deletes++
		}
	}
	if sets != 2 || deletes != 1 {
		t.Errorf("Expected 2 sets and 1 delete, got %d/%d", sets, deletes)
	}

	// The second set must carry before/after with the version bump.
	var second *AuditRecord
	for i := range trail {
		if trail[i].Action == "set" && trail[i].VersionAfter == 2 {
			second = &trail[i]
		}
	}
	if second == nil {
		t.Fatal("Expected audit record for version 2")
	}
	if second.VersionBefore != 1 {
		t.Errorf("Expected version_before 1, got %d", second.VersionBefore)
	}
	if lv, _ := second.Before.Int(KeyLeverage); lv != 20 {
		t.Errorf("Expected before leverage 20, got %d", lv)
	}
	if lv, _ := second.After.Int(KeyLeverage); lv != 25 {
		t.Errorf("Expected after leverage 25, got %d", lv)
	}
}

func TestResolver_ValidationRejects(t *testing.T) {
	r, store := newTestResolver(0)

	res, err := r.SetConfig(context.Background(), SetRequest{
		Parameters: Parameters{KeyLeverage: 200},
		ChangedBy:  "test",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("Expected validation failure")
	}
	if len(res.Errors) != 1 || res.Errors[0].Key != KeyLeverage {
		t.Errorf("Expected leverage violation, got %v", res.Errors)
	}
	if store.Count(datastore.CollGlobalConfig) != 0 {
		t.Error("Expected nothing persisted on validation failure")
	}
	if store.Count(datastore.CollConfigAudit) != 0 {
		t.Error("Expected no audit record on validation failure")
	}
}

func TestResolver_ValidateOnlyDoesNotPersist(t *testing.T) {
	r, store := newTestResolver(0)

	res, err := r.SetConfig(context.Background(), SetRequest{
		Parameters:   Parameters{KeyLeverage: 50},
		ChangedBy:    "test",
		ValidateOnly: true,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("Expected OK, got %v", res.Errors)
	}
	if store.Count(datastore.CollGlobalConfig) != 0 {
		t.Error("Expected validate-only to skip persistence")
	}
}

func TestResolver_DeleteFallsBack(t *testing.T) {
	r, _ := newTestResolver(0)
	ctx := context.Background()

	mustSet(t, r, Parameters{KeyLeverage: 3}, "BTCUSDT", "")
	params, _ := r.GetConfig(ctx, "BTCUSDT", "")
	if lv, _ := params.Int(KeyLeverage); lv != 3 {
		t.Fatalf("Expected symbol leverage 3, got %d", lv)
	}

	if err := r.DeleteConfig(ctx, "admin", "BTCUSDT", "", "reset"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	params, _ = r.GetConfig(ctx, "BTCUSDT", "")
	if lv, _ := params.Int(KeyLeverage); lv != 10 {
		t.Errorf("Expected fallback to default leverage, got %d", lv)
	}
}

func TestResolver_DeleteUnknown(t *testing.T) {
	r, _ := newTestResolver(0)
	err := r.DeleteConfig(context.Background(), "admin", "XRPUSDT", "", "")
	if !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("Expected ErrConfigNotFound, got %v", err)
	}
}

func TestResolver_SideWithoutSymbol(t *testing.T) {
	r, _ := newTestResolver(0)
	_, err := r.SetConfig(context.Background(), SetRequest{
		Parameters: Parameters{KeyLeverage: 10},
		ChangedBy:  "test",
		Side:       "LONG",
	})
	if err == nil {
		t.Error("Expected error for side without symbol")
	}
}

func TestResolver_CacheServesUntilInvalidated(t *testing.T) {
	r, store := newTestResolver(time.Hour)
	ctx := context.Background()

	mustSet(t, r, Parameters{KeyLeverage: 20}, "BTCUSDT", "")
	if _, err := r.GetConfig(ctx, "BTCUSDT", ""); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Mutate storage behind the resolver's back; the cached view must
	// keep serving.
	if err := store.UpsertOne(ctx, datastore.CollSymbolConfig,
		datastore.Filter{"scope": "symbol", "symbol": "BTCUSDT"},
		TradingConfig{Scope: ScopeSymbol, Symbol: "BTCUSDT",
			Parameters: Parameters{KeyLeverage: 99}, Version: 7}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	params, _ := r.GetConfig(ctx, "BTCUSDT", "")
	if lv, _ := params.Int(KeyLeverage); lv != 20 {
		t.Errorf("Expected cached leverage 20, got %d", lv)
	}

	r.InvalidateCache("BTCUSDT", "")
	params, _ = r.GetConfig(ctx, "BTCUSDT", "")
	if lv, _ := params.Int(KeyLeverage); lv != 99 {
		t.Errorf("Expected fresh leverage 99 after invalidation, got %d", lv)
	}
}

func TestResolver_CacheExpiresByTTL(t *testing.T) {
	r, store := newTestResolver(20 * time.Millisecond)
	ctx := context.Background()

	mustSet(t, r, Parameters{KeyLeverage: 20}, "BTCUSDT", "")
	if _, err := r.GetConfig(ctx, "BTCUSDT", ""); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := store.UpsertOne(ctx, datastore.CollSymbolConfig,
		datastore.Filter{"scope": "symbol", "symbol": "BTCUSDT"},
		TradingConfig{Scope: ScopeSymbol, Symbol: "BTCUSDT",
			Parameters: Parameters{KeyLeverage: 42}, Version: 2}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	params, _ := r.GetConfig(ctx, "BTCUSDT", "")
	if lv, _ := params.Int(KeyLeverage); lv != 42 {
		t.Errorf("Expected TTL expiry to refresh, got leverage %d", lv)
	}
}

func TestResolver_SweeperEvicts(t *testing.T) {
	r, _ := newTestResolver(15 * time.Millisecond)
	ctx := context.Background()

	r.Start(ctx)
	defer r.Stop()

	if _, err := r.GetConfig(ctx, "BTCUSDT", "LONG"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	r.mu.RLock()
	size := len(r.cache)
	r.mu.RUnlock()
	if size != 0 {
		t.Errorf("Expected sweeper to evict stale entries, cache has %d", size)
	}
}
