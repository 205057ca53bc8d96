package aggregator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tradeengine/internal/logging"
	"tradeengine/internal/model"
)

func newTestAggregator(cfg Config) *Aggregator {
	return New(cfg, logging.Nop())
}

func entry(strategy, symbol string, action model.SignalAction, conf float64, tf model.Timeframe) *model.Signal {
	return &model.Signal{
		StrategyID:   strategy,
		Symbol:       symbol,
		Action:       action,
		Confidence:   conf,
		Strength:     model.StrengthMedium,
		Timeframe:    tf,
		CurrentPrice: 50000,
		Quantity:     0.001,
		Timestamp:    model.NewFlexTime(time.Now()),
	}
}

func TestDeterministicApproval(t *testing.T) {
	a := newTestAggregator(Config{})

	res := a.ProcessSignal(context.Background(), entry("momentum", "BTCUSDT", model.ActionBuy, 0.85, model.Timeframe1h))
	if res.Status != StatusExecuted {
		t.Fatalf("Expected executed, got %s (%s)", res.Status, res.Reason)
	}
	if res.Order == nil {
		t.Fatal("Expected order params")
	}
	if math.Abs(res.Order.Quantity-0.001*0.85) > 1e-12 {
		t.Errorf("Expected quantity scaled by confidence, got %f", res.Order.Quantity)
	}
	if res.Confidence != 0.85 {
		t.Errorf("Expected confidence 0.85, got %f", res.Confidence)
	}
	if a.ActiveSignalCount() != 1 {
		t.Errorf("Expected 1 stored signal, got %d", a.ActiveSignalCount())
	}
}

func TestDeterministicLowConfidence(t *testing.T) {
	a := newTestAggregator(Config{})

	res := a.ProcessSignal(context.Background(), entry("momentum", "BTCUSDT", model.ActionBuy, 0.55, model.Timeframe1h))
	if res.Status != StatusRejected {
		t.Fatalf("Expected rejected, got %s", res.Status)
	}
	if a.ActiveSignalCount() != 0 {
		t.Errorf("Rejected signal must not be stored, got %d", a.ActiveSignalCount())
	}
}

func TestExpiredSignal(t *testing.T) {
	a := newTestAggregator(Config{MaxSignalAge: time.Minute})

	sig := entry("momentum", "BTCUSDT", model.ActionBuy, 0.85, model.Timeframe1h)
	sig.Timestamp = model.NewFlexTime(time.Now().Add(-5 * time.Minute))
	res := a.ProcessSignal(context.Background(), sig)
	if res.Status != StatusExpired {
		t.Fatalf("Expected expired, got %s", res.Status)
	}
}

func TestMalformedSignalRejected(t *testing.T) {
	a := newTestAggregator(Config{})

	sig := entry("", "BTCUSDT", model.ActionBuy, 0.85, model.Timeframe1h)
	if res := a.ProcessSignal(context.Background(), sig); res.Status != StatusRejected {
		t.Errorf("Expected rejected for missing strategy, got %s", res.Status)
	}
}

func TestNonEntryActionRejected(t *testing.T) {
	a := newTestAggregator(Config{})

	res := a.ProcessSignal(context.Background(), entry("momentum", "BTCUSDT", model.ActionHold, 0.9, model.Timeframe1h))
	if res.Status != StatusRejected {
		t.Fatalf("Expected rejected, got %s", res.Status)
	}
}

type fakeRisk struct{ err error }

func (f fakeRisk) CheckSignal(context.Context, *model.Signal) error { return f.err }

func TestRiskGate(t *testing.T) {
	a := newTestAggregator(Config{})
	a.SetRiskChecker(fakeRisk{err: errors.New("portfolio exposure limit reached")})

	res := a.ProcessSignal(context.Background(), entry("momentum", "BTCUSDT", model.ActionBuy, 0.85, model.Timeframe1h))
	if res.Status != StatusRejected {
		t.Fatalf("Expected rejected, got %s", res.Status)
	}

	a.SetRiskChecker(fakeRisk{})
	res = a.ProcessSignal(context.Background(), entry("momentum", "BTCUSDT", model.ActionBuy, 0.85, model.Timeframe1h))
	if res.Status != StatusExecuted {
		t.Errorf("Expected executed once risk passes, got %s (%s)", res.Status, res.Reason)
	}
}

func TestSameDirectionSignalsStack(t *testing.T) {
	a := newTestAggregator(Config{})

	first := a.ProcessSignal(context.Background(), entry("strategy-a", "BTCUSDT", model.ActionBuy, 0.8, model.Timeframe1h))
	second := a.ProcessSignal(context.Background(), entry("strategy-b", "BTCUSDT", model.ActionBuy, 0.7, model.Timeframe1h))
	if first.Status != StatusExecuted || second.Status != StatusExecuted {
		t.Fatalf("Expected both executed, got %s / %s", first.Status, second.Status)
	}
	if second.Conflicts != 0 {
		t.Errorf("Same-direction signals must not conflict, got %d", second.Conflicts)
	}
	if a.ActiveSignalCount() != 2 {
		t.Errorf("Expected 2 stored signals, got %d", a.ActiveSignalCount())
	}
}

func TestHigherTimeframeWins(t *testing.T) {
	a := newTestAggregator(Config{Policy: PolicyHigherTimeframeWins})

	active := a.ProcessSignal(context.Background(), entry("trend", "ETHUSDT", model.ActionBuy, 0.70, model.Timeframe1h))
	if active.Status != StatusExecuted {
		t.Fatalf("Setup signal not executed: %s (%s)", active.Status, active.Reason)
	}

	incoming := a.ProcessSignal(context.Background(), entry("reversal", "ETHUSDT", model.ActionSell, 0.65, model.Timeframe4h))
	if incoming.Status != StatusExecuted {
		t.Fatalf("Expected higher timeframe to win, got %s (%s)", incoming.Status, incoming.Reason)
	}
	if incoming.Conflicts != 1 {
		t.Errorf("Expected 1 conflict, got %d", incoming.Conflicts)
	}
	if a.ActiveSignalCount() != 1 {
		t.Errorf("Expected losing signal displaced, got %d stored", a.ActiveSignalCount())
	}
}

func TestLowerTimeframeLoses(t *testing.T) {
	a := newTestAggregator(Config{Policy: PolicyHigherTimeframeWins})

	a.ProcessSignal(context.Background(), entry("trend", "ETHUSDT", model.ActionBuy, 0.70, model.Timeframe4h))
	res := a.ProcessSignal(context.Background(), entry("scalp", "ETHUSDT", model.ActionSell, 0.95, model.Timeframe1m))
	if res.Status != StatusRejected {
		t.Fatalf("Expected rejected, got %s", res.Status)
	}
	if res.Reason != "conflict:higher_timeframe_wins" {
		t.Errorf("Unexpected reason %q", res.Reason)
	}
	if a.ActiveSignalCount() != 1 {
		t.Errorf("Incumbent must survive, got %d stored", a.ActiveSignalCount())
	}
}

func TestStrongestWins(t *testing.T) {
	a := newTestAggregator(Config{Policy: PolicyStrongestWins})

	a.ProcessSignal(context.Background(), entry("incumbent", "BTCUSDT", model.ActionSell, 0.70, model.Timeframe1h))

	strong := entry("challenger", "BTCUSDT", model.ActionBuy, 0.90, model.Timeframe1h)
	strong.Strength = model.StrengthStrong
	res := a.ProcessSignal(context.Background(), strong)
	if res.Status != StatusExecuted {
		t.Fatalf("Expected stronger signal to win, got %s (%s)", res.Status, res.Reason)
	}
	if a.ActiveSignalCount() != 1 {
		t.Errorf("Expected incumbent displaced, got %d stored", a.ActiveSignalCount())
	}
}

func TestStrongestWinsIncumbentHolds(t *testing.T) {
	a := newTestAggregator(Config{Policy: PolicyStrongestWins})

	a.ProcessSignal(context.Background(), entry("incumbent", "BTCUSDT", model.ActionSell, 0.70, model.Timeframe1h))

	weak := entry("challenger", "BTCUSDT", model.ActionBuy, 0.65, model.Timeframe1h)
	weak.Strength = model.StrengthWeak
	res := a.ProcessSignal(context.Background(), weak)
	if res.Status != StatusRejected {
		t.Fatalf("Expected weaker signal rejected, got %s", res.Status)
	}
	if res.Reason != "conflict:strongest_wins" {
		t.Errorf("Unexpected reason %q", res.Reason)
	}
}

func TestFirstComeFirstServed(t *testing.T) {
	a := newTestAggregator(Config{Policy: PolicyFirstComeFirstServed})

	a.ProcessSignal(context.Background(), entry("incumbent", "BTCUSDT", model.ActionSell, 0.70, model.Timeframe1h))
	res := a.ProcessSignal(context.Background(), entry("challenger", "BTCUSDT", model.ActionBuy, 0.99, model.Timeframe1d))
	if res.Status != StatusRejected {
		t.Fatalf("Expected incumbent to hold, got %s", res.Status)
	}
}

func TestManualReviewParksSignal(t *testing.T) {
	a := newTestAggregator(Config{Policy: PolicyManualReview})

	a.ProcessSignal(context.Background(), entry("incumbent", "BTCUSDT", model.ActionSell, 0.70, model.Timeframe1h))
	res := a.ProcessSignal(context.Background(), entry("challenger", "BTCUSDT", model.ActionBuy, 0.90, model.Timeframe1h))
	if res.Status != StatusPendingReview {
		t.Fatalf("Expected pending_review, got %s", res.Status)
	}
	if a.ActiveSignalCount() != 1 {
		t.Errorf("Parked signal must not be stored, got %d", a.ActiveSignalCount())
	}
}

func TestWeightedAverageConsensus(t *testing.T) {
	a := newTestAggregator(Config{Policy: PolicyWeightedAverage})

	a.ProcessSignal(context.Background(), entry("incumbent", "BTCUSDT", model.ActionSell, 0.60, model.Timeframe1h))

	strong := entry("challenger", "BTCUSDT", model.ActionBuy, 0.90, model.Timeframe1h)
	strong.Strength = model.StrengthStrong
	res := a.ProcessSignal(context.Background(), strong)
	if res.Status != StatusExecuted {
		t.Fatalf("Expected consensus to favour buy, got %s (%s)", res.Status, res.Reason)
	}
	if a.ActiveSignalCount() != 2 {
		t.Errorf("Consensus keeps opposing actives, got %d stored", a.ActiveSignalCount())
	}
}

func TestWeightedAverageHoldBand(t *testing.T) {
	a := newTestAggregator(Config{Policy: PolicyWeightedAverage})

	a.ProcessSignal(context.Background(), entry("incumbent", "BTCUSDT", model.ActionSell, 0.60, model.Timeframe1h))
	res := a.ProcessSignal(context.Background(), entry("challenger", "BTCUSDT", model.ActionBuy, 0.70, model.Timeframe1h))
	if res.Status != StatusRejected {
		t.Fatalf("Expected hold band to reject, got %s", res.Status)
	}
	if res.Reason != "conflict:weighted_average" {
		t.Errorf("Unexpected reason %q", res.Reason)
	}
}

func TestWeightedAverageSurvivorVeto(t *testing.T) {
	a := newTestAggregator(Config{Policy: PolicyWeightedAverage})

	weakSell := entry("incumbent", "BTCUSDT", model.ActionSell, 0.95, model.Timeframe1h)
	weakSell.Strength = model.StrengthWeak
	if res := a.ProcessSignal(context.Background(), weakSell); res.Status != StatusExecuted {
		t.Fatalf("Setup signal not executed: %s (%s)", res.Status, res.Reason)
	}

	strongBuy := entry("challenger", "BTCUSDT", model.ActionBuy, 0.90, model.Timeframe1h)
	strongBuy.Strength = model.StrengthStrong
	res := a.ProcessSignal(context.Background(), strongBuy)
	if res.Status != StatusRejected {
		t.Fatalf("Surviving higher-confidence opposition must veto, got %s", res.Status)
	}
}

func TestStrategyWeightTipsArbitration(t *testing.T) {
	a := newTestAggregator(Config{
		Policy:          PolicyStrongestWins,
		StrategyWeights: map[string]float64{"trusted": 2.0},
	})

	a.ProcessSignal(context.Background(), entry("incumbent", "BTCUSDT", model.ActionSell, 0.80, model.Timeframe1h))
	res := a.ProcessSignal(context.Background(), entry("trusted", "BTCUSDT", model.ActionBuy, 0.70, model.Timeframe1h))
	if res.Status != StatusExecuted {
		t.Fatalf("Expected weighted strategy to win, got %s (%s)", res.Status, res.Reason)
	}
}

func TestMLLightHeuristic(t *testing.T) {
	a := newTestAggregator(Config{})

	sig := entry("ml-strat", "BTCUSDT", model.ActionBuy, 0.80, model.Timeframe1h)
	sig.StrategyMode = model.ModeMLLight
	res := a.ProcessSignal(context.Background(), sig)
	if res.Status != StatusExecuted {
		t.Fatalf("Expected executed, got %s (%s)", res.Status, res.Reason)
	}
	if math.Abs(res.Confidence-0.80) > 1e-9 {
		t.Errorf("Heuristic should echo signal confidence without indicators, got %f", res.Confidence)
	}

	weak := entry("ml-strat", "ETHUSDT", model.ActionBuy, 0.40, model.Timeframe1h)
	weak.StrategyMode = model.ModeMLLight
	res = a.ProcessSignal(context.Background(), weak)
	if res.Status != StatusRejected {
		t.Fatalf("Expected model floor to reject, got %s", res.Status)
	}
}

type fakeModel struct {
	pred ModelPrediction
	err  error
}

func (f fakeModel) Predict(context.Context, FeatureVector) (ModelPrediction, error) {
	return f.pred, f.err
}

func TestMLLightModelErrorSurfacesAsError(t *testing.T) {
	a := newTestAggregator(Config{})
	a.SetModel(fakeModel{err: errors.New("model service unreachable")})

	sig := entry("ml-strat", "BTCUSDT", model.ActionBuy, 0.80, model.Timeframe1h)
	sig.StrategyMode = model.ModeMLLight
	res := a.ProcessSignal(context.Background(), sig)
	if res.Status != StatusError {
		t.Fatalf("Expected error status, got %s", res.Status)
	}
}

func TestMLLightModelDisagreementRejects(t *testing.T) {
	a := newTestAggregator(Config{})
	a.SetModel(fakeModel{pred: ModelPrediction{Action: model.ActionSell, Confidence: 0.9}})

	sig := entry("ml-strat", "BTCUSDT", model.ActionBuy, 0.80, model.Timeframe1h)
	sig.StrategyMode = model.ModeMLLight
	res := a.ProcessSignal(context.Background(), sig)
	if res.Status != StatusRejected {
		t.Fatalf("Expected rejected on direction disagreement, got %s", res.Status)
	}
}

type fakeOracle struct {
	verdict ReasoningVerdict
	err     error
}

func (f fakeOracle) Evaluate(context.Context, ReasoningContext) (ReasoningVerdict, error) {
	return f.verdict, f.err
}

func TestLLMOracleDisabledByDefault(t *testing.T) {
	a := newTestAggregator(Config{})

	sig := entry("llm-strat", "BTCUSDT", model.ActionBuy, 0.80, model.Timeframe1h)
	sig.StrategyMode = model.ModeLLMReasoning
	res := a.ProcessSignal(context.Background(), sig)
	if res.Status != StatusError {
		t.Fatalf("Expected error without oracle, got %s", res.Status)
	}
}

func TestLLMApprovalDampsSize(t *testing.T) {
	a := newTestAggregator(Config{})
	a.SetOracle(fakeOracle{verdict: ReasoningVerdict{Approved: true, Confidence: 0.95}})

	sig := entry("llm-strat", "BTCUSDT", model.ActionBuy, 0.80, model.Timeframe1h)
	sig.StrategyMode = model.ModeLLMReasoning
	sig.PositionSizePct = 0.10
	res := a.ProcessSignal(context.Background(), sig)
	if res.Status != StatusExecuted {
		t.Fatalf("Expected executed, got %s (%s)", res.Status, res.Reason)
	}
	if math.Abs(res.Order.Quantity-0.001*0.8) > 1e-12 {
		t.Errorf("Expected size damped to 0.8 cap, got quantity %f", res.Order.Quantity)
	}
	if math.Abs(res.Order.PositionSizePct-0.10*0.8) > 1e-12 {
		t.Errorf("Expected size pct damped to 0.8 cap, got %f", res.Order.PositionSizePct)
	}
	if res.Confidence != 0.95 {
		t.Errorf("Expected verdict confidence surfaced, got %f", res.Confidence)
	}
}

func TestLLMRejectionCarriesReasoning(t *testing.T) {
	a := newTestAggregator(Config{})
	a.SetOracle(fakeOracle{verdict: ReasoningVerdict{Approved: false, Reasoning: "choppy market, no edge"}})

	sig := entry("llm-strat", "BTCUSDT", model.ActionBuy, 0.80, model.Timeframe1h)
	sig.StrategyMode = model.ModeLLMReasoning
	res := a.ProcessSignal(context.Background(), sig)
	if res.Status != StatusRejected {
		t.Fatalf("Expected rejected, got %s", res.Status)
	}
	if res.Reason != "choppy market, no edge" {
		t.Errorf("Unexpected reason %q", res.Reason)
	}
}

func TestEvictStale(t *testing.T) {
	a := newTestAggregator(Config{Retention: time.Hour})

	fresh := a.ProcessSignal(context.Background(), entry("momentum", "BTCUSDT", model.ActionBuy, 0.85, model.Timeframe1h))
	if fresh.Status != StatusExecuted {
		t.Fatalf("Setup signal not executed: %s", fresh.Status)
	}

	old := entry("stale", "ETHUSDT", model.ActionBuy, 0.9, model.Timeframe1h)
	old.Timestamp = model.NewFlexTime(time.Now().Add(-2 * time.Hour))
	a.mu.Lock()
	a.stored[old.Key()] = &storedSignal{key: old.Key(), sig: old, storedAt: time.Now().Add(-2 * time.Hour)}
	a.mu.Unlock()

	a.evictStale()
	if a.ActiveSignalCount() != 1 {
		t.Errorf("Expected stale signal evicted, got %d stored", a.ActiveSignalCount())
	}
}

func TestCallerSignalNotMutated(t *testing.T) {
	a := newTestAggregator(Config{})

	sig := entry("momentum", "btcusdt", model.ActionBuy, 0.85, model.Timeframe1h)
	a.ProcessSignal(context.Background(), sig)
	if sig.Symbol != "btcusdt" {
		t.Errorf("Caller signal mutated: symbol %q", sig.Symbol)
	}
}
