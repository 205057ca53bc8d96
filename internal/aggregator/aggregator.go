// Package aggregator arbitrates inbound strategy signals: validation,
// expiry, portfolio risk, per-mode evaluation, and conflict resolution
// against opposing active signals on the same symbol.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeengine/internal/model"
)

// Status is the outcome class of signal processing.
type Status string

const (
	StatusExecuted      Status = "executed"
	StatusRejected      Status = "rejected"
	StatusPendingReview Status = "pending_review"
	StatusExpired       Status = "expired"
	StatusDuplicate     Status = "duplicate"
	StatusError         Status = "error"
)

// OrderParams carries the processor-adjusted sizing for an approved
// signal. The dispatcher turns this into a venue order.
type OrderParams struct {
	Action          model.SignalAction `json:"action"`
	OrderType       model.OrderType    `json:"order_type"`
	Quantity        float64            `json:"quantity"`
	PositionSizePct float64            `json:"position_size_pct"`
}

// Result is the structured verdict on one signal.
type Result struct {
	Status     Status           `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Order      *OrderParams     `json:"order_params,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Policy     ResolutionPolicy `json:"policy,omitempty"`
	Conflicts  int              `json:"conflicts,omitempty"`
}

// RiskChecker is the portfolio-level pre-trade gate consulted before
// mode processing. A nil error passes.
type RiskChecker interface {
	CheckSignal(ctx context.Context, sig *model.Signal) error
}

// Config tunes the aggregation pipeline.
type Config struct {
	// MaxSignalAge rejects stale signals outright.
	MaxSignalAge time.Duration
	// Policy arbitrates opposing active signals.
	Policy ResolutionPolicy
	// StrategyWeights scale arbitration scores per strategy id.
	// Unlisted strategies weigh 1.0.
	StrategyWeights map[string]float64
	// Retention bounds how long approved signals stay active for
	// conflict context.
	Retention time.Duration
	// SweepInterval is the stored-signal sweeper cadence.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSignalAge <= 0 {
		c.MaxSignalAge = 5 * time.Minute
	}
	if !c.Policy.Valid() {
		c.Policy = PolicyStrongestWins
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

const (
	deterministicMinConfidence = 0.6
	modelMinConfidence         = 0.5
	oracleSizeDampCap          = 0.8
)

// storedSignal is an approved signal retained for conflict context.
// Entries are immutable after insert; the map is the only shared state.
type storedSignal struct {
	key            string
	sig            *model.Signal
	score          float64
	timeframeScore float64
	storedAt       time.Time
}

// candidate wraps the incoming signal with its arbitration scores.
type candidate struct {
	sig            *model.Signal
	score          float64
	timeframeScore float64
}

// Aggregator evaluates signals one at a time per caller; internal state
// is guarded so concurrent callers are safe.
type Aggregator struct {
	cfg     Config
	risk    RiskChecker
	mlModel MLModel
	oracle  ReasoningOracle
	log     zerolog.Logger

	mu     sync.RWMutex
	stored map[string]*storedSignal

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger zerolog.Logger) *Aggregator {
	cfg.applyDefaults()
	return &Aggregator{
		cfg:     cfg,
		mlModel: heuristicModel{},
		oracle:  disabledOracle{},
		log:     logger.With().Str("component", "SignalAggregator").Logger(),
		stored:  make(map[string]*storedSignal),
	}
}

// SetRiskChecker wires the portfolio-level risk gate.
func (a *Aggregator) SetRiskChecker(rc RiskChecker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.risk = rc
}

// SetModel replaces the built-in heuristic model.
func (a *Aggregator) SetModel(m MLModel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m != nil {
		a.mlModel = m
	}
}

// SetOracle wires a reasoning oracle for llm_reasoning signals.
func (a *Aggregator) SetOracle(o ReasoningOracle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o != nil {
		a.oracle = o
	}
}

// Start launches the stored-signal sweeper.
func (a *Aggregator) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.sweepLoop(sweepCtx)
	a.log.Info().
		Str("policy", string(a.cfg.Policy)).
		Dur("max_signal_age", a.cfg.MaxSignalAge).
		Msg("Signal aggregator started")
}

// Stop cancels the sweeper and waits for it to exit.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// ProcessSignal runs the full pipeline. The verdict is always a value;
// infrastructure faults surface as StatusError inside it. The caller's
// signal is not mutated.
func (a *Aggregator) ProcessSignal(ctx context.Context, sig *model.Signal) *Result {
	cp := *sig
	sig = &cp
	sig.Normalize()
	if err := sig.Validate(); err != nil {
		return &Result{Status: StatusRejected, Reason: err.Error()}
	}

	if age := sig.Age(time.Now()); age > a.cfg.MaxSignalAge {
		return &Result{
			Status: StatusExpired,
			Reason: fmt.Sprintf("signal age %.1fs exceeds limit %.0fs", age.Seconds(), a.cfg.MaxSignalAge.Seconds()),
		}
	}

	if sig.Action != model.ActionBuy && sig.Action != model.ActionSell {
		return &Result{Status: StatusRejected, Reason: fmt.Sprintf("action %q is not an entry", sig.Action)}
	}

	a.mu.RLock()
	risk := a.risk
	a.mu.RUnlock()
	if risk != nil {
		if err := risk.CheckSignal(ctx, sig); err != nil {
			return &Result{Status: StatusRejected, Reason: "risk: " + err.Error()}
		}
	}

	w := a.strategyWeight(sig.StrategyID)
	in := &candidate{
		sig:            sig,
		score:          sig.BaseStrength(w),
		timeframeScore: sig.TimeframeStrength(w),
	}
	conflicts := a.activeConflicts(sig)

	arb := a.resolve(in, conflicts)
	if arb.pending {
		a.log.Info().
			Str("strategy", sig.StrategyID).
			Str("symbol", sig.Symbol).
			Int("conflicts", len(conflicts)).
			Msg("Signal parked for manual review")
		return &Result{
			Status:    StatusPendingReview,
			Reason:    "conflicting signals require manual review",
			Policy:    a.cfg.Policy,
			Conflicts: len(conflicts),
		}
	}
	if !arb.allowed {
		a.log.Info().
			Str("strategy", sig.StrategyID).
			Str("symbol", sig.Symbol).
			Str("policy", string(a.cfg.Policy)).
			Int("conflicts", len(conflicts)).
			Msg("Signal lost arbitration")
		return &Result{Status: StatusRejected, Reason: arb.reason, Policy: a.cfg.Policy, Conflicts: len(conflicts)}
	}

	// Processors only ever see conflicts that survived arbitration, so
	// a displaced active cannot re-veto the policy winner.
	surviving := survivors(conflicts, arb.displaced)

	var (
		order *OrderParams
		conf  float64
		rej   *Result
	)
	switch sig.StrategyMode {
	case model.ModeMLLight:
		order, conf, rej = a.processMLLight(ctx, sig, surviving)
	case model.ModeLLMReasoning:
		order, conf, rej = a.processLLM(ctx, sig, surviving)
	default:
		order, conf, rej = a.processDeterministic(sig, surviving)
	}
	if rej != nil {
		rej.Policy = a.cfg.Policy
		rej.Conflicts = len(conflicts)
		return rej
	}

	a.commit(in, arb.displaced)
	return &Result{
		Status:     StatusExecuted,
		Order:      order,
		Confidence: conf,
		Policy:     a.cfg.Policy,
		Conflicts:  len(conflicts),
	}
}

// ActiveSignalCount reports how many approved signals are retained.
func (a *Aggregator) ActiveSignalCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.stored)
}

func (a *Aggregator) strategyWeight(strategyID string) float64 {
	if w, ok := a.cfg.StrategyWeights[strategyID]; ok && w > 0 {
		return w
	}
	return 1.0
}

func survivors(conflicts []*storedSignal, displaced []string) []*storedSignal {
	if len(displaced) == 0 {
		return conflicts
	}
	drop := make(map[string]struct{}, len(displaced))
	for _, k := range displaced {
		drop[k] = struct{}{}
	}
	kept := make([]*storedSignal, 0, len(conflicts))
	for _, c := range conflicts {
		if _, gone := drop[c.key]; !gone {
			kept = append(kept, c)
		}
	}
	return kept
}

// activeConflicts lists retained signals on the same symbol pointing
// the opposite way. Same-direction signals stack rather than conflict;
// in hedge mode each direction books its own position.
func (a *Aggregator) activeConflicts(sig *model.Signal) []*storedSignal {
	now := time.Now()
	dir := sig.Action.Direction()
	key := sig.Key()

	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*storedSignal
	for _, s := range a.stored {
		if s.sig.Symbol != sig.Symbol || s.key == key {
			continue
		}
		if s.sig.Age(now) > a.cfg.Retention {
			continue
		}
		if s.sig.Action.Direction()*dir >= 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}

// commit stores the approved signal and drops the actives it displaced.
func (a *Aggregator) commit(in *candidate, displaced []string) {
	cp := *in.sig
	key := cp.Key()

	a.mu.Lock()
	for _, k := range displaced {
		delete(a.stored, k)
	}
	a.stored[key] = &storedSignal{
		key:            key,
		sig:            &cp,
		score:          in.score,
		timeframeScore: in.timeframeScore,
		storedAt:       time.Now(),
	}
	a.mu.Unlock()

	if len(displaced) > 0 {
		a.log.Info().
			Str("key", key).
			Int("displaced", len(displaced)).
			Msg("Winning signal displaced opposing actives")
	}
}

func (a *Aggregator) sweepLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.evictStale()
		}
	}
}

func (a *Aggregator) evictStale() {
	cutoff := time.Now().Add(-a.cfg.Retention)
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, s := range a.stored {
		if s.sig.Timestamp.Before(cutoff) {
			delete(a.stored, key)
		}
	}
}
