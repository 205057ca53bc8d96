// Package dispatcher is the execution front door: it deduplicates
// inbound signals, delegates arbitration, converts approved signals to
// venue orders and runs the risk/leverage/execute/ledger/bracket
// sequence under a per-position distributed lock.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeengine/internal/aggregator"
	"tradeengine/internal/events"
	"tradeengine/internal/exchange"
	"tradeengine/internal/ledger"
	"tradeengine/internal/leverage"
	"tradeengine/internal/lock"
	"tradeengine/internal/metrics"
	"tradeengine/internal/model"
	"tradeengine/internal/oco"
	"tradeengine/internal/orders"
	"tradeengine/internal/risk"
	"tradeengine/internal/tradingconfig"
)

const (
	// fallbackNotionalUSD sizes an order when venue filters are
	// unavailable.
	fallbackNotionalUSD = 10.0
	// fallbackQtyFloor is the last-resort order size when no price is
	// known either.
	fallbackQtyFloor = 0.001
	// accumRetention bounds how long idle accumulation stamps are kept.
	accumRetention = time.Hour
)

// Result is the aggregate verdict of one dispatch.
type Result struct {
	Status              aggregator.Status           `json:"status"`
	Reason              string                      `json:"reason,omitempty"`
	DuplicateAgeSeconds float64                     `json:"duplicate_age_seconds,omitempty"`
	Policy              aggregator.ResolutionPolicy `json:"policy,omitempty"`
	Conflicts           int                         `json:"conflicts,omitempty"`
	Confidence          float64                     `json:"confidence,omitempty"`
	StrategyPositionID  string                      `json:"strategy_position_id,omitempty"`
	OrderID             string                      `json:"order_id,omitempty"`
	ClientOrderID       string                      `json:"client_order_id,omitempty"`
	FillPrice           float64                     `json:"fill_price,omitempty"`
	Quantity            float64                     `json:"quantity,omitempty"`
	SLOrderID           string                      `json:"sl_order_id,omitempty"`
	TPOrderID           string                      `json:"tp_order_id,omitempty"`
	BracketError        string                      `json:"bracket_error,omitempty"`
}

// CloseOutcome summarizes one close-with-cleanup run.
type CloseOutcome struct {
	PositionKey     string  `json:"position_key"`
	ClosedQuantity  float64 `json:"closed_quantity"`
	ExitPrice       float64 `json:"exit_price"`
	Pnl             float64 `json:"pnl"`
	ClosedPositions int     `json:"closed_positions"`
	CancelledPairs  int     `json:"cancelled_pairs"`
	CloseOrderID    string  `json:"close_order_id"`
}

// OrderTracker ingests every submitted order for lifecycle tracking.
// The order manager satisfies this.
type OrderTracker interface {
	TrackOrder(ctx context.Context, order *model.Order, result *model.ExecutionResult)
}

// ConditionalPlacer accepts client-side conditional orders, which
// never go to the venue directly. The order manager satisfies this.
type ConditionalPlacer interface {
	PlaceConditional(ctx context.Context, order *model.Order) (*model.ExecutionResult, error)
}

// Config tunes dispatch behaviour.
type Config struct {
	// DuplicateTTL is how long a signal fingerprint suppresses repeats.
	DuplicateTTL time.Duration
	// CleanupInterval is the fingerprint/stamp eviction cadence.
	CleanupInterval time.Duration
	// AccumulationCooldown applies when the resolved config does not
	// carry accumulation_cooldown_sec.
	AccumulationCooldown time.Duration
	// Simulate marks orders for paper execution.
	Simulate bool
}

func (c *Config) applyDefaults() {
	if c.DuplicateTTL <= 0 {
		c.DuplicateTTL = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

// Deps are the collaborators a dispatcher drives.
type Deps struct {
	Aggregator *aggregator.Aggregator
	Resolver   *tradingconfig.Resolver
	Risk       *risk.Guard
	Leverage   *leverage.Manager
	Ledger     *ledger.Ledger
	OCO        *oco.Manager
	Exchange   exchange.Client
	Locker     lock.Locker
	Metrics    *metrics.Metrics
	Bus        *events.Bus
}

// Dispatcher wires the signal pipeline end to end. Dispatch runs per
// inbound signal; shared state is the duplicate cache and the
// accumulation stamps.
type Dispatcher struct {
	cfg      Config
	agg      *aggregator.Aggregator
	resolver *tradingconfig.Resolver
	guard    *risk.Guard
	leverage *leverage.Manager
	ledger   *ledger.Ledger
	oco      *oco.Manager
	exchange exchange.Client
	locker   lock.Locker
	metrics  *metrics.Metrics
	bus      *events.Bus
	tracker  OrderTracker
	log      zerolog.Logger

	mu        sync.Mutex
	seen      map[string]time.Time // fingerprint -> first observation
	lastAccum map[string]time.Time // position key -> last executed entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps, logger zerolog.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:       cfg,
		agg:       deps.Aggregator,
		resolver:  deps.Resolver,
		guard:     deps.Risk,
		leverage:  deps.Leverage,
		ledger:    deps.Ledger,
		oco:       deps.OCO,
		exchange:  deps.Exchange,
		locker:    deps.Locker,
		metrics:   deps.Metrics,
		bus:       deps.Bus,
		log:       logger.With().Str("component", "Dispatcher").Logger(),
		seen:      make(map[string]time.Time),
		lastAccum: make(map[string]time.Time),
	}
}

// SetOrderTracker wires the order manager. Dispatch works without one.
func (d *Dispatcher) SetOrderTracker(t OrderTracker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracker = t
}

// Start launches the duplicate-cache eviction loop.
func (d *Dispatcher) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.cleanupLoop(cctx)
	d.log.Info().
		Dur("duplicate_ttl", d.cfg.DuplicateTTL).
		Bool("simulate", d.cfg.Simulate).
		Msg("Dispatcher started")
}

// Stop cancels the eviction loop and waits for it.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Dispatch runs one signal through deduplication, arbitration and
// locked execution. The caller's signal is not mutated; the verdict is
// always a value.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *model.Signal) *Result {
	cp := *sig
	sig = &cp
	sig.Normalize()
	d.metrics.RecordSignalReceived(sig.StrategyID, sig.Symbol, string(sig.Action))

	if res := d.checkDuplicate(sig); res != nil {
		return res
	}

	verdict := d.agg.ProcessSignal(ctx, sig)
	if verdict.Status != aggregator.StatusExecuted {
		return &Result{
			Status:     verdict.Status,
			Reason:     verdict.Reason,
			Policy:     verdict.Policy,
			Conflicts:  verdict.Conflicts,
			Confidence: verdict.Confidence,
		}
	}

	side, _ := sig.Action.PositionSideFor()
	params, err := d.resolver.GetConfig(ctx, sig.Symbol, string(side))
	if err != nil {
		d.log.Error().Err(err).
			Str("symbol", sig.Symbol).
			Msg("Config resolution failed, trading on built-in defaults")
		params = tradingconfig.Defaults()
	}
	d.overlayBrackets(sig, params)

	order := d.buildOrder(ctx, sig, verdict.Order, side)

	var out *Result
	lockErr := d.locker.ExecuteWithLock(ctx, lock.PositionScope(sig.Symbol, string(side)), func(ctx context.Context) error {
		out = d.executeLocked(ctx, sig, side, params, order, verdict)
		return nil
	})
	if lockErr != nil {
		if errors.Is(lockErr, lock.ErrNotAcquired) {
			d.log.Warn().
				Str("symbol", sig.Symbol).
				Str("side", string(side)).
				Msg("Execution lock held elsewhere, signal skipped")
			return &Result{Status: aggregator.StatusRejected, Reason: "execution lock busy for " + model.PositionKey(sig.Symbol, side)}
		}
		return &Result{Status: aggregator.StatusError, Reason: lockErr.Error()}
	}
	return out
}

// executeLocked is the critical section: cooldown, risk, leverage,
// submission, ledger booking and bracket arming for one position
// bucket.
func (d *Dispatcher) executeLocked(ctx context.Context, sig *model.Signal, side model.PositionSide, params tradingconfig.Parameters, order *model.Order, verdict *aggregator.Result) *Result {
	key := model.PositionKey(sig.Symbol, side)

	if cooldown := d.cooldownFor(params); cooldown > 0 {
		d.mu.Lock()
		last, ok := d.lastAccum[key]
		d.mu.Unlock()
		if ok {
			if since := time.Since(last); since < cooldown {
				return &Result{
					Status: aggregator.StatusRejected,
					Reason: fmt.Sprintf("accumulation cooldown on %s: %.0fs remaining", key, (cooldown - since).Seconds()),
				}
			}
		}
	}

	refPrice := order.TargetPrice
	if refPrice <= 0 {
		refPrice = sig.CurrentPrice
	}
	if ok, reason := d.guard.CheckOrder(risk.Candidate{
		Symbol:   sig.Symbol,
		Side:     side,
		Quantity: order.Amount,
		Price:    refPrice,
		Limits:   limitsFrom(params),
	}); !ok {
		return &Result{Status: aggregator.StatusRejected, Reason: "risk: " + reason}
	}

	if target, ok := params.Int(tradingconfig.KeyLeverage); ok {
		if err := d.leverage.EnsureLeverage(ctx, sig.Symbol, target); err != nil {
			d.metrics.RecordOrderFailure(sig.Symbol, string(order.Type), "leverage")
			return &Result{Status: aggregator.StatusError, Reason: "leverage: " + err.Error()}
		}
	}

	res, err := d.ExecuteOrder(ctx, order)
	if err != nil {
		return &Result{Status: aggregator.StatusError, Reason: err.Error()}
	}

	out := &Result{
		Status:        aggregator.StatusExecuted,
		Confidence:    verdict.Confidence,
		Policy:        verdict.Policy,
		Conflicts:     verdict.Conflicts,
		OrderID:       res.OrderID,
		ClientOrderID: order.ClientOrderID,
		FillPrice:     res.FillPrice,
		Quantity:      res.Amount,
	}

	if !res.Filled() {
		out.Reason = "order accepted, awaiting fill"
		return out
	}

	spID, err := d.ledger.CreateStrategyPosition(ctx, sig, order, res)
	if err != nil {
		d.log.Error().Err(err).
			Str("symbol", sig.Symbol).
			Str("order_id", res.OrderID).
			Msg("Fill booked on venue but ledger create failed")
		out.Status = aggregator.StatusError
		out.Reason = "ledger: " + err.Error()
		return out
	}
	out.StrategyPositionID = spID

	d.armBrackets(ctx, order, spID, out)

	d.mu.Lock()
	d.lastAccum[key] = time.Now()
	d.mu.Unlock()

	d.log.Info().
		Str("strategy", sig.StrategyID).
		Str("key", key).
		Str("strategy_position_id", spID).
		Float64("quantity", res.Amount).
		Float64("fill_price", res.FillPrice).
		Msg("Signal executed")
	return out
}

// ExecuteOrder validates and submits one order, recording execution
// metrics and feeding the order tracker. Venue rejections surface as
// errors.
func (d *Dispatcher) ExecuteOrder(ctx context.Context, order *model.Order) (*model.ExecutionResult, error) {
	if err := order.Validate(); err != nil {
		d.metrics.RecordOrderFailure(order.Symbol, string(order.Type), "validation")
		return nil, err
	}

	if order.Type.Conditional() {
		d.mu.Lock()
		placer, ok := d.tracker.(ConditionalPlacer)
		d.mu.Unlock()
		if !ok {
			d.metrics.RecordOrderFailure(order.Symbol, string(order.Type), "validation")
			return nil, fmt.Errorf("no conditional order handler wired for type %s", order.Type)
		}
		return placer.PlaceConditional(ctx, order)
	}

	start := time.Now()
	res, err := d.exchange.Execute(ctx, order)
	d.metrics.ObserveExecutionLatency(time.Since(start).Seconds())
	if err != nil {
		d.metrics.RecordOrderFailure(order.Symbol, string(order.Type), failureReason(err))
		d.bus.PublishOrderFailed(order.Symbol, string(order.Type), string(order.Side), err.Error())
		return nil, err
	}

	d.metrics.RecordOrderExecuted(string(order.Type), string(order.Side), order.Symbol)
	d.bus.PublishOrderExecuted(res.OrderID, order.Symbol, string(order.Type), string(order.Side), res.FillPrice, res.Amount)

	d.mu.Lock()
	tracker := d.tracker
	d.mu.Unlock()
	if tracker != nil {
		tracker.TrackOrder(ctx, order, res)
	}
	return res, nil
}

// ClosePositionWithCleanup tears down one position bucket: brackets
// cancelled, a reduce-only market close submitted, then every owning
// strategy position closed oldest-first with the given reason.
func (d *Dispatcher) ClosePositionWithCleanup(ctx context.Context, symbol string, side model.PositionSide, quantity float64, reason string) (*CloseOutcome, error) {
	key := model.PositionKey(symbol, side)
	var out *CloseOutcome
	err := d.locker.ExecuteWithLock(ctx, lock.PositionScope(symbol, string(side)), func(ctx context.Context) error {
		ep, err := d.ledger.ExchangePositionByKey(key)
		if err != nil {
			return err
		}
		if ep.Status == ledger.StatusClosed || ep.CurrentQuantity <= 0 {
			return fmt.Errorf("position %s already closed", key)
		}

		qty := quantity
		if qty <= 0 || qty > ep.CurrentQuantity {
			qty = ep.CurrentQuantity
		}

		pairs := len(d.oco.PairsForKey(key))
		if err := d.oco.CancelPairsForKey(ctx, key); err != nil {
			d.log.Warn().Err(err).
				Str("key", key).
				Msg("Bracket cancel incomplete, closing anyway")
		}

		closeOrder := &model.Order{
			ClientOrderID: orders.NewClientOrderID(orders.RoleClose),
			Symbol:        symbol,
			Side:          side.CloseSide(),
			Type:          model.OrderTypeMarket,
			Amount:        qty,
			PositionSide:  side,
			ReduceOnly:    true,
			Simulate:      d.cfg.Simulate,
			CreatedAt:     time.Now().UTC(),
		}
		res, err := d.ExecuteOrder(ctx, closeOrder)
		if err != nil {
			return fmt.Errorf("close order: %w", err)
		}

		exitPrice := res.FillPrice
		if exitPrice <= 0 {
			if p, perr := d.exchange.GetSymbolPrice(ctx, symbol); perr == nil {
				exitPrice = p
			}
		}

		sps := d.ledger.OpenStrategyPositions(symbol, side)
		sort.Slice(sps, func(i, j int) bool { return sps[i].EntryTime.Before(sps[j].EntryTime) })

		out = &CloseOutcome{
			PositionKey:    key,
			ExitPrice:      exitPrice,
			CancelledPairs: pairs,
			CloseOrderID:   res.OrderID,
		}
		remaining := qty
		for i := range sps {
			if remaining <= 1e-9 {
				break
			}
			take := math.Min(sps[i].RemainingQuantity, remaining)
			cres, cerr := d.ledger.CloseStrategyPosition(ctx, ledger.CloseRequest{
				StrategyPositionID: sps[i].StrategyPositionID,
				ExitPrice:          exitPrice,
				ExitQuantity:       take,
				CloseReason:        reason,
				ExitOrderID:        res.OrderID,
			})
			if cerr != nil {
				d.log.Error().Err(cerr).
					Str("strategy_position_id", sps[i].StrategyPositionID).
					Msg("Strategy position close failed during cleanup")
				continue
			}
			d.guard.RecordRealizedPnl(cres.Pnl)
			out.Pnl += cres.Pnl
			out.ClosedQuantity += cres.ClosedQuantity
			out.ClosedPositions++
			remaining -= cres.ClosedQuantity
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Info().
		Str("key", key).
		Str("reason", reason).
		Float64("quantity", out.ClosedQuantity).
		Float64("pnl", out.Pnl).
		Int("positions", out.ClosedPositions).
		Msg("Position closed with cleanup")
	return out, nil
}

// checkDuplicate consults and stamps the fingerprint cache. Non-nil
// means the signal is a repeat.
func (d *Dispatcher) checkDuplicate(sig *model.Signal) *Result {
	fp := sig.Fingerprint()
	now := time.Now()

	d.mu.Lock()
	seenAt, dup := d.seen[fp]
	if dup && now.Sub(seenAt) <= d.cfg.DuplicateTTL {
		d.mu.Unlock()
		age := now.Sub(seenAt).Seconds()
		d.metrics.RecordSignalDuplicate(sig.StrategyID, sig.Symbol, string(sig.Action))
		d.log.Debug().
			Str("strategy", sig.StrategyID).
			Str("symbol", sig.Symbol).
			Float64("age_seconds", age).
			Msg("Duplicate signal suppressed")
		return &Result{Status: aggregator.StatusDuplicate, Reason: "duplicate signal", DuplicateAgeSeconds: age}
	}
	d.seen[fp] = now
	d.mu.Unlock()
	return nil
}

// overlayBrackets fills bracket percentages absent on the signal from
// the resolved config, so per-symbol defaults protect positions even
// when strategies omit them.
func (d *Dispatcher) overlayBrackets(sig *model.Signal, params tradingconfig.Parameters) {
	if sig.StopLossPct == 0 {
		if v, ok := params.Float(tradingconfig.KeyStopLossPct); ok {
			sig.StopLossPct = v
		}
	}
	if sig.TakeProfitPct == 0 {
		if v, ok := params.Float(tradingconfig.KeyTakeProfitPct); ok {
			sig.TakeProfitPct = v
		}
	}
}

// buildOrder converts the approved signal into a venue order. Sizing
// starts from the processor-scaled quantity, then venue minimums, then
// the USD fallback, then the fixed floor.
func (d *Dispatcher) buildOrder(ctx context.Context, sig *model.Signal, p *aggregator.OrderParams, posSide model.PositionSide) *model.Order {
	refPrice := sig.CurrentPrice
	if refPrice <= 0 {
		if price, err := d.exchange.GetSymbolPrice(ctx, sig.Symbol); err == nil {
			refPrice = price
		} else {
			d.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("No reference price for sizing")
		}
	}

	qty := p.Quantity
	info, err := d.exchange.GetSymbolInfo(ctx, sig.Symbol)
	switch {
	case err == nil:
		minQty := info.Filters.MinOrderQty(refPrice)
		qty = math.Max(qty, minQty)
		if q := info.Filters.QuantizeQty(qty); q >= minQty {
			qty = q
		} else {
			qty = minQty
		}
	case refPrice > 0:
		d.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Symbol filters unavailable, using notional fallback")
		qty = math.Max(qty, fallbackNotionalUSD/refPrice)
	}
	if qty <= 0 {
		qty = fallbackQtyFloor
	}

	orderSide, _ := sig.Action.OrderSideFor()
	order := &model.Order{
		ClientOrderID: orders.NewClientOrderID(orders.RoleEntry),
		Symbol:        sig.Symbol,
		Side:          orderSide,
		Type:          p.OrderType,
		Amount:        qty,
		PositionSide:  posSide,
		Simulate:      d.cfg.Simulate,
		CreatedAt:     time.Now().UTC(),
	}
	if order.Type == "" {
		order.Type = model.OrderTypeMarket
	}
	if order.Type == model.OrderTypeLimit {
		order.TargetPrice = sig.TargetPrice
		if order.TargetPrice <= 0 {
			order.TargetPrice = refPrice
		}
		order.TimeInForce = model.TimeInForceGTC
	}
	return order
}

// armBrackets protects a fresh fill: an OCO pair when both bracket
// prices are set, a lone reduce-only stop or take profit when only one
// is. Failures keep the position and surface on the result.
func (d *Dispatcher) armBrackets(ctx context.Context, entry *model.Order, spID string, out *Result) {
	sp, err := d.ledger.StrategyPosition(spID)
	if err != nil {
		out.BracketError = err.Error()
		return
	}
	base, err := orders.BaseClientOrderID(entry.ClientOrderID)
	if err != nil {
		base = ""
	}

	switch {
	case sp.StopLossPrice > 0 && sp.TakeProfitPrice > 0:
		slID, _ := orders.RelatedClientOrderID(base, orders.RoleStopLoss)
		tpID, _ := orders.RelatedClientOrderID(base, orders.RoleTakeProfit)
		pair, perr := d.oco.PlaceOCOOrders(ctx, oco.PlaceRequest{
			PositionID:         spID,
			StrategyPositionID: spID,
			Symbol:             sp.Symbol,
			PositionSide:       sp.Side,
			Quantity:           sp.RemainingQuantity,
			EntryPrice:         sp.EntryPrice,
			StopLossPrice:      sp.StopLossPrice,
			TakeProfitPrice:    sp.TakeProfitPrice,
			SLClientOrderID:    slID,
			TPClientOrderID:    tpID,
		})
		if perr != nil {
			d.metrics.RecordOrderFailure(sp.Symbol, "OCO", "placement")
			d.log.Error().Err(perr).
				Str("strategy_position_id", spID).
				Msg("Bracket placement failed, position is unprotected")
			out.BracketError = perr.Error()
			return
		}
		out.SLOrderID, out.TPOrderID = pair.SLOrderID, pair.TPOrderID
		if serr := d.ledger.SetBracketOrders(ctx, spID, pair.SLOrderID, pair.TPOrderID); serr != nil {
			d.log.Error().Err(serr).Str("strategy_position_id", spID).Msg("Failed to record bracket order ids")
		}

	case sp.StopLossPrice > 0:
		clientID, _ := orders.RelatedClientOrderID(base, orders.RoleStopLoss)
		res, perr := d.ExecuteOrder(ctx, &model.Order{
			ClientOrderID: clientID,
			Symbol:        sp.Symbol,
			Side:          sp.Side.CloseSide(),
			Type:          model.OrderTypeStop,
			Amount:        sp.RemainingQuantity,
			TargetPrice:   sp.StopLossPrice,
			PositionSide:  sp.Side,
			ReduceOnly:    true,
			Simulate:      d.cfg.Simulate,
		})
		if perr != nil {
			out.BracketError = perr.Error()
			return
		}
		out.SLOrderID = res.OrderID
		if serr := d.ledger.SetBracketOrders(ctx, spID, res.OrderID, ""); serr != nil {
			d.log.Error().Err(serr).Str("strategy_position_id", spID).Msg("Failed to record stop order id")
		}

	case sp.TakeProfitPrice > 0:
		clientID, _ := orders.RelatedClientOrderID(base, orders.RoleTakeProfit)
		res, perr := d.ExecuteOrder(ctx, &model.Order{
			ClientOrderID: clientID,
			Symbol:        sp.Symbol,
			Side:          sp.Side.CloseSide(),
			Type:          model.OrderTypeTakeProfit,
			Amount:        sp.RemainingQuantity,
			TargetPrice:   sp.TakeProfitPrice,
			PositionSide:  sp.Side,
			ReduceOnly:    true,
			Simulate:      d.cfg.Simulate,
		})
		if perr != nil {
			out.BracketError = perr.Error()
			return
		}
		out.TPOrderID = res.OrderID
		if serr := d.ledger.SetBracketOrders(ctx, spID, "", res.OrderID); serr != nil {
			d.log.Error().Err(serr).Str("strategy_position_id", spID).Msg("Failed to record take profit order id")
		}
	}
}

func (d *Dispatcher) cooldownFor(params tradingconfig.Parameters) time.Duration {
	if v, ok := params.Float(tradingconfig.KeyAccumulationCooldown); ok {
		return time.Duration(v * float64(time.Second))
	}
	return d.cfg.AccumulationCooldown
}

func (d *Dispatcher) cleanupLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evictExpired()
		}
	}
}

func (d *Dispatcher) evictExpired() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for fp, at := range d.seen {
		if now.Sub(at) > d.cfg.DuplicateTTL {
			delete(d.seen, fp)
		}
	}
	for key, at := range d.lastAccum {
		if now.Sub(at) > accumRetention {
			delete(d.lastAccum, key)
		}
	}
}

func limitsFrom(params tradingconfig.Parameters) risk.Limits {
	var l risk.Limits
	if v, ok := params.Float(tradingconfig.KeyMaxPositionPct); ok {
		l.MaxPositionPct = v
	}
	if v, ok := params.Float(tradingconfig.KeyMaxDailyLossPct); ok {
		l.MaxDailyLossPct = v
	}
	if v, ok := params.Float(tradingconfig.KeyMaxPortfolioExposure); ok {
		l.MaxPortfolioExposure = v
	}
	return l
}

// failureReason maps an execution error onto a bounded metric label.
func failureReason(err error) string {
	switch {
	case exchange.IsMarginInsufficient(err):
		return "insufficient_margin"
	case exchange.IsUnknownOrder(err):
		return "unknown_order"
	case exchange.IsTransient(err):
		return "transient"
	default:
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) {
			return "venue_rejection"
		}
		return "transport"
	}
}
