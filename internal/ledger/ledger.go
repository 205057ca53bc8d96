// Package ledger tracks virtual strategy positions and the aggregated
// exchange positions they project onto, with contribution accounting
// so P&L always attributes back to the strategy that earned it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradeengine/internal/datastore"
	"tradeengine/internal/events"
	"tradeengine/internal/metrics"
	"tradeengine/internal/model"
)

var (
	ErrPositionNotFound = errors.New("strategy position not found")
	ErrPositionClosed   = errors.New("strategy position already closed")
	ErrNotFilled        = errors.New("execution result carries no fill")
)

// qtyEpsilon absorbs float drift in quantity arithmetic.
const qtyEpsilon = 1e-9

// Ledger is the in-memory source of truth for open positions, with
// write-through persistence. Reads never touch the store.
type Ledger struct {
	store   datastore.Store
	metrics *metrics.Metrics
	bus     *events.Bus
	log     zerolog.Logger

	mu            sync.RWMutex
	strategyByID  map[string]*StrategyPosition
	exchangeByKey map[string]*ExchangePosition
	contribBySP   map[string]*Contribution
}

func New(store datastore.Store, m *metrics.Metrics, bus *events.Bus, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:         store,
		metrics:       m,
		bus:           bus,
		log:           logger.With().Str("component", "PositionLedger").Logger(),
		strategyByID:  make(map[string]*StrategyPosition),
		exchangeByKey: make(map[string]*ExchangePosition),
		contribBySP:   make(map[string]*Contribution),
	}
}

// Load restores open positions from the store after a restart.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, status := range []string{StatusOpen, StatusPartial} {
		positions, err := datastore.QueryAs[StrategyPosition](ctx, l.store,
			datastore.CollStrategyPositions, datastore.Filter{"status": status}, datastore.QueryOptions{})
		if err != nil {
			return fmt.Errorf("load strategy positions: %w", err)
		}
		for i := range positions {
			p := positions[i]
			l.strategyByID[p.StrategyPositionID] = &p
		}
	}

	exchangePositions, err := datastore.QueryAs[ExchangePosition](ctx, l.store,
		datastore.CollExchangePositions, datastore.Filter{"status": StatusOpen}, datastore.QueryOptions{})
	if err != nil {
		return fmt.Errorf("load exchange positions: %w", err)
	}
	for i := range exchangePositions {
		p := exchangePositions[i]
		l.exchangeByKey[p.ExchangePositionKey] = &p
	}

	contributions, err := datastore.QueryAs[Contribution](ctx, l.store,
		datastore.CollContributions, datastore.Filter{"status": StatusOpen}, datastore.QueryOptions{})
	if err != nil {
		return fmt.Errorf("load contributions: %w", err)
	}
	for i := range contributions {
		c := contributions[i]
		l.contribBySP[c.StrategyPositionID] = &c
	}

	l.log.Info().
		Int("strategy_positions", len(l.strategyByID)).
		Int("exchange_positions", len(l.exchangeByKey)).
		Msg("Ledger restored from store")
	return nil
}

// CreateStrategyPosition books a fill: it creates the virtual strategy
// position, folds the quantity into the aggregated exchange position at
// a contribution-weighted average price, and appends the contribution
// record.
func (l *Ledger) CreateStrategyPosition(ctx context.Context, sig *model.Signal, order *model.Order, result *model.ExecutionResult) (string, error) {
	if !result.Filled() {
		return "", ErrNotFilled
	}
	side, ok := sig.Action.PositionSideFor()
	if !ok {
		return "", fmt.Errorf("action %q does not open a position", sig.Action)
	}

	entryPrice := result.FillPrice
	if entryPrice <= 0 {
		entryPrice = sig.CurrentPrice
	}
	quantity := result.Amount
	if quantity <= 0 {
		quantity = order.Amount
	}
	if quantity <= 0 {
		return "", fmt.Errorf("fill for %s carries no quantity", sig.Symbol)
	}

	now := time.Now().UTC()
	key := model.PositionKey(sig.Symbol, side)
	tpPrice, slPrice := bracketPrices(side, entryPrice, sig.TakeProfitPct, sig.StopLossPct)

	sp := &StrategyPosition{
		StrategyPositionID:  uuid.NewString(),
		StrategyID:          sig.StrategyID,
		SignalID:            sig.Key(),
		Symbol:              sig.Symbol,
		Side:                side,
		EntryQuantity:       quantity,
		RemainingQuantity:   quantity,
		EntryPrice:          entryPrice,
		EntryTime:           now,
		TakeProfitPrice:     tpPrice,
		StopLossPrice:       slPrice,
		Status:              StatusOpen,
		ExchangePositionKey: key,
	}

	l.mu.Lock()
	ep, ok := l.exchangeByKey[key]
	if !ok || ep.Status == StatusClosed {
		ep = &ExchangePosition{
			ExchangePositionKey: key,
			Symbol:              sig.Symbol,
			PositionSide:        side,
			Status:              StatusOpen,
			CreatedAt:           now,
		}
		l.exchangeByKey[key] = ep
	}

	before := ep.CurrentQuantity
	total := before + quantity
	ep.WeightedAvgPrice = (before*ep.WeightedAvgPrice + quantity*entryPrice) / total
	ep.CurrentQuantity = total
	ep.TotalContributions++
	ep.UpdatedAt = now
	if !containsString(ep.ContributingStrategies, sig.StrategyID) {
		ep.ContributingStrategies = append(ep.ContributingStrategies, sig.StrategyID)
	}

	contrib := &Contribution{
		ContributionID:      uuid.NewString(),
		StrategyPositionID:  sp.StrategyPositionID,
		ExchangePositionKey: key,
		StrategyID:          sig.StrategyID,
		Quantity:            quantity,
		EntryPrice:          entryPrice,
		PositionSequence:    ep.TotalContributions,
		QuantityBefore:      before,
		QuantityAfter:       total,
		Status:              StatusOpen,
		CreatedAt:           now,
	}

	l.strategyByID[sp.StrategyPositionID] = sp
	l.contribBySP[sp.StrategyPositionID] = contrib
	epCopy := *ep
	l.mu.Unlock()

	l.persistCreate(ctx, sp, &epCopy, contrib)
	l.metrics.SetPositionSize(sp.Symbol, string(side), epCopy.CurrentQuantity)
	l.bus.PublishPositionOpened(sp.StrategyPositionID, sp.StrategyID, sp.Symbol, string(side), entryPrice, quantity)
	l.log.Info().
		Str("strategy_position_id", sp.StrategyPositionID).
		Str("strategy", sp.StrategyID).
		Str("key", key).
		Float64("quantity", quantity).
		Float64("entry_price", entryPrice).
		Float64("avg_price", epCopy.WeightedAvgPrice).
		Msg("Strategy position opened")

	return sp.StrategyPositionID, nil
}

// CloseStrategyPosition realizes P&L on (part of) a strategy position
// and drains its contribution from the exchange position. Requested
// quantities above the remaining slice are clamped.
func (l *Ledger) CloseStrategyPosition(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	now := time.Now().UTC()

	l.mu.Lock()
	sp, ok := l.strategyByID[req.StrategyPositionID]
	if !ok {
		l.mu.Unlock()
		return nil, ErrPositionNotFound
	}
	if sp.Status == StatusClosed {
		l.mu.Unlock()
		return nil, ErrPositionClosed
	}

	exitQty := req.ExitQuantity
	if exitQty <= 0 || exitQty > sp.RemainingQuantity {
		exitQty = sp.RemainingQuantity
	}

	pnl := pnlFor(sp.Side, sp.EntryPrice, req.ExitPrice, exitQty)
	pnlPct := 0.0
	if sp.EntryPrice > 0 {
		pnlPct = pnl / (sp.EntryPrice * exitQty) * 100
	}

	sp.RemainingQuantity -= exitQty
	sp.RealizedPnl += pnl
	sp.ExitPrice = req.ExitPrice
	sp.CloseReason = req.CloseReason
	sp.ExitOrderID = req.ExitOrderID
	fullyClosed := sp.RemainingQuantity <= qtyEpsilon
	if fullyClosed {
		sp.RemainingQuantity = 0
		sp.Status = StatusClosed
		sp.ClosedAt = &now
	} else {
		sp.Status = StatusPartial
	}

	contrib := l.contribBySP[req.StrategyPositionID]
	if contrib != nil {
		contrib.Quantity -= exitQty
		if contrib.Quantity <= qtyEpsilon {
			contrib.Quantity = 0
			contrib.Status = StatusClosed
			contrib.ExitPrice = req.ExitPrice
			contrib.Pnl = sp.RealizedPnl
			contrib.ClosedAt = &now
		}
	}

	exchangeClosed := false
	ep := l.exchangeByKey[sp.ExchangePositionKey]
	if ep != nil {
		ep.CurrentQuantity -= exitQty
		ep.UpdatedAt = now
		if fullyClosed {
			ep.ContributingStrategies = removeIfLastContribution(ep.ContributingStrategies, l.openContributionsLocked(sp.ExchangePositionKey), sp.StrategyID)
		}
		if ep.CurrentQuantity <= qtyEpsilon {
			ep.CurrentQuantity = 0
			ep.Status = StatusClosed
			exchangeClosed = true
		}
	}

	spCopy := *sp
	var contribCopy *Contribution
	if contrib != nil {
		c := *contrib
		contribCopy = &c
	}
	var epCopy *ExchangePosition
	if ep != nil {
		e := *ep
		epCopy = &e
	}
	if fullyClosed {
		delete(l.contribBySP, req.StrategyPositionID)
	}
	l.mu.Unlock()

	l.persistClose(ctx, &spCopy, epCopy, contribCopy)
	if epCopy != nil {
		l.metrics.SetPositionSize(spCopy.Symbol, string(spCopy.Side), epCopy.CurrentQuantity)
	}
	l.bus.PublishPositionClosed(spCopy.StrategyPositionID, spCopy.Symbol, string(spCopy.Side),
		req.CloseReason, req.ExitPrice, exitQty, pnl, pnlPct)
	l.log.Info().
		Str("strategy_position_id", spCopy.StrategyPositionID).
		Str("reason", req.CloseReason).
		Float64("exit_price", req.ExitPrice).
		Float64("quantity", exitQty).
		Float64("pnl", pnl).
		Bool("fully_closed", fullyClosed).
		Msg("Strategy position closed")

	return &CloseResult{
		StrategyPositionID: spCopy.StrategyPositionID,
		Symbol:             spCopy.Symbol,
		Side:               spCopy.Side,
		ClosedQuantity:     exitQty,
		ExitPrice:          req.ExitPrice,
		Pnl:                pnl,
		PnlPct:             pnlPct,
		FullyClosed:        fullyClosed,
		ExchangeClosed:     exchangeClosed,
	}, nil
}

// SetBracketOrders records the venue order ids protecting a strategy
// position, once the OCO pair is placed.
func (l *Ledger) SetBracketOrders(ctx context.Context, strategyPositionID, slOrderID, tpOrderID string) error {
	l.mu.Lock()
	sp, ok := l.strategyByID[strategyPositionID]
	if !ok {
		l.mu.Unlock()
		return ErrPositionNotFound
	}
	sp.StopLossOrderID = slOrderID
	sp.TakeProfitOrderID = tpOrderID
	spCopy := *sp
	l.mu.Unlock()

	l.persistStrategyPosition(ctx, &spCopy)
	return nil
}

// ==================== VIEWS ====================

// StrategyPosition returns a copy of one strategy position.
func (l *Ledger) StrategyPosition(id string) (*StrategyPosition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sp, ok := l.strategyByID[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	out := *sp
	return &out, nil
}

// OpenStrategyPositions lists open and partial strategy positions,
// optionally filtered by symbol and side.
func (l *Ledger) OpenStrategyPositions(symbol string, side model.PositionSide) []StrategyPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []StrategyPosition
	for _, sp := range l.strategyByID {
		if sp.Status == StatusClosed {
			continue
		}
		if symbol != "" && sp.Symbol != symbol {
			continue
		}
		if side != "" && sp.Side != side {
			continue
		}
		out = append(out, *sp)
	}
	return out
}

// ExchangePositionByKey returns a copy of one aggregated position.
func (l *Ledger) ExchangePositionByKey(key string) (*ExchangePosition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ep, ok := l.exchangeByKey[key]
	if !ok {
		return nil, ErrPositionNotFound
	}
	out := *ep
	out.ContributingStrategies = append([]string(nil), ep.ContributingStrategies...)
	return &out, nil
}

// OpenPositions lists every open aggregated position.
func (l *Ledger) OpenPositions() []ExchangePosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ExchangePosition
	for _, ep := range l.exchangeByKey {
		if ep.Status != StatusOpen {
			continue
		}
		cp := *ep
		cp.ContributingStrategies = append([]string(nil), ep.ContributingStrategies...)
		out = append(out, cp)
	}
	return out
}

// TotalOpenNotional sums the USD value of every open aggregated
// position at its weighted average price.
func (l *Ledger) TotalOpenNotional() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, ep := range l.exchangeByKey {
		if ep.Status == StatusOpen {
			total += ep.Notional()
		}
	}
	return total
}

// ContributionsFor lists the contributions on one exchange position,
// in sequence order.
func (l *Ledger) ContributionsFor(ctx context.Context, key string) ([]Contribution, error) {
	return datastore.QueryAs[Contribution](ctx, l.store, datastore.CollContributions,
		datastore.Filter{"exchange_position_key": key},
		datastore.QueryOptions{Sort: &datastore.Sort{Field: "position_sequence"}})
}

// ==================== INTERNAL ====================

// bracketPrices derives TP and SL trigger prices from the entry and the
// signal's pct fields. LONG takes profit above and stops below; SHORT
// mirrors. Zero pct leaves the corresponding leg unset.
func bracketPrices(side model.PositionSide, entry, tpPct, slPct float64) (tp, sl float64) {
	if side == model.PositionSideShort {
		if tpPct > 0 {
			tp = entry * (1 - tpPct)
		}
		if slPct > 0 {
			sl = entry * (1 + slPct)
		}
		return tp, sl
	}
	if tpPct > 0 {
		tp = entry * (1 + tpPct)
	}
	if slPct > 0 {
		sl = entry * (1 - slPct)
	}
	return tp, sl
}

func pnlFor(side model.PositionSide, entry, exit, qty float64) float64 {
	if side == model.PositionSideShort {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// openContributionsLocked counts open contributions per strategy on one
// exchange position. Caller holds the lock.
func (l *Ledger) openContributionsLocked(key string) map[string]int {
	counts := make(map[string]int)
	for _, c := range l.contribBySP {
		if c.ExchangePositionKey == key && c.Status == StatusOpen {
			counts[c.StrategyID]++
		}
	}
	return counts
}

// removeIfLastContribution drops a strategy from the contributing set
// when it has no open contribution left on the position.
func removeIfLastContribution(strategies []string, openCounts map[string]int, strategyID string) []string {
	if openCounts[strategyID] > 0 {
		return strategies
	}
	out := strategies[:0]
	for _, s := range strategies {
		if s != strategyID {
			out = append(out, s)
		}
	}
	return out
}

// Persistence failures never unwind a booked fill: the venue position
// already exists, so memory stays authoritative and the error is
// logged for reconciliation.
func (l *Ledger) persistCreate(ctx context.Context, sp *StrategyPosition, ep *ExchangePosition, contrib *Contribution) {
	if err := l.store.InsertOne(ctx, datastore.CollStrategyPositions, sp); err != nil {
		l.log.Error().Err(err).Str("strategy_position_id", sp.StrategyPositionID).Msg("Failed to persist strategy position")
	}
	l.persistExchangePosition(ctx, ep)
	if err := l.store.InsertOne(ctx, datastore.CollContributions, contrib); err != nil {
		l.log.Error().Err(err).Str("contribution_id", contrib.ContributionID).Msg("Failed to persist contribution")
	}
}

func (l *Ledger) persistClose(ctx context.Context, sp *StrategyPosition, ep *ExchangePosition, contrib *Contribution) {
	l.persistStrategyPosition(ctx, sp)
	if ep != nil {
		l.persistExchangePosition(ctx, ep)
	}
	if contrib != nil {
		_, err := l.store.UpdateOne(ctx, datastore.CollContributions,
			datastore.Filter{"contribution_id": contrib.ContributionID}, contrib)
		if err != nil {
			l.log.Error().Err(err).Str("contribution_id", contrib.ContributionID).Msg("Failed to persist contribution")
		}
	}
}

func (l *Ledger) persistStrategyPosition(ctx context.Context, sp *StrategyPosition) {
	err := l.store.UpsertOne(ctx, datastore.CollStrategyPositions,
		datastore.Filter{"strategy_position_id": sp.StrategyPositionID}, sp)
	if err != nil {
		l.log.Error().Err(err).Str("strategy_position_id", sp.StrategyPositionID).Msg("Failed to persist strategy position")
	}
}

func (l *Ledger) persistExchangePosition(ctx context.Context, ep *ExchangePosition) {
	err := l.store.UpsertOne(ctx, datastore.CollExchangePositions,
		datastore.Filter{"exchange_position_key": ep.ExchangePositionKey}, ep)
	if err != nil {
		l.log.Error().Err(err).Str("key", ep.ExchangePositionKey).Msg("Failed to persist exchange position")
	}
}

// Conservation checks the bookkeeping law for one position key: open
// contributions must sum to the aggregated quantity.
func (l *Ledger) Conservation(key string) (contribSum, exchangeQty float64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.contribBySP {
		if c.ExchangePositionKey == key && c.Status == StatusOpen {
			contribSum += c.Quantity
		}
	}
	ep, found := l.exchangeByKey[key]
	if found {
		exchangeQty = ep.CurrentQuantity
	}
	return contribSum, exchangeQty, math.Abs(contribSum-exchangeQty) <= 1e-6
}
