package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"tradeengine/internal/model"
)

// Simulator implements Client in memory for paper-trade mode and
// tests. Market orders fill instantly at the current price; everything
// else rests as an open order until a test or the price feed fills it.
type Simulator struct {
	mu            sync.RWMutex
	prices        map[string]float64
	priceProvider func(symbol string) (float64, error)
	openOrders    map[string]*model.OpenOrder
	positions     map[string]*Position
	leverage      map[string]int
	symbolInfo    map[string]*SymbolInfo
	failures      map[string]error
	executed      []model.Order
	hedge         bool
	balance       float64
	nextOrderID   int64
}

// NewSimulator creates a simulator with the given starting balance.
// priceProvider may be nil; prices then come from SetPrice.
func NewSimulator(initialBalance float64, priceProvider func(symbol string) (float64, error)) *Simulator {
	return &Simulator{
		prices:        make(map[string]float64),
		priceProvider: priceProvider,
		openOrders:    make(map[string]*model.OpenOrder),
		positions:     make(map[string]*Position),
		leverage:      make(map[string]int),
		symbolInfo:    make(map[string]*SymbolInfo),
		failures:      make(map[string]error),
		hedge:         true,
		balance:       initialBalance,
		nextOrderID:   1000,
	}
}

func (s *Simulator) Name() string { return "sim" }

// Ping always succeeds unless a failure is injected.
func (s *Simulator) Ping(ctx context.Context) error {
	return s.failureFor("ping")
}

// ==================== TEST HOOKS ====================

// SetPrice sets the simulated last price for a symbol.
func (s *Simulator) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// SetSymbolInfo overrides the venue filters for a symbol.
func (s *Simulator) SetSymbolInfo(info *SymbolInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbolInfo[info.Symbol] = info
}

// SetBalance sets the simulated account balance.
func (s *Simulator) SetBalance(balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = balance
}

// FailWith injects an error for an operation: "ping", "execute",
// "execute:<TYPE>", "cancel", "cancel:<orderID>", "open_orders",
// "price", "info", "leverage", "balance", "positions". The failure
// persists until cleared.
func (s *Simulator) FailWith(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// FillOrder simulates the venue filling a resting order: it disappears
// from the open-orders listing and the position it reduces is updated.
func (s *Simulator) FillOrder(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.openOrders[orderID]
	if !ok {
		return false
	}
	delete(s.openOrders, orderID)

	price := o.StopPrice
	if price <= 0 {
		price = o.Price
	}
	if price <= 0 {
		price = s.prices[o.Symbol]
	}
	s.applyFillLocked(o.Symbol, o.Side, o.PositionSide, o.Quantity, price, o.ReduceOnly)
	return true
}

// DropOrder removes a resting order without touching positions, as if
// it were cancelled externally.
func (s *Simulator) DropOrder(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.openOrders[orderID]; !ok {
		return false
	}
	delete(s.openOrders, orderID)
	return true
}

// ExecutedOrders returns a copy of every order submitted so far.
func (s *Simulator) ExecutedOrders() []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Order, len(s.executed))
	copy(out, s.executed)
	return out
}

// OpenOrderCount reports the number of resting orders.
func (s *Simulator) OpenOrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.openOrders)
}

// ==================== CLIENT ====================

// Execute fills market orders at the current price and rests
// everything else.
func (s *Simulator) Execute(ctx context.Context, order *model.Order) (*model.ExecutionResult, error) {
	if order.Type.Conditional() {
		return nil, ErrUnsupportedOrderType
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if err := s.failureFor("execute"); err != nil {
		return nil, err
	}
	if err := s.failureFor("execute:" + string(order.Type)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	price, err := s.priceLocked(order.Symbol)
	if err != nil {
		return nil, err
	}
	if info, ok := s.symbolInfo[order.Symbol]; ok {
		if err := info.Filters.CheckOrderQty(order.Amount, price, order.ReduceOnly); err != nil {
			return nil, err
		}
	}

	s.nextOrderID++
	orderID := "SIM-" + strconv.FormatInt(s.nextOrderID, 10)
	s.executed = append(s.executed, *order)

	if order.Type == model.OrderTypeMarket {
		s.applyFillLocked(order.Symbol, order.Side, order.PositionSide, order.Amount, price, order.ReduceOnly)
		return &model.ExecutionResult{
			Status:    model.StatusFilled,
			OrderID:   orderID,
			FillPrice: price,
			Amount:    order.Amount,
		}, nil
	}

	s.openOrders[orderID] = &model.OpenOrder{
		OrderID:      orderID,
		Symbol:       order.Symbol,
		Type:         order.Type,
		Side:         order.Side,
		PositionSide: order.PositionSide,
		Price:        order.TargetPrice,
		StopPrice:    order.TargetPrice,
		Quantity:     order.Amount,
		ReduceOnly:   order.ReduceOnly,
		Status:       model.StatusPending,
	}
	return &model.ExecutionResult{
		Status:  model.StatusPending,
		OrderID: orderID,
		Amount:  order.Amount,
	}, nil
}

// CancelOrder removes a resting order. Unknown ids return the venue's
// unknown-order code, matching live behaviour.
func (s *Simulator) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := s.failureFor("cancel"); err != nil {
		return err
	}
	if err := s.failureFor("cancel:" + orderID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.openOrders[orderID]; !ok {
		return &APIError{Code: CodeUnknownOrder, Message: "Unknown order sent."}
	}
	delete(s.openOrders, orderID)
	return nil
}

func (s *Simulator) BatchCancel(ctx context.Context, symbol string, orderIDs []string) []CancelResult {
	results := make([]CancelResult, 0, len(orderIDs))
	for _, id := range orderIDs {
		res := CancelResult{OrderID: id, Cancelled: true}
		if err := s.CancelOrder(ctx, symbol, id); err != nil {
			res.Cancelled = IsUnknownOrder(err)
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

func (s *Simulator) GetOpenOrders(ctx context.Context, symbol string) ([]model.OpenOrder, error) {
	if err := s.failureFor("open_orders"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]model.OpenOrder, 0, len(s.openOrders))
	for _, o := range s.openOrders {
		if symbol == "" || o.Symbol == symbol {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func (s *Simulator) GetSymbolPrice(ctx context.Context, symbol string) (float64, error) {
	if err := s.failureFor("price"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priceLocked(symbol)
}

// GetSymbolInfo returns the configured filters, or permissive defaults
// so untouched symbols never block an order.
func (s *Simulator) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	if err := s.failureFor("info"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.symbolInfo[symbol]; ok {
		return info, nil
	}
	return &SymbolInfo{
		Symbol:            symbol,
		PricePrecision:    2,
		QuantityPrecision: 3,
		Filters: SymbolFilters{
			MinNotional: 5,
			MinQty:      0.001,
			StepSize:    0.001,
			TickSize:    0.01,
		},
	}, nil
}

func (s *Simulator) ChangeLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	if err := s.failureFor("leverage"); err != nil {
		return 0, err
	}
	if leverage < 1 || leverage > 125 {
		return 0, &APIError{Code: -4028, Message: fmt.Sprintf("Leverage %d is not valid", leverage)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leverage[symbol] = leverage
	return leverage, nil
}

func (s *Simulator) SetPositionMode(ctx context.Context, hedge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pos := range s.positions {
		if pos.Quantity != 0 {
			return &APIError{Code: -4068, Message: "Position side cannot be changed if there exists position."}
		}
	}
	s.hedge = hedge
	return nil
}

func (s *Simulator) GetAccountBalance(ctx context.Context) (float64, error) {
	if err := s.failureFor("balance"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance, nil
}

func (s *Simulator) GetPositions(ctx context.Context) ([]Position, error) {
	if err := s.failureFor("positions"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	positions := make([]Position, 0, len(s.positions))
	for _, pos := range s.positions {
		p := *pos
		if price, err := s.priceLocked(p.Symbol); err == nil {
			p.MarkPrice = price
			if p.PositionSide == model.PositionSideShort {
				p.UnrealizedPnl = (p.EntryPrice - price) * p.Quantity
			} else {
				p.UnrealizedPnl = (price - p.EntryPrice) * p.Quantity
			}
		}
		if p.Quantity != 0 {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

// ==================== INTERNAL ====================

func (s *Simulator) failureFor(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures[op]
}

func (s *Simulator) priceLocked(symbol string) (float64, error) {
	if price, ok := s.prices[symbol]; ok && price > 0 {
		return price, nil
	}
	if s.priceProvider != nil {
		return s.priceProvider(symbol)
	}
	return 0, fmt.Errorf("no price for symbol %s", symbol)
}

// applyFillLocked books a fill against the hedge-mode position bucket
// and realizes P&L into the balance on reductions.
func (s *Simulator) applyFillLocked(symbol string, side model.OrderSide, posSide model.PositionSide, qty, price float64, reduceOnly bool) {
	key := model.PositionKey(symbol, posSide)
	pos, ok := s.positions[key]
	if !ok {
		pos = &Position{Symbol: symbol, PositionSide: posSide, Leverage: s.leverage[symbol]}
		s.positions[key] = pos
	}

	increasing := (posSide == model.PositionSideLong && side == model.OrderSideBuy) ||
		(posSide == model.PositionSideShort && side == model.OrderSideSell)

	if increasing && !reduceOnly {
		total := pos.Quantity + qty
		if total > 0 {
			pos.EntryPrice = (pos.Quantity*pos.EntryPrice + qty*price) / total
		}
		pos.Quantity = total
		return
	}

	// Reduction: clamp to the open quantity and realize the P&L.
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	if posSide == model.PositionSideShort {
		s.balance += (pos.EntryPrice - price) * qty
	} else {
		s.balance += (price - pos.EntryPrice) * qty
	}
	pos.Quantity -= qty
	if pos.Quantity <= 0 {
		delete(s.positions, key)
	}
}
