// Package orders tracks the lifecycle of every order the engine
// submits: resting venue orders, client-side conditional orders with
// their price monitors, and a terminal history ring. It also mints the
// structured client order ids the rest of the engine uses.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeengine/internal/model"
)

// ErrOrderNotFound marks lookups for ids no bag owns.
var ErrOrderNotFound = errors.New("order not found")

// ErrNotConditional marks conditional placement of a venue order type.
var ErrNotConditional = errors.New("order type is not conditional")

// Venue is the slice of the exchange capability the manager needs:
// cancelling resting orders and reading prices for the monitors.
type Venue interface {
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetSymbolPrice(ctx context.Context, symbol string) (float64, error)
}

// Executor submits venue orders when a conditional fires. The
// dispatcher satisfies this, so fired conditionals go through the same
// metrics and tracking path as everything else.
type Executor interface {
	ExecuteOrder(ctx context.Context, order *model.Order) (*model.ExecutionResult, error)
}

// ManagedOrder is one tracked order with its lifecycle data.
type ManagedOrder struct {
	Order         model.Order       `json:"order"`
	Status        model.OrderStatus `json:"status"`
	FillPrice     float64           `json:"fill_price,omitempty"`
	FilledQty     float64           `json:"filled_qty,omitempty"`
	TriggerPrice  float64           `json:"trigger_price,omitempty"` // price that fired a conditional
	FiredOrderID  string            `json:"fired_order_id,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (m *ManagedOrder) id() string {
	if m.Order.OrderID != "" {
		return m.Order.OrderID
	}
	return m.Order.ClientOrderID
}

// Summary counts tracked orders by bag and status.
type Summary struct {
	Active      int                       `json:"active"`
	Conditional int                       `json:"conditional"`
	History     int                       `json:"history"`
	ByStatus    map[model.OrderStatus]int `json:"by_status"`
}

// Config tunes the manager.
type Config struct {
	// PriceInterval is the conditional monitor polling cadence.
	PriceInterval time.Duration
	// ConditionalTimeout expires unfired conditionals.
	ConditionalTimeout time.Duration
	// PriceCacheTTL is how long a fetched price stays fresh.
	PriceCacheTTL time.Duration
	// HistoryLimit caps the terminal history ring.
	HistoryLimit int
}

func (c *Config) applyDefaults() {
	if c.PriceInterval <= 0 {
		c.PriceInterval = 2 * time.Second
	}
	if c.ConditionalTimeout <= 0 {
		c.ConditionalTimeout = time.Hour
	}
	if c.PriceCacheTTL <= 0 {
		c.PriceCacheTTL = 30 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
}

type pricePoint struct {
	price float64
	at    time.Time
}

// Manager owns the three order bags. Conditional orders each get a
// monitor goroutine; everything else is bookkeeping on TrackOrder and
// fill notices.
type Manager struct {
	cfg   Config
	venue Venue
	exec  Executor
	log   zerolog.Logger

	mu          sync.Mutex
	active      map[string]*ManagedOrder
	conditional map[string]*ManagedOrder
	history     []*ManagedOrder
	monitors    map[string]context.CancelFunc
	prices      map[string]pricePoint

	baseCtx context.Context
	wg      sync.WaitGroup
}

func New(cfg Config, venue Venue, exec Executor, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:         cfg,
		venue:       venue,
		exec:        exec,
		log:         logger.With().Str("component", "OrderManager").Logger(),
		active:      make(map[string]*ManagedOrder),
		conditional: make(map[string]*ManagedOrder),
		monitors:    make(map[string]context.CancelFunc),
		prices:      make(map[string]pricePoint),
		baseCtx:     context.Background(),
	}
}

// Start anchors the monitor lifetime to ctx. Conditionals placed
// before Start run until process exit.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// Stop cancels every conditional monitor and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.monitors {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// TrackOrder ingests an order the dispatcher just submitted. Pending
// and partial orders go to the active bag; terminal outcomes go
// straight to history.
func (m *Manager) TrackOrder(_ context.Context, order *model.Order, result *model.ExecutionResult) {
	mo := &ManagedOrder{
		Order:     *order,
		Status:    result.Status,
		FillPrice: result.FillPrice,
		FilledQty: result.Amount,
		Error:     result.Error,
		CreatedAt: order.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if mo.CreatedAt.IsZero() {
		mo.CreatedAt = mo.UpdatedAt
	}
	if result.OrderID != "" {
		mo.Order.OrderID = result.OrderID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mo.Status.Active() {
		m.active[mo.id()] = mo
	} else {
		m.appendHistoryLocked(mo)
	}
}

// PlaceConditional registers a client-side conditional order and spawns
// its price monitor. Nothing reaches the venue until the condition
// fires.
func (m *Manager) PlaceConditional(_ context.Context, order *model.Order) (*model.ExecutionResult, error) {
	if !order.Type.Conditional() {
		return nil, fmt.Errorf("%w: %s", ErrNotConditional, order.Type)
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = NewClientOrderID(RoleConditional)
	}
	now := time.Now().UTC()
	mo := &ManagedOrder{
		Order:     *order,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	id := mo.id()
	if _, dup := m.conditional[id]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("conditional order %s already tracked", id)
	}
	m.conditional[id] = mo
	mctx, cancel := context.WithCancel(m.baseCtx)
	m.monitors[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.monitorConditional(mctx, id)

	m.log.Info().
		Str("client_order_id", id).
		Str("symbol", order.Symbol).
		Str("type", string(order.Type)).
		Float64("trigger", order.TargetPrice).
		Msg("Conditional order armed")
	return &model.ExecutionResult{Status: model.StatusPending, OrderID: id}, nil
}

// monitorConditional polls the price until the condition fires, the
// timeout elapses or the monitor is cancelled.
func (m *Manager) monitorConditional(ctx context.Context, id string) {
	defer m.wg.Done()

	m.mu.Lock()
	mo, ok := m.conditional[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	ticker := time.NewTicker(m.cfg.PriceInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.cfg.ConditionalTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			m.settleConditional(id, model.StatusTimeout, 0, "", "conditional timeout elapsed")
			m.log.Info().Str("client_order_id", id).Msg("Conditional order timed out")
			return
		case <-ticker.C:
			price, err := m.currentPrice(ctx, mo.Order.Symbol)
			if err != nil {
				m.log.Warn().Err(err).Str("symbol", mo.Order.Symbol).Msg("Conditional price check failed")
				continue
			}
			if !conditionMet(&mo.Order, price) {
				continue
			}
			m.fireConditional(ctx, id, mo, price)
			return
		}
	}
}

// fireConditional converts the tracked conditional into a venue order
// and submits it through the executor.
func (m *Manager) fireConditional(ctx context.Context, id string, mo *ManagedOrder, price float64) {
	venueOrder := mo.Order
	venueOrder.OrderID = ""
	venueOrder.CreatedAt = time.Now().UTC()
	if mo.Order.Type == model.OrderTypeConditionalLimit {
		venueOrder.Type = model.OrderTypeLimit
		venueOrder.TimeInForce = model.TimeInForceGTC
	} else {
		// Stop semantics: once through the trigger, take the market.
		venueOrder.Type = model.OrderTypeMarket
		venueOrder.TargetPrice = 0
	}

	res, err := m.exec.ExecuteOrder(ctx, &venueOrder)
	if err != nil {
		m.settleConditional(id, model.StatusFailed, price, "", err.Error())
		m.log.Error().Err(err).
			Str("client_order_id", id).
			Float64("trigger_price", price).
			Msg("Conditional fired but submission failed")
		return
	}
	m.settleConditional(id, model.StatusExecuted, price, res.OrderID, "")
	m.log.Info().
		Str("client_order_id", id).
		Str("order_id", res.OrderID).
		Float64("trigger_price", price).
		Msg("Conditional order fired")
}

// settleConditional moves a conditional to history with its terminal
// state and releases its monitor slot.
func (m *Manager) settleConditional(id string, status model.OrderStatus, triggerPrice float64, firedOrderID, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.conditional[id]
	if !ok {
		return
	}
	delete(m.conditional, id)
	if cancel, ok := m.monitors[id]; ok {
		cancel()
		delete(m.monitors, id)
	}
	mo.Status = status
	mo.TriggerPrice = triggerPrice
	mo.FiredOrderID = firedOrderID
	mo.Error = errMsg
	mo.UpdatedAt = time.Now().UTC()
	m.appendHistoryLocked(mo)
}

// conditionMet evaluates the client-side trigger. Conditional limits
// fire when price crosses to the favourable side of the target;
// conditional stops fire when it crosses through it.
func conditionMet(order *model.Order, price float64) bool {
	if order.Type == model.OrderTypeConditionalLimit {
		if order.Side == model.OrderSideBuy {
			return price <= order.TargetPrice
		}
		return price >= order.TargetPrice
	}
	if order.Side == model.OrderSideBuy {
		return price >= order.TargetPrice
	}
	return price <= order.TargetPrice
}

// CancelOrder removes the order from whichever bag owns it. Active
// venue orders are cancelled on the venue first; conditional monitors
// are stopped.
func (m *Manager) CancelOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	if mo, ok := m.conditional[id]; ok {
		delete(m.conditional, id)
		if cancel, ok := m.monitors[id]; ok {
			cancel()
			delete(m.monitors, id)
		}
		mo.Status = model.StatusCancelled
		mo.UpdatedAt = time.Now().UTC()
		m.appendHistoryLocked(mo)
		m.mu.Unlock()
		m.log.Info().Str("client_order_id", id).Msg("Conditional order cancelled")
		return nil
	}
	mo, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}

	if err := m.venue.CancelOrder(ctx, mo.Order.Symbol, mo.Order.OrderID); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.active, id)
	mo.Status = model.StatusCancelled
	mo.UpdatedAt = time.Now().UTC()
	m.appendHistoryLocked(mo)
	m.mu.Unlock()
	m.log.Info().Str("order_id", id).Str("symbol", mo.Order.Symbol).Msg("Order cancelled")
	return nil
}

// NotifyOrderFilled migrates an active order to history on a venue
// fill notice. Unknown ids report false so stream consumers can skip
// foreign orders.
func (m *Manager) NotifyOrderFilled(orderID string, fillPrice, fillQty float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.active[orderID]
	if !ok {
		return false
	}
	delete(m.active, orderID)
	mo.Status = model.StatusFilled
	if fillPrice > 0 {
		mo.FillPrice = fillPrice
	}
	if fillQty > 0 {
		mo.FilledQty = fillQty
	}
	mo.UpdatedAt = time.Now().UTC()
	m.appendHistoryLocked(mo)
	return true
}

// Order looks up one order across all bags.
func (m *Manager) Order(id string) (*ManagedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mo, ok := m.active[id]; ok {
		cp := *mo
		return &cp, nil
	}
	if mo, ok := m.conditional[id]; ok {
		cp := *mo
		return &cp, nil
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].id() == id {
			cp := *m.history[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
}

// ActiveOrders snapshots the active bag.
func (m *Manager) ActiveOrders() []ManagedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ManagedOrder, 0, len(m.active))
	for _, mo := range m.active {
		out = append(out, *mo)
	}
	return out
}

// ConditionalOrders snapshots the conditional bag.
func (m *Manager) ConditionalOrders() []ManagedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ManagedOrder, 0, len(m.conditional))
	for _, mo := range m.conditional {
		out = append(out, *mo)
	}
	return out
}

// History returns up to limit most recent terminal orders, newest
// first. limit <= 0 returns everything.
func (m *Manager) History(limit int) []ManagedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ManagedOrder, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, *m.history[i])
	}
	return out
}

// OrderSummary counts tracked orders per bag and per status.
func (m *Manager) OrderSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{
		Active:      len(m.active),
		Conditional: len(m.conditional),
		History:     len(m.history),
		ByStatus:    make(map[model.OrderStatus]int),
	}
	for _, mo := range m.active {
		s.ByStatus[mo.Status]++
	}
	for _, mo := range m.conditional {
		s.ByStatus[mo.Status]++
	}
	for _, mo := range m.history {
		s.ByStatus[mo.Status]++
	}
	return s
}

// currentPrice serves the cached last price when fresh, otherwise
// fetches from the venue.
func (m *Manager) currentPrice(ctx context.Context, symbol string) (float64, error) {
	now := time.Now()
	m.mu.Lock()
	if pp, ok := m.prices[symbol]; ok && now.Sub(pp.at) <= m.cfg.PriceCacheTTL {
		m.mu.Unlock()
		return pp.price, nil
	}
	m.mu.Unlock()

	price, err := m.venue.GetSymbolPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.prices[symbol] = pricePoint{price: price, at: now}
	m.mu.Unlock()
	return price, nil
}

func (m *Manager) appendHistoryLocked(mo *ManagedOrder) {
	m.history = append(m.history, mo)
	if over := len(m.history) - m.cfg.HistoryLimit; over > 0 {
		m.history = append([]*ManagedOrder(nil), m.history[over:]...)
	}
}
