// Package oco manages paired stop-loss/take-profit brackets on hedge
// positions. A pair is atomic: both legs rest on the venue or neither
// does. A background monitor infers leg fills from the open-orders
// listing, cancels the surviving sibling, and emits a close event for
// the position ledger.
package oco

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradeengine/internal/exchange"
	"tradeengine/internal/model"
)

// ErrPairNotFound is returned when no pair matches the given id.
var ErrPairNotFound = errors.New("oco pair not found")

// PairStatus is the lifecycle state of a bracket pair.
type PairStatus string

const (
	PairActive    PairStatus = "active"
	PairCompleted PairStatus = "completed"
	PairCancelled PairStatus = "cancelled"
	PairFailed    PairStatus = "failed"
)

// Close reasons reported on emitted close events.
const (
	CloseReasonStopLoss   = "stop_loss"
	CloseReasonTakeProfit = "take_profit"
)

// Pair is one armed stop-loss/take-profit bracket. Both legs are
// reduce-only and share the same quantity.
type Pair struct {
	PositionID         string             `json:"position_id"`
	StrategyPositionID string             `json:"strategy_position_id"`
	Symbol             string             `json:"symbol"`
	PositionSide       model.PositionSide `json:"position_side"`
	Quantity           float64            `json:"quantity"`
	StopLossPrice      float64            `json:"stop_loss_price"`
	TakeProfitPrice    float64            `json:"take_profit_price"`
	SLOrderID          string             `json:"sl_order_id"`
	TPOrderID          string             `json:"tp_order_id"`
	Status             PairStatus         `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`

	// Consecutive scans each leg has been absent from the venue's
	// open-orders listing. A single absent scan can be a listing gap.
	slMissing int
	tpMissing int
}

// Key is the exchange position bucket this pair protects.
func (p *Pair) Key() string {
	return model.PositionKey(p.Symbol, p.PositionSide)
}

// PlaceRequest asks for a bracket around an open position slice.
// EntryPrice is optional; when set, bracket geometry is validated
// against it.
type PlaceRequest struct {
	PositionID         string             `json:"position_id,omitempty"`
	StrategyPositionID string             `json:"strategy_position_id,omitempty"`
	Symbol             string             `json:"symbol"`
	PositionSide       model.PositionSide `json:"position_side"`
	Quantity           float64            `json:"quantity"`
	EntryPrice         float64            `json:"entry_price,omitempty"`
	StopLossPrice      float64            `json:"stop_loss_price"`
	TakeProfitPrice    float64            `json:"take_profit_price"`
	// Optional caller-minted client order ids so bracket legs stay
	// traceable to their entry order on the venue.
	SLClientOrderID string `json:"-"`
	TPClientOrderID string `json:"-"`
}

// CloseEvent reports a bracket leg fill to the close-event consumer.
// ExitPrice is the filled leg's trigger price.
type CloseEvent struct {
	PositionID         string             `json:"position_id"`
	StrategyPositionID string             `json:"strategy_position_id"`
	Symbol             string             `json:"symbol"`
	PositionSide       model.PositionSide `json:"position_side"`
	Quantity           float64            `json:"quantity"`
	ExitPrice          float64            `json:"exit_price"`
	CloseReason        string             `json:"close_reason"`
	FilledOrderID      string             `json:"filled_order_id"`
}

// Config tunes the bracket monitor.
type Config struct {
	// ScanInterval is the open-orders polling cadence.
	ScanInterval time.Duration
	// ErrorBackoff pauses the monitor after a scan failure.
	ErrorBackoff time.Duration
	// MissingScans is how many consecutive absent scans a leg needs
	// before its fill is inferred.
	MissingScans int
	// EventBuffer sizes the close-event channel.
	EventBuffer int
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.MissingScans <= 0 {
		c.MissingScans = 2
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

// Manager places and supervises bracket pairs. The monitor goroutine
// starts with the first placement and exits when the last pair leaves
// the map.
type Manager struct {
	cfg      Config
	exchange exchange.Client
	log      zerolog.Logger
	events   chan CloseEvent

	mu      sync.Mutex
	pairs   map[string][]*Pair // exchange position key -> pairs
	baseCtx context.Context
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, client exchange.Client, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		exchange: client,
		log:      logger.With().Str("component", "OCOManager").Logger(),
		events:   make(chan CloseEvent, cfg.EventBuffer),
		pairs:    make(map[string][]*Pair),
		baseCtx:  context.Background(),
	}
}

// Start anchors the monitor lifetime to ctx. Placements before Start
// run the monitor on the background context.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseCtx = ctx
	m.stopped = false
}

// Stop cancels the monitor and waits for it to exit. Armed pairs stay
// on the venue; they are re-adopted via Adopt on restart.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// CloseEvents is the stream of inferred bracket fills. The engine
// consumes it to close ledger positions and book realized pnl.
func (m *Manager) CloseEvents() <-chan CloseEvent {
	return m.events
}

// PlaceOCOOrders arms a stop-loss/take-profit bracket for one position
// slice. Both legs are reduce-only on the position's close side. If the
// second leg fails, the first is cancelled so the pair never rests
// half-armed.
func (m *Manager) PlaceOCOOrders(ctx context.Context, req PlaceRequest) (*Pair, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if req.PositionID == "" {
		req.PositionID = uuid.NewString()
	}
	if req.StrategyPositionID == "" {
		req.StrategyPositionID = req.PositionID
	}

	closeSide := req.PositionSide.CloseSide()
	slRes, err := m.exchange.Execute(ctx, &model.Order{
		ClientOrderID: req.SLClientOrderID,
		Symbol:        req.Symbol,
		Side:          closeSide,
		Type:          model.OrderTypeStop,
		Amount:        req.Quantity,
		TargetPrice:   req.StopLossPrice,
		PositionSide:  req.PositionSide,
		ReduceOnly:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("place stop loss: %w", err)
	}

	tpRes, err := m.exchange.Execute(ctx, &model.Order{
		ClientOrderID: req.TPClientOrderID,
		Symbol:        req.Symbol,
		Side:          closeSide,
		Type:          model.OrderTypeTakeProfit,
		Amount:        req.Quantity,
		TargetPrice:   req.TakeProfitPrice,
		PositionSide:  req.PositionSide,
		ReduceOnly:    true,
	})
	if err != nil {
		if cerr := m.exchange.CancelOrder(ctx, req.Symbol, slRes.OrderID); cerr != nil && !exchange.IsUnknownOrder(cerr) {
			m.log.Error().Err(cerr).
				Str("symbol", req.Symbol).
				Str("order_id", slRes.OrderID).
				Msg("Failed to unwind stop loss leg after take profit failure")
		}
		return nil, fmt.Errorf("place take profit: %w", err)
	}

	pair := &Pair{
		PositionID:         req.PositionID,
		StrategyPositionID: req.StrategyPositionID,
		Symbol:             req.Symbol,
		PositionSide:       req.PositionSide,
		Quantity:           req.Quantity,
		StopLossPrice:      req.StopLossPrice,
		TakeProfitPrice:    req.TakeProfitPrice,
		SLOrderID:          slRes.OrderID,
		TPOrderID:          tpRes.OrderID,
		Status:             PairActive,
		CreatedAt:          time.Now().UTC(),
	}
	m.adopt(pair)

	m.log.Info().
		Str("position_id", pair.PositionID).
		Str("strategy_position_id", pair.StrategyPositionID).
		Str("symbol", pair.Symbol).
		Str("position_side", string(pair.PositionSide)).
		Float64("quantity", pair.Quantity).
		Float64("stop_loss", pair.StopLossPrice).
		Float64("take_profit", pair.TakeProfitPrice).
		Str("sl_order_id", pair.SLOrderID).
		Str("tp_order_id", pair.TPOrderID).
		Msg("OCO pair armed")

	cp := *pair
	return &cp, nil
}

// Adopt registers an already-resting pair, used on restart to resume
// supervision of brackets placed by a previous run.
func (m *Manager) Adopt(pair Pair) {
	if pair.PositionID == "" {
		pair.PositionID = uuid.NewString()
	}
	pair.Status = PairActive
	pair.slMissing = 0
	pair.tpMissing = 0
	m.adopt(&pair)
}

func (m *Manager) adopt(pair *Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pair.Key()
	m.pairs[key] = append(m.pairs[key], pair)
	m.ensureMonitorLocked()
}

// CancelOCOPair cancels both legs and removes the pair. Legs the venue
// no longer knows count as cancelled.
func (m *Manager) CancelOCOPair(ctx context.Context, positionID string) error {
	pair := m.findPair(positionID)
	if pair == nil {
		return ErrPairNotFound
	}

	results := m.exchange.BatchCancel(ctx, pair.Symbol, []string{pair.SLOrderID, pair.TPOrderID})
	for _, res := range results {
		if !res.Cancelled {
			return fmt.Errorf("cancel order %s: %s", res.OrderID, res.Error)
		}
	}

	m.mu.Lock()
	if pair.Status == PairActive {
		pair.Status = PairCancelled
	}
	m.pruneLocked()
	m.mu.Unlock()

	m.log.Info().
		Str("position_id", pair.PositionID).
		Str("symbol", pair.Symbol).
		Msg("OCO pair cancelled")
	return nil
}

// CancelPairsForKey cancels every pair protecting an exchange position
// bucket, used when the whole position is being closed. The first
// failure is returned after attempting all pairs.
func (m *Manager) CancelPairsForKey(ctx context.Context, key string) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pairs[key]))
	for _, p := range m.pairs[key] {
		if p.Status == PairActive {
			ids = append(ids, p.PositionID)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.CancelOCOPair(ctx, id); err != nil && !errors.Is(err, ErrPairNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CancelOtherOrder completes a pair after one leg filled: the sibling
// is cancelled and a close event is emitted for the filled leg.
func (m *Manager) CancelOtherOrder(ctx context.Context, positionID, filledOrderID string) error {
	pair := m.findPair(positionID)
	if pair == nil {
		return ErrPairNotFound
	}
	if filledOrderID != pair.SLOrderID && filledOrderID != pair.TPOrderID {
		return fmt.Errorf("order %s does not belong to pair %s", filledOrderID, positionID)
	}
	return m.completePair(ctx, pair, filledOrderID)
}

// NotifyOrderFilled is the fast path fed by the user-data stream: if
// the order id is a leg of an active pair, the pair completes without
// waiting for the polling monitor. Returns false when the id is not a
// tracked leg.
func (m *Manager) NotifyOrderFilled(ctx context.Context, orderID string) bool {
	m.mu.Lock()
	var pair *Pair
	for _, list := range m.pairs {
		for _, p := range list {
			if p.Status == PairActive && (p.SLOrderID == orderID || p.TPOrderID == orderID) {
				pair = p
				break
			}
		}
		if pair != nil {
			break
		}
	}
	m.mu.Unlock()

	if pair == nil {
		return false
	}
	if err := m.completePair(ctx, pair, orderID); err != nil {
		m.log.Error().Err(err).
			Str("order_id", orderID).
			Msg("Failed to complete pair on fill notice")
		return false
	}
	return true
}

// ActivePairCount reports how many pairs are being supervised.
func (m *Manager) ActivePairCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.pairs {
		for _, p := range list {
			if p.Status == PairActive {
				n++
			}
		}
	}
	return n
}

// PairsForKey returns copies of the pairs on one exchange position
// bucket.
func (m *Manager) PairsForKey(key string) []Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pair, 0, len(m.pairs[key]))
	for _, p := range m.pairs[key] {
		out = append(out, *p)
	}
	return out
}

// Pairs returns copies of every tracked pair.
func (m *Manager) Pairs() []Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Pair
	for _, list := range m.pairs {
		for _, p := range list {
			out = append(out, *p)
		}
	}
	return out
}

func (m *Manager) findPair(positionID string) *Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.pairs {
		for _, p := range list {
			if p.PositionID == positionID {
				return p
			}
		}
	}
	return nil
}

// completePair cancels the surviving sibling, marks the pair completed
// and emits the close event. Safe to call from the monitor and the fill
// fast path concurrently; only the first caller emits.
func (m *Manager) completePair(ctx context.Context, pair *Pair, filledOrderID string) error {
	siblingID := pair.TPOrderID
	reason := CloseReasonStopLoss
	exitPrice := pair.StopLossPrice
	if filledOrderID == pair.TPOrderID {
		siblingID = pair.SLOrderID
		reason = CloseReasonTakeProfit
		exitPrice = pair.TakeProfitPrice
	}

	if err := m.exchange.CancelOrder(ctx, pair.Symbol, siblingID); err != nil && !exchange.IsUnknownOrder(err) {
		return fmt.Errorf("cancel sibling %s: %w", siblingID, err)
	}

	m.mu.Lock()
	if pair.Status != PairActive {
		m.mu.Unlock()
		return nil
	}
	pair.Status = PairCompleted
	m.pruneLocked()
	m.mu.Unlock()

	ev := CloseEvent{
		PositionID:         pair.PositionID,
		StrategyPositionID: pair.StrategyPositionID,
		Symbol:             pair.Symbol,
		PositionSide:       pair.PositionSide,
		Quantity:           pair.Quantity,
		ExitPrice:          exitPrice,
		CloseReason:        reason,
		FilledOrderID:      filledOrderID,
	}
	select {
	case m.events <- ev:
	case <-ctx.Done():
		m.log.Warn().
			Str("position_id", pair.PositionID).
			Msg("Close event dropped during shutdown")
	}

	m.log.Info().
		Str("position_id", pair.PositionID).
		Str("strategy_position_id", pair.StrategyPositionID).
		Str("symbol", pair.Symbol).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Msg("OCO pair completed")
	return nil
}

// ensureMonitorLocked starts the monitor if it is not running. Caller
// holds m.mu.
func (m *Manager) ensureMonitorLocked() {
	if m.running || m.stopped {
		return
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.monitorLoop(ctx, cancel)
	m.log.Info().Dur("scan_interval", m.cfg.ScanInterval).Msg("OCO monitor started")
}

func (m *Manager) monitorLoop(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		m.wg.Done()
	}()

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			// scan flips running off under the same lock as the idle
			// decision, so a placement landing here starts a fresh
			// monitor instead of going unsupervised.
			if idle := m.scan(ctx); idle {
				m.log.Info().Msg("OCO monitor stopped, no pairs left")
				return
			}
		}
	}
}

// fillInference is a leg fill the scan deduced and must act on outside
// the lock.
type fillInference struct {
	pair     *Pair
	filledID string
}

// scan runs one monitor pass over every symbol with active pairs and
// reports whether the pair map emptied.
func (m *Manager) scan(ctx context.Context) bool {
	for _, symbol := range m.activeSymbols() {
		open, err := m.exchange.GetOpenOrders(ctx, symbol)
		if err != nil {
			m.log.Warn().Err(err).
				Str("symbol", symbol).
				Dur("backoff", m.cfg.ErrorBackoff).
				Msg("Open orders scan failed, backing off")
			select {
			case <-time.After(m.cfg.ErrorBackoff):
			case <-ctx.Done():
			}
			return false
		}

		resting := make(map[string]bool, len(open))
		for _, o := range open {
			resting[o.OrderID] = true
		}

		for _, inf := range m.inspectSymbol(symbol, resting) {
			if err := m.completePair(ctx, inf.pair, inf.filledID); err != nil {
				m.log.Error().Err(err).
					Str("position_id", inf.pair.PositionID).
					Msg("Failed to complete pair, will retry next scan")
			}
		}
	}

	m.mu.Lock()
	m.pruneLocked()
	idle := len(m.pairs) == 0
	if idle {
		m.running = false
	}
	m.mu.Unlock()
	return idle
}

// inspectSymbol updates the missing-scan counters for one symbol's
// active pairs and collects the fills to act on. Pairs whose both legs
// vanished were handled externally and complete without an event.
func (m *Manager) inspectSymbol(symbol string, resting map[string]bool) []fillInference {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fills []fillInference
	for key, list := range m.pairs {
		for _, p := range list {
			if p.Symbol != symbol || p.Status != PairActive {
				continue
			}

			slExists := resting[p.SLOrderID]
			tpExists := resting[p.TPOrderID]
			switch {
			case slExists && tpExists:
				p.slMissing = 0
				p.tpMissing = 0
			case !slExists && !tpExists:
				p.slMissing++
				p.tpMissing++
				if p.slMissing >= m.cfg.MissingScans && p.tpMissing >= m.cfg.MissingScans {
					p.Status = PairCompleted
					m.log.Info().
						Str("position_id", p.PositionID).
						Str("key", key).
						Msg("Both OCO legs gone, pair handled externally")
				}
			case !slExists:
				p.slMissing++
				p.tpMissing = 0
				if p.slMissing >= m.cfg.MissingScans {
					fills = append(fills, fillInference{pair: p, filledID: p.SLOrderID})
				}
			default:
				p.tpMissing++
				p.slMissing = 0
				if p.tpMissing >= m.cfg.MissingScans {
					fills = append(fills, fillInference{pair: p, filledID: p.TPOrderID})
				}
			}
		}
	}
	return fills
}

// activeSymbols lists the distinct symbols that still have active
// pairs.
func (m *Manager) activeSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var symbols []string
	for _, list := range m.pairs {
		for _, p := range list {
			if p.Status == PairActive && !seen[p.Symbol] {
				seen[p.Symbol] = true
				symbols = append(symbols, p.Symbol)
			}
		}
	}
	return symbols
}

// pruneLocked drops completed and cancelled pairs. Caller holds m.mu.
func (m *Manager) pruneLocked() {
	for key, list := range m.pairs {
		kept := list[:0]
		for _, p := range list {
			if p.Status == PairActive {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(m.pairs, key)
		} else {
			m.pairs[key] = kept
		}
	}
}

func validateRequest(req *PlaceRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("oco request missing symbol")
	}
	if req.PositionSide != model.PositionSideLong && req.PositionSide != model.PositionSideShort {
		return fmt.Errorf("oco requires a hedge position side, got %q", req.PositionSide)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("oco quantity %.8f must be positive", req.Quantity)
	}
	if req.StopLossPrice <= 0 || req.TakeProfitPrice <= 0 {
		return fmt.Errorf("oco prices must be positive, sl=%.8f tp=%.8f", req.StopLossPrice, req.TakeProfitPrice)
	}
	if req.PositionSide == model.PositionSideLong {
		if req.StopLossPrice >= req.TakeProfitPrice {
			return fmt.Errorf("long bracket requires sl %.8f < tp %.8f", req.StopLossPrice, req.TakeProfitPrice)
		}
		if req.EntryPrice > 0 && (req.StopLossPrice >= req.EntryPrice || req.EntryPrice >= req.TakeProfitPrice) {
			return fmt.Errorf("long bracket requires sl %.8f < entry %.8f < tp %.8f",
				req.StopLossPrice, req.EntryPrice, req.TakeProfitPrice)
		}
		return nil
	}
	if req.TakeProfitPrice >= req.StopLossPrice {
		return fmt.Errorf("short bracket requires tp %.8f < sl %.8f", req.TakeProfitPrice, req.StopLossPrice)
	}
	if req.EntryPrice > 0 && (req.TakeProfitPrice >= req.EntryPrice || req.EntryPrice >= req.StopLossPrice) {
		return fmt.Errorf("short bracket requires tp %.8f < entry %.8f < sl %.8f",
			req.TakeProfitPrice, req.EntryPrice, req.StopLossPrice)
	}
	return nil
}
