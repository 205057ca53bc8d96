// Package engine is the composition root: it cross-wires the trading
// components, supervises their long-lived loops and owns startup and
// shutdown order.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradeengine/internal/aggregator"
	"tradeengine/internal/api"
	"tradeengine/internal/datastore"
	"tradeengine/internal/dispatcher"
	"tradeengine/internal/exchange"
	"tradeengine/internal/ledger"
	"tradeengine/internal/leverage"
	"tradeengine/internal/metrics"
	"tradeengine/internal/oco"
	"tradeengine/internal/orders"
	"tradeengine/internal/risk"
	"tradeengine/internal/stream"
	"tradeengine/internal/tradingconfig"
)

// Config tunes the engine supervisor.
type Config struct {
	// Symbols the engine trades; leverage is synced for these at start.
	Symbols []string
	// TelemetryInterval paces the balance / unrealized-P&L refresh.
	TelemetryInterval time.Duration
	// ShutdownTimeout bounds the drain of the HTTP server.
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 15 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Deps are the fully constructed components the engine supervises.
type Deps struct {
	Resolver   *tradingconfig.Resolver
	Leverage   *leverage.Manager
	Ledger     *ledger.Ledger
	Aggregator *aggregator.Aggregator
	Risk       *risk.Guard
	Dispatcher *dispatcher.Dispatcher
	OCO        *oco.Manager
	Orders     *orders.Manager
	Stream     *stream.Consumer
	API        *api.Server
	Exchange   exchange.Client
	Store      datastore.Store
	Metrics    *metrics.Metrics
}

// Engine supervises the trading core.
type Engine struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
}

// New cross-wires the components: the order manager becomes the
// dispatcher's tracker, the guard becomes the aggregator's risk
// checker, and stream fills fan out to the OCO and order managers.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	e := &Engine{cfg: cfg, deps: deps, log: logger.With().Str("component", "Engine").Logger()}

	deps.Dispatcher.SetOrderTracker(deps.Orders)
	deps.Aggregator.SetRiskChecker(deps.Risk)
	deps.Stream.OnFill(func(ctx context.Context, update stream.OrderUpdate) {
		if deps.OCO.NotifyOrderFilled(ctx, update.OrderID) {
			return
		}
		deps.Orders.NotifyOrderFilled(update.OrderID, update.AvgPrice, update.FilledQty)
	})
	return e
}

// Run starts everything and blocks until ctx is cancelled or a
// supervised loop fails. Shutdown is ordered: intake stops first,
// monitors next, connections last.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.deps.Exchange.Ping(ctx); err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}
	if err := e.deps.Exchange.SetPositionMode(ctx, true); err != nil {
		// The venue rejects a no-op mode change; everything else is
		// worth surfacing but not fatal.
		e.log.Warn().Err(err).Msg("Hedge mode switch not applied")
	}

	if err := e.deps.Ledger.Load(ctx); err != nil {
		return fmt.Errorf("ledger load: %w", err)
	}
	e.readoptBrackets()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.deps.Resolver.Start(runCtx)
	e.deps.Aggregator.Start(runCtx)
	e.deps.Dispatcher.Start(runCtx)
	e.deps.Orders.Start(runCtx)
	e.deps.OCO.Start(runCtx)

	e.syncLeverage(runCtx)

	if err := e.deps.Stream.Start(runCtx); err != nil {
		e.log.Warn().Err(err).Msg("User data stream unavailable, relying on the polling monitor")
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return e.deps.API.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, sdCancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
		defer sdCancel()
		return e.deps.API.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		e.closeEventLoop(gctx)
		return nil
	})
	g.Go(func() error {
		e.telemetryLoop(gctx)
		return nil
	})

	e.log.Info().Strs("symbols", e.cfg.Symbols).Msg("Engine running")
	err := g.Wait()

	e.deps.Stream.Stop()
	e.deps.OCO.Stop()
	e.deps.Orders.Stop()
	e.deps.Dispatcher.Stop()
	e.deps.Aggregator.Stop()
	e.deps.Resolver.Stop()
	e.deps.Store.Close()

	e.log.Info().Msg("Engine stopped")
	if err != nil && ctx.Err() != nil {
		// Cancellation-driven exit, not a component failure.
		return nil
	}
	return err
}

// closeEventLoop applies OCO fill events to the ledger and books the
// realized P&L into the risk guard. This is the inverted close-event
// edge: the OCO manager never touches the ledger directly.
func (e *Engine) closeEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.deps.OCO.CloseEvents():
			res, err := e.deps.Ledger.CloseStrategyPosition(ctx, ledger.CloseRequest{
				StrategyPositionID: ev.StrategyPositionID,
				ExitPrice:          ev.ExitPrice,
				ExitQuantity:       ev.Quantity,
				CloseReason:        ev.CloseReason,
				ExitOrderID:        ev.FilledOrderID,
			})
			if err != nil {
				e.log.Error().Err(err).
					Str("strategy_position_id", ev.StrategyPositionID).
					Str("close_reason", ev.CloseReason).
					Msg("Bracket close did not book")
				continue
			}
			e.deps.Risk.RecordRealizedPnl(res.Pnl)
			e.log.Info().
				Str("strategy_position_id", ev.StrategyPositionID).
				Str("close_reason", ev.CloseReason).
				Float64("exit_price", ev.ExitPrice).
				Float64("pnl", res.Pnl).
				Msg("Bracket close booked")
		}
	}
}

// telemetryLoop refreshes the portfolio value and unrealized-P&L
// gauges from the venue.
func (e *Engine) telemetryLoop(ctx context.Context) {
	refresh := func() {
		if balance, err := e.deps.Exchange.GetAccountBalance(ctx); err == nil {
			e.deps.Risk.UpdatePortfolioValue(balance)
		} else {
			e.log.Debug().Err(err).Msg("Balance refresh failed")
		}
		positions, err := e.deps.Exchange.GetPositions(ctx)
		if err != nil {
			e.log.Debug().Err(err).Msg("Position refresh failed")
			return
		}
		var unrealized float64
		for _, p := range positions {
			unrealized += p.UnrealizedPnl
		}
		e.deps.Metrics.SetUnrealizedPnl(unrealized)
	}

	refresh()
	ticker := time.NewTicker(e.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// syncLeverage reconciles venue leverage for every configured symbol
// using each symbol's resolved config.
func (e *Engine) syncLeverage(ctx context.Context) {
	targets := make(map[string]int, len(e.cfg.Symbols))
	for _, symbol := range e.cfg.Symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		params, err := e.deps.Resolver.GetConfig(ctx, symbol, "")
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("Config unavailable for leverage sync")
			continue
		}
		if target, ok := params.Int(tradingconfig.KeyLeverage); ok {
			targets[symbol] = target
		}
	}
	if len(targets) == 0 {
		return
	}
	succeeded, failed := e.deps.Leverage.SyncAll(ctx, targets)
	e.log.Info().Int("succeeded", succeeded).Int("failed", failed).Msg("Startup leverage sync done")
}

// readoptBrackets re-registers OCO pairs for open strategy positions
// whose bracket orders survived a restart, so the monitor resumes
// watching them.
func (e *Engine) readoptBrackets() {
	adopted := 0
	for _, ep := range e.deps.Ledger.OpenPositions() {
		for _, sp := range e.deps.Ledger.OpenStrategyPositions(ep.Symbol, ep.PositionSide) {
			if sp.StopLossOrderID == "" || sp.TakeProfitOrderID == "" {
				continue
			}
			e.deps.OCO.Adopt(oco.Pair{
				PositionID:         sp.StrategyPositionID,
				StrategyPositionID: sp.StrategyPositionID,
				Symbol:             sp.Symbol,
				PositionSide:       sp.Side,
				Quantity:           sp.RemainingQuantity,
				StopLossPrice:      sp.StopLossPrice,
				TakeProfitPrice:    sp.TakeProfitPrice,
				SLOrderID:          sp.StopLossOrderID,
				TPOrderID:          sp.TakeProfitOrderID,
				Status:             oco.PairActive,
				CreatedAt:          sp.EntryTime,
			})
			adopted++
		}
	}
	if adopted > 0 {
		e.log.Info().Int("pairs", adopted).Msg("Re-adopted bracket pairs from ledger")
	}
}
