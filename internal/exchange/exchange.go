// Package exchange is the venue capability: a typed client interface,
// the Binance futures implementation, an in-memory simulator for
// paper-trade mode and tests, and a circuit-breaker decorator.
package exchange

import (
	"context"

	"tradeengine/internal/model"
)

// CancelResult is one entry of a batch cancel outcome.
type CancelResult struct {
	OrderID   string `json:"order_id"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
}

// Position is the venue's view of one hedge-mode position bucket.
type Position struct {
	Symbol        string             `json:"symbol"`
	PositionSide  model.PositionSide `json:"position_side"`
	Quantity      float64            `json:"quantity"`
	EntryPrice    float64            `json:"entry_price"`
	MarkPrice     float64            `json:"mark_price"`
	UnrealizedPnl float64            `json:"unrealized_pnl"`
	Leverage      int                `json:"leverage"`
}

// Client is the exchange capability consumed by the engine. All calls
// are cancellable; implementations retry transient failures internally
// and surface venue business errors as *APIError.
type Client interface {
	// Name identifies the venue for logs and metric labels.
	Name() string

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Execute submits an order and reports the outcome. A nil error
	// means the venue accepted the order; the result status says how
	// far it got (filled, partial, pending).
	Execute(ctx context.Context, order *model.Order) (*model.ExecutionResult, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// BatchCancel cancels several orders, reporting per-order outcomes.
	BatchCancel(ctx context.Context, symbol string, orderIDs []string) []CancelResult

	// GetOpenOrders lists resting orders for a symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]model.OpenOrder, error)

	// GetSymbolPrice returns the last traded price.
	GetSymbolPrice(ctx context.Context, symbol string) (float64, error)

	// GetSymbolInfo returns the venue trading rules for a symbol.
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	// ChangeLeverage sets leverage for a symbol and returns the value
	// now in force on the venue.
	ChangeLeverage(ctx context.Context, symbol string, leverage int) (int, error)

	// SetPositionMode switches between hedge and one-way mode.
	SetPositionMode(ctx context.Context, hedge bool) error

	// GetAccountBalance returns the free quote-asset balance in USD.
	GetAccountBalance(ctx context.Context) (float64, error)

	// GetPositions lists all non-flat positions.
	GetPositions(ctx context.Context) ([]Position, error)
}
