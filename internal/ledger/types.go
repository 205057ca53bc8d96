package ledger

import (
	"time"

	"tradeengine/internal/model"
)

// Position status values. A strategy position goes open → partial →
// closed; an exchange position is open until its quantity drains to
// zero.
const (
	StatusOpen    = "open"
	StatusPartial = "partial"
	StatusClosed  = "closed"
)

// StrategyPosition is the virtual record of what one strategy owns.
// Several strategy positions may project onto one exchange position.
type StrategyPosition struct {
	StrategyPositionID  string             `json:"strategy_position_id"`
	StrategyID          string             `json:"strategy_id"`
	SignalID            string             `json:"signal_id,omitempty"`
	Symbol              string             `json:"symbol"`
	Side                model.PositionSide `json:"side"`
	EntryQuantity       float64            `json:"entry_quantity"`
	RemainingQuantity   float64            `json:"remaining_quantity"`
	EntryPrice          float64            `json:"entry_price"`
	EntryTime           time.Time          `json:"entry_time"`
	TakeProfitPrice     float64            `json:"take_profit_price,omitempty"`
	StopLossPrice       float64            `json:"stop_loss_price,omitempty"`
	TakeProfitOrderID   string             `json:"take_profit_order_id,omitempty"`
	StopLossOrderID     string             `json:"stop_loss_order_id,omitempty"`
	Status              string             `json:"status"`
	ExchangePositionKey string             `json:"exchange_position_key"`
	RealizedPnl         float64            `json:"realized_pnl"`
	CloseReason         string             `json:"close_reason,omitempty"`
	ExitPrice           float64            `json:"exit_price,omitempty"`
	ExitOrderID         string             `json:"exit_order_id,omitempty"`
	ClosedAt            *time.Time         `json:"closed_at,omitempty"`
}

// ExchangePosition aggregates every strategy's contribution to one
// (symbol, side) bucket on the venue.
type ExchangePosition struct {
	ExchangePositionKey    string             `json:"exchange_position_key"`
	Symbol                 string             `json:"symbol"`
	PositionSide           model.PositionSide `json:"position_side"`
	CurrentQuantity        float64            `json:"current_quantity"`
	WeightedAvgPrice       float64            `json:"weighted_avg_price"`
	ContributingStrategies []string           `json:"contributing_strategies"`
	TotalContributions     int                `json:"total_contributions"`
	Status                 string             `json:"status"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Notional is the position's current USD value at its average price.
func (p *ExchangePosition) Notional() float64 {
	return p.CurrentQuantity * p.WeightedAvgPrice
}

// Contribution links one strategy position to its slice of an
// exchange position.
type Contribution struct {
	ContributionID      string     `json:"contribution_id"`
	StrategyPositionID  string     `json:"strategy_position_id"`
	ExchangePositionKey string     `json:"exchange_position_key"`
	StrategyID          string     `json:"strategy_id"`
	Quantity            float64    `json:"quantity"`
	EntryPrice          float64    `json:"entry_price"`
	PositionSequence    int        `json:"position_sequence"`
	QuantityBefore      float64    `json:"quantity_before"`
	QuantityAfter       float64    `json:"quantity_after"`
	Status              string     `json:"status"`
	ExitPrice           float64    `json:"exit_price,omitempty"`
	Pnl                 float64    `json:"pnl,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
}

// CloseRequest asks the ledger to close (part of) a strategy position.
// ExitQuantity zero means the full remaining quantity.
type CloseRequest struct {
	StrategyPositionID string
	ExitPrice          float64
	ExitQuantity       float64
	CloseReason        string
	ExitOrderID        string
}

// CloseResult reports the realized outcome of one close.
type CloseResult struct {
	StrategyPositionID string             `json:"strategy_position_id"`
	Symbol             string             `json:"symbol"`
	Side               model.PositionSide `json:"side"`
	ClosedQuantity     float64            `json:"closed_quantity"`
	ExitPrice          float64            `json:"exit_price"`
	Pnl                float64            `json:"pnl"`
	PnlPct             float64            `json:"pnl_percent"`
	FullyClosed        bool               `json:"fully_closed"`
	ExchangeClosed     bool               `json:"exchange_closed"`
}
