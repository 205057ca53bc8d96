package model

import (
	"fmt"
	"time"
)

// OrderSide is the venue order direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the closing side for this side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PositionSide is the hedge-mode position bucket.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideBoth  PositionSide = "BOTH" // one-way mode, engine runs hedge
)

// CloseSide returns the order side that reduces a position on this side.
func (p PositionSide) CloseSide() OrderSide {
	if p == PositionSideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderType covers venue-native and client-side conditional types.
// Conditional types are never sent to the venue; the order manager
// monitors price and fires them locally.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStop             OrderType = "STOP"
	OrderTypeStopLimit        OrderType = "STOP_LIMIT"
	OrderTypeTakeProfit       OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit  OrderType = "TAKE_PROFIT_LIMIT"
	OrderTypeConditionalLimit OrderType = "CONDITIONAL_LIMIT"
	OrderTypeConditionalStop  OrderType = "CONDITIONAL_STOP"
)

// Conditional reports whether this type is triggered client-side.
func (t OrderType) Conditional() bool {
	return t == OrderTypeConditionalLimit || t == OrderTypeConditionalStop
}

func (t OrderType) valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit,
		OrderTypeTakeProfit, OrderTypeTakeProfitLimit,
		OrderTypeConditionalLimit, OrderTypeConditionalStop:
		return true
	}
	return false
}

// TimeInForce mirrors the venue's order lifetime options.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancel
	TimeInForceIOC TimeInForce = "IOC" // Immediate or Cancel
	TimeInForceFOK TimeInForce = "FOK" // Fill or Kill
	TimeInForceGTX TimeInForce = "GTX" // Post Only
)

// OrderStatus is the engine-side order state. Venue states are mapped
// into this set at the exchange boundary.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusExecuted  OrderStatus = "executed" // conditional fired client-side
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
	StatusFailed    OrderStatus = "failed"
	StatusTimeout   OrderStatus = "timeout"
	StatusError     OrderStatus = "error"
)

// Active reports whether the order still needs tracking.
func (s OrderStatus) Active() bool {
	return s == StatusPending || s == StatusPartial
}

// Order is an order request flowing from the dispatcher to the exchange
// capability. Status mutates as the order progresses; everything else is
// set once.
type Order struct {
	OrderID       string       `json:"order_id"`
	ClientOrderID string       `json:"client_order_id,omitempty"`
	Symbol        string       `json:"symbol"`
	Side          OrderSide    `json:"side"`
	Type          OrderType    `json:"type"`
	Amount        float64      `json:"amount"`
	TargetPrice   float64      `json:"target_price,omitempty"`
	StopLoss      float64      `json:"stop_loss,omitempty"`
	TakeProfit    float64      `json:"take_profit,omitempty"`
	TimeInForce   TimeInForce  `json:"time_in_force,omitempty"`
	PositionSide  PositionSide `json:"position_side"`
	ReduceOnly    bool         `json:"reduce_only"`
	Simulate      bool         `json:"simulate"`
	Status        OrderStatus  `json:"status,omitempty"`
	CreatedAt     time.Time    `json:"created_at,omitempty"`
}

// Validate checks the order is submittable. Reduce-only orders are
// exempt from notional minimums, which the exchange layer enforces; the
// amount must still be positive.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("order missing symbol")
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return fmt.Errorf("unknown order side %q", o.Side)
	}
	if !o.Type.valid() {
		return fmt.Errorf("unknown order type %q", o.Type)
	}
	if o.Amount <= 0 {
		return fmt.Errorf("order amount %.8f must be positive", o.Amount)
	}
	if o.PositionSide != PositionSideLong && o.PositionSide != PositionSideShort && o.PositionSide != PositionSideBoth {
		return fmt.Errorf("unknown position side %q", o.PositionSide)
	}
	switch o.Type {
	case OrderTypeLimit, OrderTypeStopLimit, OrderTypeTakeProfitLimit,
		OrderTypeConditionalLimit, OrderTypeConditionalStop:
		if o.TargetPrice <= 0 {
			return fmt.Errorf("order type %s requires target_price", o.Type)
		}
	}
	return nil
}

// Notional is the USD value of the order at the given reference price.
func (o *Order) Notional(price float64) float64 {
	return o.Amount * price
}

// ExecutionResult is the structured outcome of submitting an order, per
// the exchange capability contract. Failures are values here, not
// errors; transport errors surface as Status error with Error set.
type ExecutionResult struct {
	Status     OrderStatus    `json:"status"`
	OrderID    string         `json:"order_id,omitempty"`
	FillPrice  float64        `json:"fill_price,omitempty"`
	Amount     float64        `json:"amount,omitempty"`
	Commission float64        `json:"commission,omitempty"`
	Error      string         `json:"error,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// Filled reports whether the venue confirmed at least a partial fill.
func (r *ExecutionResult) Filled() bool {
	return r.Status == StatusFilled || r.Status == StatusPartial
}

// OpenOrder is the venue's view of a resting order, as returned by the
// open-orders listing. The OCO monitor matches on OrderID.
type OpenOrder struct {
	OrderID      string       `json:"order_id"`
	Symbol       string       `json:"symbol"`
	Type         OrderType    `json:"type"`
	Side         OrderSide    `json:"side"`
	PositionSide PositionSide `json:"position_side"`
	Price        float64      `json:"price,omitempty"`
	StopPrice    float64      `json:"stop_price,omitempty"`
	Quantity     float64      `json:"quantity"`
	ReduceOnly   bool         `json:"reduce_only"`
	Status       OrderStatus  `json:"status"`
}

// PositionKey is the aggregated exchange-position identifier for a
// (symbol, side) pair, e.g. "BTCUSDT_LONG".
func PositionKey(symbol string, side PositionSide) string {
	return fmt.Sprintf("%s_%s", symbol, side)
}
