package exchange

import (
	"github.com/shopspring/decimal"
)

// SymbolFilters carries the venue trading rules the engine enforces
// before submission. Zero values mean the venue did not publish the
// filter and the corresponding check is skipped.
type SymbolFilters struct {
	MinNotional    float64 `json:"min_notional"`
	MinQty         float64 `json:"min_qty"`
	MaxQty         float64 `json:"max_qty"`
	StepSize       float64 `json:"step_size"`
	TickSize       float64 `json:"tick_size"`
	MultiplierUp   float64 `json:"multiplier_up"`
	MultiplierDown float64 `json:"multiplier_down"`
}

// SymbolInfo is the venue's published contract spec for one symbol.
type SymbolInfo struct {
	Symbol            string        `json:"symbol"`
	PricePrecision    int           `json:"price_precision"`
	QuantityPrecision int           `json:"quantity_precision"`
	Filters           SymbolFilters `json:"filters"`
}

// QuantizeQty floors a quantity to the LOT_SIZE step. Flooring keeps
// the order inside the account's intent; rounding up could exceed it.
func (f SymbolFilters) QuantizeQty(qty float64) float64 {
	if f.StepSize <= 0 || qty <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(f.StepSize)
	out := decimal.NewFromFloat(qty).Div(step).Floor().Mul(step)
	v, _ := out.Float64()
	return v
}

// QuantizePrice rounds a price to the nearest tick.
func (f SymbolFilters) QuantizePrice(price float64) float64 {
	if f.TickSize <= 0 || price <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(f.TickSize)
	out := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick)
	v, _ := out.Float64()
	return v
}

// MinOrderQty returns the smallest tradeable quantity at the given
// price: the larger of LOT_SIZE minQty and the MIN_NOTIONAL-derived
// quantity, ceiled to the step so the result stays above the notional
// floor.
func (f SymbolFilters) MinOrderQty(price float64) float64 {
	floor := decimal.NewFromFloat(f.MinQty)
	if f.MinNotional > 0 && price > 0 {
		byNotional := decimal.NewFromFloat(f.MinNotional).Div(decimal.NewFromFloat(price))
		if f.StepSize > 0 {
			step := decimal.NewFromFloat(f.StepSize)
			byNotional = byNotional.Div(step).Ceil().Mul(step)
		}
		if byNotional.GreaterThan(floor) {
			floor = byNotional
		}
	}
	v, _ := floor.Float64()
	return v
}

// CheckOrderQty validates a quantity against LOT_SIZE and MIN_NOTIONAL.
// Reduce-only orders skip the notional floor: closing dust must always
// be possible.
func (f SymbolFilters) CheckOrderQty(qty, price float64, reduceOnly bool) error {
	if f.MinQty > 0 && qty < f.MinQty {
		return &APIError{Code: CodeNotionalTooSmall, Message: "quantity below LOT_SIZE minQty"}
	}
	if f.MaxQty > 0 && qty > f.MaxQty {
		return &APIError{Code: CodeNotionalTooSmall, Message: "quantity above LOT_SIZE maxQty"}
	}
	if !reduceOnly && f.MinNotional > 0 && price > 0 && qty*price < f.MinNotional {
		return &APIError{Code: CodeNotionalTooSmall, Message: "order notional below MIN_NOTIONAL"}
	}
	return nil
}

// PriceBounds returns the PERCENT_PRICE band around the reference
// price, or (0, 0) when the filter is absent.
func (f SymbolFilters) PriceBounds(reference float64) (lo, hi float64) {
	if f.MultiplierDown <= 0 || f.MultiplierUp <= 0 || reference <= 0 {
		return 0, 0
	}
	return reference * f.MultiplierDown, reference * f.MultiplierUp
}
