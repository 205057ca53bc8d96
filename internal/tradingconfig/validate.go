package tradingconfig

import (
	"fmt"
	"math"
)

// ValidationError describes one rejected parameter.
type ValidationError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Message)
}

var allowedOrderTypes = map[string]bool{
	"MARKET": true,
	"LIMIT":  true,
}

// rules maps known keys to their range checks. Unknown keys are
// strategy-defined and pass through unvalidated.
var rules = map[string]func(v any) *ValidationError{
	KeyLeverage:             intRange(KeyLeverage, 1, 125),
	KeyPositionSizePct:      unitRange(KeyPositionSizePct),
	KeyStopLossPct:          unitRange(KeyStopLossPct),
	KeyTakeProfitPct:        unitRange(KeyTakeProfitPct),
	KeyMaxPositionPct:       unitRange(KeyMaxPositionPct),
	KeyMaxDailyLossPct:      unitRange(KeyMaxDailyLossPct),
	KeyMaxPortfolioExposure: unitRange(KeyMaxPortfolioExposure),
	KeyAccumulationCooldown: nonNegative(KeyAccumulationCooldown),
	KeyOrderType:            orderTypeRule,
}

// Validate checks every known parameter against its rule and returns
// all violations at once.
func Validate(params Parameters) []ValidationError {
	var errs []ValidationError
	for key, rule := range rules {
		v, ok := params[key]
		if !ok {
			continue
		}
		if err := rule(v); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func intRange(key string, lo, hi int) func(v any) *ValidationError {
	return func(v any) *ValidationError {
		f, ok := toFloat(v)
		if !ok {
			return &ValidationError{Key: key, Message: "must be a number"}
		}
		if f != math.Trunc(f) {
			return &ValidationError{Key: key, Message: "must be an integer"}
		}
		n := int(f)
		if n < lo || n > hi {
			return &ValidationError{Key: key, Message: fmt.Sprintf("must be between %d and %d", lo, hi)}
		}
		return nil
	}
}

func unitRange(key string) func(v any) *ValidationError {
	return func(v any) *ValidationError {
		f, ok := toFloat(v)
		if !ok {
			return &ValidationError{Key: key, Message: "must be a number"}
		}
		if f < 0 || f > 1 {
			return &ValidationError{Key: key, Message: "must be between 0 and 1"}
		}
		return nil
	}
}

func nonNegative(key string) func(v any) *ValidationError {
	return func(v any) *ValidationError {
		f, ok := toFloat(v)
		if !ok {
			return &ValidationError{Key: key, Message: "must be a number"}
		}
		if f < 0 {
			return &ValidationError{Key: key, Message: "must not be negative"}
		}
		return nil
	}
}

func orderTypeRule(v any) *ValidationError {
	s, ok := v.(string)
	if !ok {
		return &ValidationError{Key: KeyOrderType, Message: "must be a string"}
	}
	if !allowedOrderTypes[s] {
		return &ValidationError{Key: KeyOrderType, Message: "must be MARKET or LIMIT"}
	}
	return nil
}
