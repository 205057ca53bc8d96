// Package tradingconfig resolves layered trading parameters: built-in
// defaults, then global overrides, then per-symbol, then per
// symbol-and-side. Every mutation is versioned and audited.
package tradingconfig

import (
	"math"
	"time"
)

// Scope identifies the layer a stored config belongs to.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeSymbol     Scope = "symbol"
	ScopeSymbolSide Scope = "symbol_side"
)

// Parameters is the key→value parameter map. Values come from JSON, so
// numbers are float64 unless set programmatically.
type Parameters map[string]any

// Float returns a numeric parameter. Integers stored programmatically
// are coerced.
func (p Parameters) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Int returns an integral numeric parameter. Non-integral floats
// report false.
func (p Parameters) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func (p Parameters) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

func (p Parameters) Bool(key string) (bool, bool) {
	b, ok := p[key].(bool)
	return b, ok
}

func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p with every key from over overriding.
func (p Parameters) Merge(over Parameters) Parameters {
	out := p.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Parameter keys the engine itself consumes. Strategy-defined keys pass
// through the overflow untouched.
const (
	KeyLeverage             = "leverage"
	KeyPositionSizePct      = "position_size_pct"
	KeyStopLossPct          = "stop_loss_pct"
	KeyTakeProfitPct        = "take_profit_pct"
	KeyMaxPositionPct       = "max_position_pct"
	KeyMaxDailyLossPct      = "max_daily_loss_pct"
	KeyMaxPortfolioExposure = "max_portfolio_exposure"
	KeyAccumulationCooldown = "accumulation_cooldown_sec"
	KeyOrderType            = "order_type"
)

// Defaults is the built-in base layer of every resolution.
func Defaults() Parameters {
	return Parameters{
		KeyLeverage:             10,
		KeyPositionSizePct:      0.05,
		KeyStopLossPct:          0.02,
		KeyTakeProfitPct:        0.05,
		KeyMaxPositionPct:       0.25,
		KeyMaxDailyLossPct:      0.05,
		KeyMaxPortfolioExposure: 0.80,
		KeyAccumulationCooldown: 300,
		KeyOrderType:            "MARKET",
	}
}

// TradingConfig is one stored layer.
type TradingConfig struct {
	Scope      Scope      `json:"scope"`
	Symbol     string     `json:"symbol,omitempty"`
	Side       string     `json:"side,omitempty"`
	Parameters Parameters `json:"parameters"`
	Version    int        `json:"version"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// AuditRecord captures one config mutation, before and after.
type AuditRecord struct {
	AuditID       string     `json:"audit_id"`
	Scope         Scope      `json:"scope"`
	Symbol        string     `json:"symbol,omitempty"`
	Side          string     `json:"side,omitempty"`
	Action        string     `json:"action"`
	Before        Parameters `json:"before,omitempty"`
	After         Parameters `json:"after,omitempty"`
	VersionBefore int        `json:"version_before"`
	VersionAfter  int        `json:"version_after"`
	ChangedBy     string     `json:"changed_by"`
	Reason        string     `json:"reason,omitempty"`
	ChangedAt     time.Time  `json:"changed_at"`
}
