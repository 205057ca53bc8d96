// Package risk is the pre-trade guard: position sizing limits, daily
// loss cutoff, and portfolio exposure, checked before any order reaches
// the venue.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeengine/internal/metrics"
	"tradeengine/internal/model"
)

// Limits are the per-check ceilings, all expressed as fractions of the
// portfolio value. A zero limit disables its check.
type Limits struct {
	MaxPositionPct       float64 `json:"max_position_pct"`
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	MaxPortfolioExposure float64 `json:"max_portfolio_exposure"`
}

// Candidate is one order under review. Limits override the guard
// defaults per field when non-zero, so symbol-level config applies.
type Candidate struct {
	Symbol   string
	Side     model.PositionSide
	Quantity float64
	Price    float64
	Limits   Limits
}

// NotionalSource reports the USD value of everything currently open.
// The position ledger satisfies this.
type NotionalSource interface {
	TotalOpenNotional() float64
}

// Guard tracks portfolio value and realized daily P&L, and answers
// pre-trade checks. Daily P&L resets at midnight UTC.
type Guard struct {
	defaults  Limits
	notionals NotionalSource
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu             sync.Mutex
	portfolioValue float64
	dailyPnl       float64
	dayStart       time.Time
}

func New(defaults Limits, notionals NotionalSource, m *metrics.Metrics, logger zerolog.Logger) *Guard {
	return &Guard{
		defaults:  defaults,
		notionals: notionals,
		metrics:   m,
		log:       logger.With().Str("component", "RiskGuard").Logger(),
		dayStart:  time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// UpdatePortfolioValue pushes the latest account balance. The telemetry
// loop calls this on every balance refresh.
func (g *Guard) UpdatePortfolioValue(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.portfolioValue = v
}

// PortfolioValue returns the last pushed balance.
func (g *Guard) PortfolioValue() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.portfolioValue
}

// RecordRealizedPnl folds a realized close result into the daily total.
func (g *Guard) RecordRealizedPnl(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(time.Now())
	g.dailyPnl += pnl
	g.metrics.SetDailyPnl(g.dailyPnl)
}

// DailyPnl returns the realized P&L accumulated since midnight UTC.
func (g *Guard) DailyPnl() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(time.Now())
	return g.dailyPnl
}

// CheckOrder runs the three pre-trade checks for one candidate order.
// Checks with an unknown portfolio value pass; the venue's own margin
// checks are the backstop then.
func (g *Guard) CheckOrder(c Candidate) (bool, string) {
	lim := g.resolveLimits(c.Limits)
	notional := c.Quantity * c.Price

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(time.Now())
	portfolio := g.portfolioValue

	if portfolio > 0 && lim.MaxPositionPct > 0 {
		if pct := notional / portfolio; pct > lim.MaxPositionPct {
			g.metrics.RecordRiskCheck("position_size", "rejected")
			g.metrics.RecordRiskRejection("position_size_exceeded", c.Symbol)
			return false, fmt.Sprintf("position %.2f%% of portfolio exceeds max %.2f%%", pct*100, lim.MaxPositionPct*100)
		}
	}
	g.metrics.RecordRiskCheck("position_size", "passed")

	if portfolio > 0 && lim.MaxDailyLossPct > 0 && g.dailyPnl <= -lim.MaxDailyLossPct*portfolio {
		g.metrics.RecordRiskCheck("daily_loss", "rejected")
		g.metrics.RecordRiskRejection("daily_loss_limit", c.Symbol)
		return false, fmt.Sprintf("daily loss %.2f USD breaches %.2f%% limit", g.dailyPnl, lim.MaxDailyLossPct*100)
	}
	g.metrics.RecordRiskCheck("daily_loss", "passed")

	if portfolio > 0 && lim.MaxPortfolioExposure > 0 {
		open := 0.0
		if g.notionals != nil {
			open = g.notionals.TotalOpenNotional()
		}
		if exposure := (open + notional) / portfolio; exposure > lim.MaxPortfolioExposure {
			g.metrics.RecordRiskCheck("portfolio_exposure", "rejected")
			g.metrics.RecordRiskRejection("portfolio_exposure_exceeded", c.Symbol)
			return false, fmt.Sprintf("exposure %.2f%% of portfolio exceeds max %.2f%%", exposure*100, lim.MaxPortfolioExposure*100)
		}
	}
	g.metrics.RecordRiskCheck("portfolio_exposure", "passed")

	return true, ""
}

// CheckSignal is the portfolio-level gate the aggregator consults
// before mode processing: daily loss and current exposure, without the
// candidate order (sizing is not final yet).
func (g *Guard) CheckSignal(_ context.Context, sig *model.Signal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(time.Now())
	portfolio := g.portfolioValue
	if portfolio <= 0 {
		return nil
	}

	if g.defaults.MaxDailyLossPct > 0 && g.dailyPnl <= -g.defaults.MaxDailyLossPct*portfolio {
		g.metrics.RecordRiskRejection("daily_loss_limit", sig.Symbol)
		return fmt.Errorf("daily loss %.2f USD breaches %.2f%% limit", g.dailyPnl, g.defaults.MaxDailyLossPct*100)
	}
	if g.defaults.MaxPortfolioExposure > 0 && g.notionals != nil {
		if exposure := g.notionals.TotalOpenNotional() / portfolio; exposure > g.defaults.MaxPortfolioExposure {
			g.metrics.RecordRiskRejection("portfolio_exposure_exceeded", sig.Symbol)
			return fmt.Errorf("exposure %.2f%% of portfolio exceeds max %.2f%%", exposure*100, g.defaults.MaxPortfolioExposure*100)
		}
	}
	return nil
}

// Snapshot reports the guard state for the status surface.
func (g *Guard) Snapshot() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(time.Now())

	open := 0.0
	if g.notionals != nil {
		open = g.notionals.TotalOpenNotional()
	}
	exposure := 0.0
	dailyLossPct := 0.0
	if g.portfolioValue > 0 {
		exposure = open / g.portfolioValue
		dailyLossPct = g.dailyPnl / g.portfolioValue * 100
	}
	return map[string]any{
		"portfolio_value":        g.portfolioValue,
		"daily_pnl":              g.dailyPnl,
		"daily_pnl_percent":      dailyLossPct,
		"open_notional":          open,
		"portfolio_exposure":     exposure,
		"max_position_pct":       g.defaults.MaxPositionPct,
		"max_daily_loss_pct":     g.defaults.MaxDailyLossPct,
		"max_portfolio_exposure": g.defaults.MaxPortfolioExposure,
		"day_start":              g.dayStart,
	}
}

func (g *Guard) resolveLimits(override Limits) Limits {
	out := g.defaults
	if override.MaxPositionPct > 0 {
		out.MaxPositionPct = override.MaxPositionPct
	}
	if override.MaxDailyLossPct > 0 {
		out.MaxDailyLossPct = override.MaxDailyLossPct
	}
	if override.MaxPortfolioExposure > 0 {
		out.MaxPortfolioExposure = override.MaxPortfolioExposure
	}
	return out
}

// rollDayLocked zeroes the daily P&L on the first touch after midnight
// UTC. Caller holds the lock.
func (g *Guard) rollDayLocked(now time.Time) {
	today := now.UTC().Truncate(24 * time.Hour)
	if today.After(g.dayStart) {
		g.log.Info().
			Float64("closed_day_pnl", g.dailyPnl).
			Time("day_start", today).
			Msg("Daily P&L window rolled")
		g.dailyPnl = 0
		g.dayStart = today
		g.metrics.SetDailyPnl(0)
	}
}
