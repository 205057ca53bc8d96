// Package model holds the shared wire and domain types the engine
// components exchange: inbound strategy signals, order requests, and
// execution results. Components keep their own state records locally;
// only the common currency lives here.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignalAction is the intent carried by a strategy signal.
type SignalAction string

const (
	ActionBuy   SignalAction = "buy"
	ActionSell  SignalAction = "sell"
	ActionHold  SignalAction = "hold"
	ActionClose SignalAction = "close"
)

// Direction maps the action onto the weighted-average voting axis:
// sell=-1, hold=0, buy=+1. Close does not vote.
func (a SignalAction) Direction() float64 {
	switch a {
	case ActionBuy:
		return 1
	case ActionSell:
		return -1
	default:
		return 0
	}
}

// PositionSideFor returns the hedge-mode position side an entry action
// targets. Only buy and sell open positions.
func (a SignalAction) PositionSideFor() (PositionSide, bool) {
	switch a {
	case ActionBuy:
		return PositionSideLong, true
	case ActionSell:
		return PositionSideShort, true
	default:
		return "", false
	}
}

// OrderSideFor returns the venue order side for an entry action.
func (a SignalAction) OrderSideFor() (OrderSide, bool) {
	switch a {
	case ActionBuy:
		return OrderSideBuy, true
	case ActionSell:
		return OrderSideSell, true
	default:
		return "", false
	}
}

// SignalStrength grades the conviction a strategy attaches to a signal.
type SignalStrength string

const (
	StrengthWeak    SignalStrength = "weak"
	StrengthMedium  SignalStrength = "medium"
	StrengthStrong  SignalStrength = "strong"
	StrengthExtreme SignalStrength = "extreme"
)

// Multiplier returns the strength factor used in arbitration scoring.
func (s SignalStrength) Multiplier() float64 {
	switch s {
	case StrengthWeak:
		return 0.5
	case StrengthMedium:
		return 1.0
	case StrengthStrong:
		return 1.5
	case StrengthExtreme:
		return 2.0
	default:
		return 1.0
	}
}

// StrategyMode identifies which processing pipeline evaluates the signal.
type StrategyMode string

const (
	ModeDeterministic StrategyMode = "deterministic"
	ModeMLLight       StrategyMode = "ml_light"
	ModeLLMReasoning  StrategyMode = "llm_reasoning"
)

// Multiplier returns the mode factor used in arbitration scoring.
func (m StrategyMode) Multiplier() float64 {
	switch m {
	case ModeMLLight:
		return 1.2
	case ModeLLMReasoning:
		return 1.5
	default:
		return 1.0
	}
}

// TimeframeMultiplier returns the mode factor applied on top of the
// timeframe weight when computing timeframe-adjusted strength.
func (m StrategyMode) TimeframeMultiplier() float64 {
	switch m {
	case ModeMLLight:
		return 1.1
	case ModeLLMReasoning:
		return 1.3
	default:
		return 1.0
	}
}

// FlexTime is a timestamp that decodes from ISO-8601 strings, epoch
// seconds (optionally fractional) or epoch milliseconds. Anything
// unparseable falls back to the current time rather than failing the
// whole signal.
type FlexTime struct {
	time.Time
}

// NewFlexTime wraps a concrete time.
func NewFlexTime(t time.Time) FlexTime {
	return FlexTime{Time: t}
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		t.Time = time.Now().UTC()
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			t.Time = parseTimeString(s)
			return nil
		}
		t.Time = time.Now().UTC()
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		t.Time = epochToTime(f)
		return nil
	}
	t.Time = time.Now().UTC()
	return nil
}

func parseTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToTime(f)
	}
	return time.Now().UTC()
}

// epochToTime treats values above 1e12 as milliseconds, everything else
// as (possibly fractional) seconds.
func epochToTime(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Signal is one strategy's trading intent. Immutable once published;
// the engine copies rather than mutates it.
type Signal struct {
	StrategyID      string             `json:"strategy_id"`
	Symbol          string             `json:"symbol"`
	Action          SignalAction       `json:"action"`
	Confidence      float64            `json:"confidence"`
	Strength        SignalStrength     `json:"strength"`
	Timeframe       Timeframe          `json:"timeframe"`
	StrategyMode    StrategyMode       `json:"strategy_mode"`
	OrderType       OrderType          `json:"order_type,omitempty"`
	CurrentPrice    float64            `json:"current_price"`
	TargetPrice     float64            `json:"target_price,omitempty"`
	Quantity        float64            `json:"quantity,omitempty"`
	PositionSizePct float64            `json:"position_size_pct,omitempty"`
	StopLossPct     float64            `json:"stop_loss_pct,omitempty"`
	TakeProfitPct   float64            `json:"take_profit_pct,omitempty"`
	ModelConfidence float64            `json:"model_confidence,omitempty"`
	Indicators      map[string]float64 `json:"indicators,omitempty"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
	Timestamp       FlexTime           `json:"timestamp"`
}

// Normalize lowercases the enum-ish fields (bus producers are sloppy
// about case) and defaults strength, mode, timeframe and order type.
func (s *Signal) Normalize() {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Action = SignalAction(strings.ToLower(strings.TrimSpace(string(s.Action))))
	s.Strength = SignalStrength(strings.ToLower(strings.TrimSpace(string(s.Strength))))
	s.StrategyMode = StrategyMode(strings.ToLower(strings.TrimSpace(string(s.StrategyMode))))
	s.Timeframe = Timeframe(strings.ToLower(strings.TrimSpace(string(s.Timeframe))))
	s.OrderType = OrderType(strings.ToUpper(strings.TrimSpace(string(s.OrderType))))
	if s.Strength == "" {
		s.Strength = StrengthMedium
	}
	if s.StrategyMode == "" {
		s.StrategyMode = ModeDeterministic
	}
	if s.OrderType == "" {
		s.OrderType = OrderTypeMarket
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = NewFlexTime(time.Now().UTC())
	}
}

// Validate checks the ranges the engine relies on. It does not mutate
// the signal; call Normalize first on bus input.
func (s *Signal) Validate() error {
	if s.StrategyID == "" {
		return fmt.Errorf("signal missing strategy_id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	switch s.Action {
	case ActionBuy, ActionSell, ActionHold, ActionClose:
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %.4f out of range [0,1]", s.Confidence)
	}
	if s.ModelConfidence < 0 || s.ModelConfidence > 1 {
		return fmt.Errorf("model_confidence %.4f out of range [0,1]", s.ModelConfidence)
	}
	for name, v := range map[string]float64{
		"position_size_pct": s.PositionSizePct,
		"stop_loss_pct":     s.StopLossPct,
		"take_profit_pct":   s.TakeProfitPct,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %.4f out of range [0,1]", name, v)
		}
	}
	switch s.Strength {
	case StrengthWeak, StrengthMedium, StrengthStrong, StrengthExtreme:
	default:
		return fmt.Errorf("unknown strength %q", s.Strength)
	}
	switch s.StrategyMode {
	case ModeDeterministic, ModeMLLight, ModeLLMReasoning:
	default:
		return fmt.Errorf("unknown strategy_mode %q", s.StrategyMode)
	}
	if s.Timeframe != "" && !s.Timeframe.Valid() {
		return fmt.Errorf("unknown timeframe %q", s.Timeframe)
	}
	if s.Quantity < 0 {
		return fmt.Errorf("quantity %.8f must not be negative", s.Quantity)
	}
	if s.CurrentPrice < 0 {
		return fmt.Errorf("current_price %.8f must not be negative", s.CurrentPrice)
	}
	return nil
}

// BaseStrength is the arbitration score before timeframe weighting:
// confidence x strategy weight x strength multiplier x mode multiplier.
func (s *Signal) BaseStrength(strategyWeight float64) float64 {
	if strategyWeight <= 0 {
		strategyWeight = 1.0
	}
	return s.Confidence * strategyWeight * s.Strength.Multiplier() * s.StrategyMode.Multiplier()
}

// TimeframeStrength applies the timeframe weight and the mode's
// timeframe multiplier on top of the base score.
func (s *Signal) TimeframeStrength(strategyWeight float64) float64 {
	return s.BaseStrength(strategyWeight) * s.Timeframe.Weight() * s.StrategyMode.TimeframeMultiplier()
}

// Fingerprint identifies a signal for duplicate suppression: a sha256
// over (strategy, symbol, action, timestamp truncated to seconds). The
// hash is stable across pods so duplicate counters line up.
func (s *Signal) Fingerprint() string {
	seed := fmt.Sprintf("%s|%s|%s|%d", s.StrategyID, s.Symbol, s.Action, s.Timestamp.Unix())
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Key is the stored-signal map key used by the aggregator.
func (s *Signal) Key() string {
	return fmt.Sprintf("%s_%s_%d", s.StrategyID, s.Symbol, s.Timestamp.Unix())
}

// Age reports how long ago the signal was published.
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp.Time)
}
