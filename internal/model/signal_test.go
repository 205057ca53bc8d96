package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestFlexTime_ParsesAllWireShapes(t *testing.T) {
	ref := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	cases := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"rfc3339", `"2026-03-14T09:26:53Z"`, ref},
		{"rfc3339_offset", `"2026-03-14T11:26:53+02:00"`, ref},
		{"naive_datetime", `"2026-03-14T09:26:53"`, ref},
		{"space_datetime", `"2026-03-14 09:26:53"`, ref},
		{"epoch_seconds", `1773480413`, time.Unix(1773480413, 0).UTC()},
		{"epoch_fractional", `1773480413.5`, time.Unix(1773480413, 500000000).UTC()},
		{"epoch_millis", `1773480413000`, time.UnixMilli(1773480413000).UTC()},
		{"epoch_string", `"1773480413"`, time.Unix(1773480413, 0).UTC()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ft FlexTime
			if err := json.Unmarshal([]byte(tc.raw), &ft); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !ft.Time.Equal(tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, ft.Time)
			}
		})
	}
}

func TestFlexTime_InvalidFallsBackToNow(t *testing.T) {
	before := time.Now().UTC().Add(-time.Second)

	for _, raw := range []string{`"not a time"`, `null`, `""`} {
		var ft FlexTime
		if err := json.Unmarshal([]byte(raw), &ft); err != nil {
			t.Fatalf("Unexpected error for %s: %v", raw, err)
		}
		if ft.Time.Before(before) {
			t.Errorf("Expected fallback to now for %s, got %v", raw, ft.Time)
		}
	}
}

func TestSignal_Validate(t *testing.T) {
	valid := func() Signal {
		return Signal{
			StrategyID:   "momentum",
			Symbol:       "BTCUSDT",
			Action:       ActionBuy,
			Confidence:   0.85,
			Strength:     StrengthStrong,
			Timeframe:    Timeframe1h,
			StrategyMode: ModeDeterministic,
			CurrentPrice: 50000,
			Quantity:     0.001,
			Timestamp:    NewFlexTime(time.Now()),
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Signal)
		wantErr bool
	}{
		{"valid", func(s *Signal) {}, false},
		{"missing_strategy", func(s *Signal) { s.StrategyID = "" }, true},
		{"missing_symbol", func(s *Signal) { s.Symbol = "" }, true},
		{"bad_action", func(s *Signal) { s.Action = "yolo" }, true},
		{"confidence_high", func(s *Signal) { s.Confidence = 1.2 }, true},
		{"confidence_negative", func(s *Signal) { s.Confidence = -0.1 }, true},
		{"stop_loss_pct_high", func(s *Signal) { s.StopLossPct = 1.5 }, true},
		{"take_profit_pct_high", func(s *Signal) { s.TakeProfitPct = 2 }, true},
		{"position_size_pct_negative", func(s *Signal) { s.PositionSizePct = -0.2 }, true},
		{"model_confidence_high", func(s *Signal) { s.ModelConfidence = 1.01 }, true},
		{"bad_strength", func(s *Signal) { s.Strength = "huge" }, true},
		{"bad_mode", func(s *Signal) { s.StrategyMode = "quantum" }, true},
		{"bad_timeframe", func(s *Signal) { s.Timeframe = "7h" }, true},
		{"empty_timeframe_ok", func(s *Signal) { s.Timeframe = "" }, false},
		{"negative_quantity", func(s *Signal) { s.Quantity = -1 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := valid()
			tc.mutate(&sig)
			err := sig.Validate()
			if tc.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestSignal_NormalizeDefaults(t *testing.T) {
	sig := Signal{
		StrategyID: "mom",
		Symbol:     "btcusdt",
		Action:     "BUY",
	}
	sig.Normalize()

	if sig.Symbol != "BTCUSDT" {
		t.Errorf("Expected upper-cased symbol, got %s", sig.Symbol)
	}
	if sig.Action != ActionBuy {
		t.Errorf("Expected normalized action buy, got %s", sig.Action)
	}
	if sig.Strength != StrengthMedium {
		t.Errorf("Expected default strength medium, got %s", sig.Strength)
	}
	if sig.StrategyMode != ModeDeterministic {
		t.Errorf("Expected default mode deterministic, got %s", sig.StrategyMode)
	}
	if sig.OrderType != OrderTypeMarket {
		t.Errorf("Expected default order type MARKET, got %s", sig.OrderType)
	}
	if sig.Timestamp.IsZero() {
		t.Error("Expected timestamp defaulted to now")
	}
}

func TestSignal_FingerprintStableAcrossSubSecond(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := Signal{StrategyID: "mom", Symbol: "BTCUSDT", Action: ActionBuy, Timestamp: NewFlexTime(base)}
	b := a
	b.Timestamp = NewFlexTime(base.Add(400 * time.Millisecond))

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("Fingerprints should match when timestamps share the same second")
	}

	c := a
	c.Timestamp = NewFlexTime(base.Add(time.Second))
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("Fingerprints should differ across seconds")
	}

	d := a
	d.Action = ActionSell
	if a.Fingerprint() == d.Fingerprint() {
		t.Error("Fingerprints should differ across actions")
	}
}

func TestSignal_StrengthScore(t *testing.T) {
	sig := Signal{
		Confidence:   0.8,
		Strength:     StrengthStrong,
		StrategyMode: ModeMLLight,
		Timeframe:    Timeframe4h,
	}

	// 0.8 * 2.0 (weight) * 1.5 (strong) * 1.2 (ml_light)
	got := sig.BaseStrength(2.0)
	want := 0.8 * 2.0 * 1.5 * 1.2
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected base strength %.6f, got %.6f", want, got)
	}

	// base * 1.10 (4h weight) * 1.1 (ml_light timeframe multiplier)
	gotTF := sig.TimeframeStrength(2.0)
	wantTF := want * 1.10 * 1.1
	if math.Abs(gotTF-wantTF) > 1e-9 {
		t.Errorf("Expected timeframe strength %.6f, got %.6f", wantTF, gotTF)
	}

	// Zero weight falls back to 1.0 rather than zeroing the score.
	if sig.BaseStrength(0) <= 0 {
		t.Error("Expected positive strength with unset strategy weight")
	}
}

func TestMultiplierTables(t *testing.T) {
	strengths := map[SignalStrength]float64{
		StrengthWeak:    0.5,
		StrengthMedium:  1.0,
		StrengthStrong:  1.5,
		StrengthExtreme: 2.0,
	}
	for s, want := range strengths {
		if got := s.Multiplier(); got != want {
			t.Errorf("Strength %s: expected %.1f, got %.1f", s, want, got)
		}
	}

	modes := map[StrategyMode]float64{
		ModeDeterministic: 1.0,
		ModeMLLight:       1.2,
		ModeLLMReasoning:  1.5,
	}
	for m, want := range modes {
		if got := m.Multiplier(); got != want {
			t.Errorf("Mode %s: expected %.1f, got %.1f", m, want, got)
		}
	}
}
