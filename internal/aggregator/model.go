package aggregator

import (
	"context"

	"tradeengine/internal/model"
)

// FeatureVector is the flattened signal view handed to the ML model.
type FeatureVector struct {
	Confidence      float64            `json:"confidence"`
	Strength        float64            `json:"strength"`
	Direction       float64            `json:"direction"`
	OrderType       string             `json:"order_type"`
	CurrentPrice    float64            `json:"current_price"`
	TargetPrice     float64            `json:"target_price"`
	PositionSizePct float64            `json:"position_size_pct"`
	StopLossPct     float64            `json:"stop_loss_pct"`
	TakeProfitPct   float64            `json:"take_profit_pct"`
	Indicators      map[string]float64 `json:"indicators,omitempty"`
	ConflictCount   int                `json:"conflict_count"`
}

// ModelPrediction is the model's verdict on a feature vector.
type ModelPrediction struct {
	Action     model.SignalAction `json:"action"`
	Confidence float64            `json:"confidence"`
}

// MLModel scores a signal's feature vector. Implementations must be
// safe for concurrent use.
type MLModel interface {
	Predict(ctx context.Context, features FeatureVector) (ModelPrediction, error)
}

func featuresFor(sig *model.Signal, conflictCount int) FeatureVector {
	return FeatureVector{
		Confidence:      sig.Confidence,
		Strength:        sig.Strength.Multiplier(),
		Direction:       sig.Action.Direction(),
		OrderType:       string(sig.OrderType),
		CurrentPrice:    sig.CurrentPrice,
		TargetPrice:     sig.TargetPrice,
		PositionSizePct: sig.PositionSizePct,
		StopLossPct:     sig.StopLossPct,
		TakeProfitPct:   sig.TakeProfitPct,
		Indicators:      sig.Indicators,
		ConflictCount:   conflictCount,
	}
}

// heuristicModel is the built-in default: a weighted blend of the
// signal's own confidence and whatever momentum indicators it carries,
// discounted per open conflict. It never errors, so ml_light mode works
// out of the box without an external model service.
type heuristicModel struct{}

func (heuristicModel) Predict(_ context.Context, fv FeatureVector) (ModelPrediction, error) {
	if fv.Direction == 0 {
		return ModelPrediction{Action: model.ActionHold, Confidence: 0.5}, nil
	}

	score := fv.Confidence * 0.4
	weight := 0.4
	if rsi, ok := fv.Indicators["rsi"]; ok {
		score += fv.Direction * (50 - rsi) / 50 * 0.3
		weight += 0.3
	}
	if mom, ok := fv.Indicators["momentum"]; ok {
		score += fv.Direction * clamp(mom, -1, 1) * 0.3
		weight += 0.3
	}

	conf := score / weight
	conf -= 0.05 * float64(minInt(fv.ConflictCount, 4))

	action := model.ActionBuy
	if fv.Direction < 0 {
		action = model.ActionSell
	}
	if conf < 0 {
		return ModelPrediction{Action: opposite(action), Confidence: clamp(-conf, 0, 1)}, nil
	}
	return ModelPrediction{Action: action, Confidence: clamp(conf, 0, 1)}, nil
}

func opposite(a model.SignalAction) model.SignalAction {
	if a == model.ActionBuy {
		return model.ActionSell
	}
	return model.ActionBuy
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
