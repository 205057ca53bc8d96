package aggregator

import (
	"context"
	"fmt"
	"math"
	"time"

	"tradeengine/internal/model"
)

// processDeterministic gates on the signal's own confidence and on raw
// confidence against any opposing active, then sizes by confidence.
func (a *Aggregator) processDeterministic(sig *model.Signal, conflicts []*storedSignal) (*OrderParams, float64, *Result) {
	if sig.Confidence < deterministicMinConfidence {
		return nil, 0, &Result{
			Status: StatusRejected,
			Reason: fmt.Sprintf("confidence %.2f below %.2f", sig.Confidence, deterministicMinConfidence),
		}
	}
	for _, c := range conflicts {
		if c.sig.Confidence > sig.Confidence {
			return nil, 0, &Result{
				Status: StatusRejected,
				Reason: fmt.Sprintf("conflicting %s signal from %s has higher confidence %.2f",
					c.sig.Action, c.sig.StrategyID, c.sig.Confidence),
			}
		}
	}
	return scaledParams(sig, sig.Confidence), sig.Confidence, nil
}

// processMLLight defers to the pluggable model; the model must clear
// its confidence floor and must not call the opposite direction.
func (a *Aggregator) processMLLight(ctx context.Context, sig *model.Signal, conflicts []*storedSignal) (*OrderParams, float64, *Result) {
	a.mu.RLock()
	m := a.mlModel
	a.mu.RUnlock()

	pred, err := m.Predict(ctx, featuresFor(sig, len(conflicts)))
	if err != nil {
		return nil, 0, &Result{Status: StatusError, Reason: "model: " + err.Error()}
	}
	if pred.Confidence < modelMinConfidence {
		return nil, 0, &Result{
			Status: StatusRejected,
			Reason: fmt.Sprintf("model confidence %.2f below %.2f", pred.Confidence, modelMinConfidence),
		}
	}
	if pred.Action != sig.Action && pred.Action != model.ActionHold {
		return nil, 0, &Result{
			Status: StatusRejected,
			Reason: fmt.Sprintf("model predicts %s against signal %s", pred.Action, sig.Action),
		}
	}
	return scaledParams(sig, pred.Confidence), pred.Confidence, nil
}

// processLLM hands the signal plus conflict context to the reasoning
// oracle. An approval damps any supplied size by min(confidence, cap)
// so a hesitant approval never buys full size.
func (a *Aggregator) processLLM(ctx context.Context, sig *model.Signal, conflicts []*storedSignal) (*OrderParams, float64, *Result) {
	a.mu.RLock()
	oracle := a.oracle
	a.mu.RUnlock()

	rc := ReasoningContext{Signal: sig, Conflicts: summarize(conflicts)}
	verdict, err := oracle.Evaluate(ctx, rc)
	if err != nil {
		return nil, 0, &Result{Status: StatusError, Reason: "reasoning oracle: " + err.Error()}
	}
	if !verdict.Approved {
		reason := verdict.Reasoning
		if reason == "" {
			reason = "reasoning oracle rejected"
		}
		return nil, 0, &Result{Status: StatusRejected, Reason: reason}
	}
	damp := math.Min(verdict.Confidence, oracleSizeDampCap)
	return scaledParams(sig, damp), verdict.Confidence, nil
}

func scaledParams(sig *model.Signal, factor float64) *OrderParams {
	return &OrderParams{
		Action:          sig.Action,
		OrderType:       sig.OrderType,
		Quantity:        sig.Quantity * factor,
		PositionSizePct: sig.PositionSizePct * factor,
	}
}

func summarize(conflicts []*storedSignal) []ConflictSummary {
	if len(conflicts) == 0 {
		return nil
	}
	now := time.Now()
	out := make([]ConflictSummary, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, ConflictSummary{
			StrategyID: c.sig.StrategyID,
			Action:     string(c.sig.Action),
			Timeframe:  string(c.sig.Timeframe),
			Confidence: c.sig.Confidence,
			AgeSeconds: c.sig.Age(now).Seconds(),
		})
	}
	return out
}
