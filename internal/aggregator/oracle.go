package aggregator

import (
	"context"
	"errors"

	"tradeengine/internal/model"
)

// ErrOracleDisabled is returned by the default oracle so llm_reasoning
// signals fail loudly until a real oracle is plugged in.
var ErrOracleDisabled = errors.New("reasoning oracle not configured")

// ConflictSummary is the compact view of an opposing active signal
// included in the reasoning context.
type ConflictSummary struct {
	StrategyID string  `json:"strategy_id"`
	Action     string  `json:"action"`
	Timeframe  string  `json:"timeframe"`
	Confidence float64 `json:"confidence"`
	AgeSeconds float64 `json:"age_seconds"`
}

// ReasoningContext is everything the oracle sees for one decision.
type ReasoningContext struct {
	Signal    *model.Signal     `json:"signal"`
	Conflicts []ConflictSummary `json:"conflicts,omitempty"`
}

// ReasoningVerdict is the oracle's decision.
type ReasoningVerdict struct {
	Approved   bool    `json:"approved"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// ReasoningOracle judges a signal with full context. Implementations
// wrap an external reasoning service and must be safe for concurrent
// use.
type ReasoningOracle interface {
	Evaluate(ctx context.Context, rc ReasoningContext) (ReasoningVerdict, error)
}

type disabledOracle struct{}

func (disabledOracle) Evaluate(context.Context, ReasoningContext) (ReasoningVerdict, error) {
	return ReasoningVerdict{}, ErrOracleDisabled
}
