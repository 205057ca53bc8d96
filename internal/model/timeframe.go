package model

// Timeframe is the chart interval a signal was generated on. Arbitration
// compares timeframes by explicit rank, never by string order.
type Timeframe string

const (
	TimeframeTick Timeframe = "tick"
	Timeframe1m   Timeframe = "1m"
	Timeframe3m   Timeframe = "3m"
	Timeframe5m   Timeframe = "5m"
	Timeframe15m  Timeframe = "15m"
	Timeframe30m  Timeframe = "30m"
	Timeframe1h   Timeframe = "1h"
	Timeframe2h   Timeframe = "2h"
	Timeframe4h   Timeframe = "4h"
	Timeframe6h   Timeframe = "6h"
	Timeframe8h   Timeframe = "8h"
	Timeframe12h  Timeframe = "12h"
	Timeframe1d   Timeframe = "1d"
	Timeframe3d   Timeframe = "3d"
	Timeframe1w   Timeframe = "1w"
	Timeframe1mo  Timeframe = "1mo"
)

var timeframeRanks = map[Timeframe]int{
	TimeframeTick: 1,
	Timeframe1m:   2,
	Timeframe3m:   3,
	Timeframe5m:   4,
	Timeframe15m:  5,
	Timeframe30m:  6,
	Timeframe1h:   7,
	Timeframe2h:   8,
	Timeframe4h:   9,
	Timeframe6h:   10,
	Timeframe8h:   11,
	Timeframe12h:  12,
	Timeframe1d:   13,
	Timeframe3d:   14,
	Timeframe1w:   15,
	Timeframe1mo:  16,
}

// Arbitration weight per timeframe, monotone in rank. Higher timeframes
// carry more conviction when scoring competing signals.
var timeframeWeights = map[Timeframe]float64{
	TimeframeTick: 0.30,
	Timeframe1m:   0.40,
	Timeframe3m:   0.50,
	Timeframe5m:   0.60,
	Timeframe15m:  0.70,
	Timeframe30m:  0.80,
	Timeframe1h:   0.90,
	Timeframe2h:   1.00,
	Timeframe4h:   1.10,
	Timeframe6h:   1.20,
	Timeframe8h:   1.30,
	Timeframe12h:  1.40,
	Timeframe1d:   1.50,
	Timeframe3d:   1.60,
	Timeframe1w:   1.70,
	Timeframe1mo:  1.80,
}

// Rank returns the ordering rank of the timeframe (tick=1 .. 1mo=16),
// or 0 for an unknown value.
func (t Timeframe) Rank() int {
	return timeframeRanks[t]
}

// Weight returns the arbitration weight for the timeframe. Unknown
// timeframes weigh as 1h so a malformed value never zeroes a score.
func (t Timeframe) Weight() float64 {
	if w, ok := timeframeWeights[t]; ok {
		return w
	}
	return timeframeWeights[Timeframe1h]
}

// Valid reports whether the timeframe is one of the recognised intervals.
func (t Timeframe) Valid() bool {
	_, ok := timeframeRanks[t]
	return ok
}
