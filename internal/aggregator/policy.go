package aggregator

import "tradeengine/internal/model"

// ResolutionPolicy selects how opposing active signals on the same
// symbol are arbitrated.
type ResolutionPolicy string

const (
	PolicyStrongestWins        ResolutionPolicy = "strongest_wins"
	PolicyFirstComeFirstServed ResolutionPolicy = "first_come_first_served"
	PolicyManualReview         ResolutionPolicy = "manual_review"
	PolicyWeightedAverage      ResolutionPolicy = "weighted_average"
	PolicyHigherTimeframeWins  ResolutionPolicy = "higher_timeframe_wins"
	PolicyTimeframeWeighted    ResolutionPolicy = "timeframe_weighted"
)

// Valid reports whether the policy is one of the recognised values.
func (p ResolutionPolicy) Valid() bool {
	switch p {
	case PolicyStrongestWins, PolicyFirstComeFirstServed, PolicyManualReview,
		PolicyWeightedAverage, PolicyHigherTimeframeWins, PolicyTimeframeWeighted:
		return true
	}
	return false
}

// voteThreshold is the weighted-average decision band: the combined
// vote must clear it in the signal's direction to execute.
const voteThreshold = 0.3

// arbitration is a policy verdict. displaced lists the stored keys the
// incoming signal supersedes; they are removed only if the signal goes
// on to full approval.
type arbitration struct {
	allowed   bool
	pending   bool
	reason    string
	displaced []string
}

func lost(p ResolutionPolicy) arbitration {
	return arbitration{reason: "conflict:" + string(p)}
}

func wonOver(conflicts []*storedSignal) arbitration {
	keys := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		keys = append(keys, c.key)
	}
	return arbitration{allowed: true, displaced: keys}
}

// resolve applies the configured policy to the incoming signal against
// its opposing active signals. No conflicts means no arbitration.
func (a *Aggregator) resolve(in *candidate, conflicts []*storedSignal) arbitration {
	if len(conflicts) == 0 {
		return arbitration{allowed: true}
	}

	switch a.cfg.Policy {
	case PolicyFirstComeFirstServed:
		return lost(PolicyFirstComeFirstServed)

	case PolicyManualReview:
		return arbitration{pending: true}

	case PolicyWeightedAverage:
		num := in.sig.Action.Direction() * in.score
		den := in.score
		for _, c := range conflicts {
			num += c.sig.Action.Direction() * c.score
			den += c.score
		}
		if den <= 0 {
			return lost(PolicyWeightedAverage)
		}
		// Consensus approves a direction without knocking out the
		// opposing actives; their votes stay live for later signals.
		vote := num / den
		switch {
		case vote > voteThreshold && in.sig.Action == model.ActionBuy,
			vote < -voteThreshold && in.sig.Action == model.ActionSell:
			return arbitration{allowed: true}
		default:
			return lost(PolicyWeightedAverage)
		}

	case PolicyHigherTimeframeWins:
		inRank := in.sig.Timeframe.Rank()
		maxRank := 0
		var maxScore float64
		for _, c := range conflicts {
			if r := c.sig.Timeframe.Rank(); r > maxRank {
				maxRank = r
			}
			if c.score > maxScore {
				maxScore = c.score
			}
		}
		if inRank > maxRank {
			return wonOver(conflicts)
		}
		if inRank == maxRank && in.score > maxScore {
			return wonOver(conflicts)
		}
		return lost(PolicyHigherTimeframeWins)

	case PolicyTimeframeWeighted:
		var maxScore float64
		for _, c := range conflicts {
			if s := c.timeframeScore; s > maxScore {
				maxScore = s
			}
		}
		if in.timeframeScore > maxScore {
			return wonOver(conflicts)
		}
		return lost(PolicyTimeframeWeighted)

	default: // strongest_wins
		var maxScore float64
		for _, c := range conflicts {
			if c.score > maxScore {
				maxScore = c.score
			}
		}
		if in.score > maxScore {
			return wonOver(conflicts)
		}
		return lost(PolicyStrongestWins)
	}
}
