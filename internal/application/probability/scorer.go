package probability

import "github.com/alejandrodnm/bracketbot/internal/domain"

// Reference probabilities for the threshold scorer.
const (
	probFavorable   = 0.95
	probUnfavorable = 0.10
	probMarket      = 0.95
	probNoData      = 0.50
)

// ThresholdScorer is the reference scoring policy: a limit BUY is highly
// likely to fill when the market trades at or below the entry, and
// symmetrically for the sell side. Market orders always score high.
type ThresholdScorer struct{}

// Score implements Scorer.
func (ThresholdScorer) Score(p *domain.PlannedOrder, features map[string]float64) float64 {
	if p.OrderType == domain.OrderMarket {
		return probMarket
	}

	current, ok := features["current_price"]
	if !ok || current <= 0 {
		return probNoData
	}
	entry, _ := p.EntryPrice.Float64()
	if entry <= 0 {
		return probNoData
	}

	if p.Action.IsSellSide() {
		if current >= entry {
			return probFavorable
		}
		return probUnfavorable
	}
	if current <= entry {
		return probFavorable
	}
	return probUnfavorable
}
