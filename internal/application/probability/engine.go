// Package probability estimates how likely a planned order is to fill in the
// near term given the current market snapshot. The score sequences and
// weights orders downstream; it is not a blocking gate by itself.
package probability

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/shopspring/decimal"
)

// Scorer turns a feature map into a probability in [0,1]. Replacement
// scorers (trained models) plug in here.
type Scorer interface {
	Score(p *domain.PlannedOrder, features map[string]float64) float64
}

// Engine extracts features from live quotes and scores each order.
type Engine struct {
	feed   ports.DataFeed
	store  ports.AnalyticsStore
	scorer Scorer
}

// New creates the engine with the given scorer; nil selects the threshold
// reference scorer.
func New(feed ports.DataFeed, store ports.AnalyticsStore, scorer Scorer) *Engine {
	if scorer == nil {
		scorer = ThresholdScorer{}
	}
	return &Engine{feed: feed, store: store, scorer: scorer}
}

// Evaluate computes the feature map and probability for one order and
// persists the score for offline analysis. Missing market data yields an
// order-only feature map, never an error.
func (e *Engine) Evaluate(ctx context.Context, p *domain.PlannedOrder) (float64, map[string]float64) {
	now := time.Now()
	features := orderFeatures(p, now)

	snap, err := e.feed.CurrentPrice(ctx, p.Symbol)
	if err != nil {
		slog.Debug("probability: no market data", "symbol", p.Symbol, "err", err)
	} else {
		marketFeatures(features, p, snap)
	}

	prob := clamp01(e.scorer.Score(p, features))

	if p.ID != 0 && e.store != nil {
		score := domain.ProbabilityScore{
			PlannedOrderID:  p.ID,
			Timestamp:       now.UTC(),
			FillProbability: prob,
			Features:        features,
		}
		if err := e.store.SaveProbabilityScore(ctx, score); err != nil {
			slog.Warn("probability: persist score failed", "symbol", p.Symbol, "err", err)
		}
	}
	return prob, features
}

func orderFeatures(p *domain.PlannedOrder, now time.Time) map[string]float64 {
	f := map[string]float64{
		"timestamp":         float64(now.Unix()),
		"day_of_week":       float64(now.Weekday()),
		"seconds_since_mid": secondsSinceMidnight(now),
		"priority":          float64(p.Priority),
		"is_sell_side":      boolFeature(p.Action.IsSellSide()),
		"is_limit":          boolFeature(p.OrderType == domain.OrderLimit),
		"is_market":         boolFeature(p.OrderType == domain.OrderMarket),
		"has_setup":         boolFeature(p.TradingSetup != ""),
		"has_timeframe":     boolFeature(p.CoreTimeframe != ""),
	}
	entry, _ := p.EntryPrice.Float64()
	stop, _ := p.StopLoss.Float64()
	f["entry_price"] = entry
	f["stop_loss"] = stop
	return f
}

func marketFeatures(f map[string]float64, p *domain.PlannedOrder, snap *ports.PriceSnapshot) {
	price, _ := snap.Price.Float64()
	bid, _ := snap.Bid.Float64()
	ask, _ := snap.Ask.Float64()
	last, _ := snap.Last.Float64()
	spread, _ := snap.Spread().Float64()

	f["current_price"] = price
	f["bid"] = bid
	f["ask"] = ask
	f["bid_size"] = float64(snap.BidSize)
	f["ask_size"] = float64(snap.AskSize)
	f["last"] = last
	f["volume"] = float64(snap.Volume)
	f["spread_absolute"] = spread
	if price > 0 {
		f["spread_relative"] = spread / price
	}

	entry, _ := p.EntryPrice.Float64()
	if entry > 0 && price > 0 {
		// Sign convention: negative diff is favorable for BUY, positive
		// for SELL.
		diff := price - entry
		f["price_diff_absolute"] = diff
		f["price_diff_relative"] = diff / entry
	}

	if vol, ok := realizedVolatility(snap.History); ok {
		f["volatility"] = vol
	}
}

// realizedVolatility is the standard deviation of simple returns over the
// recent price history.
func realizedVolatility(history []decimal.Decimal) (float64, bool) {
	if len(history) < 3 {
		return 0, false
	}
	returns := make([]float64, 0, len(history)-1)
	prev, _ := history[0].Float64()
	for _, d := range history[1:] {
		cur, _ := d.Float64()
		if prev > 0 {
			returns = append(returns, (cur-prev)/prev)
		}
		prev = cur
	}
	if len(returns) < 2 {
		return 0, false
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance), true
}

func secondsSinceMidnight(t time.Time) float64 {
	return float64(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// EffectivePriority is base priority weighted by fill probability, used for
// logging and ordering.
func EffectivePriority(priority int, prob float64) float64 {
	return float64(priority) * prob
}
