// Package priority ranks viable orders and allocates capital and broker
// slots. Every syntactically valid order is viable; fill probability never
// gates here, it only weights the legacy path.
package priority

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/shopspring/decimal"
)

// Allocation reasons reported on candidates left unallocated.
const (
	ReasonMaxOpenOrders       = "Max open orders reached"
	ReasonInsufficientCapital = "Insufficient capital"
)

// Candidate is one viable order with its quality score and allocation
// decision.
type Candidate struct {
	Order             *domain.PlannedOrder
	FillProbability   float64
	Quantity          decimal.Decimal
	CapitalCommitment decimal.Decimal

	QualityScore float64
	PriorityNorm float64
	Components   map[string]float64

	Allocated bool
	Reason    string
}

// Input is everything one allocation pass needs.
type Input struct {
	Candidates            []Candidate
	Equity                decimal.Decimal
	CommittedCapital      decimal.Decimal // already committed this session
	WorkingOrders         int
	MaxOpenOrders         int
	MaxCapitalUtilization decimal.Decimal
}

// Service runs the two-layer prioritization pipeline under a watchdog,
// falling back to the legacy single-composite-score path on timeout or
// panic.
type Service struct {
	cfg       config.PrioritizationConfig
	marketCtx ports.MarketContext // nil disables timeframe/setup features
}

// New creates the service. marketCtx may be nil.
func New(cfg config.PrioritizationConfig, marketCtx ports.MarketContext) *Service {
	return &Service{cfg: cfg, marketCtx: marketCtx}
}

// TwoLayerEnabled reports which scoring path Prioritize takes. Callers use
// it to scope gates that only apply to the legacy composite path.
func (s *Service) TwoLayerEnabled() bool {
	return s.cfg.TwoLayer()
}

// Prioritize scores and allocates the candidates. The returned slice is
// ordered by descending quality with deterministic tie-breaks.
func (s *Service) Prioritize(ctx context.Context, in Input) []Candidate {
	if !s.cfg.TwoLayer() {
		return s.legacy(in)
	}

	type result struct {
		out []Candidate
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("priority: panic: %v", r)}
			}
		}()
		done <- result{out: s.twoLayer(ctx, in)}
	}()

	watchdog := time.Duration(s.cfg.WatchdogSeconds) * time.Second
	select {
	case r := <-done:
		if r.err != nil {
			slog.Warn("priority: two-layer failed, using legacy path", "err", r.err)
			return s.legacy(in)
		}
		return r.out
	case <-time.After(watchdog):
		slog.Warn("priority: two-layer timed out, using legacy path", "timeout", watchdog)
		return s.legacy(in)
	case <-ctx.Done():
		return s.legacy(in)
	}
}

// twoLayer computes the quality score per candidate and allocates greedily.
func (s *Service) twoLayer(ctx context.Context, in Input) []Candidate {
	dominant, compatible := s.timeframeContext(ctx)

	out := make([]Candidate, len(in.Candidates))
	copy(out, in.Candidates)

	for i := range out {
		c := &out[i]
		c.PriorityNorm = PriorityNorm(c.Order.Priority)
		efficiency := s.efficiency(c)
		rrScore := RiskRewardScore(c.Order.RiskRewardRatio)
		tfMatch := s.timeframeMatch(c.Order, dominant, compatible)
		setupBias := s.setupBias(ctx, c.Order)

		c.Components = map[string]float64{
			"manual_priority": c.PriorityNorm,
			"efficiency":      efficiency,
			"risk_reward":     rrScore,
			"timeframe_match": tfMatch,
			"setup_bias":      setupBias,
		}
		c.QualityScore = s.cfg.WeightPriority*c.PriorityNorm +
			s.cfg.WeightEfficiency*efficiency +
			s.cfg.WeightRiskReward*rrScore +
			s.cfg.WeightTimeframe*tfMatch +
			s.cfg.WeightSetupBias*setupBias
	}

	sortCandidates(out)
	allocate(out, in)
	return out
}

// legacy ranks by a single composite score: priority_norm weighted by fill
// probability. Allocation is the same greedy pass.
func (s *Service) legacy(in Input) []Candidate {
	out := make([]Candidate, len(in.Candidates))
	copy(out, in.Candidates)

	for i := range out {
		c := &out[i]
		c.PriorityNorm = PriorityNorm(c.Order.Priority)
		c.QualityScore = c.PriorityNorm * c.FillProbability
		c.Components = map[string]float64{"composite": c.QualityScore}
	}

	sortCandidates(out)
	allocate(out, in)
	return out
}

// sortCandidates orders by quality descending, then priority_norm
// descending, then symbol ascending. Fully deterministic.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].QualityScore != cs[j].QualityScore {
			return cs[i].QualityScore > cs[j].QualityScore
		}
		if cs[i].PriorityNorm != cs[j].PriorityNorm {
			return cs[i].PriorityNorm > cs[j].PriorityNorm
		}
		return cs[i].Order.Symbol < cs[j].Order.Symbol
	})
}

// allocate walks the ranked candidates awarding slots and capital. Once the
// capital frontier is hit, no lower-ranked order may allocate.
func allocate(cs []Candidate, in Input) {
	slots := in.MaxOpenOrders - in.WorkingOrders
	if slots < 0 {
		slots = 0
	}
	budget := in.Equity.Mul(in.MaxCapitalUtilization).Sub(in.CommittedCapital)
	capitalExhausted := false

	for i := range cs {
		c := &cs[i]
		if slots <= 0 {
			c.Allocated = false
			c.Reason = ReasonMaxOpenOrders
			continue
		}
		if capitalExhausted || c.CapitalCommitment.GreaterThan(budget) {
			capitalExhausted = true
			c.Allocated = false
			c.Reason = ReasonInsufficientCapital
			continue
		}
		c.Allocated = true
		slots--
		budget = budget.Sub(c.CapitalCommitment)
	}
}

// PriorityNorm maps priority 1..5 to [1.0 .. 0.2].
func PriorityNorm(priority int) float64 {
	return float64(6-priority) / 5.0
}

// RiskRewardScore rewards higher risk/reward with diminishing returns:
// min(0.5 + (rr−1)·0.25, 1.2) · max(1 − (rr−1)·0.1, 0.6).
func RiskRewardScore(rr decimal.Decimal) float64 {
	r, _ := rr.Float64()
	up := 0.5 + (r-1)*0.25
	if up > 1.2 {
		up = 1.2
	}
	down := 1 - (r-1)*0.1
	if down < 0.6 {
		down = 0.6
	}
	return up * down
}

// efficiency is expected total profit over capital commitment, clamped to
// non-negative.
func (s *Service) efficiency(c *Candidate) float64 {
	if !c.CapitalCommitment.IsPositive() {
		return 0
	}
	expected := c.Order.ProfitTarget().Sub(c.Order.EntryPrice).Abs().Mul(c.Quantity)
	eff, _ := expected.Div(c.CapitalCommitment).Float64()
	if eff < 0 {
		return 0
	}
	return eff
}

// timeframeContext fetches the dominant timeframe once per pass.
func (s *Service) timeframeContext(ctx context.Context) (string, map[string]bool) {
	if !s.cfg.AdvancedFeatures || s.marketCtx == nil {
		return "", nil
	}
	dominant, err := s.marketCtx.DominantTimeframe(ctx)
	if err != nil || dominant == "" {
		slog.Debug("priority: dominant timeframe unavailable", "err", err)
		return "", nil
	}
	compatible := make(map[string]bool)
	for _, tf := range s.marketCtx.CompatibleTimeframes(dominant) {
		compatible[tf] = true
	}
	return dominant, compatible
}

// timeframeMatch scores the order's timeframe against the dominant one:
// exact 1.0, compatible 0.7, mismatch 0.3, unavailable 0.5.
func (s *Service) timeframeMatch(p *domain.PlannedOrder, dominant string, compatible map[string]bool) float64 {
	if dominant == "" {
		return 0.5
	}
	switch {
	case p.CoreTimeframe == dominant:
		return 1.0
	case compatible[p.CoreTimeframe]:
		return 0.7
	default:
		return 0.3
	}
}

// setupBias weights the named trading setup by historical performance:
// 0.6·win_rate + 0.4·min(profit_factor,5)/5, clamped to [0.1, 1.0];
// 0.3 below the confidence thresholds; 0.5 when unavailable.
func (s *Service) setupBias(ctx context.Context, p *domain.PlannedOrder) float64 {
	if !s.cfg.AdvancedFeatures || s.marketCtx == nil || p.TradingSetup == "" {
		return 0.5
	}
	stats, err := s.marketCtx.SetupPerformance(ctx, p.TradingSetup)
	if err != nil {
		slog.Debug("priority: setup performance unavailable", "setup", p.TradingSetup, "err", err)
		return 0.5
	}
	if stats.Trades < s.cfg.SetupMinTrades ||
		stats.WinRate < s.cfg.SetupMinWinRate ||
		stats.ProfitFactor < s.cfg.SetupMinProfitFact {
		return 0.3
	}
	pf := stats.ProfitFactor
	if pf > 5 {
		pf = 5
	}
	bias := 0.6*stats.WinRate + 0.4*pf/5
	if bias < 0.1 {
		bias = 0.1
	}
	if bias > 1.0 {
		bias = 1.0
	}
	return bias
}
