// Package risk enforces the hard risk envelope: the per-trade risk cap and
// the daily, weekly and monthly loss halts.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/shopspring/decimal"
)

// Loss-halt periods.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// pnlCacheTTL bounds how stale a realized-loss read may be. A trade close
// invalidates the cache immediately, so the TTL only covers external writes.
const pnlCacheTTL = 5 * time.Minute

// Exposure caps for held strategies. DAY orders are exempt from both.
const (
	singleTradeCapPct = 0.20
	aggregateCapPct   = 0.60
)

// HaltError reports which loss limit tripped.
type HaltError struct {
	Period Period
	Loss   decimal.Decimal
	Limit  decimal.Decimal
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("risk: %s loss %s exceeds limit %s, trading halted",
		e.Period, e.Loss, e.Limit)
}

type cachedLoss struct {
	loss    decimal.Decimal
	fetched time.Time
}

type lossKey struct {
	account string
	period  Period
}

// Service owns the risk gates. All methods are safe for concurrent use.
type Service struct {
	cfg       config.RiskLimitsConfig
	analytics ports.AnalyticsStore
	now       func() time.Time

	mu    sync.Mutex
	cache map[lossKey]cachedLoss
}

// New creates the service. nowFn may be nil to use the wall clock.
func New(cfg config.RiskLimitsConfig, analytics ports.AnalyticsStore, nowFn func() time.Time) *Service {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{
		cfg:       cfg,
		analytics: analytics,
		now:       nowFn,
		cache:     make(map[lossKey]cachedLoss),
	}
}

// ApplyCap clamps the order's per-trade risk to the configured cap, never
// above the hard 2% ceiling. Returns true when the value was reduced.
func (s *Service) ApplyCap(p *domain.PlannedOrder) bool {
	ceiling := decimal.NewFromFloat(s.cfg.MaxRiskPerTrade)
	if ceiling.GreaterThan(domain.MaxRiskPerTrade) {
		ceiling = domain.MaxRiskPerTrade
	}
	if p.RiskPerTrade.LessThanOrEqual(ceiling) {
		return false
	}
	slog.Warn("risk: capping per-trade risk",
		"symbol", p.Symbol, "requested", p.RiskPerTrade, "cap", ceiling)
	p.RiskPerTrade = ceiling
	return true
}

// CheckExposure validates a held order's capital commitment against the
// exposure caps: the single trade may commit at most 20% of equity, and
// all working CORE and HYBRID commitments together at most 60%. committed
// is the working CORE+HYBRID commitment before this order. DAY orders pass
// unchecked since they never carry overnight.
func (s *Service) CheckExposure(strategy domain.PositionStrategy, commitment, committed, equity decimal.Decimal) error {
	if strategy != domain.StrategyCore && strategy != domain.StrategyHybrid {
		return nil
	}
	singleCap := equity.Mul(decimal.NewFromFloat(singleTradeCapPct))
	if commitment.GreaterThan(singleCap) {
		return fmt.Errorf("risk: commitment %s exceeds single-trade cap %s",
			commitment, singleCap)
	}
	aggregateCap := equity.Mul(decimal.NewFromFloat(aggregateCapPct))
	if total := committed.Add(commitment); total.GreaterThan(aggregateCap) {
		return fmt.Errorf("risk: held exposure %s would exceed aggregate cap %s",
			total, aggregateCap)
	}
	return nil
}

// MaxOpenOrders exposes the configured slot limit.
func (s *Service) MaxOpenOrders() int {
	return s.cfg.MaxOpenOrders
}

// TradingAllowed checks the three loss halts against current equity. A nil
// return means all gates pass; a *HaltError names the tripped limit. The
// first tripped period wins, checked shortest horizon first.
func (s *Service) TradingAllowed(ctx context.Context, account string, equity decimal.Decimal) error {
	if !equity.IsPositive() {
		return fmt.Errorf("risk: non-positive equity %s", equity)
	}
	checks := []struct {
		period Period
		pct    float64
	}{
		{PeriodDaily, s.cfg.DailyLossPct},
		{PeriodWeekly, s.cfg.WeeklyLossPct},
		{PeriodMonthly, s.cfg.MonthlyLossPct},
	}
	for _, c := range checks {
		loss, err := s.realizedLoss(ctx, account, c.period)
		if err != nil {
			return fmt.Errorf("risk: %s loss check: %w", c.period, err)
		}
		limit := equity.Mul(decimal.NewFromFloat(c.pct))
		if loss.GreaterThanOrEqual(limit) {
			return &HaltError{Period: c.period, Loss: loss, Limit: limit}
		}
	}
	return nil
}

// RecordTradeClose persists a closed trade's realized P&L and invalidates
// the loss cache so the very next gate check sees it.
func (s *Service) RecordTradeClose(ctx context.Context, pnl domain.RealizedPnL) error {
	if err := s.analytics.RecordRealizedPnL(ctx, pnl); err != nil {
		return fmt.Errorf("risk: record trade close %s: %w", pnl.Symbol, err)
	}
	s.mu.Lock()
	s.cache = make(map[lossKey]cachedLoss)
	s.mu.Unlock()
	return nil
}

// realizedLoss returns the accumulated loss (positive number) for the
// account and period, served from cache within the TTL.
func (s *Service) realizedLoss(ctx context.Context, account string, period Period) (decimal.Decimal, error) {
	now := s.now()
	key := lossKey{account: account, period: period}

	s.mu.Lock()
	if c, ok := s.cache[key]; ok && now.Sub(c.fetched) < pnlCacheTTL {
		s.mu.Unlock()
		return c.loss, nil
	}
	s.mu.Unlock()

	pnl, err := s.analytics.RealizedPnLSince(ctx, account, periodStart(period, now))
	if err != nil {
		return decimal.Zero, err
	}
	loss := pnl.Neg()
	if loss.IsNegative() {
		loss = decimal.Zero
	}

	s.mu.Lock()
	s.cache[key] = cachedLoss{loss: loss, fetched: now}
	s.mu.Unlock()
	return loss, nil
}

// periodStart returns the inclusive lower bound of the period containing
// now: midnight today, Monday midnight, or the first of the month.
func periodStart(period Period, now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch period {
	case PeriodWeekly:
		offset := (int(now.Weekday()) + 6) % 7 // Monday = 0
		return midnight.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return midnight
	}
}
