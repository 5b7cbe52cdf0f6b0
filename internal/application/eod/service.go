// Package eod applies the end-of-day policy: before the session closes, DAY
// orders are cancelled and DAY positions flattened, HYBRID positions past
// their holding horizon are closed, and stale PENDING orders expire. CORE
// positions are never touched.
package eod

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/application/execution"
	"github.com/alejandrodnm/bracketbot/internal/application/risk"
	"github.com/alejandrodnm/bracketbot/internal/application/state"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// marketTimezone anchors the schedule to the exchange session.
const marketTimezone = "America/New_York"

// Regular session bounds in exchange time.
const (
	marketOpenHour    = 9
	marketOpenMinute  = 30
	marketCloseHour   = 16
	marketCloseMinute = 0
)

// Stats counts one closure pass. Skipped is set when the pass ran outside
// the operational window and touched nothing.
type Stats struct {
	Skipped           bool
	OrdersCancelled   int
	PositionsClosed   int
	OrdersExpired     int
	AttemptsExhausted int
}

// Service schedules and runs the closure policy.
type Service struct {
	cfg    config.EndOfDayConfig
	broker ports.BrokerClient
	feed   ports.DataFeed
	store  ports.Store
	state  *state.Service
	exec   *execution.Service
	risk   *risk.Service
	loc    *time.Location
	now    func() time.Time

	cron *cron.Cron

	mu       sync.Mutex
	attempts map[int64]int // execution ID → close attempts today
}

// New wires the service. The cron scheduler is created here but only
// started by Start. nowFn may be nil to use the wall clock.
func New(cfg config.EndOfDayConfig, broker ports.BrokerClient, feed ports.DataFeed,
	store ports.Store, st *state.Service, exec *execution.Service, rk *risk.Service,
	nowFn func() time.Time) (*Service, error) {
	loc, err := time.LoadLocation(marketTimezone)
	if err != nil {
		return nil, fmt.Errorf("eod.New: load timezone: %w", err)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	s := &Service{
		cfg:      cfg,
		broker:   broker,
		feed:     feed,
		store:    store,
		state:    st,
		exec:     exec,
		risk:     rk,
		loc:      loc,
		now:      nowFn,
		cron:     cron.New(cron.WithLocation(loc)),
		attempts: make(map[int64]int),
	}
	return s, nil
}

// Start registers the closure and daily-reset jobs and starts the scheduler.
// The closure job fires CloseBufferMinutes before the 16:00 ET close on
// weekdays; the reset job fires at the pre-market open.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		slog.Info("eod: disabled")
		return nil
	}

	closeMinute := marketCloseHour*60 + marketCloseMinute - s.cfg.CloseBufferMinutes
	spec := fmt.Sprintf("%d %d * * 1-5", closeMinute%60, closeMinute/60)
	if _, err := s.cron.AddFunc(spec, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("eod.Start: schedule closure: %w", err)
	}

	openMinute := marketOpenHour*60 + marketOpenMinute - s.cfg.PreMarketStartMinutes
	resetSpec := fmt.Sprintf("%d %d * * 1-5", openMinute%60, openMinute/60)
	if _, err := s.cron.AddFunc(resetSpec, s.ResetDailyCounters); err != nil {
		return fmt.Errorf("eod.Start: schedule reset: %w", err)
	}

	s.cron.Start()
	slog.Info("eod: scheduled", "closure", spec, "reset", resetSpec, "timezone", marketTimezone)
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Service) runScheduled(ctx context.Context) {
	stats, err := s.RunOnce(ctx)
	if err != nil {
		slog.Error("eod: closure pass failed", "err", err)
		return
	}
	slog.Info("eod: closure pass complete",
		"cancelled", stats.OrdersCancelled, "closed", stats.PositionsClosed,
		"expired", stats.OrdersExpired, "attempts_exhausted", stats.AttemptsExhausted)
}

// RunOnce applies the closure policy when the operational window is open:
// weekdays from close_buffer_minutes before the 16:00 ET close through
// post_market_end_minutes after it. Outside the window the pass reports
// Skipped and touches nothing.
func (s *Service) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	now := s.now().UTC()

	if !s.inClosureWindow(now) {
		stats.Skipped = true
		slog.Info("eod: outside operational window, pass skipped",
			"now", now.In(s.loc).Format("Mon 15:04 MST"))
		return stats, nil
	}

	working, err := s.store.WorkingOrders(ctx)
	if err != nil {
		return stats, fmt.Errorf("eod.RunOnce: working orders: %w", err)
	}

	for i := range working {
		p := &working[i]
		switch {
		case s.cfg.CloseDayPositions && p.Strategy == domain.StrategyDay && p.Status != domain.StatusPending:
			if err := s.cancelWorkingOrder(ctx, p, "session ended"); err != nil {
				slog.Warn("eod: cancel day order failed", "symbol", p.Symbol, "err", err)
				continue
			}
			stats.OrdersCancelled++

		case s.cfg.ExpirePlannedOrders && p.Status == domain.StatusPending && expired(p, now):
			if err := s.state.UpdateOrderState(ctx, p, domain.StatusExpired,
				"expiration date passed", "eod"); err != nil {
				slog.Warn("eod: expire order failed", "symbol", p.Symbol, "err", err)
				continue
			}
			stats.OrdersExpired++
		}
	}

	if err := s.closePositions(ctx, now, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// inClosureWindow reports whether now falls in the closing or post-market
// window of a weekday session.
func (s *Service) inClosureWindow(now time.Time) bool {
	et := now.In(s.loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := et.Hour()*60 + et.Minute()
	closeMinute := marketCloseHour*60 + marketCloseMinute
	return minutes >= closeMinute-s.cfg.CloseBufferMinutes &&
		minutes <= closeMinute+s.cfg.PostMarketEndMinutes
}

// cancelWorkingOrder cancels the bracket at the broker and expires the row.
func (s *Service) cancelWorkingOrder(ctx context.Context, p *domain.PlannedOrder, reason string) error {
	for _, id := range p.BrokerIDs {
		if err := s.broker.CancelOrder(ctx, id); err != nil {
			slog.Debug("eod: cancel at broker", "symbol", p.Symbol, "broker_id", id, "err", err)
		}
	}
	if err := s.state.UpdateOrderState(ctx, p, domain.StatusExpired, reason, "eod"); err != nil {
		return err
	}
	s.exec.Release(domain.ActiveKey(p))
	return nil
}

// closePositions flattens DAY positions and HYBRID positions past their
// holding horizon, bounded by the per-day attempt budget.
func (s *Service) closePositions(ctx context.Context, now time.Time, stats *Stats) error {
	execs, err := s.store.OpenExecutions(ctx)
	if err != nil {
		return fmt.Errorf("eod.closePositions: %w", err)
	}

	for _, e := range execs {
		if e.Status != domain.ExecFilled {
			continue
		}
		p, err := s.store.PlannedOrder(ctx, e.PlannedOrderID)
		if err != nil || p == nil {
			continue
		}

		var reason string
		switch {
		case s.cfg.CloseDayPositions && p.Strategy == domain.StrategyDay:
			reason = "day position closed at session end"
		case s.cfg.CloseExpiredHybrid && p.Strategy == domain.StrategyHybrid && hybridExpired(&e, p, now):
			reason = "hybrid holding horizon elapsed"
		default:
			continue // CORE and unexpired HYBRID stay open
		}

		if s.attemptsSpent(e.ID) {
			stats.AttemptsExhausted++
			slog.Error("eod: close attempts exhausted, manual intervention needed",
				"symbol", p.Symbol, "execution", e.ID, "max", s.cfg.MaxCloseAttempts)
			continue
		}
		s.recordAttempt(e.ID)

		if err := s.closePosition(ctx, &e, p, reason, now); err != nil {
			slog.Warn("eod: close position failed", "symbol", p.Symbol, "err", err)
			continue
		}
		stats.PositionsClosed++
	}
	return nil
}

// closePosition flattens one position at market and settles the books.
func (s *Service) closePosition(ctx context.Context, e *domain.ExecutedOrder,
	p *domain.PlannedOrder, reason string, now time.Time) error {

	qty := e.FilledQuantity
	if p.Action.IsSellSide() {
		qty = qty.Neg()
	}
	if err := s.broker.ClosePosition(ctx, p.Symbol, qty); err != nil {
		return fmt.Errorf("eod: close %s: %w", p.Symbol, err)
	}

	// The planned order's trading window ended; EXPIRED, not LIQUIDATED,
	// which is reserved for operator-driven closes.
	pnl := s.exitPnL(ctx, e, p)
	if err := s.state.UpdateOrderState(ctx, p, domain.StatusExpired, reason, "eod"); err != nil {
		return err
	}
	if err := s.state.CloseExecution(ctx, e.ID, pnl, now); err != nil {
		slog.Warn("eod: close execution failed", "execution", e.ID, "err", err)
	}
	closed := domain.RealizedPnL{
		OrderID:       p.ID,
		Symbol:        p.Symbol,
		PnL:           pnl,
		ExitDate:      now,
		AccountNumber: e.AccountNumber,
	}
	if err := s.risk.RecordTradeClose(ctx, closed); err != nil {
		slog.Warn("eod: record trade close failed", "symbol", p.Symbol, "err", err)
	}
	s.exec.Release(domain.ActiveKey(p))

	slog.Info("eod: position closed", "symbol", p.Symbol, "reason", reason, "pnl", pnl)
	return nil
}

// exitPnL marks the exit at the live price when available, else at the fill.
func (s *Service) exitPnL(ctx context.Context, e *domain.ExecutedOrder, p *domain.PlannedOrder) decimal.Decimal {
	exit := e.FilledPrice
	if s.feed != nil {
		if snap, err := s.feed.CurrentPrice(ctx, p.Symbol); err == nil && snap.Price.IsPositive() {
			exit = snap.Price
		}
	}
	diff := exit.Sub(e.FilledPrice)
	if p.Action.IsSellSide() {
		diff = diff.Neg()
	}
	return diff.Mul(e.FilledQuantity)
}

// ResetDailyCounters clears the per-day close-attempt budget.
func (s *Service) ResetDailyCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = make(map[int64]int)
	slog.Info("eod: daily attempt counters reset")
}

func (s *Service) attemptsSpent(execID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[execID] >= s.cfg.MaxCloseAttempts
}

func (s *Service) recordAttempt(execID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[execID]++
}

func expired(p *domain.PlannedOrder, now time.Time) bool {
	return p.ExpirationDate != nil && now.After(*p.ExpirationDate)
}

func hybridExpired(e *domain.ExecutedOrder, p *domain.PlannedOrder, now time.Time) bool {
	if e.ExpirationDate != nil {
		return now.After(*e.ExpirationDate)
	}
	return domain.StrategyExpired(domain.StrategyHybrid, p.CreatedAt, now)
}
