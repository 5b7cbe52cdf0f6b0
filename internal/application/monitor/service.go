// Package monitor polls the broker on a fixed cadence, detecting fills,
// external cancellations and closed positions for every tracked bracket.
// It also owns the market-data subscriptions for tracked symbols, counting
// updates per symbol. Consecutive poll failures back off linearly up to a
// ceiling; at max_errors consecutive failures the pump stops.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/application/execution"
	"github.com/alejandrodnm/bracketbot/internal/application/labeling"
	"github.com/alejandrodnm/bracketbot/internal/application/risk"
	"github.com/alejandrodnm/bracketbot/internal/application/state"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/shopspring/decimal"
)

// Stats counts what the pump has observed since start.
type Stats struct {
	Cycles            int
	Errors            int
	ConsecutiveErrors int
	FillsDetected     int
	CancelsDetected   int
	PositionsClosed   int
	LastCycle         time.Time
}

// Service is the broker-state pump.
type Service struct {
	cfg     config.MonitoringConfig
	broker  ports.BrokerClient
	feed    ports.DataFeed
	store   ports.Store
	state   *state.Service
	exec    *execution.Service
	labeler *labeling.Service
	risk    *risk.Service

	mu    sync.Mutex
	stats Stats
	subs  map[string]int // symbol -> updates observed
	done  chan struct{}
}

// New wires the monitor. feed may be nil; exit prices then fall back to the
// bracket's own levels.
func New(cfg config.MonitoringConfig, broker ports.BrokerClient, feed ports.DataFeed,
	store ports.Store, st *state.Service, exec *execution.Service,
	labeler *labeling.Service, rk *risk.Service) *Service {
	return &Service{
		cfg:     cfg,
		broker:  broker,
		feed:    feed,
		store:   store,
		state:   st,
		exec:    exec,
		labeler: labeler,
		risk:    rk,
		subs:    make(map[string]int),
		done:    make(chan struct{}),
	}
}

// Subscribe opens a market-data subscription for the symbol and starts
// counting its updates. Re-subscribing is a no-op.
func (s *Service) Subscribe(ctx context.Context, symbol string) error {
	s.mu.Lock()
	_, ok := s.subs[symbol]
	if !ok {
		s.subs[symbol] = 0
	}
	s.mu.Unlock()
	if ok || s.feed == nil {
		return nil
	}
	if err := s.feed.Subscribe(ctx, symbol); err != nil {
		s.mu.Lock()
		delete(s.subs, symbol)
		s.mu.Unlock()
		return fmt.Errorf("monitor: subscribe %s: %w", symbol, err)
	}
	return nil
}

// SubscribeOrders subscribes every distinct symbol in the working set.
// Individual failures are logged and skipped.
func (s *Service) SubscribeOrders(ctx context.Context, orders []*domain.PlannedOrder) {
	for _, p := range orders {
		if err := s.Subscribe(ctx, p.Symbol); err != nil {
			slog.Warn("monitor: market data subscription failed",
				"symbol", p.Symbol, "err", err)
		}
	}
}

// Unsubscribe drops the symbol's subscription and its update counter.
func (s *Service) Unsubscribe(symbol string) error {
	s.mu.Lock()
	_, ok := s.subs[symbol]
	delete(s.subs, symbol)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if s.feed != nil {
		if err := s.feed.Unsubscribe(symbol); err != nil {
			return fmt.Errorf("monitor: unsubscribe %s: %w", symbol, err)
		}
	}
	return nil
}

// SubscriptionStats reports the updates observed per subscribed symbol.
func (s *Service) SubscriptionStats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.subs))
	for sym, n := range s.subs {
		out[sym] = n
	}
	return out
}

// Run pumps until the context is cancelled. Blocking; callers run it in a
// goroutine and wait on Done.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)

	interval := time.Duration(s.cfg.IntervalSeconds) * time.Second
	labelEvery := time.Duration(s.cfg.LabelIntervalMinutes) * time.Minute
	lastLabel := time.Now()

	for {
		wait := interval
		if n := s.consecutiveErrors(); n > 0 {
			wait = s.backoff(n)
			slog.Warn("monitor: backing off after errors", "consecutive", n, "wait", wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := s.CheckOnce(ctx); err != nil {
			if s.recordError() {
				slog.Error("monitor: max consecutive errors reached, stopping pump",
					"max", s.cfg.MaxErrors, "err", err)
				return
			}
			slog.Error("monitor: cycle failed", "err", err)
			continue
		}
		s.recordSuccess()

		if time.Since(lastLabel) >= labelEvery {
			if n, err := s.labeler.RunOnce(ctx); err != nil {
				slog.Warn("monitor: labeling pass failed", "err", err)
			} else if n > 0 {
				slog.Info("monitor: labeling pass complete", "labeled", n)
			}
			lastLabel = time.Now()
		}
	}
}

// Done is closed when Run has returned.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the pump counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// CheckOnce reconciles every tracked bracket against the broker's open
// orders and positions.
func (s *Service) CheckOnce(ctx context.Context) error {
	if s.broker == nil || !s.broker.Connected() {
		return fmt.Errorf("monitor: broker not connected")
	}

	open, err := s.broker.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("monitor: open orders: %w", err)
	}
	positions, err := s.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("monitor: positions: %w", err)
	}

	openByID := make(map[int64]ports.BrokerOrder, len(open))
	for _, o := range open {
		openByID[o.OrderID] = o
	}
	posBySymbol := make(map[string]ports.BrokerPosition, len(positions))
	for _, p := range positions {
		if !p.Quantity.IsZero() {
			posBySymbol[p.Symbol] = p
		}
	}

	for _, a := range s.exec.ActiveOrders() {
		if err := s.checkBracket(ctx, a, openByID, posBySymbol); err != nil {
			slog.Warn("monitor: bracket check failed", "symbol", a.Planned.Symbol, "err", err)
		}
	}

	s.countUpdates(ctx)
	return nil
}

// countUpdates ticks the per-symbol counter for every subscription with a
// fresh quote this cycle. Updates are counted, never queued.
func (s *Service) countUpdates(ctx context.Context) {
	if s.feed == nil {
		return
	}
	s.mu.Lock()
	symbols := make([]string, 0, len(s.subs))
	for sym := range s.subs {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	for _, sym := range symbols {
		if snap, err := s.feed.CurrentPrice(ctx, sym); err == nil && snap.Price.IsPositive() {
			s.mu.Lock()
			if _, ok := s.subs[sym]; ok {
				s.subs[sym]++
			}
			s.mu.Unlock()
		}
	}
}

// checkBracket classifies one bracket's broker state and applies the
// matching transition.
func (s *Service) checkBracket(ctx context.Context, a *domain.ActiveOrder,
	openByID map[int64]ports.BrokerOrder, posBySymbol map[string]ports.BrokerPosition) error {

	symbol := a.Planned.Symbol
	pos, hasPos := posBySymbol[symbol]
	parentOpen := false
	if len(a.BrokerIDs) > 0 {
		_, parentOpen = openByID[a.BrokerIDs[0]]
	}

	switch {
	case a.IsWorking() && parentOpen:
		if a.Status == domain.ActiveSubmitted {
			a.Status = domain.ActiveWorking
			if err := s.state.UpdateOrderState(ctx, a.Planned, domain.StatusLiveWorking,
				"working at broker", "monitor"); err != nil {
				return err
			}
		}
		return nil

	case a.IsWorking() && !parentOpen && hasPos:
		return s.handleFill(ctx, a, pos)

	case a.IsWorking() && !parentOpen && !hasPos:
		return s.handleExternalCancel(ctx, a)

	case a.Status == domain.ActiveFilled && !hasPos:
		return s.handlePositionClosed(ctx, a)
	}
	return nil
}

// handleFill records the entry fill and moves the order to FILLED. The
// bracket keeps its slot until the position closes.
func (s *Service) handleFill(ctx context.Context, a *domain.ActiveOrder, pos ports.BrokerPosition) error {
	fillPrice := pos.AvgCost
	if !fillPrice.IsPositive() {
		fillPrice = a.Planned.EntryPrice
	}
	qty := pos.Quantity.Abs()
	if qty.IsZero() {
		qty = a.Quantity
	}
	now := time.Now().UTC()

	if execID, ok := s.openExecutionID(ctx, a.DBOrderID); ok {
		if err := s.store.MarkExecutionFilled(ctx, execID, fillPrice, qty, decimal.Zero, now); err != nil {
			slog.Warn("monitor: mark filled failed", "execution", execID, "err", err)
		}
	}
	if s.broker.IsPaperAccount() {
		attempt := domain.OrderAttempt{
			PlannedOrderID:  a.DBOrderID,
			AttemptedAt:     now,
			Type:            domain.AttemptSimFill,
			FillProbability: a.FillProbability,
			AccountNumber:   a.AccountNumber,
		}
		if err := s.store.RecordAttempt(ctx, attempt); err != nil {
			slog.Warn("monitor: record sim fill failed", "order", a.DBOrderID, "err", err)
		}
	}

	if err := s.state.UpdateOrderState(ctx, a.Planned, domain.StatusFilled,
		"entry filled", "monitor"); err != nil {
		return err
	}
	s.exec.MarkFilled(a.Key())

	s.mu.Lock()
	s.stats.FillsDetected++
	s.mu.Unlock()

	slog.Info("monitor: fill detected", "symbol", a.Planned.Symbol,
		"price", fillPrice, "quantity", qty)
	return nil
}

// handleExternalCancel closes out a bracket whose parent vanished without a
// position.
func (s *Service) handleExternalCancel(ctx context.Context, a *domain.ActiveOrder) error {
	if err := s.state.UpdateOrderState(ctx, a.Planned, domain.StatusCancelled,
		"cancelled at broker", "monitor"); err != nil {
		return err
	}
	if execID, ok := s.openExecutionID(ctx, a.DBOrderID); ok {
		if err := s.state.CloseExecution(ctx, execID, decimal.Zero, time.Now().UTC()); err != nil {
			slog.Warn("monitor: close cancelled execution failed", "execution", execID, "err", err)
		}
	}
	s.exec.Release(a.Key())

	s.mu.Lock()
	s.stats.CancelsDetected++
	s.mu.Unlock()

	slog.Info("monitor: external cancellation", "symbol", a.Planned.Symbol)
	return nil
}

// handlePositionClosed settles a filled bracket whose position is gone: one
// of the child legs executed at the broker.
func (s *Service) handlePositionClosed(ctx context.Context, a *domain.ActiveOrder) error {
	now := time.Now().UTC()
	pnl := s.estimatePnL(ctx, a)

	if err := s.state.UpdateOrderState(ctx, a.Planned, domain.StatusLiquidatedEx,
		"position closed at broker", "monitor"); err != nil {
		return err
	}
	if execID, ok := s.openExecutionID(ctx, a.DBOrderID); ok {
		if err := s.state.CloseExecution(ctx, execID, pnl, now); err != nil {
			slog.Warn("monitor: close execution failed", "execution", execID, "err", err)
		}
	}
	closed := domain.RealizedPnL{
		OrderID:       a.DBOrderID,
		Symbol:        a.Planned.Symbol,
		PnL:           pnl,
		ExitDate:      now,
		AccountNumber: a.AccountNumber,
	}
	if err := s.risk.RecordTradeClose(ctx, closed); err != nil {
		slog.Warn("monitor: record trade close failed", "symbol", a.Planned.Symbol, "err", err)
	}
	s.exec.Release(a.Key())

	s.mu.Lock()
	s.stats.PositionsClosed++
	s.mu.Unlock()

	slog.Info("monitor: position closed", "symbol", a.Planned.Symbol, "pnl", pnl)
	return nil
}

// estimatePnL prices the exit from the live feed when available, otherwise
// assumes the stop leg executed. Conservative on purpose.
func (s *Service) estimatePnL(ctx context.Context, a *domain.ActiveOrder) decimal.Decimal {
	exit := a.Planned.StopLoss
	if s.feed != nil {
		if snap, err := s.feed.CurrentPrice(ctx, a.Planned.Symbol); err == nil && snap.Price.IsPositive() {
			exit = snap.Price
		}
	}
	fill := a.Planned.EntryPrice
	diff := exit.Sub(fill)
	if a.Planned.Action.IsSellSide() {
		diff = diff.Neg()
	}
	return diff.Mul(a.Quantity)
}

// openExecutionID finds the open execution row for the planned order.
func (s *Service) openExecutionID(ctx context.Context, plannedOrderID int64) (int64, bool) {
	execs, err := s.store.OpenExecutions(ctx)
	if err != nil {
		slog.Warn("monitor: open executions lookup failed", "err", err)
		return 0, false
	}
	for _, e := range execs {
		if e.PlannedOrderID == plannedOrderID {
			return e.ID, true
		}
	}
	return 0, false
}

func (s *Service) backoff(consecutive int) time.Duration {
	sec := s.cfg.ErrorBackoffBase * consecutive
	if sec > s.cfg.MaxBackoffSeconds {
		sec = s.cfg.MaxBackoffSeconds
	}
	return time.Duration(sec) * time.Second
}

func (s *Service) consecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.ConsecutiveErrors
}

// recordError counts the failure and reports whether the consecutive-error
// budget is spent.
func (s *Service) recordError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Cycles++
	s.stats.Errors++
	s.stats.ConsecutiveErrors++
	s.stats.LastCycle = time.Now()
	return s.stats.ConsecutiveErrors >= s.cfg.MaxErrors
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Cycles++
	s.stats.ConsecutiveErrors = 0
	s.stats.LastCycle = time.Now()
}
