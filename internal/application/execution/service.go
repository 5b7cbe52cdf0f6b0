// Package execution turns allocated planned orders into broker brackets and
// tracks them until a terminal broker state. It is the only package that
// submits or cancels orders at the venue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/application/priority"
	"github.com/alejandrodnm/bracketbot/internal/application/probability"
	"github.com/alejandrodnm/bracketbot/internal/application/risk"
	"github.com/alejandrodnm/bracketbot/internal/application/state"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Skip reasons accumulated in CycleStats.Skipped.
const (
	skipHalted       = "trading_halted"
	skipNotWorkable  = "not_workable_status"
	skipDuplicate    = "duplicate_active"
	skipOpenPosition = "open_position"
	skipLowProb      = "below_min_fill_probability"
	skipThreshold    = "below_execution_threshold"
	skipSizing       = "sizing_failed"
	skipNotAllocated = "not_allocated"
	skipExposure     = "exposure_cap_exceeded"
	skipMargin       = "margin_rejected"
	skipBrokerReject = "broker_rejected"
)

// CycleStats summarises one execution pass.
type CycleStats struct {
	Considered int
	Submitted  int
	Skipped    map[string]int
}

func newCycleStats() CycleStats {
	return CycleStats{Skipped: make(map[string]int)}
}

func (s *CycleStats) skip(reason string) {
	s.Skipped[reason]++
}

// Service is the execution orchestrator.
type Service struct {
	cfg     config.ExecutionConfig
	simCfg  config.SimulationConfig
	broker  ports.BrokerClient
	store   ports.Store
	state   *state.Service
	prob    *probability.Engine
	risk    *risk.Service
	prio    *priority.Service
	limiter *rate.Limiter

	mu     sync.RWMutex
	active map[string]*domain.ActiveOrder // keyed by domain.ActiveKey
}

// New wires the orchestrator. The rate limiter throttles bracket
// submissions to the configured brackets per second with a burst of one.
func New(cfg config.ExecutionConfig, simCfg config.SimulationConfig,
	broker ports.BrokerClient, store ports.Store, st *state.Service,
	prob *probability.Engine, rk *risk.Service, prio *priority.Service) *Service {
	return &Service{
		cfg:     cfg,
		simCfg:  simCfg,
		broker:  broker,
		store:   store,
		state:   st,
		prob:    prob,
		risk:    rk,
		prio:    prio,
		limiter: rate.NewLimiter(rate.Limit(cfg.BrokerRatePerSecond), 1),
		active:  make(map[string]*domain.ActiveOrder),
	}
}

// Equity returns the account net liquidation value, falling back to the
// simulation default when the broker cannot answer.
func (s *Service) Equity(ctx context.Context) decimal.Decimal {
	if s.broker != nil && s.broker.Connected() {
		if v, err := s.broker.AccountValue(ctx); err == nil && v.IsPositive() {
			return v
		} else if err != nil {
			slog.Warn("execution: account value unavailable, using simulation equity", "err", err)
		}
	}
	return decimal.NewFromFloat(s.simCfg.DefaultEquity)
}

// ExecuteCycle runs one full pass: risk gates, probability scoring,
// prioritization and bracket submission for every allocated candidate.
// Orders the pass skips stay PENDING for the next cycle.
func (s *Service) ExecuteCycle(ctx context.Context, orders []*domain.PlannedOrder) CycleStats {
	stats := newCycleStats()
	if len(orders) == 0 {
		return stats
	}

	equity := s.Equity(ctx)
	account := s.accountNumber()

	if err := s.risk.TradingAllowed(ctx, account, equity); err != nil {
		var halt *risk.HaltError
		if errors.As(err, &halt) {
			slog.Warn("execution: trading halted", "period", halt.Period,
				"loss", halt.Loss, "limit", halt.Limit)
		} else {
			slog.Error("execution: risk gate check failed", "err", err)
		}
		stats.Skipped[skipHalted] = len(orders)
		return stats
	}

	candidates := s.buildCandidates(ctx, orders, equity, &stats)
	if len(candidates) == 0 {
		return stats
	}

	ranked := s.prio.Prioritize(ctx, priority.Input{
		Candidates:            candidates,
		Equity:                equity,
		CommittedCapital:      s.CommittedCapital(),
		WorkingOrders:         s.WorkingCount(),
		MaxOpenOrders:         s.maxOpenOrders(),
		MaxCapitalUtilization: decimal.NewFromFloat(s.cfg.MaxCapitalUtilization),
	})

	for i := range ranked {
		c := &ranked[i]
		if !c.Allocated {
			slog.Info("execution: order not allocated",
				"symbol", c.Order.Symbol, "reason", c.Reason, "quality", c.QualityScore)
			stats.skip(skipNotAllocated)
			continue
		}
		// The legacy path holds allocated orders below the execution
		// threshold back for a better price; they stay PENDING.
		if !s.prio.TwoLayerEnabled() && c.FillProbability < s.cfg.FillProbabilityThreshold {
			slog.Info("execution: fill probability below execution threshold",
				"symbol", c.Order.Symbol, "probability", c.FillProbability,
				"threshold", s.cfg.FillProbabilityThreshold)
			stats.skip(skipThreshold)
			continue
		}
		if err := s.submit(ctx, c, equity); err != nil {
			slog.Warn("execution: submission failed",
				"symbol", c.Order.Symbol, "err", err)
			continue
		}
		stats.Submitted++
	}
	return stats
}

// buildCandidates filters to workable orders, applies the risk cap, scores
// fill probability and sizes each order.
func (s *Service) buildCandidates(ctx context.Context, orders []*domain.PlannedOrder,
	equity decimal.Decimal, stats *CycleStats) []priority.Candidate {

	candidates := make([]priority.Candidate, 0, len(orders))
	for _, p := range orders {
		stats.Considered++

		if p.Status != domain.StatusPending {
			stats.skip(skipNotWorkable)
			continue
		}
		if s.isActive(domain.ActiveKey(p)) {
			stats.skip(skipDuplicate)
			continue
		}
		if open, err := s.store.OpenPositionExists(ctx, p.Symbol); err != nil {
			slog.Warn("execution: open position check failed", "symbol", p.Symbol, "err", err)
			continue
		} else if open {
			stats.skip(skipOpenPosition)
			continue
		}

		s.risk.ApplyCap(p)

		// Probability never gates the two-layer path, it only feeds the
		// scores. The floor applies on the legacy composite path alone.
		prob, _ := s.prob.Evaluate(ctx, p)
		if !s.prio.TwoLayerEnabled() && prob < s.cfg.MinFillProbability {
			slog.Debug("execution: fill probability below minimum",
				"symbol", p.Symbol, "probability", prob, "min", s.cfg.MinFillProbability)
			stats.skip(skipLowProb)
			continue
		}

		qty, err := domain.Quantity(p, equity)
		if err != nil {
			slog.Warn("execution: sizing failed", "symbol", p.Symbol, "err", err)
			stats.skip(skipSizing)
			continue
		}

		candidates = append(candidates, priority.Candidate{
			Order:             p,
			FillProbability:   prob,
			Quantity:          qty,
			CapitalCommitment: domain.CapitalCommitment(p, qty),
		})
	}
	return candidates
}

// submit places one bracket. The order moves PENDING→EXECUTING before the
// broker call and EXECUTING→LIVE after acceptance. A rejection at any gate
// or at the venue marks the order CANCELLED with the rejection reason; only
// an interrupted wait rolls back to PENDING for the next cycle.
func (s *Service) submit(ctx context.Context, c *priority.Candidate, equity decimal.Decimal) error {
	p := c.Order
	account := s.accountNumber()

	if err := s.state.UpdateOrderState(ctx, p, domain.StatusExecuting, "submitting bracket", "execution"); err != nil {
		return fmt.Errorf("execution.submit %s: %w", p.Symbol, err)
	}

	reject := func(reason string, cause error) error {
		s.recordAttempt(ctx, p.ID, domain.AttemptRejected, c.FillProbability, account)
		if err := s.state.UpdateOrderState(ctx, p, domain.StatusCancelled,
			fmt.Sprintf("%s: %v", reason, cause), "execution"); err != nil {
			slog.Error("execution: cancel on rejection failed", "symbol", p.Symbol, "err", err)
		}
		return fmt.Errorf("execution.submit %s: %s: %w", p.Symbol, reason, cause)
	}

	if err := s.risk.CheckExposure(p.Strategy, c.CapitalCommitment, s.heldCommitment(), equity); err != nil {
		return reject(skipExposure, err)
	}

	if err := s.store.ValidateMargin(ctx, p.SecurityType, c.CapitalCommitment, equity); err != nil {
		return reject(skipMargin, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		// Not a rejection: the order was never judged, retry next cycle.
		if rbErr := s.state.UpdateOrderState(ctx, p, domain.StatusPending,
			"rate limiter interrupted", "execution"); rbErr != nil {
			slog.Error("execution: rollback to PENDING failed", "symbol", p.Symbol, "err", rbErr)
		}
		return fmt.Errorf("execution.submit %s: rate limiter interrupted: %w", p.Symbol, err)
	}

	brokerIDs, err := s.broker.PlaceBracketOrder(ctx, bracketRequest(p, c.Quantity))
	if err != nil {
		return reject(skipBrokerReject, err)
	}

	s.recordAttempt(ctx, p.ID, domain.AttemptSubmit, c.FillProbability, account)

	if err := s.store.SetBrokerIDs(ctx, p.ID, brokerIDs); err != nil {
		slog.Error("execution: persist broker IDs failed", "symbol", p.Symbol, "err", err)
	}
	p.BrokerIDs = brokerIDs

	exec := &domain.ExecutedOrder{
		PlannedOrderID: p.ID,
		Status:         domain.ExecSubmitted,
		ExecutedAt:     time.Now().UTC(),
		IsOpen:         true,
		IsLiveTrading:  p.IsLiveTrading,
		AccountNumber:  account,
		ExpirationDate: p.ExpirationDate,
	}
	if err := s.store.RecordExecution(ctx, exec); err != nil {
		slog.Error("execution: record execution failed", "symbol", p.Symbol, "err", err)
	}

	if err := s.state.UpdateOrderState(ctx, p, domain.StatusLive, "bracket accepted", "execution"); err != nil {
		return fmt.Errorf("execution.submit %s: %w", p.Symbol, err)
	}

	active := &domain.ActiveOrder{
		ID:                uuid.NewString(),
		Planned:           p,
		BrokerIDs:         brokerIDs,
		DBOrderID:         p.ID,
		Status:            domain.ActiveSubmitted,
		Quantity:          c.Quantity,
		CapitalCommitment: c.CapitalCommitment,
		FillProbability:   c.FillProbability,
		SubmittedAt:       time.Now().UTC(),
		IsLiveTrading:     p.IsLiveTrading,
		AccountNumber:     account,
	}
	s.mu.Lock()
	s.active[active.Key()] = active
	s.mu.Unlock()

	slog.Info("execution: bracket submitted", "symbol", p.Symbol,
		"quantity", c.Quantity, "entry", p.EntryPrice, "stop", p.StopLoss,
		"target", p.ProfitTarget(), "broker_ids", brokerIDs,
		"probability", c.FillProbability,
		"effective_priority", probability.EffectivePriority(p.Priority, c.FillProbability))
	return nil
}

// CancelActive cancels the bracket's parent at the broker and releases the
// active slot. Child legs are cancelled by the venue's bracket linkage.
func (s *Service) CancelActive(ctx context.Context, a *domain.ActiveOrder, reason string) error {
	a.Status = domain.ActiveCancelling
	for _, id := range a.BrokerIDs {
		if err := s.broker.CancelOrder(ctx, id); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			return fmt.Errorf("execution.CancelActive %s: order %d: %w", a.Planned.Symbol, id, err)
		}
	}
	if err := s.state.UpdateOrderState(ctx, a.Planned, domain.StatusCancelled, reason, "execution"); err != nil {
		return fmt.Errorf("execution.CancelActive %s: %w", a.Planned.Symbol, err)
	}
	s.Release(a.Key())
	return nil
}

// MarkFilled flips the active bracket to FILLED, freeing its slot for the
// open-order count while the position remains.
func (s *Service) MarkFilled(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.active[key]; ok {
		a.Status = domain.ActiveFilled
	}
}

// Release drops the active bracket entirely.
func (s *Service) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
}

// ActiveOrders returns a snapshot of tracked brackets.
func (s *Service) ActiveOrders() []*domain.ActiveOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ActiveOrder, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a)
	}
	return out
}

// FindByBrokerID locates the active bracket carrying the broker order ID.
func (s *Service) FindByBrokerID(brokerID int64) *domain.ActiveOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.active {
		for _, id := range a.BrokerIDs {
			if id == brokerID {
				return a
			}
		}
	}
	return nil
}

// WorkingCount is the number of brackets still holding a slot.
func (s *Service) WorkingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.active {
		if a.IsWorking() {
			n++
		}
	}
	return n
}

// CommittedCapital sums the commitments of working brackets.
func (s *Service) CommittedCapital() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, a := range s.active {
		if a.IsWorking() {
			total = total.Add(a.CapitalCommitment)
		}
	}
	return total
}

// heldCommitment sums the working commitments of CORE and HYBRID brackets,
// the population the aggregate exposure cap covers.
func (s *Service) heldCommitment() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, a := range s.active {
		if !a.IsWorking() {
			continue
		}
		if st := a.Planned.Strategy; st == domain.StrategyCore || st == domain.StrategyHybrid {
			total = total.Add(a.CapitalCommitment)
		}
	}
	return total
}

// findByKey returns the working bracket for the natural key, if any.
func (s *Service) findByKey(key string) *domain.ActiveOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[key]
}

func (s *Service) isActive(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.active[key]
	return ok && a.IsWorking()
}

func (s *Service) accountNumber() string {
	if s.broker != nil {
		return s.broker.AccountNumber()
	}
	return "SIM"
}

func (s *Service) maxOpenOrders() int {
	return s.risk.MaxOpenOrders()
}

func (s *Service) recordAttempt(ctx context.Context, orderID int64, t domain.AttemptType, prob float64, account string) {
	a := domain.OrderAttempt{
		PlannedOrderID:  orderID,
		AttemptedAt:     time.Now().UTC(),
		Type:            t,
		FillProbability: prob,
		AccountNumber:   account,
	}
	if err := s.store.RecordAttempt(ctx, a); err != nil {
		slog.Warn("execution: record attempt failed", "order", orderID, "err", err)
	}
}
