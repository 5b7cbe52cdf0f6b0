// Package reconcile converges the database view of working orders with what
// the broker actually holds. The broker is authoritative: database rows
// with no backing broker state are closed out, never resubmitted.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/application/execution"
	"github.com/alejandrodnm/bracketbot/internal/application/state"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/shopspring/decimal"
)

// Discrepancy classes logged per reconciliation pass.
const (
	discOrderGone      = "order_gone_at_broker"
	discPositionGone   = "position_gone_at_broker"
	discOrphanOrder    = "unknown_broker_order"
	discStatusMismatch = "status_mismatch"
)

// entryTolerance matches internal and broker entry prices within one cent.
var entryTolerance = decimal.NewFromFloat(0.01)

// Stats summarises one pass.
type Stats struct {
	Checked       int
	Discrepancies map[string]int
}

// Service is the convergence loop.
type Service struct {
	cfg    config.ReconcileConfig
	broker ports.BrokerClient
	store  ports.Store
	state  *state.Service
	exec   *execution.Service

	mu                  sync.Mutex
	consecutiveFailures int
	healthy             bool
	done                chan struct{}
}

// New wires the reconciler.
func New(cfg config.ReconcileConfig, broker ports.BrokerClient, store ports.Store,
	st *state.Service, exec *execution.Service) *Service {
	return &Service{
		cfg:     cfg,
		broker:  broker,
		store:   store,
		state:   st,
		exec:    exec,
		healthy: true,
		done:    make(chan struct{}),
	}
}

// Run reconciles on the configured cadence until the context is cancelled
// or the failure budget is spent. Failures back off linearly, capped at
// five minutes; after MaxFailures consecutive failures the service marks
// itself unhealthy and stops.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)

	interval := time.Duration(s.cfg.IntervalSeconds) * time.Second

	for {
		wait := interval
		if n := s.failures(); n > 0 {
			wait = backoff(n)
			slog.Warn("reconcile: backing off", "consecutive_failures", n, "wait", wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		stats, err := s.ReconcileOnce(ctx)
		if err != nil {
			if s.recordFailure() {
				slog.Error("reconcile: failure budget spent, stopping",
					"max_failures", s.cfg.MaxFailures, "err", err)
				return
			}
			slog.Error("reconcile: pass failed", "err", err)
			continue
		}
		s.recordSuccess()
		if len(stats.Discrepancies) > 0 {
			slog.Info("reconcile: converged", "checked", stats.Checked,
				"discrepancies", stats.Discrepancies)
		}
	}
}

// Done is closed when Run has returned.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Healthy reports whether the failure budget still has room.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// ReconcileOnce compares every working database order against the broker
// and applies broker-wins corrections.
func (s *Service) ReconcileOnce(ctx context.Context) (Stats, error) {
	stats := Stats{Discrepancies: make(map[string]int)}

	if s.broker == nil || !s.broker.Connected() {
		return stats, fmt.Errorf("reconcile: broker not connected")
	}

	open, err := s.broker.OpenOrders(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: open orders: %w", err)
	}
	positions, err := s.broker.Positions(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: positions: %w", err)
	}
	working, err := s.store.WorkingOrders(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: working orders: %w", err)
	}

	openIDs := make(map[int64]bool, len(open))
	for _, o := range open {
		openIDs[o.OrderID] = true
	}
	posBySymbol := make(map[string]bool, len(positions))
	for _, p := range positions {
		if !p.Quantity.IsZero() {
			posBySymbol[p.Symbol] = true
		}
	}
	knownBrokerIDs := make(map[int64]bool)
	claimed := make(map[int64]bool) // broker orders matched by key

	for i := range working {
		p := &working[i]
		stats.Checked++
		for _, id := range p.BrokerIDs {
			knownBrokerIDs[id] = true
		}

		// PENDING rows have not reached the broker; nothing to converge.
		if p.Status == domain.StatusPending {
			continue
		}

		anyOpen := false
		for _, id := range p.BrokerIDs {
			if openIDs[id] {
				anyOpen = true
				break
			}
		}

		// Fall back to the match key when the IDs miss: broker restarts
		// renumber orders.
		if bo := matchByKey(p, open); bo != nil {
			claimed[bo.OrderID] = true
			if terminal(bo.Status) {
				stats.Discrepancies[discStatusMismatch]++
				s.applyBrokerStatus(ctx, p, bo)
			}
			continue
		}
		if anyOpen || posBySymbol[p.Symbol] {
			continue
		}

		// The broker holds neither the orders nor a position.
		stats.Discrepancies[discOrderGone]++
		if err := s.state.UpdateOrderState(ctx, p, domain.StatusCancelled,
			"no broker state during reconciliation", "reconcile"); err != nil {
			slog.Warn("reconcile: cancel orphaned order failed", "symbol", p.Symbol, "err", err)
			continue
		}
		s.closeOpenExecution(ctx, p.ID)
		s.exec.Release(domain.ActiveKey(p))
	}

	// FILLED rows whose position vanished between monitor cycles.
	s.reconcileFilled(ctx, posBySymbol, &stats)

	// Anything at the broker claimed by neither an ID nor the match key is
	// an orphan, bracket children of our parents excepted. Orphans are
	// logged only; no internal row is fabricated.
	for _, o := range open {
		if knownBrokerIDs[o.OrderID] || claimed[o.OrderID] {
			continue
		}
		if o.ParentID != 0 && (knownBrokerIDs[o.ParentID] || claimed[o.ParentID]) {
			continue
		}
		stats.Discrepancies[discOrphanOrder]++
		slog.Warn("reconcile: broker order with no database row",
			"broker_id", o.OrderID, "symbol", o.Symbol, "parent_id", o.ParentID)
	}
	return stats, nil
}

// matchByKey locates a broker order for the row by (symbol, action, entry
// within one cent). Stop orders carry their entry in the aux price.
func matchByKey(p *domain.PlannedOrder, open []ports.BrokerOrder) *ports.BrokerOrder {
	for i := range open {
		o := &open[i]
		if o.Symbol != p.Symbol || o.Action != p.Action {
			continue
		}
		entry := o.LimitPrice
		if o.OrderType == domain.OrderStop || entry.IsZero() {
			entry = o.AuxPrice
		}
		if entry.Sub(p.EntryPrice).Abs().LessThanOrEqual(entryTolerance) {
			return o
		}
	}
	return nil
}

func terminal(status string) bool {
	return status == ports.BrokerStatusFilled || status == ports.BrokerStatusCancelled
}

// applyBrokerStatus moves an internal working row to the terminal state the
// broker already reached.
func (s *Service) applyBrokerStatus(ctx context.Context, p *domain.PlannedOrder, bo *ports.BrokerOrder) {
	switch bo.Status {
	case ports.BrokerStatusFilled:
		if err := s.state.UpdateOrderState(ctx, p, domain.StatusFilled,
			"filled at broker during reconciliation", "reconcile"); err != nil {
			slog.Warn("reconcile: apply broker fill failed", "symbol", p.Symbol, "err", err)
			return
		}
		s.exec.MarkFilled(domain.ActiveKey(p))
	case ports.BrokerStatusCancelled:
		if err := s.state.UpdateOrderState(ctx, p, domain.StatusCancelled,
			"cancelled at broker during reconciliation", "reconcile"); err != nil {
			slog.Warn("reconcile: apply broker cancel failed", "symbol", p.Symbol, "err", err)
			return
		}
		s.closeOpenExecution(ctx, p.ID)
		s.exec.Release(domain.ActiveKey(p))
	}
}

// reconcileFilled settles database executions whose broker position is gone.
func (s *Service) reconcileFilled(ctx context.Context, posBySymbol map[string]bool, stats *Stats) {
	execs, err := s.store.OpenExecutions(ctx)
	if err != nil {
		slog.Warn("reconcile: open executions lookup failed", "err", err)
		return
	}
	for _, e := range execs {
		if e.Status != domain.ExecFilled {
			continue
		}
		p, err := s.store.PlannedOrder(ctx, e.PlannedOrderID)
		if err != nil || p == nil {
			continue
		}
		if posBySymbol[p.Symbol] {
			continue
		}

		stats.Discrepancies[discPositionGone]++
		if err := s.state.UpdateOrderState(ctx, p, domain.StatusLiquidatedEx,
			"position missing during reconciliation", "reconcile"); err != nil {
			slog.Warn("reconcile: liquidate orphaned fill failed", "symbol", p.Symbol, "err", err)
			continue
		}
		if err := s.state.CloseExecution(ctx, e.ID, decimal.Zero, time.Now().UTC()); err != nil {
			slog.Warn("reconcile: close execution failed", "execution", e.ID, "err", err)
		}
		s.exec.Release(domain.ActiveKey(p))
	}
}

func (s *Service) closeOpenExecution(ctx context.Context, plannedOrderID int64) {
	execs, err := s.store.OpenExecutions(ctx)
	if err != nil {
		slog.Warn("reconcile: open executions lookup failed", "err", err)
		return
	}
	for _, e := range execs {
		if e.PlannedOrderID == plannedOrderID {
			if err := s.state.CloseExecution(ctx, e.ID, decimal.Zero, time.Now().UTC()); err != nil {
				slog.Warn("reconcile: close execution failed", "execution", e.ID, "err", err)
			}
			return
		}
	}
}

// backoff is base 60 seconds per consecutive failure, capped at 5 minutes.
func backoff(consecutive int) time.Duration {
	sec := 60 * consecutive
	if sec > 300 {
		sec = 300
	}
	return time.Duration(sec) * time.Second
}

// recordFailure returns true when the failure budget is spent.
func (s *Service) recordFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	if s.consecutiveFailures >= s.cfg.MaxFailures {
		s.healthy = false
		return true
	}
	return false
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
}

func (s *Service) failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}
