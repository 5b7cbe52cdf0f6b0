package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/bracketbot/internal/application/priority"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Group coordinates mutually exclusive planned orders sharing one capital
// pool. Activation is first come, first served: an added order submits
// immediately when its commitment fits the pool's remaining capital and
// queues otherwise. Exits and cancellations free capital and reactivate
// queued orders in arrival order.
type Group struct {
	id  string
	svc *Service

	mu           sync.Mutex
	totalCapital decimal.Decimal
	active       map[int64]groupMember // keyed by planned-order ID
	inactive     []*domain.PlannedOrder
}

type groupMember struct {
	order      *domain.PlannedOrder
	commitment decimal.Decimal
}

// NewGroup creates an exclusive group drawing on totalCapital.
func (s *Service) NewGroup(totalCapital decimal.Decimal) *Group {
	return &Group{
		id:           uuid.NewString(),
		svc:          s,
		totalCapital: totalCapital,
		active:       make(map[int64]groupMember),
	}
}

// AddOrder sizes the order against current equity and submits it when its
// commitment fits the pool's free capital. When it does not fit, the order
// joins the inactive queue and AddOrder returns false with no error.
func (g *Group) AddOrder(ctx context.Context, p *domain.PlannedOrder) (bool, error) {
	equity := g.svc.Equity(ctx)
	g.svc.risk.ApplyCap(p)

	qty, err := domain.Quantity(p, equity)
	if err != nil {
		return false, fmt.Errorf("execution.Group.AddOrder %s: %w", p.Symbol, err)
	}
	commitment := domain.CapitalCommitment(p, qty)

	g.mu.Lock()
	if g.committedLocked().Add(commitment).GreaterThan(g.totalCapital) {
		g.inactive = append(g.inactive, p)
		g.mu.Unlock()
		slog.Info("bracket group: capital exhausted, order queued",
			"group", g.id, "symbol", p.Symbol, "commitment", commitment)
		return false, nil
	}
	g.active[p.ID] = groupMember{order: p, commitment: commitment}
	g.mu.Unlock()

	if err := g.submitMember(ctx, p, qty, commitment, equity); err != nil {
		g.mu.Lock()
		delete(g.active, p.ID)
		g.mu.Unlock()
		return false, err
	}
	return true, nil
}

// HandleExit releases the exited order's capital and reactivates queued
// orders that now fit. Unknown IDs are ignored.
func (g *Group) HandleExit(ctx context.Context, orderID int64, reason string) {
	g.mu.Lock()
	m, ok := g.active[orderID]
	delete(g.active, orderID)
	g.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("bracket group: order exited", "group", g.id,
		"symbol", m.order.Symbol, "reason", reason, "freed", m.commitment)
	g.reactivate(ctx)
}

// CancelOrder cancels an active member at the broker, then reactivates from
// the queue with the freed capital.
func (g *Group) CancelOrder(ctx context.Context, orderID int64) error {
	g.mu.Lock()
	m, ok := g.active[orderID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution.Group.CancelOrder: order %d not active", orderID)
	}

	if a := g.svc.findByKey(domain.ActiveKey(m.order)); a != nil {
		if err := g.svc.CancelActive(ctx, a, "bracket group cancel"); err != nil {
			return fmt.Errorf("execution.Group.CancelOrder %s: %w", m.order.Symbol, err)
		}
	} else if err := g.svc.state.UpdateOrderState(ctx, m.order,
		domain.StatusCancelled, "bracket group cancel", "execution"); err != nil {
		return fmt.Errorf("execution.Group.CancelOrder %s: %w", m.order.Symbol, err)
	}

	g.mu.Lock()
	delete(g.active, orderID)
	g.mu.Unlock()
	g.reactivate(ctx)
	return nil
}

// CancelInactiveOrder drops the first queued order for the symbol without
// touching the broker. Returns false when none is queued.
func (g *Group) CancelInactiveOrder(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, p := range g.inactive {
		if p.Symbol == symbol {
			g.inactive = append(g.inactive[:i], g.inactive[i+1:]...)
			slog.Info("bracket group: queued order removed",
				"group", g.id, "symbol", symbol)
			return true
		}
	}
	return false
}

// ActiveCount is the number of members holding group capital.
func (g *Group) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// QueuedCount is the number of orders waiting for capital.
func (g *Group) QueuedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inactive)
}

// Committed is the capital held by active members.
func (g *Group) Committed() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committedLocked()
}

func (g *Group) committedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, m := range g.active {
		total = total.Add(m.commitment)
	}
	return total
}

// reactivate walks the queue in arrival order and submits every order whose
// commitment now fits. Orders that still do not fit keep their place; the
// scan continues past them so smaller orders further back get their turn.
func (g *Group) reactivate(ctx context.Context) {
	equity := g.svc.Equity(ctx)

	g.mu.Lock()
	queued := g.inactive
	g.inactive = nil
	g.mu.Unlock()

	for _, p := range queued {
		qty, err := domain.Quantity(p, equity)
		if err != nil {
			slog.Warn("bracket group: sizing failed on reactivation",
				"group", g.id, "symbol", p.Symbol, "err", err)
			continue
		}
		commitment := domain.CapitalCommitment(p, qty)

		g.mu.Lock()
		fits := g.committedLocked().Add(commitment).LessThanOrEqual(g.totalCapital)
		if fits {
			g.active[p.ID] = groupMember{order: p, commitment: commitment}
		} else {
			g.inactive = append(g.inactive, p)
		}
		g.mu.Unlock()
		if !fits {
			continue
		}

		if err := g.submitMember(ctx, p, qty, commitment, equity); err != nil {
			slog.Warn("bracket group: reactivation failed",
				"group", g.id, "symbol", p.Symbol, "err", err)
			g.mu.Lock()
			delete(g.active, p.ID)
			g.mu.Unlock()
			continue
		}
		slog.Info("bracket group: order reactivated",
			"group", g.id, "symbol", p.Symbol, "commitment", commitment)
	}
}

func (g *Group) submitMember(ctx context.Context, p *domain.PlannedOrder,
	qty, commitment, equity decimal.Decimal) error {
	prob, _ := g.svc.prob.Evaluate(ctx, p)
	c := &priority.Candidate{
		Order:             p,
		FillProbability:   prob,
		Quantity:          qty,
		CapitalCommitment: commitment,
	}
	return g.svc.submit(ctx, c, equity)
}

// bracketRequest builds the parent + take-profit + stop triple for a sized
// planned order. The profit target derives from the risk/reward ratio; the
// stop leg uses the plan's stop loss unchanged.
func bracketRequest(p *domain.PlannedOrder, qty decimal.Decimal) ports.BracketRequest {
	return ports.BracketRequest{
		Symbol:          p.Symbol,
		SecurityType:    p.SecurityType,
		Exchange:        p.Exchange,
		Currency:        p.Currency,
		Action:          p.Action,
		OrderType:       p.OrderType,
		Quantity:        qty,
		EntryPrice:      p.EntryPrice,
		StopLoss:        p.StopLoss,
		ProfitTarget:    p.ProfitTarget(),
		RiskPerTrade:    p.RiskPerTrade,
		RiskRewardRatio: p.RiskRewardRatio,
	}
}
