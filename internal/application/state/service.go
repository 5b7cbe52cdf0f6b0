// Package state is the single authority for planned-order status mutations
// and executed-order closure. Every accepted mutation is published as an
// OrderEvent to subscribers, synchronously and in commit order.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/shopspring/decimal"
)

// Handler receives order events. A failing handler never prevents the
// remaining handlers from running.
type Handler func(ev domain.OrderEvent)

// Service validates and commits state transitions.
type Service struct {
	orders ports.OrderStore
	execs  ports.ExecutionStore

	mu   sync.RWMutex
	subs map[string][]Handler
}

// New creates the state service. It is process-wide by convention but passed
// explicitly so tests can run several instances.
func New(orders ports.OrderStore, execs ports.ExecutionStore) *Service {
	return &Service{
		orders: orders,
		execs:  execs,
		subs:   make(map[string][]Handler),
	}
}

// Subscribe registers a handler for an event type. Delivery is synchronous.
func (s *Service) Subscribe(eventType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[eventType] = append(s.subs[eventType], h)
}

// UpdateOrderState transitions a planned order to the new status. Writing
// the current status again is a no-op. Transitions out of terminal states
// are rejected. On persistence failure nothing is published and the order
// keeps its previous in-memory status.
func (s *Service) UpdateOrderState(ctx context.Context, p *domain.PlannedOrder, to domain.OrderStatus, reason, source string) error {
	from := p.Status
	if from == to {
		return nil
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("state: order %d (%s): illegal transition %s → %s",
			p.ID, p.Symbol, from, to)
	}

	if err := s.orders.UpdateOrderStatus(ctx, p.ID, to, reason); err != nil {
		return fmt.Errorf("state: order %d (%s): %w", p.ID, p.Symbol, err)
	}
	p.Status = to
	p.StatusReason = reason

	s.publish(domain.OrderEvent{
		OrderID:   p.ID,
		Symbol:    p.Symbol,
		OldState:  from,
		NewState:  to,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Details:   map[string]string{"reason": reason},
	})
	return nil
}

// CloseExecution marks an execution closed with its realized P&L and
// publishes the FILLED→closed event context via the planned order if given.
func (s *Service) CloseExecution(ctx context.Context, execID int64, pnl decimal.Decimal, closedAt time.Time) error {
	if err := s.execs.CloseExecution(ctx, execID, pnl, closedAt); err != nil {
		return fmt.Errorf("state: close execution %d: %w", execID, err)
	}
	return nil
}

// publish delivers the event to every subscriber of the state-change type.
// Subscriber panics are contained.
func (s *Service) publish(ev domain.OrderEvent) {
	s.mu.RLock()
	handlers := append([]Handler(nil), s.subs[domain.EventOrderStateChange]...)
	s.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("state: subscriber panicked", "order", ev.OrderID, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
