// Package labeling derives ML outcome labels from finished order lifecycles.
// Labels are upserted, so re-running a pass over the same orders is
// idempotent.
package labeling

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
)

// Service computes outcome labels from executions and terminal orders.
type Service struct {
	orders    ports.OrderStore
	execs     ports.ExecutionStore
	analytics ports.AnalyticsStore
}

// New wires the labeler.
func New(orders ports.OrderStore, execs ports.ExecutionStore, analytics ports.AnalyticsStore) *Service {
	return &Service{orders: orders, execs: execs, analytics: analytics}
}

// RunOnce labels every filled execution. Called on the labeling cadence;
// failures on one order never stop the pass.
func (s *Service) RunOnce(ctx context.Context) (labeled int, err error) {
	execs, err := s.execs.FilledExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("labeling.RunOnce: %w", err)
	}
	for i := range execs {
		if err := s.labelExecution(ctx, &execs[i]); err != nil {
			slog.Warn("labeling: label execution failed", "execution", execs[i].ID, "err", err)
			continue
		}
		labeled++
	}
	return labeled, nil
}

// HandleEvent labels orders that end without a fill. Subscribed to the state
// bus; only terminal transitions out of an unfilled state produce labels.
func (s *Service) HandleEvent(ev domain.OrderEvent) {
	if !ev.NewState.IsTerminal() || ev.OldState == domain.StatusFilled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.upsert(ctx, ev.OrderID, domain.LabelFilledBinary, 0, string(ev.NewState))
	s.labelAccuracy(ctx, ev.OrderID, 0)
}

// labelExecution writes the fill-side labels for one execution.
func (s *Service) labelExecution(ctx context.Context, e *domain.ExecutedOrder) error {
	p, err := s.orders.PlannedOrder(ctx, e.PlannedOrderID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("planned order %d not found", e.PlannedOrderID)
	}

	s.upsert(ctx, p.ID, domain.LabelFilledBinary, 1, "")
	s.labelAccuracy(ctx, p.ID, 1)

	if e.FilledAt != nil {
		ttf := e.FilledAt.Sub(e.ExecutedAt).Seconds()
		if ttf >= 0 {
			s.upsert(ctx, p.ID, domain.LabelTimeToFill, ttf, "seconds")
		}
	}

	if e.FilledPrice.IsPositive() {
		// Adverse slippage is positive regardless of side.
		slip := e.FilledPrice.Sub(p.EntryPrice)
		if p.Action.IsSellSide() {
			slip = slip.Neg()
		}
		v, _ := slip.Float64()
		s.upsert(ctx, p.ID, domain.LabelSlippage, v, "")
	}

	if e.Status == domain.ExecClosed {
		pnl, _ := e.PnL.Float64()
		s.upsert(ctx, p.ID, domain.LabelProfitability, pnl, "")
	}
	return nil
}

// labelAccuracy scores the last prediction against the actual outcome:
// 1 − |outcome − predicted|. Skipped when the order was never scored.
func (s *Service) labelAccuracy(ctx context.Context, orderID int64, outcome float64) {
	prob, ok, err := s.analytics.LatestFillProbability(ctx, orderID)
	if err != nil {
		slog.Warn("labeling: latest probability lookup failed", "order", orderID, "err", err)
		return
	}
	if !ok {
		return
	}
	s.upsert(ctx, orderID, domain.LabelProbabilityAccuracy, 1-math.Abs(outcome-prob),
		fmt.Sprintf("predicted=%.3f", prob))
}

func (s *Service) upsert(ctx context.Context, orderID int64, t domain.LabelType, v float64, notes string) {
	l := domain.OrderLabel{
		PlannedOrderID: orderID,
		Type:           t,
		Value:          v,
		ComputedAt:     time.Now().UTC(),
		Notes:          notes,
	}
	if err := s.analytics.UpsertLabel(ctx, l); err != nil {
		slog.Warn("labeling: upsert failed", "order", orderID, "type", t, "err", err)
	}
}
