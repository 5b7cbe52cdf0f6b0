// Package loading assembles the session's working set of planned orders from
// three sources: the spreadsheet plan, the database, and open orders
// discovered at the broker. The database wins on conflicts; the plan
// refreshes analysis fields; broker-only orders are imported for audit.
package loading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/adapters/storage"
	"github.com/alejandrodnm/bracketbot/internal/application/state"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/shopspring/decimal"
)

// Stats counts what one load pass did per source.
type Stats struct {
	FromDB     int
	FromPlan   int
	FromBroker int
	Imported   int // new rows persisted this pass
	Refreshed  int // plan rows matching an existing DB row
	Expired    int // resumed orders past their holding horizon
	Invalid    int
}

// Service merges the order sources into one deduplicated working set.
type Service struct {
	plan   ports.PlanSource   // nil disables the spreadsheet source
	broker ports.BrokerClient // nil disables broker discovery
	store  ports.OrderStore
	state  *state.Service
	now    func() time.Time
}

// New wires the loader. nowFn may be nil to use the wall clock.
func New(plan ports.PlanSource, broker ports.BrokerClient, store ports.OrderStore,
	st *state.Service, nowFn func() time.Time) *Service {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{plan: plan, broker: broker, store: store, state: st, now: nowFn}
}

// Load returns every workable order for the session, keyed off the natural
// key (symbol, action, entry, stop). Database rows carry their persisted
// status and broker IDs; plan rows matching a DB row only refresh the
// analysis columns in memory.
func (s *Service) Load(ctx context.Context) ([]*domain.PlannedOrder, Stats, error) {
	var stats Stats
	now := s.now()

	byKey := make(map[string]*domain.PlannedOrder)
	var ordered []*domain.PlannedOrder

	resumed, err := s.store.WorkingOrders(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("loading.Load: working orders: %w", err)
	}
	for i := range resumed {
		p := &resumed[i]
		stats.FromDB++

		// Orders that outlived their holding horizon across sessions are
		// dropped on resume, live ones included: a DAY bracket from
		// yesterday must not survive into today's session.
		if domain.StrategyExpired(p.Strategy, p.CreatedAt, now) {
			if err := s.state.UpdateOrderState(ctx, p, domain.StatusExpired,
				"holding horizon elapsed across sessions", "loading"); err != nil {
				slog.Warn("loading: expire resumed order failed", "symbol", p.Symbol, "err", err)
			}
			stats.Expired++
			continue
		}
		byKey[p.NaturalKey()] = p
		ordered = append(ordered, p)
	}

	if s.plan != nil {
		planned, err := s.plan.Load(ctx)
		if err != nil {
			slog.Error("loading: plan source failed, continuing with database and broker", "err", err)
		} else {
			for i := range planned {
				p := &planned[i]
				stats.FromPlan++

				if existing, ok := byKey[p.NaturalKey()]; ok {
					refreshAnalysis(existing, p)
					stats.Refreshed++
					continue
				}
				if err := p.Validate(); err != nil {
					slog.Warn("loading: invalid plan row", "symbol", p.Symbol, "err", err)
					stats.Invalid++
					continue
				}
				p.Status = domain.StatusPending
				p.ImportedAt = now
				p.ExpirationDate = domain.ExpirationFor(p.Strategy, now)
				if err := s.store.SavePlannedOrder(ctx, p); err != nil {
					if errors.Is(err, storage.ErrDuplicateOrder) {
						stats.Refreshed++
						continue
					}
					return nil, stats, fmt.Errorf("loading.Load: persist %s: %w", p.Symbol, err)
				}
				stats.Imported++
				byKey[p.NaturalKey()] = p
				ordered = append(ordered, p)
			}
		}
	}

	if s.broker != nil && s.broker.Connected() {
		if n, err := s.discoverBrokerOrders(ctx, byKey, &ordered, now); err != nil {
			slog.Error("loading: broker discovery failed", "err", err)
		} else {
			stats.FromBroker = n
			stats.Imported += n
		}
	}

	slog.Info("loading: merged order sources",
		"db", stats.FromDB, "plan", stats.FromPlan, "broker", stats.FromBroker,
		"imported", stats.Imported, "refreshed", stats.Refreshed,
		"expired", stats.Expired, "invalid", stats.Invalid)
	return ordered, stats, nil
}

// discoverBrokerOrders imports open bracket-linked orders at the broker that
// no database row covers. An order qualifies when it hangs off a parent, is a
// limit or stop, and has not partially filled; brackets are the only shape
// the engine places, so that combination marks it as likely ours. Discovered
// rows enter as LIVE_WORKING audit rows so monitoring and reconciliation can
// track them; the engine never resubmits them.
func (s *Service) discoverBrokerOrders(ctx context.Context, byKey map[string]*domain.PlannedOrder,
	ordered *[]*domain.PlannedOrder, now time.Time) (int, error) {

	open, err := s.broker.OpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading: open orders: %w", err)
	}

	imported := 0
	for _, bo := range open {
		if bo.ParentID == 0 {
			continue // standalone orders are not ours
		}
		if bo.OrderType != domain.OrderLimit && bo.OrderType != domain.OrderStop {
			continue
		}
		if !bo.RemainingQuantity.Equal(bo.TotalQuantity) {
			continue // partially filled, leave it to reconciliation
		}
		entry := brokerEntryPrice(bo)
		known, err := s.store.ExistsByEntry(ctx, bo.Symbol, bo.Action, entry)
		if err != nil {
			slog.Warn("loading: broker discovery lookup failed", "symbol", bo.Symbol, "err", err)
			continue
		}
		if known {
			continue
		}

		p := plannedFromBrokerOrder(bo, entry, now)
		if _, dup := byKey[p.NaturalKey()]; dup {
			continue
		}
		if err := s.store.SavePlannedOrder(ctx, p); err != nil {
			if errors.Is(err, storage.ErrDuplicateOrder) {
				continue
			}
			slog.Warn("loading: persist discovered order failed", "symbol", p.Symbol, "err", err)
			continue
		}
		slog.Info("loading: imported broker-discovered order",
			"symbol", p.Symbol, "action", p.Action, "entry", p.EntryPrice,
			"broker_id", bo.OrderID, "parent_id", bo.ParentID)
		byKey[p.NaturalKey()] = p
		*ordered = append(*ordered, p)
		imported++
	}
	return imported, nil
}

// brokerEntryPrice reads the working price of a broker order. Stop orders
// carry it in the aux price, limit orders in the limit price.
func brokerEntryPrice(bo ports.BrokerOrder) decimal.Decimal {
	if bo.OrderType == domain.OrderStop || bo.LimitPrice.IsZero() {
		return bo.AuxPrice
	}
	return bo.LimitPrice
}

// plannedFromBrokerOrder synthesizes an audit row for an order the engine
// did not place. The stop falls back to a 2% adverse move when the broker
// order carries no usable aux price, keeping the natural key well formed.
func plannedFromBrokerOrder(bo ports.BrokerOrder, entry decimal.Decimal, now time.Time) *domain.PlannedOrder {
	stop := bo.AuxPrice
	if stop.IsZero() || stop.Equal(entry) || stopOnWrongSide(bo.Action, entry, stop) {
		adverse := entry.Mul(decimal.NewFromFloat(0.02))
		if bo.Action.IsSellSide() {
			stop = entry.Add(adverse)
		} else {
			stop = entry.Sub(adverse)
		}
	}
	return &domain.PlannedOrder{
		Symbol:          bo.Symbol,
		SecurityType:    domain.SecStock,
		Exchange:        "SMART",
		Currency:        "USD",
		Action:          bo.Action,
		OrderType:       bo.OrderType,
		EntryPrice:      entry,
		StopLoss:        stop,
		RiskPerTrade:    decimal.NewFromFloat(0.005),
		RiskRewardRatio: decimal.NewFromInt(2),
		Priority:        3,
		Strategy:        domain.StrategyCore,
		Status:          domain.StatusLiveWorking,
		StatusReason:    "discovered at broker",
		BrokerIDs:       []int64{bo.OrderID},
		CreatedAt:       now,
		ImportedAt:      now,
	}
}

func stopOnWrongSide(action domain.Action, entry, stop decimal.Decimal) bool {
	if action.IsSellSide() {
		return stop.LessThanOrEqual(entry)
	}
	return stop.GreaterThanOrEqual(entry)
}

// refreshAnalysis copies the mutable plan columns onto the persisted row.
// Identity, prices and lifecycle state never change here.
func refreshAnalysis(dst, src *domain.PlannedOrder) {
	dst.TradingSetup = src.TradingSetup
	dst.CoreTimeframe = src.CoreTimeframe
	dst.OverallTrend = src.OverallTrend
	dst.BriefAnalysis = src.BriefAnalysis
	dst.Priority = src.Priority
}
