// Package broker holds trading-venue adapters. The paper broker simulates
// bracket handling against the live feed: resting limits fill when the
// price crosses their level, and the first bracket leg to trigger closes
// the position and cancels its sibling.
package broker

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

type legRole int

const (
	legParent legRole = iota
	legProfit
	legStop
)

type paperLeg struct {
	order ports.BrokerOrder
	role  legRole
	group int64 // parent order ID
}

type paperPosition struct {
	symbol   string
	quantity decimal.Decimal // signed, negative for short
	avgCost  decimal.Decimal
	group    int64
	openedAt time.Time
}

// Paper simulates a broker account in memory. Order state advances lazily:
// every OpenOrders and Positions call first settles resting orders against
// the current feed price.
type Paper struct {
	feed    ports.DataFeed
	account string

	mu        sync.Mutex
	nextID    int64
	equity    decimal.Decimal
	legs      map[int64]*paperLeg
	positions map[string]*paperPosition
}

// NewPaper creates a simulated account with the given starting equity.
func NewPaper(feed ports.DataFeed, startingEquity decimal.Decimal) *Paper {
	return &Paper{
		feed:      feed,
		account:   "PAPER-1",
		nextID:    1,
		equity:    startingEquity,
		legs:      make(map[int64]*paperLeg),
		positions: make(map[string]*paperPosition),
	}
}

func (b *Paper) Connected() bool      { return true }
func (b *Paper) IsPaperAccount() bool { return true }
func (b *Paper) AccountNumber() string {
	return b.account
}

// AccountValue returns equity plus unrealized P&L on open positions.
func (b *Paper) AccountValue(ctx context.Context) (decimal.Decimal, error) {
	b.settle(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()

	value := b.equity
	for _, pos := range b.positions {
		snap, err := b.feed.CurrentPrice(ctx, pos.symbol)
		if err != nil {
			continue
		}
		value = value.Add(snap.Price.Sub(pos.avgCost).Mul(pos.quantity))
	}
	return value, nil
}

// PlaceBracketOrder accepts the triple and returns (parent, take-profit,
// stop) IDs. The children rest until the parent fills.
func (b *Paper) PlaceBracketOrder(ctx context.Context, req ports.BracketRequest) ([]int64, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive quantity %s", ports.ErrRejected, req.Quantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	parentID := b.allocID()
	tpID := b.allocID()
	stopID := b.allocID()

	exitAction := domain.ActionSell
	if req.Action.IsSellSide() {
		exitAction = domain.ActionBuy
	}

	b.legs[parentID] = &paperLeg{
		role:  legParent,
		group: parentID,
		order: ports.BrokerOrder{
			OrderID:           parentID,
			Symbol:            req.Symbol,
			Action:            req.Action,
			OrderType:         req.OrderType,
			LimitPrice:        req.EntryPrice,
			AuxPrice:          req.StopLoss,
			TotalQuantity:     req.Quantity,
			RemainingQuantity: req.Quantity,
			Status:            ports.BrokerStatusSubmitted,
		},
	}
	b.legs[tpID] = &paperLeg{
		role:  legProfit,
		group: parentID,
		order: ports.BrokerOrder{
			OrderID:           tpID,
			Symbol:            req.Symbol,
			Action:            exitAction,
			OrderType:         domain.OrderLimit,
			LimitPrice:        req.ProfitTarget,
			TotalQuantity:     req.Quantity,
			RemainingQuantity: req.Quantity,
			Status:            ports.BrokerStatusPreSubmitted,
			ParentID:          parentID,
		},
	}
	b.legs[stopID] = &paperLeg{
		role:  legStop,
		group: parentID,
		order: ports.BrokerOrder{
			OrderID:           stopID,
			Symbol:            req.Symbol,
			Action:            exitAction,
			OrderType:         domain.OrderStop,
			AuxPrice:          req.StopLoss,
			TotalQuantity:     req.Quantity,
			RemainingQuantity: req.Quantity,
			Status:            ports.BrokerStatusPreSubmitted,
			ParentID:          parentID,
		},
	}
	return []int64{parentID, tpID, stopID}, nil
}

// CancelOrder cancels the leg and, for parents, the whole group.
func (b *Paper) CancelOrder(ctx context.Context, orderID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	leg, ok := b.legs[orderID]
	if !ok {
		return ports.ErrOrderNotFound
	}
	if leg.role == legParent {
		b.dropGroup(leg.group)
	} else {
		delete(b.legs, orderID)
	}
	return nil
}

// OpenOrders returns resting legs after settling against the feed.
func (b *Paper) OpenOrders(ctx context.Context) ([]ports.BrokerOrder, error) {
	b.settle(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ports.BrokerOrder, 0, len(b.legs))
	for _, leg := range b.legs {
		out = append(out, leg.order)
	}
	return out, nil
}

// Positions returns open positions after settling against the feed.
func (b *Paper) Positions(ctx context.Context) ([]ports.BrokerPosition, error) {
	b.settle(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ports.BrokerPosition, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, ports.BrokerPosition{
			Symbol:   pos.symbol,
			Quantity: pos.quantity,
			AvgCost:  pos.avgCost,
		})
	}
	return out, nil
}

// ClosePosition flattens at the current feed price and realizes the P&L.
func (b *Paper) ClosePosition(ctx context.Context, symbol string, quantity decimal.Decimal) error {
	snap, err := b.feed.CurrentPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("paper.ClosePosition %s: %w", symbol, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return fmt.Errorf("paper.ClosePosition %s: no position", symbol)
	}
	b.closePositionLocked(pos, snap.Price)
	return nil
}

// settle advances every resting order against the current feed price.
func (b *Paper) settle(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Parents first: a fill on this pass arms the children, which then
	// trigger on a later pass, never the same tick.
	for _, leg := range b.legs {
		if leg.role != legParent {
			continue
		}
		snap, err := b.feed.CurrentPrice(ctx, leg.order.Symbol)
		if err != nil {
			continue
		}
		if entryTriggered(&leg.order, snap.Price) {
			b.fillParentLocked(leg, snap.Price)
		}
	}

	for symbol, pos := range b.positions {
		snap, err := b.feed.CurrentPrice(ctx, symbol)
		if err != nil {
			continue
		}
		// Stop before target: when a bar sweeps both levels the
		// conservative outcome wins.
		if stop := b.groupLeg(pos.group, legStop); stop != nil && exitTriggered(stop, pos, snap.Price) {
			b.closePositionLocked(pos, stop.order.AuxPrice)
			continue
		}
		if tp := b.groupLeg(pos.group, legProfit); tp != nil && exitTriggered(tp, pos, snap.Price) {
			b.closePositionLocked(pos, tp.order.LimitPrice)
		}
	}
}

func (b *Paper) fillParentLocked(leg *paperLeg, price decimal.Decimal) {
	fillPrice := leg.order.LimitPrice
	if leg.order.OrderType == domain.OrderMarket {
		fillPrice = price
	}
	qty := leg.order.TotalQuantity
	if leg.order.Action.IsSellSide() {
		qty = qty.Neg()
	}

	b.positions[leg.order.Symbol] = &paperPosition{
		symbol:   leg.order.Symbol,
		quantity: qty,
		avgCost:  fillPrice,
		group:    leg.group,
		openedAt: time.Now().UTC(),
	}
	delete(b.legs, leg.order.OrderID)

	// Arm the children.
	for _, l := range b.legs {
		if l.group == leg.group {
			l.order.Status = ports.BrokerStatusSubmitted
		}
	}
	slog.Debug("paper: entry filled", "symbol", leg.order.Symbol,
		"price", fillPrice, "quantity", qty)
}

func (b *Paper) closePositionLocked(pos *paperPosition, exitPrice decimal.Decimal) {
	pnl := exitPrice.Sub(pos.avgCost).Mul(pos.quantity)
	b.equity = b.equity.Add(pnl)
	delete(b.positions, pos.symbol)
	b.dropGroup(pos.group)
	slog.Debug("paper: position closed", "symbol", pos.symbol,
		"exit", exitPrice, "pnl", pnl)
}

func (b *Paper) dropGroup(group int64) {
	for id, leg := range b.legs {
		if leg.group == group {
			delete(b.legs, id)
		}
	}
}

func (b *Paper) groupLeg(group int64, role legRole) *paperLeg {
	for _, leg := range b.legs {
		if leg.group == group && leg.role == role {
			return leg
		}
	}
	return nil
}

func (b *Paper) allocID() int64 {
	id := b.nextID
	b.nextID++
	return id
}

// entryTriggered reports whether the market has crossed the entry level.
func entryTriggered(o *ports.BrokerOrder, price decimal.Decimal) bool {
	if o.OrderType == domain.OrderMarket {
		return price.IsPositive()
	}
	if o.Action.IsSellSide() {
		return price.GreaterThanOrEqual(o.LimitPrice)
	}
	return price.LessThanOrEqual(o.LimitPrice)
}

// exitTriggered reports whether a child leg's level has been crossed for
// the position's direction.
func exitTriggered(leg *paperLeg, pos *paperPosition, price decimal.Decimal) bool {
	long := pos.quantity.IsPositive()
	switch leg.role {
	case legProfit:
		if long {
			return price.GreaterThanOrEqual(leg.order.LimitPrice)
		}
		return price.LessThanOrEqual(leg.order.LimitPrice)
	case legStop:
		if long {
			return price.LessThanOrEqual(leg.order.AuxPrice)
		}
		return price.GreaterThanOrEqual(leg.order.AuxPrice)
	}
	return false
}
