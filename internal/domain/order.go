package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SecurityType is the instrument class of a planned order.
type SecurityType string

const (
	SecStock     SecurityType = "STK"
	SecOption    SecurityType = "OPT"
	SecFuture    SecurityType = "FUT"
	SecIndex     SecurityType = "IND"
	SecFutOption SecurityType = "FOP"
	SecCash      SecurityType = "CASH"
	SecBag       SecurityType = "BAG"
	SecWarrant   SecurityType = "WAR"
	SecBond      SecurityType = "BOND"
	SecCommodity SecurityType = "CMDTY"
	SecNews      SecurityType = "NEWS"
	SecFund      SecurityType = "FUND"
)

// Action is the trade direction.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionShort Action = "SSHORT"
)

// IsSellSide reports whether the action opens a short-side position.
func (a Action) IsSellSide() bool {
	return a == ActionSell || a == ActionShort
}

// OrderType is the broker order type for the entry leg.
type OrderType string

const (
	OrderLimit     OrderType = "LMT"
	OrderMarket    OrderType = "MKT"
	OrderStop      OrderType = "STP"
	OrderStopLimit OrderType = "STP_LMT"
	OrderTrail     OrderType = "TRAIL"
)

// PositionStrategy is the holding horizon of a planned order.
type PositionStrategy string

const (
	StrategyDay    PositionStrategy = "DAY"    // closed at end of session
	StrategyCore   PositionStrategy = "CORE"   // held indefinitely
	StrategyHybrid PositionStrategy = "HYBRID" // expires after HybridHoldingDays
)

// HybridHoldingDays is how long a HYBRID order stays armed after creation.
const HybridHoldingDays = 10

// MaxRiskPerTrade is the hard cap on the per-trade risk fraction.
var MaxRiskPerTrade = decimal.NewFromFloat(0.02)

var validSecurityTypes = map[SecurityType]bool{
	SecStock: true, SecOption: true, SecFuture: true, SecIndex: true,
	SecFutOption: true, SecCash: true, SecBag: true, SecWarrant: true,
	SecBond: true, SecCommodity: true, SecNews: true, SecFund: true,
}

var validOrderTypes = map[OrderType]bool{
	OrderLimit: true, OrderMarket: true, OrderStop: true,
	OrderStopLimit: true, OrderTrail: true,
}

// PlannedOrder is a trading intent loaded from the plan, the database, or
// discovered at the broker. (Symbol, Action, EntryPrice, StopLoss) is the
// natural duplicate key.
type PlannedOrder struct {
	ID              int64
	Symbol          string
	SecurityType    SecurityType
	Exchange        string
	Currency        string
	Action          Action
	OrderType       OrderType
	EntryPrice      decimal.Decimal
	StopLoss        decimal.Decimal
	RiskPerTrade    decimal.Decimal // fraction of equity, capped at MaxRiskPerTrade
	RiskRewardRatio decimal.Decimal // >= 1.0
	Priority        int             // 1 (highest) .. 5 (lowest)
	Strategy        PositionStrategy
	TradingSetup    string
	CoreTimeframe   string
	OverallTrend    string
	BriefAnalysis   string

	Status        OrderStatus
	StatusReason  string
	IsLiveTrading bool
	BrokerIDs     []int64 // parent + take-profit + stop, once submitted

	CreatedAt      time.Time
	UpdatedAt      time.Time
	ImportedAt     time.Time // when this record entered the current session (merge tie-break)
	ExpirationDate *time.Time
}

// Validate enforces the structural invariants of a planned order.
func (p *PlannedOrder) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("planned order: empty symbol")
	}
	if !validSecurityTypes[p.SecurityType] {
		return fmt.Errorf("planned order %s: unknown security type %q", p.Symbol, p.SecurityType)
	}
	if !validOrderTypes[p.OrderType] {
		return fmt.Errorf("planned order %s: unknown order type %q", p.Symbol, p.OrderType)
	}
	switch p.Action {
	case ActionBuy:
		if p.StopLoss.GreaterThanOrEqual(p.EntryPrice) {
			return fmt.Errorf("planned order %s: BUY stop %s must be below entry %s",
				p.Symbol, p.StopLoss, p.EntryPrice)
		}
	case ActionSell, ActionShort:
		if p.StopLoss.LessThanOrEqual(p.EntryPrice) {
			return fmt.Errorf("planned order %s: %s stop %s must be above entry %s",
				p.Symbol, p.Action, p.StopLoss, p.EntryPrice)
		}
	default:
		return fmt.Errorf("planned order %s: unknown action %q", p.Symbol, p.Action)
	}
	if !p.RiskPerTrade.IsPositive() || p.RiskPerTrade.GreaterThan(MaxRiskPerTrade) {
		return fmt.Errorf("planned order %s: risk per trade %s outside (0, %s]",
			p.Symbol, p.RiskPerTrade, MaxRiskPerTrade)
	}
	if p.RiskRewardRatio.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("planned order %s: risk/reward %s below 1.0", p.Symbol, p.RiskRewardRatio)
	}
	if p.Priority < 1 || p.Priority > 5 {
		return fmt.Errorf("planned order %s: priority %d outside [1,5]", p.Symbol, p.Priority)
	}
	switch p.Strategy {
	case StrategyDay, StrategyCore, StrategyHybrid:
	default:
		return fmt.Errorf("planned order %s: unknown position strategy %q", p.Symbol, p.Strategy)
	}
	return nil
}

// NaturalKey identifies duplicates across sources.
func (p *PlannedOrder) NaturalKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", p.Symbol, p.Action, p.EntryPrice, p.StopLoss)
}

// RiskPerUnit is the per-unit dollar risk between entry and stop.
// Options carry 100 deliverables per contract.
func (p *PlannedOrder) RiskPerUnit() decimal.Decimal {
	r := p.EntryPrice.Sub(p.StopLoss).Abs()
	if p.SecurityType == SecOption {
		r = r.Mul(decimal.NewFromInt(100))
	}
	return r
}

// ProfitTarget is entry ± |entry−stop|·rr depending on side.
func (p *PlannedOrder) ProfitTarget() decimal.Decimal {
	dist := p.EntryPrice.Sub(p.StopLoss).Abs().Mul(p.RiskRewardRatio)
	if p.Action.IsSellSide() {
		return p.EntryPrice.Sub(dist)
	}
	return p.EntryPrice.Add(dist)
}

// ExpirationFor derives the expiration for a strategy relative to now:
// DAY ends with the current session, HYBRID lasts HybridHoldingDays,
// CORE never expires.
func ExpirationFor(strategy PositionStrategy, now time.Time) *time.Time {
	switch strategy {
	case StrategyDay:
		eod := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, now.Location())
		return &eod
	case StrategyHybrid:
		exp := now.AddDate(0, 0, HybridHoldingDays)
		return &exp
	default:
		return nil
	}
}

// StrategyExpired reports whether an order created at createdAt has outlived
// its holding horizon by now. Used when resuming orders across sessions.
func StrategyExpired(strategy PositionStrategy, createdAt, now time.Time) bool {
	switch strategy {
	case StrategyDay:
		y1, m1, d1 := createdAt.Date()
		y2, m2, d2 := now.Date()
		return y1 != y2 || m1 != m2 || d1 != d2
	case StrategyHybrid:
		return now.Sub(createdAt) > HybridHoldingDays*24*time.Hour
	default:
		return false
	}
}
