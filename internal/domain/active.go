package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ActiveStatus tracks a submitted bracket at the broker.
type ActiveStatus string

const (
	ActiveSubmitted  ActiveStatus = "SUBMITTED"
	ActiveWorking    ActiveStatus = "WORKING"
	ActiveFilled     ActiveStatus = "FILLED"
	ActiveCancelling ActiveStatus = "CANCELLING"
)

// ActiveOrder is a bracket that has been accepted by the broker and is being
// tracked by the execution orchestrator until it reaches a terminal broker
// state.
type ActiveOrder struct {
	ID                string // local UUID
	Planned           *PlannedOrder
	BrokerIDs         []int64 // parent + take-profit + stop
	DBOrderID         int64   // persistent planned-order row
	Status            ActiveStatus
	Quantity          decimal.Decimal
	CapitalCommitment decimal.Decimal // entry price × quantity
	FillProbability   float64         // at submission time
	SubmittedAt       time.Time
	IsLiveTrading     bool
	AccountNumber     string
}

// IsWorking reports whether the bracket still holds a slot and capital.
func (a *ActiveOrder) IsWorking() bool {
	return a.Status == ActiveSubmitted || a.Status == ActiveWorking
}

// Key is the duplicate-submission guard: symbol|action|entry|stop.
func (a *ActiveOrder) Key() string {
	return ActiveKey(a.Planned)
}

// ActiveKey builds the duplicate-submission key for a planned order.
func ActiveKey(p *PlannedOrder) string {
	return fmt.Sprintf("%s|%s|%s|%s", p.Symbol, p.Action, p.EntryPrice, p.StopLoss)
}
