package domain

import "time"

// OrderStatus is the lifecycle state of a planned order.
type OrderStatus string

const (
	StatusPending      OrderStatus = "PENDING"
	StatusExecuting    OrderStatus = "EXECUTING"
	StatusLive         OrderStatus = "LIVE"
	StatusLiveWorking  OrderStatus = "LIVE_WORKING"
	StatusFilled       OrderStatus = "FILLED"
	StatusCancelled    OrderStatus = "CANCELLED"
	StatusExpired      OrderStatus = "EXPIRED"
	StatusRejected     OrderStatus = "REJECTED"
	StatusLiquidated   OrderStatus = "LIQUIDATED"
	StatusLiquidatedEx OrderStatus = "LIQUIDATED_EXTERNALLY"
)

var terminalStatuses = map[OrderStatus]bool{
	StatusCancelled:    true,
	StatusExpired:      true,
	StatusLiquidated:   true,
	StatusLiquidatedEx: true,
}

// IsTerminal reports whether the status can never be left.
func (s OrderStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsWorking reports whether the order is live at the broker or queued for it.
func (s OrderStatus) IsWorking() bool {
	return s == StatusPending || s == StatusLive || s == StatusLiveWorking
}

// CanTransition reports whether from→to is a legal state change.
// Terminal states are immutable; a same-state write is a no-op handled by
// the state service, not a transition.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	return !from.IsTerminal()
}

// EventOrderStateChange is the single pub/sub event type on the state bus.
const EventOrderStateChange = "order_state_change"

// OrderEvent is published after every accepted state mutation.
type OrderEvent struct {
	OrderID   int64
	Symbol    string
	OldState  OrderStatus
	NewState  OrderStatus
	Timestamp time.Time
	Source    string // which service requested the change
	Details   map[string]string
}
