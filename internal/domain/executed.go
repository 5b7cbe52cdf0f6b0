package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the fill state of an execution row.
type ExecutionStatus string

const (
	ExecSubmitted ExecutionStatus = "SUBMITTED" // bracket accepted, not yet filled
	ExecFilled    ExecutionStatus = "FILLED"
	ExecClosed    ExecutionStatus = "CLOSED"
)

// ExecutedOrder records a submission that reached the broker, and later its
// fill and close. The planned order is referenced by ID; back-pointers are
// resolved through the repository.
type ExecutedOrder struct {
	ID             int64
	PlannedOrderID int64
	FilledPrice    decimal.Decimal
	FilledQuantity decimal.Decimal
	Commission     decimal.Decimal
	PnL            decimal.Decimal
	Status         ExecutionStatus
	ExecutedAt     time.Time
	FilledAt       *time.Time
	ClosedAt       *time.Time
	IsOpen         bool
	IsLiveTrading  bool
	AccountNumber  string
	ExpirationDate *time.Time // HYBRID holding deadline
}

// LabelType identifies an ML outcome label. (planned_order_id, label_type)
// is unique.
type LabelType string

const (
	LabelFilledBinary        LabelType = "filled_binary"
	LabelTimeToFill          LabelType = "time_to_fill"
	LabelSlippage            LabelType = "slippage"
	LabelProfitability       LabelType = "profitability"
	LabelProbabilityAccuracy LabelType = "probability_accuracy"
)

// OrderLabel is a derived training label for an executed order.
type OrderLabel struct {
	PlannedOrderID int64
	Type           LabelType
	Value          float64
	ComputedAt     time.Time
	Notes          string
}

// ProbabilityScore is one fill-probability evaluation with its feature map,
// persisted for offline analysis.
type ProbabilityScore struct {
	PlannedOrderID  int64
	Timestamp       time.Time
	FillProbability float64
	Features        map[string]float64
}

// AttemptType classifies an execution attempt.
type AttemptType string

const (
	AttemptSubmit   AttemptType = "SUBMIT"
	AttemptRejected AttemptType = "REJECTED"
	AttemptSimFill  AttemptType = "SIM_FILL"
)

// OrderAttempt is an audit row for every pass through the execution
// orchestrator, successful or not.
type OrderAttempt struct {
	PlannedOrderID  int64
	AttemptedAt     time.Time
	Type            AttemptType
	FillProbability float64
	AccountNumber   string
}

// RealizedPnL is a closed-trade result, scoped by account for loss-halt
// computations.
type RealizedPnL struct {
	OrderID       int64
	Symbol        string
	PnL           decimal.Decimal
	ExitDate      time.Time
	AccountNumber string
}
