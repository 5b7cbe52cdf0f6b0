package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/shopspring/decimal"
)

// Broker-side errors shared by adapters.
var (
	ErrNotConnected  = errors.New("broker: not connected")
	ErrOrderNotFound = errors.New("broker: order not found")
	ErrRejected      = errors.New("broker: order rejected")
)

// Broker order statuses as reported by the venue.
const (
	BrokerStatusSubmitted    = "Submitted"
	BrokerStatusPreSubmitted = "PreSubmitted"
	BrokerStatusFilled       = "Filled"
	BrokerStatusCancelled    = "Cancelled"
)

// BrokerOrder is an open order as the broker reports it.
type BrokerOrder struct {
	OrderID           int64
	Symbol            string
	Action            domain.Action
	OrderType         domain.OrderType
	LimitPrice        decimal.Decimal
	AuxPrice          decimal.Decimal
	TotalQuantity     decimal.Decimal
	RemainingQuantity decimal.Decimal
	Status            string
	ParentID          int64 // non-zero for bracket children
}

// BrokerPosition is an open position as the broker reports it.
type BrokerPosition struct {
	Symbol   string
	Quantity decimal.Decimal // negative for short
	AvgCost  decimal.Decimal
}

// BracketRequest describes a parent entry order plus its take-profit and
// stop-loss legs, submitted as a triple.
type BracketRequest struct {
	Symbol          string
	SecurityType    domain.SecurityType
	Exchange        string
	Currency        string
	Action          domain.Action
	OrderType       domain.OrderType
	Quantity        decimal.Decimal
	EntryPrice      decimal.Decimal
	StopLoss        decimal.Decimal
	ProfitTarget    decimal.Decimal
	RiskPerTrade    decimal.Decimal
	RiskRewardRatio decimal.Decimal
}

// BrokerClient is the trading venue. Concrete adapters (IBKR, paper
// simulator) satisfy this contract; the engine never talks to a venue SDK
// directly.
type BrokerClient interface {
	Connected() bool
	IsPaperAccount() bool
	AccountNumber() string

	// AccountValue returns current net liquidation value.
	AccountValue(ctx context.Context) (decimal.Decimal, error)

	// PlaceBracketOrder submits the triple and returns the broker order IDs
	// (parent, take-profit, stop).
	PlaceBracketOrder(ctx context.Context, req BracketRequest) ([]int64, error)

	CancelOrder(ctx context.Context, orderID int64) error

	OpenOrders(ctx context.Context) ([]BrokerOrder, error)
	Positions(ctx context.Context) ([]BrokerPosition, error)

	// ClosePosition flattens an open position at market.
	ClosePosition(ctx context.Context, symbol string, quantity decimal.Decimal) error
}
