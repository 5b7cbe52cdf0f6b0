package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/shopspring/decimal"
)

// OrderStore persists planned orders. Status mutations go exclusively
// through the state service.
type OrderStore interface {
	// SavePlannedOrder inserts the order and fills in its ID.
	SavePlannedOrder(ctx context.Context, p *domain.PlannedOrder) error

	PlannedOrder(ctx context.Context, id int64) (*domain.PlannedOrder, error)

	// FindByNaturalKey returns the row matching (symbol, action, entry,
	// stop), or nil when absent.
	FindByNaturalKey(ctx context.Context, symbol string, action domain.Action, entry, stop decimal.Decimal) (*domain.PlannedOrder, error)

	// ExistsByEntry reports whether a row matches (symbol, action, entry).
	// Used to skip broker-discovered orders already known.
	ExistsByEntry(ctx context.Context, symbol string, action domain.Action, entry decimal.Decimal) (bool, error)

	// WorkingOrders returns PENDING, LIVE and LIVE_WORKING rows.
	WorkingOrders(ctx context.Context) ([]domain.PlannedOrder, error)

	// UpdateOrderStatus writes status and reason atomically. Reserved for
	// the state service.
	UpdateOrderStatus(ctx context.Context, id int64, status domain.OrderStatus, reason string) error

	// SetBrokerIDs attaches the bracket's broker order IDs.
	SetBrokerIDs(ctx context.Context, id int64, brokerIDs []int64) error
}

// ExecutionStore persists executions and enforces margin requirements.
type ExecutionStore interface {
	// RecordExecution inserts the execution and fills in its ID.
	RecordExecution(ctx context.Context, e *domain.ExecutedOrder) error

	OpenExecutions(ctx context.Context) ([]domain.ExecutedOrder, error)
	FilledExecutions(ctx context.Context) ([]domain.ExecutedOrder, error)

	// OpenPositionExists reports whether an open execution exists for the
	// symbol.
	OpenPositionExists(ctx context.Context, symbol string) (bool, error)

	// MarkExecutionFilled records fill price/quantity/commission and the
	// fill time.
	MarkExecutionFilled(ctx context.Context, id int64, price, qty, commission decimal.Decimal, filledAt time.Time) error

	// CloseExecution clears is_open and records the exit. Reserved for the
	// state service.
	CloseExecution(ctx context.Context, id int64, pnl decimal.Decimal, closedAt time.Time) error

	// ValidateMargin checks the required margin for a notional (2% for
	// CASH, 50% otherwise) against 80% of equity.
	ValidateMargin(ctx context.Context, secType domain.SecurityType, notional, equity decimal.Decimal) error
}

// AnalyticsStore persists scoring, labeling and P&L audit data.
type AnalyticsStore interface {
	SaveProbabilityScore(ctx context.Context, s domain.ProbabilityScore) error

	// UpsertLabel writes a label, replacing any previous value for the same
	// (planned_order_id, label_type).
	UpsertLabel(ctx context.Context, l domain.OrderLabel) error
	LabelsFor(ctx context.Context, plannedOrderID int64) ([]domain.OrderLabel, error)

	RecordAttempt(ctx context.Context, a domain.OrderAttempt) error

	// LatestFillProbability returns the most recent score for the order.
	// ok is false when the order was never scored.
	LatestFillProbability(ctx context.Context, plannedOrderID int64) (prob float64, ok bool, err error)

	RecordRealizedPnL(ctx context.Context, p domain.RealizedPnL) error

	// RealizedPnLSince sums realized P&L for the account from the given
	// instant.
	RealizedPnLSince(ctx context.Context, account string, since time.Time) (decimal.Decimal, error)
}

// Store is the full persistence surface backed by a single database.
type Store interface {
	OrderStore
	ExecutionStore
	AnalyticsStore
	Close() error
}
