package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/shopspring/decimal"
)

const executionColumns = `id, planned_order_id, filled_price, filled_quantity, commission,
	pnl, status, executed_at, filled_at, closed_at, is_open, is_live_trading, account_number, expiration_date`

// Margin requirements: CASH trades on 2% margin, everything else on 50%.
// Required margin may not exceed 80% of account equity.
var (
	marginRateCash  = decimal.NewFromFloat(0.02)
	marginRateOther = decimal.NewFromFloat(0.50)
	marginEquityCap = decimal.NewFromFloat(0.80)
)

// RecordExecution inserts an execution row and fills in its ID.
func (s *SQLiteStore) RecordExecution(ctx context.Context, e *domain.ExecutedOrder) error {
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executed_orders
		  (planned_order_id, filled_price, filled_quantity, commission, pnl,
		   status, executed_at, filled_at, closed_at, is_open, is_live_trading,
		   account_number, expiration_date)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.PlannedOrderID, decStr(e.FilledPrice), decStr(e.FilledQuantity),
		decStr(e.Commission), decStr(e.PnL), string(e.Status), e.ExecutedAt.UTC(),
		nullTime(e.FilledAt), nullTime(e.ClosedAt), boolToInt(e.IsOpen),
		boolToInt(e.IsLiveTrading), e.AccountNumber, nullTime(e.ExpirationDate),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordExecution order %d: %w", e.PlannedOrderID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("storage.RecordExecution order %d: last id: %w", e.PlannedOrderID, err)
	}
	e.ID = id
	return nil
}

// OpenExecutions returns all rows still marked open.
func (s *SQLiteStore) OpenExecutions(ctx context.Context) ([]domain.ExecutedOrder, error) {
	return s.queryExecutions(ctx, `WHERE is_open=1`)
}

// FilledExecutions returns all rows that have a fill, open or closed.
func (s *SQLiteStore) FilledExecutions(ctx context.Context) ([]domain.ExecutedOrder, error) {
	return s.queryExecutions(ctx, `WHERE status IN ('FILLED','CLOSED')`)
}

// OpenPositionExists reports whether an open execution exists for the symbol.
func (s *SQLiteStore) OpenPositionExists(ctx context.Context, symbol string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM executed_orders e
		JOIN planned_orders p ON p.id = e.planned_order_id
		WHERE e.is_open=1 AND e.status IN ('FILLED') AND p.symbol=?`, symbol).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.OpenPositionExists %s: %w", symbol, err)
	}
	return n > 0, nil
}

// MarkExecutionFilled records the fill price, quantity, commission and time.
func (s *SQLiteStore) MarkExecutionFilled(ctx context.Context, id int64, price, qty, commission decimal.Decimal, filledAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executed_orders
		SET filled_price=?, filled_quantity=?, commission=?, filled_at=?, status='FILLED'
		WHERE id=?`,
		decStr(price), decStr(qty), decStr(commission), filledAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("storage.MarkExecutionFilled %d: %w", id, err)
	}
	return nil
}

// CloseExecution clears is_open and records exit P&L. The state service is
// the only caller.
func (s *SQLiteStore) CloseExecution(ctx context.Context, id int64, pnl decimal.Decimal, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executed_orders
		SET is_open=0, pnl=?, closed_at=?, status='CLOSED'
		WHERE id=? AND is_open=1`,
		decStr(pnl), closedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("storage.CloseExecution %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("storage.CloseExecution %d: not open", id)
	}
	return nil
}

// ValidateMargin checks the required margin for a notional against the
// account equity.
func (s *SQLiteStore) ValidateMargin(ctx context.Context, secType domain.SecurityType, notional, equity decimal.Decimal) error {
	rate := marginRateOther
	if secType == domain.SecCash {
		rate = marginRateCash
	}
	required := notional.Mul(rate)
	limit := equity.Mul(marginEquityCap)
	if required.GreaterThan(limit) {
		return fmt.Errorf("storage.ValidateMargin: required margin %s exceeds %s (80%% of equity %s)",
			required, limit, equity)
	}
	return nil
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, where string, args ...any) ([]domain.ExecutedOrder, error) {
	q := `SELECT ` + executionColumns + ` FROM executed_orders ` + where + ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query executions: %w", err)
	}
	defer rows.Close()

	var execs []domain.ExecutedOrder
	for rows.Next() {
		var (
			e                              domain.ExecutedOrder
			price, qty, comm, pnl          string
			status                         string
			filledAt, closedAt, expiration sql.NullTime
			isOpen, isLive                 int
		)
		if err := rows.Scan(&e.ID, &e.PlannedOrderID, &price, &qty, &comm, &pnl,
			&status, &e.ExecutedAt, &filledAt, &closedAt, &isOpen, &isLive,
			&e.AccountNumber, &expiration); err != nil {
			return nil, fmt.Errorf("storage: scan execution: %w", err)
		}
		e.FilledPrice = parseDec(price)
		e.FilledQuantity = parseDec(qty)
		e.Commission = parseDec(comm)
		e.PnL = parseDec(pnl)
		e.Status = domain.ExecutionStatus(status)
		e.IsOpen = isOpen != 0
		e.IsLiveTrading = isLive != 0
		if filledAt.Valid {
			t := filledAt.Time
			e.FilledAt = &t
		}
		if closedAt.Valid {
			t := closedAt.Time
			e.ClosedAt = &t
		}
		if expiration.Valid {
			t := expiration.Time
			e.ExpirationDate = &t
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}
