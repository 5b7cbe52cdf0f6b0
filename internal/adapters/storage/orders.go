package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/shopspring/decimal"
)

const plannedOrderColumns = `id, symbol, security_type, exchange, currency, action, order_type,
	entry_price, stop_loss, risk_per_trade, risk_reward_ratio, priority, position_strategy,
	trading_setup, core_timeframe, overall_trend, brief_analysis, status, status_reason,
	is_live_trading, broker_order_ids, created_at, updated_at, imported_at, expiration_date`

// SavePlannedOrder inserts a new planned order and fills in its ID.
func (s *SQLiteStore) SavePlannedOrder(ctx context.Context, p *domain.PlannedOrder) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.ImportedAt.IsZero() {
		p.ImportedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = domain.StatusPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO planned_orders
		  (symbol, security_type, exchange, currency, action, order_type,
		   entry_price, stop_loss, risk_per_trade, risk_reward_ratio, priority,
		   position_strategy, trading_setup, core_timeframe, overall_trend,
		   brief_analysis, status, status_reason, is_live_trading,
		   broker_order_ids, created_at, updated_at, imported_at, expiration_date)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.Symbol, string(p.SecurityType), p.Exchange, p.Currency, string(p.Action),
		string(p.OrderType), decStr(p.EntryPrice), decStr(p.StopLoss),
		decStr(p.RiskPerTrade), decStr(p.RiskRewardRatio), p.Priority,
		string(p.Strategy), p.TradingSetup, p.CoreTimeframe, p.OverallTrend,
		p.BriefAnalysis, string(p.Status), p.StatusReason, boolToInt(p.IsLiveTrading),
		joinIDs(p.BrokerIDs), p.CreatedAt.UTC(), p.UpdatedAt.UTC(), p.ImportedAt.UTC(),
		nullTime(p.ExpirationDate),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("storage.SavePlannedOrder %s: %w", p.Symbol, ErrDuplicateOrder)
		}
		return fmt.Errorf("storage.SavePlannedOrder %s: %w", p.Symbol, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("storage.SavePlannedOrder %s: last id: %w", p.Symbol, err)
	}
	p.ID = id
	return nil
}

// PlannedOrder returns the row with the given ID, or nil.
func (s *SQLiteStore) PlannedOrder(ctx context.Context, id int64) (*domain.PlannedOrder, error) {
	orders, err := s.queryPlannedOrders(ctx, `WHERE id=?`, id)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return &orders[0], nil
}

// FindByNaturalKey returns the row matching the natural duplicate key, or nil.
func (s *SQLiteStore) FindByNaturalKey(ctx context.Context, symbol string, action domain.Action, entry, stop decimal.Decimal) (*domain.PlannedOrder, error) {
	orders, err := s.queryPlannedOrders(ctx,
		`WHERE symbol=? AND action=? AND entry_price=? AND stop_loss=?`,
		symbol, string(action), decStr(entry), decStr(stop))
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return &orders[0], nil
}

// ExistsByEntry reports whether any row matches (symbol, action, entry).
func (s *SQLiteStore) ExistsByEntry(ctx context.Context, symbol string, action domain.Action, entry decimal.Decimal) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM planned_orders WHERE symbol=? AND action=? AND entry_price=?`,
		symbol, string(action), decStr(entry)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.ExistsByEntry %s: %w", symbol, err)
	}
	return n > 0, nil
}

// WorkingOrders returns PENDING, LIVE and LIVE_WORKING rows.
func (s *SQLiteStore) WorkingOrders(ctx context.Context) ([]domain.PlannedOrder, error) {
	return s.queryPlannedOrders(ctx, `WHERE status IN ('PENDING','LIVE','LIVE_WORKING')`)
}

// UpdateOrderStatus writes status and reason. The state service is the only
// caller.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, id int64, status domain.OrderStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE planned_orders SET status=?, status_reason=?, updated_at=? WHERE id=?`,
		string(status), reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage.UpdateOrderStatus %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("storage.UpdateOrderStatus %d: no such order", id)
	}
	return nil
}

// SetBrokerIDs attaches the bracket's broker order IDs.
func (s *SQLiteStore) SetBrokerIDs(ctx context.Context, id int64, brokerIDs []int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE planned_orders SET broker_order_ids=?, updated_at=? WHERE id=?`,
		joinIDs(brokerIDs), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage.SetBrokerIDs %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) queryPlannedOrders(ctx context.Context, where string, args ...any) ([]domain.PlannedOrder, error) {
	q := `SELECT ` + plannedOrderColumns + ` FROM planned_orders ` + where + ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query planned orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.PlannedOrder
	for rows.Next() {
		p, err := scanPlannedOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, p)
	}
	return orders, rows.Err()
}

func scanPlannedOrder(rows *sql.Rows) (domain.PlannedOrder, error) {
	var (
		p                                 domain.PlannedOrder
		secType, action, orderType        string
		entry, stop, rpt, rr              string
		strategy, status                  string
		isLive                            int
		brokerIDs                         string
		expiration                        sql.NullTime
	)
	err := rows.Scan(&p.ID, &p.Symbol, &secType, &p.Exchange, &p.Currency, &action,
		&orderType, &entry, &stop, &rpt, &rr, &p.Priority, &strategy,
		&p.TradingSetup, &p.CoreTimeframe, &p.OverallTrend, &p.BriefAnalysis,
		&status, &p.StatusReason, &isLive, &brokerIDs,
		&p.CreatedAt, &p.UpdatedAt, &p.ImportedAt, &expiration)
	if err != nil {
		return p, fmt.Errorf("storage: scan planned order: %w", err)
	}
	p.SecurityType = domain.SecurityType(secType)
	p.Action = domain.Action(action)
	p.OrderType = domain.OrderType(orderType)
	p.EntryPrice = parseDec(entry)
	p.StopLoss = parseDec(stop)
	p.RiskPerTrade = parseDec(rpt)
	p.RiskRewardRatio = parseDec(rr)
	p.Strategy = domain.PositionStrategy(strategy)
	p.Status = domain.OrderStatus(status)
	p.IsLiveTrading = isLive != 0
	p.BrokerIDs = splitIDs(brokerIDs)
	if expiration.Valid {
		t := expiration.Time
		p.ExpirationDate = &t
	}
	return p, nil
}

// ErrDuplicateOrder is returned when the natural-key unique constraint fires.
var ErrDuplicateOrder = errors.New("storage: duplicate planned order")
