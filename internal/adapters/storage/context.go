package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/shopspring/decimal"
)

// Timeframe compatibility: adjacent horizons trade well together, distant
// ones fight each other.
var compatibleTimeframes = map[string][]string{
	"5min":  {"15min"},
	"15min": {"5min", "1hour"},
	"1hour": {"15min", "4hour"},
	"4hour": {"1hour", "1day"},
	"1day":  {"4hour", "1week"},
	"1week": {"1day"},
}

// DominantTimeframe derives the dominant horizon from the working set: the
// most common core_timeframe among non-terminal orders. Empty when no
// order declares one.
func (s *SQLiteStore) DominantTimeframe(ctx context.Context) (string, error) {
	var tf string
	err := s.db.QueryRowContext(ctx, `
		SELECT core_timeframe FROM planned_orders
		WHERE core_timeframe != '' AND status IN ('PENDING','LIVE','LIVE_WORKING','FILLED')
		GROUP BY core_timeframe ORDER BY COUNT(1) DESC, core_timeframe ASC LIMIT 1`).Scan(&tf)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage.DominantTimeframe: %w", err)
	}
	return tf, nil
}

// CompatibleTimeframes returns the compatibility set for a dominant
// timeframe.
func (s *SQLiteStore) CompatibleTimeframes(dominant string) []string {
	return compatibleTimeframes[dominant]
}

// SetupPerformance aggregates realized results for a named trading setup:
// trade count, win rate and profit factor over all closed executions whose
// planned order declared the setup.
func (s *SQLiteStore) SetupPerformance(ctx context.Context, setup string) (ports.SetupStats, error) {
	var stats ports.SetupStats

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.pnl FROM executed_orders e
		JOIN planned_orders p ON p.id = e.planned_order_id
		WHERE p.trading_setup = ? AND e.status = 'CLOSED'`, setup)
	if err != nil {
		return stats, fmt.Errorf("storage.SetupPerformance %s: %w", setup, err)
	}
	defer rows.Close()

	var wins int
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for rows.Next() {
		var pnlStr string
		if err := rows.Scan(&pnlStr); err != nil {
			return stats, fmt.Errorf("storage.SetupPerformance %s: scan: %w", setup, err)
		}
		pnl := parseDec(pnlStr)
		stats.Trades++
		if pnl.IsPositive() {
			wins++
			grossProfit = grossProfit.Add(pnl)
		} else {
			grossLoss = grossLoss.Add(pnl.Abs())
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if stats.Trades == 0 {
		return stats, nil
	}

	stats.WinRate = float64(wins) / float64(stats.Trades)
	if grossLoss.IsPositive() {
		pf, _ := grossProfit.Div(grossLoss).Float64()
		stats.ProfitFactor = pf
	} else if grossProfit.IsPositive() {
		stats.ProfitFactor = 5 // capped downstream anyway
	}
	return stats, nil
}
