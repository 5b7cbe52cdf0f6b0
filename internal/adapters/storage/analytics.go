package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/shopspring/decimal"
)

// SaveProbabilityScore persists one evaluation with its feature map.
func (s *SQLiteStore) SaveProbabilityScore(ctx context.Context, score domain.ProbabilityScore) error {
	features, err := json.Marshal(score.Features)
	if err != nil {
		return fmt.Errorf("storage.SaveProbabilityScore %d: marshal features: %w",
			score.PlannedOrderID, err)
	}
	if score.Timestamp.IsZero() {
		score.Timestamp = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO probability_scores (planned_order_id, timestamp, fill_probability, features)
		VALUES (?,?,?,?)`,
		score.PlannedOrderID, score.Timestamp.UTC(), score.FillProbability, string(features))
	if err != nil {
		return fmt.Errorf("storage.SaveProbabilityScore %d: %w", score.PlannedOrderID, err)
	}
	return nil
}

// UpsertLabel writes a label, replacing any previous value for the same
// (planned_order_id, label_type). Re-running the labeler is therefore
// idempotent.
func (s *SQLiteStore) UpsertLabel(ctx context.Context, l domain.OrderLabel) error {
	if l.ComputedAt.IsZero() {
		l.ComputedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_labels (planned_order_id, label_type, label_value, computed_at, notes)
		VALUES (?,?,?,?,?)
		ON CONFLICT(planned_order_id, label_type)
		DO UPDATE SET label_value=excluded.label_value,
		              computed_at=excluded.computed_at,
		              notes=excluded.notes`,
		l.PlannedOrderID, string(l.Type), l.Value, l.ComputedAt.UTC(), l.Notes)
	if err != nil {
		return fmt.Errorf("storage.UpsertLabel %d/%s: %w", l.PlannedOrderID, l.Type, err)
	}
	return nil
}

// LabelsFor returns all labels computed for a planned order.
func (s *SQLiteStore) LabelsFor(ctx context.Context, plannedOrderID int64) ([]domain.OrderLabel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT planned_order_id, label_type, label_value, computed_at, notes
		FROM order_labels WHERE planned_order_id=? ORDER BY label_type`, plannedOrderID)
	if err != nil {
		return nil, fmt.Errorf("storage.LabelsFor %d: %w", plannedOrderID, err)
	}
	defer rows.Close()

	var labels []domain.OrderLabel
	for rows.Next() {
		var (
			l         domain.OrderLabel
			labelType string
		)
		if err := rows.Scan(&l.PlannedOrderID, &labelType, &l.Value, &l.ComputedAt, &l.Notes); err != nil {
			return nil, fmt.Errorf("storage.LabelsFor %d: scan: %w", plannedOrderID, err)
		}
		l.Type = domain.LabelType(labelType)
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// LatestFillProbability returns the most recent score for the order; ok is
// false when the order was never scored.
func (s *SQLiteStore) LatestFillProbability(ctx context.Context, plannedOrderID int64) (float64, bool, error) {
	var prob float64
	err := s.db.QueryRowContext(ctx, `
		SELECT fill_probability FROM probability_scores
		WHERE planned_order_id=? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		plannedOrderID).Scan(&prob)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage.LatestFillProbability %d: %w", plannedOrderID, err)
	}
	return prob, true, nil
}

// RecordAttempt appends one execution-attempt audit row.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a domain.OrderAttempt) error {
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_attempts (planned_order_id, attempt_ts, attempt_type, fill_probability, account_number)
		VALUES (?,?,?,?,?)`,
		a.PlannedOrderID, a.AttemptedAt.UTC(), string(a.Type), a.FillProbability, a.AccountNumber)
	if err != nil {
		return fmt.Errorf("storage.RecordAttempt %d: %w", a.PlannedOrderID, err)
	}
	return nil
}

// RecordRealizedPnL appends one closed-trade result.
func (s *SQLiteStore) RecordRealizedPnL(ctx context.Context, p domain.RealizedPnL) error {
	if p.ExitDate.IsZero() {
		p.ExitDate = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO realized_pnl (order_id, symbol, pnl, exit_date, account_number)
		VALUES (?,?,?,?,?)`,
		p.OrderID, p.Symbol, decStr(p.PnL), p.ExitDate.UTC(), p.AccountNumber)
	if err != nil {
		return fmt.Errorf("storage.RecordRealizedPnL %s: %w", p.Symbol, err)
	}
	return nil
}

// RealizedPnLSince sums realized P&L for the account from the given instant.
func (s *SQLiteStore) RealizedPnLSince(ctx context.Context, account string, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pnl FROM realized_pnl WHERE account_number=? AND exit_date >= ?`,
		account, since.UTC())
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage.RealizedPnLSince %s: %w", account, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var pnl string
		if err := rows.Scan(&pnl); err != nil {
			return decimal.Zero, fmt.Errorf("storage.RealizedPnLSince %s: scan: %w", account, err)
		}
		total = total.Add(parseDec(pnl))
	}
	if err := rows.Err(); err != nil && err != sql.ErrNoRows {
		return decimal.Zero, err
	}
	return total, nil
}
