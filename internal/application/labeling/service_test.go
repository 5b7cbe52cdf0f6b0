package labeling_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/adapters/storage"
	"github.com/alejandrodnm/bracketbot/internal/application/labeling"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*labeling.Service, *storage.SQLiteStore) {
	t.Helper()
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return labeling.New(db, db, db), db
}

func saveOrder(t *testing.T, db *storage.SQLiteStore, action domain.Action) *domain.PlannedOrder {
	t.Helper()
	stop := decimal.NewFromFloat(95)
	if action.IsSellSide() {
		stop = decimal.NewFromFloat(105)
	}
	p := &domain.PlannedOrder{
		Symbol:          "AAPL",
		SecurityType:    domain.SecStock,
		Exchange:        "SMART",
		Currency:        "USD",
		Action:          action,
		OrderType:       domain.OrderLimit,
		EntryPrice:      decimal.NewFromFloat(100),
		StopLoss:        stop,
		RiskPerTrade:    decimal.NewFromFloat(0.005),
		RiskRewardRatio: decimal.NewFromFloat(2),
		Priority:        3,
		Strategy:        domain.StrategyCore,
	}
	require.NoError(t, db.SavePlannedOrder(context.Background(), p))
	return p
}

func labelValues(t *testing.T, db *storage.SQLiteStore, orderID int64) map[domain.LabelType]float64 {
	t.Helper()
	labels, err := db.LabelsFor(context.Background(), orderID)
	require.NoError(t, err)
	out := make(map[domain.LabelType]float64, len(labels))
	for _, l := range labels {
		out[l.Type] = l.Value
	}
	return out
}

func TestService_RunOnce_LabelsFilledExecution(t *testing.T) {
	svc, db := newFixture(t)
	ctx := context.Background()
	p := saveOrder(t, db, domain.ActionBuy)

	require.NoError(t, db.SaveProbabilityScore(ctx, domain.ProbabilityScore{
		PlannedOrderID: p.ID, Timestamp: time.Now().UTC(), FillProbability: 0.8,
	}))

	executedAt := time.Now().UTC().Add(-90 * time.Second)
	e := &domain.ExecutedOrder{
		PlannedOrderID: p.ID, Status: domain.ExecSubmitted,
		ExecutedAt: executedAt, IsOpen: true,
	}
	require.NoError(t, db.RecordExecution(ctx, e))
	// Filled 90s later, one cent of adverse slippage on a BUY.
	require.NoError(t, db.MarkExecutionFilled(ctx, e.ID,
		decimal.NewFromFloat(100.01), decimal.NewFromInt(10), decimal.Zero,
		executedAt.Add(90*time.Second)))

	n, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	labels := labelValues(t, db, p.ID)
	assert.Equal(t, 1.0, labels[domain.LabelFilledBinary])
	assert.InDelta(t, 90, labels[domain.LabelTimeToFill], 1)
	assert.InDelta(t, 0.01, labels[domain.LabelSlippage], 0.001)
	// Predicted 0.8, outcome 1: accuracy 0.8.
	assert.InDelta(t, 0.8, labels[domain.LabelProbabilityAccuracy], 0.001)
	assert.NotContains(t, labels, domain.LabelProfitability)
}

func TestService_RunOnce_ProfitabilityAfterClose(t *testing.T) {
	svc, db := newFixture(t)
	ctx := context.Background()
	p := saveOrder(t, db, domain.ActionBuy)

	e := &domain.ExecutedOrder{PlannedOrderID: p.ID, Status: domain.ExecSubmitted, IsOpen: true}
	require.NoError(t, db.RecordExecution(ctx, e))
	require.NoError(t, db.MarkExecutionFilled(ctx, e.ID,
		decimal.NewFromFloat(100), decimal.NewFromInt(10), decimal.Zero, time.Now().UTC()))
	require.NoError(t, db.CloseExecution(ctx, e.ID, decimal.NewFromInt(75), time.Now().UTC()))

	_, err := svc.RunOnce(ctx)
	require.NoError(t, err)

	labels := labelValues(t, db, p.ID)
	assert.Equal(t, 75.0, labels[domain.LabelProfitability])
}

func TestService_RunOnce_SellSideSlippageSign(t *testing.T) {
	svc, db := newFixture(t)
	ctx := context.Background()
	p := saveOrder(t, db, domain.ActionSell)

	e := &domain.ExecutedOrder{PlannedOrderID: p.ID, Status: domain.ExecSubmitted, IsOpen: true}
	require.NoError(t, db.RecordExecution(ctx, e))
	// A sell filled below the entry is adverse: positive slippage.
	require.NoError(t, db.MarkExecutionFilled(ctx, e.ID,
		decimal.NewFromFloat(99.95), decimal.NewFromInt(10), decimal.Zero, time.Now().UTC()))

	_, err := svc.RunOnce(ctx)
	require.NoError(t, err)

	labels := labelValues(t, db, p.ID)
	assert.InDelta(t, 0.05, labels[domain.LabelSlippage], 0.001)
}

func TestService_RunOnce_Idempotent(t *testing.T) {
	svc, db := newFixture(t)
	ctx := context.Background()
	p := saveOrder(t, db, domain.ActionBuy)

	e := &domain.ExecutedOrder{PlannedOrderID: p.ID, Status: domain.ExecSubmitted, IsOpen: true}
	require.NoError(t, db.RecordExecution(ctx, e))
	require.NoError(t, db.MarkExecutionFilled(ctx, e.ID,
		decimal.NewFromFloat(100), decimal.NewFromInt(10), decimal.Zero, time.Now().UTC()))

	_, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	first, err := db.LabelsFor(ctx, p.ID)
	require.NoError(t, err)

	_, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	second, err := db.LabelsFor(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, len(first), len(second))
}

func TestService_HandleEvent_UnfilledTerminal(t *testing.T) {
	svc, db := newFixture(t)
	ctx := context.Background()
	p := saveOrder(t, db, domain.ActionBuy)

	require.NoError(t, db.SaveProbabilityScore(ctx, domain.ProbabilityScore{
		PlannedOrderID: p.ID, Timestamp: time.Now().UTC(), FillProbability: 0.7,
	}))

	svc.HandleEvent(domain.OrderEvent{
		OrderID:  p.ID,
		Symbol:   p.Symbol,
		OldState: domain.StatusLiveWorking,
		NewState: domain.StatusCancelled,
	})

	labels := labelValues(t, db, p.ID)
	assert.Equal(t, 0.0, labels[domain.LabelFilledBinary])
	// Predicted 0.7, outcome 0: accuracy 0.3.
	assert.InDelta(t, 0.3, labels[domain.LabelProbabilityAccuracy], 0.001)
}

func TestService_HandleEvent_IgnoresNonTerminal(t *testing.T) {
	svc, db := newFixture(t)
	p := saveOrder(t, db, domain.ActionBuy)

	svc.HandleEvent(domain.OrderEvent{
		OrderID:  p.ID,
		OldState: domain.StatusPending,
		NewState: domain.StatusLive,
	})
	svc.HandleEvent(domain.OrderEvent{
		OrderID:  p.ID,
		OldState: domain.StatusFilled,
		NewState: domain.StatusLiquidated,
	})

	labels, err := db.LabelsFor(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Empty(t, labels)
}
