package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/adapters/broker"
	"github.com/alejandrodnm/bracketbot/internal/adapters/feed"
	"github.com/alejandrodnm/bracketbot/internal/adapters/storage"
	"github.com/alejandrodnm/bracketbot/internal/application/execution"
	"github.com/alejandrodnm/bracketbot/internal/application/labeling"
	"github.com/alejandrodnm/bracketbot/internal/application/monitor"
	"github.com/alejandrodnm/bracketbot/internal/application/priority"
	"github.com/alejandrodnm/bracketbot/internal/application/probability"
	"github.com/alejandrodnm/bracketbot/internal/application/risk"
	"github.com/alejandrodnm/bracketbot/internal/application/state"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *storage.SQLiteStore
	feed    *feed.Static
	broker  *broker.Paper
	exec    *execution.Service
	monitor *monitor.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()

	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := feed.NewStatic()
	b := broker.NewPaper(f, decimal.NewFromFloat(cfg.Simulation.DefaultEquity))

	stateSvc := state.New(db, db)
	riskSvc := risk.New(cfg.RiskLimits, db, nil)
	probEngine := probability.New(f, db, nil)
	prioSvc := priority.New(cfg.Prioritization, db)
	execSvc := execution.New(cfg.Execution, cfg.Simulation, b, db, stateSvc,
		probEngine, riskSvc, prioSvc)
	labeler := labeling.New(db, db, db)
	mon := monitor.New(cfg.Monitoring, b, f, db, stateSvc, execSvc, labeler, riskSvc)

	return &fixture{store: db, feed: f, broker: b, exec: execSvc, monitor: mon}
}

// submit places one bracket through the full execution path at a price that
// fills the entry (99 against a 100 limit BUY).
func (fx *fixture) submit(t *testing.T) *domain.PlannedOrder {
	t.Helper()
	p := &domain.PlannedOrder{
		Symbol:          "AAPL",
		SecurityType:    domain.SecStock,
		Exchange:        "SMART",
		Currency:        "USD",
		Action:          domain.ActionBuy,
		OrderType:       domain.OrderLimit,
		EntryPrice:      decimal.NewFromFloat(100),
		StopLoss:        decimal.NewFromFloat(95),
		RiskPerTrade:    decimal.NewFromFloat(0.005),
		RiskRewardRatio: decimal.NewFromFloat(2),
		Priority:        2,
		Strategy:        domain.StrategyCore,
	}
	require.NoError(t, fx.store.SavePlannedOrder(context.Background(), p))

	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(99))
	stats := fx.exec.ExecuteCycle(context.Background(), []*domain.PlannedOrder{p})
	require.Equal(t, 1, stats.Submitted)
	return p
}

func TestService_CheckOnce_DetectsFill(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.submit(t)

	// The favorable price fills the entry on the monitor's settle pass.
	require.NoError(t, fx.monitor.CheckOnce(ctx))

	assert.Equal(t, domain.StatusFilled, p.Status)
	assert.Equal(t, 1, fx.monitor.Stats().FillsDetected)

	// The bracket freed its slot but stays tracked for the position.
	assert.Zero(t, fx.exec.WorkingCount())
	require.Len(t, fx.exec.ActiveOrders(), 1)

	filled, err := fx.store.FilledExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, filled, 1)
	assert.True(t, filled[0].FilledPrice.Equal(decimal.NewFromFloat(100)))
	require.NotNil(t, filled[0].FilledAt)
}

func TestService_CheckOnce_MarksWorking(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.submit(t)

	// Price pulls away before the entry triggers: the bracket rests.
	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(105))
	require.NoError(t, fx.monitor.CheckOnce(ctx))

	assert.Equal(t, domain.StatusLiveWorking, p.Status)
	assert.Equal(t, 1, fx.exec.WorkingCount())
	assert.Zero(t, fx.monitor.Stats().FillsDetected)
}

func TestService_CheckOnce_ExternalCancel(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.submit(t)

	// Someone cancels the parent at the venue while the bracket rests.
	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(105))
	require.NoError(t, fx.broker.CancelOrder(ctx, p.BrokerIDs[0]))

	require.NoError(t, fx.monitor.CheckOnce(ctx))

	assert.Equal(t, domain.StatusCancelled, p.Status)
	assert.Equal(t, 1, fx.monitor.Stats().CancelsDetected)
	assert.Empty(t, fx.exec.ActiveOrders())

	// The submitted execution row is closed flat.
	open, err := fx.store.OpenExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestService_CheckOnce_PositionClosedExternally(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.submit(t)

	require.NoError(t, fx.monitor.CheckOnce(ctx))
	require.Equal(t, domain.StatusFilled, p.Status)

	// The target leg executes at the broker on the next tick.
	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(111))
	require.NoError(t, fx.monitor.CheckOnce(ctx))

	assert.Equal(t, domain.StatusLiquidatedEx, p.Status)
	assert.Equal(t, 1, fx.monitor.Stats().PositionsClosed)
	assert.Empty(t, fx.exec.ActiveOrders())

	// Realized P&L lands in analytics for the loss gates.
	pnl, err := fx.store.RealizedPnLSince(ctx, fx.broker.AccountNumber(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, pnl.IsPositive(), "got %s", pnl)

	open, err := fx.store.OpenExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestService_Run_StopsAfterMaxErrors(t *testing.T) {
	cfg := config.Default()
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()

	stateSvc := state.New(db, db)
	riskSvc := risk.New(cfg.RiskLimits, db, nil)
	f := feed.NewStatic()
	probEngine := probability.New(f, db, nil)
	prioSvc := priority.New(cfg.Prioritization, db)
	execSvc := execution.New(cfg.Execution, cfg.Simulation, nil, db, stateSvc,
		probEngine, riskSvc, prioSvc)
	labeler := labeling.New(db, db, db)

	// Zero intervals make each failed cycle immediate; a nil broker fails
	// every one.
	monCfg := config.MonitoringConfig{MaxErrors: 3, LabelIntervalMinutes: 60}
	mon := monitor.New(monCfg, nil, f, db, stateSvc, execSvc, labeler, riskSvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	select {
	case <-mon.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop after max consecutive errors")
	}

	stats := mon.Stats()
	assert.Equal(t, 3, stats.Errors)
	assert.Equal(t, 3, stats.ConsecutiveErrors)
}

func TestService_Subscriptions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	orders := []*domain.PlannedOrder{
		{Symbol: "AAPL"},
		{Symbol: "AAPL"}, // duplicate symbol, one subscription
		{Symbol: "MSFT"},
	}
	fx.monitor.SubscribeOrders(ctx, orders)

	stats := fx.monitor.SubscriptionStats()
	require.Len(t, stats, 2)
	assert.Zero(t, stats["AAPL"])

	// Only AAPL has quotes; its counter ticks once per cycle.
	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(101))
	require.NoError(t, fx.monitor.CheckOnce(ctx))
	require.NoError(t, fx.monitor.CheckOnce(ctx))

	stats = fx.monitor.SubscriptionStats()
	assert.Equal(t, 2, stats["AAPL"])
	assert.Zero(t, stats["MSFT"])

	require.NoError(t, fx.monitor.Unsubscribe("AAPL"))
	stats = fx.monitor.SubscriptionStats()
	assert.NotContains(t, stats, "AAPL")
	assert.Contains(t, stats, "MSFT")

	// Unsubscribing an unknown symbol is harmless.
	assert.NoError(t, fx.monitor.Unsubscribe("TSLA"))
}

func TestService_CheckOnce_BrokerRequired(t *testing.T) {
	cfg := config.Default()
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()

	stateSvc := state.New(db, db)
	riskSvc := risk.New(cfg.RiskLimits, db, nil)
	f := feed.NewStatic()
	probEngine := probability.New(f, db, nil)
	prioSvc := priority.New(cfg.Prioritization, db)
	execSvc := execution.New(cfg.Execution, cfg.Simulation, nil, db, stateSvc,
		probEngine, riskSvc, prioSvc)
	labeler := labeling.New(db, db, db)
	mon := monitor.New(cfg.Monitoring, nil, f, db, stateSvc, execSvc, labeler, riskSvc)

	assert.Error(t, mon.CheckOnce(context.Background()))
}
