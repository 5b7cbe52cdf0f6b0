package execution_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/adapters/broker"
	"github.com/alejandrodnm/bracketbot/internal/adapters/feed"
	"github.com/alejandrodnm/bracketbot/internal/adapters/storage"
	"github.com/alejandrodnm/bracketbot/internal/application/execution"
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
	store  *storage.SQLiteStore
	feed   *feed.Static
	broker *broker.Paper
	svc    *execution.Service
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithConfig(t, config.Default())
}

// newLegacyFixture selects the legacy composite scorer, the only path the
// probability gates apply to.
func newLegacyFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	off := false
	cfg.Prioritization.TwoLayerEnabled = &off
	return newFixtureWithConfig(t, cfg)
}

func newFixtureWithConfig(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := feed.NewStatic()
	b := broker.NewPaper(f, decimal.NewFromFloat(cfg.Simulation.DefaultEquity))

	stateSvc := state.New(db, db)
	riskSvc := risk.New(cfg.RiskLimits, db, nil)
	probEngine := probability.New(f, db, nil)
	prioSvc := priority.New(cfg.Prioritization, db)
	svc := execution.New(cfg.Execution, cfg.Simulation, b, db, stateSvc,
		probEngine, riskSvc, prioSvc)

	return &fixture{store: db, feed: f, broker: b, svc: svc}
}

func (fx *fixture) saveOrder(t *testing.T, symbol string, entry, stop float64) *domain.PlannedOrder {
	t.Helper()
	p := &domain.PlannedOrder{
		Symbol:          symbol,
		SecurityType:    domain.SecStock,
		Exchange:        "SMART",
		Currency:        "USD",
		Action:          domain.ActionBuy,
		OrderType:       domain.OrderLimit,
		EntryPrice:      decimal.NewFromFloat(entry),
		StopLoss:        decimal.NewFromFloat(stop),
		RiskPerTrade:    decimal.NewFromFloat(0.005),
		RiskRewardRatio: decimal.NewFromFloat(2),
		Priority:        2,
		Strategy:        domain.StrategyCore,
	}
	require.NoError(t, fx.store.SavePlannedOrder(context.Background(), p))
	return p
}

func TestService_ExecuteCycle_SubmitsBracket(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(99))
	p := fx.saveOrder(t, "AAPL", 100, 95)

	stats := fx.svc.ExecuteCycle(ctx, []*domain.PlannedOrder{p})
	assert.Equal(t, 1, stats.Considered)
	assert.Equal(t, 1, stats.Submitted)

	assert.Equal(t, domain.StatusLive, p.Status)
	assert.Len(t, p.BrokerIDs, 3)

	// The favorable price fills the entry on the first settle; the two
	// child legs keep resting against the position.
	orders, err := fx.broker.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	positions, err := fx.broker.Positions(ctx)
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	// Active tracking and capital commitment: 100 shares at 100.
	assert.Equal(t, 1, fx.svc.WorkingCount())
	assert.True(t, fx.svc.CommittedCapital().Equal(decimal.NewFromInt(10_000)),
		"got %s", fx.svc.CommittedCapital())

	// Execution row persisted and open.
	open, err := fx.store.OpenExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, p.ID, open[0].PlannedOrderID)
	assert.Equal(t, domain.ExecSubmitted, open[0].Status)

	// The persisted row carries the broker IDs too.
	saved, err := fx.store.PlannedOrder(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.BrokerIDs, saved.BrokerIDs)
}

func TestService_ExecuteCycle_LegacySkipsLowProbability(t *testing.T) {
	fx := newLegacyFixture(t)

	// Market well above a limit BUY entry scores 0.10, under the 0.4 floor.
	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(120))
	p := fx.saveOrder(t, "AAPL", 100, 95)

	stats := fx.svc.ExecuteCycle(context.Background(), []*domain.PlannedOrder{p})
	assert.Zero(t, stats.Submitted)
	assert.Equal(t, 1, stats.Skipped["below_min_fill_probability"])
	assert.Equal(t, domain.StatusPending, p.Status)
}

func TestService_ExecuteCycle_TwoLayerScoresLowProbability(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Same unfavorable price: two-layer scoring ranks the order instead of
	// gating it, and the bracket rests at the venue.
	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(120))
	p := fx.saveOrder(t, "AAPL", 100, 95)

	stats := fx.svc.ExecuteCycle(ctx, []*domain.PlannedOrder{p})
	assert.Equal(t, 1, stats.Submitted)
	assert.Zero(t, stats.Skipped["below_min_fill_probability"])
	assert.Equal(t, domain.StatusLive, p.Status)

	orders, err := fx.broker.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 3)
}

func TestService_ExecuteCycle_LegacyHoldsBelowThreshold(t *testing.T) {
	fx := newLegacyFixture(t)

	// No market data scores 0.50: past the 0.4 floor, short of the 0.7
	// execution threshold. The order waits for a better read.
	p := fx.saveOrder(t, "AAPL", 100, 95)

	stats := fx.svc.ExecuteCycle(context.Background(), []*domain.PlannedOrder{p})
	assert.Zero(t, stats.Submitted)
	assert.Equal(t, 1, stats.Skipped["below_execution_threshold"])
	assert.Equal(t, domain.StatusPending, p.Status)
}

func TestService_ExecuteCycle_SkipsDuplicateActive(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(99))
	p := fx.saveOrder(t, "AAPL", 100, 95)

	stats := fx.svc.ExecuteCycle(ctx, []*domain.PlannedOrder{p})
	require.Equal(t, 1, stats.Submitted)

	// The same order is LIVE now; a stale PENDING copy of its key must not
	// produce a second bracket.
	copyP := *p
	copyP.Status = domain.StatusPending
	stats = fx.svc.ExecuteCycle(ctx, []*domain.PlannedOrder{&copyP})
	assert.Zero(t, stats.Submitted)
	assert.Equal(t, 1, stats.Skipped["duplicate_active"])
}

func TestService_ExecuteCycle_SkipsNonPending(t *testing.T) {
	fx := newFixture(t)

	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(99))
	p := fx.saveOrder(t, "AAPL", 100, 95)
	p.Status = domain.StatusFilled

	stats := fx.svc.ExecuteCycle(context.Background(), []*domain.PlannedOrder{p})
	assert.Zero(t, stats.Submitted)
	assert.Equal(t, 1, stats.Skipped["not_workable_status"])
}

func TestService_ExecuteCycle_SkipsOpenPosition(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(99))
	p := fx.saveOrder(t, "AAPL", 100, 95)

	// An already-filled execution on the symbol blocks new entries.
	e := &domain.ExecutedOrder{PlannedOrderID: p.ID, Status: domain.ExecSubmitted, IsOpen: true}
	require.NoError(t, fx.store.RecordExecution(ctx, e))
	require.NoError(t, fx.store.MarkExecutionFilled(ctx, e.ID,
		decimal.NewFromFloat(100), decimal.NewFromInt(10), decimal.Zero, time.Now().UTC()))

	stats := fx.svc.ExecuteCycle(ctx, []*domain.PlannedOrder{p})
	assert.Zero(t, stats.Submitted)
	assert.Equal(t, 1, stats.Skipped["open_position"])
}

func TestService_ExecuteCycle_HaltStopsEverything(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// A realized daily loss past 2% of the 100k account trips the halt.
	require.NoError(t, fx.store.RecordRealizedPnL(ctx, domain.RealizedPnL{
		OrderID:       1,
		Symbol:        "TSLA",
		PnL:           decimal.NewFromInt(-3000),
		ExitDate:      time.Now(),
		AccountNumber: fx.broker.AccountNumber(),
	}))

	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(99))
	p := fx.saveOrder(t, "AAPL", 100, 95)

	stats := fx.svc.ExecuteCycle(ctx, []*domain.PlannedOrder{p})
	assert.Zero(t, stats.Submitted)
	assert.Equal(t, 1, stats.Skipped["trading_halted"])
	assert.Equal(t, domain.StatusPending, p.Status)
}

func TestService_ExecuteCycle_AppliesRiskCap(t *testing.T) {
	fx := newFixture(t)

	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(99))
	p := fx.saveOrder(t, "AAPL", 100, 95)
	p.RiskPerTrade = decimal.NewFromFloat(0.05)
	p.Strategy = domain.StrategyDay // exempt from the held-exposure caps

	stats := fx.svc.ExecuteCycle(context.Background(), []*domain.PlannedOrder{p})
	assert.Equal(t, 1, stats.Submitted)
	// Capped to 2%: 100000*0.02/5 = 400 shares.
	assert.True(t, p.RiskPerTrade.Equal(decimal.NewFromFloat(0.02)))
	assert.True(t, fx.svc.CommittedCapital().Equal(decimal.NewFromInt(40_000)),
		"got %s", fx.svc.CommittedCapital())
}

func TestService_ExecuteCycle_RejectsSingleTradeExposure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// A CORE entry committing 40k on 100k equity breaches the 20% single
	// trade cap. The rejection is terminal, not a retry.
	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(99))
	p := fx.saveOrder(t, "AAPL", 100, 95)
	p.RiskPerTrade = decimal.NewFromFloat(0.02)

	stats := fx.svc.ExecuteCycle(ctx, []*domain.PlannedOrder{p})
	assert.Zero(t, stats.Submitted)
	assert.Equal(t, domain.StatusCancelled, p.Status)
	assert.True(t, fx.svc.CommittedCapital().IsZero())

	saved, err := fx.store.PlannedOrder(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, saved.Status)
}

func TestService_ExecuteCycle_RejectsAggregateExposure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Four CORE entries at 20k apiece: the first three reach the 60%
	// aggregate cap, the fourth is rejected.
	orders := make([]*domain.PlannedOrder, 0, 4)
	for _, sym := range []string{"AAPL", "MSFT", "NVDA", "TSLA"} {
		fx.feed.SetPrice(sym, decimal.NewFromFloat(99))
		p := fx.saveOrder(t, sym, 100, 90)
		p.RiskPerTrade = decimal.NewFromFloat(0.02) // 200 shares, 20k each
		orders = append(orders, p)
	}

	stats := fx.svc.ExecuteCycle(ctx, orders)
	assert.Equal(t, 3, stats.Submitted)

	cancelled := 0
	for _, p := range orders {
		if p.Status == domain.StatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
	assert.True(t, fx.svc.CommittedCapital().Equal(decimal.NewFromInt(60_000)),
		"got %s", fx.svc.CommittedCapital())
}

func TestService_CancelActive(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(99))
	p := fx.saveOrder(t, "AAPL", 100, 95)

	stats := fx.svc.ExecuteCycle(ctx, []*domain.PlannedOrder{p})
	require.Equal(t, 1, stats.Submitted)

	active := fx.svc.ActiveOrders()
	require.Len(t, active, 1)

	require.NoError(t, fx.svc.CancelActive(ctx, active[0], "operator cancel"))
	assert.Equal(t, domain.StatusCancelled, p.Status)
	assert.Zero(t, fx.svc.WorkingCount())

	orders, err := fx.broker.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestService_MarkFilledFreesSlot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.feed.SetPrice("AAPL", decimal.NewFromFloat(99))
	p := fx.saveOrder(t, "AAPL", 100, 95)

	stats := fx.svc.ExecuteCycle(ctx, []*domain.PlannedOrder{p})
	require.Equal(t, 1, stats.Submitted)
	require.Equal(t, 1, fx.svc.WorkingCount())

	fx.svc.MarkFilled(domain.ActiveKey(p))
	assert.Zero(t, fx.svc.WorkingCount())
	assert.True(t, fx.svc.CommittedCapital().IsZero())

	// Still tracked for monitoring, reachable by broker ID.
	require.Len(t, p.BrokerIDs, 3)
	assert.NotNil(t, fx.svc.FindByBrokerID(p.BrokerIDs[0]))
}

func TestService_Equity_FallsBackToSimulation(t *testing.T) {
	cfg := config.Default()
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()

	stateSvc := state.New(db, db)
	riskSvc := risk.New(cfg.RiskLimits, db, nil)
	f := feed.NewStatic()
	probEngine := probability.New(f, db, nil)
	prioSvc := priority.New(cfg.Prioritization, db)
	svc := execution.New(cfg.Execution, cfg.Simulation, nil, db, stateSvc,
		probEngine, riskSvc, prioSvc)

	assert.True(t, svc.Equity(context.Background()).Equal(decimal.NewFromInt(100_000)))
}
