package risk_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/adapters/storage"
	"github.com/alejandrodnm/bracketbot/internal/application/risk"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const account = "ACC1"

func limits() config.RiskLimitsConfig {
	return config.RiskLimitsConfig{
		DailyLossPct:    0.02,
		WeeklyLossPct:   0.05,
		MonthlyLossPct:  0.08,
		MaxOpenOrders:   5,
		MaxRiskPerTrade: 0.02,
	}
}

func newService(t *testing.T, cfg config.RiskLimitsConfig, nowFn func() time.Time) (*risk.Service, *storage.SQLiteStore) {
	t.Helper()
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return risk.New(cfg, db, nowFn), db
}

func recordLoss(t *testing.T, db *storage.SQLiteStore, amount int64, exitDate time.Time) {
	t.Helper()
	require.NoError(t, db.RecordRealizedPnL(context.Background(), domain.RealizedPnL{
		OrderID:       1,
		Symbol:        "AAPL",
		PnL:           decimal.NewFromInt(-amount),
		ExitDate:      exitDate,
		AccountNumber: account,
	}))
}

func TestService_ApplyCap(t *testing.T) {
	svc, _ := newService(t, limits(), nil)

	p := &domain.PlannedOrder{Symbol: "AAPL", RiskPerTrade: decimal.NewFromFloat(0.05)}
	assert.True(t, svc.ApplyCap(p))
	assert.True(t, p.RiskPerTrade.Equal(decimal.NewFromFloat(0.02)))

	p.RiskPerTrade = decimal.NewFromFloat(0.01)
	assert.False(t, svc.ApplyCap(p))
	assert.True(t, p.RiskPerTrade.Equal(decimal.NewFromFloat(0.01)))
}

func TestService_ApplyCap_ConfigAboveCeiling(t *testing.T) {
	cfg := limits()
	cfg.MaxRiskPerTrade = 0.10 // ceiling still wins
	svc, _ := newService(t, cfg, nil)

	p := &domain.PlannedOrder{Symbol: "AAPL", RiskPerTrade: decimal.NewFromFloat(0.05)}
	assert.True(t, svc.ApplyCap(p))
	assert.True(t, p.RiskPerTrade.Equal(decimal.NewFromFloat(0.02)))
}

func TestService_TradingAllowed_NoLosses(t *testing.T) {
	svc, _ := newService(t, limits(), nil)
	assert.NoError(t, svc.TradingAllowed(context.Background(), account, decimal.NewFromInt(100_000)))
}

func TestService_TradingAllowed_DailyHalt(t *testing.T) {
	now := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC) // Wednesday
	svc, db := newService(t, limits(), func() time.Time { return now })

	// 2% of 100k is 2000; a 2500 loss today trips the daily gate.
	recordLoss(t, db, 2500, now.Add(-time.Hour))

	err := svc.TradingAllowed(context.Background(), account, decimal.NewFromInt(100_000))
	require.Error(t, err)

	var halt *risk.HaltError
	require.True(t, errors.As(err, &halt))
	assert.Equal(t, risk.PeriodDaily, halt.Period)
}

func TestService_TradingAllowed_WeeklyHalt(t *testing.T) {
	now := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC) // Wednesday
	svc, db := newService(t, limits(), func() time.Time { return now })

	// Monday's loss stays out of today's window but inside the week's.
	recordLoss(t, db, 5500, now.AddDate(0, 0, -2))

	err := svc.TradingAllowed(context.Background(), account, decimal.NewFromInt(100_000))
	require.Error(t, err)

	var halt *risk.HaltError
	require.True(t, errors.As(err, &halt))
	assert.Equal(t, risk.PeriodWeekly, halt.Period)
}

func TestService_TradingAllowed_LastWeekLossIgnored(t *testing.T) {
	now := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC) // Wednesday
	svc, db := newService(t, limits(), func() time.Time { return now })

	// Previous Friday: outside the weekly window. Monthly gate needs 8000.
	recordLoss(t, db, 5500, now.AddDate(0, 0, -5))

	assert.NoError(t, svc.TradingAllowed(context.Background(), account, decimal.NewFromInt(100_000)))
}

func TestService_TradingAllowed_ProfitsOffsetNothing(t *testing.T) {
	now := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)
	svc, db := newService(t, limits(), func() time.Time { return now })

	require.NoError(t, db.RecordRealizedPnL(context.Background(), domain.RealizedPnL{
		OrderID: 1, Symbol: "MSFT", PnL: decimal.NewFromInt(10_000),
		ExitDate: now.Add(-time.Hour), AccountNumber: account,
	}))

	// Net positive period reads as zero loss, never negative.
	assert.NoError(t, svc.TradingAllowed(context.Background(), account, decimal.NewFromInt(100_000)))
}

func TestService_RecordTradeClose_InvalidatesCache(t *testing.T) {
	now := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)
	svc, _ := newService(t, limits(), func() time.Time { return now })
	ctx := context.Background()
	equity := decimal.NewFromInt(100_000)

	// Prime the cache with a clean read.
	require.NoError(t, svc.TradingAllowed(ctx, account, equity))

	// A direct write would be invisible within the TTL; RecordTradeClose
	// clears the cache so the halt trips on the next check.
	require.NoError(t, svc.RecordTradeClose(ctx, domain.RealizedPnL{
		OrderID: 1, Symbol: "AAPL", PnL: decimal.NewFromInt(-2500),
		ExitDate: now, AccountNumber: account,
	}))

	err := svc.TradingAllowed(ctx, account, equity)
	require.Error(t, err)
	var halt *risk.HaltError
	require.True(t, errors.As(err, &halt))
	assert.Equal(t, risk.PeriodDaily, halt.Period)
}

func TestService_TradingAllowed_StaleCacheWithinTTL(t *testing.T) {
	now := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)
	svc, db := newService(t, limits(), func() time.Time { return now })
	ctx := context.Background()
	equity := decimal.NewFromInt(100_000)

	require.NoError(t, svc.TradingAllowed(ctx, account, equity))

	// Bypassing RecordTradeClose leaves the cached zero in place.
	recordLoss(t, db, 2500, now)
	assert.NoError(t, svc.TradingAllowed(ctx, account, equity))
}

func TestService_TradingAllowed_PerAccountCache(t *testing.T) {
	now := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)
	svc, db := newService(t, limits(), func() time.Time { return now })
	ctx := context.Background()
	equity := decimal.NewFromInt(100_000)

	// A clean read on another account must not mask this account's loss.
	require.NoError(t, svc.TradingAllowed(ctx, "ACC2", equity))

	recordLoss(t, db, 2500, now.Add(-time.Hour))
	err := svc.TradingAllowed(ctx, account, equity)
	require.Error(t, err)
	var halt *risk.HaltError
	require.True(t, errors.As(err, &halt))
	assert.Equal(t, risk.PeriodDaily, halt.Period)

	// The other account still trades.
	assert.NoError(t, svc.TradingAllowed(ctx, "ACC2", equity))
}

func TestService_CheckExposure(t *testing.T) {
	svc, _ := newService(t, limits(), nil)
	equity := decimal.NewFromInt(100_000)

	// At the 20% single-trade cap exactly: allowed.
	assert.NoError(t, svc.CheckExposure(domain.StrategyCore,
		decimal.NewFromInt(20_000), decimal.Zero, equity))

	// Over the single-trade cap.
	err := svc.CheckExposure(domain.StrategyCore,
		decimal.NewFromInt(25_000), decimal.Zero, equity)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single-trade cap")

	// Aggregate cap: 50k already working plus 15k stays inside 60%; a
	// further 15k breaks it.
	assert.NoError(t, svc.CheckExposure(domain.StrategyHybrid,
		decimal.NewFromInt(10_000), decimal.NewFromInt(50_000), equity))
	err = svc.CheckExposure(domain.StrategyHybrid,
		decimal.NewFromInt(15_000), decimal.NewFromInt(50_000), equity)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregate cap")
}

func TestService_CheckExposure_DayExempt(t *testing.T) {
	svc, _ := newService(t, limits(), nil)

	// DAY orders close the same session and skip both caps.
	assert.NoError(t, svc.CheckExposure(domain.StrategyDay,
		decimal.NewFromInt(90_000), decimal.NewFromInt(50_000), decimal.NewFromInt(100_000)))
}

func TestService_TradingAllowed_NonPositiveEquity(t *testing.T) {
	svc, _ := newService(t, limits(), nil)
	assert.Error(t, svc.TradingAllowed(context.Background(), account, decimal.Zero))
}

func TestService_MaxOpenOrders(t *testing.T) {
	svc, _ := newService(t, limits(), nil)
	assert.Equal(t, 5, svc.MaxOpenOrders())
}
