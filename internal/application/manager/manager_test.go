package manager_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/adapters/broker"
	"github.com/alejandrodnm/bracketbot/internal/adapters/feed"
	"github.com/alejandrodnm/bracketbot/internal/adapters/plan"
	"github.com/alejandrodnm/bracketbot/internal/adapters/storage"
	"github.com/alejandrodnm/bracketbot/internal/application/manager"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RunOnce(t *testing.T) {
	cfg := config.Default()

	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()

	f := feed.NewStatic()
	f.SetPrice("AAPL", decimal.NewFromFloat(99))
	f.SetPrice("MSFT", decimal.NewFromFloat(350)) // above the entry: the bracket rests
	b := broker.NewPaper(f, decimal.NewFromFloat(cfg.Simulation.DefaultEquity))

	planPath := filepath.Join(t.TempDir(), "plan.csv")
	require.NoError(t, os.WriteFile(planPath, []byte(
		"symbol,action,entry_price,stop_loss\nAAPL,BUY,100,95\nMSFT,BUY,300,290\n"), 0o644))
	src := plan.NewCSVSource(planPath, cfg.OrderDefaults)

	mgr, err := manager.New(cfg, db, b, f, src, db)
	require.NoError(t, err)

	require.NoError(t, mgr.RunOnce(context.Background()))

	// Both brackets were submitted: AAPL fills at the favorable price,
	// MSFT rests above the market. Fill probability only ordered them.
	working, err := db.WorkingOrders(context.Background())
	require.NoError(t, err)
	byStatus := make(map[string]domain.OrderStatus, len(working))
	for _, p := range working {
		byStatus[p.Symbol] = p.Status
	}
	assert.Equal(t, domain.StatusLive, byStatus["AAPL"])
	assert.Equal(t, domain.StatusLive, byStatus["MSFT"])

	// The accepted bracket reached the paper book.
	orders, err := b.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, orders)
}
