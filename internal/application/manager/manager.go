// Package manager assembles the services into one trading session and
// drives the cycle loop: load → score → prioritize → execute, with the
// monitor, reconciler and end-of-day scheduler running alongside.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/adapters/notify"
	"github.com/alejandrodnm/bracketbot/internal/application/eod"
	"github.com/alejandrodnm/bracketbot/internal/application/execution"
	"github.com/alejandrodnm/bracketbot/internal/application/labeling"
	"github.com/alejandrodnm/bracketbot/internal/application/loading"
	"github.com/alejandrodnm/bracketbot/internal/application/monitor"
	"github.com/alejandrodnm/bracketbot/internal/application/priority"
	"github.com/alejandrodnm/bracketbot/internal/application/probability"
	"github.com/alejandrodnm/bracketbot/internal/application/reconcile"
	"github.com/alejandrodnm/bracketbot/internal/application/risk"
	"github.com/alejandrodnm/bracketbot/internal/application/state"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/alejandrodnm/bracketbot/internal/ports"
)

// Manager owns the session.
type Manager struct {
	cfg     *config.Config
	store   ports.Store
	broker  ports.BrokerClient
	feed    ports.DataFeed
	console *notify.Console

	state      *state.Service
	riskSvc    *risk.Service
	exec       *execution.Service
	loader     *loading.Service
	labeler    *labeling.Service
	monitorSvc *monitor.Service
	reconciler *reconcile.Service
	eodSvc     *eod.Service

	orders    []*domain.PlannedOrder
	startedAt time.Time
}

// New builds the full service graph. marketCtx may be nil; the advanced
// prioritization features then fall back to neutral scores.
func New(cfg *config.Config, store ports.Store, broker ports.BrokerClient,
	feed ports.DataFeed, planSrc ports.PlanSource, marketCtx ports.MarketContext) (*Manager, error) {

	stateSvc := state.New(store, store)
	riskSvc := risk.New(cfg.RiskLimits, store, nil)
	probEngine := probability.New(feed, store, nil)
	prioSvc := priority.New(cfg.Prioritization, marketCtx)
	execSvc := execution.New(cfg.Execution, cfg.Simulation, broker, store, stateSvc,
		probEngine, riskSvc, prioSvc)
	loader := loading.New(planSrc, broker, store, stateSvc, nil)
	labeler := labeling.New(store, store, store)
	monitorSvc := monitor.New(cfg.Monitoring, broker, feed, store, stateSvc,
		execSvc, labeler, riskSvc)
	reconciler := reconcile.New(cfg.Reconcile, broker, store, stateSvc, execSvc)
	eodSvc, err := eod.New(cfg.EndOfDay, broker, feed, store, stateSvc, execSvc, riskSvc, nil)
	if err != nil {
		return nil, fmt.Errorf("manager.New: %w", err)
	}

	stateSvc.Subscribe(domain.EventOrderStateChange, labeler.HandleEvent)
	stateSvc.Subscribe(domain.EventOrderStateChange, logStateChange)

	return &Manager{
		cfg:        cfg,
		store:      store,
		broker:     broker,
		feed:       feed,
		console:    notify.NewConsole(),
		state:      stateSvc,
		riskSvc:    riskSvc,
		exec:       execSvc,
		loader:     loader,
		labeler:    labeler,
		monitorSvc: monitorSvc,
		reconciler: reconciler,
		eodSvc:     eodSvc,
		startedAt:  time.Now(),
	}, nil
}

// Run executes the session until the context is cancelled: an initial load,
// the background workers, and an execution cycle on the monitoring cadence.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.load(ctx); err != nil {
		return err
	}

	if err := m.eodSvc.Start(ctx); err != nil {
		return fmt.Errorf("manager.Run: %w", err)
	}
	defer m.eodSvc.Stop()

	go m.monitorSvc.Run(ctx)
	go m.reconciler.Run(ctx)

	cycles := m.cycleLoop(ctx)

	<-m.monitorSvc.Done()
	<-m.reconciler.Done()

	m.printSessionReport(cycles)
	return nil
}

// RunOnce loads and executes a single cycle, for --once runs and smoke
// tests against a paper account.
func (m *Manager) RunOnce(ctx context.Context) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	m.executeCycle(ctx)
	m.printSessionReport(1)
	return nil
}

// load builds the working set and subscribes market data for it.
func (m *Manager) load(ctx context.Context) error {
	orders, _, err := m.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("manager.load: %w", err)
	}

	live := m.broker != nil && m.broker.Connected() && !m.broker.IsPaperAccount()
	for _, p := range orders {
		p.IsLiveTrading = live
	}
	m.monitorSvc.SubscribeOrders(ctx, orders)
	m.orders = orders
	m.console.PrintOrderBook(orders)
	return nil
}

// cycleLoop runs execution passes until cancellation and returns the cycle
// count.
func (m *Manager) cycleLoop(ctx context.Context) int {
	interval := m.cfg.MonitorInterval()
	cycles := 0

	// First pass immediately, then on the cadence.
	m.executeCycle(ctx)
	cycles++

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return cycles
		case <-ticker.C:
			m.executeCycle(ctx)
			cycles++
		}
	}
}

// executeCycle feeds the still-pending orders through the orchestrator.
func (m *Manager) executeCycle(ctx context.Context) execution.CycleStats {
	pending := make([]*domain.PlannedOrder, 0, len(m.orders))
	for _, p := range m.orders {
		if p.Status == domain.StatusPending {
			pending = append(pending, p)
		}
	}

	stats := m.exec.ExecuteCycle(ctx, pending)
	m.console.PrintCycleSummary(stats.Considered, stats.Submitted, stats.Skipped,
		m.exec.Equity(ctx), m.exec.CommittedCapital())
	return stats
}

func (m *Manager) printSessionReport(cycles int) {
	account := "SIM"
	if m.broker != nil {
		account = m.broker.AccountNumber()
	}
	pnl, err := m.store.RealizedPnLSince(context.Background(), account, m.startedAt)
	if err != nil {
		slog.Warn("manager: session pnl lookup failed", "err", err)
	}
	mstats := m.monitorSvc.Stats()
	m.console.PrintSessionReport(m.startedAt, cycles, mstats.FillsDetected,
		mstats.CancelsDetected, pnl)

	open, err := m.store.OpenExecutions(context.Background())
	if err != nil {
		slog.Warn("manager: open executions lookup failed", "err", err)
		return
	}
	bySymbol := make(map[int64]string, len(m.orders))
	for _, p := range m.orders {
		bySymbol[p.ID] = p.Symbol
	}
	m.console.PrintPositions(open, bySymbol)
}

func logStateChange(ev domain.OrderEvent) {
	slog.Info("order state change",
		"order", ev.OrderID, "symbol", ev.Symbol,
		"from", ev.OldState, "to", ev.NewState,
		"source", ev.Source, "reason", ev.Details["reason"])
}
