package ports

import (
	"context"

	"github.com/alejandrodnm/bracketbot/internal/domain"
)

// PlanSource yields the human-authored trading plan, one PlannedOrder per
// row, with configured defaults already applied. Rows with unknown enum
// values are rejected by the adapter; rows violating domain invariants are
// skipped later by the loading orchestrator.
type PlanSource interface {
	Load(ctx context.Context) ([]domain.PlannedOrder, error)
}

// SetupStats is the historical performance of a named trading setup.
type SetupStats struct {
	Trades       int
	WinRate      float64 // [0,1]
	ProfitFactor float64 // gross profit / gross loss
}

// MarketContext supplies the advanced prioritization inputs: the dominant
// market timeframe and per-setup historical performance. Both calls may fail
// or be unavailable; callers fall back to neutral scores.
type MarketContext interface {
	// DominantTimeframe returns the currently dominant timeframe (e.g.
	// "15min", "1hour", "4hour", "1day").
	DominantTimeframe(ctx context.Context) (string, error)

	// CompatibleTimeframes returns the compatibility set for a dominant
	// timeframe.
	CompatibleTimeframes(dominant string) []string

	// SetupPerformance returns historical stats for a trading setup.
	SetupPerformance(ctx context.Context, setup string) (SetupStats, error)
}
