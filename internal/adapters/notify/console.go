// Package notify renders engine state to the console: the working order
// set, per-cycle execution summaries and the session report.
package notify

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// Console writes human-readable reports.
type Console struct {
	out io.Writer
}

// NewConsole writes to stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter writes to w, for tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// PrintOrderBook renders the working set after a load pass.
func (c *Console) PrintOrderBook(orders []*domain.PlannedOrder) {
	now := time.Now().Format("15:04:05")
	if len(orders) == 0 {
		fmt.Fprintf(c.out, "[%s] no workable orders\n", now)
		return
	}

	fmt.Fprintf(c.out, "\n[%s] %d workable orders\n", now, len(orders))

	table := tablewriter.NewWriter(c.out)
	table.Header("Symbol", "Action", "Type", "Entry", "Stop", "Target", "R:R", "Pri", "Strategy", "Status")
	for _, p := range orders {
		table.Append(
			p.Symbol,
			string(p.Action),
			string(p.OrderType),
			p.EntryPrice.String(),
			p.StopLoss.String(),
			p.ProfitTarget().String(),
			p.RiskRewardRatio.String(),
			fmt.Sprintf("%d", p.Priority),
			string(p.Strategy),
			string(p.Status),
		)
	}
	table.Render()
}

// PrintCycleSummary renders one execution pass in a compact line.
func (c *Console) PrintCycleSummary(considered, submitted int, skipped map[string]int,
	equity, committed decimal.Decimal) {

	now := time.Now().Format("15:04:05")

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] cycle: %d considered, %d submitted, equity $%s, committed $%s",
		now, considered, submitted, equity.StringFixed(2), committed.StringFixed(2))

	if len(skipped) > 0 {
		reasons := make([]string, 0, len(skipped))
		for r := range skipped {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		parts := make([]string, 0, len(reasons))
		for _, r := range reasons {
			parts = append(parts, fmt.Sprintf("%s:%d", r, skipped[r]))
		}
		fmt.Fprintf(&sb, " | skipped %s", strings.Join(parts, " "))
	}
	fmt.Fprintln(c.out, sb.String())
}

// PrintPositions renders the open executions.
func (c *Console) PrintPositions(positions []domain.ExecutedOrder, bySymbol map[int64]string) {
	if len(positions) == 0 {
		return
	}

	fmt.Fprintf(c.out, "\n%d open positions\n", len(positions))

	table := tablewriter.NewWriter(c.out)
	table.Header("Symbol", "Qty", "Fill", "Status", "Since", "Account")
	for _, e := range positions {
		symbol := bySymbol[e.PlannedOrderID]
		table.Append(
			symbol,
			e.FilledQuantity.String(),
			e.FilledPrice.String(),
			string(e.Status),
			e.ExecutedAt.Format("01-02 15:04"),
			e.AccountNumber,
		)
	}
	table.Render()
}

// PrintSessionReport renders the shutdown summary.
func (c *Console) PrintSessionReport(started time.Time, cycles, fills, cancels int,
	realizedPnL decimal.Decimal) {

	fmt.Fprintf(c.out, "\n=== SESSION REPORT ===\n")
	fmt.Fprintf(c.out, "  Started:      %s (%s ago)\n",
		started.Format("2006-01-02 15:04:05"), time.Since(started).Round(time.Second))
	fmt.Fprintf(c.out, "  Cycles:       %d\n", cycles)
	fmt.Fprintf(c.out, "  Fills:        %d\n", fills)
	fmt.Fprintf(c.out, "  Cancels:      %d\n", cancels)
	fmt.Fprintf(c.out, "  Realized P&L: $%s\n", realizedPnL.StringFixed(2))
	fmt.Fprintln(c.out)
}
