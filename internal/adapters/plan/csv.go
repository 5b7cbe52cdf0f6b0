// Package plan reads the human-authored trading plan from a CSV export.
// Column mapping is header-based and case-insensitive; optional columns
// fall back to configured defaults. A row with an unknown enum value is
// rejected, never coerced.
package plan

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/domain"
	"github.com/shopspring/decimal"
)

// CSVSource implements ports.PlanSource over a CSV file.
type CSVSource struct {
	path     string
	defaults config.OrderDefaultsConfig
}

// NewCSVSource creates the source. The file is read on every Load so plan
// edits between cycles are picked up.
func NewCSVSource(path string, defaults config.OrderDefaultsConfig) *CSVSource {
	return &CSVSource{path: path, defaults: defaults}
}

// Load parses the plan. Unreadable rows are skipped with a warning; only a
// missing or malformed file fails the whole load.
func (s *CSVSource) Load(ctx context.Context) ([]domain.PlannedOrder, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("plan.Load: open %q: %w", s.path, err)
	}
	defer f.Close()
	return s.parse(ctx, f)
}

func (s *CSVSource) parse(ctx context.Context, r io.Reader) ([]domain.PlannedOrder, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("plan.Load: read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"symbol", "action", "entry_price", "stop_loss"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("plan.Load: missing required column %q", required)
		}
	}

	var orders []domain.PlannedOrder
	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			slog.Warn("plan: unreadable row", "line", line, "err", err)
			continue
		}

		p, err := s.parseRow(record, cols)
		if err != nil {
			slog.Warn("plan: rejected row", "line", line, "err", err)
			continue
		}
		orders = append(orders, p)
	}
	return orders, nil
}

func (s *CSVSource) parseRow(record []string, cols map[string]int) (domain.PlannedOrder, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var p domain.PlannedOrder

	p.Symbol = strings.ToUpper(get("symbol"))
	if p.Symbol == "" {
		return p, fmt.Errorf("empty symbol")
	}

	var err error
	if p.SecurityType, err = parseSecurityType(get("security_type")); err != nil {
		return p, err
	}
	if p.Action, err = parseAction(get("action")); err != nil {
		return p, err
	}
	if p.OrderType, err = parseOrderType(get("order_type"), s.defaults.OrderType); err != nil {
		return p, err
	}
	if p.Strategy, err = parseStrategy(get("strategy"), s.defaults.Strategy); err != nil {
		return p, err
	}

	if p.EntryPrice, err = parsePrice(get("entry_price"), "entry_price"); err != nil {
		return p, err
	}
	if p.StopLoss, err = parsePrice(get("stop_loss"), "stop_loss"); err != nil {
		return p, err
	}

	p.RiskPerTrade = parseDecimalDefault(get("risk_per_trade"), s.defaults.RiskPerTrade)
	p.RiskRewardRatio = parseDecimalDefault(get("risk_reward_ratio"), s.defaults.RiskRewardRatio)
	p.Priority = parseIntDefault(get("priority"), s.defaults.Priority)

	p.Exchange = defaultStr(get("exchange"), "SMART")
	p.Currency = defaultStr(get("currency"), "USD")
	p.TradingSetup = get("trading_setup")
	p.CoreTimeframe = get("core_timeframe")
	p.OverallTrend = get("overall_trend")
	p.BriefAnalysis = get("brief_analysis")

	return p, nil
}

func parseSecurityType(v string) (domain.SecurityType, error) {
	if v == "" {
		return domain.SecStock, nil
	}
	t := domain.SecurityType(strings.ToUpper(v))
	switch t {
	case domain.SecStock, domain.SecOption, domain.SecFuture, domain.SecIndex,
		domain.SecFutOption, domain.SecCash, domain.SecBag, domain.SecWarrant,
		domain.SecBond, domain.SecCommodity, domain.SecNews, domain.SecFund:
		return t, nil
	}
	return "", fmt.Errorf("unknown security type %q", v)
}

func parseAction(v string) (domain.Action, error) {
	switch strings.ToUpper(v) {
	case "BUY":
		return domain.ActionBuy, nil
	case "SELL":
		return domain.ActionSell, nil
	case "SSHORT", "SHORT":
		return domain.ActionShort, nil
	}
	return "", fmt.Errorf("unknown action %q", v)
}

func parseOrderType(v, fallback string) (domain.OrderType, error) {
	if v == "" {
		v = fallback
	}
	t := domain.OrderType(strings.ToUpper(v))
	switch t {
	case domain.OrderLimit, domain.OrderMarket, domain.OrderStop,
		domain.OrderStopLimit, domain.OrderTrail:
		return t, nil
	}
	return "", fmt.Errorf("unknown order type %q", v)
}

func parseStrategy(v, fallback string) (domain.PositionStrategy, error) {
	if v == "" {
		v = fallback
	}
	s := domain.PositionStrategy(strings.ToUpper(v))
	switch s {
	case domain.StrategyDay, domain.StrategyCore, domain.StrategyHybrid:
		return s, nil
	}
	return "", fmt.Errorf("unknown strategy %q", v)
}

func parsePrice(v, field string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, fmt.Errorf("empty %s", field)
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(v, ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad %s %q: %w", field, v, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", field, d)
	}
	return d, nil
}

func parseDecimalDefault(v string, fallback float64) decimal.Decimal {
	if v == "" {
		return decimal.NewFromFloat(fallback)
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsPositive() {
		return decimal.NewFromFloat(fallback)
	}
	return d
}

func parseIntDefault(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
