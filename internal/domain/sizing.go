package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CashLot is the minimum (and rounding) lot for CASH instruments.
var CashLot = decimal.NewFromInt(10_000)

// Quantity computes the position size for an order at the given account
// equity: floor(equity·riskPerTrade / riskPerUnit) with per-security-type
// rounding. CASH rounds down to 10 000-unit lots with a 10 000 minimum;
// everything else has a minimum of one unit. Options already carry the
// 100× contract multiplier inside RiskPerUnit.
func Quantity(p *PlannedOrder, equity decimal.Decimal) (decimal.Decimal, error) {
	riskPerUnit := p.RiskPerUnit()
	if riskPerUnit.IsZero() {
		return decimal.Zero, fmt.Errorf("sizing %s: entry equals stop", p.Symbol)
	}
	if !equity.IsPositive() {
		return decimal.Zero, fmt.Errorf("sizing %s: non-positive equity %s", p.Symbol, equity)
	}

	base := equity.Mul(p.RiskPerTrade).Div(riskPerUnit).Floor()

	if p.SecurityType == SecCash {
		lots := base.Div(CashLot).Floor()
		qty := lots.Mul(CashLot)
		if qty.LessThan(CashLot) {
			qty = CashLot
		}
		return qty, nil
	}

	if base.LessThan(decimal.NewFromInt(1)) {
		base = decimal.NewFromInt(1)
	}
	return base, nil
}

// CapitalCommitment is the notional attributed to an entry at the given
// quantity.
func CapitalCommitment(p *PlannedOrder, qty decimal.Decimal) decimal.Decimal {
	return p.EntryPrice.Mul(qty)
}
