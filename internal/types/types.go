package types

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of a derivative position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Position is a read-only snapshot of one isolated-margin derivative
// holding, as reported by the exchange at the start of a cycle.
type Position struct {
	Symbol        string // short base symbol, e.g. "BTC"
	Side          Side
	Quantity      decimal.Decimal // always positive, direction lives in Side
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	Margin        decimal.Decimal // isolated collateral attached to the position
	Leverage      int
	UnrealizedPnL decimal.Decimal
}

// Notional returns quantity * current price.
func (p Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// MarginRate returns margin / notional as a percentage.
// Zero-notional positions report a rate of 0.
func (p Position) MarginRate() decimal.Decimal {
	notional := p.Notional()
	if notional.IsZero() {
		return decimal.Zero
	}
	return p.Margin.Div(notional).Mul(decimal.NewFromInt(100))
}

// IsProfitable reports whether the position carries unrealized profit.
func (p Position) IsProfitable() bool {
	return p.UnrealizedPnL.IsPositive()
}

// TotalMargin sums the isolated collateral across positions.
func TotalMargin(positions []Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Margin)
	}
	return total
}

// TotalNotional sums quantity * price across positions.
func TotalNotional(positions []Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Notional())
	}
	return total
}
