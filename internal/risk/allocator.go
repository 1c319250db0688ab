package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/marginbot/internal/types"
)

// WeightSource yields per-symbol risk weights. The Estimator
// implements it.
type WeightSource interface {
	Weight(ctx context.Context, symbol string) float64
}

// Allocator splits a total collateral budget across positions in
// proportion to notional * risk weight.
type Allocator struct {
	weights WeightSource
}

// NewAllocator creates an allocator backed by the given weight source.
func NewAllocator(weights WeightSource) *Allocator {
	return &Allocator{weights: weights}
}

// Targets computes the target margin per symbol for the given budget.
// Targets sum to the budget (within rounding) and are never negative.
// With all weighted notionals zero the budget is split equally.
func (a *Allocator) Targets(ctx context.Context, positions []types.Position, budget decimal.Decimal) map[string]decimal.Decimal {
	if len(positions) == 0 {
		return map[string]decimal.Decimal{}
	}

	weighted := make(map[string]decimal.Decimal, len(positions))
	totalWeighted := decimal.Zero
	for _, pos := range positions {
		w := decimal.NewFromFloat(a.weights.Weight(ctx, pos.Symbol))
		value := pos.Notional().Mul(w)
		weighted[pos.Symbol] = value
		totalWeighted = totalWeighted.Add(value)
	}

	targets := make(map[string]decimal.Decimal, len(positions))

	if totalWeighted.IsZero() {
		share := budget.Div(decimal.NewFromInt(int64(len(positions))))
		for _, pos := range positions {
			targets[pos.Symbol] = share
		}
		return targets
	}

	for _, pos := range positions {
		targets[pos.Symbol] = budget.Mul(weighted[pos.Symbol]).Div(totalWeighted)
	}
	return targets
}
