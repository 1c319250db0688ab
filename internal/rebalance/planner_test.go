package rebalance

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/marginbot/internal/history"
	"github.com/web3guy0/marginbot/internal/types"
)

type fakeExchange struct {
	adjustments []adjustCall
	reject      map[string]bool
}

type adjustCall struct {
	symbol string
	delta  decimal.Decimal
}

func (f *fakeExchange) AdjustMargin(_ context.Context, fullSymbol string, delta decimal.Decimal) bool {
	f.adjustments = append(f.adjustments, adjustCall{symbol: fullSymbol, delta: delta})
	return !f.reject[fullSymbol]
}

func (f *fakeExchange) FullSymbol(symbol string) string {
	return "t" + symbol + "F0:USTF0"
}

type fakeRecorder struct {
	records []history.MarginAdjustment
}

func (f *fakeRecorder) RecordAdjustment(adj *history.MarginAdjustment) error {
	f.records = append(f.records, *adj)
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func position(symbol string, qty, price, margin string) types.Position {
	return types.Position{
		Symbol:       symbol,
		Side:         types.Long,
		Quantity:     dec(qty),
		CurrentPrice: dec(price),
		Margin:       dec(margin),
	}
}

func newTestPlanner(exchange *fakeExchange, recorder *fakeRecorder) *Planner {
	return NewPlanner(decimal.NewFromInt(50), decimal.NewFromInt(5), decimal.NewFromInt(2), exchange, recorder)
}

func TestBuildPlansTwoPositionGolden(t *testing.T) {
	p := newTestPlanner(&fakeExchange{}, &fakeRecorder{})
	positions := []types.Position{
		position("BTC", "0.5", "50000", "400"),
		position("ETH", "10", "3000", "400"),
	}
	targets := map[string]decimal.Decimal{
		"BTC": dec("327.87"),
		"ETH": dec("472.13"),
	}

	plans := SortPlans(p.BuildPlans(positions, targets))

	require.Len(t, plans, 2)
	assert.Equal(t, "BTC", plans[0].Symbol, "decrease must come first")
	assert.True(t, plans[0].Delta.IsNegative())
	assert.Equal(t, "ETH", plans[1].Symbol)
	assert.True(t, plans[1].Delta.IsPositive())
}

func TestBuildPlansBelowMinAdjustment(t *testing.T) {
	p := newTestPlanner(&fakeExchange{}, &fakeRecorder{})
	positions := []types.Position{position("BTC", "0.5", "50000", "490")}
	targets := map[string]decimal.Decimal{"BTC": dec("500")}

	assert.Empty(t, p.BuildPlans(positions, targets))
}

func TestBuildPlansBelowMinDeviation(t *testing.T) {
	// Delta 60 clears the absolute threshold but is only 3% of the
	// current margin; both filters must pass.
	p := newTestPlanner(&fakeExchange{}, &fakeRecorder{})
	positions := []types.Position{position("BTC", "0.5", "50000", "2000")}
	targets := map[string]decimal.Decimal{"BTC": dec("2060")}

	assert.Empty(t, p.BuildPlans(positions, targets))
}

func TestBuildPlansThresholdsAreConjunctive(t *testing.T) {
	p := newTestPlanner(&fakeExchange{}, &fakeRecorder{})
	positions := []types.Position{position("BTC", "0.5", "50000", "400")}
	targets := map[string]decimal.Decimal{"BTC": dec("500")}

	plans := p.BuildPlans(positions, targets)

	require.Len(t, plans, 1)
	assert.True(t, plans[0].Delta.Abs().GreaterThanOrEqual(decimal.NewFromInt(50)))
	deviation := plans[0].Delta.Abs().Div(dec("400")).Mul(decimal.NewFromInt(100))
	assert.True(t, deviation.GreaterThanOrEqual(decimal.NewFromInt(5)))
}

func TestBuildPlansIdempotentAtTarget(t *testing.T) {
	p := newTestPlanner(&fakeExchange{}, &fakeRecorder{})
	positions := []types.Position{
		position("BTC", "0.5", "50000", "400"),
		position("ETH", "10", "3000", "400"),
	}
	targets := map[string]decimal.Decimal{"BTC": dec("400"), "ETH": dec("400")}

	assert.Empty(t, p.BuildPlans(positions, targets))
}

func TestSortPlansMixedDeltas(t *testing.T) {
	plans := []Plan{
		{Symbol: "A", Delta: dec("50")},
		{Symbol: "B", Delta: dec("-120")},
		{Symbol: "C", Delta: dec("200")},
		{Symbol: "D", Delta: dec("-30")},
	}

	sorted := SortPlans(plans)

	order := make([]string, 0, len(sorted))
	for _, plan := range sorted {
		order = append(order, plan.Delta.String())
	}
	assert.Equal(t, []string{"-120", "-30", "50", "200"}, order)
}

func TestSortPlansDecreasesAlwaysPrecedeIncreases(t *testing.T) {
	plans := []Plan{
		{Symbol: "A", Delta: dec("75")},
		{Symbol: "B", Delta: dec("-60")},
		{Symbol: "C", Delta: dec("300")},
		{Symbol: "D", Delta: dec("-500")},
		{Symbol: "E", Delta: dec("55")},
	}

	sorted := SortPlans(plans)

	firstIncrease := len(sorted)
	for i, plan := range sorted {
		if plan.IsIncrease() {
			firstIncrease = i
			break
		}
	}
	for _, plan := range sorted[firstIncrease:] {
		assert.True(t, plan.IsIncrease(), "no decrease may follow an increase")
	}
}

func TestExecuteRecordsHistory(t *testing.T) {
	exchange := &fakeExchange{}
	recorder := &fakeRecorder{}
	p := newTestPlanner(exchange, recorder)

	plans := []Plan{
		{Symbol: "BTC", CurrentMargin: dec("400"), TargetMargin: dec("327.87"), Delta: dec("-72.13")},
		{Symbol: "ETH", CurrentMargin: dec("400"), TargetMargin: dec("472.13"), Delta: dec("72.13")},
	}

	result := p.Execute(context.Background(), plans, history.TriggerScheduled)

	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 0, result.FailCount)
	require.Len(t, recorder.records, 2)
	assert.Equal(t, history.DirectionDecrease, recorder.records[0].Direction)
	assert.Equal(t, history.DirectionIncrease, recorder.records[1].Direction)
	assert.Equal(t, history.TriggerScheduled, recorder.records[0].Trigger)
}

func TestExecuteContinuesAfterRejection(t *testing.T) {
	exchange := &fakeExchange{reject: map[string]bool{"tBTCF0:USTF0": true}}
	recorder := &fakeRecorder{}
	p := newTestPlanner(exchange, recorder)

	plans := []Plan{
		{Symbol: "BTC", CurrentMargin: dec("400"), TargetMargin: dec("300"), Delta: dec("-100")},
		{Symbol: "ETH", CurrentMargin: dec("400"), TargetMargin: dec("500"), Delta: dec("100")},
	}

	result := p.Execute(context.Background(), plans, history.TriggerScheduled)

	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.FailCount)
	require.Len(t, recorder.records, 1)
	assert.Equal(t, "ETH", recorder.records[0].Symbol)
}

func TestEmergencyTopUpGolden(t *testing.T) {
	exchange := &fakeExchange{}
	recorder := &fakeRecorder{}
	p := newTestPlanner(exchange, recorder)

	// Notional 50000 with margin 500 is a 1% rate; target is 4%.
	critical := position("BTC", "1", "50000", "500")

	result := p.EmergencyTopUp(context.Background(), critical, decimal.NewFromInt(1500))

	assert.Equal(t, 1, result.SuccessCount)
	require.Len(t, exchange.adjustments, 1)
	assert.True(t, exchange.adjustments[0].delta.Equal(decimal.NewFromInt(1500)),
		"needed 1500 of 2000, clamped to available")
	require.Len(t, recorder.records, 1)
	assert.Equal(t, history.TriggerEmergency, recorder.records[0].Trigger)
}

func TestEmergencyTopUpNoopWhenHealthy(t *testing.T) {
	exchange := &fakeExchange{}
	p := newTestPlanner(exchange, &fakeRecorder{})

	// 5% rate is already above the 4% target.
	healthy := position("BTC", "1", "50000", "2500")

	result := p.EmergencyTopUp(context.Background(), healthy, decimal.NewFromInt(1500))

	assert.Equal(t, 0, result.SuccessCount)
	assert.Empty(t, exchange.adjustments)
}

func TestEmergencyTopUpBelowMinAdjustment(t *testing.T) {
	exchange := &fakeExchange{}
	p := newTestPlanner(exchange, &fakeRecorder{})

	critical := position("BTC", "1", "50000", "500")

	// Only 20 available, under the 50 minimum.
	result := p.EmergencyTopUp(context.Background(), critical, decimal.NewFromInt(20))

	assert.Equal(t, 0, result.SuccessCount)
	assert.Empty(t, exchange.adjustments)
}
