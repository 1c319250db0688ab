package rebalance

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/marginbot/internal/history"
	"github.com/web3guy0/marginbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REBALANCE PLANNER - signed margin deltas toward target allocation
// ═══════════════════════════════════════════════════════════════════════════════

// Exchange is the margin-moving surface the planner writes through.
type Exchange interface {
	AdjustMargin(ctx context.Context, fullSymbol string, delta decimal.Decimal) bool
	FullSymbol(symbol string) string
}

// Recorder receives one record per successful adjustment.
type Recorder interface {
	RecordAdjustment(adj *history.MarginAdjustment) error
}

// Plan is the intent to move one position's margin by Delta.
type Plan struct {
	Symbol        string
	CurrentMargin decimal.Decimal
	TargetMargin  decimal.Decimal
	Delta         decimal.Decimal
}

// IsIncrease reports whether the plan adds collateral.
func (p Plan) IsIncrease() bool {
	return p.Delta.IsPositive()
}

// Result summarizes one rebalance run. Per-plan failures never abort
// the remaining plans.
type Result struct {
	SuccessCount  int
	FailCount     int
	TotalAdjusted decimal.Decimal
	Adjustments   []history.MarginAdjustment
}

// Planner turns current-vs-target margins into ordered adjustments and
// executes them through the exchange.
type Planner struct {
	minAdjustment   decimal.Decimal
	minDeviationPct decimal.Decimal
	// Emergency top-ups aim for twice this rate.
	emergencyRate decimal.Decimal

	exchange Exchange
	recorder Recorder
}

// NewPlanner creates a planner with the configured thresholds.
func NewPlanner(minAdjustment, minDeviationPct, emergencyRate decimal.Decimal, exchange Exchange, recorder Recorder) *Planner {
	return &Planner{
		minAdjustment:   minAdjustment,
		minDeviationPct: minDeviationPct,
		emergencyRate:   emergencyRate,
		exchange:        exchange,
		recorder:        recorder,
	}
}

// BuildPlans computes deltas against targets and drops anything under
// the absolute or relative threshold. Both filters apply.
func (p *Planner) BuildPlans(positions []types.Position, targets map[string]decimal.Decimal) []Plan {
	var plans []Plan
	hundred := decimal.NewFromInt(100)

	for _, pos := range positions {
		target, ok := targets[pos.Symbol]
		if !ok {
			continue
		}

		delta := target.Sub(pos.Margin)
		absDelta := delta.Abs()

		if absDelta.LessThan(p.minAdjustment) {
			continue
		}
		if pos.Margin.IsPositive() {
			deviation := absDelta.Div(pos.Margin).Mul(hundred)
			if deviation.LessThan(p.minDeviationPct) {
				continue
			}
		}

		plans = append(plans, Plan{
			Symbol:        pos.Symbol,
			CurrentMargin: pos.Margin,
			TargetMargin:  target,
			Delta:         delta,
		})
	}
	return plans
}

// SortPlans orders decreases before increases so freed collateral is
// on the account before any top-up. Decreases free the most first,
// increases take the cheapest first.
func SortPlans(plans []Plan) []Plan {
	var decreases, increases []Plan
	for _, plan := range plans {
		if plan.IsIncrease() {
			increases = append(increases, plan)
		} else {
			decreases = append(decreases, plan)
		}
	}

	sort.SliceStable(decreases, func(i, j int) bool {
		return decreases[i].Delta.Abs().GreaterThan(decreases[j].Delta.Abs())
	})
	sort.SliceStable(increases, func(i, j int) bool {
		return increases[i].Delta.LessThan(increases[j].Delta)
	})

	return append(decreases, increases...)
}

// Execute runs the given plans in order. Each success appends one
// history record; failures are counted and the run continues.
func (p *Planner) Execute(ctx context.Context, plans []Plan, trigger history.Trigger) Result {
	result := Result{TotalAdjusted: decimal.Zero}

	for _, plan := range plans {
		fullSymbol := p.exchange.FullSymbol(plan.Symbol)
		if !p.exchange.AdjustMargin(ctx, fullSymbol, plan.Delta) {
			result.FailCount++
			log.Warn().
				Str("symbol", plan.Symbol).
				Str("delta", plan.Delta.StringFixed(2)).
				Msg("Margin adjustment rejected")
			continue
		}

		result.SuccessCount++
		result.TotalAdjusted = result.TotalAdjusted.Add(plan.Delta.Abs())

		direction := history.DirectionDecrease
		if plan.IsIncrease() {
			direction = history.DirectionIncrease
		}
		record := history.MarginAdjustment{
			Symbol:       plan.Symbol,
			Direction:    direction,
			Amount:       plan.Delta.Abs(),
			BeforeMargin: plan.CurrentMargin,
			AfterMargin:  plan.TargetMargin,
			Trigger:      trigger,
		}
		if err := p.recorder.RecordAdjustment(&record); err != nil {
			log.Error().Err(err).Str("symbol", plan.Symbol).Msg("Failed to record adjustment")
		}
		result.Adjustments = append(result.Adjustments, record)

		log.Info().
			Str("symbol", plan.Symbol).
			Str("delta", plan.Delta.StringFixed(2)).
			Str("margin", plan.CurrentMargin.StringFixed(2)+" → "+plan.TargetMargin.StringFixed(2)).
			Msg("💱 Margin adjusted")
	}

	return result
}

// Rebalance filters, orders and executes adjustments toward targets.
func (p *Planner) Rebalance(ctx context.Context, positions []types.Position, targets map[string]decimal.Decimal, trigger history.Trigger) Result {
	plans := p.BuildPlans(positions, targets)
	if len(plans) == 0 {
		return Result{TotalAdjusted: decimal.Zero}
	}
	return p.Execute(ctx, SortPlans(plans), trigger)
}

// EmergencyTopUp raises a critically undercollateralized position to
// twice the emergency margin rate, spending at most the available
// balance. It never draws down other positions; cross-position moves
// belong to the scheduled path.
func (p *Planner) EmergencyTopUp(ctx context.Context, critical types.Position, available decimal.Decimal) Result {
	hundred := decimal.NewFromInt(100)
	targetRate := p.emergencyRate.Mul(decimal.NewFromInt(2))

	if critical.MarginRate().GreaterThanOrEqual(targetRate) {
		return Result{TotalAdjusted: decimal.Zero}
	}

	needed := critical.Notional().Mul(targetRate).Div(hundred)
	delta := needed.Sub(critical.Margin)
	if delta.GreaterThan(available) {
		delta = available
	}
	if delta.LessThan(p.minAdjustment) {
		return Result{TotalAdjusted: decimal.Zero}
	}

	plan := Plan{
		Symbol:        critical.Symbol,
		CurrentMargin: critical.Margin,
		TargetMargin:  critical.Margin.Add(delta),
		Delta:         delta,
	}
	return p.Execute(ctx, []Plan{plan}, history.TriggerEmergency)
}
