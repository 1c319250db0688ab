package liquidation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/marginbot/internal/history"
	"github.com/web3guy0/marginbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIQUIDATION PLANNER - partial closes when collateral cannot cover risk
// ═══════════════════════════════════════════════════════════════════════════════

// Exchange is the order-submitting surface used for partial closes.
type Exchange interface {
	ClosePosition(ctx context.Context, fullSymbol string, side types.Side, quantity decimal.Decimal) bool
	FullSymbol(symbol string) string
}

// Recorder receives one record per executed close.
type Recorder interface {
	RecordLiquidation(liq *history.Liquidation) error
}

// PrioritySource maps symbols to close priority; lower goes first.
type PrioritySource interface {
	Priority(symbol string) int
}

// Plan is the intent to partially close one position.
type Plan struct {
	Symbol           string
	Side             types.Side
	CurrentQuantity  decimal.Decimal
	CloseQuantity    decimal.Decimal
	CurrentPrice     decimal.Decimal
	EstimatedRelease decimal.Decimal
}

// Result reports what the planner decided and, in real mode, what it
// executed. A skipped run carries the reason instead of an error.
type Result struct {
	Executed      bool
	Reason        string
	Plans         []Plan
	SuccessCount  int
	FailCount     int
	TotalReleased decimal.Decimal
}

// Liquidator sizes and executes partial closes when total collateral
// falls below the safety floor.
type Liquidator struct {
	enabled           bool
	dryRun            bool
	maxSingleClosePct decimal.Decimal
	safetyMultiplier  decimal.Decimal
	maintenanceRate   decimal.Decimal
	cooldown          time.Duration

	priorities PrioritySource
	exchange   Exchange
	recorder   Recorder

	lastExecution time.Time
	now           func() time.Time
}

// Options carries the liquidation settings from configuration.
type Options struct {
	Enabled           bool
	DryRun            bool
	MaxSingleClosePct decimal.Decimal
	SafetyMultiplier  decimal.Decimal
	MaintenanceRate   decimal.Decimal
	Cooldown          time.Duration
}

// NewLiquidator creates a liquidator with the given guard settings.
func NewLiquidator(opts Options, priorities PrioritySource, exchange Exchange, recorder Recorder) *Liquidator {
	return &Liquidator{
		enabled:           opts.Enabled,
		dryRun:            opts.DryRun,
		maxSingleClosePct: opts.MaxSingleClosePct,
		safetyMultiplier:  opts.SafetyMultiplier,
		maintenanceRate:   opts.MaintenanceRate,
		cooldown:          opts.Cooldown,
		priorities:        priorities,
		exchange:          exchange,
		recorder:          recorder,
		now:               time.Now,
	}
}

// MarginGap returns how much collateral is missing to keep every
// position above the safety floor. Zero means no action is needed.
func (l *Liquidator) MarginGap(positions []types.Position, available decimal.Decimal) decimal.Decimal {
	minSafe := types.TotalNotional(positions).
		Mul(l.maintenanceRate).
		Mul(l.safetyMultiplier)

	gap := minSafe.Sub(types.TotalMargin(positions)).Sub(available)
	if gap.IsNegative() {
		return decimal.Zero
	}
	return gap
}

// buildPlan sizes the close for one position against the remaining
// gap. Close quantity is capped at maxSingleClosePct of the position;
// a zero-margin position falls back to the cap outright.
func (l *Liquidator) buildPlan(pos types.Position, remainingGap decimal.Decimal) Plan {
	hundred := decimal.NewFromInt(100)
	maxCloseQty := pos.Quantity.Mul(l.maxSingleClosePct).Div(hundred)

	qtyForRelease := maxCloseQty
	if pos.Margin.IsPositive() {
		marginPerUnit := pos.Margin.Div(pos.Quantity)
		qtyForRelease = remainingGap.Div(marginPerUnit)
	}

	closeQty := decimal.Min(maxCloseQty, qtyForRelease)

	estimated := decimal.Zero
	if pos.Quantity.IsPositive() {
		estimated = closeQty.Div(pos.Quantity).Mul(pos.Margin)
	}

	return Plan{
		Symbol:           pos.Symbol,
		Side:             pos.Side,
		CurrentQuantity:  pos.Quantity,
		CloseQuantity:    closeQty,
		CurrentPrice:     pos.CurrentPrice,
		EstimatedRelease: estimated,
	}
}

// sortByPriority orders positions lowest priority first.
func (l *Liquidator) sortByPriority(positions []types.Position) []types.Position {
	sorted := make([]types.Position, len(positions))
	copy(sorted, positions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return l.priorities.Priority(sorted[i].Symbol) < l.priorities.Priority(sorted[j].Symbol)
	})
	return sorted
}

// inCooldown reports whether the cooldown since the last successful
// execution is still running.
func (l *Liquidator) inCooldown() bool {
	if l.lastExecution.IsZero() {
		return false
	}
	return l.now().Sub(l.lastExecution) < l.cooldown
}

// ExecuteIfNeeded checks the margin gap and, when positive, builds and
// (outside dry-run) executes partial-close plans in priority order.
func (l *Liquidator) ExecuteIfNeeded(ctx context.Context, positions []types.Position, available decimal.Decimal) Result {
	if !l.enabled {
		return Result{Reason: "liquidation disabled", TotalReleased: decimal.Zero}
	}
	if l.inCooldown() {
		return Result{Reason: "in cooldown period", TotalReleased: decimal.Zero}
	}

	gap := l.MarginGap(positions, available)
	if !gap.IsPositive() {
		return Result{Reason: "no margin gap", TotalReleased: decimal.Zero}
	}

	log.Warn().
		Str("gap", gap.StringFixed(2)).
		Str("available", available.StringFixed(2)).
		Msg("🚨 Margin gap detected")

	var plans []Plan
	remaining := gap
	for _, pos := range l.sortByPriority(positions) {
		if !remaining.IsPositive() {
			break
		}
		plan := l.buildPlan(pos, remaining)
		plans = append(plans, plan)
		remaining = remaining.Sub(plan.EstimatedRelease)
	}

	if l.dryRun {
		return Result{Reason: "dry run mode", Plans: plans, TotalReleased: decimal.Zero}
	}

	result := Result{Executed: true, Plans: plans, TotalReleased: decimal.Zero}
	for _, plan := range plans {
		fullSymbol := l.exchange.FullSymbol(plan.Symbol)
		if !l.exchange.ClosePosition(ctx, fullSymbol, plan.Side, plan.CloseQuantity) {
			result.FailCount++
			log.Error().
				Str("symbol", plan.Symbol).
				Str("quantity", plan.CloseQuantity.String()).
				Msg("Partial close rejected")
			continue
		}

		result.SuccessCount++
		result.TotalReleased = result.TotalReleased.Add(plan.EstimatedRelease)

		record := history.Liquidation{
			Symbol:         plan.Symbol,
			Side:           string(plan.Side),
			Quantity:       plan.CloseQuantity,
			Price:          plan.CurrentPrice,
			ReleasedMargin: plan.EstimatedRelease,
			Reason:         fmt.Sprintf("margin gap: %s", gap.StringFixed(2)),
		}
		if err := l.recorder.RecordLiquidation(&record); err != nil {
			log.Error().Err(err).Str("symbol", plan.Symbol).Msg("Failed to record liquidation")
		}

		log.Info().
			Str("symbol", plan.Symbol).
			Str("quantity", plan.CloseQuantity.String()).
			Str("released", plan.EstimatedRelease.StringFixed(2)).
			Msg("🔻 Position partially closed")
	}

	if result.SuccessCount > 0 {
		l.lastExecution = l.now()
	}
	result.Reason = fmt.Sprintf("executed %d liquidations", result.SuccessCount)
	return result
}
