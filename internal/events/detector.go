package events

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/marginbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT DETECTOR - emergency margin, price spikes, account-level warnings
// ═══════════════════════════════════════════════════════════════════════════════

// Spike describes a single-update price move beyond the threshold.
type Spike struct {
	Symbol    string
	PrevPrice decimal.Decimal
	Price     decimal.Decimal
	ChangePct decimal.Decimal
}

// Detector watches positions and streaming prices for conditions that
// need action between scheduled cycles.
type Detector struct {
	mu sync.Mutex

	emergencyRate decimal.Decimal
	spikePct      decimal.Decimal
	warningRate   decimal.Decimal

	lastPrices map[string]decimal.Decimal
	// Suppresses repeated account warnings until the rate recovers.
	warningActive bool
}

// NewDetector creates a detector with the given trigger thresholds,
// all expressed as percentages.
func NewDetector(emergencyRate, spikePct, warningRate decimal.Decimal) *Detector {
	return &Detector{
		emergencyRate: emergencyRate,
		spikePct:      spikePct,
		warningRate:   warningRate,
		lastPrices:    make(map[string]decimal.Decimal),
	}
}

// CheckEmergencyConditions returns the positions whose margin rate has
// fallen below the emergency threshold.
func (d *Detector) CheckEmergencyConditions(positions []types.Position) []types.Position {
	var critical []types.Position
	for _, pos := range positions {
		if pos.MarginRate().LessThan(d.emergencyRate) {
			log.Warn().
				Str("symbol", pos.Symbol).
				Str("margin_rate", pos.MarginRate().StringFixed(2)).
				Str("threshold", d.emergencyRate.StringFixed(2)).
				Msg("⚠️ Position below emergency margin rate")
			critical = append(critical, pos)
		}
	}
	return critical
}

// OnPriceUpdate records a new price and reports a spike when the move
// from the previous observation meets the threshold. The first
// observation for a symbol only establishes the baseline.
func (d *Detector) OnPriceUpdate(symbol string, price decimal.Decimal) (Spike, bool) {
	d.mu.Lock()
	prev, seen := d.lastPrices[symbol]
	d.lastPrices[symbol] = price
	d.mu.Unlock()

	if !seen || prev.IsZero() {
		return Spike{}, false
	}

	changePct := price.Sub(prev).Abs().Div(prev).Mul(decimal.NewFromInt(100))
	if changePct.LessThan(d.spikePct) {
		return Spike{}, false
	}

	log.Warn().
		Str("symbol", symbol).
		Str("prev", prev.String()).
		Str("price", price.String()).
		Str("change_pct", changePct.StringFixed(2)).
		Msg("⚡ Price spike detected")

	return Spike{Symbol: symbol, PrevPrice: prev, Price: price, ChangePct: changePct}, true
}

// CheckAccountMarginRate compares equity against total position margin
// and reports true once when the ratio drops below the warning
// threshold. The warning re-arms after the rate recovers.
func (d *Detector) CheckAccountMarginRate(equity decimal.Decimal, positions []types.Position) (decimal.Decimal, bool) {
	totalMargin := types.TotalMargin(positions)

	d.mu.Lock()
	defer d.mu.Unlock()

	if totalMargin.IsZero() {
		d.warningActive = false
		return decimal.Zero, false
	}

	rate := equity.Div(totalMargin).Mul(decimal.NewFromInt(100))
	if rate.GreaterThanOrEqual(d.warningRate) {
		d.warningActive = false
		return rate, false
	}

	if d.warningActive {
		return rate, false
	}
	d.warningActive = true

	log.Warn().
		Str("account_rate", rate.StringFixed(2)).
		Str("threshold", d.warningRate.StringFixed(2)).
		Msg("🏦 Account margin rate below warning threshold")
	return rate, true
}

// LastPrice returns the most recent streamed price for a symbol.
func (d *Detector) LastPrice(symbol string) (decimal.Decimal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	price, ok := d.lastPrices[symbol]
	return price, ok
}

// ClearPriceCache drops all remembered prices, so the next update per
// symbol becomes a fresh baseline.
func (d *Detector) ClearPriceCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastPrices = make(map[string]decimal.Decimal)
}
