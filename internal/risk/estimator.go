package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK ESTIMATOR - volatility-based per-symbol risk weights
// ═══════════════════════════════════════════════════════════════════════════════

// referenceSymbol anchors the normalization: a weight of 1.0 means
// "as volatile as BTC".
const referenceSymbol = "BTC"

// volatilityFloor keeps near-flat series from producing zero weights.
const volatilityFloor = 0.001

// CandleSource provides historical close prices. The REST client
// implements it; tests supply a double.
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error)
}

// Overrides supplies manually pinned weights from configuration.
type Overrides interface {
	RiskWeight(symbol string) (float64, bool)
}

type cacheEntry struct {
	weight     float64
	computedAt time.Time
}

// Estimator computes per-symbol risk weights as historical volatility
// normalized by the reference symbol's volatility. Results are cached;
// a reported price spike collapses the refresh window to SpikeWindow
// until no spike has been seen for a full normal window.
type Estimator struct {
	mu sync.Mutex

	candles   CandleSource
	overrides Overrides

	lookbackDays int
	normalWindow time.Duration
	spikeWindow  time.Duration

	cache     map[string]cacheEntry
	reference *cacheEntry // reference volatility, not a weight
	lastSpike time.Time
}

// NewEstimator creates an estimator with the given cache policy.
func NewEstimator(candles CandleSource, overrides Overrides, lookbackDays int, normalWindow, spikeWindow time.Duration) *Estimator {
	return &Estimator{
		candles:      candles,
		overrides:    overrides,
		lookbackDays: lookbackDays,
		normalWindow: normalWindow,
		spikeWindow:  spikeWindow,
		cache:        make(map[string]cacheEntry),
	}
}

// Weight returns the risk weight for a symbol. Pinned overrides win;
// otherwise the cached or freshly computed volatility ratio is used.
// Fetch failures degrade to 1.0 so a flaky candle endpoint can never
// stall a rebalance cycle.
func (e *Estimator) Weight(ctx context.Context, symbol string) float64 {
	if w, ok := e.overrides.RiskWeight(symbol); ok {
		return w
	}

	e.mu.Lock()
	window := e.windowLocked()
	if entry, ok := e.cache[symbol]; ok && time.Since(entry.computedAt) < window {
		e.mu.Unlock()
		return entry.weight
	}
	e.mu.Unlock()

	vol, ok := e.fetchVolatility(ctx, symbol)
	if !ok {
		return 1.0
	}

	refVol, ok := e.referenceVolatility(ctx)
	weight := 1.0
	if ok && refVol > 0 {
		weight = vol / refVol
	}

	e.mu.Lock()
	e.cache[symbol] = cacheEntry{weight: weight, computedAt: time.Now()}
	e.mu.Unlock()

	log.Debug().
		Str("symbol", symbol).
		Float64("weight", weight).
		Msg("Risk weight computed")
	return weight
}

// NoteSpike shortens the cache refresh window. Called by the
// controller when the event detector reports a price spike.
func (e *Estimator) NoteSpike() {
	e.mu.Lock()
	e.lastSpike = time.Now()
	e.mu.Unlock()
}

// ClearCache drops all cached volatilities, forcing refetch on the
// next Weight call.
func (e *Estimator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]cacheEntry)
	e.reference = nil
	e.mu.Unlock()
}

// windowLocked picks the active refresh window. The shortened window
// stays in force until a full normal window has passed without spikes.
func (e *Estimator) windowLocked() time.Duration {
	if !e.lastSpike.IsZero() && time.Since(e.lastSpike) < e.normalWindow {
		return e.spikeWindow
	}
	return e.normalWindow
}

// referenceVolatility returns the cached reference volatility,
// refetching when stale.
func (e *Estimator) referenceVolatility(ctx context.Context) (float64, bool) {
	e.mu.Lock()
	window := e.windowLocked()
	if e.reference != nil && time.Since(e.reference.computedAt) < window {
		vol := e.reference.weight
		e.mu.Unlock()
		return vol, true
	}
	e.mu.Unlock()

	vol, ok := e.fetchVolatility(ctx, referenceSymbol)
	if !ok {
		return 0, false
	}

	e.mu.Lock()
	e.reference = &cacheEntry{weight: vol, computedAt: time.Now()}
	e.mu.Unlock()
	return vol, true
}

// fetchVolatility pulls daily closes and computes the return
// volatility. The second result is false when data is missing or too
// short, which callers treat as the 1.0 floor assumption.
func (e *Estimator) fetchVolatility(ctx context.Context, symbol string) (float64, bool) {
	closes, err := e.candles.Candles(ctx, "t"+symbol+"USD", "1D", e.lookbackDays)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Candle fetch failed, assuming neutral weight")
		return 0, false
	}
	if len(closes) < 2 {
		return 0, false
	}
	return volatility(closes), true
}

// volatility computes the population standard deviation of simple
// returns, floored at volatilityFloor.
func volatility(prices []float64) float64 {
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	if len(returns) == 0 {
		return volatilityFloor
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	return math.Max(math.Sqrt(variance), volatilityFloor)
}
