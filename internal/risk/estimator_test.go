package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeCandles struct {
	closes  map[string][]float64
	err     error
	fetches int
}

func (f *fakeCandles) Candles(_ context.Context, symbol, _ string, _ int) ([]float64, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.closes[symbol], nil
}

type fakeOverrides map[string]float64

func (f fakeOverrides) RiskWeight(symbol string) (float64, bool) {
	w, ok := f[symbol]
	return w, ok
}

func newTestEstimator(candles *fakeCandles, overrides fakeOverrides) *Estimator {
	return NewEstimator(candles, overrides, 7, time.Hour, 10*time.Minute)
}

func TestWeightOverrideWins(t *testing.T) {
	candles := &fakeCandles{}
	e := newTestEstimator(candles, fakeOverrides{"BTC": 1.0, "ETH": 1.5})

	assert.Equal(t, 1.5, e.Weight(context.Background(), "ETH"))
	assert.Equal(t, 0, candles.fetches, "override must not trigger a fetch")
}

func TestWeightEqualVolatilityIsOne(t *testing.T) {
	series := []float64{100, 110, 95, 105, 100, 108, 97}
	candles := &fakeCandles{closes: map[string][]float64{
		"tETHUSD": series,
		"tBTCUSD": series,
	}}
	e := newTestEstimator(candles, fakeOverrides{})

	assert.InDelta(t, 1.0, e.Weight(context.Background(), "ETH"), 1e-9)
}

func TestWeightMoreVolatileThanReference(t *testing.T) {
	candles := &fakeCandles{closes: map[string][]float64{
		"tDOGEUSD": {100, 130, 80, 140, 70, 150},
		"tBTCUSD":  {100, 101, 100, 102, 101, 102},
	}}
	e := newTestEstimator(candles, fakeOverrides{})

	assert.Greater(t, e.Weight(context.Background(), "DOGE"), 1.0)
}

func TestWeightFetchFailureDegradesToNeutral(t *testing.T) {
	candles := &fakeCandles{err: errors.New("timeout")}
	e := newTestEstimator(candles, fakeOverrides{})

	assert.Equal(t, 1.0, e.Weight(context.Background(), "ETH"))
}

func TestWeightShortSeriesDegradesToNeutral(t *testing.T) {
	candles := &fakeCandles{closes: map[string][]float64{"tETHUSD": {100}}}
	e := newTestEstimator(candles, fakeOverrides{})

	assert.Equal(t, 1.0, e.Weight(context.Background(), "ETH"))
}

func TestWeightCachedWithinWindow(t *testing.T) {
	candles := &fakeCandles{closes: map[string][]float64{
		"tETHUSD": {100, 110, 95, 105},
		"tBTCUSD": {100, 102, 99, 101},
	}}
	e := newTestEstimator(candles, fakeOverrides{})

	ctx := context.Background()
	e.Weight(ctx, "ETH")
	fetched := candles.fetches
	e.Weight(ctx, "ETH")
	assert.Equal(t, fetched, candles.fetches, "second call within window must hit the cache")
}

func TestClearCacheForcesRefetch(t *testing.T) {
	candles := &fakeCandles{closes: map[string][]float64{
		"tETHUSD": {100, 110, 95, 105},
		"tBTCUSD": {100, 102, 99, 101},
	}}
	e := newTestEstimator(candles, fakeOverrides{})

	ctx := context.Background()
	e.Weight(ctx, "ETH")
	fetched := candles.fetches

	e.ClearCache()
	e.Weight(ctx, "ETH")
	assert.Greater(t, candles.fetches, fetched, "weight after clear must refetch")
}

func TestSpikeShortensCacheWindow(t *testing.T) {
	candles := &fakeCandles{closes: map[string][]float64{
		"tETHUSD": {100, 110, 95, 105},
		"tBTCUSD": {100, 102, 99, 101},
	}}
	// Zero spike window: any spike makes cached entries immediately stale.
	e := NewEstimator(candles, fakeOverrides{}, 7, time.Hour, 0)

	ctx := context.Background()
	e.Weight(ctx, "ETH")
	fetched := candles.fetches

	e.NoteSpike()
	e.Weight(ctx, "ETH")
	assert.Greater(t, candles.fetches, fetched, "spike must collapse the cache window")
}

func TestVolatilityFloor(t *testing.T) {
	assert.Equal(t, volatilityFloor, volatility([]float64{100, 100, 100, 100}))
}

func TestVolatilitySkipsZeroPrices(t *testing.T) {
	// A zero price would divide by zero; the return is skipped instead.
	v := volatility([]float64{100, 0, 100, 105})
	assert.Greater(t, v, 0.0)
}
