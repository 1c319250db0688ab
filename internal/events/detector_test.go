package events

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/marginbot/internal/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestDetector() *Detector {
	return NewDetector(decimal.NewFromInt(2), decimal.NewFromInt(3), decimal.NewFromInt(3))
}

func position(symbol string, qty, price, margin string) types.Position {
	return types.Position{
		Symbol:       symbol,
		Side:         types.Long,
		Quantity:     dec(qty),
		CurrentPrice: dec(price),
		Margin:       dec(margin),
	}
}

func TestCheckEmergencyConditions(t *testing.T) {
	d := newTestDetector()
	positions := []types.Position{
		position("BTC", "1", "50000", "500"),  // 1%, critical
		position("ETH", "10", "3000", "1500"), // 5%, fine
	}

	critical := d.CheckEmergencyConditions(positions)

	require.Len(t, critical, 1)
	assert.Equal(t, "BTC", critical[0].Symbol)
}

func TestFirstPriceEstablishesBaseline(t *testing.T) {
	d := newTestDetector()

	_, spiked := d.OnPriceUpdate("BTC", dec("50000"))
	assert.False(t, spiked, "first observation is baseline only")
}

func TestSpikeDetected(t *testing.T) {
	d := newTestDetector()
	d.OnPriceUpdate("BTC", dec("50000"))

	spike, spiked := d.OnPriceUpdate("BTC", dec("52000"))

	require.True(t, spiked, "4% move over a 3% threshold")
	assert.Equal(t, "BTC", spike.Symbol)
	assert.True(t, spike.ChangePct.Equal(dec("4")))
}

func TestSpikeDetectedOnDrop(t *testing.T) {
	d := newTestDetector()
	d.OnPriceUpdate("BTC", dec("50000"))

	_, spiked := d.OnPriceUpdate("BTC", dec("48000"))
	assert.True(t, spiked, "magnitude counts, not direction")
}

func TestSmallMoveIgnored(t *testing.T) {
	d := newTestDetector()
	d.OnPriceUpdate("BTC", dec("50000"))

	_, spiked := d.OnPriceUpdate("BTC", dec("50500"))
	assert.False(t, spiked, "1% move is under threshold")
}

func TestSpikeComparesAgainstLatestPrice(t *testing.T) {
	d := newTestDetector()
	d.OnPriceUpdate("BTC", dec("50000"))
	d.OnPriceUpdate("BTC", dec("50500"))

	// 4% from the second observation, not the first.
	_, spiked := d.OnPriceUpdate("BTC", dec("52520"))
	assert.True(t, spiked)
}

func TestClearPriceCacheResetsBaseline(t *testing.T) {
	d := newTestDetector()
	d.OnPriceUpdate("BTC", dec("50000"))
	d.ClearPriceCache()

	_, spiked := d.OnPriceUpdate("BTC", dec("60000"))
	assert.False(t, spiked, "post-clear observation is a fresh baseline")
}

func TestLastPrice(t *testing.T) {
	d := newTestDetector()

	_, ok := d.LastPrice("BTC")
	assert.False(t, ok)

	d.OnPriceUpdate("BTC", dec("50000"))
	price, ok := d.LastPrice("BTC")
	require.True(t, ok)
	assert.True(t, price.Equal(dec("50000")))
}

func TestAccountWarningFiresOnce(t *testing.T) {
	d := newTestDetector()
	positions := []types.Position{position("BTC", "1", "50000", "1000")}

	// Equity 20 against margin 1000 is a 2% ratio, under the 3% threshold.
	rate, warn := d.CheckAccountMarginRate(dec("20"), positions)
	require.True(t, warn)
	assert.True(t, rate.Equal(dec("2")))

	_, warn = d.CheckAccountMarginRate(dec("20"), positions)
	assert.False(t, warn, "warning must not repeat while still below threshold")
}

func TestAccountWarningRearmsAfterRecovery(t *testing.T) {
	d := newTestDetector()
	positions := []types.Position{position("BTC", "1", "50000", "1000")}

	_, warn := d.CheckAccountMarginRate(dec("20"), positions)
	require.True(t, warn)

	_, warn = d.CheckAccountMarginRate(dec("50"), positions)
	assert.False(t, warn, "recovered")

	_, warn = d.CheckAccountMarginRate(dec("20"), positions)
	assert.True(t, warn, "re-armed after recovery")
}

func TestAccountWarningSkipsWithoutPositions(t *testing.T) {
	d := newTestDetector()

	_, warn := d.CheckAccountMarginRate(dec("100"), nil)
	assert.False(t, warn)
}
