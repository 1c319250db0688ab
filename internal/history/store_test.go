package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRecordAndQueryAdjustments(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordAdjustment(&MarginAdjustment{
		Symbol:       "BTC",
		Direction:    DirectionDecrease,
		Amount:       dec("72.13"),
		BeforeMargin: dec("400"),
		AfterMargin:  dec("327.87"),
		Trigger:      TriggerScheduled,
	}))
	require.NoError(t, store.RecordAdjustment(&MarginAdjustment{
		Symbol:    "ETH",
		Direction: DirectionIncrease,
		Amount:    dec("72.13"),
		Trigger:   TriggerEmergency,
	}))

	all, err := store.RecentAdjustments(10, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	btc, err := store.RecentAdjustments(10, "BTC")
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, DirectionDecrease, btc[0].Direction)
	assert.True(t, btc[0].Amount.Equal(dec("72.13")))
}

func TestRecordAndQueryLiquidations(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordLiquidation(&Liquidation{
		Symbol:         "DOGE",
		Side:           "long",
		Quantity:       dec("2500"),
		Price:          dec("0.1"),
		ReleasedMargin: dec("2.5"),
		Reason:         "margin gap: 5.00",
	}))

	records, err := store.RecentLiquidations(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "DOGE", records[0].Symbol)
	assert.True(t, records[0].ReleasedMargin.Equal(dec("2.5")))
}

func TestRecordAndQuerySnapshots(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordSnapshot(&AccountSnapshot{
		TotalEquity:      dec("1000"),
		TotalMargin:      dec("800"),
		AvailableBalance: dec("200"),
		PositionsJSON:    `[{"symbol":"BTC"}]`,
	}))

	snaps, err := store.RecentSnapshots(5)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].TotalEquity.Equal(dec("1000")))
}

func TestDailyStats(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordAdjustment(&MarginAdjustment{Symbol: "BTC", Amount: dec("100")}))
	require.NoError(t, store.RecordAdjustment(&MarginAdjustment{Symbol: "ETH", Amount: dec("60")}))
	require.NoError(t, store.RecordLiquidation(&Liquidation{Symbol: "DOGE", Quantity: dec("2500")}))

	adjustments, liquidations, err := store.DailyStats(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), adjustments)
	assert.Equal(t, int64(1), liquidations)

	adjustments, liquidations, err = store.DailyStats(time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Zero(t, adjustments)
	assert.Zero(t, liquidations)
}
