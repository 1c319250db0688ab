package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribedFeed(t *testing.T) (*Feed, *[]struct {
	symbol string
	price  decimal.Decimal
}) {
	t.Helper()
	feed := NewFeed("wss://example.com/ws/2")

	var updates []struct {
		symbol string
		price  decimal.Decimal
	}
	feed.OnPrice(func(symbol string, price decimal.Decimal) {
		updates = append(updates, struct {
			symbol string
			price  decimal.Decimal
		}{symbol, price})
	})

	feed.handleMessage([]byte(`{"event":"subscribed","channel":"ticker","chanId":17,"symbol":"tBTCF0:USTF0"}`))
	return feed, &updates
}

func TestTickerFrameDispatchesLastPrice(t *testing.T) {
	feed, updates := subscribedFeed(t)

	feed.handleMessage([]byte(`[17,[50100,10,50101,12,200,0.004,50100.5,1234,50500,49000]]`))

	require.Len(t, *updates, 1)
	assert.Equal(t, "BTC", (*updates)[0].symbol)
	assert.True(t, (*updates)[0].price.Equal(decimal.RequireFromString("50100.5")))
}

func TestHeartbeatFrameIgnored(t *testing.T) {
	feed, updates := subscribedFeed(t)

	feed.handleMessage([]byte(`[17,"hb"]`))
	assert.Empty(t, *updates)
}

func TestUnknownChannelIgnored(t *testing.T) {
	feed, updates := subscribedFeed(t)

	feed.handleMessage([]byte(`[99,[50100,10,50101,12,200,0.004,50100.5,1234,50500,49000]]`))
	assert.Empty(t, *updates)
}

func TestMalformedMessageIgnored(t *testing.T) {
	feed, updates := subscribedFeed(t)

	feed.handleMessage([]byte(`not json`))
	feed.handleMessage([]byte(`[17]`))
	assert.Empty(t, *updates)
}

func TestUnsubscribedEventDropsChannel(t *testing.T) {
	feed, updates := subscribedFeed(t)

	feed.handleMessage([]byte(`{"event":"unsubscribed","chanId":17}`))
	feed.handleMessage([]byte(`[17,[50100,10,50101,12,200,0.004,50100.5,1234,50500,49000]]`))
	assert.Empty(t, *updates)
}

func TestSetSubscriptionsTracksSetWithoutConnection(t *testing.T) {
	feed := NewFeed("wss://example.com/ws/2")

	feed.SetSubscriptions([]string{"BTC", "ETH"})
	assert.ElementsMatch(t, []string{"BTC", "ETH"}, feed.Subscribed())

	feed.SetSubscriptions([]string{"ETH", "DOGE"})
	assert.ElementsMatch(t, []string{"ETH", "DOGE"}, feed.Subscribed())

	feed.SetSubscriptions(nil)
	assert.Empty(t, feed.Subscribed())
}
