package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-maker-go/order"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseChannels(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	msg, err := Parse([]byte(`{"channel":"price","symbol":"BTCUSDT","data":{"bid":"99.9","ask":"100.1","mark":"100","ts":1700000000500}}`), now)
	require.NoError(t, err)
	require.NotNil(t, msg.Price)
	assert.Equal(t, ChannelPrice, msg.Channel)
	assert.Equal(t, "BTCUSDT", msg.Price.Symbol)
	assert.True(t, msg.Price.Bid.Equal(dec("99.9")))
	assert.Equal(t, time.UnixMilli(1_700_000_000_500), msg.Price.At)

	msg, err = Parse([]byte(`{"channel":"depth_book","symbol":"BTCUSDT","data":{"bids":[["99.9","2"]],"asks":[["100.1","3"],["100.2","1"]]}}`), now)
	require.NoError(t, err)
	require.NotNil(t, msg.Depth)
	assert.Len(t, msg.Depth.Asks, 2)
	assert.True(t, msg.Depth.Bids[0].Qty.Equal(dec("2")))
	assert.Equal(t, now, msg.Depth.At, "missing ts falls back to now")

	msg, err = Parse([]byte(`{"channel":"order","symbol":"BTCUSDT","data":{"order_id":42,"client_order_id":"mm-btcusdt-B1-x","qty":"1","filled_qty":"0.4","status":"PARTIALLY_FILLED"}}`), now)
	require.NoError(t, err)
	require.NotNil(t, msg.Order)
	assert.Equal(t, int64(42), msg.Order.OrderID)
	assert.Equal(t, "BTCUSDT", msg.Order.Symbol, "symbol inherited from envelope")
	assert.Equal(t, order.ExchangePartiallyFilled, msg.Order.Status)

	msg, err = Parse([]byte(`{"channel":"position","symbol":"ETHUSDT","data":{"qty":"-0.5","mark_price":"2000"}}`), now)
	require.NoError(t, err)
	require.NotNil(t, msg.Position)
	assert.Equal(t, "ETHUSDT", msg.Position.Symbol)
	assert.True(t, msg.Position.Qty.Equal(dec("-0.5")))

	msg, err = Parse([]byte(`{"channel":"balance","data":{"asset":"USDT","available":"10","total":"12"}}`), now)
	require.NoError(t, err)
	require.NotNil(t, msg.Balance)
	assert.Equal(t, "USDT", msg.Balance.Asset)
}

func TestParseUnknownChannelIsOther(t *testing.T) {
	raw := []byte(`{"channel":"funding","symbol":"BTCUSDT","data":{}}`)
	msg, err := Parse(raw, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ChannelOther, msg.Channel)
	assert.JSONEq(t, string(raw), string(msg.Raw))
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`not json`), time.Now())
	assert.Error(t, err)
	_, err = Parse([]byte(`{"channel":"price","data":{"bid":{}}}`), time.Now())
	assert.Error(t, err)
}

func TestReferencePricePreference(t *testing.T) {
	p := PriceSnapshot{Bid: dec("99"), Ask: dec("101"), Last: dec("100.5"), Mark: dec("100.2")}
	ref, ok := p.ReferencePrice()
	require.True(t, ok)
	assert.True(t, ref.Equal(dec("100")), "mid first")

	p.Ask = decimal.Zero
	ref, _ = p.ReferencePrice()
	assert.True(t, ref.Equal(dec("100.5")), "then last")

	p.Last = decimal.Zero
	ref, _ = p.ReferencePrice()
	assert.True(t, ref.Equal(dec("100.2")), "then mark")

	_, ok = PriceSnapshot{}.ReferencePrice()
	assert.False(t, ok)
}

func TestMergeKeepsMissingFields(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	base := PriceSnapshot{Symbol: "BTCUSDT", Bid: dec("99"), Ask: dec("101"), Mark: dec("100"), At: at}
	got := base.Merge(PriceSnapshot{Mark: dec("100.5"), At: at.Add(time.Second)})
	assert.True(t, got.Bid.Equal(dec("99")))
	assert.True(t, got.Mark.Equal(dec("100.5")))
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, at.Add(time.Second), got.At)
}
