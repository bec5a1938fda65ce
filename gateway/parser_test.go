package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBookTicker(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"u":400900217,"s":"eurusd","b":"1.08490","B":"31.2","a":"1.08510","A":"40.6"}`))
	require.NoError(t, err)
	assert.Equal(t, EventBookTicker, ev.Kind)
	assert.Equal(t, "EURUSD", ev.Symbol)
	assert.Equal(t, "1.0849", ev.Bid.String())
	assert.Equal(t, "1.0851", ev.Ask.String())
	assert.Equal(t, "1.085", ev.Price.String())
	assert.True(t, ev.Time.IsZero())
}

func TestParseCombinedTrade(t *testing.T) {
	raw := []byte(`{"stream":"btcusd@trade","data":{"e":"trade","E":1700000000100,"s":"BTCUSD","p":"43000.5","q":"0.1","T":1700000000000}}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, EventTrade, ev.Kind)
	assert.Equal(t, "43000.5", ev.Price.String())
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ev.Time)
}

func TestParseMiniTicker(t *testing.T) {
	raw := []byte(`{"e":"24hrMiniTicker","E":1700000000000,"s":"XAUUSD","c":"2031.5","o":"2020","h":"2040","l":"2010","v":"1","q":"1"}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, EventMiniTicker, ev.Kind)
	assert.Equal(t, "2040", ev.High.String())
	assert.Equal(t, "2010", ev.Low.String())
	assert.Equal(t, "2031.5", ev.Price.String())
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"ack":       `{"result":null,"id":1}`,
		"no symbol": `{"e":"trade","p":"1"}`,
		"unknown":   `{"e":"kline","s":"X"}`,
		"half book": `{"s":"X","b":"1"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(raw))
			assert.ErrorIs(t, err, ErrNonMarketData)
		})
	}

	_, err := ParseEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`{"s":"X","b":"2","a":"1"}`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`{"e":"trade","s":"X","p":"-1"}`))
	assert.Error(t, err)
}

func TestStreamNames(t *testing.T) {
	assert.Equal(t, []string{"eurusd@bookTicker", "eurusd@trade", "eurusd@miniTicker"}, StreamNames("EURUSD"))
}

func TestParseBookTickerIgnoresQuantities(t *testing.T) {
	// 数量键在价格键之前出现也不能覆盖 bid/ask
	raw := []byte(`{"e":"bookTicker","u":1,"E":1700000000000,"T":1700000000001,"s":"BTCUSDT","B":"31.2","b":"43000.10","A":"40.6","a":"43000.30"}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, EventBookTicker, ev.Kind)
	assert.Equal(t, "43000.1", ev.Bid.String())
	assert.Equal(t, "43000.3", ev.Ask.String())
	assert.Equal(t, "43000.2", ev.Price.String())
	assert.Equal(t, time.UnixMilli(1700000000001).UTC(), ev.Time)
}

func TestParseAggTradeWithNumericIDs(t *testing.T) {
	raw := []byte(`{"e":"aggTrade","E":1700000000100,"s":"ETHUSDT","a":26129,"p":"2300.50","q":"1.5","f":100,"l":105,"T":1700000000050,"m":true,"M":true}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, EventTrade, ev.Kind)
	assert.Equal(t, "ETHUSDT", ev.Symbol)
	assert.Equal(t, "2300.5", ev.Price.String())
	assert.Equal(t, time.UnixMilli(1700000000050).UTC(), ev.Time)
}

func TestParseTradeIDDoesNotReplaceTradeTime(t *testing.T) {
	// "t" 为成交 id，不能当作成交时间 "T"
	raw := []byte(`{"e":"trade","E":1700000000100,"s":"BTCUSD","T":1700000000000,"t":12345,"p":"43000.5","q":"0.1"}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ev.Time)
}
