package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-venue/gateway"
	"trading-venue/infrastructure/alert"
	"trading-venue/internal/clock"
	"trading-venue/internal/models"
	"trading-venue/internal/store"
	"trading-venue/market"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeUpstream struct {
	mu    sync.Mutex
	subs  []string
	unsub []string
}

func (f *fakeUpstream) Subscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, symbol)
	return nil
}

func (f *fakeUpstream) Unsubscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsub = append(f.unsub, symbol)
	return nil
}

type fakeREST struct {
	quote models.Quote
	err   error
	calls int
}

func (f *fakeREST) Quote(_ context.Context, symbol string) (models.Quote, error) {
	f.calls++
	if f.err != nil {
		return models.Quote{}, f.err
	}
	q := f.quote
	q.Symbol = symbol
	return q, nil
}

type fixture struct {
	clk   *clock.Manual
	cache *market.Cache
	up    *fakeUpstream
	rest  *fakeREST
	store *store.MemoryStore
	ch    *alert.MockChannel
	a     *Adapter
}

func newFixture(withRest bool) *fixture {
	f := &fixture{
		clk:   clock.NewManual(t0),
		up:    &fakeUpstream{},
		store: store.NewMemoryStore(),
		ch:    alert.NewMockChannel("mock"),
	}
	f.cache = market.NewCache(5*time.Second, f.clk)
	c := Components{
		Cache:     f.cache,
		Simulator: market.NewSimulator(market.DefaultSimConfig(), f.clk),
		Upstream:  f.up,
		Store:     f.store,
		Alerts:    alert.NewManagerWithThrottler([]alert.Channel{f.ch}, alert.NewThrottlerWithClock(time.Minute, f.clk.Now)),
	}
	if withRest {
		f.rest = &fakeREST{}
		c.REST = f.rest
	}
	f.a = NewAdapter(Config{QuoteTimeout: time.Second}, c)
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGetQuoteWithoutUpstreamDataIsSimulated(t *testing.T) {
	f := newFixture(false)
	for _, sym := range []string{"EURUSD", "USDJPY", "XAUUSD", "UNKNOWN"} {
		q := f.a.GetQuote(context.Background(), sym)
		assert.Equal(t, models.SourceSimulated, q.Source, sym)
		require.True(t, q.HasBidAsk(), sym)
		assert.True(t, q.Bid.LessThan(q.Price), sym)
		assert.True(t, q.Price.LessThan(*q.Ask), sym)
	}
}

func TestGetQuoteRESTFailureFallsBackToSimulation(t *testing.T) {
	f := newFixture(true)
	f.rest.err = errors.New("connection refused")

	q := f.a.GetQuote(context.Background(), "EURUSD")
	assert.Equal(t, models.SourceSimulated, q.Source)
	assert.Equal(t, 1, f.rest.calls)

	// 模拟报价不进缓存
	_, ok := f.cache.Get("EURUSD")
	assert.False(t, ok)
}

func TestGetQuoteSkipsOpenRESTBreaker(t *testing.T) {
	f := newFixture(true)
	f.rest.err = fmt.Errorf("quote: %w", gateway.ErrBreakerOpen)

	q := f.a.GetQuote(context.Background(), "EURUSD")
	assert.Equal(t, models.SourceSimulated, q.Source)
	assert.True(t, q.HasBidAsk())
}

func TestGetQuoteRESTIsCachedAndMirrored(t *testing.T) {
	f := newFixture(true)
	f.rest.quote = models.Quote{Price: dec("1.1"), Timestamp: t0, Source: models.SourceREST}

	q := f.a.GetQuote(context.Background(), "EURUSD")
	assert.Equal(t, models.SourceREST, q.Source)
	require.True(t, q.HasBidAsk())
	assert.True(t, q.Bid.LessThan(q.Price))

	mirrored, ok, err := f.store.LoadQuote(context.Background(), "EURUSD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mirrored.Price.Equal(dec("1.1")))

	q = f.a.GetQuote(context.Background(), "EURUSD")
	assert.Equal(t, models.SourceCache, q.Source)
	assert.Equal(t, 1, f.rest.calls)
}

func TestGetQuotePrefersStoreOverREST(t *testing.T) {
	f := newFixture(true)
	f.rest.quote = models.Quote{Price: dec("9"), Timestamp: t0}
	require.NoError(t, f.store.SaveQuote(context.Background(), models.Quote{
		Symbol: "EURUSD", Price: dec("1.2"), Bid: models.Dec(dec("1.19")), Ask: models.Dec(dec("1.21")), Timestamp: t0,
	}))

	q := f.a.GetQuote(context.Background(), "EURUSD")
	assert.Equal(t, models.SourceStore, q.Source)
	assert.True(t, q.Price.Equal(dec("1.2")))
	assert.Equal(t, 0, f.rest.calls)
}

func TestGetQuoteRefreshesFreshness(t *testing.T) {
	f := newFixture(false)
	f.a.HandleEvent(gateway.Event{Kind: gateway.EventBookTicker, Symbol: "EURUSD", Price: dec("1.1"), Bid: dec("1.0999"), Ask: dec("1.1001"), Time: t0})

	f.clk.Advance(4 * time.Second)
	assert.Equal(t, models.SourceCache, f.a.GetQuote(context.Background(), "EURUSD").Source)

	// 距离原始报价已 8 秒，但上次读取刷新了时间戳
	f.clk.Advance(4 * time.Second)
	assert.True(t, f.a.IsLive("EURUSD"))
	assert.Equal(t, models.SourceCache, f.a.GetQuote(context.Background(), "EURUSD").Source)

	// 超过阈值不再 live，但已知的真实报价仍优先于模拟价，读取后恢复 live
	f.clk.Advance(6 * time.Second)
	assert.False(t, f.a.IsLive("EURUSD"))
	q := f.a.GetQuote(context.Background(), "EURUSD")
	assert.Equal(t, models.SourceCache, q.Source)
	assert.True(t, q.Price.Equal(dec("1.1")))
	assert.Equal(t, t0.Add(14*time.Second), q.Timestamp)
	assert.True(t, f.a.IsLive("EURUSD"))
}

func TestGetQuoteFromStoreRefreshesFreshness(t *testing.T) {
	f := newFixture(false)
	require.NoError(t, f.store.SaveQuote(context.Background(), models.Quote{
		Symbol: "BTCUSD", Price: dec("60000"), Bid: models.Dec(dec("59999")), Ask: models.Dec(dec("60001")), Timestamp: t0,
	}))
	f.clk.Advance(time.Minute)

	q := f.a.GetQuote(context.Background(), "BTCUSD")
	assert.Equal(t, models.SourceStore, q.Source)
	assert.Equal(t, t0.Add(time.Minute), q.Timestamp)
	assert.True(t, f.a.IsLive("BTCUSD"))

	f.clk.Advance(time.Minute)
	q = f.a.GetQuote(context.Background(), "BTCUSD")
	assert.Equal(t, models.SourceCache, q.Source)
	assert.True(t, q.Price.Equal(dec("60000")))
	assert.True(t, f.a.IsLive("BTCUSD"))
}

func TestStatus(t *testing.T) {
	f := newFixture(false)
	f.a.HandleEvent(gateway.Event{Kind: gateway.EventTrade, Symbol: "EURUSD", Price: dec("1.1"), Time: t0})
	f.clk.Advance(time.Second)

	st := f.a.Status([]string{"EURUSD", "GBPUSD"})
	require.Len(t, st, 2)
	assert.True(t, st["EURUSD"].Live)
	assert.Equal(t, time.Second, st["EURUSD"].Age)
	assert.False(t, st["GBPUSD"].Live)
}

func TestSubscribeMultiplexesUpstream(t *testing.T) {
	f := newFixture(false)
	s1 := f.a.Subscribe("EURUSD", func(models.Quote) {})
	s2 := f.a.Subscribe("EURUSD", func(models.Quote) {})
	assert.Equal(t, []string{"EURUSD"}, f.up.subs)
	assert.Equal(t, []string{"EURUSD"}, f.a.Subscribers())

	f.a.Unsubscribe(s1)
	assert.Empty(t, f.up.unsub)

	f.a.Unsubscribe(s2)
	assert.Equal(t, []string{"EURUSD"}, f.up.unsub)
	assert.Empty(t, f.a.Subscribers())

	// 重复退订无副作用
	f.a.Unsubscribe(s2)
	assert.Len(t, f.up.unsub, 1)

	// 重新订阅会再次打开上游
	f.a.Subscribe("EURUSD", func(models.Quote) {})
	assert.Len(t, f.up.subs, 2)
}

func TestSubscribeDeliversCachedQuote(t *testing.T) {
	f := newFixture(false)
	f.a.HandleEvent(gateway.Event{Kind: gateway.EventBookTicker, Symbol: "EURUSD", Price: dec("1.1"), Bid: dec("1.0999"), Ask: dec("1.1001"), Time: t0})

	var got []models.Quote
	f.a.Subscribe("EURUSD", func(q models.Quote) { got = append(got, q) })
	require.Len(t, got, 1)
	assert.True(t, got[0].Bid.Equal(dec("1.0999")))

	var none []models.Quote
	f.a.Subscribe("GBPUSD", func(q models.Quote) { none = append(none, q) })
	assert.Empty(t, none)
}

func TestHandleEventSynthesizesFromRangeEstimate(t *testing.T) {
	f := newFixture(false)
	var got []models.Quote
	f.a.Subscribe("EURUSD", func(q models.Quote) { got = append(got, q) })

	f.a.HandleEvent(gateway.Event{Kind: gateway.EventMiniTicker, Symbol: "EURUSD", Price: dec("1.1"), High: dec("1.2"), Low: dec("1.0"), Time: t0})
	assert.Empty(t, got)

	f.a.HandleEvent(gateway.Event{Kind: gateway.EventTrade, Symbol: "EURUSD", Price: dec("1.1"), Time: t0})
	require.Len(t, got, 1)
	// (1.2-1.0) × 0.01 = 0.002
	assert.True(t, got[0].Bid.Equal(dec("1.099")), got[0].Bid.String())
	assert.True(t, got[0].Ask.Equal(dec("1.101")), got[0].Ask.String())
	assert.Equal(t, models.SourceStream, got[0].Source)

	mirrored, ok, _ := f.store.LoadQuote(context.Background(), "EURUSD")
	require.True(t, ok)
	assert.True(t, mirrored.Price.Equal(dec("1.1")))
}

func TestHandleEventDefaultSpreadWithoutEstimate(t *testing.T) {
	f := newFixture(false)
	f.a.HandleEvent(gateway.Event{Kind: gateway.EventTrade, Symbol: "EURUSD", Price: dec("1"), Time: t0})

	q, ok := f.cache.Get("EURUSD")
	require.True(t, ok)
	// 默认 0.0002 × 1
	assert.True(t, q.Bid.Equal(dec("0.9999")), q.Bid.String())
	assert.True(t, q.Ask.Equal(dec("1.0001")), q.Ask.String())
}

func TestHandleEventDropsOutOfOrder(t *testing.T) {
	f := newFixture(false)
	var got []models.Quote
	f.a.Subscribe("EURUSD", func(q models.Quote) { got = append(got, q) })

	f.a.HandleEvent(gateway.Event{Kind: gateway.EventTrade, Symbol: "EURUSD", Price: dec("1.1"), Time: t0.Add(time.Second)})
	f.a.HandleEvent(gateway.Event{Kind: gateway.EventTrade, Symbol: "EURUSD", Price: dec("1.0"), Time: t0})

	require.Len(t, got, 1)
	q, _ := f.cache.Get("EURUSD")
	assert.True(t, q.Price.Equal(dec("1.1")))
}

func TestCallbackPanicDoesNotStopDelivery(t *testing.T) {
	f := newFixture(false)
	var got int
	f.a.Subscribe("EURUSD", func(models.Quote) { panic("boom") })
	f.a.Subscribe("EURUSD", func(models.Quote) { got++ })

	assert.NotPanics(t, func() {
		f.a.HandleEvent(gateway.Event{Kind: gateway.EventTrade, Symbol: "EURUSD", Price: dec("1.1"), Time: t0})
	})
	assert.Equal(t, 1, got)
}

func TestDisconnectRaisesThrottledAlert(t *testing.T) {
	f := newFixture(false)
	f.a.HandleConnState(true)
	assert.Equal(t, 0, f.ch.Count())

	f.a.HandleConnState(false)
	f.a.HandleConnState(false)
	require.Equal(t, 1, f.ch.Count())
	assert.Equal(t, alert.LevelWarning, f.ch.GetAlerts()[0].Level)

	f.clk.Advance(2 * time.Minute)
	f.a.HandleConnState(false)
	assert.Equal(t, 2, f.ch.Count())
}
