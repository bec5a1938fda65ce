// Package feed 把上游行情流、报价缓存、落库镜像、REST 查询与模拟行情
// 组合成一个永不失败的取价入口，并在一条上游连接上复用多个订阅者。
package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-venue/gateway"
	"trading-venue/infrastructure/alert"
	"trading-venue/infrastructure/logger"
	"trading-venue/infrastructure/monitor"
	"trading-venue/internal/models"
	"trading-venue/internal/store"
	"trading-venue/market"
)

// Callback 收到新报价时调用，在上游读协程中执行，不应阻塞。
type Callback func(models.Quote)

// Subscription Subscribe 返回的凭证，用于 Unsubscribe。
type Subscription struct {
	Symbol string
	id     uint64
}

// Upstream 上游行情连接，gateway.Stream 实现了它。
type Upstream interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
}

// PointQuoter 单次取价，gateway.RESTQuoter 实现了它。
type PointQuoter interface {
	Quote(ctx context.Context, symbol string) (models.Quote, error)
}

// Config 适配器参数
type Config struct {
	QuoteTimeout time.Duration // 落库与 REST 查询的超时
}

// Components 适配器依赖。Cache/Spread/Simulator 必填，其余可为空。
type Components struct {
	Cache     *market.Cache
	Spread    *market.SpreadModel
	Simulator *market.Simulator
	Upstream  Upstream
	REST      PointQuoter
	Store     store.QuoteStore
	Alerts    *alert.Manager
	Logger    *logger.Logger
	Monitor   *monitor.Monitor
}

// Adapter 行情适配器
type Adapter struct {
	cfg   Config
	cache *market.Cache
	sprd  *market.SpreadModel
	sim   *market.Simulator
	up    Upstream
	rest  PointQuoter
	store store.QuoteStore
	alert *alert.Manager
	log   *logger.Logger
	mon   *monitor.Monitor

	mu     sync.Mutex
	subs   map[string]map[uint64]Callback
	nextID uint64
	count  int
}

func NewAdapter(cfg Config, c Components) *Adapter {
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	if c.Monitor == nil {
		c.Monitor = monitor.New(monitor.DefaultConfig())
	}
	if c.Spread == nil {
		c.Spread = market.NewSpreadModel(market.DefaultSpreadConfig())
	}
	return &Adapter{
		cfg:   cfg,
		cache: c.Cache,
		sprd:  c.Spread,
		sim:   c.Simulator,
		up:    c.Upstream,
		rest:  c.REST,
		store: c.Store,
		alert: c.Alerts,
		log:   c.Logger.Named("feed"),
		mon:   c.Monitor,
		subs:  make(map[string]map[uint64]Callback),
	}
}

// Subscribe 注册回调。该品种的第一个订阅者会打开上游订阅；
// 若缓存里已有报价则立即回调一次。
func (a *Adapter) Subscribe(symbol string, cb Callback) Subscription {
	a.mu.Lock()
	a.nextID++
	sub := Subscription{Symbol: symbol, id: a.nextID}
	set, ok := a.subs[symbol]
	if !ok {
		set = make(map[uint64]Callback)
		a.subs[symbol] = set
	}
	set[sub.id] = cb
	a.count++
	a.mon.UpdateSubscriptions(a.count)
	a.mu.Unlock()

	if !ok && a.up != nil {
		if err := a.up.Subscribe(symbol); err != nil {
			a.log.LogError(err, map[string]interface{}{"op": "upstream_subscribe", "symbol": symbol})
		}
	}

	if q, has := a.cache.Get(symbol); has {
		a.deliver(cb, a.withBidAsk(q))
	}
	return sub
}

// Unsubscribe 移除回调。最后一个订阅者离开时撤销上游订阅。重复调用无副作用。
func (a *Adapter) Unsubscribe(sub Subscription) {
	a.mu.Lock()
	set, ok := a.subs[sub.Symbol]
	if !ok {
		a.mu.Unlock()
		return
	}
	if _, exists := set[sub.id]; !exists {
		a.mu.Unlock()
		return
	}
	delete(set, sub.id)
	a.count--
	last := len(set) == 0
	if last {
		delete(a.subs, sub.Symbol)
	}
	a.mon.UpdateSubscriptions(a.count)
	a.mu.Unlock()

	if last && a.up != nil {
		if err := a.up.Unsubscribe(sub.Symbol); err != nil {
			a.log.LogError(err, map[string]interface{}{"op": "upstream_unsubscribe", "symbol": sub.Symbol})
		}
	}
}

// Subscribers 当前有订阅者的品种，已排序。
func (a *Adapter) Subscribers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.subs))
	for s := range a.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GetQuote 按 缓存 → 落库 → REST → 模拟 的顺序取价，总能返回带 bid/ask 的报价。
//
// 任何一级取到真实报价都会把时间戳刷新为当前时间，因此持续取价时品种始终显示为 live，
// 缓存里的旧报价也优先于模拟价。
func (a *Adapter) GetQuote(ctx context.Context, symbol string) models.Quote {
	if q, ok := a.cache.Touch(symbol); ok {
		q.Source = models.SourceCache
		return a.served(q)
	}

	if a.store != nil {
		sctx, cancel := context.WithTimeout(ctx, a.cfg.QuoteTimeout)
		q, ok, err := a.store.LoadQuote(sctx, symbol)
		cancel()
		switch {
		case err != nil:
			a.log.LogError(err, map[string]interface{}{"op": "load_quote", "symbol": symbol})
		case ok && q.Price.IsPositive():
			return a.served(a.remember(a.withBidAsk(q)))
		}
	}

	if a.rest != nil {
		rctx, cancel := context.WithTimeout(ctx, a.cfg.QuoteTimeout)
		q, err := a.rest.Quote(rctx, symbol)
		cancel()
		switch {
		case errors.Is(err, gateway.ErrBreakerOpen):
		case err != nil:
			a.log.LogError(err, map[string]interface{}{"op": "rest_quote", "symbol": symbol})
		case q.Price.IsPositive():
			q = a.withBidAsk(q)
			a.mirror(ctx, q)
			return a.served(a.remember(q))
		}
	}

	return a.served(a.simulated(symbol))
}

// IsLive 缓存中的报价是否仍在新鲜度阈值内。
func (a *Adapter) IsLive(symbol string) bool {
	return a.cache.IsLive(symbol)
}

// Status 批量查询新鲜度。
func (a *Adapter) Status(symbols []string) map[string]market.QuoteStatus {
	out := make(map[string]market.QuoteStatus, len(symbols))
	for _, st := range a.cache.Status(symbols) {
		out[st.Symbol] = st
	}
	return out
}

// HandleEvent 处理一条上游行情事件。注册为 gateway.Stream 的 OnEvent。
func (a *Adapter) HandleEvent(ev gateway.Event) {
	if ev.Kind == gateway.EventMiniTicker {
		if spread, ok := a.sprd.FromRange(ev.Price, ev.High, ev.Low); ok {
			a.cache.SetSpread(ev.Symbol, spread)
		}
		return
	}

	q := models.Quote{
		Symbol:    ev.Symbol,
		Price:     ev.Price,
		Timestamp: ev.Time,
		Source:    models.SourceStream,
	}
	if ev.Kind == gateway.EventBookTicker {
		q.Bid = models.Dec(ev.Bid)
		q.Ask = models.Dec(ev.Ask)
	}
	q = a.withBidAsk(q)

	if !a.cache.Put(q) {
		a.mon.RecordQuoteDropped()
		return
	}
	if q.Timestamp.IsZero() {
		// 缓存写入时补了时间戳，回读保持一致
		if cached, ok := a.cache.Get(q.Symbol); ok {
			q = cached
		}
	}
	a.mon.RecordQuote(string(models.SourceStream))
	a.log.LogQuote("tick", q.Symbol, map[string]interface{}{"price": q.Price.String(), "kind": ev.Kind.String()})
	a.mirror(context.Background(), q)
	a.notify(q)
}

// HandleConnState 上游连接状态变化。注册为 gateway.Stream 的 OnStateChange。
func (a *Adapter) HandleConnState(connected bool) {
	if connected {
		a.log.Info("upstream connected")
		return
	}
	a.log.Warn("upstream disconnected, falling back")
	if a.alert != nil {
		_ = a.alert.SendKeyed(alert.LevelWarning, "feed_down", "行情上游断开，取价降级", map[string]interface{}{
			"subscribed": len(a.Subscribers()),
		})
	}
}

func (a *Adapter) notify(q models.Quote) {
	a.mu.Lock()
	set := a.subs[q.Symbol]
	cbs := make([]Callback, 0, len(set))
	for _, cb := range set {
		cbs = append(cbs, cb)
	}
	a.mu.Unlock()

	for _, cb := range cbs {
		a.deliver(cb, q.Clone())
	}
}

// deliver 回调 panic 不影响上游读协程。
func (a *Adapter) deliver(cb Callback, q models.Quote) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("subscriber callback panicked", zap.String("symbol", q.Symbol), zap.Any("panic", r))
		}
	}()
	cb(q)
}

func (a *Adapter) mirror(ctx context.Context, q models.Quote) {
	if a.store == nil {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, a.cfg.QuoteTimeout)
	defer cancel()
	if err := a.store.SaveQuote(mctx, q); err != nil {
		a.log.LogError(err, map[string]interface{}{"op": "save_quote", "symbol": q.Symbol})
	}
}

func (a *Adapter) simulated(symbol string) models.Quote {
	q := a.sim.Quote(symbol)
	if !q.HasBidAsk() {
		q = a.sprd.Synthesize(q, decimal.Zero)
	}
	return q
}

// withBidAsk 用缓存的高低价点差估算或默认比例补齐 bid/ask。
func (a *Adapter) withBidAsk(q models.Quote) models.Quote {
	if q.HasBidAsk() {
		return q
	}
	est, _ := a.cache.Spread(q.Symbol)
	return a.sprd.Synthesize(q, est)
}

// remember 写入缓存并刷新新鲜度，返回的报价时间戳为当前时间。
func (a *Adapter) remember(q models.Quote) models.Quote {
	a.cache.Put(q)
	if tq, ok := a.cache.Touch(q.Symbol); ok {
		q.Timestamp = tq.Timestamp
	}
	return q
}

func (a *Adapter) served(q models.Quote) models.Quote {
	a.mon.RecordQuote(string(q.Source))
	return q
}
