package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-venue/internal/clock"
	"trading-venue/internal/models"
)

// QuoteStatus 单个品种的行情新鲜度。
type QuoteStatus struct {
	Symbol    string
	Live      bool
	Age       time.Duration
	UpdatedAt time.Time
}

type entry struct {
	mu     sync.Mutex
	quote   models.Quote // 时间戳保持来源时间，用于判定乱序
	has     bool
	touched time.Time       // 最近一次取价刷新的时间
	spread  decimal.Decimal // 最近一次由高低价估算的点差，零值表示未知
}

// seenAt 报价时间与最近读取时间中较晚者，调用方持有 e.mu。
func (e *entry) seenAt() time.Time {
	if e.touched.After(e.quote.Timestamp) {
		return e.touched
	}
	return e.quote.Timestamp
}

// Cache 按品种保存最新报价。读并发，同一品种的写入串行，不同品种互不阻塞。
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	freshness time.Duration
	clk       clock.Clock
}

func NewCache(freshness time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	if freshness <= 0 {
		freshness = 5 * time.Second
	}
	return &Cache{
		entries:   make(map[string]*entry),
		freshness: freshness,
		clk:       clk,
	}
}

func (c *Cache) entry(symbol string, create bool) *entry {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if ok || !create {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[symbol]; !ok {
		e = &entry{}
		c.entries[symbol] = e
	}
	return e
}

// Put 写入报价；时间戳早于已缓存报价的乱序数据被丢弃并返回 false。
func (c *Cache) Put(q models.Quote) bool {
	if q.Timestamp.IsZero() {
		q.Timestamp = c.clk.Now()
	}
	e := c.entry(q.Symbol, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.has && q.Timestamp.Before(e.quote.Timestamp) {
		return false
	}
	e.quote = q.Clone()
	e.has = true
	return true
}

// Get 返回缓存的报价，不论新旧。
func (c *Cache) Get(symbol string) (models.Quote, bool) {
	e := c.entry(symbol, false)
	if e == nil {
		return models.Quote{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.has {
		return models.Quote{}, false
	}
	return e.quote.Clone(), true
}

// Touch 取出缓存报价并把它的新鲜度刷新为当前时间，没有缓存时返回 false。
// 无论报价多旧都算命中：只要持续被读取，品种就一直显示为 live。
// 乱序判定仍以报价自身的时间戳为准，刷新不会挡住之后到达的真实行情。
func (c *Cache) Touch(symbol string) (models.Quote, bool) {
	e := c.entry(symbol, false)
	if e == nil {
		return models.Quote{}, false
	}
	now := c.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.has {
		return models.Quote{}, false
	}
	e.touched = now
	q := e.quote.Clone()
	q.Timestamp = now
	return q, true
}

// IsLive 报价存在且未超过新鲜度阈值。
func (c *Cache) IsLive(symbol string) bool {
	return c.status(symbol).Live
}

// Status 批量查询新鲜度，结果按品种名排序。
func (c *Cache) Status(symbols []string) []QuoteStatus {
	out := make([]QuoteStatus, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, c.status(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (c *Cache) status(symbol string) QuoteStatus {
	st := QuoteStatus{Symbol: symbol, Age: -1}
	e := c.entry(symbol, false)
	if e == nil {
		return st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.has {
		return st
	}
	st.UpdatedAt = e.seenAt()
	st.Age = c.clk.Now().Sub(st.UpdatedAt)
	st.Live = st.Age <= c.freshness
	return st
}

// SetSpread 记录品种的点差估计。
func (c *Cache) SetSpread(symbol string, spread decimal.Decimal) {
	if !spread.IsPositive() {
		return
	}
	e := c.entry(symbol, true)
	e.mu.Lock()
	e.spread = spread
	e.mu.Unlock()
}

// Spread 返回点差估计；未知时返回 false。
func (c *Cache) Spread(symbol string) (decimal.Decimal, bool) {
	e := c.entry(symbol, false)
	if e == nil {
		return decimal.Zero, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spread, e.spread.IsPositive()
}

// Symbols 返回已缓存报价的品种。
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for s := range c.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Freshness 返回新鲜度阈值。
func (c *Cache) Freshness() time.Duration { return c.freshness }
