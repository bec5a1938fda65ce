package market

import (
	"math"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"trading-venue/internal/clock"
	"trading-venue/internal/models"
)

// DefaultBasePrices 未配置时的模拟基准价。
var DefaultBasePrices = map[string]float64{
	"EURUSD": 1.0850,
	"GBPUSD": 1.2700,
	"USDJPY": 149.50,
	"AUDUSD": 0.6550,
	"USDCHF": 0.8800,
	"USDCAD": 1.3600,
	"XAUUSD": 2030.00,
	"BTCUSD": 43000.00,
	"ETHUSD": 2300.00,
}

// fallbackBasePrice 未知品种的基准价。
const fallbackBasePrice = 100.0

// SimConfig 模拟行情参数。
type SimConfig struct {
	Seed        int64
	MaxStepPct  float64 // 每次取价的最大相对步长
	MaxDriftPct float64 // 相对基准价的最大偏离
	SpreadPct   float64
	BasePrices  map[string]float64 // 覆盖 DefaultBasePrices
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		Seed:        1,
		MaxStepPct:  0.0005,
		MaxDriftPct: 0.02,
		SpreadPct:   0.0002,
	}
}

// Simulator 基于种子的有界随机游走。相同种子与相同调用顺序产生相同序列。
type Simulator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	cfg    SimConfig
	base   map[string]float64
	last   map[string]float64
	forced map[string]decimal.Decimal
	clk    clock.Clock
}

func NewSimulator(cfg SimConfig, clk clock.Clock) *Simulator {
	def := DefaultSimConfig()
	if cfg.MaxStepPct <= 0 {
		cfg.MaxStepPct = def.MaxStepPct
	}
	if cfg.MaxDriftPct < cfg.MaxStepPct {
		cfg.MaxDriftPct = cfg.MaxStepPct
	}
	if cfg.MaxDriftPct > 0.5 {
		cfg.MaxDriftPct = 0.5
	}
	if cfg.SpreadPct <= 0 {
		cfg.SpreadPct = def.SpreadPct
	}
	if clk == nil {
		clk = clock.Real()
	}

	s := &Simulator{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		last:   make(map[string]float64),
		forced: make(map[string]decimal.Decimal),
		clk:    clk,
	}
	s.base = mergeBase(cfg.BasePrices)
	return s
}

func mergeBase(overrides map[string]float64) map[string]float64 {
	base := make(map[string]float64, len(DefaultBasePrices)+len(overrides))
	for k, v := range DefaultBasePrices {
		base[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			base[k] = v
		}
	}
	return base
}

// Seed 重置随机源与游走状态。
func (s *Simulator) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
	s.last = make(map[string]float64)
}

// SetBasePrices 热更新基准价；基准价变化的品种从新基准重新游走。
func (s *Simulator) SetBasePrices(prices map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := mergeBase(prices)
	for sym, p := range next {
		if old, ok := s.base[sym]; !ok || old != p {
			delete(s.last, sym)
		}
	}
	s.base = next
}

// SetSpreadPct 热更新模拟点差比例，非正值忽略。
func (s *Simulator) SetSpreadPct(pct float64) {
	if pct <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.SpreadPct = pct
	s.mu.Unlock()
}

// Set 固定品种价格，之后的 Quote 都返回该价格，直到 Release。
func (s *Simulator) Set(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	s.mu.Lock()
	s.forced[symbol] = price
	s.mu.Unlock()
}

// Release 取消 Set，从固定价格继续游走。
func (s *Simulator) Release(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.forced[symbol]; ok {
		s.last[symbol], _ = p.Float64()
		delete(s.forced, symbol)
	}
}

// BasePrice 返回品种的基准价。
func (s *Simulator) BasePrice(symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.basePrice(symbol)
}

func (s *Simulator) basePrice(symbol string) float64 {
	if p, ok := s.base[symbol]; ok {
		return p
	}
	return fallbackBasePrice
}

// Quote 生成下一笔模拟报价，保证 bid < price < ask。
func (s *Simulator) Quote(symbol string) models.Quote {
	s.mu.Lock()
	price, ok := s.forced[symbol]
	if !ok {
		price = s.step(symbol)
	}
	spreadPct := s.cfg.SpreadPct
	s.mu.Unlock()

	half := price.Mul(decimal.NewFromFloat(spreadPct)).Div(two)
	return models.Quote{
		Symbol:    symbol,
		Price:     price,
		Bid:       models.Dec(price.Sub(half)),
		Ask:       models.Dec(price.Add(half)),
		Timestamp: s.clk.Now(),
		Source:    models.SourceSimulated,
	}
}

// step 调用方持有 s.mu。
func (s *Simulator) step(symbol string) decimal.Decimal {
	base := s.basePrice(symbol)
	last, ok := s.last[symbol]
	if !ok {
		last = base
	}

	next := last * (1 + (s.rng.Float64()*2-1)*s.cfg.MaxStepPct)
	lo, hi := base*(1-s.cfg.MaxDriftPct), base*(1+s.cfg.MaxDriftPct)
	next = math.Max(lo, math.Min(hi, next))
	s.last[symbol] = next

	return decimal.NewFromFloat(next).Round(Precision(next))
}

// Precision 按价格量级决定小数位：<10 五位，<1000 三位，其余两位。
func Precision(price float64) int32 {
	switch {
	case price < 10:
		return 5
	case price < 1000:
		return 3
	default:
		return 2
	}
}
