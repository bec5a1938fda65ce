package market

import (
	"sync"

	"github.com/shopspring/decimal"

	"trading-venue/internal/models"
)

var two = decimal.NewFromInt(2)

// SpreadConfig 点差合成参数，均为相对价格的比例。
type SpreadConfig struct {
	DefaultPct  float64
	RangeFactor float64 // 点差 = (high - low) * RangeFactor
	MinPct      float64
	MaxPct      float64
}

func DefaultSpreadConfig() SpreadConfig {
	return SpreadConfig{
		DefaultPct:  0.0002,
		RangeFactor: 0.01,
		MinPct:      0.00005,
		MaxPct:      0.005,
	}
}

// SpreadModel 为缺少 bid/ask 的报价合成点差。默认比例支持热更新。
type SpreadModel struct {
	mu  sync.RWMutex
	cfg SpreadConfig
}

func NewSpreadModel(cfg SpreadConfig) *SpreadModel {
	if cfg.DefaultPct <= 0 {
		cfg.DefaultPct = DefaultSpreadConfig().DefaultPct
	}
	return &SpreadModel{cfg: cfg}
}

// SetDefaultPct 热更新默认比例，非正值忽略。
func (m *SpreadModel) SetDefaultPct(pct float64) {
	if pct <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.DefaultPct = pct
	m.mu.Unlock()
}

func (m *SpreadModel) config() SpreadConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Default 按默认比例计算点差。
func (m *SpreadModel) Default(price decimal.Decimal) decimal.Decimal {
	return price.Abs().Mul(decimal.NewFromFloat(m.config().DefaultPct))
}

// FromRange 由 24h 高低价估算点差，并夹在 [MinPct, MaxPct] × price 之间。
// 高低价无效时返回 false。
func (m *SpreadModel) FromRange(price, high, low decimal.Decimal) (decimal.Decimal, bool) {
	if !high.IsPositive() || !low.IsPositive() || high.LessThan(low) || !price.IsPositive() {
		return decimal.Zero, false
	}
	cfg := m.config()
	spread := high.Sub(low).Mul(decimal.NewFromFloat(cfg.RangeFactor))

	if cfg.MinPct > 0 {
		floor := price.Mul(decimal.NewFromFloat(cfg.MinPct))
		spread = decimal.Max(spread, floor)
	}
	if cfg.MaxPct > 0 {
		ceil := price.Mul(decimal.NewFromFloat(cfg.MaxPct))
		spread = decimal.Min(spread, ceil)
	}
	if !spread.IsPositive() {
		return decimal.Zero, false
	}
	return spread, true
}

// Synthesize 为缺少 bid/ask 的报价补齐 mid ∓ spread/2。
// estimate 为正时优先使用，否则按默认比例。已有的 bid/ask 不会被覆盖。
func (m *SpreadModel) Synthesize(q models.Quote, estimate decimal.Decimal) models.Quote {
	if q.HasBidAsk() {
		return q
	}
	spread := estimate
	if !spread.IsPositive() {
		spread = m.Default(q.Price)
	}
	half := spread.Div(two)
	out := q.Clone()
	if out.Bid == nil {
		out.Bid = models.Dec(q.Price.Sub(half))
	}
	if out.Ask == nil {
		out.Ask = models.Dec(q.Price.Add(half))
	}
	return out
}
