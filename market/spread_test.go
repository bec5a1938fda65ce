package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-venue/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSpreadFromRangeClamped(t *testing.T) {
	m := NewSpreadModel(SpreadConfig{DefaultPct: 0.0002, RangeFactor: 0.01, MinPct: 0.0001, MaxPct: 0.001})

	// (1.10 - 1.08) * 0.01 = 0.0002，在区间内
	s, ok := m.FromRange(d("1.09"), d("1.10"), d("1.08"))
	require.True(t, ok)
	assert.Equal(t, "0.0002", s.String())

	// 高低价几乎相同，抬到下限 1.09 * 0.0001
	s, ok = m.FromRange(d("1.09"), d("1.0900001"), d("1.09"))
	require.True(t, ok)
	assert.True(t, s.Equal(d("0.000109")), s.String())

	// 区间过大，压到上限 1.09 * 0.001
	s, ok = m.FromRange(d("1.09"), d("2"), d("1"))
	require.True(t, ok)
	assert.True(t, s.Equal(d("0.00109")), s.String())

	_, ok = m.FromRange(d("1.09"), d("1"), d("2"))
	assert.False(t, ok)
}

func TestSynthesizeMidOnly(t *testing.T) {
	m := NewSpreadModel(DefaultSpreadConfig())
	q := models.Quote{Symbol: "EURUSD", Price: d("1.1000")}

	withEstimate := m.Synthesize(q, d("0.0004"))
	assert.True(t, withEstimate.Bid.Equal(d("1.0998")))
	assert.True(t, withEstimate.Ask.Equal(d("1.1002")))

	// 无估计时按默认比例 0.0002 * 1.1 = 0.00022
	def := m.Synthesize(q, decimal.Zero)
	assert.True(t, def.Bid.Equal(d("1.09989")), def.Bid.String())
	assert.True(t, def.Ask.Equal(d("1.10011")), def.Ask.String())

	// 原报价未被修改
	assert.Nil(t, q.Bid)
}

func TestSynthesizeKeepsExistingBidAsk(t *testing.T) {
	m := NewSpreadModel(DefaultSpreadConfig())
	q := models.Quote{Price: d("1.1"), Bid: models.Dec(d("1.0")), Ask: models.Dec(d("1.2"))}
	out := m.Synthesize(q, d("0.5"))
	assert.Equal(t, "1", out.Bid.String())
	assert.Equal(t, "1.2", out.Ask.String())
}

func TestSetDefaultPct(t *testing.T) {
	m := NewSpreadModel(DefaultSpreadConfig())
	m.SetDefaultPct(0.001)
	assert.True(t, m.Default(d("100")).Equal(d("0.1")))
	m.SetDefaultPct(-1)
	assert.True(t, m.Default(d("100")).Equal(d("0.1")))
}
