package order

import (
	"github.com/shopspring/decimal"

	"trading-venue/internal/models"
)

// Triggered 判断挂单在当前报价下是否触发：
//
//	limit      买 ask ≤ L，卖 bid ≥ L
//	stop       买 ask ≥ S，卖 bid ≤ S
//	stop_limit 与 stop 相同，触发后按市价成交
//
// 报价缺少 bid/ask 时退回 Price。仍处于 pending 的市价单总是触发。
func Triggered(o *models.Order, q models.Quote) bool {
	if o.Type == models.OrderTypeMarket {
		return true
	}
	if o.Price == nil {
		return false
	}
	level := *o.Price
	bid, ask := q.BidOrPrice(), q.AskOrPrice()

	switch o.Type {
	case models.OrderTypeLimit:
		if o.Side == models.SideBuy {
			return ask.LessThanOrEqual(level)
		}
		return bid.GreaterThanOrEqual(level)
	case models.OrderTypeStop, models.OrderTypeStopLimit:
		if o.Side == models.SideBuy {
			return ask.GreaterThanOrEqual(level)
		}
		return bid.LessThanOrEqual(level)
	}
	return false
}

// FillPrice 买单按 ask、卖单按 bid 成交。
func FillPrice(side models.Side, q models.Quote) decimal.Decimal {
	if side == models.SideBuy {
		return q.AskOrPrice()
	}
	return q.BidOrPrice()
}
