// Package models 定义引擎读写的持久化实体（gorm 标签）与行情快照。
package models

import "github.com/shopspring/decimal"

// OrderType 订单类型，封闭集合。
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// RequiresPrice 非市价单必须带触发/限价。
func (t OrderType) RequiresPrice() bool { return t != OrderTypeMarket }

// Side 买卖方向。仓位沿用开仓订单的方向：buy 为多头，sell 为空头。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Sign 多头 +1，空头 -1。
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

const (
	TransactionTypeClose        = "position_close"
	TransactionTypePartialClose = "position_partial_close"
)

// CloneDec 复制可选价格，避免调用方与存储共享指针。
func CloneDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Dec 返回 d 的指针，便于构造可选字段。
func Dec(d decimal.Decimal) *decimal.Decimal { return &d }
