package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID        string          `gorm:"primaryKey;size:36"`
	AccountID string          `gorm:"index;size:64;not null"`
	Symbol    string          `gorm:"index;size:32;not null"`
	Type      OrderType       `gorm:"size:16;not null"`
	Side      Side            `gorm:"size:8;not null"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,8);not null"`

	// Price 限价单为限价，止损/止损限价单为触发价；市价单为空。
	Price      *decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopLoss   *decimal.Decimal `gorm:"type:decimal(20,8)"`
	TakeProfit *decimal.Decimal `gorm:"type:decimal(20,8)"`

	Leverage int             `gorm:"not null"`
	Spread   decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Fee      decimal.Decimal `gorm:"type:decimal(20,8);not null"`

	Status         OrderStatus      `gorm:"index;size:16;not null"`
	FilledQuantity decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	AvgFillPrice   *decimal.Decimal `gorm:"type:decimal(20,8)"`
	FilledAt       *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Clone 深拷贝，内存存储用来隔离调用方修改。
func (o Order) Clone() Order {
	c := o
	c.Price = CloneDec(o.Price)
	c.StopLoss = CloneDec(o.StopLoss)
	c.TakeProfit = CloneDec(o.TakeProfit)
	c.AvgFillPrice = CloneDec(o.AvgFillPrice)
	if o.FilledAt != nil {
		t := *o.FilledAt
		c.FilledAt = &t
	}
	return c
}
