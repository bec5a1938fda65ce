package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Position struct {
	ID        string `gorm:"primaryKey;size:36"`
	AccountID string `gorm:"index;size:64;not null"`
	OrderID   string `gorm:"index;size:36;not null"`
	Symbol    string `gorm:"index;size:32;not null"`
	Side      Side   `gorm:"size:8;not null"`

	// Quantity 剩余数量，部分平仓时递减；全部平仓后保留最后一笔的数量。
	Quantity     decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	OpenPrice    decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	CurrentPrice decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	StopLoss     *decimal.Decimal `gorm:"type:decimal(20,8)"`
	TakeProfit   *decimal.Decimal `gorm:"type:decimal(20,8)"`

	Status        PositionStatus  `gorm:"index;size:16;not null"`
	UnrealizedPnl decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	RealizedPnl   decimal.Decimal `gorm:"type:decimal(20,8);not null"`

	OpenedAt  time.Time `gorm:"index;not null"`
	ClosedAt  *time.Time
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (p Position) IsLong() bool { return p.Side != SideSell }

func (p Position) IsOpen() bool { return p.Status == PositionStatusOpen }

// HasStops 是否设置了止损或止盈。
func (p Position) HasStops() bool { return p.StopLoss != nil || p.TakeProfit != nil }

func (p Position) Clone() Position {
	c := p
	c.StopLoss = CloneDec(p.StopLoss)
	c.TakeProfit = CloneDec(p.TakeProfit)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return c
}
