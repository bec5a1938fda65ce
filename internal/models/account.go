package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account 账户由外部系统维护，这里只改写资金类字段。
type Account struct {
	ID          string          `gorm:"primaryKey;size:64"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Equity      decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Margin      decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	FreeMargin  decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	MarginLevel decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Leverage    int             `gorm:"not null"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime"`
}

// EffectiveLeverage 未配置杠杆时按 1 倍计算保证金。
func (a Account) EffectiveLeverage() int {
	if a.Leverage <= 0 {
		return 1
	}
	return a.Leverage
}

type Transaction struct {
	ID         string          `gorm:"primaryKey;size:36"`
	AccountID  string          `gorm:"index;size:64;not null"`
	PositionID string          `gorm:"index;size:36;not null"`
	Type       string          `gorm:"size:32;not null"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Quantity   decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Price      decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	CreatedAt  time.Time       `gorm:"autoCreateTime"`
}
