package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteSource 标记报价来自降级链的哪一级。
type QuoteSource string

const (
	SourceStream    QuoteSource = "stream"
	SourceCache     QuoteSource = "cache"
	SourceStore     QuoteSource = "store"
	SourceREST      QuoteSource = "rest"
	SourceSimulated QuoteSource = "simulated"
)

// Quote 某一时刻的报价。Bid/Ask 可能缺失，由行情层按点差补齐。
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Bid       *decimal.Decimal
	Ask       *decimal.Decimal
	Timestamp time.Time
	Source    QuoteSource
}

func (q Quote) HasBidAsk() bool { return q.Bid != nil && q.Ask != nil }

// BidOrPrice 缺少 bid 时退回 Price。
func (q Quote) BidOrPrice() decimal.Decimal {
	if q.Bid != nil {
		return *q.Bid
	}
	return q.Price
}

// AskOrPrice 缺少 ask 时退回 Price。
func (q Quote) AskOrPrice() decimal.Decimal {
	if q.Ask != nil {
		return *q.Ask
	}
	return q.Price
}

func (q Quote) Clone() Quote {
	c := q
	c.Bid = CloneDec(q.Bid)
	c.Ask = CloneDec(q.Ask)
	return c
}

// QuoteSnapshot 最近一次报价的落库形式，用于冷启动。
type QuoteSnapshot struct {
	Symbol    string           `gorm:"primaryKey;size:32"`
	Price     decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	Bid       *decimal.Decimal `gorm:"type:decimal(20,8)"`
	Ask       *decimal.Decimal `gorm:"type:decimal(20,8)"`
	Timestamp time.Time        `gorm:"not null"`
}

func SnapshotOf(q Quote) QuoteSnapshot {
	return QuoteSnapshot{
		Symbol:    q.Symbol,
		Price:     q.Price,
		Bid:       CloneDec(q.Bid),
		Ask:       CloneDec(q.Ask),
		Timestamp: q.Timestamp,
	}
}

func (s QuoteSnapshot) Quote() Quote {
	return Quote{
		Symbol:    s.Symbol,
		Price:     s.Price,
		Bid:       CloneDec(s.Bid),
		Ask:       CloneDec(s.Ask),
		Timestamp: s.Timestamp,
		Source:    SourceStore,
	}
}
