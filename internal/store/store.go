// Package store 定义引擎依赖的持久化接口，以及内存、gorm、sqlite 三种实现。
package store

import (
	"context"

	"trading-venue/internal/models"
)

// OrderFilter 为空的字段不参与过滤。
type OrderFilter struct {
	AccountID string
	Symbol    string
	Status    models.OrderStatus
}

func (f OrderFilter) match(o *models.Order) bool {
	return (f.AccountID == "" || o.AccountID == f.AccountID) &&
		(f.Symbol == "" || o.Symbol == f.Symbol) &&
		(f.Status == "" || o.Status == f.Status)
}

// PositionFilter 为空的字段不参与过滤。
type PositionFilter struct {
	AccountID string
	Symbol    string
	Status    models.PositionStatus
}

func (f PositionFilter) match(p *models.Position) bool {
	return (f.AccountID == "" || p.AccountID == f.AccountID) &&
		(f.Symbol == "" || p.Symbol == f.Symbol) &&
		(f.Status == "" || p.Status == f.Status)
}

// OrderStore 订单读写。不存在时返回 apperr.NotFoundError。
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	UpdateOrder(ctx context.Context, o *models.Order) error
}

// PositionStore 仓位读写。
type PositionStore interface {
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error)
	CreatePosition(ctx context.Context, p *models.Position) error
	UpdatePosition(ctx context.Context, p *models.Position) error
}

// AccountStore 账户读写。账户由外部系统创建，SeedAccount 仅在不存在时插入。
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	UpdateAccount(ctx context.Context, a *models.Account) error
	SeedAccount(ctx context.Context, a *models.Account) (created bool, err error)
}

// TransactionStore 资金流水。
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	ListTransactions(ctx context.Context, accountID string) ([]models.Transaction, error)
}

// SettlementStore 平仓结算：仓位、流水与账户余额在一次写入中生效，
// 任一失败则三者都不变。
type SettlementStore interface {
	SettleClose(ctx context.Context, p *models.Position, tx *models.Transaction, a *models.Account) error
}

// Store 引擎需要的全部读写能力。
type Store interface {
	OrderStore
	PositionStore
	AccountStore
	TransactionStore
	SettlementStore
}

// QuoteStore 最近报价的镜像，用于冷启动时的取价降级。
type QuoteStore interface {
	LoadQuote(ctx context.Context, symbol string) (models.Quote, bool, error)
	SaveQuote(ctx context.Context, q models.Quote) error
}
