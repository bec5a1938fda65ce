// Package order 负责订单的校验、落库、触发判断与成交。
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-venue/infrastructure/logger"
	"trading-venue/infrastructure/monitor"
	"trading-venue/internal/apperr"
	"trading-venue/internal/clock"
	"trading-venue/internal/keylock"
	"trading-venue/internal/models"
	"trading-venue/internal/store"
)

// Quoter 取价入口，feed.Adapter 实现了它。
type Quoter interface {
	GetQuote(ctx context.Context, symbol string) models.Quote
}

// PositionOpener 成交后开仓，ledger.Ledger 实现了它。
type PositionOpener interface {
	OpenPosition(ctx context.Context, o *models.Order, fillPrice decimal.Decimal) (*models.Position, error)
}

// PlaceRequest 下单请求
type PlaceRequest struct {
	AccountID  string
	Symbol     string
	Type       models.OrderType
	Side       models.Side
	Quantity   decimal.Decimal
	Price      *decimal.Decimal // 限价或触发价，市价单忽略
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Leverage   int // 0 表示沿用账户杠杆
}

// Validate 校验请求，失败返回 ValidationError。
func (r PlaceRequest) Validate() error {
	switch {
	case r.AccountID == "":
		return apperr.Validation("account_id", "is required")
	case r.Symbol == "":
		return apperr.Validation("symbol", "is required")
	case !r.Type.Valid():
		return apperr.Validation("type", fmt.Sprintf("unknown order type %q", r.Type))
	case !r.Side.Valid():
		return apperr.Validation("side", fmt.Sprintf("unknown side %q", r.Side))
	case !r.Quantity.IsPositive():
		return apperr.Validation("quantity", "must be positive")
	case r.Type.RequiresPrice() && r.Price == nil:
		return apperr.Validation("price", fmt.Sprintf("is required for %s orders", r.Type))
	case r.Type.RequiresPrice() && !r.Price.IsPositive():
		return apperr.Validation("price", "must be positive")
	case r.StopLoss != nil && !r.StopLoss.IsPositive():
		return apperr.Validation("stop_loss", "must be positive")
	case r.TakeProfit != nil && !r.TakeProfit.IsPositive():
		return apperr.Validation("take_profit", "must be positive")
	case r.Leverage < 0:
		return apperr.Validation("leverage", "must not be negative")
	}
	return nil
}

// Config 订单参数
type Config struct {
	FeeRate      decimal.Decimal // 手续费率，按成交名义计算，只记录不扣款
	QuoteTimeout time.Duration
}

// Components 订单管理依赖。Store/Quotes/Positions 必填。
type Components struct {
	Store     store.Store
	Quotes    Quoter
	Positions PositionOpener
	Locks     *keylock.Locker
	Clock     clock.Clock
	Logger    *logger.Logger
	Monitor   *monitor.Monitor
}

// Manager 订单生命周期管理
type Manager struct {
	cfg       Config
	store     store.Store
	quotes    Quoter
	positions PositionOpener
	locks     *keylock.Locker
	clk       clock.Clock
	log       *logger.Logger
	mon       *monitor.Monitor
}

func NewManager(cfg Config, c Components) *Manager {
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 2 * time.Second
	}
	if c.Locks == nil {
		c.Locks = keylock.New()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	if c.Monitor == nil {
		c.Monitor = monitor.New(monitor.DefaultConfig())
	}
	return &Manager{
		cfg:       cfg,
		store:     c.Store,
		quotes:    c.Quotes,
		positions: c.Positions,
		locks:     c.Locks,
		clk:       c.Clock,
		log:       c.Logger.Named("order"),
		mon:       c.Monitor,
	}
}

func orderKey(id string) string { return "order:" + id }

// PlaceOrder 校验并落库。市价单同步成交；其余挂单落库为 pending 后立即评估一次，
// 提交时已满足条件的挂单当场成交。
func (m *Manager) PlaceOrder(ctx context.Context, req PlaceRequest) (*models.Order, error) {
	if err := req.Validate(); err != nil {
		m.mon.RecordOrderRejected("validation")
		return nil, err
	}
	acct, err := m.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		m.mon.RecordOrderRejected("account")
		return nil, err
	}

	leverage := req.Leverage
	if leverage == 0 {
		leverage = acct.EffectiveLeverage()
	}
	now := m.clk.Now()
	o := &models.Order{
		ID:         uuid.NewString(),
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Type:       req.Type,
		Side:       req.Side,
		Quantity:   req.Quantity,
		StopLoss:   models.CloneDec(req.StopLoss),
		TakeProfit: models.CloneDec(req.TakeProfit),
		Leverage:   leverage,
		Status:     models.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Type.RequiresPrice() {
		o.Price = models.CloneDec(req.Price)
	}
	if err := m.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	m.mon.RecordOrderPlaced(string(o.Type))
	m.log.LogOrder("placed", o.ID, map[string]interface{}{
		"account_id": o.AccountID,
		"symbol":     o.Symbol,
		"type":       string(o.Type),
		"side":       string(o.Side),
		"quantity":   o.Quantity.String(),
	})

	if o.Type == models.OrderTypeMarket {
		return m.ExecuteOrder(ctx, o)
	}
	if _, err := m.EvaluateOrder(ctx, o.ID); err != nil {
		return nil, err
	}
	return m.store.GetOrder(ctx, o.ID)
}

// ExecuteOrder 以当前报价立即成交一笔 pending 订单并开仓。
// 以库中状态为准，订单已成交或已撤销时返回 InvalidStateError。
func (m *Manager) ExecuteOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	unlock := m.locks.Lock(orderKey(o.ID))
	defer unlock()

	current, err := m.store.GetOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(current, models.OrderStatusFilled, "execute"); err != nil {
		return nil, err
	}
	return m.executeLocked(ctx, current, m.quote(ctx, current.Symbol))
}

func (m *Manager) executeLocked(ctx context.Context, o *models.Order, q models.Quote) (*models.Order, error) {
	price := FillPrice(o.Side, q)
	if !price.IsPositive() {
		return nil, fmt.Errorf("no usable price for %s", o.Symbol)
	}
	now := m.clk.Now()

	prev := o.Clone()
	if q.HasBidAsk() {
		o.Spread = q.Ask.Sub(*q.Bid)
	}
	o.Fee = m.cfg.FeeRate.Mul(price).Mul(o.Quantity)
	o.Status = models.OrderStatusFilled
	o.FilledQuantity = o.Quantity
	o.AvgFillPrice = models.Dec(price)
	o.FilledAt = &now
	o.UpdatedAt = now
	if err := m.store.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("update order %s: %w", o.ID, err)
	}

	pos, err := m.positions.OpenPosition(ctx, o, price)
	if pos == nil && err != nil {
		// 仓位没有建立，订单退回 pending，下一轮评估或重新执行
		if rerr := m.store.UpdateOrder(ctx, &prev); rerr != nil {
			m.log.LogError(rerr, map[string]interface{}{"op": "revert_fill", "order_id": o.ID})
		}
		m.log.LogError(err, map[string]interface{}{"op": "open_position", "order_id": o.ID})
		return nil, fmt.Errorf("open position for order %s: %w", o.ID, err)
	}

	m.mon.RecordOrderFilled(string(o.Type), now.Sub(o.CreatedAt))
	m.log.LogOrder("filled", o.ID, map[string]interface{}{
		"price":  price.String(),
		"source": string(q.Source),
		"fee":    o.Fee.String(),
	})
	if err != nil {
		// 仓位已建立，只是指标重算失败
		m.log.LogError(err, map[string]interface{}{"op": "open_position", "order_id": o.ID})
		return o, fmt.Errorf("open position for order %s: %w", o.ID, err)
	}
	return o, nil
}

// CancelOrder 撤销 pending 订单；其他状态返回 InvalidStateError。
func (m *Manager) CancelOrder(ctx context.Context, id string) (*models.Order, error) {
	unlock := m.locks.Lock(orderKey(id))
	defer unlock()

	o, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(o, models.OrderStatusCancelled, "cancel"); err != nil {
		return nil, err
	}
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = m.clk.Now()
	if err := m.store.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("update order %s: %w", id, err)
	}
	m.mon.RecordOrderCanceled()
	m.log.LogOrder("cancelled", id, nil)
	return o, nil
}

// EvaluateOrder 重新读取订单，仍为 pending 且触发条件满足时成交。
// 返回是否成交。
func (m *Manager) EvaluateOrder(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.Lock(orderKey(id))
	defer unlock()

	o, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return false, err
	}
	if o.Status != models.OrderStatusPending {
		return false, nil
	}

	q := m.quote(ctx, o.Symbol)
	if !Triggered(o, q) {
		return false, nil
	}
	m.log.LogOrder("triggered", o.ID, map[string]interface{}{
		"type": string(o.Type),
		"bid":  q.BidOrPrice().String(),
		"ask":  q.AskOrPrice().String(),
	})
	if _, err := m.executeLocked(ctx, o, q); err != nil {
		return false, err
	}
	return true, nil
}

// quote 单次取价带超时，超时后由取价链降级到模拟行情。
func (m *Manager) quote(ctx context.Context, symbol string) models.Quote {
	qctx, cancel := context.WithTimeout(ctx, m.cfg.QuoteTimeout)
	defer cancel()
	return m.quotes.GetQuote(qctx, symbol)
}
