// Package ledger 维护仓位与账户资金的一致性：开平仓、浮动盈亏、保证金指标。
//
// 锁顺序：账户锁内可以获取仓位锁，持有仓位锁时不得再获取账户锁。
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-venue/infrastructure/alert"
	"trading-venue/infrastructure/logger"
	"trading-venue/infrastructure/monitor"
	"trading-venue/internal/apperr"
	"trading-venue/internal/clock"
	"trading-venue/internal/keylock"
	"trading-venue/internal/models"
	"trading-venue/internal/store"
	"trading-venue/market"
)

// DefaultMaxMarginLevel decimal(20,8) 留 12 位整数，保证金水平截断到这里。
var DefaultMaxMarginLevel = decimal.RequireFromString("999999999.99")

var hundred = decimal.NewFromInt(100)

// 平仓原因，用于指标标签
const (
	ReasonManual     = "manual"
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
)

// Quoter 取价入口，feed.Adapter 实现了它。
type Quoter interface {
	GetQuote(ctx context.Context, symbol string) models.Quote
}

// Config 账本参数
type Config struct {
	MaxMarginLevel  decimal.Decimal
	MarginCallLevel decimal.Decimal // 保证金水平低于等于该值时告警，零值关闭
	QuoteTimeout    time.Duration
}

// Components 账本依赖。Store 与 Quotes 必填。
type Components struct {
	Store   store.Store
	Quotes  Quoter
	Spread  *market.SpreadModel
	Locks   *keylock.Locker
	Clock   clock.Clock
	Alerts  *alert.Manager
	Logger  *logger.Logger
	Monitor *monitor.Monitor
}

// PositionUpdate ModifyPosition 的部分更新，nil 字段保持不变。
type PositionUpdate struct {
	StopLoss        *decimal.Decimal
	TakeProfit      *decimal.Decimal
	ClearStopLoss   bool
	ClearTakeProfit bool

	// 以下为人工修正字段
	OpenPrice *decimal.Decimal
	Quantity  *decimal.Decimal
	Side      *models.Side

	// UnrealizedPnl 显式覆盖浮动盈亏，保留到下一次指标重算
	UnrealizedPnl *decimal.Decimal
}

func (u PositionUpdate) coreChanged() bool {
	return u.OpenPrice != nil || u.Quantity != nil || u.Side != nil
}

func (u PositionUpdate) validate() error {
	if u.StopLoss != nil && !u.StopLoss.IsPositive() {
		return apperr.Validation("stop_loss", "must be positive")
	}
	if u.TakeProfit != nil && !u.TakeProfit.IsPositive() {
		return apperr.Validation("take_profit", "must be positive")
	}
	if u.OpenPrice != nil && !u.OpenPrice.IsPositive() {
		return apperr.Validation("open_price", "must be positive")
	}
	if u.Quantity != nil && !u.Quantity.IsPositive() {
		return apperr.Validation("quantity", "must be positive")
	}
	if u.Side != nil && !u.Side.Valid() {
		return apperr.Validation("side", "must be buy or sell")
	}
	return nil
}

// Ledger 仓位账本
type Ledger struct {
	cfg    Config
	store  store.Store
	quotes Quoter
	spread *market.SpreadModel
	locks  *keylock.Locker
	clk    clock.Clock
	alerts *alert.Manager
	log    *logger.Logger
	mon    *monitor.Monitor
}

func New(cfg Config, c Components) *Ledger {
	if !cfg.MaxMarginLevel.IsPositive() {
		cfg.MaxMarginLevel = DefaultMaxMarginLevel
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 2 * time.Second
	}
	if c.Spread == nil {
		c.Spread = market.NewSpreadModel(market.DefaultSpreadConfig())
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
	return &Ledger{
		cfg:    cfg,
		store:  c.Store,
		quotes: c.Quotes,
		spread: c.Spread,
		locks:  c.Locks,
		clk:    c.Clock,
		alerts: c.Alerts,
		log:    c.Logger.Named("ledger"),
		mon:    c.Monitor,
	}
}

func positionKey(id string) string { return "position:" + id }
func accountKey(id string) string  { return "account:" + id }

// PnL 方向一致的盈亏：(price − open) × qty × sign(side)。
func PnL(side models.Side, open, price, qty decimal.Decimal) decimal.Decimal {
	return price.Sub(open).Mul(qty).Mul(side.Sign())
}

// markPrice 多头按 bid、空头按 ask 计价，缺失时按点差补齐。
func (l *Ledger) markPrice(ctx context.Context, p *models.Position) decimal.Decimal {
	qctx, cancel := context.WithTimeout(ctx, l.cfg.QuoteTimeout)
	q := l.quotes.GetQuote(qctx, p.Symbol)
	cancel()
	if !q.HasBidAsk() {
		q = l.spread.Synthesize(q, decimal.Zero)
	}
	if p.IsLong() {
		return q.BidOrPrice()
	}
	return q.AskOrPrice()
}

// OpenPosition 按成交价为订单开仓，随后重算账户指标。仓位落库后出错时
// 仍返回仓位，返回 nil 表示没有建立。
func (l *Ledger) OpenPosition(ctx context.Context, o *models.Order, fillPrice decimal.Decimal) (*models.Position, error) {
	if !fillPrice.IsPositive() {
		return nil, apperr.Validation("fill_price", "must be positive")
	}
	qty := o.FilledQuantity
	if !qty.IsPositive() {
		qty = o.Quantity
	}
	now := l.clk.Now()
	p := &models.Position{
		ID:           uuid.NewString(),
		AccountID:    o.AccountID,
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Quantity:     qty,
		OpenPrice:    fillPrice,
		CurrentPrice: fillPrice,
		StopLoss:     models.CloneDec(o.StopLoss),
		TakeProfit:   models.CloneDec(o.TakeProfit),
		Status:       models.PositionStatusOpen,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	if err := l.store.CreatePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}
	l.mon.RecordPositionOpened()
	l.log.LogPosition("opened", p.ID, map[string]interface{}{
		"order_id": o.ID,
		"symbol":   p.Symbol,
		"side":     string(p.Side),
		"quantity": qty.String(),
		"price":    fillPrice.String(),
	})

	if _, err := l.UpdateAccountMetrics(ctx, p.AccountID); err != nil {
		return p, err
	}
	fresh, err := l.store.GetPosition(ctx, p.ID)
	if err != nil {
		return p, err
	}
	return fresh, nil
}

// RefreshUnrealizedPnl 用最新报价刷新仓位的现价与浮动盈亏并落库，结果写回 p。
// 已平仓位保持不变。
func (l *Ledger) RefreshUnrealizedPnl(ctx context.Context, p *models.Position) error {
	unlock := l.locks.Lock(positionKey(p.ID))
	defer unlock()

	fresh, err := l.refreshLocked(ctx, p.ID)
	if err != nil {
		return err
	}
	*p = *fresh
	return nil
}

func (l *Ledger) refreshLocked(ctx context.Context, id string) (*models.Position, error) {
	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return p, nil
	}
	price := l.markPrice(ctx, p)
	p.CurrentPrice = price
	p.UnrealizedPnl = PnL(p.Side, p.OpenPrice, price, p.Quantity)
	p.UpdatedAt = l.clk.Now()
	if err := l.store.UpdatePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("update position %s: %w", id, err)
	}
	return p, nil
}

// ClosePosition 平仓。qty 为 nil 时全部平仓；部分平仓减少数量并累加已实现盈亏。
// 仓位、流水与余额一次写入，随后重算账户指标。
func (l *Ledger) ClosePosition(ctx context.Context, id string, qty *decimal.Decimal) (*models.Position, error) {
	p, done, err := l.settle(ctx, id, func(acct *models.Account, p *models.Position) (bool, error) {
		if !p.IsOpen() {
			return false, apperr.InvalidState("position", id, string(p.Status), "close")
		}
		closeQty := p.Quantity
		if qty != nil {
			closeQty = *qty
		}
		if !closeQty.IsPositive() {
			return false, apperr.Validation("quantity", "must be positive")
		}
		if closeQty.GreaterThan(p.Quantity) {
			return false, apperr.Validation("quantity", fmt.Sprintf("exceeds remaining %s", p.Quantity))
		}
		if err := l.closeLocked(ctx, acct, p, closeQty, l.markPrice(ctx, p), ReasonManual); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil && !done {
		return nil, err
	}
	return p, err
}

// settle 先取账户锁，再取仓位锁读出最新状态交给 fn。fn 返回 true 表示已结算，
// 释放仓位锁后在账户锁内重算指标。仓位的账户归属不会变化，可以先无锁读取。
func (l *Ledger) settle(ctx context.Context, id string, fn func(acct *models.Account, p *models.Position) (bool, error)) (*models.Position, bool, error) {
	head, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return nil, false, err
	}
	unlockAcct := l.locks.Lock(accountKey(head.AccountID))
	defer unlockAcct()

	acct, err := l.store.GetAccount(ctx, head.AccountID)
	if err != nil {
		return nil, false, err
	}

	unlockPos := l.locks.Lock(positionKey(id))
	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		unlockPos()
		return nil, false, err
	}
	done, err := fn(acct, p)
	unlockPos()
	if err != nil || !done {
		return p, false, err
	}

	if _, err := l.recomputeLocked(ctx, acct, ""); err != nil {
		return p, true, err
	}
	fresh, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return p, true, err
	}
	return fresh, true, nil
}

// closeLocked 按 price 平掉 qty，仓位、流水与余额经 SettleClose 一起落库；
// 失败时库中状态不变。调用方持有账户锁与仓位锁。
func (l *Ledger) closeLocked(ctx context.Context, acct *models.Account, p *models.Position, qty, price decimal.Decimal, reason string) error {
	realized := PnL(p.Side, p.OpenPrice, price, qty)
	now := l.clk.Now()

	txType := models.TransactionTypeClose
	p.CurrentPrice = price
	p.RealizedPnl = p.RealizedPnl.Add(realized)
	p.UpdatedAt = now
	if qty.Equal(p.Quantity) {
		p.Status = models.PositionStatusClosed
		p.ClosedAt = &now
		p.UnrealizedPnl = decimal.Zero
	} else {
		txType = models.TransactionTypePartialClose
		p.Quantity = p.Quantity.Sub(qty)
		p.UnrealizedPnl = PnL(p.Side, p.OpenPrice, price, p.Quantity)
	}
	tx := &models.Transaction{
		ID:         uuid.NewString(),
		AccountID:  p.AccountID,
		PositionID: p.ID,
		Type:       txType,
		Amount:     realized,
		Quantity:   qty,
		Price:      price,
		CreatedAt:  now,
	}
	acct.Balance = acct.Balance.Add(realized)
	acct.UpdatedAt = now

	if err := l.store.SettleClose(ctx, p, tx, acct); err != nil {
		return fmt.Errorf("settle close of %s: %w", p.ID, err)
	}

	realizedF, _ := realized.Float64()
	l.mon.RecordPositionClosed(reason, realizedF)
	l.log.LogPosition(txType, p.ID, map[string]interface{}{
		"reason":   reason,
		"quantity": qty.String(),
		"price":    price.String(),
		"realized": realized.String(),
		"balance":  acct.Balance.String(),
		"status":   string(p.Status),
	})
	return nil
}

// ModifyPosition 修改止损止盈或人工修正核心字段。核心字段变化且未显式
// 覆盖浮动盈亏时，按最新报价重算。
func (l *Ledger) ModifyPosition(ctx context.Context, id string, u PositionUpdate) (*models.Position, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(positionKey(id))
	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if !p.IsOpen() {
		unlock()
		return nil, apperr.InvalidState("position", id, string(p.Status), "modify")
	}

	switch {
	case u.ClearStopLoss:
		p.StopLoss = nil
	case u.StopLoss != nil:
		p.StopLoss = models.CloneDec(u.StopLoss)
	}
	switch {
	case u.ClearTakeProfit:
		p.TakeProfit = nil
	case u.TakeProfit != nil:
		p.TakeProfit = models.CloneDec(u.TakeProfit)
	}
	if u.OpenPrice != nil {
		p.OpenPrice = *u.OpenPrice
	}
	if u.Quantity != nil {
		p.Quantity = *u.Quantity
	}
	if u.Side != nil {
		p.Side = *u.Side
	}

	switch {
	case u.UnrealizedPnl != nil:
		p.UnrealizedPnl = *u.UnrealizedPnl
	case u.coreChanged():
		price := l.markPrice(ctx, p)
		p.CurrentPrice = price
		p.UnrealizedPnl = PnL(p.Side, p.OpenPrice, price, p.Quantity)
	}
	p.UpdatedAt = l.clk.Now()

	if err := l.store.UpdatePosition(ctx, p); err != nil {
		unlock()
		return nil, fmt.Errorf("update position %s: %w", id, err)
	}
	unlock()
	l.log.LogPosition("modified", id, map[string]interface{}{"core_changed": u.coreChanged()})

	skip := ""
	if u.UnrealizedPnl != nil {
		skip = id
	}
	if err := l.recompute(ctx, p.AccountID, skip); err != nil {
		return p, err
	}
	return l.store.GetPosition(ctx, id)
}

// UpdateAccountMetrics 刷新账户全部持仓的浮动盈亏，重算权益、保证金、
// 可用保证金与保证金水平。
func (l *Ledger) UpdateAccountMetrics(ctx context.Context, accountID string) (*models.Account, error) {
	unlock := l.locks.Lock(accountKey(accountID))
	defer unlock()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return l.recomputeLocked(ctx, acct, "")
}

func (l *Ledger) recompute(ctx context.Context, accountID, skip string) error {
	unlock := l.locks.Lock(accountKey(accountID))
	defer unlock()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	_, err = l.recomputeLocked(ctx, acct, skip)
	return err
}

// recomputeLocked 调用方持有账户锁。skip 指定的仓位沿用已存的浮动盈亏。
func (l *Ledger) recomputeLocked(ctx context.Context, acct *models.Account, skip string) (*models.Account, error) {
	positions, err := l.store.ListPositions(ctx, store.PositionFilter{
		AccountID: acct.ID,
		Status:    models.PositionStatusOpen,
	})
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", acct.ID, err)
	}

	unrealized := decimal.Zero
	notional := decimal.Zero
	for i := range positions {
		p := &positions[i]
		if p.ID != skip {
			unlockPos := l.locks.Lock(positionKey(p.ID))
			fresh, err := l.refreshLocked(ctx, p.ID)
			unlockPos()
			if err != nil {
				return nil, err
			}
			p = fresh
		}
		if !p.IsOpen() {
			continue
		}
		unrealized = unrealized.Add(p.UnrealizedPnl)
		notional = notional.Add(p.OpenPrice.Mul(p.Quantity))
	}

	margin := notional.Div(decimal.NewFromInt(int64(acct.EffectiveLeverage())))
	acct.Equity = acct.Balance.Add(unrealized)
	acct.Margin = margin
	acct.FreeMargin = acct.Equity.Sub(margin)
	acct.MarginLevel = l.marginLevel(acct.Equity, margin)
	acct.UpdatedAt = l.clk.Now()

	if err := l.store.UpdateAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("update account %s: %w", acct.ID, err)
	}

	equityF, _ := acct.Equity.Float64()
	levelF, _ := acct.MarginLevel.Float64()
	l.mon.UpdateAccount(acct.ID, equityF, levelF)
	l.checkMarginCall(acct)
	return acct, nil
}

// marginLevel equity/margin×100，无保证金占用时为 0，上下限截断。
func (l *Ledger) marginLevel(equity, margin decimal.Decimal) decimal.Decimal {
	if !margin.IsPositive() {
		return decimal.Zero
	}
	level := equity.Div(margin).Mul(hundred).Round(8)
	ceil := l.cfg.MaxMarginLevel
	if level.GreaterThan(ceil) {
		return ceil
	}
	if level.LessThan(ceil.Neg()) {
		return ceil.Neg()
	}
	return level
}

func (l *Ledger) checkMarginCall(acct *models.Account) {
	if !l.cfg.MarginCallLevel.IsPositive() || !acct.Margin.IsPositive() {
		return
	}
	if acct.MarginLevel.GreaterThan(l.cfg.MarginCallLevel) {
		return
	}
	fields := map[string]interface{}{
		"account_id":   acct.ID,
		"equity":       acct.Equity.String(),
		"margin":       acct.Margin.String(),
		"margin_level": acct.MarginLevel.String(),
	}
	l.mon.RecordMarginCall()
	l.log.LogRisk("margin_call", fields)
	if l.alerts == nil {
		return
	}
	if err := l.alerts.SendKeyed(alert.LevelWarning, "margin_call:"+acct.ID, "保证金水平过低", fields); err != nil {
		l.log.Warn("margin call alert failed", zap.String("account_id", acct.ID), zap.Error(err))
	}
}

// CheckStops 按最新价检查止损止盈，触发时以同一价格全部平仓并返回 true。
// 多头：价格 ≤ 止损或 ≥ 止盈；空头相反。
func (l *Ledger) CheckStops(ctx context.Context, pos *models.Position) (bool, error) {
	if !pos.HasStops() {
		return false, nil
	}

	settled, done, err := l.settle(ctx, pos.ID, func(acct *models.Account, p *models.Position) (bool, error) {
		if !p.IsOpen() || !p.HasStops() {
			return false, nil
		}
		price := l.markPrice(ctx, p)
		reason := StopReason(p, price)
		if reason == "" {
			return false, nil
		}
		if err := l.closeLocked(ctx, acct, p, p.Quantity, price, reason); err != nil {
			return false, err
		}
		return true, nil
	})
	if done && err == nil {
		*pos = *settled
	}
	return done, err
}

// StopReason 返回触发的原因，未触发返回空串。止损优先。
func StopReason(p *models.Position, price decimal.Decimal) string {
	if p.IsLong() {
		if p.StopLoss != nil && price.LessThanOrEqual(*p.StopLoss) {
			return ReasonStopLoss
		}
		if p.TakeProfit != nil && price.GreaterThanOrEqual(*p.TakeProfit) {
			return ReasonTakeProfit
		}
		return ""
	}
	if p.StopLoss != nil && price.GreaterThanOrEqual(*p.StopLoss) {
		return ReasonStopLoss
	}
	if p.TakeProfit != nil && price.LessThanOrEqual(*p.TakeProfit) {
		return ReasonTakeProfit
	}
	return ""
}
