package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-venue/feed"
	"trading-venue/infrastructure/alert"
	"trading-venue/infrastructure/logger"
	"trading-venue/internal/apperr"
	"trading-venue/internal/models"
	"trading-venue/internal/store"
	"trading-venue/ledger"
	"trading-venue/market"
	"trading-venue/order"
	"trading-venue/scheduler"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StatePaused 暂停状态，评估循环停止，下单与取价照常
	StatePaused
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Components 引擎依赖组件
type Components struct {
	Store        store.Store
	Feed         *feed.Adapter
	Orders       *order.Manager
	Ledger       *ledger.Ledger
	Scheduler    *scheduler.Scheduler
	AlertManager *alert.Manager
	Logger       *logger.Logger
}

// TradingEngine 对外的交易入口：下单、撤单、平仓、改仓、取价与订阅。
// 评估循环随引擎启动。
type TradingEngine struct {
	store     store.Store
	feed      *feed.Adapter
	orders    *order.Manager
	ledger    *ledger.Ledger
	scheduler *scheduler.Scheduler
	alertMgr  *alert.Manager
	logger    *logger.Logger

	// 状态
	state EngineState
	mu    sync.RWMutex

	// 统计信息
	stats Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime     time.Time
	TotalOrders   int64
	TotalFills    int64
	TotalCancels  int64
	TotalCloses   int64
	TotalErrors   int64
	LastOrderTime time.Time
	mu            sync.RWMutex
}

// New 创建交易引擎
func New(components Components) (*TradingEngine, error) {
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if components.Logger == nil {
		components.Logger = logger.NewNop()
	}

	return &TradingEngine{
		store:     components.Store,
		feed:      components.Feed,
		orders:    components.Orders,
		ledger:    components.Ledger,
		scheduler: components.Scheduler,
		alertMgr:  components.AlertManager,
		logger:    components.Logger.Named("engine"),
		state:     StateIdle,
	}, nil
}

// Start 启动引擎与评估循环
func (e *TradingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle && e.state != StateStopped {
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	e.state = StateRunning

	e.stats.mu.Lock()
	e.stats.StartTime = time.Now()
	e.stats.mu.Unlock()

	e.logger.Info("Trading engine started")
	return nil
}

// Stop 停止引擎，等待进行中的评估结束。重复调用无副作用。
func (e *TradingEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStopped || e.state == StateIdle {
		return nil
	}
	e.scheduler.Stop()
	e.state = StateStopped
	e.logger.Info("Trading engine stopped")
	return nil
}

// Pause 暂停评估循环
func (e *TradingEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	e.scheduler.Stop()
	e.state = StatePaused
	e.logger.Info("Trading engine paused")
	return nil
}

// Resume 恢复评估循环
func (e *TradingEngine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return fmt.Errorf("engine not paused (state: %s)", e.state)
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to resume scheduler: %w", err)
	}
	e.state = StateRunning
	e.logger.Info("Trading engine resumed")
	return nil
}

// PlaceOrder 下单
func (e *TradingEngine) PlaceOrder(ctx context.Context, req order.PlaceRequest) (*models.Order, error) {
	o, err := e.orders.PlaceOrder(ctx, req)
	if err != nil {
		e.recordError(err)
		return nil, err
	}

	e.stats.mu.Lock()
	e.stats.TotalOrders++
	e.stats.LastOrderTime = time.Now()
	if o.Status == models.OrderStatusFilled {
		e.stats.TotalFills++
	}
	e.stats.mu.Unlock()
	return o, nil
}

// CancelOrder 撤单
func (e *TradingEngine) CancelOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := e.orders.CancelOrder(ctx, id)
	if err != nil {
		e.recordError(err)
		return nil, err
	}
	e.stats.mu.Lock()
	e.stats.TotalCancels++
	e.stats.mu.Unlock()
	return o, nil
}

// ClosePosition 平仓，qty 为 nil 时全部平掉
func (e *TradingEngine) ClosePosition(ctx context.Context, id string, qty *decimal.Decimal) (*models.Position, error) {
	p, err := e.ledger.ClosePosition(ctx, id, qty)
	if err != nil {
		e.recordError(err)
		return nil, err
	}
	e.stats.mu.Lock()
	e.stats.TotalCloses++
	e.stats.mu.Unlock()
	return p, nil
}

// ModifyPosition 修改仓位
func (e *TradingEngine) ModifyPosition(ctx context.Context, id string, u ledger.PositionUpdate) (*models.Position, error) {
	p, err := e.ledger.ModifyPosition(ctx, id, u)
	if err != nil {
		e.recordError(err)
		return nil, err
	}
	return p, nil
}

// GetQuote 取价，不会失败
func (e *TradingEngine) GetQuote(ctx context.Context, symbol string) models.Quote {
	return e.feed.GetQuote(ctx, symbol)
}

// Subscribe 订阅品种报价
func (e *TradingEngine) Subscribe(symbol string, cb feed.Callback) feed.Subscription {
	return e.feed.Subscribe(symbol, cb)
}

// Unsubscribe 取消订阅
func (e *TradingEngine) Unsubscribe(sub feed.Subscription) {
	e.feed.Unsubscribe(sub)
}

// QuoteStatus 批量查询报价新鲜度
func (e *TradingEngine) QuoteStatus(symbols []string) map[string]market.QuoteStatus {
	return e.feed.Status(symbols)
}

// Account 按最新报价重算后返回账户
func (e *TradingEngine) Account(ctx context.Context, id string) (*models.Account, error) {
	return e.ledger.UpdateAccountMetrics(ctx, id)
}

// Orders 查询订单
func (e *TradingEngine) Orders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	return e.store.ListOrders(ctx, filter)
}

// Positions 查询仓位
func (e *TradingEngine) Positions(ctx context.Context, filter store.PositionFilter) ([]models.Position, error) {
	return e.store.ListPositions(ctx, filter)
}

// LastTick 最近一次评估的统计
func (e *TradingEngine) LastTick() scheduler.TickReport {
	return e.scheduler.LastReport()
}

// recordError 调用方错误只计数；存储等内部错误另外告警
func (e *TradingEngine) recordError(err error) {
	e.stats.mu.Lock()
	e.stats.TotalErrors++
	e.stats.mu.Unlock()

	if isCallerError(err) {
		e.logger.Debug("Request rejected", zap.Error(err))
		return
	}
	e.logger.Error("Request failed", zap.Error(err))
	if e.alertMgr != nil {
		_ = e.alertMgr.SendAlert(alert.Alert{
			Level:   alert.LevelError,
			Key:     "engine_error",
			Message: fmt.Sprintf("交易请求失败: %v", err),
		})
	}
}

// GetState 获取引擎状态
func (e *TradingEngine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息
func (e *TradingEngine) GetStatistics() Statistics {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return Statistics{
		StartTime:     e.stats.StartTime,
		TotalOrders:   e.stats.TotalOrders,
		TotalFills:    e.stats.TotalFills,
		TotalCancels:  e.stats.TotalCancels,
		TotalCloses:   e.stats.TotalCloses,
		TotalErrors:   e.stats.TotalErrors,
		LastOrderTime: e.stats.LastOrderTime,
	}
}

// isCallerError 参数、状态或 id 错误，属于调用方问题
func isCallerError(err error) bool {
	return apperr.IsValidation(err) || apperr.IsNotFound(err) || apperr.IsInvalidState(err)
}

// validateComponents 验证组件
func validateComponents(comp Components) error {
	if comp.Store == nil {
		return errors.New("store is required")
	}
	if comp.Feed == nil {
		return errors.New("feed is required")
	}
	if comp.Orders == nil {
		return errors.New("order manager is required")
	}
	if comp.Ledger == nil {
		return errors.New("ledger is required")
	}
	if comp.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	return nil
}
